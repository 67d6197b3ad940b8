/*
Copyright The CloudNativePG Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package blob

import (
	"context"
	"errors"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/cloudnative-pg/pgarchive/internal/config"
	"github.com/cloudnative-pg/pgarchive/internal/pgerror"
)

type gcsBucket struct {
	bucket *storage.BucketHandle
}

func newGCSBucket(ctx context.Context, creds config.GCS, bucketName string) (Bucket, error) {
	var opts []option.ClientOption
	if creds.ApplicationCredentials != "" {
		opts = append(opts, option.WithCredentialsFile(creds.ApplicationCredentials))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, pgerror.Fatal("blob.newGCSBucket", err)
	}

	return &gcsBucket{bucket: client.Bucket(bucketName)}, nil
}

func (b *gcsBucket) Put(ctx context.Context, key string, length int64, body io.Reader) error {
	return retryPolicy(ctx, "gcs.Put", func() error {
		w := b.bucket.Object(key).NewWriter(ctx)
		if _, err := io.Copy(w, body); err != nil {
			_ = w.Close()
			return classifyGCSError("gcs.Put", err)
		}
		return classifyGCSError("gcs.Put", w.Close())
	})
}

func (b *gcsBucket) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var reader *storage.Reader
	err := retryPolicy(ctx, "gcs.Get", func() error {
		var err error
		reader, err = b.bucket.Object(key).NewReader(ctx)
		return classifyGCSError("gcs.Get", err)
	})
	if err != nil {
		return nil, err
	}
	return reader, nil
}

func (b *gcsBucket) List(ctx context.Context, prefix string, fn func(ObjectInfo) error) error {
	it := b.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return classifyGCSError("gcs.List", err)
		}
		if err := fn(ObjectInfo{Key: attrs.Name, Size: attrs.Size, LastModified: attrs.Updated}); err != nil {
			return err
		}
	}
}

func (b *gcsBucket) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		key := key
		if err := retryPolicy(ctx, "gcs.Delete", func() error {
			err := b.bucket.Object(key).Delete(ctx)
			if errors.Is(err, storage.ErrObjectNotExist) {
				return nil
			}
			return classifyGCSError("gcs.Delete", err)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (b *gcsBucket) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := retryPolicy(ctx, "gcs.Exists", func() error {
		_, err := b.bucket.Object(key).Attrs(ctx)
		if errors.Is(err, storage.ErrObjectNotExist) {
			exists = false
			return nil
		}
		if classified := classifyGCSError("gcs.Exists", err); classified != nil {
			return classified
		}
		exists = true
		return nil
	})
	return exists, err
}

// classifyGCSError maps google-api-go-client errors into the pgerror.Kind
// taxonomy.
func classifyGCSError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return pgerror.NotFound(op, err)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusNotFound:
			return pgerror.NotFound(op, err)
		case http.StatusForbidden, http.StatusUnauthorized:
			return pgerror.Fatal(op, err)
		case http.StatusTooManyRequests, http.StatusInternalServerError,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return pgerror.Transient(op, err)
		}
	}
	return pgerror.Transient(op, err)
}
