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

	"github.com/ncw/swift/v2"

	"github.com/cloudnative-pg/pgarchive/internal/config"
	"github.com/cloudnative-pg/pgarchive/internal/pgerror"
)

type swiftBucket struct {
	conn      *swift.Connection
	container string
}

func newSwiftBucket(ctx context.Context, creds config.Swift, containerName string) (Bucket, error) {
	conn := &swift.Connection{
		AuthUrl:      creds.AuthURL,
		Tenant:       creds.Tenant,
		UserName:     creds.User,
		ApiKey:       creds.Password,
		EndpointType: swift.EndpointType(creds.EndpointType),
	}
	if creds.AuthVersion != "" {
		switch creds.AuthVersion {
		case "1":
			conn.AuthVersion = 1
		case "2":
			conn.AuthVersion = 2
		case "3":
			conn.AuthVersion = 3
		}
	}

	if err := conn.Authenticate(ctx); err != nil {
		return nil, pgerror.Fatal("blob.newSwiftBucket", err)
	}

	if err := conn.ContainerCreate(ctx, containerName, nil); err != nil && !errors.Is(err, swift.ContainerAlreadyExists) {
		return nil, pgerror.Fatal("blob.newSwiftBucket", err)
	}

	return &swiftBucket{conn: conn, container: containerName}, nil
}

func (b *swiftBucket) Put(ctx context.Context, key string, length int64, body io.Reader) error {
	return retryPolicy(ctx, "swift.Put", func() error {
		_, err := b.conn.ObjectPut(ctx, b.container, key, body, false, "", "", nil)
		return classifySwiftError("swift.Put", err)
	})
}

func (b *swiftBucket) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var reader io.ReadCloser
	err := retryPolicy(ctx, "swift.Get", func() error {
		r, _, err := b.conn.ObjectOpen(ctx, b.container, key, false, nil)
		if err := classifySwiftError("swift.Get", err); err != nil {
			return err
		}
		reader = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reader, nil
}

func (b *swiftBucket) List(ctx context.Context, prefix string, fn func(ObjectInfo) error) error {
	opts := &swift.ObjectsOpts{Prefix: prefix}
	return retryPolicy(ctx, "swift.List", func() error {
		return b.conn.ObjectsWalk(ctx, b.container, opts, func(ctx context.Context, opts *swift.ObjectsOpts) (interface{}, error) {
			objs, err := b.conn.Objects(ctx, b.container, opts)
			if err != nil {
				return nil, classifySwiftError("swift.List", err)
			}
			for _, obj := range objs {
				if err := fn(ObjectInfo{Key: obj.Name, Size: obj.Bytes, LastModified: obj.LastModified}); err != nil {
					return nil, err
				}
			}
			return objs, nil
		})
	})
}

func (b *swiftBucket) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		key := key
		if err := retryPolicy(ctx, "swift.Delete", func() error {
			err := b.conn.ObjectDelete(ctx, b.container, key)
			if errors.Is(err, swift.ObjectNotFound) {
				return nil
			}
			return classifySwiftError("swift.Delete", err)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (b *swiftBucket) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := retryPolicy(ctx, "swift.Exists", func() error {
		_, _, err := b.conn.Object(ctx, b.container, key)
		if errors.Is(err, swift.ObjectNotFound) {
			exists = false
			return nil
		}
		if classified := classifySwiftError("swift.Exists", err); classified != nil {
			return classified
		}
		exists = true
		return nil
	})
	return exists, err
}

// classifySwiftError maps ncw/swift errors into the pgerror.Kind taxonomy.
func classifySwiftError(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, swift.ObjectNotFound), errors.Is(err, swift.ContainerNotFound):
		return pgerror.NotFound(op, err)
	case errors.Is(err, swift.Unauthorized):
		return pgerror.Fatal(op, err)
	case errors.Is(err, swift.TooManyRequests):
		return pgerror.Transient(op, err)
	default:
		return pgerror.Transient(op, err)
	}
}
