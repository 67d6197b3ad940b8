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
	"fmt"
	"io"
	"net/http"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/cloudnative-pg/pgarchive/internal/config"
	"github.com/cloudnative-pg/pgarchive/internal/pgerror"
)

// maxGetRestarts bounds how many times a single Get stream will re-issue a
// range-continuation request after a mid-stream disconnect, so a backend
// that never stays connected long enough to finish still fails eventually
// instead of restarting forever.
const maxGetRestarts = 5

type s3Bucket struct {
	client *s3.Client
	bucket string
}

func newS3Bucket(ctx context.Context, creds config.S3, bucketName string) (Bucket, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if creds.AccessKeyID != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SecurityToken)))
	}
	if creds.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(creds.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, pgerror.Fatal("blob.newS3Bucket", err)
	}

	// WALE_S3_ENDPOINT is scheme+convention://host[:port]: "path" selects
	// path-style addressing, any other convention virtual-hosted addressing.
	endpoint, pathStyle := creds.Endpoint, true
	if idx := indexOf(endpoint, "://"); idx >= 0 {
		scheme, host := endpoint[:idx], endpoint[idx+len("://"):]
		if plus := indexOf(scheme, "+"); plus >= 0 {
			pathStyle = scheme[plus+1:] == "path"
			scheme = scheme[:plus]
		}
		endpoint = scheme + "://" + host
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
			o.UsePathStyle = pathStyle
		}
	})

	return &s3Bucket{client: client, bucket: bucketName}, nil
}

func (b *s3Bucket) Put(ctx context.Context, key string, length int64, body io.Reader) error {
	return retryPolicy(ctx, "s3.Put", func() error {
		_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:               &b.bucket,
			Key:                  &key,
			Body:                 body,
			ContentLength:        &length,
			ServerSideEncryption: types.ServerSideEncryptionAes256,
		})
		return classifyS3Error("s3.Put", err)
	})
}

func (b *s3Bucket) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var out *s3.GetObjectOutput
	err := retryPolicy(ctx, "s3.Get", func() error {
		var getErr error
		out, getErr = b.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: &b.bucket,
			Key:    &key,
		})
		return classifyS3Error("s3.Get", getErr)
	})
	if err != nil {
		return nil, err
	}
	return &s3RestartableBody{ctx: ctx, bucket: b, key: key, body: out.Body}, nil
}

// s3RestartableBody re-issues the GetObject call as an HTTP range
// continuation (spec.md §4.1) when the underlying stream breaks before EOF,
// so a mid-download disconnect resumes instead of surfacing a short read to
// the caller. Bounded by maxGetRestarts.
type s3RestartableBody struct {
	ctx     context.Context
	bucket  *s3Bucket
	key     string
	body    io.ReadCloser
	offset  int64
	restart int
}

func (r *s3RestartableBody) Read(p []byte) (int, error) {
	for {
		n, err := r.body.Read(p)
		r.offset += int64(n)
		if err == nil || err == io.EOF {
			return n, err
		}
		if n > 0 {
			// Surface the bytes already read; the caller's next Read will
			// retry the reconnect.
			return n, nil
		}
		if reopenErr := r.reopen(); reopenErr != nil {
			return 0, err
		}
	}
}

func (r *s3RestartableBody) reopen() error {
	if r.restart >= maxGetRestarts {
		return fmt.Errorf("s3.Get: exceeded %d range-continuation attempts for %s", maxGetRestarts, r.key)
	}
	r.restart++
	_ = r.body.Close()

	rangeHeader := fmt.Sprintf("bytes=%d-", r.offset)
	var newBody io.ReadCloser
	err := retryPolicy(r.ctx, "s3.Get", func() error {
		out, getErr := r.bucket.client.GetObject(r.ctx, &s3.GetObjectInput{
			Bucket: &r.bucket.bucket,
			Key:    &r.key,
			Range:  &rangeHeader,
		})
		if getErr != nil {
			return classifyS3Error("s3.Get", getErr)
		}
		newBody = out.Body
		return nil
	})
	if err != nil {
		return err
	}
	r.body = newBody
	return nil
}

func (r *s3RestartableBody) Close() error {
	return r.body.Close()
}

func (b *s3Bucket) List(ctx context.Context, prefix string, fn func(ObjectInfo) error) error {
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: &b.bucket,
		Prefix: &prefix,
	})
	for paginator.HasMorePages() {
		var page *s3.ListObjectsV2Output
		if err := retryPolicy(ctx, "s3.List", func() error {
			var listErr error
			page, listErr = paginator.NextPage(ctx)
			return classifyS3Error("s3.List", listErr)
		}); err != nil {
			return err
		}
		for _, obj := range page.Contents {
			info := ObjectInfo{Key: *obj.Key, Size: *obj.Size}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			if err := fn(info); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *s3Bucket) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	const batchSize = 1000
	for start := 0; start < len(keys); start += batchSize {
		end := start + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		objs := make([]types.ObjectIdentifier, len(keys[start:end]))
		for i, k := range keys[start:end] {
			k := k
			objs[i] = types.ObjectIdentifier{Key: &k}
		}
		if err := retryPolicy(ctx, "s3.Delete", func() error {
			_, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: &b.bucket,
				Delete: &types.Delete{Objects: objs},
			})
			return classifyS3Error("s3.Delete", err)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (b *s3Bucket) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := retryPolicy(ctx, "s3.Exists", func() error {
		_, headErr := b.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: &b.bucket,
			Key:    &key,
		})
		classified := classifyS3Error("s3.Exists", headErr)
		if pgerror.Is(classified, pgerror.KindNotFound) {
			exists = false
			return nil
		}
		if classified != nil {
			return classified
		}
		exists = true
		return nil
	})
	return exists, err
}

// classifyS3Error maps an AWS SDK error into the pgerror.Kind taxonomy so
// retryPolicy and higher layers never have to know about smithy response
// codes directly.
func classifyS3Error(op string, err error) error {
	if err == nil {
		return nil
	}

	var notFound *types.NoSuchKey
	if errors.As(err, &notFound) {
		return pgerror.NotFound(op, err)
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return pgerror.NotFound(op, err)
		case http.StatusTooManyRequests, http.StatusInternalServerError,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return pgerror.Transient(op, err)
		case http.StatusForbidden, http.StatusUnauthorized:
			return pgerror.Fatal(op, err)
		}
	}

	// Network-level errors (timeouts, connection resets) are retried.
	return pgerror.Transient(op, err)
}
