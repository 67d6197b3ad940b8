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

// Package blob is the uniform interface every higher layer uses to talk to
// whichever backend (S3, Azure Blob, Google Cloud Storage, Swift) is
// configured for the active Prefix Context (spec.md §4.1, §6). Construct a
// Bucket with New; nothing above this package ever imports a backend SDK
// directly.
package blob

import (
	"context"
	"io"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/cloudnative-pg/pgarchive/internal/pgerror"
)

// ObjectInfo describes one object returned by List.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Bucket is the capability set every backend implements: put/get of whole
// objects with a known content length, list-by-prefix, bulk delete, and an
// existence check.
type Bucket interface {
	// Put uploads body, exactly length bytes long, under key. Implementations
	// retry transient failures internally and set server-side encryption
	// headers unconditionally where the backend supports them.
	Put(ctx context.Context, key string, length int64, body io.Reader) error

	// Get returns a stream of the object at key. The S3 backend's stream
	// resumes on a mid-read disconnect with a range continuation request;
	// the Azure, GCS and Swift backends return the SDK's download stream
	// without any resume logic of their own. Returns a pgerror NotFound if
	// the key is absent.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// List visits every key under prefix exactly once via fn. Pagination is
	// handled transparently; ordering is whatever the backend returns.
	// Returning an error from fn stops iteration and propagates the error.
	List(ctx context.Context, prefix string, fn func(ObjectInfo) error) error

	// Delete removes the given keys. Deleting an absent key is a no-op.
	Delete(ctx context.Context, keys ...string) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
}

// retryPolicy centralizes the ad-hoc per-backend retry/backoff logic that
// DESIGN NOTES §9 calls out, wrapping every Blob Layer call in bounded
// exponential backoff. A Transient error is tried up to 6 times in all
// before being promoted to Fatal for the caller's task.
func retryPolicy(ctx context.Context, op string, fn func() error) error {
	err := retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(6),
		retry.Delay(200*time.Millisecond),
		retry.MaxDelay(10*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool {
			return pgerror.IsTransient(err)
		}),
		retry.LastErrorOnly(true),
	)
	if err == nil {
		return nil
	}
	if pgerror.IsTransient(err) {
		// Retries exhausted: promote to Fatal for the task that submitted it.
		return pgerror.Fatal(op, err)
	}
	return err
}
