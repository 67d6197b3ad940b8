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
	"fmt"

	"github.com/cloudnative-pg/pgarchive/internal/config"
	"github.com/cloudnative-pg/pgarchive/internal/pgerror"
)

// Store bundles the backend Bucket for a Prefix Context with the key-prefix
// path component addressed within it (everything after "scheme://bucket/").
// Every Name Layout call elsewhere in the codebase is rooted at
// Store.KeyPrefix; the keys it returns are handed to Store.Bucket as-is.
type Store struct {
	Bucket    Bucket
	KeyPrefix string
}

// NewStore constructs the Store for cfg's Prefix Context: it parses the
// container and path out of the prefix URL and builds the matching backend
// (DESIGN NOTES §9: "construct from the prefix scheme at startup").
func NewStore(ctx context.Context, cfg *config.Config) (*Store, error) {
	bucketName, keyPrefix, err := ParsePrefixPath(cfg.Prefix)
	if err != nil {
		return nil, pgerror.Fatal("blob.NewStore", err)
	}

	var bucket Bucket
	switch cfg.Scheme {
	case config.SchemeS3:
		bucket, err = newS3Bucket(ctx, cfg.S3, bucketName)
	case config.SchemeAzure:
		bucket, err = newAzureBucket(ctx, cfg.Azure, bucketName)
	case config.SchemeGCS:
		bucket, err = newGCSBucket(ctx, cfg.GCS, bucketName)
	case config.SchemeSwift:
		bucket, err = newSwiftBucket(ctx, cfg.Swift, bucketName)
	default:
		return nil, pgerror.Fatal("blob.NewStore", fmt.Errorf("unsupported scheme %q", cfg.Scheme))
	}
	if err != nil {
		return nil, err
	}

	return &Store{Bucket: bucket, KeyPrefix: keyPrefix}, nil
}

// ParsePrefixPath splits a Prefix Context of the form "scheme://bucket/key/prefix"
// into the container (bucket) name and the key prefix under it.
func ParsePrefixPath(prefix string) (bucket, keyPrefix string, err error) {
	rest := prefix
	if idx := indexOf(rest, "://"); idx >= 0 {
		rest = rest[idx+len("://"):]
	}
	if rest == "" {
		return "", "", fmt.Errorf("prefix %q has no bucket component", prefix)
	}
	idx := indexOf(rest, "/")
	if idx < 0 {
		return rest, "", nil
	}
	return rest[:idx], rest[idx+1:], nil
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
