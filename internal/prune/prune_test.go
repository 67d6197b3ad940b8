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

package prune

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cloudnative-pg/pgarchive/internal/blob"
	"github.com/cloudnative-pg/pgarchive/internal/layout"
)

func TestPrune(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "prune Suite")
}

type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeBucket() *fakeBucket { return &fakeBucket{objects: make(map[string][]byte)} }

func (b *fakeBucket) Put(_ context.Context, key string, _ int64, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
	return nil
}

func (b *fakeBucket) Get(_ context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, &notFoundErr{key}
	}
	return io.NopCloser(strings.NewReader(string(data))), nil
}

type notFoundErr struct{ key string }

func (e *notFoundErr) Error() string { return "not found: " + e.key }

func (b *fakeBucket) List(_ context.Context, prefix string, fn func(blob.ObjectInfo) error) error {
	b.mu.Lock()
	var keys []string
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	b.mu.Unlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(blob.ObjectInfo{Key: k, Size: int64(len(b.objects[k]))}); err != nil {
			return err
		}
	}
	return nil
}

func (b *fakeBucket) Delete(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		delete(b.objects, k)
	}
	return nil
}

func (b *fakeBucket) Exists(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok, nil
}

func seedBackup(bucket *fakeBucket, prefix, name string, partitions int) {
	ctx := context.Background()
	for i := 0; i < partitions; i++ {
		key := layout.BackupPartitionKey(prefix, name, i)
		_ = bucket.Put(ctx, key, 1, strings.NewReader("x"))
	}
	segment, _, _ := layout.ParseBackupName(name)
	body := `{"wal_segment_backup_start":"` + segment + `"}`
	_ = bucket.Put(ctx, layout.BackupSentinelKey(prefix, name), int64(len(body)), strings.NewReader(body))
}

var _ = Describe("Before", func() {
	It("garbage-collects only backups and WAL older than the named backup", func() {
		bucket := newFakeBucket()
		store := &blob.Store{Bucket: bucket, KeyPrefix: "cluster"}

		older := "base_0000000100000000000000A6_00000040"
		pivot := "base_0000000100000000000000A7_00000000"
		newer := "base_0000000100000000000000A8_00000000"
		seedBackup(bucket, store.KeyPrefix, older, 2)
		seedBackup(bucket, store.KeyPrefix, pivot, 1)
		seedBackup(bucket, store.KeyPrefix, newer, 1)

		oldWAL := layout.WALSegmentKey(store.KeyPrefix, "0000000100000000000000A5")
		newWAL := layout.WALSegmentKey(store.KeyPrefix, "0000000100000000000000A7")
		Expect(bucket.Put(context.Background(), oldWAL, 1, strings.NewReader("x"))).To(Succeed())
		Expect(bucket.Put(context.Background(), newWAL, 1, strings.NewReader("x"))).To(Succeed())

		p := &Pruner{Store: store}
		plan, err := p.Before(context.Background(), pivot)
		Expect(err).NotTo(HaveOccurred())

		Expect(plan.Sentinels).To(ConsistOf(layout.BackupSentinelKey(store.KeyPrefix, older)))
		Expect(plan.Partitions).To(HaveLen(2))
		Expect(plan.WAL).To(ConsistOf(oldWAL))
	})
})

var _ = Describe("Retain", func() {
	It("keeps the N newest backups and retires the rest via Before", func() {
		bucket := newFakeBucket()
		store := &blob.Store{Bucket: bucket, KeyPrefix: "cluster"}

		names := []string{
			"base_0000000100000000000000A6_00000040",
			"base_0000000100000000000000A7_00000000",
			"base_0000000100000000000000A8_00000000",
		}
		for _, n := range names {
			seedBackup(bucket, store.KeyPrefix, n, 1)
		}

		p := &Pruner{Store: store}
		plan, err := p.Retain(context.Background(), 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(plan.Sentinels).To(ConsistOf(layout.BackupSentinelKey(store.KeyPrefix, names[0])))
	})

	It("deletes nothing when N is at least the number of backups present", func() {
		bucket := newFakeBucket()
		store := &blob.Store{Bucket: bucket, KeyPrefix: "cluster"}
		seedBackup(bucket, store.KeyPrefix, "base_0000000100000000000000A6_00000040", 1)

		p := &Pruner{Store: store}
		plan, err := p.Retain(context.Background(), 5)
		Expect(err).NotTo(HaveOccurred())
		Expect(plan.Empty()).To(BeTrue())
	})
})

var _ = Describe("Execute", func() {
	It("deletes sentinels, then partitions, then WAL, and is idempotent", func() {
		bucket := newFakeBucket()
		store := &blob.Store{Bucket: bucket, KeyPrefix: "cluster"}
		seedBackup(bucket, store.KeyPrefix, "base_0000000100000000000000A6_00000040", 2)

		p := &Pruner{Store: store}
		plan, err := p.Retain(context.Background(), 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(plan.Empty()).To(BeFalse())

		Expect(p.Execute(context.Background(), plan)).To(Succeed())
		Expect(p.Execute(context.Background(), plan)).To(Succeed()) // idempotent, no error on absent keys
	})
})
