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

package backuplist

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"strings"
	"sync"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cloudnative-pg/pgarchive/internal/blob"
	"github.com/cloudnative-pg/pgarchive/internal/layout"
)

func TestBackuplist(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "backuplist Suite")
}

type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

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
	return io.NopCloser(strings.NewReader(string(b.objects[key]))), nil
}

func (b *fakeBucket) List(_ context.Context, prefix string, fn func(blob.ObjectInfo) error) error {
	b.mu.Lock()
	var keys []string
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	b.mu.Unlock()
	for _, k := range keys {
		if err := fn(blob.ObjectInfo{Key: k}); err != nil {
			return err
		}
	}
	return nil
}

func (b *fakeBucket) Delete(_ context.Context, keys ...string) error { return nil }

func (b *fakeBucket) Exists(_ context.Context, key string) (bool, error) { return false, nil }

var _ = Describe("listBackups and writeCSV", func() {
	It("emits a header-only CSV when nothing is present", func() {
		store := &blob.Store{Bucket: &fakeBucket{objects: map[string][]byte{}}, KeyPrefix: "cluster"}
		rows, err := listBackups(context.Background(), store, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(BeEmpty())

		var buf bytes.Buffer
		Expect(writeCSV(&buf, rows, false)).To(Succeed())

		records, err := csv.NewReader(&buf).ReadAll()
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(Equal([][]string{{"name", "last_modified"}}))
	})

	It("includes detail columns from the sentinel body when --detail is set", func() {
		bucket := &fakeBucket{objects: map[string][]byte{}}
		store := &blob.Store{Bucket: bucket, KeyPrefix: "cluster"}
		name := "base_0000000100000000000000AA_00000040"
		body := `{"wal_segment_backup_start":"0000000100000000000000AA","wal_segment_offset_backup_start":64,"expanded_size_bytes":1024}`
		Expect(bucket.Put(context.Background(), layout.BackupSentinelKey("cluster", name), int64(len(body)), strings.NewReader(body))).To(Succeed())

		rows, err := listBackups(context.Background(), store, true)
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(HaveLen(1))
		Expect(rows[0].expandedSizeBytes).To(Equal("1024"))
		Expect(rows[0].walSegmentStart).To(Equal("0000000100000000000000AA"))

		var buf bytes.Buffer
		Expect(writeCSV(&buf, rows, true)).To(Succeed())
		records, err := csv.NewReader(&buf).ReadAll()
		Expect(err).NotTo(HaveOccurred())
		Expect(records[0]).To(Equal([]string{
			"name", "last_modified", "expanded_size_bytes",
			"wal_segment_backup_start", "wal_segment_offset_backup_start",
		}))
		Expect(records[1][0]).To(Equal(name))
	})
})
