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

package backup

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cloudnative-pg/pgarchive/internal/blob"
	"github.com/cloudnative-pg/pgarchive/internal/layout"
	"github.com/cloudnative-pg/pgarchive/internal/pgerror"
)

func TestBackup(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "backup Suite")
}

// fakeBucket is an in-memory blob.Bucket, standing in for a real backend so
// Engine's orchestration can be exercised without network access.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: make(map[string][]byte)}
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
	data, ok := b.objects[key]
	if !ok {
		return nil, pgerror.NotFound("fakeBucket.Get", os.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
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

var _ = Describe("segmentOffsetFromLSN", func() {
	It("combines the hi/lo components and reduces modulo the WAL segment size", func() {
		offset, err := segmentOffsetFromLSN("0/3000028")
		Expect(err).NotTo(HaveOccurred())
		Expect(offset).To(Equal(uint64(0x3000028) % walSegmentBytes))
	})

	It("rejects a malformed LSN", func() {
		_, err := segmentOffsetFromLSN("not-an-lsn")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("resolveName", func() {
	It("passes through a concrete backup name unchanged", func() {
		e := &Engine{Store: &blob.Store{Bucket: newFakeBucket(), KeyPrefix: "cluster"}}
		name, err := e.resolveName(context.Background(), "base_0000000100000000000000A6_00000040")
		Expect(err).NotTo(HaveOccurred())
		Expect(name).To(Equal("base_0000000100000000000000A6_00000040"))
	})

	It("resolves LATEST to the sentinel with the greatest BACKUP_NAME", func() {
		bucket := newFakeBucket()
		store := &blob.Store{Bucket: bucket, KeyPrefix: "cluster"}
		older := "base_0000000100000000000000A6_00000040"
		newer := "base_0000000100000000000000B0_00000010"
		Expect(bucket.Put(context.Background(), layout.BackupSentinelKey(store.KeyPrefix, older), 2, strings.NewReader("{}"))).To(Succeed())
		Expect(bucket.Put(context.Background(), layout.BackupSentinelKey(store.KeyPrefix, newer), 2, strings.NewReader("{}"))).To(Succeed())

		e := &Engine{Store: store}
		name, err := e.resolveName(context.Background(), "LATEST")
		Expect(err).NotTo(HaveOccurred())
		Expect(name).To(Equal(newer))
	})

	It("reports NotFound when LATEST has no sentinel to resolve", func() {
		e := &Engine{Store: &blob.Store{Bucket: newFakeBucket(), KeyPrefix: "cluster"}}
		_, err := e.resolveName(context.Background(), "LATEST")
		Expect(pgerror.Is(err, pgerror.KindNotFound)).To(BeTrue())
	})
})

var _ = Describe("readSentinel", func() {
	It("round-trips a sentinel through JSON", func() {
		bucket := newFakeBucket()
		store := &blob.Store{Bucket: bucket, KeyPrefix: "cluster"}
		want := Sentinel{
			WALSegmentBackupStart:       "0000000100000000000000A6",
			WALSegmentOffsetBackupStart: 40,
			WALSegmentBackupStop:        "0000000100000000000000A8",
			WALSegmentOffsetBackupStop:  16,
			ExpandedSizeBytes:           3 * 1 << 20,
			PartitionCount:              2,
		}
		body, err := json.Marshal(want)
		Expect(err).NotTo(HaveOccurred())
		key := layout.BackupSentinelKey(store.KeyPrefix, "base_0000000100000000000000A6_00000040")
		Expect(bucket.Put(context.Background(), key, int64(len(body)), bytes.NewReader(body))).To(Succeed())

		e := &Engine{Store: store}
		got, err := e.readSentinel(context.Background(), "base_0000000100000000000000A6_00000040")
		Expect(err).NotTo(HaveOccurred())
		Expect(*got).To(Equal(want))
	})

	It("reports Integrity when the sentinel body is not valid JSON", func() {
		bucket := newFakeBucket()
		store := &blob.Store{Bucket: bucket, KeyPrefix: "cluster"}
		key := layout.BackupSentinelKey(store.KeyPrefix, "base_0000000100000000000000A6_00000040")
		Expect(bucket.Put(context.Background(), key, 7, strings.NewReader("not json"))).To(Succeed())

		e := &Engine{Store: store}
		_, err := e.readSentinel(context.Background(), "base_0000000100000000000000A6_00000040")
		Expect(pgerror.Is(err, pgerror.KindIntegrity)).To(BeTrue())
	})
})

var _ = Describe("prepareTablespaces", func() {
	var sentinel *Sentinel

	BeforeEach(func() {
		sentinel = &Sentinel{Tablespaces: []TablespaceDescriptor{{OID: "20000"}}}
	})

	It("reads the existing link in user-directed mode", func() {
		dataDir := GinkgoT().TempDir()
		tsDir := GinkgoT().TempDir()
		Expect(os.MkdirAll(filepath.Join(dataDir, "pg_tblspc"), 0o700)).To(Succeed())
		Expect(os.Symlink(tsDir, filepath.Join(dataDir, "pg_tblspc", "20000"))).To(Succeed())

		e := &Engine{}
		locs, err := e.prepareTablespaces(FetchOptions{DataDir: dataDir}, sentinel)
		Expect(err).NotTo(HaveOccurred())
		Expect(locs["20000"]).To(Equal(tsDir))
	})

	It("reports Precondition when the link is missing in user-directed mode", func() {
		dataDir := GinkgoT().TempDir()
		e := &Engine{}
		_, err := e.prepareTablespaces(FetchOptions{DataDir: dataDir}, sentinel)
		Expect(pgerror.Is(err, pgerror.KindPrecondition)).To(BeTrue())
	})

	It("skips verification in blind mode", func() {
		dataDir := GinkgoT().TempDir()
		e := &Engine{}
		locs, err := e.prepareTablespaces(FetchOptions{DataDir: dataDir, BlindRestore: true}, sentinel)
		Expect(err).NotTo(HaveOccurred())
		Expect(locs["20000"]).To(Equal(filepath.Join(dataDir, "pg_tblspc", "20000")))
	})

	It("creates the storage directory and symlink in spec-driven mode", func() {
		dataDir := GinkgoT().TempDir()
		Expect(os.MkdirAll(filepath.Join(dataDir, "pg_tblspc"), 0o700)).To(Succeed())
		storageDir := filepath.Join(GinkgoT().TempDir(), "ts20000")
		specPath := filepath.Join(dataDir, "restore-spec.json")
		spec := map[string]RestoreSpecEntry{
			"20000": {Location: storageDir, Link: filepath.Join(dataDir, "pg_tblspc", "20000")},
		}
		body, err := json.Marshal(spec)
		Expect(err).NotTo(HaveOccurred())
		Expect(os.WriteFile(specPath, body, 0o600)).To(Succeed())

		e := &Engine{}
		locs, err := e.prepareTablespaces(FetchOptions{DataDir: dataDir, RestoreSpec: specPath}, sentinel)
		Expect(err).NotTo(HaveOccurred())
		Expect(locs["20000"]).To(Equal(storageDir))

		target, err := os.Readlink(filepath.Join(dataDir, "pg_tblspc", "20000"))
		Expect(err).NotTo(HaveOccurred())
		Expect(target).To(Equal(storageDir))

		info, err := os.Stat(storageDir)
		Expect(err).NotTo(HaveOccurred())
		Expect(info.IsDir()).To(BeTrue())
	})
})

var _ = Describe("extractTar", func() {
	It("extracts regular files, directories and symlinks, redirecting tablespace content", func() {
		dataDir := GinkgoT().TempDir()
		tsLoc := GinkgoT().TempDir()

		var buf bytes.Buffer
		tw := tar.NewWriter(&buf)
		Expect(tw.WriteHeader(&tar.Header{Name: "base/", Typeflag: tar.TypeDir, Mode: 0o700})).To(Succeed())
		Expect(tw.WriteHeader(&tar.Header{Name: "base/1", Typeflag: tar.TypeReg, Mode: 0o600, Size: 5})).To(Succeed())
		_, err := tw.Write([]byte("hello"))
		Expect(err).NotTo(HaveOccurred())
		Expect(tw.WriteHeader(&tar.Header{Name: "link", Typeflag: tar.TypeSymlink, Linkname: "base/1"})).To(Succeed())
		Expect(tw.WriteHeader(&tar.Header{Name: "pg_tblspc/20000/16385", Typeflag: tar.TypeReg, Mode: 0o600, Size: 2})).To(Succeed())
		_, err = tw.Write([]byte("ts"))
		Expect(err).NotTo(HaveOccurred())
		Expect(tw.Close()).To(Succeed())

		tsLocations := map[string]string{"20000": tsLoc}
		Expect(extractTar(tar.NewReader(&buf), dataDir, tsLocations)).To(Succeed())

		content, err := os.ReadFile(filepath.Join(dataDir, "base", "1"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(content)).To(Equal("hello"))

		linkTarget, err := os.Readlink(filepath.Join(dataDir, "link"))
		Expect(err).NotTo(HaveOccurred())
		Expect(linkTarget).To(Equal("base/1"))

		tsContent, err := os.ReadFile(filepath.Join(tsLoc, "16385"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(tsContent)).To(Equal("ts"))
	})

	It("aborts with a Fatal error on an unrecognized member type", func() {
		dataDir := GinkgoT().TempDir()
		var buf bytes.Buffer
		tw := tar.NewWriter(&buf)
		Expect(tw.WriteHeader(&tar.Header{Name: "dev", Typeflag: tar.TypeBlock, Devmajor: 1, Devminor: 1})).To(Succeed())
		Expect(tw.Close()).To(Succeed())

		err := extractTar(tar.NewReader(&buf), dataDir, map[string]string{})
		Expect(pgerror.Is(err, pgerror.KindFatal)).To(BeTrue())
	})

	It("reports Precondition when tablespace content names an unresolved tablespace", func() {
		dataDir := GinkgoT().TempDir()
		var buf bytes.Buffer
		tw := tar.NewWriter(&buf)
		Expect(tw.WriteHeader(&tar.Header{Name: "pg_tblspc/99999/x", Typeflag: tar.TypeReg, Size: 1})).To(Succeed())
		_, err := tw.Write([]byte("x"))
		Expect(err).NotTo(HaveOccurred())
		Expect(tw.Close()).To(Succeed())

		err = extractTar(tar.NewReader(&buf), dataDir, map[string]string{})
		Expect(pgerror.Is(err, pgerror.KindPrecondition)).To(BeTrue())
	})
})
