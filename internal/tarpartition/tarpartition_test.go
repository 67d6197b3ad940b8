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

package tarpartition

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cloudnative-pg/pgarchive/internal/pgerror"
)

func TestTarpartition(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "tarpartition Suite")
}

func writeFile(t GinkgoTInterface, dir, name string, content string) {
	Expect(os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600)).To(Succeed())
}

var _ = Describe("Partitioner.Walk", func() {
	var dataDir string

	BeforeEach(func() {
		dataDir = GinkgoT().TempDir()
		Expect(os.MkdirAll(filepath.Join(dataDir, WALDirName), 0o700)).To(Succeed())
		Expect(os.MkdirAll(filepath.Join(dataDir, LogDirName), 0o700)).To(Succeed())
		Expect(os.MkdirAll(filepath.Join(dataDir, "base", "1"), 0o700)).To(Succeed())
		writeFile(GinkgoT(), dataDir, "postmaster.pid", "12345")
		writeFile(GinkgoT(), filepath.Join(dataDir, WALDirName), "000000010000000000000001", "walbytes")
		writeFile(GinkgoT(), filepath.Join(dataDir, "base", "1"), "16384", "relationbytes")
		Expect(os.MkdirAll(filepath.Join(dataDir, "base", "1", "pgsql_tmp"), 0o700)).To(Succeed())
		writeFile(GinkgoT(), filepath.Join(dataDir, "base", "1", "pgsql_tmp"), "tmpfile", "scratch")
	})

	It("excludes the WAL directory, log directory, and lock files", func() {
		p := &Partitioner{DataDir: dataDir, SoftLimit: 1 << 20}
		manifest, err := p.Walk()
		Expect(err).NotTo(HaveOccurred())

		var tarPaths []string
		for _, part := range manifest.Partitions {
			for _, m := range part.Members {
				tarPaths = append(tarPaths, m.TarPath)
			}
		}
		Expect(tarPaths).NotTo(ContainElement(ContainSubstring(WALDirName)))
		Expect(tarPaths).NotTo(ContainElement(ContainSubstring(LogDirName)))
		Expect(tarPaths).NotTo(ContainElement("postmaster.pid"))
		Expect(tarPaths).NotTo(ContainElement(ContainSubstring("pgsql_tmp")))
		Expect(tarPaths).To(ContainElement("base/1/16384"))
	})

	It("follows a tablespace symlink and records it in the tablespace map", func() {
		tsDir := GinkgoT().TempDir()
		writeFile(GinkgoT(), tsDir, "16385", "tablespacebytes")
		Expect(os.MkdirAll(filepath.Join(dataDir, TablespaceDirName), 0o700)).To(Succeed())
		Expect(os.Symlink(tsDir, filepath.Join(dataDir, TablespaceDirName, "20000"))).To(Succeed())

		p := &Partitioner{DataDir: dataDir, SoftLimit: 1 << 20}
		manifest, err := p.Walk()
		Expect(err).NotTo(HaveOccurred())

		Expect(manifest.Tablespaces).To(HaveLen(1))
		Expect(manifest.Tablespaces[0].Name).To(Equal("20000"))
		Expect(manifest.Tablespaces[0].Location).To(Equal(tsDir))

		var tarPaths []string
		for _, part := range manifest.Partitions {
			for _, m := range part.Members {
				tarPaths = append(tarPaths, m.TarPath)
			}
		}
		Expect(tarPaths).To(ContainElement("pg_tblspc/20000/16385"))
		Expect(tarPaths).NotTo(ContainElement("pg_tblspc/20000"))
	})

	It("seals a new partition once the soft limit would be exceeded", func() {
		p := &Partitioner{DataDir: dataDir, SoftLimit: 1}
		manifest, err := p.Walk()
		Expect(err).NotTo(HaveOccurred())
		Expect(len(manifest.Partitions)).To(BeNumerically(">", 1))
		for i, part := range manifest.Partitions {
			Expect(part.Index).To(Equal(i))
		}
	})
})

var _ = Describe("WriteTar", func() {
	It("streams regular files, directories and symlinks into the tar writer", func() {
		dir := GinkgoT().TempDir()
		writeFile(GinkgoT(), dir, "a.txt", "hello")
		Expect(os.Symlink("a.txt", filepath.Join(dir, "link"))).To(Succeed())

		infoA, err := os.Lstat(filepath.Join(dir, "a.txt"))
		Expect(err).NotTo(HaveOccurred())
		infoLink, err := os.Lstat(filepath.Join(dir, "link"))
		Expect(err).NotTo(HaveOccurred())

		members := []Member{
			{AbsPath: filepath.Join(dir, "a.txt"), TarPath: "a.txt", Info: infoA},
			{AbsPath: filepath.Join(dir, "link"), TarPath: "link", Info: infoLink, LinkTarget: "a.txt"},
		}

		var buf bytes.Buffer
		tw := tar.NewWriter(&buf)
		Expect(WriteTar(tw, members, nil)).To(Succeed())
		Expect(tw.Close()).To(Succeed())

		tr := tar.NewReader(&buf)
		hdr, err := tr.Next()
		Expect(err).NotTo(HaveOccurred())
		Expect(hdr.Name).To(Equal("a.txt"))

		hdr, err = tr.Next()
		Expect(err).NotTo(HaveOccurred())
		Expect(hdr.Name).To(Equal("link"))
		Expect(hdr.Linkname).To(Equal("a.txt"))
	})

	It("reports Integrity when a member is truncated mid-read", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "shrinks.txt")
		writeFile(GinkgoT(), dir, "shrinks.txt", "0123456789")

		info, err := os.Lstat(path)
		Expect(err).NotTo(HaveOccurred())
		// Build a header promising more bytes than the file will actually
		// contain once truncated below.
		Expect(os.Truncate(path, 2)).To(Succeed())

		members := []Member{{AbsPath: path, TarPath: "shrinks.txt", Info: info}}

		var buf bytes.Buffer
		tw := tar.NewWriter(&buf)
		err = WriteTar(tw, members, nil)
		Expect(err).To(HaveOccurred())
		Expect(pgerror.Is(err, pgerror.KindIntegrity)).To(BeTrue())
	})
})
