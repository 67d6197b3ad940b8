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

// Package tarpartition walks a PostgreSQL data directory in deterministic
// order and packs the eligible entries into size-bounded tar partitions
// (spec.md §4.4): the WAL directory, the log directory, cluster lock/status
// files, socket/fifo/device nodes and per-database temporary relation
// directories are excluded; tablespace symlinks are followed and recorded
// in a tablespace map instead of being written into any tar.
package tarpartition

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/cloudnative-pg/pgarchive/internal/pgerror"
)

const (
	// WALDirName is excluded: WAL is archived separately through wal-push.
	WALDirName = "pg_wal"
	// LogDirName is excluded: the server log directory.
	LogDirName = "log"
	// TablespaceDirName holds the symlinks a backup must follow and record.
	TablespaceDirName = "pg_tblspc"
)

var (
	excludeFileNames = map[string]bool{
		"postmaster.pid":  true,
		"postmaster.opts": true,
	}
	tempRelationDirPattern = regexp.MustCompile(`^pgsql_tmp`)
)

// Member is one entry destined for a tar partition.
type Member struct {
	// AbsPath is where the entry currently lives on disk.
	AbsPath string
	// TarPath is the name written into the tar header, always "/"-joined
	// and rooted at the cluster directory (or, for tablespace content, at
	// "pg_tblspc/<name>/...").
	TarPath string
	// Info is the os.FileInfo captured at manifest-build time (via Lstat);
	// the declared size it reports is the byte count the partitioner
	// commits to, regardless of how the file changes afterward.
	Info os.FileInfo
	// LinkTarget is set when Info's mode bit os.ModeSymlink is set.
	LinkTarget string
}

// Tablespace records one pg_tblspc symlink resolved during the walk.
type Tablespace struct {
	// Name is the symlink's base name, normally the tablespace OID.
	Name string
	// Location is the symlink's target, as returned by os.Readlink.
	Location string
}

// Partition is one group of Members whose combined declared size is
// bounded by the Partitioner's SoftLimit.
type Partition struct {
	Index   int
	Members []Member
}

// Manifest is the full output of a Walk.
type Manifest struct {
	Partitions  []Partition
	Tablespaces []Tablespace
}

// Partitioner walks a PostgreSQL data directory and packs it into
// size-bounded partitions.
type Partitioner struct {
	DataDir   string
	SoftLimit int64
}

// Walk builds the full Manifest for p.DataDir.
func (p *Partitioner) Walk() (*Manifest, error) {
	if p.SoftLimit <= 0 {
		return nil, pgerror.Fatal("tarpartition.Walk", fmt.Errorf("soft limit must be positive"))
	}

	root := filepath.Clean(p.DataDir)
	var members []Member
	var tablespaces []Tablespace

	if err := walkDir(root, "", true, &members, &tablespaces); err != nil {
		return nil, pgerror.Fatal("tarpartition.Walk", err)
	}

	return &Manifest{
		Partitions:  pack(members, p.SoftLimit),
		Tablespaces: tablespaces,
	}, nil
}

// walkDir recursively descends absDir in lexicographic order, appending
// eligible Members. tarDir is the "/"-joined tar path of absDir itself
// ("" at the cluster root). isRoot gates the exclude rules that apply only
// to the cluster's own top level (the WAL and log directories, the lock
// files, and the tablespace directory's special handling).
func walkDir(absDir, tarDir string, isRoot bool, members *[]Member, tablespaces *[]Tablespace) error {
	names, err := readSortedDirNames(absDir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", absDir, err)
	}

	for _, name := range names {
		if isRoot {
			if name == WALDirName || name == LogDirName || excludeFileNames[name] {
				continue
			}
		}
		if tempRelationDirPattern.MatchString(name) {
			continue
		}

		absPath := filepath.Join(absDir, name)
		tarPath := name
		if tarDir != "" {
			tarPath = path.Join(tarDir, name)
		}

		info, err := os.Lstat(absPath)
		if err != nil {
			// The entry disappeared between readdir and lstat; nothing to
			// back up, and not a failure of the snapshot as a whole.
			continue
		}
		mode := info.Mode()

		if mode&(os.ModeSocket|os.ModeNamedPipe|os.ModeDevice|os.ModeCharDevice) != 0 {
			continue
		}

		if isRoot && name == TablespaceDirName && info.IsDir() {
			if err := walkTablespaceDir(absPath, members, tablespaces); err != nil {
				return err
			}
			continue
		}

		if mode&os.ModeSymlink != 0 {
			target, err := os.Readlink(absPath)
			if err != nil {
				return fmt.Errorf("reading link %s: %w", absPath, err)
			}
			*members = append(*members, Member{AbsPath: absPath, TarPath: tarPath, Info: info, LinkTarget: target})
			continue
		}

		if info.IsDir() {
			*members = append(*members, Member{AbsPath: absPath, TarPath: tarPath, Info: info})
			if err := walkDir(absPath, tarPath, false, members, tablespaces); err != nil {
				return err
			}
			continue
		}

		*members = append(*members, Member{AbsPath: absPath, TarPath: tarPath, Info: info})
	}
	return nil
}

// walkTablespaceDir visits every symlink directly under the cluster's
// pg_tblspc directory, follows it, and walks the referenced subtree rooted
// at "pg_tblspc/<name>" in the tar namespace. The symlink itself is never
// written into any tar.
func walkTablespaceDir(pgTblspcAbs string, members *[]Member, tablespaces *[]Tablespace) error {
	names, err := readSortedDirNames(pgTblspcAbs)
	if err != nil {
		return fmt.Errorf("reading %s: %w", pgTblspcAbs, err)
	}

	for _, name := range names {
		absPath := filepath.Join(pgTblspcAbs, name)
		info, err := os.Lstat(absPath)
		if err != nil {
			continue
		}
		if info.Mode()&os.ModeSymlink == 0 {
			continue
		}

		target, err := os.Readlink(absPath)
		if err != nil {
			return fmt.Errorf("reading tablespace link %s: %w", absPath, err)
		}
		*tablespaces = append(*tablespaces, Tablespace{Name: name, Location: target})

		resolved, err := filepath.EvalSymlinks(absPath)
		if err != nil {
			return fmt.Errorf("resolving tablespace link %s: %w", absPath, err)
		}
		tarRoot := path.Join(TablespaceDirName, name)
		if err := walkDir(resolved, tarRoot, false, members, tablespaces); err != nil {
			return err
		}
	}
	return nil
}

// readSortedDirNames reads dirname's entries and returns them sorted, so
// that two walks of an unchanged tree always produce the same partitioning.
func readSortedDirNames(dirname string) ([]string, error) {
	f, err := os.Open(dirname)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// pack groups members into Partitions bounded by softLimit: a partition is
// sealed before a member that would push it over the limit, unless the
// partition is still empty, in which case the oversized member is sealed
// alone into its own partition.
func pack(members []Member, softLimit int64) []Partition {
	var partitions []Partition
	var current []Member
	var currentSize int64

	flush := func() {
		if len(current) == 0 {
			return
		}
		partitions = append(partitions, Partition{Index: len(partitions), Members: current})
		current = nil
		currentSize = 0
	}

	for _, m := range members {
		size := m.Info.Size()
		if len(current) > 0 && currentSize+size > softLimit {
			flush()
		}
		current = append(current, m)
		currentSize += size
		if size > softLimit {
			flush()
		}
	}
	flush()

	return partitions
}

// WriteTar streams members into tw in order, optionally throttled by
// limiter (pass nil for no limit -- the default). Growth past a member's
// declared size is silently discarded; if a member is truncated or
// unlinked during the read, WriteTar returns a pgerror.Integrity error
// naming the member and stops, per spec.md §4.4's race-handling rule. The
// caller (the Backup Engine) owns the one-shot-retry-then-abort policy
// that rule also specifies, since retrying means tearing down and
// restarting the whole Pipe Stager pipeline for the partition.
func WriteTar(tw *tar.Writer, members []Member, limiter *RateLimiter) error {
	for _, m := range members {
		hdr, err := tar.FileInfoHeader(m.Info, m.LinkTarget)
		if err != nil {
			return pgerror.Fatal("tarpartition.WriteTar", fmt.Errorf("building header for %s: %w", m.TarPath, err))
		}
		hdr.Name = m.TarPath
		if m.Info.IsDir() {
			hdr.Name += "/"
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return pgerror.Fatal("tarpartition.WriteTar", fmt.Errorf("writing header for %s: %w", m.TarPath, err))
		}

		if m.Info.IsDir() || m.Info.Mode()&os.ModeSymlink != 0 {
			continue
		}

		if err := copyMemberBody(tw, m, limiter); err != nil {
			return err
		}
	}
	return nil
}

func copyMemberBody(w io.Writer, m Member, limiter *RateLimiter) error {
	f, err := os.Open(m.AbsPath)
	if err != nil {
		return pgerror.Integrity("tarpartition.WriteTar", fmt.Errorf("opening %s: %w", m.TarPath, err))
	}
	defer f.Close()

	declared := m.Info.Size()
	var r io.Reader = io.LimitReader(f, declared)
	if limiter != nil {
		r = &rateLimitedReader{r: r, limiter: limiter}
	}
	copied, err := io.Copy(w, r)
	if err != nil {
		return pgerror.Integrity("tarpartition.WriteTar", fmt.Errorf("reading %s: %w", m.TarPath, err))
	}
	if copied < declared {
		return pgerror.Integrity("tarpartition.WriteTar",
			fmt.Errorf("%s truncated during read: expected %d bytes, got %d", m.TarPath, declared, copied))
	}
	return nil
}

// RateLimiter throttles the cluster-directory read rate during
// backup-push to --cluster-read-rate-limit bytes/sec, shared across every
// partition worker so the aggregate read rate -- not each worker's own --
// stays under the configured cap.
type RateLimiter struct {
	bytesPerSec int64

	mu        sync.Mutex
	allowance float64
	last      time.Time
}

// NewRateLimiter builds a RateLimiter capping reads at bytesPerSec. A
// non-positive bytesPerSec disables throttling.
func NewRateLimiter(bytesPerSec int64) *RateLimiter {
	if bytesPerSec <= 0 {
		return nil
	}
	return &RateLimiter{bytesPerSec: bytesPerSec, allowance: float64(bytesPerSec), last: time.Now()}
}

// WaitN blocks until n bytes' worth of allowance is available, per a
// simple token-bucket refilled at bytesPerSec.
func (r *RateLimiter) WaitN(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.allowance += now.Sub(r.last).Seconds() * float64(r.bytesPerSec)
	r.last = now
	if max := float64(r.bytesPerSec); r.allowance > max {
		r.allowance = max
	}

	r.allowance -= float64(n)
	if r.allowance >= 0 {
		return
	}
	wait := time.Duration(-r.allowance / float64(r.bytesPerSec) * float64(time.Second))
	r.last = r.last.Add(wait)
	r.allowance = 0
	time.Sleep(wait)
}

type rateLimitedReader struct {
	r       io.Reader
	limiter *RateLimiter
}

func (rl *rateLimitedReader) Read(p []byte) (int, error) {
	n, err := rl.r.Read(p)
	rl.limiter.WaitN(n)
	return n, err
}
