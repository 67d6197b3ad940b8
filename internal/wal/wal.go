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

// Package wal is the WAL Engine (spec.md §4.7): push streams a single
// segment through the Pipe Stager to the blob, fetch reverses that and
// speculatively prefetches the next few segments on the same timeline.
package wal

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cloudnative-pg/pgarchive/internal/blob"
	"github.com/cloudnative-pg/pgarchive/internal/layout"
	"github.com/cloudnative-pg/pgarchive/internal/log"
	"github.com/cloudnative-pg/pgarchive/internal/metrics"
	"github.com/cloudnative-pg/pgarchive/internal/pgerror"
	"github.com/cloudnative-pg/pgarchive/internal/stager"
	"github.com/cloudnative-pg/pgarchive/internal/workerpool"
)

// Engine is the WAL Engine for one Prefix Context.
type Engine struct {
	Store    *blob.Store
	TempDir  string
	GPGKeyID string
	// Metrics, when non-nil, is updated with bytes pushed and fetched
	// (--metrics-listen-addr).
	Metrics *metrics.Metrics
}

func (e *Engine) filterChain() []stager.Filter {
	filters := []stager.Filter{{Command: "lzop -c"}}
	if e.GPGKeyID != "" {
		filters = append([]stager.Filter{{Command: "gpg --batch --yes --encrypt -r " + e.GPGKeyID}}, filters...)
	}
	return filters
}

func (e *Engine) inverseFilterChain() []stager.Filter {
	filters := []stager.Filter{{Command: "lzop -d -c"}}
	if e.GPGKeyID != "" {
		filters = append(filters, stager.Filter{Command: "gpg --batch --yes --decrypt"})
	}
	return filters
}

// Push uploads the segment at localPath under its WAL key. It reports
// success only once the Blob Layer has acknowledged the upload (spec.md
// §4.7), so a pooled batch of neighboring archive_command invocations
// each get a faithful per-segment result.
func (e *Engine) Push(ctx context.Context, localPath string) error {
	segmentName := filepath.Base(localPath)
	if !layout.IsValidWALSegmentName(segmentName) {
		return pgerror.Fatal("wal.Push", fmt.Errorf("%q is not a well-formed WAL segment name", segmentName))
	}
	logger := log.FromContext(ctx).WithName("wal-push")

	f, err := os.Open(localPath)
	if err != nil {
		return pgerror.Fatal("wal.Push", err)
	}
	defer f.Close()

	pipeline := &stager.Pipeline{Filters: e.filterChain(), TempDir: e.TempDir}
	staged, err := pipeline.Run(ctx, f)
	if err != nil {
		return err
	}
	defer staged.Remove()

	sf, err := staged.Open()
	if err != nil {
		return pgerror.Fatal("wal.Push", err)
	}
	defer sf.Close()

	key := layout.WALSegmentKey(e.Store.KeyPrefix, segmentName)
	if err := e.Store.Bucket.Put(ctx, key, staged.Length, sf); err != nil {
		return err
	}
	if e.Metrics != nil {
		e.Metrics.BytesUploaded.Add(float64(staged.Length))
	}
	logger.Info("segment pushed", "segment", segmentName)
	return nil
}

// PushBatch pools n segments' pushes at the given degree, so that one
// archive_command invocation can opportunistically drain several ready
// segments (spec.md §4.5/§4.7 pooling).
func PushBatch(ctx context.Context, e *Engine, localPaths []string, poolSize int) error {
	if poolSize <= 0 {
		poolSize = 8
	}
	pool := workerpool.New(ctx, poolSize)
	for _, p := range localPaths {
		p := p
		pool.Submit(func(ctx context.Context) error {
			return e.Push(ctx, p)
		})
	}
	return pool.Wait()
}

// FetchOptions configures a wal-fetch invocation.
type FetchOptions struct {
	SegmentName string
	DestPath    string
	// Prefetch is the number K of subsequent segments to speculatively
	// enqueue for download into PrefetchDir.
	Prefetch    int
	PrefetchDir string
}

// Fetch satisfies a single WAL segment request, first from the prefetch
// directory (atomic rename) if already present there, else by downloading
// it directly; then enqueues the next Prefetch segments into the prefetch
// directory, best-effort.
func (e *Engine) Fetch(ctx context.Context, opts FetchOptions) error {
	logger := log.FromContext(ctx).WithName("wal-fetch")

	if !layout.IsValidWALSegmentName(opts.SegmentName) {
		return pgerror.Fatal("wal.Fetch", fmt.Errorf("%q is not a well-formed WAL segment name", opts.SegmentName))
	}

	if opts.PrefetchDir != "" {
		prefetched := filepath.Join(opts.PrefetchDir, opts.SegmentName)
		if err := claimPrefetched(prefetched, opts.DestPath); err == nil {
			logger.Debug("satisfied from prefetch", "segment", opts.SegmentName)
			e.spawnPrefetch(ctx, opts)
			return nil
		}
	}

	if err := e.downloadSegment(ctx, opts.SegmentName, opts.DestPath); err != nil {
		return err
	}
	if e.Metrics != nil {
		if info, err := os.Stat(opts.DestPath); err == nil {
			e.Metrics.BytesDownloaded.Add(float64(info.Size()))
		}
	}
	logger.Info("segment fetched", "segment", opts.SegmentName)
	e.spawnPrefetch(ctx, opts)
	return nil
}

// downloadSegment streams the keyed object through the inverse Pipe Stager
// into a temporary file in the destination's directory, then atomically
// renames it into place.
func (e *Engine) downloadSegment(ctx context.Context, segmentName, destPath string) error {
	key := layout.WALSegmentKey(e.Store.KeyPrefix, segmentName)
	body, err := e.Store.Bucket.Get(ctx, key)
	if err != nil {
		return err
	}
	defer body.Close()

	return streamToFile(ctx, e.inverseFilterChain(), body, destPath)
}

func streamToFile(ctx context.Context, filters []stager.Filter, body io.Reader, destPath string) error {
	streaming := &stager.StreamingPipeline{Filters: filters}
	stream, err := streaming.Run(ctx, body)
	if err != nil {
		return err
	}
	defer stream.Close()

	dir := filepath.Dir(destPath)
	tmp, err := os.CreateTemp(dir, ".pgarchive-wal-*")
	if err != nil {
		return pgerror.Fatal("wal.streamToFile", err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, stream); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return pgerror.Integrity("wal.streamToFile", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return pgerror.Fatal("wal.streamToFile", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		_ = os.Remove(tmpPath)
		return pgerror.Fatal("wal.streamToFile", err)
	}
	return nil
}

// claimPrefetched renames a completed prefetch file into destPath. It
// fails (leaving the prefetch file untouched) if the prefetch file is not
// present, so the caller falls back to a direct download.
func claimPrefetched(prefetchedPath, destPath string) error {
	if _, err := os.Stat(prefetchedPath); err != nil {
		return err
	}
	return os.Rename(prefetchedPath, destPath)
}

// spawnPrefetch enqueues the next opts.Prefetch consecutive segment names
// (same timeline, monotonically incremented) into opts.PrefetchDir.
// Prefetch tasks are best-effort: failures are logged, never surfaced, per
// spec.md §4.7.
func (e *Engine) spawnPrefetch(ctx context.Context, opts FetchOptions) {
	if opts.Prefetch <= 0 || opts.PrefetchDir == "" {
		return
	}
	logger := log.FromContext(ctx).WithName("wal-prefetch")

	if err := os.MkdirAll(opts.PrefetchDir, 0o700); err != nil {
		logger.Warning("could not create prefetch directory", "error", err)
		return
	}

	names, err := NextSegmentNames(opts.SegmentName, opts.Prefetch)
	if err != nil {
		logger.Warning("could not derive prefetch segment names", "error", err)
		return
	}

	pool := workerpool.New(ctx, 8)
	for _, name := range names {
		name := name
		final := filepath.Join(opts.PrefetchDir, name)
		if _, err := os.Stat(final); err == nil {
			continue // already prefetched by a previous fetch
		}
		pool.Submit(func(ctx context.Context) error {
			if err := e.downloadSegment(ctx, name, final); err != nil {
				if !pgerror.IsNotFound(err) {
					logger.Warning("prefetch of segment failed", "segment", name, "error", err)
				}
				return nil // best-effort: never fail the pool for a sibling
			}
			return nil
		})
	}
	// Best-effort: the pool's own failure path is unused since prefetch
	// tasks never return an error, but Wait still reaps every goroutine.
	_ = pool.Wait()
}

// NextSegmentNames returns the n segment names immediately following name
// on the same timeline: the last 8 hex digits (the segment) are incremented,
// carrying into the middle 8 (the log id) past segment 0xFF (spec.md §3's
// WAL Segment Name composition).
func NextSegmentNames(name string, n int) ([]string, error) {
	if !layout.IsValidWALSegmentName(name) {
		return nil, fmt.Errorf("%q is not a well-formed WAL segment name", name)
	}
	timelineHex := name[0:8]
	logHex := name[8:16]
	segHex := name[16:24]

	timeline, err := strconv.ParseUint(timelineHex, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("parsing timeline of %q: %w", name, err)
	}
	logID, err := strconv.ParseUint(logHex, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("parsing log id of %q: %w", name, err)
	}
	seg, err := strconv.ParseUint(segHex, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("parsing segment id of %q: %w", name, err)
	}

	// A log file holds 0x100 segments (00 through FF); rolling over the
	// segment counter advances the log id.
	const segmentsPerLogFile = 0x100

	names := make([]string, 0, n)
	for i := 0; i < n; i++ {
		seg++
		if seg >= segmentsPerLogFile {
			seg = 0
			logID++
		}
		names = append(names, fmt.Sprintf("%08X%08X%08X", timeline, logID, seg))
	}
	return names, nil
}
