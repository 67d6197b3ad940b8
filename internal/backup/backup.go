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

// Package backup is the Backup Engine (spec.md §4.6): it coordinates
// backup_start -> partition -> upload -> backup_stop -> sentinel write for
// push, and sentinel read -> verify tablespaces -> parallel download ->
// extract for fetch.
package backup

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cloudnative-pg/pgarchive/internal/blob"
	"github.com/cloudnative-pg/pgarchive/internal/layout"
	"github.com/cloudnative-pg/pgarchive/internal/log"
	"github.com/cloudnative-pg/pgarchive/internal/metrics"
	"github.com/cloudnative-pg/pgarchive/internal/pgerror"
	"github.com/cloudnative-pg/pgarchive/internal/postgres"
	"github.com/cloudnative-pg/pgarchive/internal/stager"
	"github.com/cloudnative-pg/pgarchive/internal/tarpartition"
	"github.com/cloudnative-pg/pgarchive/internal/workerpool"
)

// walSegmentBytes is the fixed WAL segment size this backup identity
// scheme assumes (PostgreSQL's compiled-in default).
const walSegmentBytes = 16 * 1024 * 1024

// Engine is the Backup Engine for one Prefix Context.
type Engine struct {
	Store      *blob.Store
	Controller *postgres.Controller
	TempDir    string
	SoftLimit  int64
	GPGKeyID   string
	// ReadRateLimit caps the aggregate cluster-directory read rate, in
	// bytes/sec, across every partition worker during Push. Zero disables
	// throttling.
	ReadRateLimit int64
	// Metrics, when non-nil, is updated with bytes uploaded and partitions
	// written as Push progresses (--metrics-listen-addr).
	Metrics *metrics.Metrics
}

// PushOptions configures a backup-push invocation.
type PushOptions struct {
	DataDir  string
	PoolSize int
}

// FetchOptions configures a backup-fetch invocation.
type FetchOptions struct {
	DataDir      string
	Name         string // a BACKUP_NAME, or the pseudo-name "LATEST"
	BlindRestore bool
	RestoreSpec  string
	PoolSize     int
}

// Push runs backup_start, partitions and uploads the data directory, runs
// backup_stop, and publishes the sentinel last.
func (e *Engine) Push(ctx context.Context, opts PushOptions) error {
	logger := log.FromContext(ctx).WithName("backup-push")

	start, err := e.Controller.BackupStart(ctx, "pgarchive base backup")
	if err != nil {
		return err
	}
	startOffset, err := segmentOffsetFromLSN(start.StartLSN)
	if err != nil {
		return pgerror.Fatal("backup.Push", err)
	}
	backupName := layout.BackupName(start.StartSegment, startOffset)
	logger.Info("backup started", "name", backupName)

	if liveDataDir, err := e.Controller.DataDirectory(ctx); err != nil {
		_, _ = e.Controller.BackupStop(ctx)
		return err
	} else if filepath.Clean(liveDataDir) != filepath.Clean(opts.DataDir) {
		_, _ = e.Controller.BackupStop(ctx)
		return pgerror.Precondition("backup.Push", fmt.Errorf(
			"cluster data_directory %q does not match the directory being archived %q", liveDataDir, opts.DataDir))
	}

	manifest, err := (&tarpartition.Partitioner{DataDir: opts.DataDir, SoftLimit: e.SoftLimit}).Walk()
	if err != nil {
		_, _ = e.Controller.BackupStop(ctx)
		return err
	}

	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	pool := workerpool.New(ctx, poolSize)
	limiter := tarpartition.NewRateLimiter(e.ReadRateLimit)

	var expanded int64
	for _, part := range manifest.Partitions {
		part := part
		for _, m := range part.Members {
			expanded += m.Info.Size()
		}
		pool.Submit(func(ctx context.Context) error {
			return e.uploadPartition(ctx, backupName, part, limiter)
		})
	}

	if err := pool.Wait(); err != nil {
		// Release the database's backup state but never publish a
		// sentinel; partial partitions are left for the Pruner to sweep.
		_, _ = e.Controller.BackupStop(ctx)
		return err
	}

	stop, err := e.Controller.BackupStop(ctx)
	if err != nil {
		return err
	}
	stopOffset, err := segmentOffsetFromLSN(stop.StopLSN)
	if err != nil {
		return pgerror.Fatal("backup.Push", err)
	}

	partitionCount := len(manifest.Partitions)
	if len(stop.LabelFile) > 0 || len(stop.TablespaceMapFile) > 0 {
		// pg_backup_stop hands back backup_label/tablespace_map only once
		// every partition upload has finished, so they ride along as one
		// final partition instead of being folded into the walk above.
		if err := e.uploadLabelPartition(ctx, backupName, partitionCount, stop); err != nil {
			return err
		}
		partitionCount++
	}

	sentinel := Sentinel{
		WALSegmentBackupStart:       start.StartSegment,
		WALSegmentOffsetBackupStart: startOffset,
		WALSegmentBackupStop:        stop.StopSegment,
		WALSegmentOffsetBackupStop:  stopOffset,
		ExpandedSizeBytes:           expanded,
		PartitionCount:              partitionCount,
	}
	for _, ts := range manifest.Tablespaces {
		sentinel.Tablespaces = append(sentinel.Tablespaces, TablespaceDescriptor{
			OID:      ts.Name,
			Location: ts.Location,
			Link:     filepath.Join(opts.DataDir, tarpartition.TablespaceDirName, ts.Name),
		})
	}

	body, err := json.Marshal(sentinel)
	if err != nil {
		return pgerror.Fatal("backup.Push", err)
	}

	key := layout.BackupSentinelKey(e.Store.KeyPrefix, backupName)
	if err := e.Store.Bucket.Put(ctx, key, int64(len(body)), bytes.NewReader(body)); err != nil {
		return err
	}

	logger.Info("backup complete", "name", backupName, "partitions", partitionCount,
		"expandedSizeBytes", expanded)
	return nil
}

func (e *Engine) uploadPartition(
	ctx context.Context,
	backupName string,
	part tarpartition.Partition,
	limiter *tarpartition.RateLimiter,
) error {
	staged, err := e.stagePartition(ctx, part, limiter)
	if err != nil {
		if !pgerror.Is(err, pgerror.KindIntegrity) {
			return err
		}
		// spec.md §4.4: a file truncated or unlinked mid-read marks the
		// whole partition invalid -- its tar stream can't be patched
		// midstream, so the only way to retry the affected member is to
		// rebuild the partition from scratch. A second failure aborts the
		// backup.
		staged, err = e.stagePartition(ctx, part, limiter)
		if err != nil {
			return err
		}
	}
	defer staged.Remove()

	f, err := staged.Open()
	if err != nil {
		return pgerror.Fatal("backup.uploadPartition", err)
	}
	defer f.Close()

	key := layout.BackupPartitionKey(e.Store.KeyPrefix, backupName, part.Index)
	if err := e.Store.Bucket.Put(ctx, key, staged.Length, f); err != nil {
		return err
	}
	if e.Metrics != nil {
		e.Metrics.BytesUploaded.Add(float64(staged.Length))
		e.Metrics.PartitionsWritten.Inc()
	}
	return nil
}

// uploadLabelPartition uploads backup_label and tablespace_map -- returned
// by pg_backup_stop, per postgres.Controller.BackupStop -- as one final tar
// partition at the cluster root, so fetch writes them into place via the
// ordinary extractTar path with no special-casing.
func (e *Engine) uploadLabelPartition(
	ctx context.Context,
	backupName string,
	index int,
	stop *postgres.BackupStopResult,
) error {
	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		err := writeLabelMembers(tw, stop)
		if cerr := tw.Close(); err == nil {
			err = cerr
		}
		_ = pw.CloseWithError(err)
	}()

	pipeline := &stager.Pipeline{Filters: e.filterChain(), TempDir: e.TempDir}
	staged, err := pipeline.Run(ctx, pr)
	if err != nil {
		return err
	}
	defer staged.Remove()

	f, err := staged.Open()
	if err != nil {
		return pgerror.Fatal("backup.uploadLabelPartition", err)
	}
	defer f.Close()

	key := layout.BackupPartitionKey(e.Store.KeyPrefix, backupName, index)
	if err := e.Store.Bucket.Put(ctx, key, staged.Length, f); err != nil {
		return err
	}
	if e.Metrics != nil {
		e.Metrics.BytesUploaded.Add(float64(staged.Length))
		e.Metrics.PartitionsWritten.Inc()
	}
	return nil
}

func writeLabelMembers(tw *tar.Writer, stop *postgres.BackupStopResult) error {
	write := func(name string, content []byte) error {
		if len(content) == 0 {
			return nil
		}
		if err := tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o600,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}); err != nil {
			return err
		}
		_, err := tw.Write(content)
		return err
	}
	if err := write("backup_label", stop.LabelFile); err != nil {
		return err
	}
	return write("tablespace_map", stop.TablespaceMapFile)
}

// stagePartition builds part's tar stream and runs it through the Pipe
// Stager once. Called twice by uploadPartition when the first attempt fails
// with an Integrity error, per the one-shot-retry rule of spec.md §4.4.
func (e *Engine) stagePartition(
	ctx context.Context,
	part tarpartition.Partition,
	limiter *tarpartition.RateLimiter,
) (stager.Staged, error) {
	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		err := tarpartition.WriteTar(tw, part.Members, limiter)
		if cerr := tw.Close(); err == nil {
			err = cerr
		}
		_ = pw.CloseWithError(err)
	}()

	pipeline := &stager.Pipeline{Filters: e.filterChain(), TempDir: e.TempDir}
	return pipeline.Run(ctx, pr)
}

// filterChain is [encrypt, compress]: encryption, when configured, wraps
// the raw tar bytes before lzop compresses the result, so the object's
// outermost (and only) format suffix remains ".lzo" (spec.md §4.3).
func (e *Engine) filterChain() []stager.Filter {
	filters := []stager.Filter{{Command: "lzop -c"}}
	if e.GPGKeyID != "" {
		filters = append([]stager.Filter{{Command: "gpg --batch --yes --encrypt -r " + e.GPGKeyID}}, filters...)
	}
	return filters
}

// inverseFilterChain undoes filterChain in reverse: decompress, then
// decrypt.
func (e *Engine) inverseFilterChain() []stager.Filter {
	filters := []stager.Filter{{Command: "lzop -d -c"}}
	if e.GPGKeyID != "" {
		filters = append(filters, stager.Filter{Command: "gpg --batch --yes --decrypt"})
	}
	return filters
}

// Fetch resolves a backup name, verifies its tablespace map, and downloads
// and extracts every partition in parallel.
func (e *Engine) Fetch(ctx context.Context, opts FetchOptions) error {
	logger := log.FromContext(ctx).WithName("backup-fetch")

	backupName, err := e.resolveName(ctx, opts.Name)
	if err != nil {
		return err
	}
	logger.Info("fetching backup", "name", backupName)

	sentinel, err := e.readSentinel(ctx, backupName)
	if err != nil {
		return err
	}

	tsLocations, err := e.prepareTablespaces(opts, sentinel)
	if err != nil {
		return err
	}

	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	pool := workerpool.New(ctx, poolSize)

	for i := 0; i < sentinel.PartitionCount; i++ {
		i := i
		pool.Submit(func(ctx context.Context) error {
			key := layout.BackupPartitionKey(e.Store.KeyPrefix, backupName, i)
			return e.downloadPartition(ctx, opts.DataDir, tsLocations, key)
		})
	}

	if err := pool.Wait(); err != nil {
		return err
	}

	logger.Info("fetch complete", "name", backupName, "partitions", sentinel.PartitionCount)
	return nil
}

func (e *Engine) downloadPartition(
	ctx context.Context,
	dataDir string,
	tsLocations map[string]string,
	key string,
) error {
	body, err := e.Store.Bucket.Get(ctx, key)
	if err != nil {
		return err
	}
	defer body.Close()

	streaming := &stager.StreamingPipeline{Filters: e.inverseFilterChain()}
	stream, err := streaming.Run(ctx, body)
	if err != nil {
		return err
	}
	defer stream.Close()

	return extractTar(tar.NewReader(stream), dataDir, tsLocations)
}

// resolveName resolves the pseudo-name "LATEST" to the sentinel with the
// greatest BACKUP_NAME in lexicographic order, per spec.md §4.6.
func (e *Engine) resolveName(ctx context.Context, name string) (string, error) {
	if name != "LATEST" {
		return name, nil
	}

	best := ""
	prefix := layout.BasebackupsPrefix(e.Store.KeyPrefix)
	err := e.Store.Bucket.List(ctx, prefix, func(obj blob.ObjectInfo) error {
		candidate, err := layout.ParseBackupSentinelKey(e.Store.KeyPrefix, obj.Key)
		if err != nil {
			return nil
		}
		if best == "" || layout.LessBackupName(best, candidate) {
			best = candidate
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if best == "" {
		return "", pgerror.NotFound("backup.resolveName", fmt.Errorf("no completed backup found under prefix"))
	}
	return best, nil
}

func (e *Engine) readSentinel(ctx context.Context, backupName string) (*Sentinel, error) {
	key := layout.BackupSentinelKey(e.Store.KeyPrefix, backupName)
	body, err := e.Store.Bucket.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, pgerror.Fatal("backup.readSentinel", err)
	}

	var sentinel Sentinel
	if err := json.Unmarshal(data, &sentinel); err != nil {
		return nil, pgerror.Integrity("backup.readSentinel", fmt.Errorf("parsing sentinel %s: %w", key, err))
	}
	return &sentinel, nil
}

// prepareTablespaces validates or creates every tablespace link named by
// the sentinel, per the three modes of spec.md §4.6, and returns the
// resolved on-disk location for each tablespace OID.
func (e *Engine) prepareTablespaces(opts FetchOptions, sentinel *Sentinel) (map[string]string, error) {
	locations := make(map[string]string, len(sentinel.Tablespaces))

	switch tablespaceModeOf(opts) {
	case TablespaceModeSpecDriven:
		spec, err := loadRestoreSpec(opts.RestoreSpec)
		if err != nil {
			return nil, err
		}
		for _, ts := range sentinel.Tablespaces {
			entry, ok := spec[ts.OID]
			if !ok {
				return nil, pgerror.Precondition("backup.Fetch",
					fmt.Errorf("restore spec is missing tablespace %s", ts.OID))
			}
			if err := os.MkdirAll(entry.Location, 0o700); err != nil {
				return nil, pgerror.Fatal("backup.Fetch", err)
			}
			tmpLink := entry.Link + ".pgarchive-tmp"
			_ = os.Remove(tmpLink)
			if err := os.Symlink(entry.Location, tmpLink); err != nil {
				return nil, pgerror.Fatal("backup.Fetch", err)
			}
			if err := os.Rename(tmpLink, entry.Link); err != nil {
				return nil, pgerror.Fatal("backup.Fetch", err)
			}
			locations[ts.OID] = entry.Location
		}
	case TablespaceModeBlind:
		for _, ts := range sentinel.Tablespaces {
			locations[ts.OID] = filepath.Join(opts.DataDir, tarpartition.TablespaceDirName, ts.OID)
		}
	default: // TablespaceModeUserDirected
		for _, ts := range sentinel.Tablespaces {
			link := filepath.Join(opts.DataDir, tarpartition.TablespaceDirName, ts.OID)
			target, err := os.Readlink(link)
			if err != nil {
				return nil, pgerror.Precondition("backup.Fetch",
					fmt.Errorf("tablespace link %s does not exist: %w", link, err))
			}
			locations[ts.OID] = target
		}
	}
	return locations, nil
}

// tablespaceModeOf selects the tablespace-map mode a Fetch invocation uses,
// per the three modes of spec.md §4.6: a restore spec path takes precedence
// over --blind-restore, which takes precedence over the user-directed
// default.
func tablespaceModeOf(opts FetchOptions) TablespaceMode {
	switch {
	case opts.RestoreSpec != "":
		return TablespaceModeSpecDriven
	case opts.BlindRestore:
		return TablespaceModeBlind
	default:
		return TablespaceModeUserDirected
	}
}

func loadRestoreSpec(path string) (map[string]RestoreSpecEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pgerror.Fatal("backup.loadRestoreSpec", err)
	}
	var spec map[string]RestoreSpecEntry
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, pgerror.Fatal("backup.loadRestoreSpec", fmt.Errorf("parsing restore spec %s: %w", path, err))
	}
	return spec, nil
}

// extractTar honors regular files, directories and symlinks; any other tar
// member type aborts the fetch (spec.md §4.6).
func extractTar(tr *tar.Reader, dataDir string, tsLocations map[string]string) error {
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return pgerror.Integrity("backup.extractTar", err)
		}

		targetPath, err := resolveExtractPath(dataDir, tsLocations, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, os.FileMode(hdr.Mode)); err != nil {
				return pgerror.Fatal("backup.extractTar", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0o700); err != nil {
				return pgerror.Fatal("backup.extractTar", err)
			}
			f, err := os.OpenFile(targetPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return pgerror.Fatal("backup.extractTar", err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				_ = f.Close()
				return pgerror.Integrity("backup.extractTar", fmt.Errorf("extracting %s: %w", hdr.Name, err))
			}
			if err := f.Close(); err != nil {
				return pgerror.Fatal("backup.extractTar", err)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0o700); err != nil {
				return pgerror.Fatal("backup.extractTar", err)
			}
			_ = os.Remove(targetPath)
			if err := os.Symlink(hdr.Linkname, targetPath); err != nil {
				return pgerror.Fatal("backup.extractTar", err)
			}
		default:
			return pgerror.Fatal("backup.extractTar",
				fmt.Errorf("unrecognized tar member type %v for %s", hdr.Typeflag, hdr.Name))
		}
	}
}

// resolveExtractPath redirects tablespace content ("pg_tblspc/<oid>/...")
// to its resolved on-disk location instead of writing it under the
// cluster's own pg_tblspc directory.
func resolveExtractPath(dataDir string, tsLocations map[string]string, tarName string) (string, error) {
	tsPrefix := tarpartition.TablespaceDirName + "/"
	if !strings.HasPrefix(tarName, tsPrefix) {
		return filepath.Join(dataDir, tarName), nil
	}

	rest := strings.TrimPrefix(tarName, tsPrefix)
	oid, subpath, _ := strings.Cut(rest, "/")
	loc, ok := tsLocations[oid]
	if !ok {
		return "", pgerror.Precondition("backup.extractTar",
			fmt.Errorf("no resolved location for tablespace %s", oid))
	}
	return filepath.Join(loc, subpath), nil
}

func segmentOffsetFromLSN(lsn string) (uint64, error) {
	hiStr, loStr, ok := strings.Cut(lsn, "/")
	if !ok {
		return 0, fmt.Errorf("malformed LSN %q", lsn)
	}
	hi, err := strconv.ParseUint(hiStr, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed LSN %q: %w", lsn, err)
	}
	lo, err := strconv.ParseUint(loStr, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed LSN %q: %w", lsn, err)
	}
	combined := (hi << 32) | lo
	return combined % walSegmentBytes, nil
}
