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

// Package walpush implements the wal-push subcommand (spec.md §6), invoked
// once per segment by archive_command.
package walpush

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/cloudnative-pg/pgarchive/internal/cmd/pgarchive/common"
	"github.com/cloudnative-pg/pgarchive/internal/layout"
	"github.com/cloudnative-pg/pgarchive/internal/log"
	"github.com/cloudnative-pg/pgarchive/internal/wal"
)

// NewCmd builds the wal-push subcommand.
func NewCmd() *cobra.Command {
	var (
		poolSize          int
		gpgKeyID          string
		metricsListenAddr string
	)

	cmd := &cobra.Command{
		Use:          "wal-push SEGMENT_PATH",
		Short:        "Push one (or, batched, several) WAL segment to the blob store",
		Args:         cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cctx, err := common.Load(ctx)
			if err != nil {
				return err
			}

			m, stop := common.StartMetrics(ctx, metricsListenAddr)
			defer stop()

			if gpgKeyID == "" {
				gpgKeyID = cctx.Config.GPGKeyID
			}

			engine := &wal.Engine{
				Store:    cctx.Store,
				TempDir:  os.TempDir(),
				GPGKeyID: gpgKeyID,
				Metrics:  m,
			}

			paths := siblingReadySegments(args[0], poolSize)
			if len(paths) == 1 {
				if err := engine.Push(ctx, paths[0]); err != nil {
					log.FromContext(ctx).Error(err, "wal-push failed", "segment", args[0])
					return err
				}
				return nil
			}

			if err := wal.PushBatch(ctx, engine, paths, poolSize); err != nil {
				log.FromContext(ctx).Error(err, "wal-push batch failed", "segment", args[0])
				return err
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&poolSize, "pool-size", 1,
		"push up to this many segments in all: SEGMENT_PATH plus ready segments found alongside it")
	cmd.Flags().StringVar(&gpgKeyID, "gpg-key-id", "", "GPG key id to encrypt the segment with (overrides WALE_GPG_KEY_ID)")
	cmd.Flags().StringVar(&metricsListenAddr, "metrics-listen-addr", "",
		"serve Prometheus metrics on this address for the invocation's lifetime (disabled by default)")

	return cmd
}

// siblingReadySegments always includes segmentPath, then opportunistically
// adds up to poolSize-1 more WAL segment files from the same directory whose
// names sort after it, so one archive_command invocation can drain a backlog
// that has built up while this one was blocked (spec.md §4.5/§4.7 pooling).
// A lookup failure in the directory is not fatal: the named segment alone is
// still pushed.
func siblingReadySegments(segmentPath string, poolSize int) []string {
	result := []string{segmentPath}
	if poolSize <= 1 {
		return result
	}

	dir := filepath.Dir(segmentPath)
	name := filepath.Base(segmentPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return result
	}

	var siblings []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == name || !layout.IsValidWALSegmentName(e.Name()) {
			continue
		}
		if e.Name() > name {
			siblings = append(siblings, e.Name())
		}
	}
	sort.Strings(siblings)

	for _, s := range siblings {
		if len(result) >= poolSize {
			break
		}
		result = append(result, filepath.Join(dir, s))
	}
	return result
}
