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

// Package walfetch implements the wal-fetch subcommand (spec.md §6), invoked
// once per segment by restore_command.
package walfetch

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cloudnative-pg/pgarchive/internal/cmd/pgarchive/common"
	"github.com/cloudnative-pg/pgarchive/internal/log"
	"github.com/cloudnative-pg/pgarchive/internal/pgerror"
	"github.com/cloudnative-pg/pgarchive/internal/wal"
)

// defaultPrefetch is the number of subsequent segments speculatively staged
// into the prefetch directory alongside every satisfied fetch.
const defaultPrefetch = 8

// NewCmd builds the wal-fetch subcommand.
func NewCmd() *cobra.Command {
	var (
		prefetch          int
		metricsListenAddr string
	)

	cmd := &cobra.Command{
		Use:          "wal-fetch SEGMENT_NAME DEST_PATH",
		Short:        "Fetch one WAL segment, speculatively prefetching the next few",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cctx, err := common.Load(ctx)
			if err != nil {
				return err
			}

			m, stop := common.StartMetrics(ctx, metricsListenAddr)
			defer stop()

			engine := &wal.Engine{
				Store:    cctx.Store,
				TempDir:  os.TempDir(),
				GPGKeyID: cctx.Config.GPGKeyID,
				Metrics:  m,
			}

			err = engine.Fetch(ctx, wal.FetchOptions{
				SegmentName: args[0],
				DestPath:    args[1],
				Prefetch:    prefetch,
				PrefetchDir: filepath.Join(os.TempDir(), "pgarchive-wal-prefetch"),
			})
			if err != nil {
				if pgerror.IsNotFound(err) {
					// End of archive: restore_command is expected to return
					// non-zero so PostgreSQL ends recovery, but this is not an
					// operator-visible failure and is never logged as an error.
					return err
				}
				log.FromContext(ctx).Error(err, "wal-fetch failed", "segment", args[0])
				return err
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&prefetch, "prefetch", defaultPrefetch,
		"number of subsequent segments to speculatively stage into the prefetch directory")
	cmd.Flags().StringVar(&metricsListenAddr, "metrics-listen-addr", "",
		"serve Prometheus metrics on this address for the invocation's lifetime (disabled by default)")

	return cmd
}
