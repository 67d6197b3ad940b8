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

// Package backupfetch implements the backup-fetch subcommand (spec.md §6).
package backupfetch

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/cloudnative-pg/pgarchive/internal/backup"
	"github.com/cloudnative-pg/pgarchive/internal/cmd/pgarchive/common"
	"github.com/cloudnative-pg/pgarchive/internal/log"
)

// NewCmd builds the backup-fetch subcommand.
func NewCmd() *cobra.Command {
	var (
		poolSize          int
		blindRestore      bool
		restoreSpec       string
		metricsListenAddr string
	)

	cmd := &cobra.Command{
		Use:          "backup-fetch DATA_DIR NAME",
		Short:        "Fetch and extract a base backup, where NAME may be LATEST",
		Args:         cobra.ExactArgs(2),
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

			engine := &backup.Engine{
				Store:    cctx.Store,
				TempDir:  os.TempDir(),
				GPGKeyID: cctx.Config.GPGKeyID,
				Metrics:  m,
			}

			err = engine.Fetch(ctx, backup.FetchOptions{
				DataDir:      args[0],
				Name:         args[1],
				BlindRestore: blindRestore,
				RestoreSpec:  restoreSpec,
				PoolSize:     poolSize,
			})
			if err != nil {
				log.FromContext(ctx).Error(err, "backup-fetch failed")
				return err
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&poolSize, "pool-size", 4, "number of concurrent partition downloads")
	cmd.Flags().BoolVar(&blindRestore, "blind-restore", false,
		"place tablespace content directly under pg_tblspc instead of requiring pre-existing links")
	cmd.Flags().StringVar(&restoreSpec, "restore-spec", "",
		"path to a JSON {oid: {loc, link}} map driving tablespace placement")
	cmd.Flags().StringVar(&metricsListenAddr, "metrics-listen-addr", "",
		"serve Prometheus metrics on this address for the invocation's lifetime (disabled by default)")

	return cmd
}
