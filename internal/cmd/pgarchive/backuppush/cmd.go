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

// Package backuppush implements the backup-push subcommand (spec.md §6).
package backuppush

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/cloudnative-pg/pgarchive/internal/backup"
	"github.com/cloudnative-pg/pgarchive/internal/cmd/pgarchive/common"
	"github.com/cloudnative-pg/pgarchive/internal/log"
	"github.com/cloudnative-pg/pgarchive/internal/postgres"
)

// defaultSoftLimit is the tar partition soft limit (spec.md §4.4): roughly
// the per-partition byte budget the Backup Engine packs members against.
const defaultSoftLimit = 1 << 30 // 1 GiB

// NewCmd builds the backup-push subcommand.
func NewCmd() *cobra.Command {
	var (
		poolSize          int
		gpgKeyID          string
		readRateLimit     int64
		metricsListenAddr string
	)

	cmd := &cobra.Command{
		Use:          "backup-push DATA_DIR",
		Short:        "Take a base backup of a running cluster and push it to the blob store",
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

			// An empty DSN connects via the standard PGHOST/PGPORT/PGUSER/
			// PGPASSWORD/PGDATABASE libpq environment variables, which the
			// invoking archive hook is expected to already have set.
			pool := postgres.NewConnectionPool("")
			defer pool.ShutdownConnections(ctx)

			if gpgKeyID == "" {
				gpgKeyID = cctx.Config.GPGKeyID
			}

			engine := &backup.Engine{
				Store:         cctx.Store,
				Controller:    postgres.NewController(pool),
				TempDir:       os.TempDir(),
				SoftLimit:     defaultSoftLimit,
				GPGKeyID:      gpgKeyID,
				ReadRateLimit: readRateLimit,
				Metrics:       m,
			}

			if err := engine.Push(ctx, backup.PushOptions{DataDir: args[0], PoolSize: poolSize}); err != nil {
				log.FromContext(ctx).Error(err, "backup-push failed")
				return err
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&poolSize, "pool-size", 4, "number of concurrent partition uploads")
	cmd.Flags().StringVar(&gpgKeyID, "gpg-key-id", "", "GPG key id to encrypt partitions with (overrides WALE_GPG_KEY_ID)")
	cmd.Flags().Int64Var(&readRateLimit, "cluster-read-rate-limit", 0,
		"cap the aggregate cluster-directory read rate, in bytes/sec (0 disables throttling)")
	cmd.Flags().StringVar(&metricsListenAddr, "metrics-listen-addr", "",
		"serve Prometheus metrics on this address for the invocation's lifetime (disabled by default)")

	return cmd
}
