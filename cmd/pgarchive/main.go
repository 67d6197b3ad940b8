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

// Command pgarchive is a continuous-archiving and base-backup tool for
// PostgreSQL: push and fetch base backups and WAL segments against an S3,
// Azure Blob, Google Cloud Storage or OpenStack Swift prefix, and prune
// them by age or retention count.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/cloudnative-pg/pgarchive/internal/cmd/pgarchive/backupfetch"
	"github.com/cloudnative-pg/pgarchive/internal/cmd/pgarchive/backuplist"
	"github.com/cloudnative-pg/pgarchive/internal/cmd/pgarchive/backuppush"
	"github.com/cloudnative-pg/pgarchive/internal/cmd/pgarchive/del"
	"github.com/cloudnative-pg/pgarchive/internal/cmd/pgarchive/walfetch"
	"github.com/cloudnative-pg/pgarchive/internal/cmd/pgarchive/walpush"
	"github.com/cloudnative-pg/pgarchive/internal/log"
	"github.com/cloudnative-pg/pgarchive/internal/pgerror"
)

func main() {
	cmd := &cobra.Command{
		Use:          "pgarchive [cmd]",
		Short:        "Continuous WAL archiving and base backups for PostgreSQL",
		SilenceUsage: true,
	}

	cmd.AddCommand(
		backuppush.NewCmd(),
		backupfetch.NewCmd(),
		walpush.NewCmd(),
		walfetch.NewCmd(),
		backuplist.NewCmd(),
		del.NewCmd(),
	)

	err := cmd.Execute()
	log.Sync()
	os.Exit(pgerror.ExitCode(err))
}
