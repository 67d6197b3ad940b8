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

// Package del implements the delete subcommand tree (spec.md §4.8/§6):
// before NAME, retain N, old-versions, everything. Every variant defaults
// to dry-run; passing both --dry-run and --confirm still selects dry-run.
package del

import (
	"context"
	"fmt"
	"strconv"

	"github.com/logrusorgru/aurora/v4"
	"github.com/spf13/cobra"

	"github.com/cloudnative-pg/pgarchive/internal/cmd/pgarchive/common"
	"github.com/cloudnative-pg/pgarchive/internal/pgerror"
	"github.com/cloudnative-pg/pgarchive/internal/prune"
)

// NewCmd builds the delete command and its four plan-producing subcommands.
func NewCmd() *cobra.Command {
	var confirm, dryRun bool

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Prune backups and WAL under the Prefix Context",
	}
	cmd.PersistentFlags().BoolVar(&confirm, "confirm", false, "execute the plan instead of printing it")
	cmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "print the plan only (default; wins over --confirm if both are given)")

	cmd.AddCommand(
		beforeCmd(&confirm, &dryRun),
		retainCmd(&confirm, &dryRun),
		oldVersionsCmd(&confirm, &dryRun),
		everythingCmd(&confirm, &dryRun),
	)
	return cmd
}

func beforeCmd(confirm, dryRun *bool) *cobra.Command {
	return &cobra.Command{
		Use:          "before NAME",
		Short:        "Retire every backup and WAL segment older than NAME",
		Args:         cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), *confirm, *dryRun, func(ctx context.Context, p *prune.Pruner) (*prune.Plan, error) {
				return p.Before(ctx, args[0])
			})
		},
	}
}

func retainCmd(confirm, dryRun *bool) *cobra.Command {
	return &cobra.Command{
		Use:          "retain N",
		Short:        "Keep the N newest backups and retire the rest",
		Args:         cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return pgerror.Fatal("delete.retain", fmt.Errorf("%q is not an integer: %w", args[0], err))
			}
			return run(cmd.Context(), *confirm, *dryRun, func(ctx context.Context, p *prune.Pruner) (*prune.Plan, error) {
				return p.Retain(ctx, n)
			})
		},
	}
}

func oldVersionsCmd(confirm, dryRun *bool) *cobra.Command {
	return &cobra.Command{
		Use:          "old-versions",
		Short:        "Delete every key whose storage-version tag is not current",
		Args:         cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), *confirm, *dryRun, func(ctx context.Context, p *prune.Pruner) (*prune.Plan, error) {
				return p.OldVersions(ctx)
			})
		},
	}
}

func everythingCmd(confirm, dryRun *bool) *cobra.Command {
	return &cobra.Command{
		Use:          "everything",
		Short:        "Delete every backup and WAL key under the Prefix Context",
		Args:         cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), *confirm, *dryRun, func(ctx context.Context, p *prune.Pruner) (*prune.Plan, error) {
				return p.Everything(ctx)
			})
		},
	}
}

// run loads the environment, computes the plan via planFn, and either
// prints it (the default) or executes it, per --confirm/--dry-run. Passing
// both flags always dry-runs: the safety default wins (spec.md §4.8).
func run(
	ctx context.Context,
	confirm, dryRun bool,
	planFn func(context.Context, *prune.Pruner) (*prune.Plan, error),
) error {
	cctx, err := common.Load(ctx)
	if err != nil {
		return err
	}

	p := &prune.Pruner{Store: cctx.Store}
	plan, err := planFn(ctx, p)
	if err != nil {
		return err
	}

	if !shouldExecute(confirm, dryRun) {
		printPlan(plan, true)
		return nil
	}

	if err := p.Execute(ctx, plan); err != nil {
		return err
	}
	printPlan(plan, false)
	return nil
}

// shouldExecute reports whether the plan should actually be deleted.
// --dry-run wins whenever both flags are given, and is also the default
// when neither is given.
func shouldExecute(confirm, dryRun bool) bool {
	return confirm && !dryRun
}

func printPlan(plan *prune.Plan, dryRun bool) {
	if plan.Empty() {
		fmt.Println(aurora.Yellow("nothing to delete"))
		return
	}
	verb := "deleted"
	if dryRun {
		verb = "would delete"
	}
	for _, key := range plan.Keys() {
		fmt.Println(aurora.Red(verb), key)
	}
}
