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

// Package prune is the Pruner (spec.md §4.8): it lists every key under a
// Prefix Context, classifies it as a backup sentinel, a backup partition
// or a WAL segment, and computes which of them the `before`, `retain`,
// `old-versions` or `everything` subcommand would delete. Deletion always
// runs sentinels first, then partitions, then WAL, so a concurrent
// restorer never observes a completeness marker whose backup content has
// already been deleted.
package prune

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sort"

	"github.com/thoas/go-funk"

	"github.com/cloudnative-pg/pgarchive/internal/blob"
	"github.com/cloudnative-pg/pgarchive/internal/layout"
	"github.com/cloudnative-pg/pgarchive/internal/pgerror"
)

// Pruner enumerates and deletes garbage under one Prefix Context.
type Pruner struct {
	Store *blob.Store
}

// sentinelMeta is the subset of a sentinel's JSON this package reads, to
// resolve the WAL cutoff for `before`.
type sentinelMeta struct {
	WALSegmentBackupStart string `json:"wal_segment_backup_start"`
}

// Plan is the set of keys one subcommand would delete, kept in deletion
// order: sentinels, then partitions, then WAL segments.
type Plan struct {
	Sentinels  []string
	Partitions []string
	WAL        []string
}

// Keys returns every key in p, in the order they must be deleted.
func (p *Plan) Keys() []string {
	all := make([]string, 0, len(p.Sentinels)+len(p.Partitions)+len(p.WAL))
	all = append(all, p.Sentinels...)
	all = append(all, p.Partitions...)
	all = append(all, p.WAL...)
	return all
}

// Empty reports whether this plan deletes nothing.
func (p *Plan) Empty() bool {
	return len(p.Sentinels) == 0 && len(p.Partitions) == 0 && len(p.WAL) == 0
}

type catalog struct {
	sentinelKeyByName map[string]string // backupName -> sentinel key
	partitionsByName  map[string][]string
	walKeys           []string
	walNames          []string
}

// listCatalog lists every key under the storage-version prefix and
// classifies it by the Name Layout parsers. A key that does not match any
// known form is silently skipped -- per spec.md §4.3, it must never be
// treated as known, so the Pruner can never delete it by accident.
func (p *Pruner) listCatalog(ctx context.Context) (*catalog, error) {
	cat := &catalog{
		sentinelKeyByName: map[string]string{},
		partitionsByName:  map[string][]string{},
	}

	basePrefix := layout.BasebackupsPrefix(p.Store.KeyPrefix)
	err := p.Store.Bucket.List(ctx, basePrefix, func(obj blob.ObjectInfo) error {
		if name, err := layout.ParseBackupSentinelKey(p.Store.KeyPrefix, obj.Key); err == nil {
			cat.sentinelKeyByName[name] = obj.Key
			return nil
		}
		if name, _, err := layout.ParseBackupPartitionKey(p.Store.KeyPrefix, obj.Key); err == nil {
			cat.partitionsByName[name] = append(cat.partitionsByName[name], obj.Key)
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	walPrefix := layout.WALPrefix(p.Store.KeyPrefix)
	err = p.Store.Bucket.List(ctx, walPrefix, func(obj blob.ObjectInfo) error {
		name, err := layout.ParseWALSegmentKey(p.Store.KeyPrefix, obj.Key)
		if err != nil {
			return nil
		}
		cat.walKeys = append(cat.walKeys, obj.Key)
		cat.walNames = append(cat.walNames, name)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return cat, nil
}

// sortedBackupNamesDescending returns every backup name in cat, sorted descending
// (newest first) by the spec.md §3 total order.
func (cat *catalog) sortedBackupNamesDescending() []string {
	names := funk.Keys(cat.sentinelKeyByName).([]string)
	sort.Slice(names, func(i, j int) bool { return layout.LessBackupName(names[j], names[i]) })
	return names
}

func (p *Pruner) readSentinelStart(ctx context.Context, key string) (string, error) {
	body, err := p.Store.Bucket.Get(ctx, key)
	if err != nil {
		return "", err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return "", pgerror.Fatal("prune.readSentinelStart", err)
	}
	var meta sentinelMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return "", pgerror.Integrity("prune.readSentinelStart", fmt.Errorf("parsing sentinel %s: %w", key, err))
	}
	return meta.WALSegmentBackupStart, nil
}

// Before plans the `before <NAME>` subcommand: retain name and every
// backup whose BACKUP_NAME sorts >= name; garbage-collect older sentinels,
// their partitions, and WAL segments older than name's starting segment.
func (p *Pruner) Before(ctx context.Context, name string) (*Plan, error) {
	cat, err := p.listCatalog(ctx)
	if err != nil {
		return nil, err
	}

	sentinelKey, ok := cat.sentinelKeyByName[name]
	if !ok {
		return nil, pgerror.Precondition("prune.Before", fmt.Errorf("no completed backup named %q", name))
	}
	walCutoff, err := p.readSentinelStart(ctx, sentinelKey)
	if err != nil {
		return nil, err
	}

	plan := &Plan{}
	for backupName, key := range cat.sentinelKeyByName {
		if layout.LessBackupName(backupName, name) {
			plan.Sentinels = append(plan.Sentinels, key)
			plan.Partitions = append(plan.Partitions, cat.partitionsByName[backupName]...)
		}
	}
	sort.Strings(plan.Sentinels)
	sort.Strings(plan.Partitions)

	for i, walName := range cat.walNames {
		if walName < walCutoff {
			plan.WAL = append(plan.WAL, cat.walKeys[i])
		}
	}
	sort.Strings(plan.WAL)

	return plan, nil
}

// Retain plans the `retain N` subcommand: keep the N newest backups, with
// the oldest of them (the N-th newest) as the pivot for Before. With N == 0
// every backup is retired, along with WAL older than the newest backup's
// starting segment.
func (p *Pruner) Retain(ctx context.Context, n int) (*Plan, error) {
	cat, err := p.listCatalog(ctx)
	if err != nil {
		return nil, err
	}
	names := cat.sortedBackupNamesDescending()
	if n < 0 {
		n = 0
	}
	if n >= len(names) {
		return &Plan{}, nil // fewer backups than N: nothing to retire
	}
	if n > 0 {
		return p.Before(ctx, names[n-1])
	}
	plan, err := p.Before(ctx, names[0])
	if err != nil {
		return nil, err
	}
	plan.Sentinels = append(plan.Sentinels, cat.sentinelKeyByName[names[0]])
	plan.Partitions = append(plan.Partitions, cat.partitionsByName[names[0]]...)
	sort.Strings(plan.Sentinels)
	sort.Strings(plan.Partitions)
	return plan, nil
}

var (
	oldSentinelPattern  = regexp.MustCompile(`/basebackups_(\d{3})/[^/]+_backup_stop_sentinel\.json$`)
	oldPartitionPattern = regexp.MustCompile(`/basebackups_(\d{3})/.+/tar_partitions/part_\d{8}\.tar\.lzo$`)
	oldWALPattern       = regexp.MustCompile(`/wal_(\d{3})/[0-9A-Fa-f]{24}\.lzo$`)
)

// OldVersions plans the `old-versions` subcommand: every key under the
// Prefix Context whose storage-version tag differs from layout.StorageVersion.
func (p *Pruner) OldVersions(ctx context.Context) (*Plan, error) {
	plan := &Plan{}
	err := p.Store.Bucket.List(ctx, p.Store.KeyPrefix, func(obj blob.ObjectInfo) error {
		key := "/" + obj.Key
		if m := oldSentinelPattern.FindStringSubmatch(key); m != nil && m[1] != layout.StorageVersion {
			plan.Sentinels = append(plan.Sentinels, obj.Key)
			return nil
		}
		if m := oldPartitionPattern.FindStringSubmatch(key); m != nil && m[1] != layout.StorageVersion {
			plan.Partitions = append(plan.Partitions, obj.Key)
			return nil
		}
		if m := oldWALPattern.FindStringSubmatch(key); m != nil && m[1] != layout.StorageVersion {
			plan.WAL = append(plan.WAL, obj.Key)
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(plan.Sentinels)
	sort.Strings(plan.Partitions)
	sort.Strings(plan.WAL)
	return plan, nil
}

// Everything plans the `everything` subcommand: every sentinel, partition
// and WAL segment key under the Prefix Context, of any storage version. A
// key that matches none of those forms is not planned for deletion.
func (p *Pruner) Everything(ctx context.Context) (*Plan, error) {
	cat, err := p.listCatalog(ctx)
	if err != nil {
		return nil, err
	}
	old, err := p.OldVersions(ctx)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Sentinels:  old.Sentinels,
		Partitions: old.Partitions,
		WAL:        old.WAL,
	}
	for _, key := range cat.sentinelKeyByName {
		plan.Sentinels = append(plan.Sentinels, key)
	}
	for _, keys := range cat.partitionsByName {
		plan.Partitions = append(plan.Partitions, keys...)
	}
	plan.WAL = append(plan.WAL, cat.walKeys...)

	sort.Strings(plan.Sentinels)
	sort.Strings(plan.Partitions)
	sort.Strings(plan.WAL)
	return plan, nil
}

// Execute deletes every key in plan, sentinels first, then partitions,
// then WAL. Deleting an absent key is a no-op (spec.md §4.1), so repeated
// executions of the same plan are idempotent.
func (p *Pruner) Execute(ctx context.Context, plan *Plan) error {
	if len(plan.Sentinels) > 0 {
		if err := p.Store.Bucket.Delete(ctx, plan.Sentinels...); err != nil {
			return err
		}
	}
	if len(plan.Partitions) > 0 {
		if err := p.Store.Bucket.Delete(ctx, plan.Partitions...); err != nil {
			return err
		}
	}
	if len(plan.WAL) > 0 {
		if err := p.Store.Bucket.Delete(ctx, plan.WAL...); err != nil {
			return err
		}
	}
	return nil
}

