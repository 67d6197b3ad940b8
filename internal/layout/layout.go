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

// Package layout is the single source of truth for on-store key layout
// (spec.md §4.3). Every function here is pure: given the same inputs, it
// always returns the same key, and parsing a generated key always
// recovers the inputs that produced it.
package layout

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// StorageVersion is the three-digit tag embedded in every key path. The
// archive layout changes only when this tag changes.
const StorageVersion = "005"

var walSegmentPattern = regexp.MustCompile(`^[0-9A-Fa-f]{24}$`)

// IsValidWALSegmentName reports whether name is a 24-hex-character WAL
// segment identifier.
func IsValidWALSegmentName(name string) bool {
	return walSegmentPattern.MatchString(name)
}

// BackupName renders the deterministic, totally-ordered name of a backup
// identified by the WAL segment and offset captured at backup_start.
func BackupName(segment string, offset uint64) string {
	return fmt.Sprintf("base_%s_%08d", segment, offset)
}

var backupNamePattern = regexp.MustCompile(`^base_([0-9A-Fa-f]{24})_(\d{8,})$`)

// ParseBackupName inverts BackupName. It returns an error if name is not a
// well-formed backup name, so that the Pruner never treats an unrelated key
// as a known backup.
func ParseBackupName(name string) (segment string, offset uint64, err error) {
	m := backupNamePattern.FindStringSubmatch(name)
	if m == nil {
		return "", 0, fmt.Errorf("%q is not a well-formed backup name", name)
	}
	offset, err = strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%q has an unparseable offset: %w", name, err)
	}
	return m[1], offset, nil
}

// LessBackupName reports whether a sorts strictly before b under the total
// order spec.md §3 defines: lexicographic on segment, then numeric on
// offset. Malformed names sort last so they never shadow real backups.
func LessBackupName(a, b string) bool {
	segA, offA, errA := ParseBackupName(a)
	segB, offB, errB := ParseBackupName(b)
	switch {
	case errA != nil && errB != nil:
		return a < b
	case errA != nil:
		return false
	case errB != nil:
		return true
	case segA != segB:
		return segA < segB
	default:
		return offA < offB
	}
}

// BasebackupsPrefix is the directory holding every base backup under a
// Prefix Context, versioned by StorageVersion.
func BasebackupsPrefix(prefix string) string {
	return joinKey(prefix, "basebackups_"+StorageVersion)
}

// BackupPartitionKey returns the key of the index'th tar partition
// (0-based) of the named backup.
func BackupPartitionKey(prefix, backupName string, index int) string {
	return fmt.Sprintf("%s/%s/tar_partitions/part_%08d.tar.lzo", BasebackupsPrefix(prefix), backupName, index)
}

var partitionKeyPattern = regexp.MustCompile(`/tar_partitions/part_(\d{8})\.tar\.lzo$`)

// ParseBackupPartitionKey inverts BackupPartitionKey, also recovering the
// backup name the partition belongs to.
func ParseBackupPartitionKey(prefix, key string) (backupName string, index int, err error) {
	base := BasebackupsPrefix(prefix) + "/"
	if !strings.HasPrefix(key, base) {
		return "", 0, fmt.Errorf("%q is not under %q", key, base)
	}
	rest := strings.TrimPrefix(key, base)
	m := partitionKeyPattern.FindStringSubmatch(key)
	if m == nil {
		return "", 0, fmt.Errorf("%q is not a well-formed partition key", key)
	}
	backupName = rest[:strings.Index(rest, "/tar_partitions/")]
	index64, err := strconv.ParseInt(m[1], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("%q has an unparseable partition index: %w", key, err)
	}
	return backupName, int(index64), nil
}

// BackupSentinelKey returns the key of a backup's completion sentinel.
func BackupSentinelKey(prefix, backupName string) string {
	return fmt.Sprintf("%s/%s_backup_stop_sentinel.json", BasebackupsPrefix(prefix), backupName)
}

var sentinelKeyPattern = regexp.MustCompile(`^(.+)_backup_stop_sentinel\.json$`)

// ParseBackupSentinelKey inverts BackupSentinelKey.
func ParseBackupSentinelKey(prefix, key string) (backupName string, err error) {
	base := BasebackupsPrefix(prefix) + "/"
	if !strings.HasPrefix(key, base) {
		return "", fmt.Errorf("%q is not under %q", key, base)
	}
	rest := strings.TrimPrefix(key, base)
	m := sentinelKeyPattern.FindStringSubmatch(rest)
	if m == nil {
		return "", fmt.Errorf("%q is not a well-formed sentinel key", key)
	}
	return m[1], nil
}

// WALPrefix is the directory holding every WAL segment object.
func WALPrefix(prefix string) string {
	return joinKey(prefix, "wal_"+StorageVersion)
}

// WALSegmentKey returns the key of a WAL segment object.
func WALSegmentKey(prefix, segmentName string) string {
	return fmt.Sprintf("%s/%s.lzo", WALPrefix(prefix), segmentName)
}

var walKeyPattern = regexp.MustCompile(`^([0-9A-Fa-f]{24})\.lzo$`)

// ParseWALSegmentKey inverts WALSegmentKey.
func ParseWALSegmentKey(prefix, key string) (segmentName string, err error) {
	base := WALPrefix(prefix) + "/"
	if !strings.HasPrefix(key, base) {
		return "", fmt.Errorf("%q is not under %q", key, base)
	}
	rest := strings.TrimPrefix(key, base)
	m := walKeyPattern.FindStringSubmatch(rest)
	if m == nil {
		return "", fmt.Errorf("%q is not a well-formed WAL segment key", key)
	}
	return m[1], nil
}

// joinKey joins a Prefix Context with a path component without introducing
// doubled slashes, regardless of whether prefix carries a trailing slash.
func joinKey(prefix, component string) string {
	p := strings.TrimRight(prefix, "/")
	if p == "" {
		return component
	}
	return p + "/" + component
}
