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

package backup

// Sentinel is the backup manifest written last, atomically publishing a
// backup (spec.md §3). Its existence is the sole completeness marker.
type Sentinel struct {
	WALSegmentBackupStart       string                 `json:"wal_segment_backup_start"`
	WALSegmentOffsetBackupStart uint64                 `json:"wal_segment_offset_backup_start"`
	WALSegmentBackupStop        string                 `json:"wal_segment_backup_stop"`
	WALSegmentOffsetBackupStop  uint64                 `json:"wal_segment_offset_backup_stop"`
	ExpandedSizeBytes           int64                  `json:"expanded_size_bytes"`
	PartitionCount              int                    `json:"partition_count"`
	Tablespaces                 []TablespaceDescriptor `json:"tablespaces,omitempty"`
}

// TablespaceDescriptor is one entry of the sentinel's tablespace map.
type TablespaceDescriptor struct {
	OID      string `json:"oid"`
	Location string `json:"loc"`
	Link     string `json:"link"`
}

// TablespaceMode selects how a fetch handles the sentinel's tablespace map.
type TablespaceMode int

const (
	// TablespaceModeUserDirected requires every tablespace link the
	// sentinel describes to already exist under the cluster's tablespace
	// directory.
	TablespaceModeUserDirected TablespaceMode = iota
	// TablespaceModeBlind bypasses link verification; content is placed
	// directly under the cluster's tablespace directory.
	TablespaceModeBlind
	// TablespaceModeSpecDriven creates storage directories and symlinks
	// from an operator-supplied restore spec before extraction.
	TablespaceModeSpecDriven
)

// RestoreSpecEntry is one {loc, link} pair from an operator-supplied JSON
// restore spec, keyed by tablespace OID.
type RestoreSpecEntry struct {
	Location string `json:"loc"`
	Link     string `json:"link"`
}
