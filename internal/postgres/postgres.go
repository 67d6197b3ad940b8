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

// Package postgres is the control-interface connection to the cluster being
// backed up: it calls pg_backup_start/pg_backup_stop around a base backup
// and looks up the live data directory. It never touches WAL or base-backup
// bytes itself -- that is the Tar Partitioner and Blob Layer's job.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/cloudnative-pg/pgarchive/internal/pgerror"
)

// ConnectionPool lazily creates and remembers one connection per name,
// mirroring the teacher's pool.ConnectionPool (NewConnectionPool /
// Connection / ShutdownConnections), adapted from database/sql+lib/pq to a
// direct pgx/v5 connection since every use here is one short-lived control
// call rather than a pooled query workload.
type ConnectionPool struct {
	dsn string

	mu            sync.Mutex
	connectionMap map[string]*pgx.Conn
}

// NewConnectionPool creates an empty pool addressing dsn.
func NewConnectionPool(dsn string) *ConnectionPool {
	return &ConnectionPool{
		dsn:           dsn,
		connectionMap: make(map[string]*pgx.Conn),
	}
}

func (p *ConnectionPool) newConnection(ctx context.Context, _ string) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, p.dsn)
	if err != nil {
		return nil, classifyConnError(err)
	}
	return conn, nil
}

// Connection returns the named connection, creating it on first use.
func (p *ConnectionPool) Connection(ctx context.Context, name string) (*pgx.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.connectionMap[name]; ok {
		return conn, nil
	}

	conn, err := p.newConnection(ctx, name)
	if err != nil {
		return nil, err
	}
	p.connectionMap[name] = conn
	return conn, nil
}

// ShutdownConnections closes and forgets every connection in the pool.
func (p *ConnectionPool) ShutdownConnections(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for name, conn := range p.connectionMap {
		_ = conn.Close(ctx)
		delete(p.connectionMap, name)
	}
}

// BackupStartResult is what backup_start commits the Backup Engine to.
type BackupStartResult struct {
	StartLSN     string
	StartSegment string
}

// BackupStopResult is what backup_stop hands back once the base backup's
// uploads have all completed.
type BackupStopResult struct {
	StopLSN           string
	StopSegment       string
	LabelFile         []byte
	TablespaceMapFile []byte
}

// Controller is the control-interface connection used by the Backup Engine.
type Controller struct {
	pool *ConnectionPool
}

// NewController wraps an existing connection pool as a Controller.
func NewController(pool *ConnectionPool) *Controller {
	return &Controller{pool: pool}
}

// BackupStart calls pg_backup_start(label, fast=true) and resolves the
// starting WAL segment name for the backup, from which the Backup Engine
// derives BACKUP_NAME.
func (c *Controller) BackupStart(ctx context.Context, label string) (*BackupStartResult, error) {
	conn, err := c.pool.Connection(ctx, "control")
	if err != nil {
		return nil, err
	}

	var startLSN string
	if err := conn.QueryRow(ctx, "SELECT pg_backup_start($1, true)", label).Scan(&startLSN); err != nil {
		return nil, classifyControlError("postgres.BackupStart", err)
	}

	var segment string
	if err := conn.QueryRow(ctx, "SELECT pg_walfile_name($1)", startLSN).Scan(&segment); err != nil {
		return nil, classifyControlError("postgres.BackupStart", err)
	}

	return &BackupStartResult{StartLSN: startLSN, StartSegment: segment}, nil
}

// BackupStop calls pg_backup_stop(wait_for_archive=true), capturing the
// finishing LSN and the backup_label/tablespace_map contents, which the
// Backup Engine uploads as a final tar partition.
func (c *Controller) BackupStop(ctx context.Context) (*BackupStopResult, error) {
	conn, err := c.pool.Connection(ctx, "control")
	if err != nil {
		return nil, err
	}

	var stopLSN, labelFile, spcMapFile string
	err = conn.QueryRow(ctx, "SELECT lsn, labelfile, spcmapfile FROM pg_backup_stop(true)").
		Scan(&stopLSN, &labelFile, &spcMapFile)
	if err != nil {
		return nil, classifyControlError("postgres.BackupStop", err)
	}

	var segment string
	if err := conn.QueryRow(ctx, "SELECT pg_walfile_name($1)", stopLSN).Scan(&segment); err != nil {
		return nil, classifyControlError("postgres.BackupStop", err)
	}

	return &BackupStopResult{
		StopLSN:           stopLSN,
		StopSegment:       segment,
		LabelFile:         []byte(labelFile),
		TablespaceMapFile: []byte(spcMapFile),
	}, nil
}

// DataDirectory returns the live cluster's data_directory setting.
func (c *Controller) DataDirectory(ctx context.Context) (string, error) {
	conn, err := c.pool.Connection(ctx, "control")
	if err != nil {
		return "", err
	}

	var dir string
	if err := conn.QueryRow(ctx, "SHOW data_directory").Scan(&dir); err != nil {
		return "", classifyControlError("postgres.DataDirectory", err)
	}
	return dir, nil
}

func classifyConnError(err error) error {
	return pgerror.Transient("postgres.Connect", err)
}

// classifyControlError distinguishes "another backup is already running"
// (Precondition, per spec.md §5's mutual-exclusion note) from every other
// control-call failure, which is treated as Fatal: these calls run at most
// once per invocation and nothing above this package retries them.
func classifyControlError(op string, err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "already in progress") ||
		strings.Contains(err.Error(), "a backup is already in progress") {
		return pgerror.Precondition(op, err)
	}
	return pgerror.Fatal(op, fmt.Errorf("control call failed: %w", err))
}
