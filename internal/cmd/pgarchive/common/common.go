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

// Package common wires the environment and logging bootstrap every
// pgarchive subcommand shares, mirroring the teacher's pattern of a small
// shared setup helper invoked from each cmd.NewCmd's RunE rather than a
// framework-level PersistentPreRun, since flags like --metrics-listen-addr
// are per-subcommand, not global.
package common

import (
	"context"

	"github.com/cloudnative-pg/pgarchive/internal/blob"
	"github.com/cloudnative-pg/pgarchive/internal/config"
	"github.com/cloudnative-pg/pgarchive/internal/log"
	"github.com/cloudnative-pg/pgarchive/internal/metrics"
)

// Context is the resolved environment one subcommand invocation acts on.
type Context struct {
	Config *config.Config
	Store  *blob.Store
}

// Load resolves the Prefix Context from the environment, configures the
// root logger, and constructs the Blob Layer's Store.
func Load(ctx context.Context) (*Context, error) {
	cfg, err := config.FromEnvironment()
	if err != nil {
		return nil, err
	}

	if err := log.Configure(log.Options{
		Destination:    destinationOf(cfg.LogDestination),
		SyslogFacility: cfg.SyslogFacility,
	}); err != nil {
		return nil, err
	}

	store, err := blob.NewStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &Context{Config: cfg, Store: store}, nil
}

func destinationOf(v string) log.Destination {
	switch v {
	case "syslog":
		return log.DestinationSyslog
	case "both":
		return log.DestinationBoth
	default:
		return log.DestinationStderr
	}
}

// StartMetrics serves m on addr for the lifetime of the returned stop
// function, satisfying --metrics-listen-addr. addr == "" disables the
// endpoint and Serve returns immediately once stop is called.
func StartMetrics(ctx context.Context, addr string) (m *metrics.Metrics, stop func()) {
	m = metrics.New()
	mctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := m.Serve(mctx, addr); err != nil {
			log.Warning("metrics endpoint exited with error", "error", err)
		}
	}()
	return m, func() {
		cancel()
		<-done
	}
}
