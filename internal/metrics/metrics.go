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

// Package metrics is the ambient, optional Prometheus endpoint a
// pgarchive invocation can serve for the duration of one backup-push,
// backup-fetch, wal-push or wal-fetch call, controlled by
// --metrics-listen-addr. It is off by default and never gates any
// operation on whether a scraper is attached.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cloudnative-pg/pgarchive/internal/log"
)

// Metrics is the set of counters this invocation exposes.
type Metrics struct {
	BytesUploaded     prometheus.Counter
	BytesDownloaded   prometheus.Counter
	PartitionsWritten prometheus.Counter
	RetryCount        prometheus.Counter

	registry *prometheus.Registry
}

// New builds a fresh Metrics registered against their own registry, so a
// repeated invocation within the same process (e.g. tests) never collides
// with prometheus's default global registry.
func New() *Metrics {
	m := &Metrics{
		BytesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgarchive_bytes_uploaded_total",
			Help: "Total bytes uploaded to the blob store by this invocation.",
		}),
		BytesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgarchive_bytes_downloaded_total",
			Help: "Total bytes downloaded from the blob store by this invocation.",
		}),
		PartitionsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgarchive_partitions_written_total",
			Help: "Total tar partitions uploaded by this invocation.",
		}),
		RetryCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgarchive_blob_retries_total",
			Help: "Total Transient-error retries issued by the Blob Layer.",
		}),
	}
	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(m.BytesUploaded, m.BytesDownloaded, m.PartitionsWritten, m.RetryCount)
	return m
}

// Serve starts an HTTP server exposing m on addr and blocks until ctx is
// cancelled, at which point it shuts the server down. An empty addr
// disables the endpoint entirely, matching --metrics-listen-addr's
// off-by-default behavior.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	if addr == "" {
		<-ctx.Done()
		return nil
	}
	logger := log.FromContext(ctx).WithName("metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	<-ctx.Done()
	_ = server.Close()
	return <-errCh
}
