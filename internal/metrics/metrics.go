// Package metrics exposes the process's Prometheus counters/histograms:
// compile errors by kind, stats cache hit/miss, and query latency by
// operation, per the specification's AMBIENT STACK. Grounded on
// pkg/metrics/prom.go's promauto style, reshaped around this server's
// own metric names.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// CompileErrors counts errors surfaced by internal/compileerr,
	// labeled by Kind, incremented at the pkg/restapi error-writing
	// boundary.
	CompileErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgrest_compile_errors_total",
			Help: "Total number of request-compilation errors by kind",
		},
		[]string{"kind"},
	)

	// CacheHits and CacheMisses count internal/statscache.Cache.Get
	// outcomes, labeled by table.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgrest_stats_cache_hits_total",
			Help: "Total number of table stats cache hits",
		},
		[]string{"table"},
	)
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgrest_stats_cache_misses_total",
			Help: "Total number of table stats cache misses",
		},
		[]string{"table"},
	)

	// QueryDuration times the database round trip inside
	// pkg/restapi.Server.execute, labeled by operation (select, insert,
	// update, delete, sql).
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgrest_query_duration_seconds",
			Help:    "Duration of the database round trip by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

// ServerOpts configures the standalone metrics listener.
type ServerOpts struct {
	Addr              string
	Path              string // defaults to "/metrics"
	ShutdownTimeout   time.Duration
	ReadHeaderTimeout time.Duration
}

func defaultServerOpts() ServerOpts {
	return ServerOpts{
		Addr:              ":9100",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// StartServer starts a Prometheus metrics server with the given options.
// It shuts down gracefully when ctx is canceled; wg.Done is called once
// the listener has fully stopped.
func StartServer(ctx context.Context, wg *sync.WaitGroup, log *zap.Logger, opts *ServerOpts) {
	effective := defaultServerOpts()
	if opts != nil {
		if opts.Addr != "" {
			effective.Addr = opts.Addr
		}
		if opts.Path != "" {
			effective.Path = opts.Path
		}
		if opts.ShutdownTimeout != 0 {
			effective.ShutdownTimeout = opts.ShutdownTimeout
		}
		if opts.ReadHeaderTimeout != 0 {
			effective.ReadHeaderTimeout = opts.ReadHeaderTimeout
		}
	}
	if log == nil {
		log = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle(effective.Path, promhttp.Handler())
	server := &http.Server{
		Addr:              effective.Addr,
		Handler:           mux,
		ReadHeaderTimeout: effective.ReadHeaderTimeout,
	}

	serverClosed := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("starting metrics server", zap.String("addr", effective.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", zap.Error(err))
		}
		close(serverClosed)
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), effective.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("error shutting down metrics server", zap.Error(err))
		}

		select {
		case <-serverClosed:
			log.Info("metrics server shutdown complete")
		case <-shutdownCtx.Done():
			log.Warn("metrics server shutdown timed out")
		}
	}()
}
