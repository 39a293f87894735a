package main

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/kaibyao/pgrest/internal/metrics"
)

// startMetricsServer starts the Prometheus listener in the background.
// It does not block startup and is not waited on at shutdown beyond the
// grace period internal/metrics.StartServer already applies on ctx
// cancellation.
func startMetricsServer(ctx context.Context, log *zap.Logger, addr string) {
	var wg sync.WaitGroup
	metrics.StartServer(ctx, &wg, log, &metrics.ServerOpts{Addr: addr})
}
