// Package statscache memoizes internal/catalog lookups behind a single
// shared map keyed by table name. It is the "Stats Cache" of the
// specification: concurrent misses for the same table coalesce into one
// catalog fetch via golang.org/x/sync/singleflight, reads never block on
// a background refresh, and a failed refresh keeps the stale entry and
// logs rather than poisoning the cache.
//
// Grounded on the reload/Watch lifecycle of pkg/pgx/schema.Cache, reshaped
// around per-table entries (rather than a single schema-wide reload) and
// single-flight coalescing rather than lock-per-get.
package statscache

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kaibyao/pgrest/internal/catalog"
	"github.com/kaibyao/pgrest/internal/metrics"
	pg "github.com/kaibyao/pgrest/pkg/pgx"
)

// entry is a Stats Cache Entry: the cached stats plus when they were
// loaded, so StartRefresh can tell whether an entry is stale.
type entry struct {
	stats    *catalog.TableStats
	loadedAt time.Time
}

// Cache is the process-wide mutable structure the specification calls the
// single shared map. The zero value is not usable; construct with New.
type Cache struct {
	conn     pg.Conn
	log      *zap.Logger
	disabled bool

	mu      sync.RWMutex
	entries map[string]entry

	group singleflight.Group

	cancel context.CancelFunc
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithDisabled turns off memoization: Get always delegates straight to
// internal/catalog, matching the specification's "disabled mode".
func WithDisabled(disabled bool) Option {
	return func(c *Cache) { c.disabled = disabled }
}

// WithLogger overrides the zap logger used for background refresh errors.
func WithLogger(log *zap.Logger) Option {
	return func(c *Cache) { c.log = log }
}

// New builds a Cache backed by conn (typically a *pgxpool.Pool).
func New(conn pg.Conn, opts ...Option) *Cache {
	c := &Cache{
		conn:    conn,
		log:     zap.NewNop(),
		entries: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the Table Stats for table, populating the cache from
// internal/catalog on a miss. Concurrent Get calls for the same table
// observe exactly one catalog fetch.
func (c *Cache) Get(ctx context.Context, table string) (*catalog.TableStats, error) {
	if c.disabled {
		return catalog.FetchTableStats(ctx, c.conn, table)
	}

	c.mu.RLock()
	e, ok := c.entries[table]
	c.mu.RUnlock()
	if ok {
		metrics.CacheHits.WithLabelValues(table).Inc()
		return e.stats, nil
	}
	metrics.CacheMisses.WithLabelValues(table).Inc()

	v, err, _ := c.group.Do(table, func() (any, error) {
		stats, err := catalog.FetchTableStats(ctx, c.conn, table)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[table] = entry{stats: stats, loadedAt: time.Now()}
		c.mu.Unlock()
		return stats, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*catalog.TableStats), nil
}

// Reset drops every cached entry. The next Get for any table refetches.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

// StartRefresh launches a background goroutine that, every interval, walks
// the known keys and replaces entries older than interval. It stops when
// ctx is canceled or Close is called. Fetch errors are retried with bounded
// backoff; on exhaustion the stale entry is kept and the error is logged,
// never surfaced to a concurrent Get.
func (c *Cache) StartRefresh(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.refreshStale(ctx, interval)
			}
		}
	}()
}

// Close stops any running background refresh. It does not close the
// underlying connection/pool, which the caller owns.
func (c *Cache) Close() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Cache) refreshStale(ctx context.Context, maxAge time.Duration) {
	c.mu.RLock()
	stale := make([]string, 0, len(c.entries))
	now := time.Now()
	for table, e := range c.entries {
		if now.Sub(e.loadedAt) >= maxAge {
			stale = append(stale, table)
		}
	}
	c.mu.RUnlock()

	for _, table := range stale {
		c.refreshOne(ctx, table)
	}
}

func (c *Cache) refreshOne(ctx context.Context, table string) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second

	var stats *catalog.TableStats
	operation := func() error {
		s, err := catalog.FetchTableStats(ctx, c.conn, table)
		if err != nil {
			return err
		}
		stats = s
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		c.log.Warn("stats cache: background refresh failed, keeping stale entry",
			zap.String("table", table), zap.Error(err))
		return
	}

	c.mu.Lock()
	c.entries[table] = entry{stats: stats, loadedAt: time.Now()}
	c.mu.Unlock()
}
