// Package restapi is the Request Adapter: the only layer in this module
// that knows about HTTP. It parses query-string parameters
// (internal/queryparams), drives the Catalog Client, Stats Cache, FK
// Resolver, and Statement Builder in sequence, decodes the result with
// internal/rowdecode, and shapes the JSON envelope spec §6 defines.
//
// Grounded on pkg/rest/server.go's Server/NewServer/registerHandlers,
// rebuilt on top of the teacher's own pkg/httputil.Router instead of a
// bare *http.ServeMux, and on pkg/pgx.PoolManager instead of a direct
// pgxpool.New call so a single named pool is available for future
// multi-database configurations without changing this package.
package restapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kaibyao/pgrest/internal/catalog"
	"github.com/kaibyao/pgrest/internal/fkresolve"
	"github.com/kaibyao/pgrest/internal/statscache"
	"github.com/kaibyao/pgrest/pkg/httputil"
	"github.com/kaibyao/pgrest/pkg/httputil/middleware"
	pg "github.com/kaibyao/pgrest/pkg/pgx"
)

// Config is the Go mapping of spec §6's configuration keys.
type Config struct {
	DBURL                       string
	ScopeName                   string // default "/api"
	IsCacheTableStats           bool
	IsCacheResetEndpointEnabled bool
	CacheResetIntervalSeconds   int
	ListenAddr                  string
}

func (c Config) scopeName() string {
	if c.ScopeName == "" {
		return "/api"
	}
	return c.ScopeName
}

// statsCache is the subset of internal/statscache.Cache the adapter needs.
// Keeping it as an interface lets tests substitute a map-backed fake and
// never open a database connection.
type statsCache interface {
	fkresolve.StatsFetcher
	Reset()
	Close()
}

// Server holds everything a request handler needs: the active connection
// pool, the Stats Cache, and the router the handlers are registered on.
type Server struct {
	pool   pg.Conn
	pools  *pg.PoolManager
	stats  statsCache
	router *httputil.Router
	cfg    Config
	log    *zap.Logger
}

// NewServer builds a Server, opens its connection pool through a
// pkg/pgx.PoolManager (named "default"), and registers every route spec
// §6 lists under cfg.ScopeName.
func NewServer(ctx context.Context, cfg Config, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}

	pools := pg.NewPoolManager()
	if err := pools.Add(ctx, pg.Pool{Name: "default", ConnString: cfg.DBURL}, true); err != nil {
		return nil, fmt.Errorf("restapi: opening connection pool: %w", err)
	}
	pool, err := pools.Active()
	if err != nil {
		return nil, fmt.Errorf("restapi: %w", err)
	}

	cache := statscache.New(pool, statscache.WithDisabled(!cfg.IsCacheTableStats), statscache.WithLogger(log))
	if cfg.IsCacheTableStats && cfg.CacheResetIntervalSeconds > 0 {
		cache.StartRefresh(ctx, time.Duration(cfg.CacheResetIntervalSeconds)*time.Second)
	}

	s := &Server{
		pool:   pool,
		pools:  pools,
		stats:  cache,
		router: httputil.NewRouter(),
		cfg:    cfg,
		log:    log,
	}
	s.router.Use(middleware.RequestID, middleware.CORSWithOptions(nil),
		middleware.LoggerWithOptions(&middleware.LoggerOptions{Logger: log}))
	s.registerHandlers()
	return s, nil
}

// ListenAndServe starts the HTTP server on cfg.ListenAddr.
func (s *Server) ListenAndServe() error {
	return s.router.ListenAndServe(s.cfg.ListenAddr)
}

// Shutdown gracefully stops the HTTP server, the background stats
// refresh loop, and the connection pool, in that order.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.router.Shutdown(ctx)
	s.stats.Close()
	s.pools.Close()
	return err
}

// fetchStats converts a catalog.ErrNotFound miss into the same
// compileerr.UnknownTable the FK Resolver itself produces. Every table
// handler calls it; for INSERT and SELECT's no-columns introspection
// branch it is the only table lookup, since they skip fkresolve.Resolve.
func (s *Server) fetchStats(ctx context.Context, table string) (*catalog.TableStats, error) {
	stats, err := s.stats.Get(ctx, table)
	if err != nil {
		if err == catalog.ErrNotFound {
			return nil, unknownTableErr(table)
		}
		return nil, wrapDBError(err)
	}
	return stats, nil
}

var _ http.Handler = (*Server)(nil)

// ServeHTTP lets a Server be used directly as an http.Handler, e.g. in
// tests with httptest.NewServer, without going through ListenAndServe.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
