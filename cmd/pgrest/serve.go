package main

import (
	"cmp"
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/kaibyao/pgrest/pkg/restapi"
	"github.com/kaibyao/pgrest/pkg/util"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long:  `Starts the HTTP server that exposes the configured database as a schema-less REST API.`,
	Run:   runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringP("server.dbURL", "c", "", "PostgreSQL connection string")
	f.StringP("server.listenAddr", "l", "", "listen address")
	f.String("server.scopeName", "", "URL prefix every table route is mounted under")
	f.Bool("server.cacheTableStats", true, "cache catalog lookups (column types, foreign keys) per table")
	f.Bool("server.cacheResetEndpointEnabled", false, "expose POST {scope}/reset_table_stats_cache")
	f.Int("server.cacheResetIntervalSeconds", 0, "background cache refresh interval; 0 disables periodic refresh")

	viper.BindPFlags(f)
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	if cfg == nil {
		log.Fatal("configuration not loaded")
	}

	dbURL := cmp.Or(viper.GetString("server.dbURL"), cfg.Server.DBURL, util.GetEnvOrDefault("PGREST_DB_URL", ""))
	if dbURL == "" {
		log.Fatal("a PostgreSQL connection string is required (--server.dbURL, config file, or PGREST_DB_URL)")
	}
	cfg.Server.DBURL = dbURL

	if v := viper.GetString("server.listenAddr"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := viper.GetString("server.scopeName"); v != "" {
		cfg.Server.ScopeName = v
	}
	if cmd.Flags().Changed("server.cacheTableStats") {
		cfg.Server.IsCacheTableStats = viper.GetBool("server.cacheTableStats")
	}
	if cmd.Flags().Changed("server.cacheResetEndpointEnabled") {
		cfg.Server.IsCacheResetEndpointEnabled = viper.GetBool("server.cacheResetEndpointEnabled")
	}
	if cmd.Flags().Changed("server.cacheResetIntervalSeconds") {
		cfg.Server.CacheResetIntervalSeconds = viper.GetInt("server.cacheResetIntervalSeconds")
	}

	logger, err := newLogger(logLevel)
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := restapi.NewServer(ctx, restapi.Config{
		DBURL:                       cfg.Server.DBURL,
		ScopeName:                   cfg.Server.ScopeName,
		IsCacheTableStats:           cfg.Server.IsCacheTableStats,
		IsCacheResetEndpointEnabled: cfg.Server.IsCacheResetEndpointEnabled,
		CacheResetIntervalSeconds:   cfg.Server.CacheResetIntervalSeconds,
		ListenAddr:                  cfg.Server.ListenAddr,
	}, logger)
	if err != nil {
		logger.Fatal("creating server", zap.Error(err))
	}

	if cfg.Metrics.Enabled {
		startMetricsServer(ctx, logger, cfg.Metrics.Addr)
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()
	logger.Info("pgrest listening", zap.String("addr", cfg.Server.ListenAddr), zap.String("scope", cfg.Server.ScopeName))

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server shutdown error", zap.Error(err))
	}
	logger.Info("server gracefully stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "none" {
		return zap.NewNop(), nil
	}

	var cfg zap.Config
	if level == "debug" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}
