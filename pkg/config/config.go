// Package config loads pgrest's process configuration from a YAML file
// and environment variables, layered on top of a set of built-in
// defaults, via viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Config holds application-wide configuration for the pgrest server.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ServerConfig maps directly onto restapi.Config; kept as a separate
// type here so pkg/config carries no import-time dependency on
// pkg/restapi.
type ServerConfig struct {
	DBURL                       string `mapstructure:"dbURL"`
	ListenAddr                  string `mapstructure:"listenAddr"`
	ScopeName                   string `mapstructure:"scopeName"`
	IsCacheTableStats           bool   `mapstructure:"cacheTableStats"`
	IsCacheResetEndpointEnabled bool   `mapstructure:"cacheResetEndpointEnabled"`
	CacheResetIntervalSeconds   int    `mapstructure:"cacheResetIntervalSeconds"`
}

// MetricsConfig controls the optional Prometheus metrics listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"listenAddr"`
}

// DefaultConfig returns the configuration a bare `pgrest serve` starts
// from before a config file or environment variables are layered on.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:                ":8080",
			ScopeName:                 "/api",
			IsCacheTableStats:         true,
			CacheResetIntervalSeconds: int(10 * time.Minute / time.Second),
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9100",
		},
	}
}

// Load reads config from file, then environment (PGREST_ prefix), on
// top of DefaultConfig.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("pgrest")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("PGREST")

	cfg := DefaultConfig()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		fmt.Println("Using config file:", v.ConfigFileUsed())
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	return &cfg, nil
}
