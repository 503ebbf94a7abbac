package main

import (
	"context"
	"fmt"

	"github.com/spf13/viper"

	"github.com/lucasew/imgcache"
	"github.com/lucasew/imgcache/internal/app"
	"github.com/lucasew/imgcache/internal/proxy"
)

// loadConfig maps the bound flags, environment and config file onto the
// application config.
func loadConfig() app.Config {
	cfg := app.DefaultConfig()
	cfg.CacheDir = viper.GetString("cache-dir")
	cfg.Driver = viper.GetString("driver")
	cfg.MaxCacheSize = viper.GetInt64("max-cache-size")
	cfg.DefaultTTL = viper.GetDuration("ttl")
	cfg.MinFreeSpace = viper.GetInt64("min-free-space")
	cfg.MaxAge = viper.GetDuration("max-age")
	cfg.CleanupInterval = viper.GetDuration("cleanup-interval")
	cfg.EvictionStrategy = viper.GetString("eviction-strategy")
	cfg.Upstreams = viper.GetStringSlice("upstream")
	cfg.MaxImageSize = viper.GetInt64("max-image-size")

	cfg.MaxRetries = viper.GetInt("max-retries")
	cfg.RetryDelay = viper.GetDuration("retry-delay")
	cfg.MaxRetryDelay = viper.GetDuration("max-retry-delay")
	cfg.MaxConcurrent = viper.GetInt("max-concurrent")
	cfg.QueueAging = viper.GetDuration("queue-aging")
	cfg.RateLimit = viper.GetFloat64("rate-limit")

	cfg.MaxDataUsage = viper.GetInt64("max-data-usage")
	cfg.CDNHints = viper.GetBool("cdn-hints")
	cfg.OfflineEnabled = viper.GetBool("offline")
	cfg.OfflineMaxSize = viper.GetInt64("offline-max-size")
	cfg.PerfThreshold = viper.GetInt("perf-threshold")
	cfg.PoorNetworkThreshold = viper.GetFloat64("poor-network-threshold")
	cfg.LowBatteryThreshold = viper.GetFloat64("low-battery-threshold")

	cfg.RegistryFile = viper.GetString("registry")
	cfg.BaseURL = viper.GetString("base-url")
	cfg.PlaceholderPath = viper.GetString("placeholder")
	return cfg
}

// loadServerConfig adds the options only the long running servers use.
func loadServerConfig(portKey string) app.Config {
	cfg := loadConfig()
	cfg.Port = viper.GetInt(portKey)
	cfg.PreloadOnStart = viper.GetBool("preload-on-start")
	cfg.ProbeURL = viper.GetString("probe-url")
	cfg.ProbeInterval = viper.GetDuration("probe-interval")
	cfg.CA = proxy.CA{
		CertPath:    viper.GetString("ca-cert"),
		KeyPath:     viper.GetString("ca-key"),
		CertContent: viper.GetString("ca-cert-content"),
		KeyContent:  viper.GetString("ca-key-content"),
	}
	return cfg
}

func openCache(ctx context.Context) (*imgcache.Cache, error) {
	c, err := imgcache.Open(ctx, loadConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	return c, nil
}
