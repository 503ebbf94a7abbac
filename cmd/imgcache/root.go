package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/lucasew/imgcache/internal/errutil"
)

var rootCmd = &cobra.Command{
	Use:   "imgcache",
	Short: "A progressive image cache",
	Long: `imgcache caches images by priority, adapts loading to network and
battery conditions and keeps critical images available offline.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(viper.GetString("log-level"))
	},
	SilenceUsage: true,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if _, printErr := fmt.Fprintln(os.Stderr, err); printErr != nil {
			errutil.ReportError(printErr, "Failed to print error to stderr")
		}
		stop()
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (yaml, json or toml)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("cache-dir", "./cache", "Directory to store the image database")
	flags.String("driver", "sqlite", "Store driver (sqlite, memory)")
	flags.Int64("max-cache-size", 50*1024*1024, "Max cache size in bytes")
	flags.Duration("ttl", 7*24*time.Hour, "Default time to live of cached images")
	flags.Int64("min-free-space", 0, "Min free disk space in bytes")
	flags.Duration("max-age", 0, "Evict images older than this on cleanup, 0 disables")
	flags.Duration("cleanup-interval", time.Hour, "Interval between automatic cleanups")
	flags.String("eviction-strategy", "lru", "Eviction strategy to use (lru, fifo)")
	flags.StringSlice("upstream", []string{}, "Upstream image servers")
	flags.Int64("max-image-size", 0, "Reject images larger than this many bytes, 0 disables")
	flags.Int("max-retries", 3, "Retries per image")
	flags.Duration("retry-delay", time.Second, "Initial retry delay")
	flags.Duration("max-retry-delay", 30*time.Second, "Max retry delay")
	flags.Int("max-concurrent", 3, "Images fetched in parallel by the preloader")
	flags.Duration("queue-aging", 0, "Promote queued images waiting longer than this, 0 disables")
	flags.Float64("rate-limit", 0, "Fetches per second, 0 disables limiting")
	flags.Int64("max-data-usage", 100*1024*1024, "Data budget in bytes before the optimizer backs off")
	flags.Bool("cdn-hints", false, "Add width and quality hints to image URLs")
	flags.Bool("offline", true, "Keep critical images available offline")
	flags.Int64("offline-max-size", 20*1024*1024, "Size budget of the offline set in bytes")
	flags.Int("perf-threshold", 80, "Performance score below which the optimizer is tuned")
	flags.Float64("poor-network-threshold", 2, "Downlink in Mbps below which the network counts as poor")
	flags.Float64("low-battery-threshold", 0.2, "Battery level below which preloading backs off")
	flags.String("registry", "", "Image catalog file, the embedded catalog when empty")
	flags.String("base-url", "", "Base URL to resolve relative catalog URLs against")
	flags.String("placeholder", "", "Placeholder image file, the embedded svg when empty")

	flags.VisitAll(func(f *pflag.Flag) {
		mustBindPFlag(f.Name, f)
	})
}

func initConfig() {
	viper.SetEnvPrefix("IMGCACHE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if file := viper.GetString("config"); file != "" {
		viper.SetConfigFile(file)
		if err := viper.ReadInConfig(); err != nil {
			errutil.ReportError(err, "Failed to read config file", "path", file)
			os.Exit(1)
		}
		slog.Info("Using config file", "path", viper.ConfigFileUsed())
	}
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q: %v", key, err))
	}
}

func setupLogging(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	return nil
}
