package main

import (
	"testing"

	"github.com/lucasew/imgcache/internal/app"
)

func TestLoadConfigOptimizerThresholds(t *testing.T) {
	flags := rootCmd.PersistentFlags()
	set := func(name, value string) {
		t.Helper()
		old := flags.Lookup(name).Value.String()
		if err := flags.Set(name, value); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = flags.Set(name, old) })
	}

	t.Run("defaults", func(t *testing.T) {
		cfg := loadConfig()
		def := app.DefaultConfig()
		if cfg.PoorNetworkThreshold != def.PoorNetworkThreshold || cfg.LowBatteryThreshold != def.LowBatteryThreshold {
			t.Errorf("thresholds %v/%v differ from defaults %v/%v",
				cfg.PoorNetworkThreshold, cfg.LowBatteryThreshold, def.PoorNetworkThreshold, def.LowBatteryThreshold)
		}
	})

	t.Run("flags", func(t *testing.T) {
		set("poor-network-threshold", "1.5")
		set("low-battery-threshold", "0.35")
		cfg := loadConfig()
		if cfg.PoorNetworkThreshold != 1.5 {
			t.Errorf("expected poor network threshold 1.5, got %v", cfg.PoorNetworkThreshold)
		}
		if cfg.LowBatteryThreshold != 0.35 {
			t.Errorf("expected low battery threshold 0.35, got %v", cfg.LowBatteryThreshold)
		}
	})
}
