// Package config loads the engine-wide configuration options recognized
// by Connection.Open (§6), grounded on the teacher's own root go.mod
// dependency on gopkg.in/yaml.v3 and the YAML config loading its cmd/*
// tools perform.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds every option recognized by the storage engine (§6). Zero
// values are replaced by Default() where the spec specifies a default.
type Config struct {
	DataDir string `yaml:"data_dir"`
	PageSize uint32 `yaml:"page_size"`

	WalEnabled          bool    `yaml:"wal_enabled"`
	WalSyncIntervalMs   uint32  `yaml:"wal_sync_interval_ms"`
	CheckpointAfterUpdates *uint64 `yaml:"checkpoint_after_updates"`
	CacheCapacityPages  uint32  `yaml:"cache_capacity_pages"`
	PreallocatePages    uint32  `yaml:"preallocate_pages"`
	LockStatsEnabled    bool    `yaml:"lock_stats_enabled"`
}

// Default returns the engine defaults from §6: WAL on, 100ms sync
// interval, no scheduled checkpoint, 256-page cache, no preallocation,
// lock stats off.
func Default() Config {
	return Config{
		PageSize:           4096,
		WalEnabled:         true,
		WalSyncIntervalMs:  100,
		CacheCapacityPages: 256,
		PreallocatePages:   0,
		LockStatsEnabled:   false,
	}
}

// Load reads a YAML config file at path and overlays it onto Default().
func Load(path string) (Config, error) {
	cfg := Default()
	buf, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 4096
	}
	if cfg.CacheCapacityPages == 0 {
		cfg.CacheCapacityPages = 256
	}
	return cfg, nil
}
