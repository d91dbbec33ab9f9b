package config

import (
	"fmt"
	"time"
)

const (
	PresetDefault     = "default"
	PresetDevelopment = "development"
	PresetProduction  = "production"
)

// Development favours fast feedback: debug logging, quick sync, no caching.
func Development() Config {
	cfg := Default()
	cfg.Log.Debug = true
	cfg.Log.Level = "DEBUG"
	cfg.Sync.Interval = Duration(500 * time.Millisecond)
	cfg.Sync.Debounce = Duration(200 * time.Millisecond)
	cfg.Cache.Enabled = false
	cfg.Security.PublishRate = 0
	return cfg
}

// Production restricts CORS to localhost and slows sync down.
func Production() Config {
	cfg := Default()
	cfg.Log.Debug = false
	cfg.Log.Level = "WARNING"
	cfg.CORS.Origins = []string{"http://localhost:*"}
	cfg.Sync.Interval = Duration(2 * time.Second)
	cfg.Sync.Debounce = Duration(time.Second)
	cfg.Cache.Enabled = true
	return cfg
}

// Preset returns the named preset.
func Preset(name string) (Config, error) {
	switch name {
	case "", PresetDefault:
		return Default(), nil
	case PresetDevelopment:
		return Development(), nil
	case PresetProduction:
		return Production(), nil
	default:
		return Config{}, fmt.Errorf("unknown preset %q (want %s, %s or %s)", name, PresetDefault, PresetDevelopment, PresetProduction)
	}
}
