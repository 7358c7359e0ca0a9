package main

import (
	"os"
	"strconv"
	"time"

	"github.com/hosetrack/hosetrack/hose"
	"github.com/hosetrack/hosetrack/internal/logging"
)

// configFromEnv builds a hose.Config from HOSETRACK_* environment
// variables, falling back to hose.DefaultConfig for anything unset.
func configFromEnv(dataDir string) hose.Config {
	cfg := hose.DefaultConfig()
	cfg.Logger = logging.NewDefaultLogger(logging.LevelInfo)

	if dataDir != "" {
		cfg.DataDir = dataDir
	} else if v := os.Getenv("HOSETRACK_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("HOSETRACK_TRACKING_SINCE_NSID"); v != "" {
		cfg.TrackingSinceNsid = v
	}
	if v, ok := envInt("HOSETRACK_MIN_BLOCK_SIZE"); ok {
		cfg.MinBlockSize = v
	}
	if v, ok := envInt("HOSETRACK_MAX_BLOCK_SIZE"); ok {
		cfg.MaxBlockSize = v
	}
	if v, ok := envInt("HOSETRACK_MAX_LAST_ACTIVITY_SECONDS"); ok {
		cfg.MaxLastActivity = time.Duration(v) * time.Second
	}
	return cfg
}

func envInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// portFromEnv returns PORT, defaulting to 3713.
func portFromEnv() string {
	if v := os.Getenv("PORT"); v != "" {
		return v
	}
	return "3713"
}
