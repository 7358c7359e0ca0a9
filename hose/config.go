// Package hose is the database coordinator: it owns the storage keyspace,
// the lazily-created per-nsid collection handles, the counts partition,
// and the background sync/compaction policy tying them together.
//
// Grounded on original_source/server/src/db/mod.rs's Db (handle map,
// counts partition, broadcast, ingest/sync/compact orchestration) and
// original_source/server/src/main.rs (sync/compaction loop cadence,
// CLI-only Info/debug fields).
package hose

import (
	"time"

	"github.com/hosetrack/hosetrack/internal/logging"
)

// Config configures a DB. Open fills in only a zero or negative
// SyncWorkers (2 × GOMAXPROCS) and a nil Logger (a WARN-level stderr
// logger); every other field is used as given, so callers start from
// DefaultConfig and override what they need.
type Config struct {
	// DataDir is the directory the keyspace lives in.
	DataDir string

	// TrackingSinceNsid names the collection TrackingSince probes for its
	// oldest block's start timestamp. Defaults to "app.bsky.feed.like",
	// matching the original hardcoded probe, but is configurable so
	// deployments without that nsid can point it elsewhere.
	TrackingSinceNsid string

	// MinBlockSize and MaxBlockSize bound the block size chosen by Sync's
	// flush heuristic.
	MinBlockSize int
	MaxBlockSize int

	// MaxLastActivity is the staleness threshold past which a collection
	// is flushed in full regardless of its suggested block size.
	MaxLastActivity time.Duration

	// SyncWorkers sizes the worker pool used to parallelize block encode
	// and insert during Sync and Compact. Zero means "choose a sensible
	// default based on GOMAXPROCS."
	SyncWorkers int

	// BroadcastBufferSize bounds each listener's buffered channel of
	// count updates; sends beyond this drop the oldest pending update.
	BroadcastBufferSize int

	Logger logging.Logger
}

// DefaultConfig returns the policy defaults named in the specification:
// MinBlockSize=1000, MaxBlockSize=250_000, MaxLastActivity=10s.
func DefaultConfig() Config {
	return Config{
		DataDir:             "hosetrack-data",
		TrackingSinceNsid:   "app.bsky.feed.like",
		MinBlockSize:        1000,
		MaxBlockSize:        250_000,
		MaxLastActivity:     10 * time.Second,
		SyncWorkers:         0,
		BroadcastBufferSize: 1000,
		Logger:              nil,
	}
}
