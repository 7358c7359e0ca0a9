package hose

import (
	"fmt"

	"github.com/hosetrack/hosetrack/internal/collection"
)

// Compact delegates to nsid's handle, merging blocks in [lo, hi) into
// chunks of at most targetSize items. A no-op if nsid has never been
// seen.
func (db *DB) Compact(nsid string, targetSize int, lo, hi Bound, sort bool) error {
	v, ok := db.handles.Load(nsid)
	if !ok {
		return nil
	}
	h := v.(*collection.Handle)
	if err := h.Compact(db.pool, targetSize, lo, hi, sort); err != nil {
		return fmt.Errorf("hose: compact %s: %w", nsid, err)
	}
	return nil
}

// CompactAll runs Compact with the same parameters across every known
// collection.
func (db *DB) CompactAll(targetSize int, lo, hi Bound, sort bool) error {
	var handles []*collection.Handle
	db.handles.Range(func(_, v any) bool {
		handles = append(handles, v.(*collection.Handle))
		return true
	})
	for _, h := range handles {
		if err := h.Compact(db.pool, targetSize, lo, hi, sort); err != nil {
			return fmt.Errorf("hose: compact %s: %w", h.Nsid(), err)
		}
	}
	return nil
}

// MajorCompact rewrites every block across every collection at
// MaxBlockSize with items sorted by timestamp — the heaviest, least
// frequent compaction pass, typically run from the compact CLI
// subcommand or a long-interval background task.
func (db *DB) MajorCompact() error {
	return db.CompactAll(db.cfg.MaxBlockSize, Bound{Kind: Unbounded}, Bound{Kind: Unbounded}, true)
}
