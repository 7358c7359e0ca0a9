package hose

import (
	"fmt"

	"github.com/hosetrack/hosetrack/internal/collection"
	"github.com/hosetrack/hosetrack/internal/logging"
)

// Sync drains staging buffers into encoded blocks written to storage. For
// each collection it computes a target block size from the flush policy,
// then emits and executes work units sized to that target — the last,
// possibly short, unit is held back to grow into a full block unless
// all is true, the collection has been idle past MaxLastActivity, or no
// full block could be emitted at all. Every work unit runs even when
// another fails; each failed unit is logged, and Sync returns the first
// error.
func (db *DB) Sync(all bool) error {
	var handles []*collection.Handle
	db.handles.Range(func(_, v any) bool {
		handles = append(handles, v.(*collection.Handle))
		return true
	})

	var jobs []func() error
	for _, h := range handles {
		handleJobs, err := db.planSync(h, all)
		if err != nil {
			return fmt.Errorf("hose: sync %s: %w", h.Nsid(), err)
		}
		jobs = append(jobs, handleJobs...)
	}
	return db.pool.Run(jobs)
}

// planSync drains items for h's flush units under its mutex (via
// TakeBlockItems) and returns the encode-and-insert work as unstarted
// closures, so callers can run every collection's work units on one
// shared worker pool instead of one pool invocation per collection.
func (db *DB) planSync(h *collection.Handle, all bool) ([]func() error, error) {
	count := h.ItemCount()
	if count == 0 {
		return nil, nil
	}

	isStale := h.SinceLastActivity() > db.cfg.MaxLastActivity
	blockSize := db.cfg.MaxBlockSize
	if !all && !isStale {
		blockSize = clamp(h.SuggestedBlockSize(), db.cfg.MinBlockSize, db.cfg.MaxBlockSize)
	}
	if blockSize <= 0 {
		blockSize = db.cfg.MinBlockSize
	}

	fullBlocks := count / blockSize
	remainder := count % blockSize

	units := make([]int, 0, fullBlocks+1)
	for i := 0; i < fullBlocks; i++ {
		units = append(units, blockSize)
	}
	if remainder > 0 && (all || fullBlocks == 0 || isStale) {
		units = append(units, remainder)
	}

	jobs := make([]func() error, 0, len(units))
	for _, n := range units {
		items := h.TakeBlockItems(n)
		if len(items) == 0 {
			continue
		}
		items, n, h := items, len(items), h
		jobs = append(jobs, func() error {
			block, err := collection.EncodeBlockFromItems(items, n)
			if err == nil {
				err = h.InsertBlock(block)
			}
			if err != nil {
				db.logger.Errorf(logging.NSDB+"sync %s: failed to write %d-item block: %v", h.Nsid(), n, err)
			}
			return err
		})
	}
	return jobs, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
