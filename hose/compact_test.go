package hose

import (
	"context"
	"testing"
)

func TestCompactNoopForUnknownNsid(t *testing.T) {
	db := openTestDB(t)
	if err := db.Compact("app.bsky.feed.post", 100, Bound{Kind: Unbounded}, Bound{Kind: Unbounded}, false); err != nil {
		t.Fatalf("Compact on unknown nsid: %v", err)
	}
}

// TestMajorCompactMergesBlocksWithoutLosingHits ingests enough events to
// span several small blocks, then runs MajorCompact and checks the block
// count drops while every hit survives.
func TestMajorCompactMergesBlocksWithoutLosingHits(t *testing.T) {
	cfg := testConfig(t)
	// A forced sync flushes everything staged as one block (at most
	// MaxBlockSize items), so syncing after each half of the 10 events
	// leaves two 5-item blocks.
	cfg.MinBlockSize = 2
	cfg.MaxBlockSize = 10
	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	nsid := "app.bsky.feed.post"
	var events []EventRecord
	for ts := uint64(1); ts <= 10; ts++ {
		events = append(events, EventRecord{Nsid: nsid, TimestampS: ts})
	}
	for _, half := range [][]EventRecord{events[:5], events[5:]} {
		if err := db.IngestEvents(half); err != nil {
			t.Fatalf("IngestEvents: %v", err)
		}
		if err := db.Sync(true); err != nil {
			t.Fatalf("Sync: %v", err)
		}
	}

	before, err := db.Info()
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if len(before.PerNsid[nsid]) < 2 {
		t.Fatalf("expected multiple blocks before compaction, got %v", before.PerNsid[nsid])
	}

	if err := db.MajorCompact(); err != nil {
		t.Fatalf("MajorCompact: %v", err)
	}

	after, err := db.Info()
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if len(after.PerNsid[nsid]) != 1 {
		t.Fatalf("expected a single block after major compaction, got %v", after.PerNsid[nsid])
	}

	hits, err := db.GetHits(context.Background(), nsid, Bound{Kind: Unbounded}, Bound{Kind: Unbounded}, 100)
	if err != nil {
		t.Fatalf("GetHits: %v", err)
	}
	if len(hits) != 10 {
		t.Fatalf("got %d hits after compaction, want 10", len(hits))
	}
	for i, want := range events {
		if hits[i].Timestamp != want.TimestampS {
			t.Fatalf("hits[%d].Timestamp = %d, want %d", i, hits[i].Timestamp, want.TimestampS)
		}
	}
}
