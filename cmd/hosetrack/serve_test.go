package main

import (
	"context"
	"testing"
	"time"

	"github.com/hosetrack/hosetrack/hose"
	"github.com/hosetrack/hosetrack/internal/logging"
)

func openServeTestDB(t *testing.T) *hose.DB {
	t.Helper()
	cfg := hose.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.MinBlockSize = 2
	cfg.MaxBlockSize = 4
	db, err := hose.Open(cfg)
	if err != nil {
		t.Fatalf("hose.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestDrainIngestFlushesBufferedChannelItems is a regression test for a bug
// where shutdown only flushed the already-dequeued batch and left whatever
// was still sitting in the channel buffer uningested.
func TestDrainIngestFlushesBufferedChannelItems(t *testing.T) {
	db := openServeTestDB(t)
	nsid := "app.bsky.feed.post"

	events := make(chan hose.EventRecord, 10)
	for ts := uint64(1); ts <= 5; ts++ {
		events <- hose.EventRecord{Nsid: nsid, TimestampS: ts}
	}

	drainIngest(db, events, nil, logging.Discard)

	if err := db.Sync(true); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	hits, err := db.GetHits(context.Background(), nsid, hose.Bound{Kind: hose.Unbounded}, hose.Bound{Kind: hose.Unbounded}, 100)
	if err != nil {
		t.Fatalf("GetHits: %v", err)
	}
	if len(hits) != 5 {
		t.Fatalf("got %d hits after drain, want 5 (all channel-buffered events ingested)", len(hits))
	}
}

// TestDrainIngestIncludesAlreadyDequeuedBatch confirms records already
// pulled off the channel into batch (before ctx.Done fired) are flushed
// along with anything still buffered in the channel.
func TestDrainIngestIncludesAlreadyDequeuedBatch(t *testing.T) {
	db := openServeTestDB(t)
	nsid := "app.bsky.feed.post"

	events := make(chan hose.EventRecord, 10)
	events <- hose.EventRecord{Nsid: nsid, TimestampS: 2}

	batch := []hose.EventRecord{{Nsid: nsid, TimestampS: 1}}
	drainIngest(db, events, batch, logging.Discard)

	if err := db.Sync(true); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	hits, err := db.GetHits(context.Background(), nsid, hose.Bound{Kind: hose.Unbounded}, hose.Bound{Kind: hose.Unbounded}, 100)
	if err != nil {
		t.Fatalf("GetHits: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits after drain, want 2", len(hits))
	}
}

// TestRunIngestLoopDrainsOnShutdown exercises the full loop: events land in
// the channel, ctx is cancelled while some are still unread, and the loop
// must drain and ingest them all before returning.
func TestRunIngestLoopDrainsOnShutdown(t *testing.T) {
	db := openServeTestDB(t)
	nsid := "app.bsky.feed.post"

	events := make(chan hose.EventRecord, 10)
	ctx, cancel := context.WithCancel(context.Background())

	events <- hose.EventRecord{Nsid: nsid, TimestampS: 1}

	done := make(chan struct{})
	go func() {
		runIngestLoop(ctx, db, events, logging.Discard)
		close(done)
	}()

	// Give the loop a moment to dequeue the first record into its batch,
	// then queue more events behind it and cancel before they're read.
	time.Sleep(10 * time.Millisecond)
	events <- hose.EventRecord{Nsid: nsid, TimestampS: 2}
	events <- hose.EventRecord{Nsid: nsid, TimestampS: 3}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runIngestLoop did not return after ctx cancellation")
	}

	if err := db.Sync(true); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	hits, err := db.GetHits(context.Background(), nsid, hose.Bound{Kind: hose.Unbounded}, hose.Bound{Kind: hose.Unbounded}, 100)
	if err != nil {
		t.Fatalf("GetHits: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("got %d hits, want all 3 events ingested despite shutdown mid-flight", len(hits))
	}
}
