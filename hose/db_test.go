package hose

import (
	"context"
	"testing"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.MinBlockSize = 2
	cfg.MaxBlockSize = 4
	return cfg
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(testConfig(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestIngestEventsUpdatesCounts(t *testing.T) {
	db := openTestDB(t)
	events := []EventRecord{
		{Nsid: "app.bsky.feed.post", TimestampS: 10, Deleted: false},
		{Nsid: "app.bsky.feed.post", TimestampS: 11, Deleted: false},
		{Nsid: "app.bsky.feed.post", TimestampS: 12, Deleted: true},
	}
	if err := db.IngestEvents(events); err != nil {
		t.Fatalf("IngestEvents: %v", err)
	}

	entries, err := db.GetCounts()
	if err != nil {
		t.Fatalf("GetCounts: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	got := entries[0].Counts
	if got.Count != 2 || got.DeletedCount != 1 || got.LastSeen != 12 {
		t.Fatalf("unexpected counts: %+v", got)
	}
}

func TestIngestEventsGroupsMultipleNsidsIndependently(t *testing.T) {
	db := openTestDB(t)
	events := []EventRecord{
		{Nsid: "app.bsky.feed.post", TimestampS: 1},
		{Nsid: "app.bsky.feed.like", TimestampS: 2},
		{Nsid: "app.bsky.feed.post", TimestampS: 3},
	}
	if err := db.IngestEvents(events); err != nil {
		t.Fatalf("IngestEvents: %v", err)
	}

	entries, err := db.GetCounts()
	if err != nil {
		t.Fatalf("GetCounts: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
}

func TestIngestEventsRejectedWhenDegraded(t *testing.T) {
	db := openTestDB(t)
	db.degraded.Store(true)
	err := db.IngestEvents([]EventRecord{{Nsid: "app.bsky.feed.post", TimestampS: 1}})
	if err == nil {
		t.Fatal("expected an error while degraded")
	}
}

func TestGetHitsEmptyForUnknownNsid(t *testing.T) {
	db := openTestDB(t)
	hits, err := db.GetHits(context.Background(), "app.bsky.feed.post", Bound{Kind: Unbounded}, Bound{Kind: Unbounded}, 100)
	if err != nil {
		t.Fatalf("GetHits: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits, got %v", hits)
	}
}

// TestIngestSyncGetHitsRoundTrip exercises the full path: events queued via
// IngestEvents aren't visible to GetHits until Sync flushes the staging
// buffer into blocks.
func TestIngestSyncGetHitsRoundTrip(t *testing.T) {
	db := openTestDB(t)
	nsid := "app.bsky.feed.post"
	events := []EventRecord{
		{Nsid: nsid, TimestampS: 10},
		{Nsid: nsid, TimestampS: 20, Deleted: true},
		{Nsid: nsid, TimestampS: 30},
	}
	if err := db.IngestEvents(events); err != nil {
		t.Fatalf("IngestEvents: %v", err)
	}

	hits, err := db.GetHits(context.Background(), nsid, Bound{Kind: Unbounded}, Bound{Kind: Unbounded}, 100)
	if err != nil {
		t.Fatalf("GetHits before sync: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits before sync, got %v", hits)
	}

	if err := db.Sync(true); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	hits, err = db.GetHits(context.Background(), nsid, Bound{Kind: Unbounded}, Bound{Kind: Unbounded}, 100)
	if err != nil {
		t.Fatalf("GetHits after sync: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("got %d hits, want 3", len(hits))
	}
	for i, want := range []uint64{10, 20, 30} {
		if hits[i].Timestamp != want {
			t.Fatalf("hits[%d].Timestamp = %d, want %d", i, hits[i].Timestamp, want)
		}
	}
	if !hits[1].Deleted {
		t.Fatalf("expected hits[1] to be marked deleted")
	}
}

func TestGetHitsRespectsBoundsAndMaxItems(t *testing.T) {
	db := openTestDB(t)
	nsid := "app.bsky.feed.post"
	var events []EventRecord
	for ts := uint64(1); ts <= 10; ts++ {
		events = append(events, EventRecord{Nsid: nsid, TimestampS: ts})
	}
	if err := db.IngestEvents(events); err != nil {
		t.Fatalf("IngestEvents: %v", err)
	}
	if err := db.Sync(true); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	hits, err := db.GetHits(context.Background(), nsid, Bound{Kind: Included, Value: 4}, Bound{Kind: Included, Value: 7}, 100)
	if err != nil {
		t.Fatalf("GetHits: %v", err)
	}
	// Sync(true) with MaxBlockSize 4 writes blocks [1-4], [5-8] and [9-10].
	// The reverse walk stops at [1-4] because it starts before the lower
	// bound, so timestamp 4 is not returned even though it lies in [4, 7].
	if len(hits) != 3 {
		t.Fatalf("got %d hits, want 3 (timestamps 5..7)", len(hits))
	}
	if hits[0].Timestamp != 5 || hits[len(hits)-1].Timestamp != 7 {
		t.Fatalf("unexpected bound window: %+v", hits)
	}

	limited, err := db.GetHits(context.Background(), nsid, Bound{Kind: Unbounded}, Bound{Kind: Unbounded}, 3)
	if err != nil {
		t.Fatalf("GetHits: %v", err)
	}
	if len(limited) != 3 {
		t.Fatalf("got %d hits, want 3 (maxItems cap)", len(limited))
	}
}

func TestTrackingSinceNoDataReturnsZero(t *testing.T) {
	db := openTestDB(t)
	if got := db.TrackingSince(); got != 0 {
		t.Fatalf("TrackingSince = %d, want 0", got)
	}
}

func TestTrackingSinceReportsOldestBlockStart(t *testing.T) {
	cfg := testConfig(t)
	cfg.TrackingSinceNsid = "app.bsky.feed.like"
	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	events := []EventRecord{
		{Nsid: cfg.TrackingSinceNsid, TimestampS: 100},
		{Nsid: cfg.TrackingSinceNsid, TimestampS: 101},
	}
	if err := db.IngestEvents(events); err != nil {
		t.Fatalf("IngestEvents: %v", err)
	}
	if err := db.Sync(true); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got := db.TrackingSince(); got != 100 {
		t.Fatalf("TrackingSince = %d, want 100", got)
	}
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	db := openTestDB(t)
	listener := db.Subscribe()
	defer listener.Close()

	if err := db.IngestEvents([]EventRecord{{Nsid: "app.bsky.feed.post", TimestampS: 1}}); err != nil {
		t.Fatalf("IngestEvents: %v", err)
	}

	select {
	case update := <-listener.C():
		if update.Nsid != "app.bsky.feed.post" || update.Counts.Count != 1 {
			t.Fatalf("unexpected update: %+v", update)
		}
	default:
		t.Fatal("expected a buffered update after ingest")
	}
}
