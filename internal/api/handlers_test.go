package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hosetrack/hosetrack/hose"
)

func newTestServer(t *testing.T) (*Server, *hose.DB) {
	t.Helper()
	cfg := hose.DefaultConfig()
	cfg.DataDir = t.TempDir()
	db, err := hose.Open(cfg)
	if err != nil {
		t.Fatalf("hose.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewServer(db, nil), db
}

func TestHandleEventsEmpty(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp eventsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Events) != 0 {
		t.Fatalf("expected no events, got %v", resp.Events)
	}
}

func TestHandleEventsAfterIngest(t *testing.T) {
	s, db := newTestServer(t)
	err := db.IngestEvents([]hose.EventRecord{
		{Nsid: "app.bsky.feed.post", TimestampS: 100, Deleted: false},
		{Nsid: "app.bsky.feed.post", TimestampS: 101, Deleted: true},
	})
	if err != nil {
		t.Fatalf("IngestEvents: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	var resp eventsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	got, ok := resp.Events["app.bsky.feed.post"]
	if !ok {
		t.Fatalf("expected app.bsky.feed.post in events, got %v", resp.Events)
	}
	if got.Count != 1 || got.DeletedCount != 1 || got.LastSeen != 101 {
		t.Fatalf("unexpected counts: %+v", got)
	}
}

func TestHandleHitsMissingNsid(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/hits", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleHitsUnknownNsidReturnsEmpty(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/hits?nsid=app.bsky.feed.like", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var hits []hitJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &hits); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits, got %v", hits)
	}
}

func TestHandleSinceNoData(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/since", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	var resp sinceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Since != 0 {
		t.Fatalf("Since = %d, want 0", resp.Since)
	}
}
