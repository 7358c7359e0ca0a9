package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/hosetrack/hosetrack/hose"
)

type nsidCountJSON struct {
	Count        uint64 `json:"count"`
	DeletedCount uint64 `json:"deleted_count"`
	LastSeen     uint64 `json:"last_seen"`
}

type eventsResponse struct {
	PerSecond float64                  `json:"per_second"`
	Events    map[string]nsidCountJSON `json:"events"`
}

func countsToJSON(entries []hose.NsidEntry) map[string]nsidCountJSON {
	out := make(map[string]nsidCountJSON, len(entries))
	for _, e := range entries {
		out[e.Nsid] = nsidCountJSON{
			Count:        e.Counts.Count,
			DeletedCount: e.Counts.DeletedCount,
			LastSeen:     e.Counts.LastSeen,
		}
	}
	return out
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	counts, err := s.db.GetCounts()
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, eventsResponse{
		PerSecond: s.db.EventsPerSecond(),
		Events:    countsToJSON(counts),
	})
}

// handleStreamEvents upgrades to a WebSocket and streams {per_second,
// events} diffs: only the nsids that changed since the last frame, batched
// and rate-limited to one frame per streamThrottle.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.up.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("stream_events: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	listener := s.db.Subscribe()
	defer listener.Close()

	ticker := time.NewTicker(streamThrottle)
	defer ticker.Stop()

	pending := make(map[string]hose.NsidCounts)
	for {
		select {
		case update, ok := <-listener.C():
			if !ok {
				return
			}
			pending[update.Nsid] = update.Counts
		case <-ticker.C:
			if len(pending) == 0 {
				continue
			}
			frame := eventsResponse{PerSecond: s.db.EventsPerSecond(), Events: make(map[string]nsidCountJSON, len(pending))}
			for nsid, c := range pending {
				frame.Events[nsid] = nsidCountJSON{Count: c.Count, DeletedCount: c.DeletedCount, LastSeen: c.LastSeen}
			}
			if err := conn.WriteJSON(frame); err != nil {
				s.logger.Warnf("stream_events: write failed, closing: %v", err)
				return
			}
			pending = make(map[string]hose.NsidCounts)
		}
	}
}

type hitJSON struct {
	Timestamp uint64 `json:"timestamp"`
	Deleted   bool   `json:"deleted"`
}

func (s *Server) handleHits(w http.ResponseWriter, r *http.Request) {
	nsid := r.URL.Query().Get("nsid")
	if nsid == "" {
		respondJSONError(w, http.StatusBadRequest, "missing required query parameter: nsid")
		return
	}

	lo, err := parseBound(r.URL.Query().Get("from"))
	if err != nil {
		respondJSONError(w, http.StatusBadRequest, "invalid from: "+err.Error())
		return
	}
	hi, err := parseBound(r.URL.Query().Get("to"))
	if err != nil {
		respondJSONError(w, http.StatusBadRequest, "invalid to: "+err.Error())
		return
	}

	hits, err := s.db.GetHits(r.Context(), nsid, lo, hi, maxHitsPerRequest)
	if err != nil {
		respondError(w, err)
		return
	}

	out := make([]hitJSON, len(hits))
	for i, h := range hits {
		out[i] = hitJSON{Timestamp: h.Timestamp, Deleted: h.Deleted}
	}
	respondJSON(w, http.StatusOK, out)
}

// parseBound parses an optional unsigned-integer query value into an
// Included bound, or Unbounded when raw is empty.
func parseBound(raw string) (hose.Bound, error) {
	if raw == "" {
		return hose.Bound{Kind: hose.Unbounded}, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return hose.Bound{}, err
	}
	return hose.Bound{Kind: hose.Included, Value: v}, nil
}

type sinceResponse struct {
	Since uint64 `json:"since"`
}

func (s *Server) handleSince(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, sinceResponse{Since: s.db.TrackingSince()})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Error string `json:"error"`
}

func respondJSONError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorBody{Error: msg})
}

// respondError maps any handler error to HTTP 500, matching the blanket
// IntoResponse the teacher's Rust counterpart applies to every AppError.
func respondError(w http.ResponseWriter, err error) {
	respondJSONError(w, http.StatusInternalServerError, err.Error())
}
