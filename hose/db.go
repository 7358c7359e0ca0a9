package hose

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hosetrack/hosetrack/internal/collection"
	"github.com/hosetrack/hosetrack/internal/logging"
	"github.com/hosetrack/hosetrack/internal/ratetracker"
	"github.com/hosetrack/hosetrack/internal/storage"
	"github.com/hosetrack/hosetrack/internal/varint"
)

// EventRecord is the unit of ingest: one occurrence (or deletion) of an
// event in a collection at a given second. Defined in internal/collection
// since the collection handle is the lower-level consumer; re-exported
// here as the coordinator's public ingest type.
type EventRecord = collection.EventRecord

// Hit is one decoded event yielded by GetHits.
type Hit = collection.Item

// Bound expresses one side of an inclusive/exclusive/unbounded timestamp
// range, used by Compact and GetHits.
type Bound = collection.Bound

const (
	Unbounded = collection.Unbounded
	Included  = collection.Included
	Excluded  = collection.Excluded
)

const countsPartitionName = "_counts"

// eventsPerSecondWindow is the global ingestion-rate tracker's window,
// distinct from each collection's own 10s tracker used to size blocks.
const eventsPerSecondWindow = time.Second

// DB is the sole owner of the storage keyspace, the counts partition, the
// lazily-populated map of collection handles, the broadcast registry, and
// the global rate tracker. Safe for concurrent use from any number of
// ingest, read, sync, and compaction callers.
type DB struct {
	cfg    Config
	logger logging.Logger

	ks       *storage.Keyspace
	counts   *storage.Partition
	handles  sync.Map // string -> *collection.Handle
	pool     *storage.WorkerPool
	bcast    *broadcaster
	eps      *ratetracker.Tracker
	degraded atomic.Bool

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// Open creates or opens a DB rooted at cfg.DataDir.
func Open(cfg Config) (*DB, error) {
	logger := logging.OrDefault(cfg.Logger)

	db := &DB{
		cfg:        cfg,
		logger:     logger,
		eps:        ratetracker.New(eventsPerSecondWindow),
		bcast:      newBroadcaster(cfg.BroadcastBufferSize),
		shutdownCh: make(chan struct{}),
	}

	if dl, ok := logger.(*logging.DefaultLogger); ok {
		dl.SetFatalHandler(func(msg string) {
			db.degraded.Store(true)
			db.logger.Errorf(logging.NSDB+"fatal condition, marking database degraded: %s", msg)
		})
	}

	workers := cfg.SyncWorkers
	if workers <= 0 {
		workers = 2 * runtime.GOMAXPROCS(0)
	}
	db.pool = storage.NewWorkerPool(workers)

	ks, err := storage.Open(cfg.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("hose: open keyspace: %w", err)
	}
	db.ks = ks

	counts, err := ks.OpenPartition(countsPartitionName)
	if err != nil {
		return nil, fmt.Errorf("hose: open counts partition: %w", err)
	}
	db.counts = counts

	return db, nil
}

// IsDegraded reports whether a fatal condition has marked this database
// as no longer safe to write to.
func (db *DB) IsDegraded() bool { return db.degraded.Load() }

// IsShuttingDown reports whether Shutdown has been called.
func (db *DB) IsShuttingDown() bool {
	select {
	case <-db.shutdownCh:
		return true
	default:
		return false
	}
}

// ShuttingDown returns a channel closed once Shutdown is called, for use
// in a select alongside periodic sync/compact tickers.
func (db *DB) ShuttingDown() <-chan struct{} { return db.shutdownCh }

// Shutdown signals background loops to stop. It does not itself flush —
// callers should call Sync(true) afterward.
func (db *DB) Shutdown() {
	db.shutdownOnce.Do(func() { close(db.shutdownCh) })
}

// Close flushes nothing; it closes the underlying keyspace. Callers that
// want a clean flush should call Sync(true) before Close.
func (db *DB) Close() error {
	return db.ks.Close()
}

// EventsPerSecond returns the current globally observed ingestion rate.
func (db *DB) EventsPerSecond() float64 {
	return db.eps.Rate()
}

// Subscribe returns a Listener that receives an NsidUpdate after every
// ingest that touches a collection. Callers must Close the listener when
// done to release its buffer.
func (db *DB) Subscribe() *Listener {
	return db.bcast.subscribe()
}

func (db *DB) handleFor(nsid string) (*collection.Handle, error) {
	if h, ok := db.handles.Load(nsid); ok {
		return h.(*collection.Handle), nil
	}
	h, err := collection.New(db.ks, nsid, db.logger)
	if err != nil {
		return nil, err
	}
	actual, _ := db.handles.LoadOrStore(nsid, h)
	return actual.(*collection.Handle), nil
}

func (db *DB) getCountsRaw(nsid string) (NsidCounts, error) {
	data, ok, err := db.counts.Get([]byte(nsid))
	if err != nil {
		return NsidCounts{}, err
	}
	if !ok {
		return NsidCounts{}, nil
	}
	return decodeNsidCounts(data), nil
}

func (db *DB) putCountsRaw(nsid string, c NsidCounts) error {
	return db.counts.Insert([]byte(nsid), encodeNsidCounts(c))
}

// IngestEvents groups events by nsid (consecutive runs, since callers are
// expected to already batch by collection) and, for each group, queues
// them into the collection's staging buffer, folds them into the running
// NsidCounts, persists the updated counts, and broadcasts the update if
// anyone is listening. If any write fails, that error is returned and
// later groups in the same call are not processed — events already queued
// in memory for earlier groups remain staged for a later Sync.
func (db *DB) IngestEvents(events []EventRecord) error {
	if db.degraded.Load() {
		return fmt.Errorf("hose: database is degraded, rejecting writes")
	}
	for _, group := range groupConsecutiveByNsid(events) {
		if err := db.ingestGroup(group); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) ingestGroup(events []EventRecord) error {
	nsid := events[0].Nsid

	h, err := db.handleFor(nsid)
	if err != nil {
		return fmt.Errorf("hose: ingest %q: %w", nsid, err)
	}

	counts, err := db.getCountsRaw(nsid)
	if err != nil {
		return fmt.Errorf("hose: ingest %q: load counts: %w", nsid, err)
	}

	h.Queue(events)
	for _, e := range events {
		counts.LastSeen = e.TimestampS
		if e.Deleted {
			counts.DeletedCount++
		} else {
			counts.Count++
		}
	}

	if err := db.putCountsRaw(nsid, counts); err != nil {
		return fmt.Errorf("hose: ingest %q: store counts: %w", nsid, err)
	}

	if db.bcast.receiverCount() > 0 {
		db.bcast.send(NsidUpdate{Nsid: nsid, Counts: counts})
	}
	db.eps.Observe(uint64(len(events)))
	return nil
}

// groupConsecutiveByNsid splits events into runs sharing the same nsid,
// preserving order. Grouping is defensive: callers are expected to
// already batch by collection for efficiency.
func groupConsecutiveByNsid(events []EventRecord) [][]EventRecord {
	var groups [][]EventRecord
	start := 0
	for i := 1; i <= len(events); i++ {
		if i == len(events) || events[i].Nsid != events[start].Nsid {
			if i > start {
				groups = append(groups, events[start:i])
			}
			start = i
		}
	}
	return groups
}

// GetCounts scans the counts partition and returns every (nsid, counts)
// pair in key order.
func (db *DB) GetCounts() ([]NsidEntry, error) {
	it, err := db.counts.Range(nil, nil, false)
	if err != nil {
		return nil, fmt.Errorf("hose: get counts: %w", err)
	}
	var entries []NsidEntry
	for it.Next() {
		nsid := string(it.Key())
		value, err := it.Value()
		if err != nil {
			return entries, fmt.Errorf("hose: get counts: read %q: %w", nsid, err)
		}
		entries = append(entries, NsidEntry{Nsid: nsid, Counts: decodeNsidCounts(value)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Nsid < entries[j].Nsid })
	return entries, nil
}

// GetHits looks up nsid's handle (returning an empty slice if it has
// never been seen) and returns up to maxItems hits in [lo, hi], in
// ascending block order. A reverse walk collects the newest blocks until
// they hold at least maxItems items; when they hold more hits than that,
// the oldest are dropped, so a caller gets "the most recent N items up to
// T" without decoding every block. The walk stops at the first block that
// starts before lo, so hits in a block that straddles lo are not returned.
func (db *DB) GetHits(ctx context.Context, nsid string, lo, hi Bound, maxItems int) ([]Hit, error) {
	v, ok := db.handles.Load(nsid)
	if !ok {
		return nil, nil
	}
	h := v.(*collection.Handle)

	startLimit := collection.ResolveStart(lo)
	endLimit := collection.ResolveEnd(hi)
	endKey := varint.AppendUnsigned(nil, endLimit)

	it, err := h.Range(ctx, nil, endKey, true)
	if err != nil {
		return nil, fmt.Errorf("hose: get hits %q: %w", nsid, err)
	}

	var blocks [][]byte
	var keys [][]byte
	count := 0
	for it.Next() {
		key := append([]byte(nil), it.Key()...)
		startTS, _, err := collection.DecodeBlockKey(key)
		if err != nil {
			return nil, fmt.Errorf("hose: get hits %q: decode key: %w", nsid, err)
		}
		if startTS < startLimit {
			break
		}
		value, err := it.Value()
		if err != nil {
			return nil, fmt.Errorf("hose: get hits %q: read block: %w", nsid, err)
		}
		blocks = append(blocks, value)
		keys = append(keys, key)
		n, err := collection.CountBlockItems(value)
		if err != nil {
			return nil, fmt.Errorf("hose: get hits %q: count block: %w", nsid, err)
		}
		count += n
		if count >= maxItems {
			break
		}
	}

	var hits []Hit
	for i := len(blocks) - 1; i >= 0; i-- {
		startTS, _, err := collection.DecodeBlockKey(keys[i])
		if err != nil {
			return nil, err
		}
		items, err := collection.DecodeBlockItems(blocks[i], startTS)
		if err != nil {
			return nil, fmt.Errorf("hose: get hits %q: decode block: %w", nsid, err)
		}
		for _, it := range items {
			if it.Timestamp < startLimit || it.Timestamp > endLimit {
				continue
			}
			hits = append(hits, it)
		}
	}
	if maxItems >= 0 && len(hits) > maxItems {
		hits = hits[len(hits)-maxItems:]
	}
	return hits, nil
}

// TrackingSince returns the start timestamp of the oldest block of the
// configured tracking nsid, or 0 if that collection has no blocks. This
// is a best-effort, approximate answer — see Config.TrackingSinceNsid.
func (db *DB) TrackingSince() uint64 {
	v, ok := db.handles.Load(db.cfg.TrackingSinceNsid)
	if !ok {
		return 0
	}
	h := v.(*collection.Handle)
	it, err := h.Range(context.Background(), nil, nil, false)
	if err != nil || !it.Next() {
		return 0
	}
	startTS, _, err := collection.DecodeBlockKey(it.Key())
	if err != nil {
		return 0
	}
	return startTS
}
