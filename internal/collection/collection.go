// Package collection owns everything specific to one nsid: the in-memory
// staging buffer events land in on ingest, the LSM partition they are
// eventually flushed to, and the rate tracker used to size future flushes.
//
// Grounded directly on original_source/server/src/db/handle.rs's
// LexiconHandle: queue -> Queue, since_last_activity -> SinceLastActivity,
// suggested_block_size -> SuggestedBlockSize, take_block_items ->
// TakeBlockItems, encode_block_from_items -> EncodeBlockFromItems, compact
// -> Compact.
package collection

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/hosetrack/hosetrack/internal/apperr"
	"github.com/hosetrack/hosetrack/internal/eventblock"
	"github.com/hosetrack/hosetrack/internal/logging"
	"github.com/hosetrack/hosetrack/internal/ratetracker"
	"github.com/hosetrack/hosetrack/internal/storage"
	"github.com/hosetrack/hosetrack/internal/varint"
)

// eventsPerSecondWindow matches the original handle's 10-second rate
// tracker, used only to size future blocks — a short window so it tracks
// recent ingestion speed rather than a long-run average.
const eventsPerSecondWindow = 10 * time.Second

// EventRecord is one ingested occurrence of a collection: it either
// appeared or was deleted at timestamp_s.
type EventRecord struct {
	Nsid       string
	TimestampS uint64
	Deleted    bool
}

// nsidHit is the persisted per-event payload. Forward-compatible by
// construction: the block codec length-prefixes every payload, so adding a
// field here never breaks decoding of old blocks.
type nsidHit struct {
	Deleted bool
}

func encodeNsidHit(h nsidHit) []byte {
	if h.Deleted {
		return []byte{1}
	}
	return []byte{0}
}

func decodeNsidHit(data []byte) nsidHit {
	return nsidHit{Deleted: len(data) > 0 && data[0] != 0}
}

// Block is a block ready to be (or already) stored: its key is the
// concatenation of two unsigned varints (start_ts, end_ts) and its data is
// the encoded event-block body.
type Block struct {
	Written int
	Key     []byte
	Data    []byte
}

// Item is one decoded event: its timestamp and the deleted flag from its
// nsidHit payload.
type Item struct {
	Timestamp uint64
	Deleted   bool
}

// Bound expresses one side of a half-open or closed timestamp range, the
// Go stand-in for Rust's std::ops::Bound.
type Bound struct {
	Kind  BoundKind
	Value uint64
}

// BoundKind discriminates a Bound.
type BoundKind int

const (
	Unbounded BoundKind = iota
	Included
	Excluded
)

// ResolveStart turns a start-side Bound into an inclusive lower limit.
func ResolveStart(b Bound) uint64 { return resolveStart(b) }

// ResolveEnd turns an end-side Bound into an inclusive upper limit.
func ResolveEnd(b Bound) uint64 { return resolveEnd(b) }

// resolveStart turns a start-side Bound into an inclusive lower limit.
func resolveStart(b Bound) uint64 {
	switch b.Kind {
	case Included:
		return b.Value
	case Excluded:
		if b.Value == ^uint64(0) {
			return b.Value // saturating add
		}
		return b.Value + 1
	default:
		return 0
	}
}

// resolveEnd turns an end-side Bound into an inclusive upper limit.
func resolveEnd(b Bound) uint64 {
	switch b.Kind {
	case Included:
		return b.Value
	case Excluded:
		if b.Value == 0 {
			return 0 // saturating sub
		}
		return b.Value - 1
	default:
		return ^uint64(0)
	}
}

// Handle owns one collection's staging buffer, partition, and rate
// tracker. Created lazily by the caller and never destroyed for the
// lifetime of the process.
type Handle struct {
	nsid      string
	partition *storage.Partition
	logger    logging.Logger

	mu         sync.Mutex
	buf        []EventRecord
	lastInsert time.Time

	eps *ratetracker.Tracker
}

// New opens (or creates) the partition for nsid and returns a handle with
// an empty staging buffer.
func New(ks *storage.Keyspace, nsid string, logger logging.Logger) (*Handle, error) {
	p, err := ks.OpenPartition(nsid)
	if err != nil {
		return nil, fmt.Errorf("collection: open partition for %q: %w", nsid, err)
	}
	if logger == nil {
		logger = logging.Discard
	}
	return &Handle{
		nsid:      nsid,
		partition: p,
		logger:    logger,
		eps:       ratetracker.New(eventsPerSecondWindow),
	}, nil
}

// Nsid returns the collection identifier this handle owns.
func (h *Handle) Nsid() string { return h.nsid }

// String implements fmt.Stringer for log lines, naming the nsid the same
// way the original's tracing span did.
func (h *Handle) String() string {
	return fmt.Sprintf("handle(%s)", h.nsid)
}

// Queue appends events to the staging buffer, advances last-activity, and
// records the batch in the rate tracker.
func (h *Handle) Queue(events []EventRecord) {
	if len(events) == 0 {
		return
	}
	h.mu.Lock()
	h.buf = append(h.buf, events...)
	h.lastInsert = time.Now()
	h.mu.Unlock()
	h.eps.Observe(uint64(len(events)))
}

// ItemCount returns the current staging buffer length.
func (h *Handle) ItemCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.buf)
}

// SinceLastActivity returns the time elapsed since the last Queue call. If
// Queue has never been called, it returns a very large duration so callers
// that compare against a staleness threshold always treat an untouched
// handle as stale.
func (h *Handle) SinceLastActivity() time.Duration {
	h.mu.Lock()
	last := h.lastInsert
	h.mu.Unlock()
	if last.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return time.Since(last)
}

// SuggestedBlockSize estimates how many items a flush should target based
// on recent ingestion rate: roughly one minute of events at the observed
// events-per-second.
func (h *Handle) SuggestedBlockSize() int {
	return int(h.eps.Rate() * 60)
}

// TakeBlockItems drains up to n items from the front of the staging
// buffer, FIFO. Returns fewer than n if the buffer holds less.
func (h *Handle) TakeBlockItems(n int) []Item {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n > len(h.buf) {
		n = len(h.buf)
	}
	if n == 0 {
		return nil
	}
	items := make([]Item, n)
	for i, e := range h.buf[:n] {
		items[i] = Item{Timestamp: e.TimestampS, Deleted: e.Deleted}
	}
	h.buf = h.buf[n:]
	return items
}

// EncodeBlockFromItems runs the block codec over items, taking at most n
// of them. It fails with an error if n is zero (nothing was requested) or
// if fewer than n items were actually available to encode.
func EncodeBlockFromItems(items []Item, n int) (Block, error) {
	if n == 0 {
		return Block{}, fmt.Errorf("collection: encode block: no items requested")
	}
	if len(items) > n {
		items = items[:n]
	}

	var body bytes.Buffer
	enc := eventblock.NewEncoder(&body, len(items))
	var startTS, endTS uint64
	written := 0
	for _, it := range items {
		payload := encodeNsidHit(nsidHit{Deleted: it.Deleted})
		if err := enc.Encode(eventblock.Item{Timestamp: int64(it.Timestamp), Payload: payload}); err != nil {
			return Block{}, apperr.Codec(fmt.Errorf("collection: encode block item: %w", err))
		}
		if written == 0 {
			startTS = it.Timestamp
		}
		endTS = it.Timestamp
		written++
	}
	if written != n {
		return Block{}, fmt.Errorf("collection: encode block: unexpected number of items, invalid data?")
	}
	if err := enc.Finish(); err != nil {
		return Block{}, apperr.Codec(fmt.Errorf("collection: finish block: %w", err))
	}

	key := varint.AppendUnsigned(nil, startTS)
	key = varint.AppendUnsigned(key, endTS)
	return Block{Written: written, Key: key, Data: body.Bytes()}, nil
}

// InsertBlock writes b's (key, data) pair into the partition.
func (h *Handle) InsertBlock(b Block) error {
	return apperr.IO(h.partition.Insert(b.Key, b.Data))
}

// Range scans the partition for blocks whose key falls in [lo, hi) over
// the raw varint-encoded key space, forward or reverse.
func (h *Handle) Range(ctx context.Context, lo, hi []byte, reverse bool) (*storage.Iterator, error) {
	select {
	case <-ctx.Done():
		return nil, apperr.Wrap(ctx.Err(), apperr.KindCancelled)
	default:
	}
	it, err := h.partition.Range(lo, hi, reverse)
	if err != nil {
		return nil, apperr.IO(err)
	}
	return it, nil
}

// Compact implements the 8-step merge algorithm: scan the requested range,
// decode and concatenate every qualifying block, optionally sort, re-chunk
// to targetSize, re-encode each chunk (in parallel, via pool), then delete
// the old blocks and insert the new ones.
func (h *Handle) Compact(pool *storage.WorkerPool, targetSize int, lo, hi Bound, sort_ bool) error {
	startLimit := resolveStart(lo)
	endLimit := resolveEnd(hi)

	startKey := varint.AppendUnsigned(nil, startLimit)
	endKey := varint.AppendUnsigned(nil, endLimit)

	it, err := h.partition.Range(startKey, endKey, false)
	if err != nil {
		return apperr.IO(fmt.Errorf("collection: compact range scan: %w", err))
	}

	type loadedBlock struct {
		key   []byte
		items []Item
	}
	var blocks []loadedBlock
	for it.Next() {
		key := append([]byte(nil), it.Key()...)
		value, err := it.Value()
		if err != nil {
			return apperr.IO(fmt.Errorf("collection: compact read block: %w", err))
		}
		startTS, _, err := decodeBlockKey(key)
		if err != nil {
			return fmt.Errorf("collection: compact decode block key: %w", err)
		}
		decoded, err := eventblock.DecodeAll(bytes.NewReader(value), int64(startTS))
		if err != nil {
			return apperr.Codec(fmt.Errorf("collection: compact decode block body: %w", err))
		}
		items := make([]Item, len(decoded))
		for i, d := range decoded {
			items[i] = Item{Timestamp: uint64(d.Timestamp), Deleted: decodeNsidHit(d.Payload).Deleted}
		}
		blocks = append(blocks, loadedBlock{key: key, items: items})
	}

	if len(blocks) < 2 {
		return nil
	}
	startBlocksCount := len(blocks)

	var allItems []Item
	for _, b := range blocks {
		allItems = append(allItems, b.items...)
	}

	if sort_ {
		sort.SliceStable(allItems, func(i, j int) bool { return allItems[i].Timestamp < allItems[j].Timestamp })
	}

	var chunks [][]Item
	for len(allItems) > 0 {
		n := targetSize
		if n > len(allItems) {
			n = len(allItems)
		}
		chunks = append(chunks, allItems[:n])
		allItems = allItems[n:]
	}

	newBlocks := make([]Block, len(chunks))
	jobs := make([]func() error, len(chunks))
	for i, chunk := range chunks {
		i, chunk := i, chunk
		jobs[i] = func() error {
			b, err := EncodeBlockFromItems(chunk, len(chunk))
			if err != nil {
				return err
			}
			newBlocks[i] = b
			return nil
		}
	}
	if err := pool.Run(jobs); err != nil {
		return fmt.Errorf("collection: compact encode chunks: %w", err)
	}

	for _, b := range blocks {
		if err := h.partition.Delete(b.key); err != nil {
			return apperr.IO(fmt.Errorf("collection: compact delete old block: %w", err))
		}
	}
	for _, b := range newBlocks {
		if err := h.InsertBlock(b); err != nil {
			return fmt.Errorf("collection: compact insert new block: %w", err)
		}
	}

	endBlocksCount := len(newBlocks)
	reduction := float64(startBlocksCount-endBlocksCount) / float64(startBlocksCount) * 100.0
	h.logger.Infof(logging.NSCompact+"%s: blocks compacted %d -> %d (%.2f%%)", h.nsid, startBlocksCount, endBlocksCount, reduction)
	return nil
}

func decodeBlockKey(key []byte) (startTS, endTS uint64, err error) {
	r := bytes.NewReader(key)
	startTS, err = varint.DecodeUnsigned(r)
	if err != nil {
		return 0, 0, apperr.Codec(err)
	}
	endTS, err = varint.DecodeUnsigned(r)
	if err != nil && err != io.EOF {
		return 0, 0, apperr.Codec(err)
	}
	return startTS, endTS, nil
}

// DecodeBlockKey splits a block key into its (start_ts, end_ts) pair.
func DecodeBlockKey(key []byte) (startTS, endTS uint64, err error) {
	return decodeBlockKey(key)
}

// DecodeBlockItems decodes a block's body into its items, given the
// start timestamp recovered from the block's key.
func DecodeBlockItems(data []byte, startTS uint64) ([]Item, error) {
	decoded, err := eventblock.DecodeAll(bytes.NewReader(data), int64(startTS))
	if err != nil {
		return nil, apperr.Codec(err)
	}
	items := make([]Item, len(decoded))
	for i, d := range decoded {
		items[i] = Item{Timestamp: uint64(d.Timestamp), Deleted: decodeNsidHit(d.Payload).Deleted}
	}
	return items, nil
}

// CountBlockItems counts a block's items without materializing an Item
// slice. The start timestamp is irrelevant to a count, so it decodes with
// an arbitrary base timestamp of 0.
func CountBlockItems(data []byte) (int, error) {
	dec := eventblock.NewDecoder(bytes.NewReader(data), 0)
	count := 0
	for {
		_, err := dec.Next()
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return count, apperr.Codec(err)
		}
		count++
	}
}
