// Package eventblock encodes an ordered sequence of (timestamp, payload)
// items into a compact byte block using delta-of-delta timestamp
// compression, and decodes it back.
//
// The first item's timestamp is not stored in the body — callers keep it as
// the block's key (see internal/collection) and pass it to NewDecoder.
// Subsequent items store only the second difference of their timestamp from
// the previous one, zig-zag/varint encoded via internal/varint, so runs of
// evenly spaced timestamps compress to a single zero byte per item.
package eventblock

import (
	"errors"
	"fmt"
	"io"

	"github.com/hosetrack/hosetrack/internal/varint"
)

// ErrTruncated is returned when a delta was read successfully but the
// subsequent length prefix or payload bytes were cut short. This is
// distinct from io.EOF, which means the block ended cleanly between items.
var ErrTruncated = errors.New("eventblock: truncated after delta")

// Item is one decoded or to-be-encoded (timestamp, payload) pair.
type Item struct {
	Timestamp int64
	Payload   []byte
}

// EncodedLenHint returns a rough capacity estimate for a block of count
// items, useful for preallocating the destination buffer. It assumes small
// deltas (1 byte) and small payloads; callers should treat it as a hint,
// not an exact bound.
func EncodedLenHint(count int) int {
	return count * 4
}

// Encoder writes a fixed number of items to w in block-codec format.
type Encoder struct {
	w         io.Writer
	count     int
	written   int
	prevTs    int64
	prevDelta int64
}

// NewEncoder creates an Encoder that expects to write exactly count items.
func NewEncoder(w io.Writer, count int) *Encoder {
	return &Encoder{w: w, count: count}
}

// Encode writes the next item. Items must be supplied in the order they
// should be decoded back.
func (e *Encoder) Encode(item Item) error {
	if e.written >= e.count {
		return fmt.Errorf("eventblock: encoder already wrote its requested %d items", e.count)
	}
	if e.written == 0 {
		if _, err := varint.EncodeUnsigned(e.w, uint64(len(item.Payload))); err != nil {
			return err
		}
		if _, err := e.w.Write(item.Payload); err != nil {
			return err
		}
		e.prevTs = item.Timestamp
		e.prevDelta = 0
		e.written++
		return nil
	}

	delta := item.Timestamp - e.prevTs
	deltaOfDelta := delta - e.prevDelta
	if _, err := varint.EncodeSigned(e.w, deltaOfDelta); err != nil {
		return err
	}
	if _, err := varint.EncodeUnsigned(e.w, uint64(len(item.Payload))); err != nil {
		return err
	}
	if _, err := e.w.Write(item.Payload); err != nil {
		return err
	}
	e.prevTs = item.Timestamp
	e.prevDelta = delta
	e.written++
	return nil
}

// Finish validates that exactly the requested number of items were written.
func (e *Encoder) Finish() error {
	if e.written != e.count {
		return fmt.Errorf("eventblock: wrote %d items, expected %d", e.written, e.count)
	}
	return nil
}

// byteReader adapts an io.Reader to io.ByteReader, as required by
// internal/varint's decode functions, without requiring callers to pass a
// *bufio.Reader themselves.
type byteReader struct {
	r   io.Reader
	buf [1]byte
}

func (b *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(b.r, b.buf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return 0, err
	}
	return b.buf[0], nil
}

// Decoder reads items back out of a block body given the timestamp of the
// first item (which the caller recovers from the block's key).
type Decoder struct {
	br             *byteReader
	startTimestamp int64
	curTs          int64
	curDelta       int64
	first          bool
}

// NewDecoder creates a Decoder over r, seeded with the first item's
// timestamp.
func NewDecoder(r io.Reader, startTimestamp int64) *Decoder {
	return &Decoder{
		br:             &byteReader{r: r},
		startTimestamp: startTimestamp,
		first:          true,
	}
}

// Next returns the next item, io.EOF at a clean end of the block, or
// ErrTruncated if the block ends mid-item.
func (d *Decoder) Next() (Item, error) {
	if d.first {
		payload, err := d.readLengthPrefixed()
		if err != nil {
			if err == io.EOF {
				return Item{}, io.EOF
			}
			return Item{}, ErrTruncated
		}
		d.first = false
		d.curTs = d.startTimestamp
		d.curDelta = 0
		return Item{Timestamp: d.curTs, Payload: payload}, nil
	}

	deltaOfDelta, err := varint.DecodeSigned(d.br)
	if err != nil {
		if err == io.EOF {
			return Item{}, io.EOF
		}
		return Item{}, ErrTruncated
	}
	d.curDelta += deltaOfDelta
	d.curTs += d.curDelta

	payload, err := d.readLengthPrefixed()
	if err != nil {
		return Item{}, ErrTruncated
	}
	return Item{Timestamp: d.curTs, Payload: payload}, nil
}

func (d *Decoder) readLengthPrefixed() ([]byte, error) {
	n, err := varint.DecodeUnsigned(d.br)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.br.r, buf); err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	return buf, nil
}

// DecodeAll reads every item out of a block body. It is a convenience
// wrapper around Decoder for callers (like compaction) that want the whole
// sequence at once.
func DecodeAll(r io.Reader, startTimestamp int64) ([]Item, error) {
	dec := NewDecoder(r, startTimestamp)
	var items []Item
	for {
		item, err := dec.Next()
		if err == io.EOF {
			return items, nil
		}
		if err != nil {
			return items, err
		}
		items = append(items, item)
	}
}
