package eventblock

import (
	"bytes"
	"io"
	"testing"
)

func encodeItems(t *testing.T, items []Item) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := NewEncoder(&buf, len(items))
	for _, it := range items {
		if err := enc.Encode(it); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}
	if err := enc.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return buf.Bytes()
}

func TestEncodeDecodeSingleItem(t *testing.T) {
	items := []Item{{Timestamp: 1000, Payload: []byte("hello")}}
	body := encodeItems(t, items)
	got, err := DecodeAll(bytes.NewReader(body), items[0].Timestamp)
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	if len(got) != 1 || got[0].Timestamp != 1000 || string(got[0].Payload) != "hello" {
		t.Fatalf("got %+v", got)
	}
}

func TestEncodeDecodeMultipleItems(t *testing.T) {
	items := []Item{
		{Timestamp: 1000, Payload: []byte("a")},
		{Timestamp: 1001, Payload: []byte("bb")},
		{Timestamp: 1002, Payload: []byte("ccc")},
		{Timestamp: 1010, Payload: []byte("d")},
	}
	body := encodeItems(t, items)
	got, err := DecodeAll(bytes.NewReader(body), items[0].Timestamp)
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	if len(got) != len(items) {
		t.Fatalf("got %d items, want %d", len(got), len(items))
	}
	for i := range items {
		if got[i].Timestamp != items[i].Timestamp || !bytes.Equal(got[i].Payload, items[i].Payload) {
			t.Fatalf("item %d: got %+v, want %+v", i, got[i], items[i])
		}
	}
}

func TestEncodeDecodeWithIterator(t *testing.T) {
	items := []Item{
		{Timestamp: 5, Payload: nil},
		{Timestamp: 6, Payload: []byte{1}},
		{Timestamp: 9, Payload: []byte{2, 3}},
	}
	body := encodeItems(t, items)
	dec := NewDecoder(bytes.NewReader(body), items[0].Timestamp)
	var count int
	for {
		item, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if item.Timestamp != items[count].Timestamp {
			t.Fatalf("item %d: got ts %d, want %d", count, item.Timestamp, items[count].Timestamp)
		}
		count++
	}
	if count != len(items) {
		t.Fatalf("decoded %d items, want %d", count, len(items))
	}
}

func TestDeltaCompression(t *testing.T) {
	const n = 1000
	items := make([]Item, n)
	payload := []byte("x")
	for i := range items {
		items[i] = Item{Timestamp: int64(10_000 + i), Payload: payload}
	}
	body := encodeItems(t, items)

	naive := n * (1 + 1 + len(payload))
	if len(body) >= naive {
		t.Fatalf("expected delta compression to beat naive encoding: got %d, naive bound %d", len(body), naive)
	}

	got, err := DecodeAll(bytes.NewReader(body), items[0].Timestamp)
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	if len(got) != n {
		t.Fatalf("got %d items, want %d", len(got), n)
	}
	for i, item := range got {
		if item.Timestamp != items[i].Timestamp {
			t.Fatalf("item %d: got ts %d, want %d", i, item.Timestamp, items[i].Timestamp)
		}
	}
}

func TestEmptyDecode(t *testing.T) {
	items, err := DecodeAll(bytes.NewReader(nil), 0)
	if err != nil {
		t.Fatalf("DecodeAll on empty body: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no items, got %d", len(items))
	}
}

func TestBackwardsTimestamp(t *testing.T) {
	items := []Item{
		{Timestamp: 1000, Payload: []byte("a")},
		{Timestamp: 500, Payload: []byte("b")},
		{Timestamp: 1500, Payload: []byte("c")},
		{Timestamp: 200, Payload: []byte("d")},
	}
	body := encodeItems(t, items)
	got, err := DecodeAll(bytes.NewReader(body), items[0].Timestamp)
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	for i := range items {
		if got[i].Timestamp != items[i].Timestamp {
			t.Fatalf("item %d: got ts %d, want %d", i, got[i].Timestamp, items[i].Timestamp)
		}
	}
}

func TestDifferentPayloadSizes(t *testing.T) {
	items := []Item{
		{Timestamp: 1, Payload: nil},
		{Timestamp: 2, Payload: make([]byte, 1)},
		{Timestamp: 3, Payload: make([]byte, 100)},
		{Timestamp: 4, Payload: make([]byte, 10_000)},
	}
	body := encodeItems(t, items)
	got, err := DecodeAll(bytes.NewReader(body), items[0].Timestamp)
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	for i := range items {
		if len(got[i].Payload) != len(items[i].Payload) {
			t.Fatalf("item %d: payload len got %d, want %d", i, len(got[i].Payload), len(items[i].Payload))
		}
	}
}

func TestEncoderRejectsOverflow(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, 1)
	if err := enc.Encode(Item{Timestamp: 1}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := enc.Encode(Item{Timestamp: 2}); err == nil {
		t.Fatal("expected Encode to reject writing beyond the requested count")
	}
}

func TestEncoderRejectsShortfall(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, 3)
	if err := enc.Encode(Item{Timestamp: 1}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := enc.Finish(); err == nil {
		t.Fatal("expected Finish to fail after writing fewer items than requested")
	}
}

func TestTruncatedBlockAfterDelta(t *testing.T) {
	items := []Item{
		{Timestamp: 1000, Payload: []byte("a")},
		{Timestamp: 1001, Payload: []byte("bb")},
	}
	body := encodeItems(t, items)
	// Cut the body right after the second item's length prefix, dropping
	// its two payload bytes — a structural error, not a clean end.
	truncated := body[:len(body)-2]
	dec := NewDecoder(bytes.NewReader(truncated), items[0].Timestamp)
	if _, err := dec.Next(); err != nil {
		t.Fatalf("first item: %v", err)
	}
	if _, err := dec.Next(); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func FuzzEncodeDecode(f *testing.F) {
	f.Add(int64(1000), int64(1), int64(2), int64(3))
	f.Fuzz(func(t *testing.T, start, d1, d2, d3 int64) {
		items := []Item{
			{Timestamp: start, Payload: []byte{1}},
			{Timestamp: start + d1%1000, Payload: []byte{2, 3}},
			{Timestamp: start + d1%1000 + d2%1000, Payload: nil},
			{Timestamp: start + d1%1000 + d2%1000 + d3%1000, Payload: []byte{4, 5, 6}},
		}
		body := encodeItems(t, items)
		got, err := DecodeAll(bytes.NewReader(body), items[0].Timestamp)
		if err != nil {
			t.Fatalf("DecodeAll: %v", err)
		}
		for i := range items {
			if got[i].Timestamp != items[i].Timestamp {
				t.Fatalf("item %d: got ts %d, want %d", i, got[i].Timestamp, items[i].Timestamp)
			}
		}
	})
}
