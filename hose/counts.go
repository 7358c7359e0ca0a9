package hose

import "encoding/binary"

// countsWireSize is three fixed 8-byte little-endian fields: count,
// deleted_count, last_seen. Go has no native 128-bit integer the way the
// original's u128 counters were declared; at sustained ingestion rates a
// uint64 counter wraps only after roughly 584 years at one billion events
// per second, so uint64 is adequate here and avoids pulling in math/big
// for arithmetic no realistic deployment will ever need.
const countsWireSize = 24

// NsidCounts is the per-collection aggregate stored in the counts
// partition: how many non-deleted events have been seen, how many
// deletions, and the most recently observed timestamp.
type NsidCounts struct {
	Count        uint64
	DeletedCount uint64
	LastSeen     uint64
}

func encodeNsidCounts(c NsidCounts) []byte {
	buf := make([]byte, countsWireSize)
	binary.LittleEndian.PutUint64(buf[0:8], c.Count)
	binary.LittleEndian.PutUint64(buf[8:16], c.DeletedCount)
	binary.LittleEndian.PutUint64(buf[16:24], c.LastSeen)
	return buf
}

func decodeNsidCounts(data []byte) NsidCounts {
	if len(data) < countsWireSize {
		return NsidCounts{}
	}
	return NsidCounts{
		Count:        binary.LittleEndian.Uint64(data[0:8]),
		DeletedCount: binary.LittleEndian.Uint64(data[8:16]),
		LastSeen:     binary.LittleEndian.Uint64(data[16:24]),
	}
}

// NsidEntry pairs a collection identifier with its current counts, the
// element type yielded by GetCounts.
type NsidEntry struct {
	Nsid   string
	Counts NsidCounts
}
