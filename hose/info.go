package hose

import (
	"context"
	"fmt"
	"sort"

	"github.com/hosetrack/hosetrack/internal/collection"
)

// Info is a snapshot of block layout across every known collection, used by
// the debug and compact CLI subcommands to report before/after effects of
// a compaction pass. It is never exposed over the HTTP API.
type Info struct {
	PerNsid       map[string][]int
	DiskSizeBytes int64
}

// Info reports, for every collection this keyspace has ever persisted
// (including ones this process has not touched yet), the item count of
// each of its blocks in descending (most recent first) key order, plus the
// total on-disk size across the whole keyspace.
func (db *DB) Info() (Info, error) {
	nsids, err := db.knownNsids()
	if err != nil {
		return Info{}, fmt.Errorf("hose: info: %w", err)
	}

	perNsid := make(map[string][]int, len(nsids))
	for _, nsid := range nsids {
		sizes, err := db.blockSizes(nsid)
		if err != nil {
			return Info{}, fmt.Errorf("hose: info %q: %w", nsid, err)
		}
		perNsid[nsid] = sizes
	}

	diskSize, err := db.ks.DiskUsage()
	if err != nil {
		return Info{}, fmt.Errorf("hose: info: disk usage: %w", err)
	}

	return Info{PerNsid: perNsid, DiskSizeBytes: diskSize}, nil
}

// knownNsids merges the partitions discovered on disk with any handle
// already opened in memory (covering a freshly-ingested nsid not yet
// flushed to its own directory), excluding the reserved counts partition.
func (db *DB) knownNsids() ([]string, error) {
	onDisk, err := db.ks.DiscoverPartitions()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(onDisk))
	var nsids []string
	for _, name := range onDisk {
		if name == countsPartitionName {
			continue
		}
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			nsids = append(nsids, name)
		}
	}
	db.handles.Range(func(k, _ any) bool {
		nsid := k.(string)
		if _, ok := seen[nsid]; !ok {
			seen[nsid] = struct{}{}
			nsids = append(nsids, nsid)
		}
		return true
	})

	sort.Strings(nsids)
	return nsids, nil
}

// blockSizes returns nsid's block item counts in descending (most recent
// first) key order.
func (db *DB) blockSizes(nsid string) ([]int, error) {
	h, err := db.handleFor(nsid)
	if err != nil {
		return nil, err
	}

	it, err := h.Range(context.Background(), nil, nil, true)
	if err != nil {
		return nil, err
	}

	var sizes []int
	for it.Next() {
		data, err := it.Value()
		if err != nil {
			return sizes, err
		}
		n, err := collection.CountBlockItems(data)
		if err != nil {
			return sizes, err
		}
		sizes = append(sizes, n)
	}
	return sizes, nil
}
