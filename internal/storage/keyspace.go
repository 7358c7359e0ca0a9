// Package storage implements the narrow LSM-style keyspace this engine
// needs: a directory of named partitions, each an ordered byte-key
// namespace supporting range scans and point access, backed by one
// immutable compressed file per inserted block plus a small WAL-backed
// manifest of which files are currently live.
//
// This is deliberately not a general transactional key-value engine: there
// are no column families, no MVCC sequence numbers, no merge operators, no
// snapshots, and no leveled compaction. Every write here is a whole block
// (or, for the counts partition, a whole small fixed-size record); nothing
// in this system does per-key point writes into a large shared key space,
// so none of that machinery earns its complexity. See DESIGN.md for the
// itemized list of what was deliberately left out and why.
package storage

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hosetrack/hosetrack/internal/apperr"
	"github.com/hosetrack/hosetrack/internal/logging"
)

// Keyspace owns a directory on disk containing one subdirectory per
// partition. Partitions are created lazily and, once opened, live for the
// lifetime of the Keyspace.
type Keyspace struct {
	dir    string
	logger logging.Logger

	mu         sync.Mutex
	partitions map[string]*Partition
}

// Open opens or creates a Keyspace rooted at dir.
func Open(dir string, logger logging.Logger) (*Keyspace, error) {
	if logger == nil {
		logger = logging.Discard
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.IO(fmt.Errorf("storage: create keyspace dir: %w", err))
	}
	return &Keyspace{
		dir:        dir,
		logger:     logger,
		partitions: make(map[string]*Partition),
	}, nil
}

// OpenPartition returns the partition with the given name, creating it (and
// its on-disk directory) on first access. Safe for concurrent use.
func (ks *Keyspace) OpenPartition(name string) (*Partition, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if p, ok := ks.partitions[name]; ok {
		return p, nil
	}

	p, err := openPartition(filepath.Join(ks.dir, sanitizePartitionName(name)), ks.logger)
	if err != nil {
		return nil, apperr.IO(err)
	}
	ks.partitions[name] = p
	return p, nil
}

// Partitions returns a snapshot of the currently open partition names.
func (ks *Keyspace) Partitions() []string {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	names := make([]string, 0, len(ks.partitions))
	for name := range ks.partitions {
		names = append(names, name)
	}
	return names
}

// DiscoverPartitions lists every partition directory persisted on disk,
// including ones this process has not opened yet — used by CLI tooling
// (debug, print, migrate) that needs to enumerate a keyspace written by a
// previous run.
func (ks *Keyspace) DiscoverPartitions() ([]string, error) {
	entries, err := os.ReadDir(ks.dir)
	if err != nil {
		return nil, apperr.IO(fmt.Errorf("storage: discover partitions: %w", err))
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		names = append(names, unsanitizePartitionName(e.Name()))
	}
	return names, nil
}

// DiskUsage returns the total on-disk size in bytes across every open
// partition.
func (ks *Keyspace) DiskUsage() (int64, error) {
	ks.mu.Lock()
	parts := make([]*Partition, 0, len(ks.partitions))
	for _, p := range ks.partitions {
		parts = append(parts, p)
	}
	ks.mu.Unlock()

	var total int64
	for _, p := range parts {
		n, err := p.DiskUsage()
		if err != nil {
			return 0, apperr.IO(err)
		}
		total += n
	}
	return total, nil
}

// Close closes every open partition.
func (ks *Keyspace) Close() error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	var firstErr error
	for _, p := range ks.partitions {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// sanitizePartitionName keeps nsids that already look like safe path
// segments as-is (the overwhelming common case: dotted lowercase
// segments), and otherwise hex-encodes them so a malicious or unusual nsid
// can never escape the keyspace directory.
func sanitizePartitionName(name string) string {
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '-' || r == '_':
		default:
			return fmt.Sprintf("x%x", []byte(name))
		}
	}
	if name == "" || name == "." || name == ".." {
		return fmt.Sprintf("x%x", []byte(name))
	}
	return name
}

// unsanitizePartitionName reverses sanitizePartitionName for directory
// names discovered on disk. Hex-encoded names decode back to their
// original bytes; anything else round-trips unchanged.
func unsanitizePartitionName(dirName string) string {
	rest, ok := strings.CutPrefix(dirName, "x")
	if !ok {
		return dirName
	}
	decoded, err := hex.DecodeString(rest)
	if err != nil {
		return dirName
	}
	return string(decoded)
}
