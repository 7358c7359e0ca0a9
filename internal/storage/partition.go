package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/hosetrack/hosetrack/internal/checksum"
	"github.com/hosetrack/hosetrack/internal/compression"
	"github.com/hosetrack/hosetrack/internal/logging"
	"github.com/hosetrack/hosetrack/internal/memtable"
	"github.com/hosetrack/hosetrack/internal/wal"
)

const (
	manifestLogName      = "manifest.log"
	manifestSnapshotName = "manifest.snapshot"
	blocksDirName        = "blocks"

	// manifestCompactThreshold is the number of edits appended to the log
	// since the last snapshot before Partition folds them into a fresh
	// snapshot and truncates the log, the same way RocksDB periodically
	// rolls its MANIFEST.
	manifestCompactThreshold = 512
)

// DefaultCompression is used for newly written blocks unless a partition is
// opened with a different setting.
const DefaultCompression = compression.SnappyCompression

// Partition is an ordered byte-key namespace within a Keyspace. Each
// inserted value is written as its own compressed, checksummed file; a
// WAL-backed manifest log records which files currently belong to the live
// key set, so recovery after a crash only has to replay that log instead of
// re-scanning the directory and guessing.
type Partition struct {
	dir         string
	logger      logging.Logger
	compression compression.Type

	mu       sync.RWMutex
	index    *memtable.SkipList // sorted, authoritative key set; stale keys are pruned on snapshot
	files    map[string]string  // hex(key) -> block filename
	manifest *wal.Writer
	manFile  *os.File
	edits    int

	nextFileID atomic.Uint64
}

func openPartition(dir string, logger logging.Logger) (*Partition, error) {
	if err := os.MkdirAll(filepath.Join(dir, blocksDirName), 0o755); err != nil {
		return nil, fmt.Errorf("storage: create partition dir: %w", err)
	}

	entries, err := readSnapshot(filepath.Join(dir, manifestSnapshotName))
	if err != nil {
		return nil, err
	}
	files := make(map[string]string, len(entries))
	for _, e := range entries {
		files[e.KeyHex] = e.File
	}

	logEdits, err := replayManifestLog(filepath.Join(dir, manifestLogName))
	if err != nil {
		return nil, err
	}
	for _, e := range logEdits {
		keyHex := hex.EncodeToString(e.key)
		switch e.op {
		case editAdd:
			files[keyHex] = e.file
		case editDel:
			delete(files, keyHex)
		}
	}

	index := memtable.NewSkipList(memtable.BytewiseComparator)
	var maxFileID uint64
	for keyHex := range files {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("storage: corrupt manifest key %q: %w", keyHex, err)
		}
		index.Insert(key)
		if id, ok := parseFileID(files[keyHex]); ok && id > maxFileID {
			maxFileID = id
		}
	}

	manFile, err := os.OpenFile(filepath.Join(dir, manifestLogName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open manifest log: %w", err)
	}

	p := &Partition{
		dir:         dir,
		logger:      logger,
		compression: DefaultCompression,
		index:       index,
		files:       files,
		manifest:    wal.NewWriter(manFile, 0, false),
		manFile:     manFile,
		edits:       len(logEdits),
	}
	p.nextFileID.Store(maxFileID)
	return p, nil
}

func parseFileID(name string) (uint64, bool) {
	var id uint64
	if _, err := fmt.Sscanf(name, "%016x.blk", &id); err != nil {
		return 0, false
	}
	return id, true
}

// SetCompression overrides the compression used for blocks written after
// this call. Existing blocks are unaffected — their own stored type is
// used when reading them back.
func (p *Partition) SetCompression(t compression.Type) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.compression = t
}

// Insert writes value under key, replacing any existing value for that key.
func (p *Partition) Insert(key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextFileID.Add(1)
	fileName := fmt.Sprintf("%016x.blk", id)
	if err := writeBlockFile(filepath.Join(p.dir, blocksDirName, fileName), p.compression, value); err != nil {
		return fmt.Errorf("storage: write block file: %w", err)
	}

	keyHex := hex.EncodeToString(key)
	if oldFile, exists := p.files[keyHex]; exists {
		if err := p.appendEdit(edit{op: editDel, key: key}); err != nil {
			return err
		}
		_ = os.Remove(filepath.Join(p.dir, blocksDirName, oldFile))
	} else {
		p.index.Insert(append([]byte(nil), key...))
	}

	if err := p.appendEdit(edit{op: editAdd, key: key, file: fileName}); err != nil {
		return err
	}
	p.files[keyHex] = fileName
	return p.maybeCompactManifest()
}

// Delete removes key. It is not an error to delete a key that does not
// exist.
func (p *Partition) Delete(key []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	keyHex := hex.EncodeToString(key)
	oldFile, exists := p.files[keyHex]
	if !exists {
		return nil
	}
	if err := p.appendEdit(edit{op: editDel, key: key}); err != nil {
		return err
	}
	delete(p.files, keyHex)
	_ = os.Remove(filepath.Join(p.dir, blocksDirName, oldFile))
	return p.maybeCompactManifest()
}

// Get returns the value stored under key, or ok=false if absent.
func (p *Partition) Get(key []byte) (value []byte, ok bool, err error) {
	p.mu.RLock()
	fileName, exists := p.files[hex.EncodeToString(key)]
	p.mu.RUnlock()
	if !exists {
		return nil, false, nil
	}
	data, err := readBlockFile(filepath.Join(p.dir, blocksDirName, fileName))
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Range returns an iterator over live keys in [lo, hi). A nil lo means "from
// the beginning"; a nil hi means "to the end." If reverse is true, keys are
// visited from the highest to the lowest.
func (p *Partition) Range(lo, hi []byte, reverse bool) (*Iterator, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	// Snapshot the live key set now, under the read lock, so a concurrent
	// Insert/Delete never mutates what this iteration walks.
	var keys [][]byte
	it := p.index.NewIterator()
	if lo != nil {
		it.Seek(lo)
	} else {
		it.SeekToFirst()
	}
	for it.Valid() {
		k := it.Key()
		if hi != nil && bytes.Compare(k, hi) >= 0 {
			break
		}
		if _, live := p.files[hex.EncodeToString(k)]; live {
			keys = append(keys, append([]byte(nil), k...))
		}
		it.Next()
	}

	if reverse {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}

	files := make([]string, len(keys))
	for i, k := range keys {
		files[i] = p.files[hex.EncodeToString(k)]
	}

	return &Iterator{dir: filepath.Join(p.dir, blocksDirName), keys: keys, files: files, pos: -1}, nil
}

// DiskUsage returns the total size, in bytes, of every block file and the
// manifest log for this partition.
func (p *Partition) DiskUsage() (int64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var total int64
	for _, fileName := range p.files {
		info, err := os.Stat(filepath.Join(p.dir, blocksDirName, fileName))
		if err != nil {
			continue
		}
		total += info.Size()
	}
	if info, err := os.Stat(filepath.Join(p.dir, manifestLogName)); err == nil {
		total += info.Size()
	}
	return total, nil
}

// Close flushes and closes the manifest log file.
func (p *Partition) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.manifest.Sync(); err != nil {
		return err
	}
	return p.manFile.Close()
}

func (p *Partition) appendEdit(e edit) error {
	if _, err := p.manifest.AddRecord(encodeEdit(e)); err != nil {
		return fmt.Errorf("storage: append manifest edit: %w", err)
	}
	p.edits++
	return nil
}

// maybeCompactManifest rewrites the manifest as a fresh snapshot plus an
// empty log once enough edits have accumulated, the same way RocksDB rolls
// to a new MANIFEST file periodically rather than replaying an
// ever-growing edit history on every open. Must be called with p.mu held.
func (p *Partition) maybeCompactManifest() error {
	if p.edits < manifestCompactThreshold {
		return nil
	}

	entries := make([]snapshotEntry, 0, len(p.files))
	for keyHex, file := range p.files {
		entries = append(entries, snapshotEntry{KeyHex: keyHex, File: file})
	}
	if err := writeSnapshot(filepath.Join(p.dir, manifestSnapshotName), entries); err != nil {
		return err
	}

	if err := p.manFile.Close(); err != nil {
		return err
	}
	manFile, err := os.OpenFile(filepath.Join(p.dir, manifestLogName), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("storage: recreate manifest log: %w", err)
	}
	p.manFile = manFile
	p.manifest = wal.NewWriter(manFile, 0, false)
	p.edits = 0

	// Rebuild the index so keys deleted since the last snapshot are
	// dropped instead of lingering as permanently-filtered tombstones —
	// the skiplist itself has no delete operation by design (nodes are
	// never removed until the structure is destroyed), so a fresh one is
	// the idiomatic way to reclaim that space.
	index := memtable.NewSkipList(memtable.BytewiseComparator)
	for keyHex := range p.files {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return fmt.Errorf("storage: corrupt key during manifest compaction: %w", err)
		}
		index.Insert(key)
	}
	p.index = index
	p.logger.Infof(logging.NSManifest+"compacted: %d live keys", len(p.files))
	return nil
}

// writeBlockFile writes a self-describing compressed block file:
// [1B compression type][varint uncompressed length][4B xxh3 checksum of the
// compressed payload][compressed payload].
func writeBlockFile(path string, t compression.Type, data []byte) error {
	compressed, err := compression.Compress(t, data)
	if err != nil {
		return fmt.Errorf("compress: %w", err)
	}
	sum := checksum.XXH3Checksum(compressed)

	var header bytes.Buffer
	header.WriteByte(byte(t))
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(data)))
	header.Write(lenBuf[:n])
	var sumBuf [4]byte
	binary.LittleEndian.PutUint32(sumBuf[:], sum)
	header.Write(sumBuf[:])

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(header.Bytes()); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(compressed); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readBlockFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < 1 {
		return nil, fmt.Errorf("storage: block file %s is empty", path)
	}
	t := compression.Type(raw[0])
	rest := raw[1:]
	uncompressedLen, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, fmt.Errorf("storage: block file %s has a corrupt length prefix", path)
	}
	rest = rest[n:]
	if len(rest) < 4 {
		return nil, fmt.Errorf("storage: block file %s is truncated before its checksum", path)
	}
	wantSum := binary.LittleEndian.Uint32(rest[:4])
	compressed := rest[4:]
	if gotSum := checksum.XXH3Checksum(compressed); gotSum != wantSum {
		return nil, fmt.Errorf("storage: block file %s failed checksum verification", path)
	}
	data, err := compression.DecompressWithSize(t, compressed, int(uncompressedLen))
	if err != nil {
		return nil, fmt.Errorf("storage: decompress block file %s: %w", path, err)
	}
	return data, nil
}
