package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/hosetrack/hosetrack/internal/varint"
	"github.com/hosetrack/hosetrack/internal/wal"
)

// editOp is the kind of change recorded in the manifest log.
type editOp byte

const (
	editAdd editOp = 1
	editDel editOp = 2
)

// edit is one change to a partition's live file set: add associates key
// with file, del removes key (its file is left on disk for a caller to
// reclaim separately — in practice callers only delete a key right before
// adding its replacement under a new key, during compaction).
type edit struct {
	op   editOp
	key  []byte
	file string
}

func encodeEdit(e edit) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(e.op))
	buf.Write(varint.AppendUnsigned(nil, uint64(len(e.key))))
	buf.Write(e.key)
	buf.Write(varint.AppendUnsigned(nil, uint64(len(e.file))))
	buf.WriteString(e.file)
	return buf.Bytes()
}

func decodeEdit(data []byte) (edit, error) {
	r := bytes.NewReader(data)
	opByte, err := r.ReadByte()
	if err != nil {
		return edit{}, fmt.Errorf("storage: decode manifest edit: %w", err)
	}
	keyLen, err := varint.DecodeUnsigned(r)
	if err != nil {
		return edit{}, fmt.Errorf("storage: decode manifest edit key length: %w", err)
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return edit{}, fmt.Errorf("storage: decode manifest edit key: %w", err)
	}
	fileLen, err := varint.DecodeUnsigned(r)
	if err != nil {
		return edit{}, fmt.Errorf("storage: decode manifest edit file length: %w", err)
	}
	fileBuf := make([]byte, fileLen)
	if _, err := io.ReadFull(r, fileBuf); err != nil {
		return edit{}, fmt.Errorf("storage: decode manifest edit file: %w", err)
	}
	return edit{op: editOp(opByte), key: key, file: string(fileBuf)}, nil
}

// snapshotEntry is one live (key, file) pair as stored in the JSON
// snapshot. Keys are hex-encoded since they are arbitrary binary varint
// sequences, not valid JSON strings on their own.
type snapshotEntry struct {
	KeyHex string `json:"key"`
	File   string `json:"file"`
}

// readSnapshot loads the base file-set state from path, returning an empty
// slice if the file does not exist yet.
func readSnapshot(path string) ([]snapshotEntry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read manifest snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var entries []snapshotEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("storage: parse manifest snapshot: %w", err)
	}
	return entries, nil
}

func writeSnapshot(path string, entries []snapshotEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("storage: encode manifest snapshot: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("storage: write manifest snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

// replayManifestLog reads every edit record from the manifest's WAL-format
// log file, in order. Missing files are treated as an empty log (a fresh
// partition, or one that has never grown past a snapshot).
func replayManifestLog(path string) ([]edit, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: open manifest log: %w", err)
	}
	defer f.Close()

	r := wal.NewReader(f, nil, true, 0)
	var edits []edit
	for {
		rec, err := r.ReadRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("storage: read manifest log: %w", err)
		}
		e, err := decodeEdit(rec)
		if err != nil {
			return nil, err
		}
		edits = append(edits, e)
	}
	return edits, nil
}
