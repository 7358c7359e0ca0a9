package storage

import "path/filepath"

// Iterator walks a fixed snapshot of keys produced by Partition.Range. It
// reads each block file lazily, on Value(), rather than eagerly loading
// every value up front.
type Iterator struct {
	dir   string
	keys  [][]byte
	files []string
	pos   int
}

// Next advances the iterator and reports whether a value is now available.
func (it *Iterator) Next() bool {
	it.pos++
	return it.pos < len(it.keys)
}

// Key returns the key at the current position. Valid only after a call to
// Next that returned true.
func (it *Iterator) Key() []byte {
	return it.keys[it.pos]
}

// Value reads and returns the value at the current position.
func (it *Iterator) Value() ([]byte, error) {
	return readBlockFile(filepath.Join(it.dir, it.files[it.pos]))
}

// Len reports the total number of keys this iterator will visit.
func (it *Iterator) Len() int {
	return len(it.keys)
}
