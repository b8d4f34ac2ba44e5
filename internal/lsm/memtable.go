package lsm

import (
	"github.com/google/btree"
)

// kind marks whether a record holds a value or deletes the key
type kind byte

const (
	kindValue     kind = 0
	kindTombstone kind = 1
)

// record is one key version, as held by the memtable and stored in SSTables
type record struct {
	key   string
	kind  kind
	value []byte
}

func recordLess(a, b record) bool {
	return a.key < b.key
}

// memtable is the mutable, sorted in-memory layer. It is not safe for concurrent use; DB serializes access.
type memtable struct {
	tree *btree.BTreeG[record]
	size int
}

func newMemtable() *memtable {
	return &memtable{tree: btree.NewG[record](32, recordLess)}
}

func (m *memtable) put(r record) {
	if old, replaced := m.tree.ReplaceOrInsert(r); replaced {
		m.size -= len(old.key) + len(old.value)
	}
	m.size += len(r.key) + len(r.value)
}

func (m *memtable) get(key string) (record, bool) {
	return m.tree.Get(record{key: key})
}

func (m *memtable) len() int {
	return m.tree.Len()
}

// records returns all records in key order
func (m *memtable) records() []record {
	out := make([]record, 0, m.tree.Len())
	m.tree.Ascend(func(r record) bool {
		out = append(out, r)
		return true
	})
	return out
}
