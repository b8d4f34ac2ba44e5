// Package lsm is a log-structured merge-tree key-value store: writes go to a write-ahead log and a sorted
// memtable, full memtables are flushed to immutable SSTables, and SSTables are periodically merged.
package lsm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/tinylru"
)

var (
	// ErrNotFound is returned by Get for keys that are absent or deleted
	ErrNotFound = errors.New("lsm: key not found")
	// ErrClosed is returned by every operation on a closed DB
	ErrClosed = errors.New("lsm: db closed")
)

// Options tune a DB. Zero fields take the value from DefaultOptions.
type Options struct {
	// MemtableSize is the approximate number of key and value bytes after which the memtable is flushed
	MemtableSize int
	// SparseIndexInterval is the number of records between two sparse index entries
	SparseIndexInterval int
	// BloomFalsePositiveRate is the target false positive rate of the per-table bloom filters
	BloomFalsePositiveRate float64
	// CompactionThreshold is the number of live tables that triggers a full compaction
	CompactionThreshold int
	// CacheSize is the number of table hits kept in the read cache
	CacheSize int
	// NoSync skips the fsync of every WAL write
	NoSync bool
}

// DefaultOptions returns the options used for zero fields
func DefaultOptions() Options {
	return Options{
		MemtableSize:           4 << 20,
		SparseIndexInterval:    16,
		BloomFalsePositiveRate: 0.01,
		CompactionThreshold:    4,
		CacheSize:              1024,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MemtableSize <= 0 {
		o.MemtableSize = d.MemtableSize
	}
	if o.SparseIndexInterval <= 0 {
		o.SparseIndexInterval = d.SparseIndexInterval
	}
	if o.BloomFalsePositiveRate <= 0 || o.BloomFalsePositiveRate >= 1 {
		o.BloomFalsePositiveRate = d.BloomFalsePositiveRate
	}
	if o.CompactionThreshold < 2 {
		o.CompactionThreshold = d.CompactionThreshold
	}
	if o.CacheSize <= 0 {
		o.CacheSize = d.CacheSize
	}
	return o
}

// Stats is a point-in-time view of the DB layers
type Stats struct {
	MemtableKeys  int
	MemtableBytes int
	Tables        int
	Flushes       int
	Compactions   int
}

// DB is safe for concurrent use.
type DB struct {
	mu   sync.RWMutex
	dir  string
	opts Options

	mem *memtable
	wal *memWAL
	// tables holds the live SSTables, newest first
	tables []*table
	next   uint64
	cache  tinylru.LRU

	flushes     int
	compactions int
	closed      bool

	logger *log.Entry
}

// Open opens the DB in dir, creating it if needed. WALs left behind by an earlier process are replayed and flushed.
func Open(dir string, opts Options) (*DB, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lsm dir: %w", err)
	}

	m, err := readManifest(dir)
	if err != nil {
		return nil, err
	}

	db := &DB{
		dir:    dir,
		opts:   opts,
		mem:    newMemtable(),
		next:   m.Next,
		logger: log.WithFields(log.Fields{"component": "lsm", "dir": dir}),
	}
	db.cache.Resize(opts.CacheSize)

	live := make(map[uint64]bool, len(m.Tables))
	for _, num := range m.Tables {
		t, err := openTable(num, filepath.Join(dir, tableFileName(num)))
		if err != nil {
			db.closeTables()
			return nil, err
		}
		db.tables = append(db.tables, t)
		live[num] = true
	}

	walGens, err := db.sweep(live)
	if err != nil {
		db.closeTables()
		return nil, err
	}

	if err := db.recover(walGens); err != nil {
		db.closeTables()
		return nil, err
	}

	if err := db.rotateWAL(); err != nil {
		db.closeTables()
		return nil, err
	}

	db.logger.Debugf("Opened with %d tables", len(db.tables))
	return db, nil
}

// sweep deletes files the manifest does not reference and returns the WAL generations found, oldest first.
func (db *DB) sweep(live map[uint64]bool) ([]uint64, error) {
	dirEntries, err := os.ReadDir(db.dir)
	if err != nil {
		return nil, err
	}

	var walGens []uint64
	for _, e := range dirEntries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".tmp"):
			os.Remove(filepath.Join(db.dir, name))
		case strings.HasSuffix(name, ".sst"):
			num, err := strconv.ParseUint(strings.TrimSuffix(name, ".sst"), 10, 64)
			if err != nil || !live[num] {
				db.logger.Infof("Removing unreferenced table %s", name)
				if err := os.Remove(filepath.Join(db.dir, name)); err != nil {
					return nil, err
				}
			}
			if err == nil && num >= db.next {
				db.next = num + 1
			}
		case e.IsDir() && strings.HasPrefix(name, "wal-"):
			num, err := strconv.ParseUint(strings.TrimPrefix(name, "wal-"), 10, 64)
			if err != nil {
				continue
			}
			walGens = append(walGens, num)
			if num >= db.next {
				db.next = num + 1
			}
		}
	}

	sort.Slice(walGens, func(i, j int) bool { return walGens[i] < walGens[j] })
	return walGens, nil
}

// recover replays old WAL generations into the memtable, flushes it and removes the replayed logs.
func (db *DB) recover(walGens []uint64) error {
	var replayed []*memWAL
	for _, gen := range walGens {
		w, err := openWAL(filepath.Join(db.dir, walDirName(gen)), db.opts.NoSync)
		if err != nil {
			return err
		}
		replayed = append(replayed, w)
		if err := w.replay(db.mem.put); err != nil {
			for _, r := range replayed {
				r.close()
			}
			return err
		}
	}

	if db.mem.len() > 0 {
		db.logger.Infof("Recovered %d keys from %d wal generations", db.mem.len(), len(walGens))
		if err := db.writeMemtable(); err != nil {
			return err
		}
	}

	for _, w := range replayed {
		if err := w.remove(); err != nil {
			return err
		}
	}
	return nil
}

// rotateWAL starts a new WAL generation for the current memtable
func (db *DB) rotateWAL() error {
	num := db.next
	db.next++
	w, err := openWAL(filepath.Join(db.dir, walDirName(num)), db.opts.NoSync)
	if err != nil {
		return err
	}
	db.wal = w
	return nil
}

// Put stores value under key
func (db *DB) Put(key string, value []byte) error {
	return db.write(record{key: key, kind: kindValue, value: append([]byte(nil), value...)})
}

// Delete removes key. Deleting an absent key is not an error.
func (db *DB) Delete(key string) error {
	return db.write(record{key: key, kind: kindTombstone})
}

func (db *DB) write(r record) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}
	if err := db.wal.append(r); err != nil {
		return err
	}
	db.mem.put(r)
	db.cache.Delete(r.key)

	if db.mem.size >= db.opts.MemtableSize {
		return db.flushLocked()
	}
	return nil
}

// Get returns the value stored under key, or ErrNotFound
func (db *DB) Get(key string) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return nil, ErrClosed
	}

	if r, ok := db.mem.get(key); ok {
		return valueOf(r)
	}

	if v, ok := db.cache.Get(key); ok {
		return append([]byte(nil), v.([]byte)...), nil
	}

	for _, t := range db.tables {
		r, ok, err := t.get(key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if r.kind == kindValue {
			db.cache.Set(key, r.value)
		}
		return valueOf(r)
	}
	return nil, ErrNotFound
}

func valueOf(r record) ([]byte, error) {
	if r.kind == kindTombstone {
		return nil, ErrNotFound
	}
	return append([]byte(nil), r.value...), nil
}

// Flush writes the memtable to a new SSTable and starts a new WAL generation
func (db *DB) Flush() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	return db.flushLocked()
}

func (db *DB) flushLocked() error {
	if db.mem.len() == 0 {
		return nil
	}

	old := db.wal
	if err := db.writeMemtable(); err != nil {
		return err
	}
	if err := old.remove(); err != nil {
		return fmt.Errorf("failed to remove flushed wal: %w", err)
	}
	if err := db.rotateWAL(); err != nil {
		return err
	}

	if len(db.tables) >= db.opts.CompactionThreshold {
		return db.compactLocked()
	}
	return nil
}

// writeMemtable turns the memtable into the newest table and records it in the manifest
func (db *DB) writeMemtable() error {
	num := db.next
	db.next++

	path := filepath.Join(db.dir, tableFileName(num))
	if err := writeTable(path, db.mem.records(), db.opts); err != nil {
		return err
	}
	t, err := openTable(num, path)
	if err != nil {
		return err
	}

	tables := append([]*table{t}, db.tables...)
	if err := writeManifest(db.dir, db.manifest(tables)); err != nil {
		t.close()
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	db.tables = tables
	db.mem = newMemtable()
	db.flushes++
	db.logger.Debugf("Flushed memtable to %s", tableFileName(num))
	return nil
}

func (db *DB) manifest(tables []*table) manifest {
	m := manifest{Next: db.next}
	for _, t := range tables {
		m.Tables = append(m.Tables, t.num)
	}
	return m
}

// Compact merges every live table into one. Newer versions win and tombstones are dropped.
func (db *DB) Compact() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	return db.compactLocked()
}

func (db *DB) compactLocked() error {
	if len(db.tables) < 2 {
		return nil
	}

	merged := newMemtable()
	// oldest first, so newer versions replace older ones
	for i := len(db.tables) - 1; i >= 0; i-- {
		records, err := db.tables[i].records()
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", db.tables[i].path, err)
		}
		for _, r := range records {
			merged.put(r)
		}
	}

	var live []record
	for _, r := range merged.records() {
		if r.kind == kindValue {
			live = append(live, r)
		}
	}

	num := db.next
	db.next++
	path := filepath.Join(db.dir, tableFileName(num))
	if err := writeTable(path, live, db.opts); err != nil {
		return err
	}
	t, err := openTable(num, path)
	if err != nil {
		return err
	}

	if err := writeManifest(db.dir, db.manifest([]*table{t})); err != nil {
		t.close()
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	old := db.tables
	db.tables = []*table{t}
	db.compactions++

	for _, o := range old {
		o.close()
		if err := os.Remove(o.path); err != nil {
			db.logger.Warnf("Failed to remove compacted table %s: %v", o.path, err)
		}
	}
	db.logger.Debugf("Compacted %d tables into %s (%d keys)", len(old), tableFileName(num), len(live))
	return nil
}

// Stats returns a snapshot of the layer sizes and maintenance counters
func (db *DB) Stats() Stats {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return Stats{
		MemtableKeys:  db.mem.len(),
		MemtableBytes: db.mem.size,
		Tables:        len(db.tables),
		Flushes:       db.flushes,
		Compactions:   db.compactions,
	}
}

// Close closes the WAL and the tables. Unflushed writes stay in the WAL and are recovered by the next Open.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true

	err := db.wal.close()
	if cerr := db.closeTables(); err == nil {
		err = cerr
	}
	return err
}

func (db *DB) closeTables() error {
	var err error
	for _, t := range db.tables {
		if cerr := t.close(); err == nil {
			err = cerr
		}
	}
	return err
}
