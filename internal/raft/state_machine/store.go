package state_machine

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"raftkv/internal/lsm"
)

// Store is the key space a KVStateMachine applies commands to. An error from Put means the write could not be made
// durable and is fatal to the node.
type Store interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	Close() error
}

// MemoryStore keeps the key space in a map
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *MemoryStore) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

// Snapshot returns a copy of the key space
func (s *MemoryStore) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.data))
	for k, v := range s.data {
		out[k] = string(v)
	}
	return out
}

func (s *MemoryStore) Close() error {
	return nil
}

// LSMStore keeps the key space in an lsm.DB so that it is not bounded by memory. The key space is rebuilt by replaying
// the raft log on every start, so the directory is wiped when the store is opened.
type LSMStore struct {
	db *lsm.DB
}

// OpenLSMStore removes dir and opens a fresh lsm.DB in it
func OpenLSMStore(dir string, opts lsm.Options) (*LSMStore, error) {
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("failed to reset lsm dir: %w", err)
	}
	db, err := lsm.Open(dir, opts)
	if err != nil {
		return nil, err
	}
	return &LSMStore{db: db}, nil
}

func (s *LSMStore) Get(key string) ([]byte, bool, error) {
	v, err := s.db.Get(key)
	if errors.Is(err, lsm.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *LSMStore) Put(key string, value []byte) error {
	return s.db.Put(key, value)
}

// Stats exposes the layer sizes of the underlying DB
func (s *LSMStore) Stats() lsm.Stats {
	return s.db.Stats()
}

func (s *LSMStore) Close() error {
	return s.db.Close()
}
