package mocks

import (
	"fmt"
	"sync"

	"raftkv/internal/raft"
	"raftkv/internal/raft/proto"
)

// MockLogStorage is an in-memory implementation of storage.LogStorage for testing
type MockLogStorage struct {
	mu       sync.RWMutex
	entries  []*proto.LogEntry
	term     uint64
	votedFor *string

	// PersistCount is the number of successful Persist calls
	PersistCount int

	// Error injection for testing
	AppendEntriesError  error
	GetEntryError       error
	GetEntriesError     error
	TruncateFromError   error
	LastIndexError      error
	LastTermError       error
	PersistError        error
	GetCurrentTermError error
	SetCurrentTermError error
	GetVotedForError    error
	SetVotedForError    error
}

// NewMockLogStorage creates a new mock log storage
func NewMockLogStorage() *MockLogStorage {
	return &MockLogStorage{}
}

func (m *MockLogStorage) AppendEntries(entries []*proto.LogEntry) error {
	if m.AppendEntriesError != nil {
		return m.AppendEntriesError
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	next := uint64(len(m.entries)) + 1
	for _, entry := range entries {
		if entry.Index != next {
			return fmt.Errorf("append index %d, expected %d", entry.Index, next)
		}
		next++
	}
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *MockLogStorage) GetEntry(index uint64) (*proto.LogEntry, error) {
	if m.GetEntryError != nil {
		return nil, m.GetEntryError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if index == 0 || index > uint64(len(m.entries)) {
		return nil, fmt.Errorf("index %d: %w", index, raft.ErrNotFound)
	}
	return m.entries[index-1], nil
}

func (m *MockLogStorage) GetEntries(startIndex, endIndex uint64) ([]*proto.LogEntry, error) {
	if m.GetEntriesError != nil {
		return nil, m.GetEntriesError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if startIndex == 0 {
		startIndex = 1
	}
	if last := uint64(len(m.entries)); endIndex > last {
		endIndex = last
	}
	if startIndex > endIndex {
		return nil, nil
	}
	result := make([]*proto.LogEntry, endIndex-startIndex+1)
	copy(result, m.entries[startIndex-1:endIndex])
	return result, nil
}

func (m *MockLogStorage) TruncateFrom(index uint64) error {
	if m.TruncateFromError != nil {
		return m.TruncateFromError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if index == 0 {
		index = 1
	}
	if index <= uint64(len(m.entries)) {
		m.entries = m.entries[:index-1]
	}
	return nil
}

func (m *MockLogStorage) LastIndex() (uint64, error) {
	if m.LastIndexError != nil {
		return 0, m.LastIndexError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.entries)), nil
}

func (m *MockLogStorage) LastTerm() (uint64, error) {
	if m.LastTermError != nil {
		return 0, m.LastTermError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return 0, nil
	}
	return m.entries[len(m.entries)-1].Term, nil
}

func (m *MockLogStorage) Persist() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PersistError != nil {
		return m.PersistError
	}
	m.PersistCount++
	return nil
}

// FailPersist makes every later Persist call return err. It is safe to call while the log is in use.
func (m *MockLogStorage) FailPersist(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PersistError = err
}

func (m *MockLogStorage) GetCurrentTerm() (uint64, error) {
	if m.GetCurrentTermError != nil {
		return 0, m.GetCurrentTermError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.term, nil
}

func (m *MockLogStorage) SetCurrentTerm(term uint64) error {
	if m.SetCurrentTermError != nil {
		return m.SetCurrentTermError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.term = term
	return nil
}

func (m *MockLogStorage) GetVotedFor() (*string, error) {
	if m.GetVotedForError != nil {
		return nil, m.GetVotedForError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.votedFor, nil
}

func (m *MockLogStorage) SetVotedFor(candidateID *string) error {
	if m.SetVotedForError != nil {
		return m.SetVotedForError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.votedFor = candidateID
	return nil
}

func (m *MockLogStorage) SetTermAndVote(term uint64, candidateID *string) error {
	if m.SetCurrentTermError != nil {
		return m.SetCurrentTermError
	}
	if m.SetVotedForError != nil {
		return m.SetVotedForError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.term = term
	m.votedFor = candidateID
	return nil
}

func (m *MockLogStorage) Close() error {
	return nil
}

// Entries returns a copy of the stored log
func (m *MockLogStorage) Entries() []*proto.LogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*proto.LogEntry, len(m.entries))
	copy(result, m.entries)
	return result
}
