package mocks

import (
	"sync"

	"raftkv/internal/raft"
	"raftkv/internal/raft/proto"
)

// MockStateMachine records every applied entry and echoes its command back as the result
type MockStateMachine struct {
	mu      sync.Mutex
	applied []*proto.LogEntry
	err     error
}

func NewMockStateMachine() *MockStateMachine {
	return &MockStateMachine{}
}

// FailWith makes every later Apply fail with err
func (m *MockStateMachine) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *MockStateMachine) Apply(entry *proto.LogEntry) (raft.ApplyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return raft.ApplyResult{}, m.err
	}
	m.applied = append(m.applied, entry)
	return raft.ApplyResult{Value: entry.Command}, nil
}

// Applied returns the entries applied so far, in order
func (m *MockStateMachine) Applied() []*proto.LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*proto.LogEntry(nil), m.applied...)
}

// Commands returns the commands applied so far, in order
func (m *MockStateMachine) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	commands := make([]string, 0, len(m.applied))
	for _, e := range m.applied {
		commands = append(commands, string(e.Command))
	}
	return commands
}
