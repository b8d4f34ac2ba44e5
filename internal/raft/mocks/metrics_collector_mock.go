package mocks

import (
	"sync"
	"time"
)

// Names of the events counted by MockMetricsCollector
const (
	CommandCommitted = "command_committed"
	DuplicateCommand = "duplicate_command"
	AppendEntries    = "append_entries"
	RequestVote      = "request_vote"
	Heartbeat        = "heartbeat"
	Election         = "election"
)

// MockMetricsCollector records what a server reports, for assertions in tests
type MockMetricsCollector struct {
	mu                sync.Mutex
	counts            map[string]int
	commandLatencies  []time.Duration
	electionDurations []time.Duration
}

func NewMockMetricsCollector() *MockMetricsCollector {
	return &MockMetricsCollector{counts: make(map[string]int)}
}

func (m *MockMetricsCollector) inc(name string) {
	m.mu.Lock()
	m.counts[name]++
	m.mu.Unlock()
}

// Count returns how many times the event called name was recorded
func (m *MockMetricsCollector) Count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name]
}

// Elections is Count(Election)
func (m *MockMetricsCollector) Elections() int {
	return m.Count(Election)
}

// CommandLatencies returns a copy of the recorded command latencies
func (m *MockMetricsCollector) CommandLatencies() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.commandLatencies...)
}

// ElectionDurations returns a copy of the recorded election durations
func (m *MockMetricsCollector) ElectionDurations() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.electionDurations...)
}

func (m *MockMetricsCollector) RecordCommandLatency(latency time.Duration) {
	m.mu.Lock()
	m.commandLatencies = append(m.commandLatencies, latency)
	m.mu.Unlock()
}

func (m *MockMetricsCollector) RecordElectionDuration(duration time.Duration) {
	m.mu.Lock()
	m.electionDurations = append(m.electionDurations, duration)
	m.mu.Unlock()
}

func (m *MockMetricsCollector) RecordCommandCommitted() { m.inc(CommandCommitted) }
func (m *MockMetricsCollector) RecordDuplicateCommand() { m.inc(DuplicateCommand) }
func (m *MockMetricsCollector) RecordAppendEntries()    { m.inc(AppendEntries) }
func (m *MockMetricsCollector) RecordRequestVote()      { m.inc(RequestVote) }
func (m *MockMetricsCollector) RecordHeartbeat()        { m.inc(Heartbeat) }
func (m *MockMetricsCollector) RecordElection()         { m.inc(Election) }
