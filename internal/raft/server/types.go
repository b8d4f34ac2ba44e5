package server

import (
	"time"

	"raftkv/internal/pubsub"
	"raftkv/internal/raft"
)

// A State is a custom type representing the state of a server at any given point: leader, follower, or candidate
type State uint64

// As Golang does not support Enums this is a common pattern for implementing one. Follower is the zero value, as
// every server starts as a Follower (Section 5.2).
const (
	Follower State = iota
	Candidate
	Leader
)

// String returns the string representation of the State
func (s State) String() string {
	switch s {
	case Leader:
		return "Leader"
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	default:
		return "Unknown"
	}
}

const (
	// ServerShutDown event is sent when the server is shutting down. The payload for this event is an empty struct.
	ServerShutDown pubsub.EventType = iota
	// ElectionTimeoutExpired is sent when the ElectionTimeout of the server has expired. The payload is the expiry
	// time.
	ElectionTimeoutExpired
	// HeartbeatTick is sent every HeartbeatInterval. Leaders replicate to their peers on each tick.
	HeartbeatTick
	// LeaderElected is sent when this server wins an election. The payload is a TermPayload.
	LeaderElected
	// SteppedDown is sent when a leader reverts to Follower. The payload is a TermPayload.
	SteppedDown
	// ServerHalted is sent once, when the server stops participating after a persistence failure. The payload is the
	// error.
	ServerHalted
)

// TermPayload travels with LeaderElected and SteppedDown events
type TermPayload struct {
	Server raft.ServerID
	Term   uint64
}

// MetricsCollector is an optional interface for collecting performance metrics
type MetricsCollector interface {
	RecordCommandLatency(latency time.Duration)
	RecordCommandCommitted()
	RecordDuplicateCommand()
	RecordAppendEntries()
	RecordRequestVote()
	RecordHeartbeat()
	RecordElection()
	RecordElectionDuration(duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordCommandLatency(time.Duration)   {}
func (noopMetrics) RecordCommandCommitted()              {}
func (noopMetrics) RecordDuplicateCommand()              {}
func (noopMetrics) RecordAppendEntries()                 {}
func (noopMetrics) RecordRequestVote()                   {}
func (noopMetrics) RecordHeartbeat()                     {}
func (noopMetrics) RecordElection()                      {}
func (noopMetrics) RecordElectionDuration(time.Duration) {}

// Status is a point-in-time view of a server's consensus state
type Status struct {
	ID           raft.ServerID
	State        State
	Term         uint64
	VotedFor     raft.ServerID
	Leader       raft.ServerID
	CommitIndex  uint64
	LastApplied  uint64
	LastLogIndex uint64
}
