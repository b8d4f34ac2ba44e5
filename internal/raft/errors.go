package raft

import (
	"errors"
	"fmt"
)

var (
	// ErrWrongLeader is returned when the node is not the leader. The caller must redirect.
	ErrWrongLeader = errors.New("raft: not the leader")
	// ErrTimedOut means no definite outcome was observed within the budget. The caller must retry with the same
	// request identifier.
	ErrTimedOut = errors.New("raft: timed out waiting for commit")
	// ErrStaleTerm is returned when the sender of an RPC is behind the receiver's term.
	ErrStaleTerm = errors.New("raft: stale term")
	// ErrLogMismatch is returned when the AppendEntries consistency check on prevLogIndex/prevLogTerm fails.
	ErrLogMismatch = errors.New("raft: log mismatch")
	// ErrNotFound is returned by log storage when no entry exists at the requested index.
	ErrNotFound = errors.New("raft: log entry not found")
	// ErrHalted is returned by a node that stopped participating after a persistence failure.
	ErrHalted = errors.New("raft: node halted")
	// ErrShutdown is returned by a node that has been shut down.
	ErrShutdown = errors.New("raft: node shut down")
)

// LogMismatchError describes why an AppendEntries consistency check failed, so that the leader can back up
// nextIndex by more than one entry at a time.
type LogMismatchError struct {
	// ConflictTerm is the term of the follower's entry at prevLogIndex, 0 if the follower has no such entry.
	ConflictTerm uint64
	// ConflictIndex is the first index the follower holds for ConflictTerm, or its lastIndex+1.
	ConflictIndex uint64
}

func (e *LogMismatchError) Error() string {
	return fmt.Sprintf("%v: conflict term %d at index %d", ErrLogMismatch, e.ConflictTerm, e.ConflictIndex)
}

func (e *LogMismatchError) Unwrap() error {
	return ErrLogMismatch
}
