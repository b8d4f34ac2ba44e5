package storage

import (
	"raftkv/internal/raft/proto"
)

/*
Notes from Section 5.3
Each log entry stores a state machine command along with the term number when the entry was received by the leader.
The term numbers in log entries are used to detect inconsistencies between logs and to ensure some of the properties
in Figure 3.

If the follower does not find an entry in its log with the same index and term as the one immediately preceding the
new entries, it refuses them. If an existing entry conflicts with a new one (same index but different terms), the
follower deletes the existing entry and all that follow it.

Figure 2: currentTerm, votedFor and log[] are "updated on stable storage before responding to RPCs".
*/

// LogStorage is the durable, append-only store of proto.LogEntry records of a single server together with the
// persistent server state (currentTerm, votedFor). Indexes are 1-based and gapless.
type LogStorage interface {
	// Log Entry Operations

	// AppendEntries appends entries to the log. The first entry must have index LastIndex()+1 and indexes must be
	// contiguous. The entries are only guaranteed to survive a crash after Persist returns.
	AppendEntries(entries []*proto.LogEntry) error

	// GetEntry retrieves the log entry at the specified index, or an error wrapping raft.ErrNotFound
	GetEntry(index uint64) (*proto.LogEntry, error)

	// GetEntries retrieves log entries from startIndex (inclusive) to endIndex (inclusive). Indexes past the end of
	// the log are ignored.
	GetEntries(startIndex, endIndex uint64) ([]*proto.LogEntry, error)

	// TruncateFrom deletes all log entries starting from the given index (inclusive). This is used to resolve log
	// conflicts as per Section 5.3. The truncation is durable when TruncateFrom returns.
	TruncateFrom(index uint64) error

	// LastIndex returns the index of the last log entry (0 if log is empty)
	LastIndex() (uint64, error)

	// LastTerm returns the term of the last log entry (0 if log is empty)
	LastTerm() (uint64, error)

	// Persist is a durability barrier: every entry appended before the call survives a crash once it returns.
	Persist() error

	// Persistent State Operations (Figure 2: "Updated on stable storage before responding to RPCs")

	// GetCurrentTerm retrieves the current term from persistent storage
	GetCurrentTerm() (uint64, error)

	// SetCurrentTerm persists the current term to storage
	SetCurrentTerm(term uint64) error

	// GetVotedFor retrieves the candidate ID this server voted for in the current term
	GetVotedFor() (*string, error)

	// SetVotedFor persists the candidate ID this server voted for
	SetVotedFor(candidateID *string) error

	// SetTermAndVote persists both fields atomically. It is used on term changes, where the vote of the previous
	// term must never be observed together with the new term.
	SetTermAndVote(term uint64, candidateID *string) error

	// Utility Operations

	// Close closes the storage
	Close() error
}
