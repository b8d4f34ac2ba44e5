package raft

import (
	"context"

	"raftkv/internal/raft/proto"
)

/*
Notes from Section 5.3
A LogEntry is considered committed once the leader that created it has replicated it on a majority of the servers.
To eliminate problems like the one in Figure 8, Raft never commits log entries from previous terms by counting
replicas. Once a follower learns that a log entry is committed, it applies the entry to its local state machine
(in log order).

Section 8: idempotency for client commands is implemented via clients attaching (clientId, requestId) to every
command. The state machine tracks the latest requestId per client and the response it produced.
*/

// ServerID is the id of the server in the cluster
type ServerID string

// ServerAddress is the network address of a Server
type ServerAddress string

// Peer couples the identity of a server with the address it can be reached on.
type Peer struct {
	ID      ServerID
	Address ServerAddress
}

// Transport is used by the consensus module to send RPC messages to its peers. Implementations must honour the
// deadline of ctx and treat an expired deadline exactly like any other RPC failure.
type Transport interface {
	RequestVote(ctx context.Context, peer ServerID, req *proto.RequestVoteRequest) (*proto.RequestVoteResponse, error)
	AppendEntries(ctx context.Context, peer ServerID, req *proto.AppendEntriesRequest) (*proto.AppendEntriesResponse, error)
	Close() error
}

// ApplyResult is what a StateMachine produced for a single committed entry.
type ApplyResult struct {
	// Value is the post-application value for Get and Append, empty for Put.
	Value []byte
	// Duplicate is true when the command had already been applied and the cached result was returned instead.
	Duplicate bool
}

// StateMachine is the state machine of the Server as per Section 2 from the
// [Raft paper](https://raft.github.io/raft.pdf). Apply is called exactly once per committed entry, in index order.
// A non-nil error means the state machine could not make the result durable and the node must stop.
type StateMachine interface {
	Apply(entry *proto.LogEntry) (ApplyResult, error)
}
