package server

import (
	"sync"
	"time"

	"raftkv/internal/raft"
)

// serverState is container for different state variables as defined in Figure 2 from the
// [Raft paper](https://raft.github.io/raft.pdf). mu is the single lock of the server: RPC handlers, timers,
// response handlers and the apply loop all serialise through it. Methods with a Locked suffix expect it held.
type serverState struct {
	// Protects all fields below
	mu sync.Mutex

	// The state of the server as per Section 5.1 from the [Raft paper](https://raft.github.io/raft.pdf). When a server
	// initially starts it is a Follower as per Section 5.2 from the paper.
	state State
	// The latest term server has seen. It is a [logical clock](https://dl.acm.org/doi/pdf/10.1145/359545.359563) used
	// by servers to detect obsolete info, such as stale leaders. It is initialized to 0 on first boot of the cluster,
	// and increases monotonically, as per Section 5.1 from the [Raft paper](https://raft.github.io/raft.pdf).
	// It mirrors the value in stable storage, which is always written first.
	currentTerm uint64
	// The ID of the Candidate Server that the current Server has voted for in the currentTerm. It could be null at the
	// beginning of a new term, as no votes are issued. Like currentTerm, it is persisted before it changes here.
	votedFor *raft.ServerID
	// leaderID is the leader of currentTerm as far as this server knows. It is empty until a valid AppendEntries of
	// the term arrives.
	leaderID raft.ServerID

	// Volatile state on all servers: the highest index known to be committed, and the highest index applied to the
	// state machine. Both restart at 0.
	commitIndex uint64
	lastApplied uint64

	// ElectionTimeout is the current election timeout for the server. A new one is drawn every time the timer is
	// reset, as per Section 5.2 from the [Raft paper](https://raft.github.io/raft.pdf).
	electionTimeout time.Duration
	// grantedVotes holds the servers that voted for us in the current election, when the server is Candidate. It is
	// reset at the beginning of each new Election.
	grantedVotes  map[raft.ServerID]bool
	electionStart time.Time

	// Volatile state on leaders, reinitialized after election. nextIndex is the index of the next LogEntry the leader
	// will send to a follower, matchIndex the highest index known to be replicated on it.
	nextIndex  map[raft.ServerID]uint64
	matchIndex map[raft.ServerID]uint64
	// inflight marks peers with an AppendEntries RPC on the wire. At most one is outstanding per peer.
	inflight map[raft.ServerID]bool

	// halted is the persistence failure that stopped this server, nil while it is healthy
	halted   error
	shutdown bool
}

// resetLeaderStateLocked initialises the per-peer replication state of a new leader
func (s *serverState) resetLeaderStateLocked(peers []raft.ServerID, lastIndex uint64) {
	s.nextIndex = make(map[raft.ServerID]uint64, len(peers))
	s.matchIndex = make(map[raft.ServerID]uint64, len(peers))
	s.inflight = make(map[raft.ServerID]bool, len(peers))
	for _, p := range peers {
		s.nextIndex[p] = lastIndex + 1
		s.matchIndex[p] = 0
	}
}

// votedForString converts votedFor to the representation used by storage
func votedForString(id *raft.ServerID) *string {
	if id == nil {
		return nil
	}
	v := string(*id)
	return &v
}
