package server

import (
	"context"
	"time"

	"raftkv/internal/pubsub"
	"raftkv/internal/raft"
	"raftkv/internal/raft/proto"
)

// RequestVote handles the RequestVote RPC call from a peer's client, as per Figure 2 from the
// [Raft paper](https://raft.github.io/raft.pdf)
func (s *Server) RequestVote(ctx context.Context, req *proto.RequestVoteRequest) (*proto.RequestVoteResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.availableLocked(); err != nil {
		return nil, rpcError(err)
	}

	// 1. Reply false if term < currentTerm (Section 5.1)
	if req.Term < s.currentTerm {
		s.termLogger().Debugf("Rejecting vote for %s from stale term %d: %v", req.CandidateId, req.Term, raft.ErrStaleTerm)
		return &proto.RequestVoteResponse{Term: s.currentTerm, VoteGranted: false}, nil
	}

	// If a candidate or leader discovers that its term is out of date, it immediately reverts to follower state
	if req.Term > s.currentTerm {
		if err := s.becomeFollowerLocked(req.Term); err != nil {
			return nil, rpcError(err)
		}
	}

	// 2. If votedFor is null or candidateId, and candidate’s log is at least as up-to-date as receiver’s log, grant
	// vote (Section 5.2, 5.4)
	candidate := raft.ServerID(req.CandidateId)
	if s.votedFor != nil && *s.votedFor != candidate {
		s.termLogger().Debugf("Rejecting vote for %s, already voted for %s", candidate, *s.votedFor)
		return &proto.RequestVoteResponse{Term: s.currentTerm, VoteGranted: false}, nil
	}

	lastIndex, err := s.log.LastIndex()
	if err != nil {
		return nil, rpcError(s.haltLocked(err))
	}
	lastTerm, err := s.log.LastTerm()
	if err != nil {
		return nil, rpcError(s.haltLocked(err))
	}
	// Section 5.4.1: the log with the later last term is more up-to-date; with equal last terms, the longer log is
	if req.LastLogTerm < lastTerm || (req.LastLogTerm == lastTerm && req.LastLogIndex < lastIndex) {
		s.termLogger().Debugf("Rejecting vote for %s, its log (%d/%d) is behind ours (%d/%d)",
			candidate, req.LastLogTerm, req.LastLogIndex, lastTerm, lastIndex)
		return &proto.RequestVoteResponse{Term: s.currentTerm, VoteGranted: false}, nil
	}

	// The vote must be on stable storage before it is granted
	if s.votedFor == nil {
		if err := s.log.SetVotedFor(votedForString(&candidate)); err != nil {
			return nil, rpcError(s.haltLocked(err))
		}
		s.votedFor = &candidate
	}
	// Granting a vote resets the election timeout (Section 5.2)
	s.resetElectionTimerLocked()
	s.termLogger().Infof("Granted vote to %s", candidate)

	return &proto.RequestVoteResponse{Term: s.currentTerm, VoteGranted: true}, nil
}

// BeginElection is called when a server does not receive HeartBeat messages from a Leader node over an ElectionTimeout
// period, as per Section 5.2 from the [Raft paper](https://raft.github.io/raft.pdf)
func (s *Server) BeginElection() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.availableLocked() != nil || s.state == Leader {
		return
	}

	// 1. Increment the currentTerm of the Server and 2. vote for itself. Both are persisted before any RequestVote
	// leaves, otherwise a crash could let this server vote twice in the new term.
	newTerm := s.currentTerm + 1
	self := s.ID
	if err := s.log.SetTermAndVote(newTerm, votedForString(&self)); err != nil {
		s.haltLocked(err)
		return
	}
	s.currentTerm = newTerm
	s.votedFor = &self
	s.leaderID = ""

	// 3. Transition to a Candidate state
	s.state = Candidate
	s.grantedVotes = map[raft.ServerID]bool{self: true}
	s.electionStart = time.Now()
	s.metrics.RecordElection()

	// 4. Reset the election timer, so a split vote ends in a new election (option c from Section 5.2)
	s.resetElectionTimerLocked()
	s.termLogger().Info("Election timeout expired, starting election")

	lastIndex, err := s.log.LastIndex()
	if err != nil {
		s.haltLocked(err)
		return
	}
	lastTerm, err := s.log.LastTerm()
	if err != nil {
		s.haltLocked(err)
		return
	}

	// A single server cluster wins right away
	if s.hasQuorum(len(s.grantedVotes)) {
		s.becomeLeaderLocked()
		return
	}

	// 5. Send a RequestVote RPC to all its peers in the cluster, in parallel
	req := &proto.RequestVoteRequest{
		Term:         s.currentTerm,
		CandidateId:  string(s.ID),
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}
	s.wg.Add(len(s.peers))
	for _, peer := range s.peers {
		go s.requestVote(peer, req)
	}
}

// requestVote sends a single RequestVote RPC and counts the answer. The RPC is not retried: if it fails, the
// election timeout will eventually expire and a new election will be triggered.
func (s *Server) requestVote(peer raft.ServerID, req *proto.RequestVoteRequest) {
	defer s.wg.Done()

	ctx, cancel := s.rpcContext(req.Term)
	resp, err := s.transport.RequestVote(ctx, peer, req)
	cancel()
	s.metrics.RecordRequestVote()
	if err != nil {
		s.logger.WithField("term", req.Term).Debugf("RequestVote to %s failed: %v", peer, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.availableLocked() != nil {
		return
	}
	// If one server’s current term is smaller than the other’s (Section 5.1)
	if resp.Term > s.currentTerm {
		s.becomeFollowerLocked(resp.Term)
		return
	}
	// The election this reply belongs to may be over already
	if s.state != Candidate || s.currentTerm != req.Term {
		return
	}

	if resp.VoteGranted {
		s.grantedVotes[peer] = true
		s.termLogger().Debugf("Received vote from %s (%d total)", peer, len(s.grantedVotes))
		if s.hasQuorum(len(s.grantedVotes)) {
			s.becomeLeaderLocked()
		}
	}
}

// becomeLeaderLocked turns a Candidate that won its election into the Leader of its term
func (s *Server) becomeLeaderLocked() {
	lastIndex, err := s.log.LastIndex()
	if err != nil {
		s.haltLocked(err)
		return
	}

	s.state = Leader
	s.leaderID = s.ID
	s.grantedVotes = nil
	s.resetLeaderStateLocked(s.peers, lastIndex)
	// Leaders do not time out
	s.electionTimeoutTimer.Stop()

	s.metrics.RecordElectionDuration(time.Since(s.electionStart))
	s.termLogger().Infof("Won election with a log of %d entries", lastIndex)
	pubsub.Publish(s.pubSub, pubsub.NewEvent(LeaderElected, TermPayload{Server: s.ID, Term: s.currentTerm}))

	// Section 8: a leader commits a blank entry at the start of its term. It is the only way to learn which earlier
	// entries are committed, since those are never committed by counting replicas.
	if _, err := s.appendLocked(nil); err != nil {
		return
	}
	s.advanceCommitIndexLocked()

	// Assert authority right away instead of waiting for the next heartbeat
	s.broadcastAppendEntriesLocked()
}
