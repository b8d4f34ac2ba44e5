package server

import (
	"context"
	"errors"
	"fmt"

	"raftkv/internal/raft"
	"raftkv/internal/raft/proto"
)

/*
Notes from Section 5.3
The leader maintains a nextIndex for each follower, which is the index of the next log entry the leader will send to
that follower. When a leader first comes to power, it initializes all nextIndex values to the index just after the
last one in its log. If a follower’s log is inconsistent with the leader’s, the AppendEntries consistency check will
fail in the next AppendEntries RPC. After a rejection, the leader decrements nextIndex and retries the AppendEntries
RPC. Eventually nextIndex will reach a point where the leader and follower logs match.

Instead of one entry per round trip, the follower reports the term of its conflicting entry and the first index it
stores for that term, which lets the leader skip a whole term at a time.
*/

// AppendEntries handles the AppendEntries RPC call from a peer's client, as per Figure 2 from the
// [Raft paper](https://raft.github.io/raft.pdf). Rejections travel in the response, not as errors.
func (s *Server) AppendEntries(ctx context.Context, req *proto.AppendEntriesRequest) (*proto.AppendEntriesResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.availableLocked(); err != nil {
		return nil, rpcError(err)
	}

	// 1. Reply false if term < currentTerm (Section 5.1)
	if req.Term < s.currentTerm {
		s.termLogger().Debugf("Rejecting AppendEntries from %s with stale term %d: %v", req.LeaderId, req.Term, raft.ErrStaleTerm)
		return &proto.AppendEntriesResponse{Term: s.currentTerm, Success: false}, nil
	}

	// A current-term AppendEntries comes from the one legitimate leader of the term. Candidates recognise it and
	// return to Follower (Section 5.2).
	if req.Term > s.currentTerm || s.state != Follower {
		if err := s.becomeFollowerLocked(req.Term); err != nil {
			return nil, rpcError(err)
		}
	}
	s.leaderID = raft.ServerID(req.LeaderId)

	// Reset election timeout since we received communication from a leader
	s.resetElectionTimerLocked()

	// 2. Reply false if log doesn’t contain an entry at prevLogIndex whose term matches prevLogTerm (Section 5.3)
	if err := s.checkPrevLogLocked(req); err != nil {
		var mismatch *raft.LogMismatchError
		if errors.As(err, &mismatch) {
			s.termLogger().Debugf("Rejecting AppendEntries from %s at prevLogIndex %d: %v", req.LeaderId, req.PrevLogIndex, err)
			return &proto.AppendEntriesResponse{
				Term:          s.currentTerm,
				Success:       false,
				ConflictIndex: mismatch.ConflictIndex,
				ConflictTerm:  mismatch.ConflictTerm,
			}, nil
		}
		return nil, rpcError(s.haltLocked(err))
	}

	// 3. If an existing entry conflicts with a new one (same index but different terms), delete the existing entry
	// and all that follow it (Section 5.3). 4. Append any new entries not already in the log
	if err := s.mergeEntriesLocked(req.Entries); err != nil {
		if errors.Is(err, errCommittedConflict) {
			return nil, rpcError(err)
		}
		return nil, rpcError(s.haltLocked(err))
	}

	// 5. If leaderCommit > commitIndex, set commitIndex = min(leaderCommit, index of last new entry)
	if req.LeaderCommit > s.commitIndex {
		lastNew := req.PrevLogIndex + uint64(len(req.Entries))
		commit := min(req.LeaderCommit, lastNew)
		if commit > s.commitIndex {
			s.commitIndex = commit
			s.termLogger().Debugf("Commit index advanced to %d", commit)
			s.signalApply()
		}
	}

	return &proto.AppendEntriesResponse{Term: s.currentTerm, Success: true}, nil
}

// errCommittedConflict means a leader tried to overwrite an entry this server knows to be committed. It can only
// happen if the safety of the protocol has been violated, so the request is refused.
var errCommittedConflict = errors.New("raft: conflicting entry below commit index")

// checkPrevLogLocked returns a *raft.LogMismatchError when the log does not contain an entry at prevLogIndex with
// term prevLogTerm
func (s *Server) checkPrevLogLocked(req *proto.AppendEntriesRequest) error {
	if req.PrevLogIndex == 0 {
		return nil
	}

	lastIndex, err := s.log.LastIndex()
	if err != nil {
		return err
	}
	if req.PrevLogIndex > lastIndex {
		return &raft.LogMismatchError{ConflictIndex: lastIndex + 1}
	}

	term, err := s.termAtLocked(req.PrevLogIndex)
	if err != nil {
		return err
	}
	if term == req.PrevLogTerm {
		return nil
	}

	// Report the first index of the conflicting term, so that the leader can skip all of it
	first := req.PrevLogIndex
	for first > 1 {
		prev, err := s.termAtLocked(first - 1)
		if err != nil {
			return err
		}
		if prev != term {
			break
		}
		first--
	}
	return &raft.LogMismatchError{ConflictTerm: term, ConflictIndex: first}
}

// mergeEntriesLocked appends the entries not yet in the log, truncating the first conflicting suffix, and makes the
// result durable. Entries already present with the same term are left untouched, so a delayed AppendEntries never
// removes entries a later one added.
func (s *Server) mergeEntriesLocked(entries []*proto.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	lastIndex, err := s.log.LastIndex()
	if err != nil {
		return err
	}

	var toAppend []*proto.LogEntry
	for i, entry := range entries {
		if entry.Index > lastIndex {
			toAppend = entries[i:]
			break
		}
		term, err := s.termAtLocked(entry.Index)
		if err != nil {
			return err
		}
		if term == entry.Term {
			continue
		}
		if entry.Index <= s.commitIndex {
			s.termLogger().Errorf("Leader sent entry %d of term %d conflicting with committed term %d",
				entry.Index, entry.Term, term)
			return fmt.Errorf("%w: index %d", errCommittedConflict, entry.Index)
		}
		s.termLogger().Infof("Truncating log from index %d after conflict (term %d vs %d)", entry.Index, term, entry.Term)
		if err := s.log.TruncateFrom(entry.Index); err != nil {
			return err
		}
		toAppend = entries[i:]
		break
	}

	if len(toAppend) == 0 {
		return nil
	}
	if err := s.log.AppendEntries(toAppend); err != nil {
		return err
	}
	// The entries must survive a crash before the leader may count them
	if err := s.log.Persist(); err != nil {
		return err
	}
	s.termLogger().Debugf("Appended %d entries from index %d", len(toAppend), toAppend[0].Index)
	return nil
}

// Start appends command to the log if this server is the leader, and begins replicating it. It returns the index
// the command will appear at if it is ever committed, the current term, and whether this server is the leader.
// Start does not wait for the command to be committed.
func (s *Server) Start(command []byte) (index uint64, term uint64, isLeader bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.startLocked(command)
	if err != nil {
		return 0, s.currentTerm, false
	}
	return entry.Index, entry.Term, true
}

// startLocked appends command as a new entry of the current term and dispatches replication
func (s *Server) startLocked(command []byte) (*proto.LogEntry, error) {
	if err := s.availableLocked(); err != nil {
		return nil, err
	}
	if s.state != Leader {
		return nil, raft.ErrWrongLeader
	}

	entry, err := s.appendLocked(command)
	if err != nil {
		return nil, err
	}

	// A single server cluster commits on its own
	s.advanceCommitIndexLocked()
	s.broadcastAppendEntriesLocked()
	return entry, nil
}

// appendLocked appends a new entry of the current term to the leader's own log and persists it. The leader counts
// itself towards a majority only for entries that are on stable storage.
func (s *Server) appendLocked(command []byte) (*proto.LogEntry, error) {
	lastIndex, err := s.log.LastIndex()
	if err != nil {
		return nil, s.haltLocked(err)
	}

	entry := &proto.LogEntry{Index: lastIndex + 1, Term: s.currentTerm, Command: command}
	if err := s.log.AppendEntries([]*proto.LogEntry{entry}); err != nil {
		return nil, s.haltLocked(err)
	}
	if err := s.log.Persist(); err != nil {
		return nil, s.haltLocked(err)
	}
	s.termLogger().Debugf("Appended entry %d", entry.Index)
	return entry, nil
}

// heartbeat is called on every HeartbeatTick. Leaders send AppendEntries to every peer without one in flight,
// which doubles as the retry of failed replication.
func (s *Server) heartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastAppendEntriesLocked()
}

func (s *Server) broadcastAppendEntriesLocked() {
	for _, peer := range s.peers {
		s.sendAppendEntriesLocked(peer)
	}
}

// sendAppendEntriesLocked sends the entries peer is missing, or a heartbeat if it has them all. At most one
// AppendEntries is in flight per peer.
func (s *Server) sendAppendEntriesLocked(peer raft.ServerID) {
	if s.availableLocked() != nil || s.state != Leader || s.inflight[peer] {
		return
	}

	req, err := s.appendEntriesRequestLocked(peer)
	if err != nil {
		s.haltLocked(err)
		return
	}

	s.inflight[peer] = true
	s.wg.Add(1)
	go s.replicate(peer, req)
}

// appendEntriesRequestLocked builds the AppendEntries RPC for peer from its nextIndex
func (s *Server) appendEntriesRequestLocked(peer raft.ServerID) (*proto.AppendEntriesRequest, error) {
	lastIndex, err := s.log.LastIndex()
	if err != nil {
		return nil, err
	}

	next := min(max(s.nextIndex[peer], 1), lastIndex+1)
	prevTerm, err := s.termAtLocked(next - 1)
	if err != nil {
		return nil, err
	}

	var entries []*proto.LogEntry
	if next <= lastIndex {
		end := min(lastIndex, next+uint64(s.config.MaxEntriesPerAppend)-1)
		if entries, err = s.log.GetEntries(next, end); err != nil {
			return nil, err
		}
	}

	return &proto.AppendEntriesRequest{
		Term:         s.currentTerm,
		LeaderId:     string(s.ID),
		PrevLogIndex: next - 1,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: s.commitIndex,
	}, nil
}

// replicate sends one AppendEntries RPC without holding the lock, then processes the reply under it. The reply is
// only acted upon if this server is still the leader of the term the request was sent in.
func (s *Server) replicate(peer raft.ServerID, req *proto.AppendEntriesRequest) {
	defer s.wg.Done()

	ctx, cancel := s.rpcContext(req.Term)
	resp, err := s.transport.AppendEntries(ctx, peer, req)
	cancel()
	if len(req.Entries) == 0 {
		s.metrics.RecordHeartbeat()
	} else {
		s.metrics.RecordAppendEntries()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stillLeader := s.state == Leader && s.currentTerm == req.Term
	if stillLeader {
		s.inflight[peer] = false
	}

	if err != nil {
		// Treated like any other failure: the next heartbeat retries
		s.logger.WithField("term", req.Term).Debugf("AppendEntries to %s failed: %v", peer, err)
		return
	}
	if s.availableLocked() != nil {
		return
	}
	// If one server’s current term is smaller than the other’s (Section 5.1)
	if resp.Term > s.currentTerm {
		s.becomeFollowerLocked(resp.Term)
		return
	}
	if !stillLeader {
		return
	}

	if resp.Success {
		match := req.PrevLogIndex + uint64(len(req.Entries))
		if match > s.matchIndex[peer] {
			s.matchIndex[peer] = match
		}
		s.nextIndex[peer] = max(s.nextIndex[peer], match+1)
		s.advanceCommitIndexLocked()

		// Keep sending while the peer is behind
		if lastIndex, err := s.log.LastIndex(); err == nil && s.nextIndex[peer] <= lastIndex {
			s.sendAppendEntriesLocked(peer)
		}
		return
	}

	next := s.backoffLocked(req, resp)
	s.termLogger().Debugf("%s rejected prevLogIndex %d (conflict term %d index %d), retrying from %d",
		peer, req.PrevLogIndex, resp.ConflictTerm, resp.ConflictIndex, next)
	s.nextIndex[peer] = next
	s.sendAppendEntriesLocked(peer)
}

// backoffLocked computes the nextIndex to retry with after a rejected AppendEntries. If the leader has entries of
// the follower's conflicting term, it resumes right after its last one, otherwise at the first index the follower
// holds for that term. The result is always strictly below the rejected prevLogIndex+1 and at least 1.
func (s *Server) backoffLocked(req *proto.AppendEntriesRequest, resp *proto.AppendEntriesResponse) uint64 {
	next := resp.ConflictIndex
	if resp.ConflictTerm > 0 {
		for i := req.PrevLogIndex; i > 0; i-- {
			term, err := s.termAtLocked(i)
			if err != nil || term < resp.ConflictTerm {
				break
			}
			if term == resp.ConflictTerm {
				next = i + 1
				break
			}
		}
	}
	if next == 0 || next > req.PrevLogIndex {
		next = req.PrevLogIndex
	}
	return max(next, 1)
}

// advanceCommitIndexLocked sets commitIndex to the highest index N of the current term stored on a majority of
// servers. Entries of earlier terms are committed indirectly, never by counting replicas (Section 5.4.2).
func (s *Server) advanceCommitIndexLocked() {
	if s.state != Leader {
		return
	}
	lastIndex, err := s.log.LastIndex()
	if err != nil {
		s.haltLocked(err)
		return
	}

	for n := lastIndex; n > s.commitIndex; n-- {
		term, err := s.termAtLocked(n)
		if err != nil {
			s.haltLocked(err)
			return
		}
		// Terms never decrease along the log
		if term < s.currentTerm {
			return
		}

		// The leader itself holds every entry up to lastIndex on stable storage
		replicas := 1
		for _, peer := range s.peers {
			if s.matchIndex[peer] >= n {
				replicas++
			}
		}
		if s.hasQuorum(replicas) {
			s.commitIndex = n
			s.termLogger().Debugf("Commit index advanced to %d", n)
			s.signalApply()
			return
		}
	}
}
