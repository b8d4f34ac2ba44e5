package server

import (
	"context"
	"testing"

	"raftkv/internal/raft/proto"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func setTerm(s *Server, term uint64, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentTerm = term
	s.state = state
}

func entriesOf(from uint64, terms ...uint64) []*proto.LogEntry {
	var out []*proto.LogEntry
	for i, term := range terms {
		out = append(out, &proto.LogEntry{Index: from + uint64(i), Term: term, Command: []byte("x")})
	}
	return out
}

func TestAppendEntries_RejectsStaleTerm(t *testing.T) {
	s, _ := newTestServer(t, "a", "b", "c")
	setTerm(s, 3, Follower)

	resp, err := s.AppendEntries(context.Background(), &proto.AppendEntriesRequest{Term: 2, LeaderId: "b"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, uint64(3), resp.Term)
	assert.Empty(t, s.Status().Leader, "a stale leader is not recognised")
}

func TestAppendEntries_ConsistencyCheck(t *testing.T) {
	tests := []struct {
		name          string
		prevIndex     uint64
		prevTerm      uint64
		success       bool
		conflictTerm  uint64
		conflictIndex uint64
	}{
		{name: "empty prefix", prevIndex: 0, prevTerm: 0, success: true},
		{name: "matching prefix", prevIndex: 5, prevTerm: 2, success: true},
		{name: "log too short", prevIndex: 7, prevTerm: 2, conflictTerm: 0, conflictIndex: 6},
		{name: "term mismatch reports first index of term", prevIndex: 4, prevTerm: 3, conflictTerm: 2, conflictIndex: 3},
		{name: "mismatch on first term", prevIndex: 2, prevTerm: 2, conflictTerm: 1, conflictIndex: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, logStore := newTestServer(t, "a", "b", "c")
			seedLog(t, logStore, 1, 1, 2, 2, 2)
			setTerm(s, 3, Follower)

			resp, err := s.AppendEntries(context.Background(), &proto.AppendEntriesRequest{
				Term: 3, LeaderId: "b", PrevLogIndex: tt.prevIndex, PrevLogTerm: tt.prevTerm,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.success, resp.Success)
			assert.Equal(t, tt.conflictTerm, resp.ConflictTerm)
			assert.Equal(t, tt.conflictIndex, resp.ConflictIndex)
			// Rejected or not, the sender is the leader of the term
			assert.Equal(t, "b", string(s.Status().Leader))
			assert.Equal(t, []uint64{1, 1, 2, 2, 2}, logTerms(logStore), "the consistency check never changes the log")
		})
	}
}

func TestAppendEntries_TruncatesConflictingSuffix(t *testing.T) {
	s, logStore := newTestServer(t, "a", "b", "c")
	seedLog(t, logStore, 1, 1, 2, 2)
	setTerm(s, 2, Follower)

	resp, err := s.AppendEntries(context.Background(), &proto.AppendEntriesRequest{
		Term: 3, LeaderId: "c", PrevLogIndex: 2, PrevLogTerm: 1, Entries: entriesOf(3, 3, 3, 3),
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, []uint64{1, 1, 3, 3, 3}, logTerms(logStore))
	assert.Positive(t, logStore.PersistCount)
}

func TestAppendEntries_DelayedRequestKeepsLaterEntries(t *testing.T) {
	s, logStore := newTestServer(t, "a", "b", "c")

	resp, err := s.AppendEntries(context.Background(), &proto.AppendEntriesRequest{
		Term: 1, LeaderId: "b", Entries: entriesOf(1, 1, 1, 1),
	})
	require.NoError(t, err)
	require.True(t, resp.Success)

	// An older request of the same leader, arriving late
	resp, err = s.AppendEntries(context.Background(), &proto.AppendEntriesRequest{
		Term: 1, LeaderId: "b", Entries: entriesOf(1, 1),
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Len(t, logStore.Entries(), 3)
}

func TestAppendEntries_CommitIndex(t *testing.T) {
	s, _ := newTestServer(t, "a", "b", "c")

	_, err := s.AppendEntries(context.Background(), &proto.AppendEntriesRequest{
		Term: 1, LeaderId: "b", Entries: entriesOf(1, 1, 1, 1), LeaderCommit: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), s.Status().CommitIndex, "capped by the last new entry")

	// A heartbeat that only proves the first entry cannot move commitIndex backwards
	_, err = s.AppendEntries(context.Background(), &proto.AppendEntriesRequest{
		Term: 1, LeaderId: "b", PrevLogIndex: 1, PrevLogTerm: 1, LeaderCommit: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), s.Status().CommitIndex)
}

func TestAppendEntries_RefusesToOverwriteCommittedEntry(t *testing.T) {
	s, logStore := newTestServer(t, "a", "b", "c")
	seedLog(t, logStore, 1, 1)
	setTerm(s, 1, Follower)
	s.mu.Lock()
	s.commitIndex = 2
	s.mu.Unlock()

	_, err := s.AppendEntries(context.Background(), &proto.AppendEntriesRequest{
		Term: 2, LeaderId: "c", PrevLogIndex: 1, PrevLogTerm: 1, Entries: entriesOf(2, 2),
	})
	require.Error(t, err)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	assert.Equal(t, []uint64{1, 1}, logTerms(logStore))
}

func TestAppendEntries_CandidateStepsDown(t *testing.T) {
	s, _ := newTestServer(t, "a", "b", "c")
	setTerm(s, 2, Candidate)

	resp, err := s.AppendEntries(context.Background(), &proto.AppendEntriesRequest{Term: 2, LeaderId: "b"})
	require.NoError(t, err)
	assert.True(t, resp.Success)

	st := s.Status()
	assert.Equal(t, Follower, st.State)
	assert.Equal(t, uint64(2), st.Term)
	assert.Equal(t, "b", string(st.Leader))
}

func TestAppendEntries_NewerTermIsPersisted(t *testing.T) {
	s, logStore := newTestServer(t, "a", "b", "c")
	vote := "a"
	require.NoError(t, logStore.SetTermAndVote(1, &vote))
	setTerm(s, 1, Follower)

	_, err := s.AppendEntries(context.Background(), &proto.AppendEntriesRequest{Term: 5, LeaderId: "c"})
	require.NoError(t, err)

	term, err := logStore.GetCurrentTerm()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), term)
	votedFor, err := logStore.GetVotedFor()
	require.NoError(t, err)
	assert.Nil(t, votedFor, "the vote belongs to the previous term")
}

func TestBackoff(t *testing.T) {
	s, logStore := newTestServer(t, "a", "b", "c")
	seedLog(t, logStore, 1, 1, 1, 4, 4, 5, 5, 6, 6, 6)
	setTerm(s, 6, Leader)

	tests := []struct {
		name          string
		prevIndex     uint64
		conflictTerm  uint64
		conflictIndex uint64
		want          uint64
	}{
		{name: "follower log too short", prevIndex: 10, conflictIndex: 6, want: 6},
		{name: "leader lacks the conflicting term", prevIndex: 10, conflictTerm: 2, conflictIndex: 2, want: 2},
		{name: "leader has the conflicting term", prevIndex: 10, conflictTerm: 4, conflictIndex: 3, want: 6},
		{name: "never at or past the rejected prefix", prevIndex: 5, conflictTerm: 0, conflictIndex: 9, want: 5},
		{name: "no hint", prevIndex: 7, want: 7},
		{name: "never below one", prevIndex: 1, conflictTerm: 3, conflictIndex: 0, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.mu.Lock()
			defer s.mu.Unlock()
			next := s.backoffLocked(
				&proto.AppendEntriesRequest{PrevLogIndex: tt.prevIndex},
				&proto.AppendEntriesResponse{ConflictTerm: tt.conflictTerm, ConflictIndex: tt.conflictIndex},
			)
			assert.Equal(t, tt.want, next)
		})
	}
}

func TestAdvanceCommitIndex_OnlyCountsCurrentTerm(t *testing.T) {
	s, logStore := newTestServer(t, "a", "b", "c", "d", "e")
	seedLog(t, logStore, 1, 1, 2)
	setTerm(s, 2, Leader)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLeaderStateLocked(s.peers, 3)

	// Entries of term 1 on a majority are not committed by counting
	s.matchIndex["b"] = 2
	s.matchIndex["c"] = 2
	s.advanceCommitIndexLocked()
	assert.Equal(t, uint64(0), s.commitIndex)

	// The current term entry on a majority commits it and everything before it
	s.matchIndex["b"] = 3
	s.advanceCommitIndexLocked()
	assert.Equal(t, uint64(0), s.commitIndex, "two of five is no majority")
	s.matchIndex["c"] = 3
	s.advanceCommitIndexLocked()
	assert.Equal(t, uint64(3), s.commitIndex)
}

func TestStart_RejectedByFollower(t *testing.T) {
	s, logStore := newTestServer(t, "a", "b", "c")

	index, term, isLeader := s.Start([]byte("cmd"))
	assert.False(t, isLeader)
	assert.Zero(t, index)
	assert.Zero(t, term)
	assert.Empty(t, logStore.Entries())
}
