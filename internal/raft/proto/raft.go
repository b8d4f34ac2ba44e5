package proto

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// LogEntry is a (term, index, command) triple forming the replicated sequence.
//
//	1: index   2: term   3: command
type LogEntry struct {
	Index   uint64
	Term    uint64
	Command []byte
}

func (m *LogEntry) Marshal() ([]byte, error) {
	var b []byte
	b = appendUint64(b, 1, m.Index)
	b = appendUint64(b, 2, m.Term)
	b = appendBytes(b, 3, m.Command)
	return b, nil
}

func (m *LogEntry) Unmarshal(b []byte) error {
	*m = LogEntry{}
	return unmarshalFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeUint64(typ, b, &m.Index)
		case 2:
			return consumeUint64(typ, b, &m.Term)
		case 3:
			return consumeBytes(typ, b, &m.Command)
		}
		return 0, nil
	})
}

// RequestVoteRequest is sent by candidates to gather votes (Section 5.2).
//
//	1: term   2: candidate_id   3: last_log_index   4: last_log_term
type RequestVoteRequest struct {
	Term         uint64
	CandidateId  string
	LastLogIndex uint64
	LastLogTerm  uint64
}

func (m *RequestVoteRequest) Marshal() ([]byte, error) {
	var b []byte
	b = appendUint64(b, 1, m.Term)
	b = appendString(b, 2, m.CandidateId)
	b = appendUint64(b, 3, m.LastLogIndex)
	b = appendUint64(b, 4, m.LastLogTerm)
	return b, nil
}

func (m *RequestVoteRequest) Unmarshal(b []byte) error {
	*m = RequestVoteRequest{}
	return unmarshalFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeUint64(typ, b, &m.Term)
		case 2:
			return consumeString(typ, b, &m.CandidateId)
		case 3:
			return consumeUint64(typ, b, &m.LastLogIndex)
		case 4:
			return consumeUint64(typ, b, &m.LastLogTerm)
		}
		return 0, nil
	})
}

// RequestVoteResponse
//
//	1: term   2: vote_granted
type RequestVoteResponse struct {
	Term        uint64
	VoteGranted bool
}

func (m *RequestVoteResponse) Marshal() ([]byte, error) {
	var b []byte
	b = appendUint64(b, 1, m.Term)
	b = appendBool(b, 2, m.VoteGranted)
	return b, nil
}

func (m *RequestVoteResponse) Unmarshal(b []byte) error {
	*m = RequestVoteResponse{}
	return unmarshalFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeUint64(typ, b, &m.Term)
		case 2:
			return consumeBool(typ, b, &m.VoteGranted)
		}
		return 0, nil
	})
}

// AppendEntriesRequest is sent by the leader to replicate log entries and as a heartbeat (Section 5.3).
//
//	1: term   2: leader_id   3: prev_log_index   4: prev_log_term   5: entries (repeated)   6: leader_commit
type AppendEntriesRequest struct {
	Term         uint64
	LeaderId     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []*LogEntry
	LeaderCommit uint64
}

func (m *AppendEntriesRequest) Marshal() ([]byte, error) {
	var b []byte
	var err error
	b = appendUint64(b, 1, m.Term)
	b = appendString(b, 2, m.LeaderId)
	b = appendUint64(b, 3, m.PrevLogIndex)
	b = appendUint64(b, 4, m.PrevLogTerm)
	for _, e := range m.Entries {
		if b, err = appendMessage(b, 5, e); err != nil {
			return nil, err
		}
	}
	b = appendUint64(b, 6, m.LeaderCommit)
	return b, nil
}

func (m *AppendEntriesRequest) Unmarshal(b []byte) error {
	*m = AppendEntriesRequest{}
	return unmarshalFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeUint64(typ, b, &m.Term)
		case 2:
			return consumeString(typ, b, &m.LeaderId)
		case 3:
			return consumeUint64(typ, b, &m.PrevLogIndex)
		case 4:
			return consumeUint64(typ, b, &m.PrevLogTerm)
		case 5:
			entry := &LogEntry{}
			n, err := consumeMessage(typ, b, entry)
			if err != nil {
				return 0, err
			}
			m.Entries = append(m.Entries, entry)
			return n, nil
		case 6:
			return consumeUint64(typ, b, &m.LeaderCommit)
		}
		return 0, nil
	})
}

// AppendEntriesResponse. ConflictIndex and ConflictTerm are only meaningful when Success is false and Term is not
// greater than the leader's term.
//
//	1: term   2: success   3: conflict_index   4: conflict_term
type AppendEntriesResponse struct {
	Term          uint64
	Success       bool
	ConflictIndex uint64
	ConflictTerm  uint64
}

func (m *AppendEntriesResponse) Marshal() ([]byte, error) {
	var b []byte
	b = appendUint64(b, 1, m.Term)
	b = appendBool(b, 2, m.Success)
	b = appendUint64(b, 3, m.ConflictIndex)
	b = appendUint64(b, 4, m.ConflictTerm)
	return b, nil
}

func (m *AppendEntriesResponse) Unmarshal(b []byte) error {
	*m = AppendEntriesResponse{}
	return unmarshalFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeUint64(typ, b, &m.Term)
		case 2:
			return consumeBool(typ, b, &m.Success)
		case 3:
			return consumeUint64(typ, b, &m.ConflictIndex)
		case 4:
			return consumeUint64(typ, b, &m.ConflictTerm)
		}
		return 0, nil
	})
}
