package proto

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// OpType is the kind of key-value operation carried by a Command
type OpType int32

const (
	OpType_OP_UNKNOWN OpType = 0
	OpType_OP_PUT     OpType = 1
	OpType_OP_APPEND  OpType = 2
	OpType_OP_GET     OpType = 3
)

func (t OpType) String() string {
	switch t {
	case OpType_OP_PUT:
		return "Put"
	case OpType_OP_APPEND:
		return "Append"
	case OpType_OP_GET:
		return "Get"
	default:
		return "Unknown"
	}
}

// Command is the payload of a log entry produced by the key-value service.
//
//	1: client_id   2: request_id   3: type   4: key   5: value
type Command struct {
	ClientId  uint64
	RequestId uint64
	Type      OpType
	Key       string
	Value     []byte
}

func (m *Command) Marshal() ([]byte, error) {
	var b []byte
	b = appendUint64(b, 1, m.ClientId)
	b = appendUint64(b, 2, m.RequestId)
	b = appendUint64(b, 3, uint64(m.Type))
	b = appendString(b, 4, m.Key)
	b = appendBytes(b, 5, m.Value)
	return b, nil
}

func (m *Command) Unmarshal(b []byte) error {
	*m = Command{}
	return unmarshalFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeUint64(typ, b, &m.ClientId)
		case 2:
			return consumeUint64(typ, b, &m.RequestId)
		case 3:
			var v uint64
			n, err := consumeUint64(typ, b, &v)
			m.Type = OpType(v)
			return n, err
		case 4:
			return consumeString(typ, b, &m.Key)
		case 5:
			return consumeBytes(typ, b, &m.Value)
		}
		return 0, nil
	})
}

// ClientStatus is the outcome of a client command as seen by a single server
type ClientStatus int32

const (
	ClientStatus_OK           ClientStatus = 0
	ClientStatus_WRONG_LEADER ClientStatus = 1
	ClientStatus_TIMED_OUT    ClientStatus = 2
)

func (s ClientStatus) String() string {
	switch s {
	case ClientStatus_OK:
		return "OK"
	case ClientStatus_WRONG_LEADER:
		return "ErrWrongLeader"
	case ClientStatus_TIMED_OUT:
		return "ErrTimedOut"
	default:
		return "Unknown"
	}
}

// ClientCommandRequest
//
//	1: command
type ClientCommandRequest struct {
	Command *Command
}

func (m *ClientCommandRequest) Marshal() ([]byte, error) {
	if m.Command == nil {
		return nil, nil
	}
	return appendMessage(nil, 1, m.Command)
}

func (m *ClientCommandRequest) Unmarshal(b []byte) error {
	*m = ClientCommandRequest{}
	return unmarshalFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			m.Command = &Command{}
			return consumeMessage(typ, b, m.Command)
		}
		return 0, nil
	})
}

// ClientCommandResponse. LeaderId and LeaderAddress are a hint, only set with ClientStatus_WRONG_LEADER and only
// when the server knows who the leader is.
//
//	1: status   2: value   3: leader_id   4: leader_address   5: index
type ClientCommandResponse struct {
	Status        ClientStatus
	Value         []byte
	LeaderId      string
	LeaderAddress string
	Index         uint64
}

func (m *ClientCommandResponse) Marshal() ([]byte, error) {
	var b []byte
	b = appendUint64(b, 1, uint64(m.Status))
	b = appendBytes(b, 2, m.Value)
	b = appendString(b, 3, m.LeaderId)
	b = appendString(b, 4, m.LeaderAddress)
	b = appendUint64(b, 5, m.Index)
	return b, nil
}

func (m *ClientCommandResponse) Unmarshal(b []byte) error {
	*m = ClientCommandResponse{}
	return unmarshalFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			var v uint64
			n, err := consumeUint64(typ, b, &v)
			m.Status = ClientStatus(v)
			return n, err
		case 2:
			return consumeBytes(typ, b, &m.Value)
		case 3:
			return consumeString(typ, b, &m.LeaderId)
		case 4:
			return consumeString(typ, b, &m.LeaderAddress)
		case 5:
			return consumeUint64(typ, b, &m.Index)
		}
		return 0, nil
	})
}

// StatusRequest has no fields
type StatusRequest struct{}

func (m *StatusRequest) Marshal() ([]byte, error) {
	return nil, nil
}

func (m *StatusRequest) Unmarshal(b []byte) error {
	return unmarshalFields(b, func(protowire.Number, protowire.Type, []byte) (int, error) {
		return 0, nil
	})
}

// StatusResponse is a point-in-time view of a server's consensus state.
//
//	1: id   2: state   3: term   4: leader_id   5: commit_index   6: last_applied   7: last_log_index   8: voted_for
type StatusResponse struct {
	Id           string
	State        string
	Term         uint64
	LeaderId     string
	CommitIndex  uint64
	LastApplied  uint64
	LastLogIndex uint64
	VotedFor     string
}

func (m *StatusResponse) Marshal() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.Id)
	b = appendString(b, 2, m.State)
	b = appendUint64(b, 3, m.Term)
	b = appendString(b, 4, m.LeaderId)
	b = appendUint64(b, 5, m.CommitIndex)
	b = appendUint64(b, 6, m.LastApplied)
	b = appendUint64(b, 7, m.LastLogIndex)
	b = appendString(b, 8, m.VotedFor)
	return b, nil
}

func (m *StatusResponse) Unmarshal(b []byte) error {
	*m = StatusResponse{}
	return unmarshalFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.Id)
		case 2:
			return consumeString(typ, b, &m.State)
		case 3:
			return consumeUint64(typ, b, &m.Term)
		case 4:
			return consumeString(typ, b, &m.LeaderId)
		case 5:
			return consumeUint64(typ, b, &m.CommitIndex)
		case 6:
			return consumeUint64(typ, b, &m.LastApplied)
		case 7:
			return consumeUint64(typ, b, &m.LastLogIndex)
		case 8:
			return consumeString(typ, b, &m.VotedFor)
		}
		return 0, nil
	})
}
