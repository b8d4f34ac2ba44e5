package kv

import (
	"context"
	"errors"

	"raftkv/internal/raft"
	"raftkv/internal/raft/proto"
	"raftkv/internal/raft/server"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Consensus is the part of a raft server the key-value service needs
type Consensus interface {
	Submit(ctx context.Context, command []byte) (uint64, []byte, error)
	Status() server.Status
}

// Service serves the KVService RPCs of a single node. Every command, reads included, goes through the log, so a
// reply always reflects a committed state.
type Service struct {
	proto.UnimplementedKVServiceServer

	raft Consensus
	// client-facing addresses of the cluster, used for leader hints
	addrs  map[raft.ServerID]raft.ServerAddress
	logger *log.Entry
}

// NewService creates the service of the node running consensus. peers maps every server of the cluster to the
// address clients reach it on.
func NewService(consensus Consensus, peers []raft.Peer) *Service {
	addrs := make(map[raft.ServerID]raft.ServerAddress, len(peers))
	for _, p := range peers {
		addrs[p.ID] = p.Address
	}
	return &Service{
		raft:   consensus,
		addrs:  addrs,
		logger: log.WithField("server", consensus.Status().ID),
	}
}

// Command submits a Put, Append or Get and waits for it to be applied. Not being the leader and running out of
// time are reported in the response status, together with a leader hint when one is known.
func (s *Service) Command(ctx context.Context, req *proto.ClientCommandRequest) (*proto.ClientCommandResponse, error) {
	cmd := req.Command
	if cmd == nil {
		return nil, status.Error(codes.InvalidArgument, "missing command")
	}
	switch cmd.Type {
	case proto.OpType_OP_PUT, proto.OpType_OP_APPEND, proto.OpType_OP_GET:
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown operation %d", cmd.Type)
	}

	payload, err := cmd.Marshal()
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	index, value, err := s.raft.Submit(ctx, payload)
	switch {
	case err == nil:
		s.logger.Debugf("%s %q from client %d request %d applied at %d", cmd.Type, cmd.Key, cmd.ClientId, cmd.RequestId, index)
		return &proto.ClientCommandResponse{Status: proto.ClientStatus_OK, Value: value, Index: index}, nil
	case errors.Is(err, raft.ErrWrongLeader):
		return s.wrongLeader(), nil
	case errors.Is(err, raft.ErrTimedOut):
		s.logger.Debugf("%s %q from client %d request %d timed out at index %d", cmd.Type, cmd.Key, cmd.ClientId, cmd.RequestId, index)
		return &proto.ClientCommandResponse{Status: proto.ClientStatus_TIMED_OUT, Index: index}, nil
	case errors.Is(err, raft.ErrHalted), errors.Is(err, raft.ErrShutdown):
		return nil, status.Error(codes.Unavailable, err.Error())
	default:
		return nil, status.Error(codes.Internal, err.Error())
	}
}

// wrongLeader builds a WRONG_LEADER response, pointing at the leader this server last heard from
func (s *Service) wrongLeader() *proto.ClientCommandResponse {
	resp := &proto.ClientCommandResponse{Status: proto.ClientStatus_WRONG_LEADER}
	st := s.raft.Status()
	if st.Leader != "" && st.Leader != st.ID {
		resp.LeaderId = string(st.Leader)
		resp.LeaderAddress = string(s.addrs[st.Leader])
	}
	return resp
}

// Status reports the consensus state of the node
func (s *Service) Status(ctx context.Context, req *proto.StatusRequest) (*proto.StatusResponse, error) {
	st := s.raft.Status()
	return &proto.StatusResponse{
		Id:           string(st.ID),
		State:        st.State.String(),
		Term:         st.Term,
		LeaderId:     string(st.Leader),
		CommitIndex:  st.CommitIndex,
		LastApplied:  st.LastApplied,
		LastLogIndex: st.LastLogIndex,
		VotedFor:     string(st.VotedFor),
	}, nil
}
