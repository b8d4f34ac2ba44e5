package kv

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"raftkv/internal/raft"
	"raftkv/internal/raft/proto"
	"raftkv/internal/raft/server"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeConsensus struct {
	index  uint64
	value  []byte
	err    error
	status server.Status

	submitted []*proto.Command
}

func (f *fakeConsensus) Submit(_ context.Context, command []byte) (uint64, []byte, error) {
	cmd := &proto.Command{}
	if err := cmd.Unmarshal(command); err != nil {
		return 0, nil, err
	}
	f.submitted = append(f.submitted, cmd)
	return f.index, f.value, f.err
}

func (f *fakeConsensus) Status() server.Status {
	return f.status
}

var testPeers = []raft.Peer{
	{ID: "a", Address: "host-a:1"},
	{ID: "b", Address: "host-b:1"},
	{ID: "c", Address: "host-c:1"},
}

func putRequest(key, value string) *proto.ClientCommandRequest {
	return &proto.ClientCommandRequest{Command: &proto.Command{
		ClientId: 1, RequestId: 1, Type: proto.OpType_OP_PUT, Key: key, Value: []byte(value),
	}}
}

func TestService_Command(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		leader     raft.ServerID
		wantStatus proto.ClientStatus
		wantLeader string
		wantAddr   string
		wantCode   codes.Code
	}{
		{name: "applied", wantStatus: proto.ClientStatus_OK},
		{name: "follower with known leader", err: raft.ErrWrongLeader, leader: "b",
			wantStatus: proto.ClientStatus_WRONG_LEADER, wantLeader: "b", wantAddr: "host-b:1"},
		{name: "follower without leader", err: raft.ErrWrongLeader,
			wantStatus: proto.ClientStatus_WRONG_LEADER},
		{name: "deposed leader does not point at itself", err: raft.ErrWrongLeader, leader: "a",
			wantStatus: proto.ClientStatus_WRONG_LEADER},
		{name: "timed out", err: raft.ErrTimedOut, wantStatus: proto.ClientStatus_TIMED_OUT},
		{name: "halted", err: fmt.Errorf("%w: disk full", raft.ErrHalted), wantCode: codes.Unavailable},
		{name: "shut down", err: raft.ErrShutdown, wantCode: codes.Unavailable},
		{name: "unexpected", err: errors.New("boom"), wantCode: codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			consensus := &fakeConsensus{
				index:  7,
				value:  []byte("v"),
				err:    tt.err,
				status: server.Status{ID: "a", Leader: tt.leader},
			}
			svc := NewService(consensus, testPeers)

			resp, err := svc.Command(context.Background(), putRequest("k", "v"))
			if tt.wantCode != codes.OK {
				assert.Equal(t, tt.wantCode, status.Code(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, tt.wantLeader, resp.LeaderId)
			assert.Equal(t, tt.wantAddr, resp.LeaderAddress)
			if tt.wantStatus == proto.ClientStatus_OK {
				assert.Equal(t, []byte("v"), resp.Value)
				assert.Equal(t, uint64(7), resp.Index)
			}

			require.Len(t, consensus.submitted, 1)
			assert.Equal(t, "k", consensus.submitted[0].Key)
		})
	}
}

func TestService_RejectsMalformedCommands(t *testing.T) {
	consensus := &fakeConsensus{status: server.Status{ID: "a"}}
	svc := NewService(consensus, testPeers)

	_, err := svc.Command(context.Background(), &proto.ClientCommandRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = svc.Command(context.Background(), &proto.ClientCommandRequest{Command: &proto.Command{Type: 42}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	assert.Empty(t, consensus.submitted, "nothing reaches the log")
}

func TestService_Status(t *testing.T) {
	svc := NewService(&fakeConsensus{status: server.Status{
		ID: "a", State: server.Leader, Term: 4, VotedFor: "a", Leader: "a",
		CommitIndex: 10, LastApplied: 9, LastLogIndex: 11,
	}}, testPeers)

	st, err := svc.Status(context.Background(), &proto.StatusRequest{})
	require.NoError(t, err)
	assert.Equal(t, &proto.StatusResponse{
		Id: "a", State: "Leader", Term: 4, LeaderId: "a", CommitIndex: 10, LastApplied: 9, LastLogIndex: 11, VotedFor: "a",
	}, st)
}
