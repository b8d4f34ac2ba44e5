package main

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"raftkv/internal/raft/proto"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) Put(ctx context.Context, key, value string) error {
	return m.Called(ctx, key, value).Error(0)
}

func (m *mockClient) Append(ctx context.Context, key, value string) error {
	return m.Called(ctx, key, value).Error(0)
}

func (m *mockClient) Get(ctx context.Context, key string) (string, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Error(1)
}

func (m *mockClient) Status(ctx context.Context) []*proto.StatusResponse {
	args := m.Called(ctx)
	statuses, _ := args.Get(0).([]*proto.StatusResponse)
	return statuses
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	c := &mockClient{}
	c.On("Put", ctx, "k", "a").Return(nil).Once()
	c.On("Append", ctx, "k", "b").Return(nil).Once()
	c.On("Get", ctx, "k").Return("ab", nil).Once()

	var out bytes.Buffer
	require.NoError(t, run(ctx, c, []string{"put", "k", "a"}, &out))
	require.NoError(t, run(ctx, c, []string{"append", "k", "b"}, &out))
	require.NoError(t, run(ctx, c, []string{"get", "k"}, &out))
	assert.Equal(t, "ab\n", out.String())
	c.AssertExpectations(t)
}

func TestRun_InvalidCommands(t *testing.T) {
	c := &mockClient{}
	for _, args := range [][]string{nil, {"get"}, {"put", "k"}, {"delete", "k"}, {"status", "x"}} {
		assert.ErrorIs(t, run(context.Background(), c, args, &bytes.Buffer{}), errUsage, "%v", args)
	}
	c.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything)
	c.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

func TestRun_PropagatesErrors(t *testing.T) {
	ctx := context.Background()
	c := &mockClient{}
	c.On("Get", ctx, "k").Return("", errors.New("no leader"))

	var out bytes.Buffer
	assert.EqualError(t, run(ctx, c, []string{"get", "k"}, &out), "no leader")
	assert.Empty(t, out.String())
}

func TestRun_Status(t *testing.T) {
	ctx := context.Background()
	c := &mockClient{}
	c.On("Status", ctx).Return(nil).Once()

	var out bytes.Buffer
	assert.EqualError(t, run(ctx, c, []string{"status"}, &out), "no server reachable")

	c.On("Status", ctx).Return([]*proto.StatusResponse{
		{Id: "node-1", State: "Leader", Term: 3, LeaderId: "node-1", CommitIndex: 7, LastApplied: 7, LastLogIndex: 7},
		{Id: "node-2", State: "Follower", Term: 3, LeaderId: "node-1", CommitIndex: 7, LastApplied: 6, LastLogIndex: 7},
	}).Once()
	require.NoError(t, run(ctx, c, []string{"status"}, &out))
	assert.Contains(t, out.String(), "LEADER")
	assert.Contains(t, out.String(), "node-2")
	assert.Contains(t, out.String(), "Follower")
	c.AssertExpectations(t)
}
