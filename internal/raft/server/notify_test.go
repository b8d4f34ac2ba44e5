package server

import (
	"testing"

	"raftkv/internal/raft"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan applyOutcome) applyOutcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	default:
		require.FailNow(t, "no outcome delivered")
		return applyOutcome{}
	}
}

func TestNotifier_Resolve(t *testing.T) {
	n := newNotifier()
	ch := n.register(4, 2)
	assert.Equal(t, 1, n.pending())

	n.resolve(3, 2, raft.ApplyResult{Value: []byte("other")})
	assert.Empty(t, ch, "only index 4 is delivered to this waiter")

	n.resolve(4, 2, raft.ApplyResult{Value: []byte("v")})
	o := receive(t, ch)
	require.NoError(t, o.err)
	assert.Equal(t, []byte("v"), o.result.Value)
	assert.Zero(t, n.pending())
}

func TestNotifier_OverwrittenEntry(t *testing.T) {
	n := newNotifier()
	ch := n.register(4, 2)

	// Another leader's entry got committed at the same index
	n.resolve(4, 3, raft.ApplyResult{Value: []byte("v")})
	o := receive(t, ch)
	assert.ErrorIs(t, o.err, raft.ErrWrongLeader)
	assert.Nil(t, o.result.Value)
}

func TestNotifier_RegisterReplacesWaiter(t *testing.T) {
	n := newNotifier()
	first := n.register(4, 2)
	second := n.register(4, 3)

	assert.ErrorIs(t, receive(t, first).err, raft.ErrWrongLeader)
	assert.Equal(t, 1, n.pending())

	n.resolve(4, 3, raft.ApplyResult{})
	assert.NoError(t, receive(t, second).err)
}

func TestNotifier_Cancel(t *testing.T) {
	n := newNotifier()
	first := n.register(4, 2)
	n.cancel(4, first)
	assert.Zero(t, n.pending())

	// A stale cancel leaves a newer registration alone
	second := n.register(4, 3)
	n.cancel(4, first)
	assert.Equal(t, 1, n.pending())
	n.cancel(4, second)
	assert.Zero(t, n.pending())
}

func TestNotifier_FailAll(t *testing.T) {
	n := newNotifier()
	chs := []<-chan applyOutcome{n.register(1, 1), n.register(2, 1), n.register(3, 1)}

	n.failAll(raft.ErrShutdown)

	for _, ch := range chs {
		assert.ErrorIs(t, receive(t, ch).err, raft.ErrShutdown)
	}
	assert.Zero(t, n.pending())
}
