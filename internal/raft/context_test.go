package raft

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRPCContext(t *testing.T) {
	t.Run("missing values", func(t *testing.T) {
		_, ok := SenderID(context.Background())
		assert.False(t, ok)
		_, ok = SenderTerm(context.Background())
		assert.False(t, ok)
	})

	t.Run("tags the sender", func(t *testing.T) {
		ctx := RPCContext(context.Background(), "server-xyz", 10)

		id, ok := SenderID(ctx)
		assert.True(t, ok)
		assert.Equal(t, ServerID("server-xyz"), id)

		term, ok := SenderTerm(ctx)
		assert.True(t, ok)
		assert.Equal(t, uint64(10), term)
	})

	t.Run("the latest sender wins", func(t *testing.T) {
		ctx := RPCContext(context.Background(), "a", 3)
		ctx = RPCContext(ctx, "b", 4)

		id, _ := SenderID(ctx)
		term, _ := SenderTerm(ctx)
		assert.Equal(t, ServerID("b"), id)
		assert.Equal(t, uint64(4), term)
	})

	t.Run("keys of the same name but different types do not collide", func(t *testing.T) {
		ctx := ctxKey[string]{name: "senderTerm"}.with(context.Background(), "x")
		_, ok := SenderTerm(ctx)
		assert.False(t, ok)
		assert.Equal(t, "Key[uint64](senderTerm)", senderTermKey.String())
	})
}

func TestRandomElectionTimeout(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := RandomElectionTimeout(300, 600)
		assert.GreaterOrEqual(t, int64(d), int64(300))
		assert.LessOrEqual(t, int64(d), int64(600))
	}
	assert.Equal(t, int64(300), int64(RandomElectionTimeout(300, 300)))
}

func TestQuorumSize(t *testing.T) {
	assert.Equal(t, 1, QuorumSize(1))
	assert.Equal(t, 2, QuorumSize(3))
	assert.Equal(t, 3, QuorumSize(4))
	assert.Equal(t, 3, QuorumSize(5))
}
