package main

import (
	"testing"

	"raftkv/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePeers(t *testing.T) {
	peers, err := parsePeers("a=localhost:1, b=localhost:2,")
	require.NoError(t, err)
	assert.Equal(t, []config.Peer{
		{ID: "a", Address: "localhost:1"},
		{ID: "b", Address: "localhost:2"},
	}, peers)

	for _, bad := range []string{"a", "=localhost:1", "a="} {
		_, err := parsePeers(bad)
		assert.Error(t, err, bad)
	}
}
