package transport

import (
	"net/url"
	"testing"

	"raftkv/internal/raft"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/resolver"
	"google.golang.org/grpc/serviceconfig"
)

func targetFor(id raft.ServerID) resolver.Target {
	return resolver.Target{URL: url.URL{Scheme: Scheme, Path: "/" + string(id)}}
}

func TestTarget(t *testing.T) {
	assert.Equal(t, "raft:///node-1", Target("node-1"))
	assert.Equal(t, "raft", newPeerTable().Scheme())
}

func TestPeerTable_Set(t *testing.T) {
	table := newPeerTable()
	table.set("node-1", "localhost:5001")
	table.set("node-2", "localhost:5002")
	table.set("node-2", "localhost:5003")
	table.set("node-3", "")

	addr, ok := table.lookup("node-1")
	assert.True(t, ok)
	assert.Equal(t, raft.ServerAddress("localhost:5001"), addr)

	addr, ok = table.lookup("node-2")
	assert.True(t, ok)
	assert.Equal(t, raft.ServerAddress("localhost:5003"), addr)

	_, ok = table.lookup("node-3")
	assert.False(t, ok, "an empty address does not resolve")
}

func TestPeerTable_Build(t *testing.T) {
	table := newPeerTable()

	t.Run("pushes the known address", func(t *testing.T) {
		table.set("build-1", "localhost:8001")

		cc := &mockClientConn{}
		res, err := table.Build(targetFor("build-1"), cc, resolver.BuildOptions{})
		require.NoError(t, err)
		defer res.Close()

		require.NotEmpty(t, cc.states)
		last := cc.states[len(cc.states)-1]
		require.Len(t, last.Addresses, 1)
		assert.Equal(t, "localhost:8001", last.Addresses[0].Addr)
	})

	t.Run("pushes no address for an unknown id", func(t *testing.T) {
		cc := &mockClientConn{}
		res, err := table.Build(targetFor("unknown"), cc, resolver.BuildOptions{})
		require.NoError(t, err)
		defer res.Close()

		require.NotEmpty(t, cc.states)
		assert.Empty(t, cc.states[len(cc.states)-1].Addresses)
	})

	t.Run("rejects an empty endpoint", func(t *testing.T) {
		_, err := table.Build(resolver.Target{URL: url.URL{Scheme: Scheme}}, &mockClientConn{}, resolver.BuildOptions{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "empty target endpoint")
	})

	t.Run("tables do not share addresses", func(t *testing.T) {
		other := newPeerTable()
		cc := &mockClientConn{}
		res, err := other.Build(targetFor("build-1"), cc, resolver.BuildOptions{})
		require.NoError(t, err)
		defer res.Close()

		assert.Empty(t, cc.states[len(cc.states)-1].Addresses)
	})
}

func TestPeerTable_Updates(t *testing.T) {
	table := newPeerTable()
	cc := &mockClientConn{}
	res, err := table.Build(targetFor("moving"), cc, resolver.BuildOptions{})
	require.NoError(t, err)

	initial := len(cc.states)
	table.set("moving", "localhost:9001")
	require.Greater(t, len(cc.states), initial)
	assert.Equal(t, "localhost:9001", cc.states[len(cc.states)-1].Addresses[0].Addr)

	res.ResolveNow(resolver.ResolveNowOptions{})
	assert.Len(t, cc.states, initial+2)

	res.Close()
	table.mu.RLock()
	assert.Empty(t, table.watchers["moving"])
	table.mu.RUnlock()

	// a closed resolver is no longer notified
	table.set("moving", "localhost:9002")
	assert.Len(t, cc.states, initial+2)
}

type mockClientConn struct {
	states []resolver.State
}

func (m *mockClientConn) UpdateState(s resolver.State) error {
	m.states = append(m.states, s)
	return nil
}

func (m *mockClientConn) ReportError(error) {}

func (m *mockClientConn) NewAddress([]resolver.Address) {}

func (m *mockClientConn) NewServiceConfig(string) {}

func (m *mockClientConn) ParseServiceConfig(string) *serviceconfig.ParseResult {
	return &serviceconfig.ParseResult{}
}
