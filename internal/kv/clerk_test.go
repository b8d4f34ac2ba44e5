package kv

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"raftkv/internal/raft"
	"raftkv/internal/raft/mocks"
	"raftkv/internal/raft/proto"
	"raftkv/internal/raft/server"
	"raftkv/internal/raft/state_machine"
	"raftkv/internal/raft/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

type testNode struct {
	id     raft.ServerID
	server *server.Server
	sm     *state_machine.KVStateMachine
	svc    *Service
}

// testCluster runs raft over a LocalNetwork, and serves the KV service of every node on a bufconn listener
type testCluster struct {
	t         *testing.T
	network   *transport.LocalNetwork
	nodes     []*testNode
	addrs     []string
	listeners map[string]*bufconn.Listener
}

func newTestCluster(t *testing.T, size int) *testCluster {
	t.Helper()
	c := &testCluster{
		t:         t,
		network:   transport.NewLocalNetwork(),
		listeners: make(map[string]*bufconn.Listener),
	}

	var ids []raft.ServerID
	var peers []raft.Peer
	for i := 1; i <= size; i++ {
		id := raft.ServerID(fmt.Sprintf("node-%d", i))
		ids = append(ids, id)
		addr := "passthrough:///" + string(id)
		peers = append(peers, raft.Peer{ID: id, Address: raft.ServerAddress(addr)})
		c.addrs = append(c.addrs, addr)
	}

	cfg := server.Config{
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  15 * time.Millisecond,
		RPCTimeout:         50 * time.Millisecond,
		CommandTimeout:     500 * time.Millisecond,
	}

	for _, id := range ids {
		sm := state_machine.NewKVStateMachine(string(id), state_machine.NewMemoryStore())
		srv, err := server.NewServer(id, ids, mocks.NewMockLogStorage(), sm, c.network.Transport(id), cfg)
		require.NoError(t, err)
		c.network.Register(id, srv)

		svc := NewService(srv, peers)
		lis := bufconn.Listen(1 << 20)
		c.listeners[string(id)] = lis
		grpcServer := grpc.NewServer()
		proto.RegisterKVServiceServer(grpcServer, svc)
		go func() {
			_ = grpcServer.Serve(lis)
		}()

		srv.Run()
		c.nodes = append(c.nodes, &testNode{id: id, server: srv, sm: sm, svc: svc})
		t.Cleanup(func() {
			grpcServer.Stop()
			srv.Shutdown()
		})
	}
	return c
}

func (c *testCluster) dialer() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		lis, ok := c.listeners[addr]
		if !ok {
			return nil, fmt.Errorf("unknown server %s", addr)
		}
		return lis.DialContext(ctx)
	})
}

func (c *testCluster) clerk() *Clerk {
	c.t.Helper()
	clerk, err := NewClerk(c.addrs, WithDialOptions(c.dialer()), WithCallTimeout(2*time.Second))
	require.NoError(c.t, err)
	c.t.Cleanup(func() { _ = clerk.Close() })
	return clerk
}

func (c *testCluster) leader() *testNode {
	c.t.Helper()
	var leader *testNode
	require.Eventually(c.t, func() bool {
		for _, n := range c.nodes {
			if ok, _ := n.server.IsLeader(); ok {
				leader = n
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	return leader
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClerk_PutAppendGet(t *testing.T) {
	c := newTestCluster(t, 3)
	clerk := c.clerk()
	ctx := testContext(t)

	v, err := clerk.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, v, "absent keys read as empty")

	require.NoError(t, clerk.Put(ctx, "x", "1"))
	v, err = clerk.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	require.NoError(t, clerk.Append(ctx, "x", "2"))
	require.NoError(t, clerk.Append(ctx, "fresh", "a"))
	v, err = clerk.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "12", v)
	v, err = clerk.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, "a", v)

	// Every replica converges on the same map
	for _, n := range c.nodes {
		require.Eventually(t, func() bool {
			v, _ := n.sm.Get("x")
			return v == "12"
		}, 2*time.Second, 10*time.Millisecond, "%s did not apply", n.id)
	}
}

func TestService_RetriedRequestIsAppliedOnce(t *testing.T) {
	c := newTestCluster(t, 3)
	leader := c.leader()

	req := &proto.ClientCommandRequest{Command: &proto.Command{
		ClientId: 77, RequestId: 5, Type: proto.OpType_OP_APPEND, Key: "y", Value: []byte("v"),
	}}
	first, err := leader.svc.Command(testContext(t), req)
	require.NoError(t, err)
	require.Equal(t, proto.ClientStatus_OK, first.Status)

	// The client never saw the first reply and retries with the same request ID
	second, err := leader.svc.Command(testContext(t), req)
	require.NoError(t, err)
	assert.Equal(t, proto.ClientStatus_OK, second.Status)
	assert.Equal(t, []byte("v"), second.Value, "the retry is answered with the first result")
	assert.Greater(t, second.Index, first.Index, "the retry went through the log")

	v, _ := leader.sm.Get("y")
	assert.Equal(t, "v", v, "the value must not be appended twice")
}

func TestService_FollowerPointsAtLeader(t *testing.T) {
	c := newTestCluster(t, 3)
	leader := c.leader()

	for _, n := range c.nodes {
		if n == leader {
			continue
		}
		require.Eventually(t, func() bool { return n.server.Status().Leader == leader.id }, 2*time.Second, 10*time.Millisecond)

		resp, err := n.svc.Command(testContext(t), putRequest("k", "v"))
		require.NoError(t, err)
		assert.Equal(t, proto.ClientStatus_WRONG_LEADER, resp.Status)
		assert.Equal(t, string(leader.id), resp.LeaderId)
		assert.Equal(t, "passthrough:///"+string(leader.id), resp.LeaderAddress)
	}
}

func TestClerk_SurvivesLeaderFailure(t *testing.T) {
	c := newTestCluster(t, 3)
	clerk := c.clerk()
	ctx := testContext(t)

	require.NoError(t, clerk.Put(ctx, "a", "1"))

	old := c.leader()
	c.network.Isolate(old.id)
	require.NoError(t, clerk.Append(ctx, "a", "2"))
	c.network.Heal()

	v, err := clerk.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "12", v)
}

func TestClerk_GivesUpWhenContextEnds(t *testing.T) {
	c := newTestCluster(t, 3)
	c.leader()
	for _, n := range c.nodes {
		c.network.Isolate(n.id)
	}

	clerk := c.clerk()
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err := clerk.Put(ctx, "k", "v")
	assert.ErrorIs(t, err, raft.ErrTimedOut)
}

func TestClerk_ConcurrentClientsApplyEachAppendOnce(t *testing.T) {
	c := newTestCluster(t, 3)
	ctx := testContext(t)

	const clients, appends = 3, 5
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		clerk := c.clerk()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < appends; j++ {
				assert.NoError(t, clerk.Append(ctx, "log", "x"))
			}
		}()
	}
	wg.Wait()

	v, err := c.clerk().Get(ctx, "log")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", clients*appends), v)
}

func TestNewClerk(t *testing.T) {
	_, err := NewClerk(nil)
	assert.Error(t, err)

	a, err := NewClerk([]string{"localhost:1"}, WithDialOptions(grpc.WithTransportCredentials(insecure.NewCredentials())))
	require.NoError(t, err)
	defer a.Close()
	b, err := NewClerk([]string{"localhost:1"})
	require.NoError(t, err)
	defer b.Close()
	assert.NotEqual(t, a.ClientID(), b.ClientID())
}
