package server

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"raftkv/internal/pubsub"
	"raftkv/internal/raft"
	"raftkv/internal/raft/mocks"
	"raftkv/internal/raft/proto"
	"raftkv/internal/raft/transport"

	"github.com/stretchr/testify/require"
)

// testConfig keeps elections short so that cluster tests converge quickly
func testConfig() Config {
	return Config{
		ElectionTimeoutMin:  150 * time.Millisecond,
		ElectionTimeoutMax:  300 * time.Millisecond,
		HeartbeatInterval:   15 * time.Millisecond,
		RPCTimeout:          50 * time.Millisecond,
		CommandTimeout:      2 * time.Second,
		MaxEntriesPerAppend: 16,
	}
}

// newTestServer creates a server that is not running, for driving RPC handlers and internals by hand
func newTestServer(t *testing.T, id raft.ServerID, peers ...raft.ServerID) (*Server, *mocks.MockLogStorage) {
	t.Helper()
	logStore := mocks.NewMockLogStorage()
	s, err := NewServer(id, append([]raft.ServerID{id}, peers...), logStore, mocks.NewMockStateMachine(),
		transport.NewLocalNetwork().Transport(id), testConfig())
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s, logStore
}

// seedLog appends one entry per term in terms, starting at index 1
func seedLog(t *testing.T, logStore *mocks.MockLogStorage, terms ...uint64) {
	t.Helper()
	for i, term := range terms {
		require.NoError(t, logStore.AppendEntries([]*proto.LogEntry{
			{Index: uint64(i + 1), Term: term, Command: []byte(fmt.Sprintf("cmd-%d", i+1))},
		}))
	}
}

func logTerms(logStore *mocks.MockLogStorage) []uint64 {
	var terms []uint64
	for _, e := range logStore.Entries() {
		terms = append(terms, e.Term)
	}
	return terms
}

type testNode struct {
	server  *Server
	log     *mocks.MockLogStorage
	sm      *mocks.MockStateMachine
	metrics *mocks.MockMetricsCollector

	elections pubsub.SubscriberID
}

// testCluster runs servers connected through a LocalNetwork
type testCluster struct {
	t       *testing.T
	cfg     Config
	network *transport.LocalNetwork
	ids     []raft.ServerID
	nodes   map[raft.ServerID]*testNode

	// every LeaderElected event seen on any node, by term
	mu        sync.Mutex
	leaders   map[uint64]raft.ServerID
	recorders sync.WaitGroup
}

func newTestCluster(t *testing.T, size int, cfg Config) *testCluster {
	t.Helper()
	c := &testCluster{
		t:       t,
		cfg:     cfg,
		network: transport.NewLocalNetwork(),
		nodes:   make(map[raft.ServerID]*testNode),
		leaders: make(map[uint64]raft.ServerID),
	}
	for i := 1; i <= size; i++ {
		c.ids = append(c.ids, raft.ServerID(fmt.Sprintf("node-%d", i)))
	}
	for _, id := range c.ids {
		c.start(id, mocks.NewMockLogStorage())
	}
	t.Cleanup(func() {
		for _, n := range c.nodes {
			c.stop(n)
		}
		c.recorders.Wait()
	})
	return c
}

// start boots id on top of logStore with an empty state machine
func (c *testCluster) start(id raft.ServerID, logStore *mocks.MockLogStorage) {
	c.t.Helper()
	node := &testNode{
		log:     logStore,
		sm:      mocks.NewMockStateMachine(),
		metrics: mocks.NewMockMetricsCollector(),
	}
	s, err := NewServer(id, c.ids, logStore, node.sm, c.network.Transport(id), c.cfg, WithMetrics(node.metrics))
	require.NoError(c.t, err)
	node.server = s
	c.nodes[id] = node

	elected := make(chan *pubsub.Event[TermPayload], 16)
	node.elections = pubsub.Subscribe(s.Events(), LeaderElected, elected, pubsub.SubscriptionOptions{IsBlocking: true})
	c.recorders.Add(1)
	go c.recordElections(elected)

	c.network.Register(id, s)
	s.Run()
}

// stop shuts n down and detaches its election recorder
func (c *testCluster) stop(n *testNode) {
	n.server.Shutdown()
	n.server.Events().Unsubscribe(LeaderElected, n.elections)
}

// recordElections fails the test if two servers win the same term
func (c *testCluster) recordElections(elected <-chan *pubsub.Event[TermPayload]) {
	defer c.recorders.Done()
	for event := range elected {
		c.mu.Lock()
		if prev, ok := c.leaders[event.Payload.Term]; ok && prev != event.Payload.Server {
			c.t.Errorf("term %d elected both %s and %s", event.Payload.Term, prev, event.Payload.Server)
		} else {
			c.leaders[event.Payload.Term] = event.Payload.Server
		}
		c.mu.Unlock()
	}
}

// electedLeaders returns a copy of the term to leader ledger
func (c *testCluster) electedLeaders() map[uint64]raft.ServerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint64]raft.ServerID, len(c.leaders))
	for term, id := range c.leaders {
		out[term] = id
	}
	return out
}

// restart crashes id and boots it again from the same log
func (c *testCluster) restart(id raft.ServerID) {
	c.t.Helper()
	old := c.nodes[id]
	c.network.Unregister(id)
	c.stop(old)
	c.start(id, old.log)
}

func (c *testCluster) server(id raft.ServerID) *Server {
	return c.nodes[id].server
}

// waitLeader waits until a server outside exclude leads a term above minTerm and returns it. It fails the test if
// two servers ever lead the same term.
func (c *testCluster) waitLeader(minTerm uint64, exclude ...raft.ServerID) *Server {
	c.t.Helper()
	var leader *Server
	require.Eventually(c.t, func() bool {
		leader = nil
		leaders := make(map[uint64][]raft.ServerID)
		var top uint64
		for _, id := range c.ids {
			st := c.server(id).Status()
			if st.State != Leader {
				continue
			}
			leaders[st.Term] = append(leaders[st.Term], id)
			if len(leaders[st.Term]) > 1 {
				c.t.Errorf("term %d has leaders %v", st.Term, leaders[st.Term])
			}
			if st.Term > minTerm && st.Term >= top && !slices.Contains(exclude, id) {
				top = st.Term
				leader = c.server(id)
			}
		}
		return leader != nil
	}, 5*time.Second, 10*time.Millisecond, "no leader elected")
	return leader
}

// submit retries command against whichever server leads, until it is applied
func (c *testCluster) submit(command []byte) uint64 {
	c.t.Helper()
	var index uint64
	require.Eventually(c.t, func() bool {
		for _, id := range c.ids {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			i, _, err := c.server(id).Submit(ctx, command)
			cancel()
			if err == nil {
				index = i
				return true
			}
		}
		return false
	}, 10*time.Second, 20*time.Millisecond, "command %q never applied", command)
	return index
}

// waitApplied waits until every server in ids applied index
func (c *testCluster) waitApplied(index uint64, ids ...raft.ServerID) {
	c.t.Helper()
	if len(ids) == 0 {
		ids = c.ids
	}
	require.Eventually(c.t, func() bool {
		for _, id := range ids {
			if c.server(id).Status().LastApplied < index {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond, "index %d not applied everywhere", index)
}

// applied returns the commands applied by id, in order
func (c *testCluster) applied(id raft.ServerID) []string {
	return c.nodes[id].sm.Commands()
}

// checkLogsMatch verifies that any two logs holding an entry with the same index and term agree on every entry up
// to that index
func (c *testCluster) checkLogsMatch() {
	c.t.Helper()
	for i, a := range c.ids {
		for _, b := range c.ids[i+1:] {
			la, lb := c.nodes[a].log.Entries(), c.nodes[b].log.Entries()
			// Find the last index where both logs agree on the term
			last := -1
			for k := 0; k < len(la) && k < len(lb); k++ {
				if la[k].Term == lb[k].Term {
					last = k
				}
			}
			for k := 0; k <= last; k++ {
				require.Equal(c.t, la[k].Term, lb[k].Term, "%s and %s differ at index %d", a, b, k+1)
				require.True(c.t, bytes.Equal(la[k].Command, lb[k].Command), "%s and %s differ at index %d", a, b, k+1)
			}
		}
	}
}
