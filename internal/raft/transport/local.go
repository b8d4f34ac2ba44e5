package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"raftkv/internal/raft"
	"raftkv/internal/raft/proto"
)

// ErrUnreachable is returned by a LocalNetwork transport when the destination is unknown, isolated, partitioned away
// from the sender, or when the message was dropped.
var ErrUnreachable = errors.New("transport: peer unreachable")

type link struct {
	from, to raft.ServerID
}

// LocalNetwork connects servers living in the same process. Messages go through the wire codec, so no memory is
// shared between sender and receiver. Links can be cut, servers isolated, and messages dropped or delayed, which
// makes it the network of choice for cluster tests.
type LocalNetwork struct {
	mu       sync.RWMutex
	handlers map[raft.ServerID]proto.RaftServiceServer
	isolated map[raft.ServerID]bool
	cut      map[link]bool

	dropRate float64
	minDelay time.Duration
	maxDelay time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		handlers: make(map[raft.ServerID]proto.RaftServiceServer),
		isolated: make(map[raft.ServerID]bool),
		cut:      make(map[link]bool),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Register makes handler reachable under id. Registering an id again replaces its handler, which is how a
// restarted server rejoins.
func (n *LocalNetwork) Register(id raft.ServerID, handler proto.RaftServiceServer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = handler
}

// Unregister removes id from the network, as if the server crashed
func (n *LocalNetwork) Unregister(id raft.ServerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, id)
}

// Transport returns the transport used by server id to reach its peers
func (n *LocalNetwork) Transport(id raft.ServerID) raft.Transport {
	return &localTransport{network: n, from: id}
}

// Isolate cuts id off from every other server, in both directions
func (n *LocalNetwork) Isolate(id raft.ServerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isolated[id] = true
}

// Partition splits the servers into groups that can only talk within themselves. Servers not named in any group
// keep talking to everybody.
func (n *LocalNetwork) Partition(groups ...[]raft.ServerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, a := range groups {
		for j, b := range groups {
			if i == j {
				continue
			}
			for _, from := range a {
				for _, to := range b {
					n.cut[link{from: from, to: to}] = true
				}
			}
		}
	}
}

// Heal restores every link and reconnects isolated servers
func (n *LocalNetwork) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isolated = make(map[raft.ServerID]bool)
	n.cut = make(map[link]bool)
}

// SetDropRate sets the probability, in [0, 1], that a message is lost
func (n *LocalNetwork) SetDropRate(rate float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropRate = min(max(rate, 0), 1)
}

// SetDelay makes every message take a random time in [minDelay, maxDelay] to arrive
func (n *LocalNetwork) SetDelay(minDelay, maxDelay time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.minDelay = minDelay
	n.maxDelay = max(minDelay, maxDelay)
}

func (n *LocalNetwork) reachable(from, to raft.ServerID) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.isolated[from] || n.isolated[to] {
		return false
	}
	return !n.cut[link{from: from, to: to}]
}

// route returns the handler of to, or ErrUnreachable when the message must not arrive
func (n *LocalNetwork) route(from, to raft.ServerID) (proto.RaftServiceServer, time.Duration, error) {
	if !n.reachable(from, to) {
		return nil, 0, ErrUnreachable
	}

	n.mu.RLock()
	handler, ok := n.handlers[to]
	dropRate, minDelay, maxDelay := n.dropRate, n.minDelay, n.maxDelay
	n.mu.RUnlock()
	if !ok {
		return nil, 0, ErrUnreachable
	}

	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	if dropRate > 0 && n.rng.Float64() < dropRate {
		return nil, 0, ErrUnreachable
	}
	delay := minDelay
	if maxDelay > minDelay {
		delay += time.Duration(n.rng.Int63n(int64(maxDelay - minDelay)))
	}
	return handler, delay, nil
}

// deliver hands a message from one server to another and copies the reply into resp. handle runs on the receiving
// side. The deadline of ctx is honoured even when the receiver does not return.
func (n *LocalNetwork) deliver(ctx context.Context, from, to raft.ServerID, resp proto.Message,
	handle func(context.Context, proto.RaftServiceServer) (proto.Message, error)) error {
	handler, delay, err := n.route(from, to)
	if err != nil {
		return fmt.Errorf("%s -> %s: %w", from, to, err)
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		out, err := handle(ctx, handler)
		if err != nil {
			done <- result{err: err}
			return
		}
		b, err := out.Marshal()
		done <- result{data: b, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return r.err
		}
		// A partition raised while the request was in flight loses the reply
		if !n.reachable(to, from) {
			return fmt.Errorf("%s -> %s: %w", to, from, ErrUnreachable)
		}
		return resp.Unmarshal(r.data)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// copyMessage gives the receiver its own copy of m
func copyMessage(m, dst proto.Message) error {
	b, err := m.Marshal()
	if err != nil {
		return err
	}
	return dst.Unmarshal(b)
}

type localTransport struct {
	network *LocalNetwork
	from    raft.ServerID
}

func (t *localTransport) RequestVote(ctx context.Context, peer raft.ServerID, req *proto.RequestVoteRequest) (*proto.RequestVoteResponse, error) {
	resp := &proto.RequestVoteResponse{}
	err := t.network.deliver(ctx, t.from, peer, resp,
		func(ctx context.Context, h proto.RaftServiceServer) (proto.Message, error) {
			in := &proto.RequestVoteRequest{}
			if err := copyMessage(req, in); err != nil {
				return nil, err
			}
			return h.RequestVote(ctx, in)
		})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (t *localTransport) AppendEntries(ctx context.Context, peer raft.ServerID, req *proto.AppendEntriesRequest) (*proto.AppendEntriesResponse, error) {
	resp := &proto.AppendEntriesResponse{}
	err := t.network.deliver(ctx, t.from, peer, resp,
		func(ctx context.Context, h proto.RaftServiceServer) (proto.Message, error) {
			in := &proto.AppendEntriesRequest{}
			if err := copyMessage(req, in); err != nil {
				return nil, err
			}
			return h.AppendEntries(ctx, in)
		})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (t *localTransport) Close() error {
	return nil
}
