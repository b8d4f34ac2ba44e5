package kv

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"raftkv/internal/raft"
	"raftkv/internal/raft/proto"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	DefaultCallTimeout   = 3 * time.Second
	DefaultRetryInterval = 20 * time.Millisecond
)

// Clerk is a client of the key-value cluster. It finds the leader on its own and retries until a command has been
// applied or the context of the call ends.
//
// A Clerk sends one command at a time. The cluster only remembers the latest request of every client, so a
// retried request must not be overtaken by a newer one of the same client.
type Clerk struct {
	mu sync.Mutex

	addrs   []string
	conns   []*grpc.ClientConn
	clients []proto.KVServiceClient

	clientID  uint64
	requestID uint64
	// index into clients of the server believed to be the leader
	leader int

	callTimeout   time.Duration
	retryInterval time.Duration
	dialOpts      []grpc.DialOption

	logger *log.Entry
}

// ClerkOption customises a Clerk created by NewClerk
type ClerkOption func(*Clerk)

// WithCallTimeout bounds every single RPC. It should exceed the command timeout of the servers.
func WithCallTimeout(d time.Duration) ClerkOption {
	return func(c *Clerk) { c.callTimeout = d }
}

// WithRetryInterval sets the pause between two attempts that found no leader
func WithRetryInterval(d time.Duration) ClerkOption {
	return func(c *Clerk) { c.retryInterval = d }
}

// WithDialOptions adds options used to dial every server
func WithDialOptions(opts ...grpc.DialOption) ClerkOption {
	return func(c *Clerk) { c.dialOpts = append(c.dialOpts, opts...) }
}

// NewClerk creates a client for the servers at addrs, which must list every server of the cluster. The client ID
// is drawn from a random UUID.
func NewClerk(addrs []string, opts ...ClerkOption) (*Clerk, error) {
	if len(addrs) == 0 {
		return nil, errors.New("kv: no servers")
	}

	id := uuid.New()
	c := &Clerk{
		addrs:         addrs,
		clientID:      binary.BigEndian.Uint64(id[:8]),
		callTimeout:   DefaultCallTimeout,
		retryInterval: DefaultRetryInterval,
		dialOpts:      []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = log.WithField("client", c.clientID)

	for _, addr := range addrs {
		conn, err := grpc.NewClient(addr, c.dialOpts...)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("kv: failed to create client for %s: %w", addr, err)
		}
		c.conns = append(c.conns, conn)
		c.clients = append(c.clients, proto.NewKVServiceClient(conn))
	}
	return c, nil
}

// ClientID returns the identifier the cluster deduplicates this clerk's requests with
func (c *Clerk) ClientID() uint64 {
	return c.clientID
}

// Put sets key to value
func (c *Clerk) Put(ctx context.Context, key, value string) error {
	_, err := c.do(ctx, proto.OpType_OP_PUT, key, value)
	return err
}

// Append appends value to the current value of key
func (c *Clerk) Append(ctx context.Context, key, value string) error {
	_, err := c.do(ctx, proto.OpType_OP_APPEND, key, value)
	return err
}

// Get returns the value of key, empty if the key does not exist
func (c *Clerk) Get(ctx context.Context, key string) (string, error) {
	value, err := c.do(ctx, proto.OpType_OP_GET, key, "")
	return string(value), err
}

// do sends a new request until one server reports it applied. Every attempt of the request carries the same
// request ID, so that the cluster applies it at most once.
func (c *Clerk) do(ctx context.Context, op proto.OpType, key, value string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestID++
	req := &proto.ClientCommandRequest{Command: &proto.Command{
		ClientId:  c.clientID,
		RequestId: c.requestID,
		Type:      op,
		Key:       key,
		Value:     []byte(value),
	}}
	logger := c.logger.WithField("request", c.requestID)

	// A hint is followed without pausing, once between two pauses, so that stale hints cannot loop
	followedHint := false
	for {
		server := c.leader
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		resp, err := c.clients[server].Command(callCtx, req)
		cancel()

		switch {
		case err != nil:
			logger.Debugf("%s %q to %s failed: %v", op, key, c.addrs[server], err)
			c.leader = (server + 1) % len(c.clients)
		case resp.Status == proto.ClientStatus_OK:
			return resp.Value, nil
		case resp.Status == proto.ClientStatus_WRONG_LEADER:
			if next, ok := c.hinted(resp.LeaderAddress); ok && next != server && !followedHint {
				logger.Debugf("%s is not the leader, redirected to %s", c.addrs[server], c.addrs[next])
				c.leader = next
				followedHint = true
				continue
			}
			c.leader = (server + 1) % len(c.clients)
		case resp.Status == proto.ClientStatus_TIMED_OUT:
			// The command may still be applied. Retrying with the same request ID is safe, on any server, as the
			// leader of this term may be cut off from the majority.
			logger.Debugf("%s %q timed out on %s, retrying", op, key, c.addrs[server])
			c.leader = (server + 1) % len(c.clients)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("kv: %s %q: %w: %v", op, key, raft.ErrTimedOut, ctx.Err())
		case <-time.After(c.retryInterval):
		}
		followedHint = false
	}
}

// hinted returns the index of the server at addr
func (c *Clerk) hinted(addr string) (int, bool) {
	if addr == "" {
		return 0, false
	}
	for i, a := range c.addrs {
		if a == addr {
			return i, true
		}
	}
	return 0, false
}

// Status asks every server for its consensus state. Servers that cannot be reached are left out.
func (c *Clerk) Status(ctx context.Context) []*proto.StatusResponse {
	var out []*proto.StatusResponse
	for i, client := range c.clients {
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		st, err := client.Status(callCtx, &proto.StatusRequest{})
		cancel()
		if err != nil {
			c.logger.Debugf("Status of %s failed: %v", c.addrs[i], err)
			continue
		}
		out = append(out, st)
	}
	return out
}

// Close closes the connections to every server
func (c *Clerk) Close() error {
	var errs []error
	for _, conn := range c.conns {
		errs = append(errs, conn.Close())
	}
	return errors.Join(errs...)
}
