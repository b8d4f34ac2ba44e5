package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"raftkv/internal/raft"
	"raftkv/internal/raft/proto"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultRPCTimeout bounds a single RPC attempt when no timeout is configured. Section 5.6 states that broadcast
// time should be an order of magnitude less than the election timeout.
const DefaultRPCTimeout = 100 * time.Millisecond

// GRPCTransport sends Raft RPCs to peers over gRPC. Peers are dialled through its own "raft" resolver, so a peer's
// address can change without re-creating its connection.
type GRPCTransport struct {
	peers *peerTable

	// A map to store the underlying grpc.ClientConn for each peer. It is a map[raft.ServerID]*grpc.ClientConn.
	// sync.Map provides thread-safe access to the map, and is optimized for read operations, reducing the overhead of
	// manual locks
	clientsConnPool *sync.Map
	rpcTimeout      time.Duration
	dialOpts        []grpc.DialOption
	logger          *log.Entry
}

var _ raft.Transport = (*GRPCTransport)(nil)

// NewGRPCTransport creates a transport with a gRPC channel to every peer. Every RPC is a single attempt bounded by
// rpcTimeout; retrying is left to the caller.
func NewGRPCTransport(peers []raft.Peer, rpcTimeout time.Duration, dialOpts ...grpc.DialOption) *GRPCTransport {
	if rpcTimeout <= 0 {
		rpcTimeout = DefaultRPCTimeout
	}
	table := newPeerTable()
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithResolvers(table),
	}
	t := &GRPCTransport{
		peers:           table,
		clientsConnPool: &sync.Map{},
		rpcTimeout:      rpcTimeout,
		dialOpts:        append(opts, dialOpts...),
		logger:          log.WithField("component", "transport"),
	}

	for _, p := range peers {
		if err := t.AddPeer(p.ID, p.Address); err != nil {
			// Failing to establish a channel to a single Node should not prevent conn to other nodes
			t.logger.Errorf("Failed establishing a gRPC channel to peer %v: %v", p.ID, err)
		}
	}
	return t
}

// getClientConn retrieves a grpc.ClientConn for the given raft.ServerID from the connection pool
func (t *GRPCTransport) getClientConn(peerID raft.ServerID) (*grpc.ClientConn, error) {
	clientConn, ok := t.clientsConnPool.Load(peerID)
	if !ok {
		return nil, fmt.Errorf("gRPC client connection not found for server %v", peerID)
	}

	// We must type assert the value returned by Load, as it is of type `any` by default
	conn, ok := clientConn.(*grpc.ClientConn)
	if !ok {
		return nil, fmt.Errorf("invalid clientConn type for server %v. Type is %T", peerID, clientConn)
	}

	return conn, nil
}

// AddPeer registers the peer's address with the resolver and opens a channel to it
func (t *GRPCTransport) AddPeer(peerID raft.ServerID, peerAddr raft.ServerAddress) error {
	// Register (or update) the address first, an existing channel picks it up through its resolver
	t.peers.set(peerID, peerAddr)

	if _, err := t.getClientConn(peerID); err == nil {
		return nil
	}

	conn, err := grpc.NewClient(Target(peerID), t.dialOpts...)
	if err != nil {
		return fmt.Errorf("failed to establish gRPC connection to peer %s: %w", peerID, err)
	}

	if _, loaded := t.clientsConnPool.LoadOrStore(peerID, conn); loaded {
		conn.Close()
	}
	t.logger.Debugf("Added gRPC connection for peer %s at %s", peerID, peerAddr)
	return nil
}

func (t *GRPCTransport) RequestVote(ctx context.Context, peerID raft.ServerID, req *proto.RequestVoteRequest) (*proto.RequestVoteResponse, error) {
	conn, err := t.getClientConn(peerID)
	if err != nil {
		return nil, err
	}

	rpcCtx, cancel := context.WithTimeout(ctx, t.rpcTimeout)
	defer cancel()

	// The RaftServiceClient is just a wrapper around the connection, so it is created on the fly
	resp, err := proto.NewRaftServiceClient(conn).RequestVote(rpcCtx, req)
	if err != nil {
		t.rpcLogger(ctx, peerID).Debugf("RequestVote failed: %v", err)
		return nil, fmt.Errorf("RequestVote to %s: %w", peerID, err)
	}
	return resp, nil
}

func (t *GRPCTransport) AppendEntries(ctx context.Context, peerID raft.ServerID, req *proto.AppendEntriesRequest) (*proto.AppendEntriesResponse, error) {
	conn, err := t.getClientConn(peerID)
	if err != nil {
		return nil, err
	}

	rpcCtx, cancel := context.WithTimeout(ctx, t.rpcTimeout)
	defer cancel()

	resp, err := proto.NewRaftServiceClient(conn).AppendEntries(rpcCtx, req)
	if err != nil {
		t.rpcLogger(ctx, peerID).Debugf("AppendEntries failed: %v", err)
		return nil, fmt.Errorf("AppendEntries to %s: %w", peerID, err)
	}
	return resp, nil
}

// rpcLogger tags the logger with the sender and term carried by ctx
func (t *GRPCTransport) rpcLogger(ctx context.Context, peerID raft.ServerID) *log.Entry {
	fields := log.Fields{"peer": peerID}
	if id, ok := raft.SenderID(ctx); ok {
		fields["server"] = id
	}
	if term, ok := raft.SenderTerm(ctx); ok {
		fields["term"] = term
	}
	return t.logger.WithFields(fields)
}

// Close closes all gRPC client connections initiated by the server
func (t *GRPCTransport) Close() error {
	// Range is a thread-safe way to iterate over a sync.Map.
	t.clientsConnPool.Range(func(key, value any) bool {
		if conn, ok := value.(*grpc.ClientConn); ok {
			if err := conn.Close(); err != nil {
				t.logger.Warnf("Failed to close connection to %s: %v", key, err)
			}
		}
		t.clientsConnPool.Delete(key)
		// Return true to continue the iteration.
		return true
	})
	t.logger.Debug("All gRPC client connections closed")
	return nil
}
