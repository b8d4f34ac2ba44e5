package node

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"raftkv/internal/config"
	"raftkv/internal/kv"
	"raftkv/internal/lsm"
	"raftkv/internal/pubsub"
	"raftkv/internal/raft"
	"raftkv/internal/raft/metrics"
	"raftkv/internal/raft/proto"
	"raftkv/internal/raft/server"
	"raftkv/internal/raft/state_machine"
	"raftkv/internal/raft/storage"
	"raftkv/internal/raft/transport"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

// gracefulStopTimeout bounds how long Stop waits for in-flight RPCs before closing connections
const gracefulStopTimeout = 5 * time.Second

// Node is one member of a raftkv cluster: its raft log, key-value state machine, consensus server, and the gRPC
// server exposing both the raft and the key-value services on a single listener.
type Node struct {
	cfg config.Config

	logStore   storage.LogStorage
	store      state_machine.Store
	sm         *state_machine.KVStateMachine
	server     *server.Server
	transport  *transport.GRPCTransport
	metrics    *metrics.Metrics
	events     *pubsub.PubSubClient
	grpcServer *grpc.Server
	listener   net.Listener

	serveErr chan error
	logger   *log.Entry

	unwatch  func()
	watchers sync.WaitGroup
}

// Option customises a Node created by New
type Option func(*options)

type options struct {
	metrics  *metrics.Metrics
	listener net.Listener
	dialOpts []grpc.DialOption
}

// WithMetrics makes the node report to m, which may be shared by several nodes
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithListener makes the node serve on lis instead of listening on cfg.Listen
func WithListener(lis net.Listener) Option {
	return func(o *options) { o.listener = lis }
}

// WithDialOptions adds options used to dial the peers
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) { o.dialOpts = append(o.dialOpts, opts...) }
}

// New opens the storage of the node and creates its server. Nothing runs until Start.
func New(cfg config.Config, opts ...Option) (n *Node, err error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = metrics.NewMetrics()
	}

	n = &Node{
		cfg:      cfg,
		metrics:  o.metrics,
		serveErr: make(chan error, 1),
		logger:   log.WithField("server", cfg.ID),
	}
	n.events = pubsub.NewPubSub(pubsub.WithLogger(n.logger))
	// Release whatever was opened if a later step fails
	defer func() {
		if err != nil {
			n.close()
		}
	}()

	if n.logStore, err = openLogStorage(cfg); err != nil {
		return nil, err
	}

	if n.store, err = openStore(cfg); err != nil {
		return nil, err
	}
	n.sm = state_machine.NewKVStateMachine(cfg.ID, n.store)

	var peers []raft.Peer
	var ids []raft.ServerID
	for _, p := range cfg.RaftPeers() {
		ids = append(ids, p.ID)
		if p.ID != raft.ServerID(cfg.ID) {
			peers = append(peers, p)
		}
	}
	serverCfg := cfg.ServerConfig()
	n.transport = transport.NewGRPCTransport(peers, serverCfg.WithDefaults().RPCTimeout, o.dialOpts...)

	n.server, err = server.NewServer(raft.ServerID(cfg.ID), ids, n.logStore, n.sm, n.transport, serverCfg,
		server.WithMetrics(n.metrics), server.WithPubSub(n.events), server.WithAddress(raft.ServerAddress(cfg.Listen)))
	if err != nil {
		return nil, err
	}
	n.watchEvents()

	n.listener = o.listener
	if n.listener == nil {
		if n.listener, err = net.Listen("tcp", cfg.Listen); err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
		}
	}

	n.grpcServer = grpc.NewServer(grpc.ConnectionTimeout(30 * time.Second))
	proto.RegisterRaftServiceServer(n.grpcServer, n.server)
	proto.RegisterKVServiceServer(n.grpcServer, kv.NewService(n.server, cfg.RaftPeers()))
	return n, nil
}

func openLogStorage(cfg config.Config) (storage.LogStorage, error) {
	switch cfg.Storage {
	case config.StorageBbolt:
		if err := ensureDir(cfg.LogDir()); err != nil {
			return nil, err
		}
		return storage.NewBboltStorage(filepath.Join(cfg.LogDir(), "raft.db"))
	default:
		return storage.NewFileStorage(cfg.LogDir())
	}
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return nil
}

func openStore(cfg config.Config) (state_machine.Store, error) {
	if cfg.Store == config.StoreLSM {
		s, err := state_machine.OpenLSMStore(cfg.StoreDir(), cfg.LSMOptions())
		if err != nil {
			// A nil *LSMStore must not become a non-nil Store
			return nil, err
		}
		return s, nil
	}
	return state_machine.NewMemoryStore(), nil
}

// Start serves the RPCs of the node and starts its consensus server. It returns immediately.
func (n *Node) Start() {
	go func() {
		// This one blocks as under the hood there is a call to lis.Accept which is a blocking operation.
		n.serveErr <- n.grpcServer.Serve(n.listener)
	}()
	n.server.Run()
	n.logger.Infof("Raft node running on %s with peers %v", n.Addr(), n.cfg.Peers)
}

// Addr returns the address the node serves on
func (n *Node) Addr() string {
	return n.listener.Addr().String()
}

// ID returns the raft server ID of the node
func (n *Node) ID() raft.ServerID {
	return n.server.ID
}

// Status returns the consensus state of the node
func (n *Node) Status() server.Status {
	return n.server.Status()
}

// Server returns the consensus server of the node
func (n *Node) Server() *server.Server {
	return n.server
}

// Get reads key from the local state machine, without going through the log
func (n *Node) Get(key string) (string, bool) {
	return n.sm.Get(key)
}

// StoreStats returns the layer sizes of the LSM store, or false when the node keeps its data in memory
func (n *Node) StoreStats() (lsm.Stats, bool) {
	if s, ok := n.store.(*state_machine.LSMStore); ok {
		return s.Stats(), true
	}
	return lsm.Stats{}, false
}

// Metrics returns the metrics collector of the node
func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

// Events returns the event bus of the node's server
func (n *Node) Events() *pubsub.PubSubClient {
	return n.events
}

// Wait blocks until the node halts after a persistence failure or its gRPC server stops, and returns why
func (n *Node) Wait() error {
	select {
	case <-n.server.Halted():
		return n.server.Err()
	case err := <-n.serveErr:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// Stop stops accepting RPCs, waiting up to a few seconds for the ones in flight, then shuts the server down and
// closes the storage
func (n *Node) Stop() error {
	n.logger.Info("Stopping node")

	// First, stop accepting new incoming requests, in order to prevent interrupting a pending response to a peer
	stopped := make(chan struct{})
	go func() {
		n.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(gracefulStopTimeout):
		n.logger.Warn("Graceful stop timed out, closing connections")
		n.grpcServer.Stop()
	}

	if err := n.close(); err != nil {
		return err
	}
	if n.cfg.MetricsFile != "" {
		report := n.metrics.GetReport(len(n.cfg.Peers))
		if err := report.SaveJSON(n.cfg.MetricsFile); err != nil {
			return fmt.Errorf("failed to save metrics: %w", err)
		}
	}
	return nil
}

// close releases everything New opened
func (n *Node) close() error {
	var errs []error
	if n.server != nil {
		// Shuts down the transport as well
		n.server.Shutdown()
	} else if n.transport != nil {
		errs = append(errs, n.transport.Close())
	}
	n.events.GracefulShutdown()
	if n.unwatch != nil {
		n.unwatch()
		n.watchers.Wait()
	}
	if n.listener != nil {
		// Already closed when the gRPC server was serving on it
		_ = n.listener.Close()
	}
	if stats, ok := n.StoreStats(); ok {
		n.logger.WithFields(log.Fields{
			"memtableKeys": stats.MemtableKeys,
			"tables":       stats.Tables,
			"flushes":      stats.Flushes,
			"compactions":  stats.Compactions,
		}).Info("Closing LSM store")
	}
	if n.sm != nil {
		errs = append(errs, n.sm.Close())
	}
	if n.logStore != nil {
		errs = append(errs, n.logStore.Close())
	}
	return errors.Join(errs...)
}
