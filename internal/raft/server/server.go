package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"raftkv/internal/pubsub"
	"raftkv/internal/raft"
	"raftkv/internal/raft/proto"
	"raftkv/internal/raft/storage"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Server is a single Raft consensus module. It serves the RaftService RPCs of its peers, replicates the commands
// handed to Start, and applies committed entries to its StateMachine in index order.
type Server struct {
	// This makes the Server struct impl the proto.RaftServiceServer interface
	proto.UnimplementedRaftServiceServer

	serverState
	// The ID of the server in the cluster
	ID raft.ServerID
	// The network address of the server, informational only. Peers reach it through their Transport.
	Address raft.ServerAddress
	// A Log is a collection of proto.LogEntry objects. If State is Leader, this collection is Append Only as per the Leader
	// Append-Only Property in Figure 3 from the [Raft paper](https://raft.github.io/raft.pdf)
	log storage.LogStorage
	// StateMachine is the state machine of the Server as per Section 2 from the
	// [Raft paper](https://raft.github.io/raft.pdf)
	stateMachine raft.StateMachine
	// transport is the transport layer used for sending RPC messages
	transport raft.Transport
	// The IDs of the other servers in the cluster
	peers  []raft.ServerID
	config Config

	// The timer for the serverState.electionTimeout as defined in Section 5.2 from the
	// [Raft paper](https://raft.github.io/raft.pdf)
	electionTimeoutTimer *time.Timer
	// pubSub is used to send events about the state of the server to subscribed listeners. It must not be shared
	// with other servers, as ServerShutDown stops every job listening on it.
	pubSub     *pubsub.PubSubClient
	ownsPubSub bool
	metrics    MetricsCollector

	notifications *notifier
	// applyCh wakes the apply job after commitIndex moved
	applyCh  chan struct{}
	haltedCh chan struct{}

	// ctx is cancelled on shutdown and bounds every outgoing RPC
	ctx    context.Context
	cancel context.CancelFunc
	// wg tracks the background jobs and every outgoing RPC goroutine
	wg           sync.WaitGroup
	runOnce      sync.Once
	shutdownOnce sync.Once

	logger *log.Entry
}

// Option customises a Server created by NewServer
type Option func(*Server)

// WithMetrics makes the server report to m
func WithMetrics(m MetricsCollector) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithPubSub makes the server publish its events on p instead of a private bus. The server shuts p down when it
// shuts down.
func WithPubSub(p *pubsub.PubSubClient) Option {
	return func(s *Server) {
		if p != nil {
			s.pubSub = p
		}
	}
}

// WithAddress records the address the server is reachable on
func WithAddress(addr raft.ServerAddress) Option {
	return func(s *Server) {
		s.Address = addr
	}
}

// NewServer creates a server that is a Follower of its persisted term. currentTerm and votedFor are read back from
// logStore before anything else happens, as required after a crash. An empty id is replaced by a fresh UUID.
func NewServer(id raft.ServerID, peers []raft.ServerID, logStore storage.LogStorage, sm raft.StateMachine,
	transport raft.Transport, cfg Config, opts ...Option) (*Server, error) {
	if id == "" {
		id = raft.ServerID(uuid.New().String())
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid raft config: %w", err)
	}

	term, err := logStore.GetCurrentTerm()
	if err != nil {
		return nil, fmt.Errorf("failed to read current term: %w", err)
	}
	vote, err := logStore.GetVotedFor()
	if err != nil {
		return nil, fmt.Errorf("failed to read vote: %w", err)
	}
	var votedFor *raft.ServerID
	if vote != nil {
		v := raft.ServerID(*vote)
		votedFor = &v
	}

	others := make([]raft.ServerID, 0, len(peers))
	for _, p := range peers {
		if p != id && !slices.Contains(others, p) {
			others = append(others, p)
		}
	}

	electionTimeout := raft.RandomElectionTimeout(cfg.ElectionTimeoutMin, cfg.ElectionTimeoutMax)
	// The timer only starts running in Run
	timer := time.NewTimer(electionTimeout)
	timer.Stop()

	ctx, cancel := context.WithCancel(context.Background())

	// https://go.dev/doc/effective_go#composite_literals
	s := &Server{
		serverState: serverState{
			state:           Follower,
			currentTerm:     term,
			votedFor:        votedFor,
			electionTimeout: electionTimeout,
		},
		ID:                   id,
		log:                  logStore,
		stateMachine:         sm,
		transport:            transport,
		peers:                others,
		config:               cfg,
		electionTimeoutTimer: timer,
		metrics:              noopMetrics{},
		notifications:        newNotifier(),
		applyCh:              make(chan struct{}, 1),
		haltedCh:             make(chan struct{}),
		ctx:                  ctx,
		cancel:               cancel,
		logger:               log.WithField("server", id),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pubSub == nil {
		s.pubSub = pubsub.NewPubSub(pubsub.WithLogger(s.logger))
		s.ownsPubSub = true
	}

	s.logger.WithField("term", term).Infof("Raft server created with peers %v", others)
	return s, nil
}

// Run starts the background jobs of the server: election timeout tracking, heartbeats, the orchestrator and the
// apply loop. It returns immediately and is a no-op after the first call.
func (s *Server) Run() {
	s.runOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.shutdown {
			return
		}

		electionStop := subscribeShutdown(s.pubSub)
		heartbeatStop := subscribeShutdown(s.pubSub)
		applyStop := subscribeShutdown(s.pubSub)
		orchestrator := NewOrchestrator(s.pubSub, s)

		jobCtx := serverCtx{ID: s.ID, Addr: s.Address}
		s.wg.Add(4)
		go func() {
			defer s.wg.Done()
			TrackElectionTimeoutJob(jobCtx, s.electionTimeoutTimer, s.pubSub, electionStop)
		}()
		go func() {
			defer s.wg.Done()
			HeartbeatJob(jobCtx, s.config.HeartbeatInterval, s.pubSub, heartbeatStop)
		}()
		go func() {
			defer s.wg.Done()
			orchestrator.Run()
		}()
		go func() {
			defer s.wg.Done()
			s.applyJob(applyStop)
		}()

		s.resetElectionTimerLocked()
		s.logger.Infof("Raft server running with election timeout %v", s.electionTimeout)
	})
}

// Shutdown stops the background jobs, waits for in-flight RPCs, fails every pending Submit with raft.ErrShutdown
// and closes the transport. The log storage and state machine are left to their owner.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.logger.Info("Shutting down server")

		s.mu.Lock()
		s.shutdown = true
		s.electionTimeoutTimer.Stop()
		s.mu.Unlock()

		s.notifications.failAll(raft.ErrShutdown)
		// Send a signal to all listeners that the server is shutting down
		pubsub.Publish(s.pubSub, pubsub.NewEvent(ServerShutDown, struct{}{}))
		s.cancel()
		s.wg.Wait()

		if err := s.transport.Close(); err != nil {
			s.logger.Warnf("Failed to close transport: %v", err)
		}
		if s.ownsPubSub {
			s.pubSub.GracefulShutdown()
		}
	})
}

// Err returns the persistence failure that halted the server, or nil
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// Halted is closed when the server halts after a persistence failure
func (s *Server) Halted() <-chan struct{} {
	return s.haltedCh
}

// Events returns the event bus of the server
func (s *Server) Events() *pubsub.PubSubClient {
	return s.pubSub
}

// Status returns a snapshot of the consensus state
func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		ID:          s.ID,
		State:       s.state,
		Term:        s.currentTerm,
		Leader:      s.leaderID,
		CommitIndex: s.commitIndex,
		LastApplied: s.lastApplied,
	}
	if s.votedFor != nil {
		st.VotedFor = *s.votedFor
	}
	if last, err := s.log.LastIndex(); err == nil {
		st.LastLogIndex = last
	}
	return st
}

// IsLeader reports whether the server currently believes it is the leader, and its term
func (s *Server) IsLeader() (bool, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Leader, s.currentTerm
}

// termLogger tags the logger with the current term
func (s *Server) termLogger() *log.Entry {
	return s.logger.WithField("term", s.currentTerm)
}

// availableLocked returns an error when the server no longer takes part in the protocol
func (s *Server) availableLocked() error {
	if s.halted != nil {
		return fmt.Errorf("%w: %v", raft.ErrHalted, s.halted)
	}
	if s.shutdown {
		return raft.ErrShutdown
	}
	return nil
}

// haltLocked stops the server after a failure to make state durable. A server that cannot persist must not
// acknowledge anything, so it refuses every later RPC and fails every pending command.
func (s *Server) haltLocked(err error) error {
	if s.halted == nil {
		s.halted = err
		s.termLogger().Errorf("Persistence failure, halting: %v", err)

		s.state = Follower
		s.leaderID = ""
		s.electionTimeoutTimer.Stop()
		close(s.haltedCh)
		s.notifications.failAll(raft.ErrHalted)
		pubsub.Publish(s.pubSub, pubsub.NewEvent(ServerHalted, err))
	}
	return fmt.Errorf("%w: %v", raft.ErrHalted, s.halted)
}

// rpcError converts errors returned by RPC handlers to gRPC status errors
func rpcError(err error) error {
	switch {
	case errors.Is(err, raft.ErrHalted), errors.Is(err, raft.ErrShutdown):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, errCommittedConflict):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// rpcContext bounds a single outgoing RPC of term by RPCTimeout. It ends early on shutdown.
func (s *Server) rpcContext(term uint64) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(s.ctx, s.config.RPCTimeout)
	return raft.RPCContext(ctx, s.ID, term), cancel
}

// resetElectionTimerLocked draws a new election timeout and restarts the timer with it
func (s *Server) resetElectionTimerLocked() {
	if s.halted != nil || s.shutdown {
		return
	}
	s.electionTimeout = raft.RandomElectionTimeout(s.config.ElectionTimeoutMin, s.config.ElectionTimeoutMax)
	s.electionTimeoutTimer.Reset(s.electionTimeout)
}

// becomeFollowerLocked adopts term if it is newer, clearing the vote, and reverts to Follower. The new term and the
// cleared vote are persisted before they are used. The election timer only restarts when a leader steps down.
func (s *Server) becomeFollowerLocked(term uint64) error {
	if term > s.currentTerm {
		// Clear vote for new term. An old 'votedFor' value is only valid for the old 'currentTerm', and both must be
		// written together so that the old vote is never read back with the new term.
		if err := s.log.SetTermAndVote(term, nil); err != nil {
			return s.haltLocked(err)
		}
		s.termLogger().Infof("Discovered newer term %d", term)
		s.currentTerm = term
		s.votedFor = nil
		s.leaderID = ""
	}

	wasLeader := s.state == Leader
	s.state = Follower
	if wasLeader {
		s.termLogger().Info("Stepping down from Leader")
		s.notifications.failAll(raft.ErrWrongLeader)
		pubsub.Publish(s.pubSub, pubsub.NewEvent(SteppedDown, TermPayload{Server: s.ID, Term: s.currentTerm}))
		// A leader's timer is stopped. Everyone else keeps theirs running: only a valid AppendEntries, a granted
		// vote or a new election resets it.
		s.resetElectionTimerLocked()
	}
	return nil
}

// termAtLocked returns the term of the entry at index, 0 for index 0
func (s *Server) termAtLocked(index uint64) (uint64, error) {
	if index == 0 {
		return 0, nil
	}
	entry, err := s.log.GetEntry(index)
	if err != nil {
		return 0, err
	}
	return entry.Term, nil
}

// signalApply wakes the apply job without blocking
func (s *Server) signalApply() {
	select {
	case s.applyCh <- struct{}{}:
	default:
	}
}

// hasQuorum reports whether votes servers out of the whole cluster form a strict majority
func (s *Server) hasQuorum(votes int) bool {
	return votes >= raft.QuorumSize(len(s.peers)+1)
}
