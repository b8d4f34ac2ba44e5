package server

import (
	"context"
	"time"

	"raftkv/internal/pubsub"
	"raftkv/internal/raft"
)

// applyJob applies committed entries to the state machine whenever commitIndex moves. It should be called as a
// goroutine.
func (s *Server) applyJob(stopJobCh chan *pubsub.Event[struct{}]) {
	s.logger.Debug("[JOB] Started apply job")
	for {
		select {
		case <-s.applyCh:
			s.applyCommitted()
		case <-stopJobCh:
			s.logger.Debug("[JOB] Stopping apply job")
			return
		}
	}
}

// applyCommitted applies every entry in (lastApplied, commitIndex], in index order. If commitIndex > lastApplied:
// increment lastApplied, apply log[lastApplied] to state machine (Figure 2).
func (s *Server) applyCommitted() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.availableLocked() == nil && s.lastApplied < s.commitIndex {
		entry, err := s.log.GetEntry(s.lastApplied + 1)
		if err != nil {
			s.haltLocked(err)
			return
		}

		var result raft.ApplyResult
		// Blank entries appended by new leaders carry no command
		if len(entry.Command) > 0 {
			result, err = s.stateMachine.Apply(entry)
			if err != nil {
				s.haltLocked(err)
				return
			}
			// Counted once per cluster, by the leader, so that nodes may share a collector
			if s.state == Leader {
				s.metrics.RecordCommandCommitted()
				if result.Duplicate {
					s.metrics.RecordDuplicateCommand()
				}
			}
		}

		s.lastApplied = entry.Index
		s.notifications.resolve(entry.Index, entry.Term, result)
	}
}

// Submit hands command to Start and waits until it has been applied, returning its index and the state machine's
// result. It fails with raft.ErrWrongLeader when this server is not the leader or loses leadership before the entry
// is applied, and with raft.ErrTimedOut when no outcome is known within CommandTimeout or before ctx ends. After a
// timeout the command may still be applied later, so the caller must retry with the same request identifier.
func (s *Server) Submit(ctx context.Context, command []byte) (uint64, []byte, error) {
	start := time.Now()

	s.mu.Lock()
	entry, err := s.startLocked(command)
	if err != nil {
		s.mu.Unlock()
		return 0, nil, err
	}
	// Registered before the lock is released, so the entry cannot be applied unnoticed
	done := s.notifications.register(entry.Index, entry.Term)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.config.CommandTimeout)
	defer cancel()

	select {
	case outcome := <-done:
		if outcome.err != nil {
			return entry.Index, nil, outcome.err
		}
		s.metrics.RecordCommandLatency(time.Since(start))
		return entry.Index, outcome.result.Value, nil
	case <-ctx.Done():
		s.notifications.cancel(entry.Index, done)
		// The outcome may have been delivered while cancelling
		select {
		case outcome := <-done:
			return entry.Index, outcome.result.Value, outcome.err
		default:
		}
		return entry.Index, nil, raft.ErrTimedOut
	}
}
