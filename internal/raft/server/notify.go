package server

import (
	"sync"

	"raftkv/internal/raft"
)

// applyOutcome is delivered to a waiting Submit once its entry was applied, or when it can no longer be
type applyOutcome struct {
	result raft.ApplyResult
	err    error
}

type waiter struct {
	// term the entry was appended in. Another term at the same index means the entry was overwritten.
	term uint64
	ch   chan applyOutcome
}

// notifier maps a submitted log index to the single Submit call waiting for it. Every registration is removed
// exactly once: on apply, on timeout through cancel, or through failAll when leadership is lost.
type notifier struct {
	mu      sync.Mutex
	waiters map[uint64]*waiter
}

func newNotifier() *notifier {
	return &notifier{waiters: make(map[uint64]*waiter)}
}

// register returns the channel the outcome of the entry at index will be delivered on. The channel is buffered, so
// delivering never blocks.
func (n *notifier) register(index, term uint64) <-chan applyOutcome {
	n.mu.Lock()
	defer n.mu.Unlock()

	// A previous waiter on the same index belongs to an entry that was overwritten
	if old, ok := n.waiters[index]; ok {
		old.ch <- applyOutcome{err: raft.ErrWrongLeader}
	}
	w := &waiter{term: term, ch: make(chan applyOutcome, 1)}
	n.waiters[index] = w
	return w.ch
}

// cancel removes the registration of index if it is still the one behind ch
func (n *notifier) cancel(index uint64, ch <-chan applyOutcome) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if w, ok := n.waiters[index]; ok && (<-chan applyOutcome)(w.ch) == ch {
		delete(n.waiters, index)
	}
}

// resolve delivers the result of the entry applied at index. A waiter registered for another term learns that its
// entry was replaced.
func (n *notifier) resolve(index, term uint64, result raft.ApplyResult) {
	n.mu.Lock()
	defer n.mu.Unlock()

	w, ok := n.waiters[index]
	if !ok {
		return
	}
	delete(n.waiters, index)
	if w.term != term {
		w.ch <- applyOutcome{err: raft.ErrWrongLeader}
		return
	}
	w.ch <- applyOutcome{result: result}
}

// failAll releases every waiter with err
func (n *notifier) failAll(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for index, w := range n.waiters {
		w.ch <- applyOutcome{err: err}
		delete(n.waiters, index)
	}
}

// pending returns the number of registered waiters
func (n *notifier) pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.waiters)
}
