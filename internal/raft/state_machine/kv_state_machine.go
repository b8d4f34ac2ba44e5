package state_machine

import (
	"fmt"
	"sync"

	"raftkv/internal/raft"
	"raftkv/internal/raft/proto"

	log "github.com/sirupsen/logrus"
)

// duplicateEntry is the latest request applied for one client together with the result it produced
type duplicateEntry struct {
	requestID uint64
	result    []byte
}

// KVStateMachine applies Put, Append and Get commands to a Store. It keeps one duplicate table entry per client so
// that a retried request is applied at most once and answered with the result of its first application.
type KVStateMachine struct {
	mu          sync.RWMutex
	store       Store
	duplicates  map[uint64]duplicateEntry
	lastApplied uint64

	logger *log.Entry
}

var _ raft.StateMachine = (*KVStateMachine)(nil)

// NewKVStateMachine creates a new key-value state machine
func NewKVStateMachine(serverID string, store Store) *KVStateMachine {
	return &KVStateMachine{
		store:      store,
		duplicates: make(map[uint64]duplicateEntry),
		logger:     log.WithField("sm", serverID),
	}
}

// Apply applies a single committed log entry. Entries must be passed in index order, each exactly once.
func (kv *KVStateMachine) Apply(entry *proto.LogEntry) (raft.ApplyResult, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	if entry.Index <= kv.lastApplied {
		return raft.ApplyResult{}, fmt.Errorf("entry %d applied out of order, last applied %d", entry.Index, kv.lastApplied)
	}
	kv.lastApplied = entry.Index

	cmd := &proto.Command{}
	if err := cmd.Unmarshal(entry.Command); err != nil {
		kv.logger.Warnf("Skipping undecodable command at index %d: %v", entry.Index, err)
		return raft.ApplyResult{}, nil
	}

	if dup, ok := kv.duplicates[cmd.ClientId]; ok && cmd.RequestId <= dup.requestID {
		kv.logger.Debugf("Duplicate %s from client %d request %d (index=%d)", cmd.Type, cmd.ClientId, cmd.RequestId, entry.Index)
		if cmd.RequestId == dup.requestID {
			return raft.ApplyResult{Value: dup.result, Duplicate: true}, nil
		}
		// An older request. Its caller has moved on, so there is no result worth returning.
		return raft.ApplyResult{Duplicate: true}, nil
	}

	var result []byte
	switch cmd.Type {
	case proto.OpType_OP_PUT:
		if err := kv.store.Put(cmd.Key, cmd.Value); err != nil {
			return raft.ApplyResult{}, fmt.Errorf("put %q: %w", cmd.Key, err)
		}
	case proto.OpType_OP_APPEND:
		current, _, err := kv.store.Get(cmd.Key)
		if err != nil {
			return raft.ApplyResult{}, fmt.Errorf("get %q: %w", cmd.Key, err)
		}
		result = append(append([]byte(nil), current...), cmd.Value...)
		if err := kv.store.Put(cmd.Key, result); err != nil {
			return raft.ApplyResult{}, fmt.Errorf("append %q: %w", cmd.Key, err)
		}
	case proto.OpType_OP_GET:
		value, _, err := kv.store.Get(cmd.Key)
		if err != nil {
			return raft.ApplyResult{}, fmt.Errorf("get %q: %w", cmd.Key, err)
		}
		result = append([]byte(nil), value...)
	default:
		kv.logger.Warnf("Unknown operation %d at index %d", cmd.Type, entry.Index)
	}

	kv.duplicates[cmd.ClientId] = duplicateEntry{requestID: cmd.RequestId, result: result}
	kv.logger.Debugf("Applied %s %q (client=%d request=%d index=%d)", cmd.Type, cmd.Key, cmd.ClientId, cmd.RequestId, entry.Index)
	return raft.ApplyResult{Value: result}, nil
}

// Get reads key directly from the store, bypassing the log. Reads through the log go via an OpType_OP_GET command.
func (kv *KVStateMachine) Get(key string) (string, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	v, ok, err := kv.store.Get(key)
	if err != nil {
		kv.logger.Errorf("Failed to read %q: %v", key, err)
		return "", false
	}
	return string(v), ok
}

// LastApplied returns the index of the last applied entry
func (kv *KVStateMachine) LastApplied() uint64 {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return kv.lastApplied
}

// Close closes the underlying store
func (kv *KVStateMachine) Close() error {
	return kv.store.Close()
}
