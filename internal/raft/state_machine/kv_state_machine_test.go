package state_machine

import (
	"errors"
	"path/filepath"
	"testing"

	"raftkv/internal/lsm"
	"raftkv/internal/raft/proto"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// commandLog builds log entries from commands, numbering them from 1
func commandLog(t *testing.T, cmds ...*proto.Command) []*proto.LogEntry {
	entries := make([]*proto.LogEntry, len(cmds))
	for i, cmd := range cmds {
		data, err := cmd.Marshal()
		require.NoError(t, err)
		entries[i] = &proto.LogEntry{Index: uint64(i + 1), Term: 1, Command: data}
	}
	return entries
}

func put(client, request uint64, key, value string) *proto.Command {
	return &proto.Command{ClientId: client, RequestId: request, Type: proto.OpType_OP_PUT, Key: key, Value: []byte(value)}
}

func appendOp(client, request uint64, key, value string) *proto.Command {
	return &proto.Command{ClientId: client, RequestId: request, Type: proto.OpType_OP_APPEND, Key: key, Value: []byte(value)}
}

func get(client, request uint64, key string) *proto.Command {
	return &proto.Command{ClientId: client, RequestId: request, Type: proto.OpType_OP_GET, Key: key}
}

func stores(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"lsm": func() Store {
			s, err := OpenLSMStore(filepath.Join(t.TempDir(), "kv"), lsm.Options{NoSync: true, MemtableSize: 128})
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func TestKVStateMachine_Operations(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			sm := NewKVStateMachine("test-server", newStore())

			entries := commandLog(t,
				put(1, 1, "x", "1"),
				appendOp(1, 2, "x", "2"),
				get(1, 3, "x"),
				get(1, 4, "missing"),
				appendOp(2, 1, "fresh", "a"),
			)

			var results [][]byte
			for _, e := range entries {
				res, err := sm.Apply(e)
				require.NoError(t, err)
				assert.False(t, res.Duplicate)
				results = append(results, res.Value)
			}

			assert.Empty(t, results[0], "Put has no result")
			assert.Equal(t, []byte("12"), results[1])
			assert.Equal(t, []byte("12"), results[2])
			assert.Empty(t, results[3], "absent key reads as empty")
			assert.Equal(t, []byte("a"), results[4])

			value, ok := sm.Get("x")
			assert.True(t, ok)
			assert.Equal(t, "12", value)
			assert.Equal(t, uint64(5), sm.LastApplied())
		})
	}
}

func TestKVStateMachine_Duplicates(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			sm := NewKVStateMachine("test-server", newStore())

			// the same Append committed twice, as after a client retry
			entries := commandLog(t,
				appendOp(1, 5, "y", "v"),
				appendOp(1, 5, "y", "v"),
				get(1, 6, "y"),
				get(1, 6, "y"),
				appendOp(1, 4, "y", "stale"),
			)

			first, err := sm.Apply(entries[0])
			require.NoError(t, err)
			assert.False(t, first.Duplicate)

			retry, err := sm.Apply(entries[1])
			require.NoError(t, err)
			assert.True(t, retry.Duplicate)
			assert.Equal(t, first.Value, retry.Value)

			value, _ := sm.Get("y")
			assert.Equal(t, "v", value, "value must not be doubled")

			read, err := sm.Apply(entries[2])
			require.NoError(t, err)
			reread, err := sm.Apply(entries[3])
			require.NoError(t, err)
			assert.True(t, reread.Duplicate)
			assert.Equal(t, read.Value, reread.Value)

			stale, err := sm.Apply(entries[4])
			require.NoError(t, err)
			assert.True(t, stale.Duplicate)
			value, _ = sm.Get("y")
			assert.Equal(t, "v", value)
		})
	}
}

func TestKVStateMachine_ClientsAreIndependent(t *testing.T) {
	sm := NewKVStateMachine("test-server", NewMemoryStore())

	for _, e := range commandLog(t, appendOp(1, 1, "k", "a"), appendOp(2, 1, "k", "b")) {
		res, err := sm.Apply(e)
		require.NoError(t, err)
		assert.False(t, res.Duplicate)
	}

	value, _ := sm.Get("k")
	assert.Equal(t, "ab", value)
}

func TestKVStateMachine_ReplayIsDeterministic(t *testing.T) {
	entries := commandLog(t,
		put(1, 1, "a", "1"),
		appendOp(2, 1, "a", "2"),
		appendOp(2, 1, "a", "2"),
		put(3, 1, "b", "x"),
		appendOp(1, 2, "b", "y"),
		get(3, 2, "a"),
	)

	run := func() map[string]string {
		store := NewMemoryStore()
		sm := NewKVStateMachine("replay", store)
		for _, e := range entries {
			_, err := sm.Apply(e)
			require.NoError(t, err)
		}
		return store.Snapshot()
	}

	first := run()
	assert.Equal(t, map[string]string{"a": "12", "b": "xy"}, first)
	assert.Equal(t, first, run())
}

func TestKVStateMachine_Errors(t *testing.T) {
	t.Run("undecodable command is skipped", func(t *testing.T) {
		sm := NewKVStateMachine("test-server", NewMemoryStore())

		res, err := sm.Apply(&proto.LogEntry{Index: 1, Term: 1, Command: []byte{0xff}})
		require.NoError(t, err)
		assert.Empty(t, res.Value)
		assert.Equal(t, uint64(1), sm.LastApplied())
	})

	t.Run("out of order entry is rejected", func(t *testing.T) {
		sm := NewKVStateMachine("test-server", NewMemoryStore())
		entries := commandLog(t, put(1, 1, "a", "1"), put(1, 2, "a", "2"))

		_, err := sm.Apply(entries[1])
		require.NoError(t, err)
		_, err = sm.Apply(entries[0])
		assert.Error(t, err)
	})

	t.Run("store failure is returned", func(t *testing.T) {
		sm := NewKVStateMachine("test-server", failingStore{})

		_, err := sm.Apply(commandLog(t, put(1, 1, "a", "1"))[0])
		assert.ErrorIs(t, err, errDiskFull)
	})
}

func TestLSMStore_WipesPreviousContent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "kv")

	s, err := OpenLSMStore(dir, lsm.Options{NoSync: true})
	require.NoError(t, err)
	require.NoError(t, s.Put("k", []byte("v")))
	require.NoError(t, s.Close())

	s, err = OpenLSMStore(dir, lsm.Options{NoSync: true})
	require.NoError(t, err)
	defer s.Close()

	_, ok, err := s.Get("k")
	require.NoError(t, err)
	assert.False(t, ok)
}

var errDiskFull = errors.New("disk full")

type failingStore struct{}

func (failingStore) Get(string) ([]byte, bool, error) { return nil, false, nil }
func (failingStore) Put(string, []byte) error         { return errDiskFull }
func (failingStore) Close() error                     { return nil }
