package storage

import (
	"path/filepath"
	"testing"

	"raftkv/internal/raft"
	"raftkv/internal/raft/proto"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backend opens a LogStorage at path; calling it again with the same path reopens the same data.
type backend struct {
	name string
	open func(t *testing.T, path string) LogStorage
}

var backends = []backend{
	{
		name: "file",
		open: func(t *testing.T, path string) LogStorage {
			s, err := NewFileStorage(path)
			require.NoError(t, err)
			return s
		},
	},
	{
		name: "bbolt",
		open: func(t *testing.T, path string) LogStorage {
			s, err := NewBboltStorage(path)
			require.NoError(t, err)
			return s
		},
	},
}

func forEachBackend(t *testing.T, test func(t *testing.T, path string, b backend)) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			test(t, filepath.Join(t.TempDir(), "raft"), b)
		})
	}
}

func entries(from, to, term uint64) []*proto.LogEntry {
	var out []*proto.LogEntry
	for i := from; i <= to; i++ {
		out = append(out, &proto.LogEntry{Index: i, Term: term, Command: []byte{byte(i)}})
	}
	return out
}

func TestLogStorage_EmptyLog(t *testing.T) {
	forEachBackend(t, func(t *testing.T, path string, b backend) {
		s := b.open(t, path)
		defer s.Close()

		index, err := s.LastIndex()
		require.NoError(t, err)
		assert.Equal(t, uint64(0), index)

		term, err := s.LastTerm()
		require.NoError(t, err)
		assert.Equal(t, uint64(0), term)

		_, err = s.GetEntry(1)
		assert.ErrorIs(t, err, raft.ErrNotFound)

		got, err := s.GetEntries(1, 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestLogStorage_AppendAndRead(t *testing.T) {
	forEachBackend(t, func(t *testing.T, path string, b backend) {
		s := b.open(t, path)
		defer s.Close()

		require.NoError(t, s.AppendEntries(entries(1, 3, 1)))
		require.NoError(t, s.AppendEntries(entries(4, 5, 2)))
		require.NoError(t, s.Persist())

		t.Run("single entry", func(t *testing.T) {
			entry, err := s.GetEntry(4)
			require.NoError(t, err)
			assert.Equal(t, uint64(4), entry.Index)
			assert.Equal(t, uint64(2), entry.Term)
			assert.Equal(t, []byte{4}, entry.Command)
		})

		t.Run("range", func(t *testing.T) {
			got, err := s.GetEntries(2, 4)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, uint64(2), got[0].Index)
			assert.Equal(t, uint64(4), got[2].Index)
		})

		t.Run("range past the end is clipped", func(t *testing.T) {
			got, err := s.GetEntries(4, 100)
			require.NoError(t, err)
			assert.Len(t, got, 2)
		})

		t.Run("last index and term", func(t *testing.T) {
			index, err := s.LastIndex()
			require.NoError(t, err)
			assert.Equal(t, uint64(5), index)

			term, err := s.LastTerm()
			require.NoError(t, err)
			assert.Equal(t, uint64(2), term)
		})

		t.Run("missing entry", func(t *testing.T) {
			_, err := s.GetEntry(6)
			assert.ErrorIs(t, err, raft.ErrNotFound)
		})
	})
}

func TestLogStorage_RejectsGaps(t *testing.T) {
	forEachBackend(t, func(t *testing.T, path string, b backend) {
		s := b.open(t, path)
		defer s.Close()

		require.NoError(t, s.AppendEntries(entries(1, 2, 1)))
		assert.Error(t, s.AppendEntries(entries(4, 4, 1)))
		assert.Error(t, s.AppendEntries(entries(2, 2, 1)))

		index, err := s.LastIndex()
		require.NoError(t, err)
		assert.Equal(t, uint64(2), index)
	})
}

func TestLogStorage_TruncateFrom(t *testing.T) {
	forEachBackend(t, func(t *testing.T, path string, b backend) {
		s := b.open(t, path)

		require.NoError(t, s.AppendEntries(entries(1, 5, 1)))
		require.NoError(t, s.Persist())

		require.NoError(t, s.TruncateFrom(3))

		_, err := s.GetEntry(3)
		assert.ErrorIs(t, err, raft.ErrNotFound)

		index, err := s.LastIndex()
		require.NoError(t, err)
		assert.Equal(t, uint64(2), index)

		t.Run("beyond the end is a no-op", func(t *testing.T) {
			require.NoError(t, s.TruncateFrom(99))
			index, err := s.LastIndex()
			require.NoError(t, err)
			assert.Equal(t, uint64(2), index)
		})

		t.Run("appending after truncation overwrites the suffix", func(t *testing.T) {
			require.NoError(t, s.AppendEntries(entries(3, 4, 7)))
			require.NoError(t, s.Persist())

			entry, err := s.GetEntry(3)
			require.NoError(t, err)
			assert.Equal(t, uint64(7), entry.Term)
		})

		t.Run("survives reopen", func(t *testing.T) {
			require.NoError(t, s.Close())
			s = b.open(t, path)

			got, err := s.GetEntries(1, 10)
			require.NoError(t, err)
			require.Len(t, got, 4)
			assert.Equal(t, []uint64{1, 1, 7, 7}, []uint64{got[0].Term, got[1].Term, got[2].Term, got[3].Term})
		})

		require.NoError(t, s.Close())
	})
}

func TestLogStorage_PersistentState(t *testing.T) {
	forEachBackend(t, func(t *testing.T, path string, b backend) {
		s := b.open(t, path)

		term, err := s.GetCurrentTerm()
		require.NoError(t, err)
		assert.Equal(t, uint64(0), term)

		votedFor, err := s.GetVotedFor()
		require.NoError(t, err)
		assert.Nil(t, votedFor)

		candidate := "server-2"
		require.NoError(t, s.SetTermAndVote(4, &candidate))
		require.NoError(t, s.AppendEntries(entries(1, 2, 4)))
		require.NoError(t, s.Persist())
		require.NoError(t, s.Close())

		s = b.open(t, path)
		defer s.Close()

		term, err = s.GetCurrentTerm()
		require.NoError(t, err)
		assert.Equal(t, uint64(4), term)

		votedFor, err = s.GetVotedFor()
		require.NoError(t, err)
		require.NotNil(t, votedFor)
		assert.Equal(t, candidate, *votedFor)

		index, err := s.LastIndex()
		require.NoError(t, err)
		assert.Equal(t, uint64(2), index)

		t.Run("new term clears the vote", func(t *testing.T) {
			require.NoError(t, s.SetTermAndVote(5, nil))

			votedFor, err := s.GetVotedFor()
			require.NoError(t, err)
			assert.Nil(t, votedFor)
		})

		t.Run("separate setters", func(t *testing.T) {
			require.NoError(t, s.SetCurrentTerm(6))
			other := "server-3"
			require.NoError(t, s.SetVotedFor(&other))

			term, err := s.GetCurrentTerm()
			require.NoError(t, err)
			assert.Equal(t, uint64(6), term)

			votedFor, err := s.GetVotedFor()
			require.NoError(t, err)
			require.NotNil(t, votedFor)
			assert.Equal(t, other, *votedFor)
		})
	})
}
