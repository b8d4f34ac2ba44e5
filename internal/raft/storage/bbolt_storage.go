package storage

import (
	"encoding/binary"
	"fmt"
	"time"

	"raftkv/internal/raft"
	"raftkv/internal/raft/proto"

	"go.etcd.io/bbolt"
)

var (
	// Bucket names
	logBucket      = []byte("logs")
	metadataBucket = []byte("metadata")

	// Metadata keys
	currentTermKey = []byte("currentTerm")
	votedForKey    = []byte("votedFor")
)

// BboltDb keeps the log and the persistent server state in a single bbolt file. Every write is its own committed
// transaction, which bbolt fsyncs before returning.
type BboltDb struct {
	conn *bbolt.DB
}

var _ LogStorage = (*BboltDb)(nil)

// lockTimeout bounds the wait for the file lock held by another process using the same file
const lockTimeout = time.Second

// NewBboltStorage creates a new BBolt-backed storage instance
func NewBboltStorage(path string) (*BboltDb, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: lockTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	// Initialize buckets
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(logBucket); err != nil {
			return fmt.Errorf("failed to create log bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(metadataBucket); err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BboltDb{conn: db}, nil
}

// AppendEntries appends multiple log entries to the log
func (b *BboltDb) AppendEntries(entries []*proto.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)

		next := uint64(1)
		if k, _ := bucket.Cursor().Last(); k != nil {
			next = bytesToUint64(k) + 1
		}

		for _, entry := range entries {
			if entry.Index != next {
				return fmt.Errorf("append index %d, expected %d", entry.Index, next)
			}
			data, err := entry.Marshal()
			if err != nil {
				return fmt.Errorf("failed to marshal log entry: %w", err)
			}
			if err := bucket.Put(uint64ToBytes(entry.Index), data); err != nil {
				return err
			}
			next++
		}
		return nil
	})
}

// GetEntry retrieves a log entry at the specified index
func (b *BboltDb) GetEntry(index uint64) (*proto.LogEntry, error) {
	var entry *proto.LogEntry
	err := b.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(logBucket).Get(uint64ToBytes(index))
		if data == nil {
			return fmt.Errorf("index %d: %w", index, raft.ErrNotFound)
		}

		entry = &proto.LogEntry{}
		if err := entry.Unmarshal(data); err != nil {
			return fmt.Errorf("failed to unmarshal log entry: %w", err)
		}
		return nil
	})
	return entry, err
}

// GetEntries retrieves log entries from startIndex (inclusive) to endIndex (inclusive)
func (b *BboltDb) GetEntries(startIndex, endIndex uint64) ([]*proto.LogEntry, error) {
	var entries []*proto.LogEntry
	if startIndex == 0 {
		startIndex = 1
	}
	err := b.conn.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(logBucket).Cursor()

		for k, v := cursor.Seek(uint64ToBytes(startIndex)); k != nil && bytesToUint64(k) <= endIndex; k, v = cursor.Next() {
			entry := &proto.LogEntry{}
			if err := entry.Unmarshal(v); err != nil {
				return fmt.Errorf("failed to unmarshal log entry at index %d: %w", bytesToUint64(k), err)
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

// TruncateFrom deletes all log entries starting from the given index (inclusive)
func (b *BboltDb) TruncateFrom(index uint64) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(logBucket).Cursor()

		// cursor.Delete moves the cursor, so seek again after every deletion
		for k, _ := cursor.Seek(uint64ToBytes(index)); k != nil; k, _ = cursor.Seek(uint64ToBytes(index)) {
			if err := cursor.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// LastIndex returns the index of the last log entry (0 if log is empty)
func (b *BboltDb) LastIndex() (uint64, error) {
	var lastIndex uint64
	err := b.conn.View(func(tx *bbolt.Tx) error {
		if k, _ := tx.Bucket(logBucket).Cursor().Last(); k != nil {
			lastIndex = bytesToUint64(k)
		}
		return nil
	})
	return lastIndex, err
}

// LastTerm returns the term of the last log entry (0 if log is empty)
func (b *BboltDb) LastTerm() (uint64, error) {
	var lastTerm uint64
	err := b.conn.View(func(tx *bbolt.Tx) error {
		_, v := tx.Bucket(logBucket).Cursor().Last()
		if v == nil {
			return nil
		}

		entry := &proto.LogEntry{}
		if err := entry.Unmarshal(v); err != nil {
			return fmt.Errorf("failed to unmarshal last log entry: %w", err)
		}
		lastTerm = entry.Term
		return nil
	})
	return lastTerm, err
}

// Persist is a no-op: every bbolt update transaction is already synced when it commits
func (b *BboltDb) Persist() error {
	return nil
}

// GetCurrentTerm retrieves the current term from persistent storage
func (b *BboltDb) GetCurrentTerm() (uint64, error) {
	var term uint64
	err := b.conn.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(metadataBucket).Get(currentTermKey); data != nil {
			term = bytesToUint64(data)
		}
		return nil
	})
	return term, err
}

// SetCurrentTerm persists the current term to storage
func (b *BboltDb) SetCurrentTerm(term uint64) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).Put(currentTermKey, uint64ToBytes(term))
	})
}

// GetVotedFor retrieves the candidate ID this server voted for in the current term
func (b *BboltDb) GetVotedFor() (*string, error) {
	var votedFor *string
	err := b.conn.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(metadataBucket).Get(votedForKey); data != nil {
			candidateID := string(data)
			votedFor = &candidateID
		}
		return nil
	})
	return votedFor, err
}

// SetVotedFor persists the candidate ID this server voted for
func (b *BboltDb) SetVotedFor(candidateID *string) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		return putVotedFor(tx.Bucket(metadataBucket), candidateID)
	})
}

// SetTermAndVote persists the term and the vote in one transaction
func (b *BboltDb) SetTermAndVote(term uint64, candidateID *string) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(metadataBucket)
		if err := bucket.Put(currentTermKey, uint64ToBytes(term)); err != nil {
			return err
		}
		return putVotedFor(bucket, candidateID)
	})
}

// Close closes the storage connection
func (b *BboltDb) Close() error {
	return b.conn.Close()
}

func putVotedFor(bucket *bbolt.Bucket, candidateID *string) error {
	if candidateID == nil {
		// Delete the key if votedFor is nil (new term)
		return bucket.Delete(votedForKey)
	}
	return bucket.Put(votedForKey, []byte(*candidateID))
}

// Helper functions for uint64 <-> []byte conversion
func uint64ToBytes(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
