package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"raftkv/internal/raft"
	"raftkv/internal/raft/proto"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/tinylru"
)

const (
	logFileName  = "log"
	metaFileName = "meta"

	// [crc32c:uint32][term:uint64][index:uint64][len:uint32]
	recordHeaderSize = 4 + 8 + 8 + 4
	// [crc32c:uint32][term:uint64][votedForLen:uint32]
	metaHeaderSize = 4 + 8 + 4

	defaultEntryCacheSize = 1024
)

// ErrCorrupt is returned by Open when the log holds a damaged record that is not the last one.
var ErrCorrupt = errors.New("storage: corrupt log record")

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// FileStorage stores the log as a single append-only file of checksummed records and the persistent server state
// in a separate meta file that is replaced atomically. Appends are buffered until Persist.
type FileStorage struct {
	mu  sync.Mutex
	dir string

	file *os.File
	w    *bufio.Writer
	// flushed is the number of bytes of the file known to be written out of w
	flushed int64
	size    int64

	// offsets[i] and terms[i] describe the entry with index i+1
	offsets []int64
	terms   []uint64

	cache tinylru.LRU

	currentTerm uint64
	votedFor    *string

	logger *log.Entry
}

var _ LogStorage = (*FileStorage)(nil)

// NewFileStorage opens (or creates) the log directory dir. A partially written record at the end of the log, left
// behind by a crash in the middle of an append, is cut off.
func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	s := &FileStorage{
		dir:    dir,
		file:   f,
		logger: log.WithField("storage", dir),
	}
	s.cache.Resize(defaultEntryCacheSize)

	if err := s.load(); err != nil {
		f.Close()
		return nil, err
	}
	if err := s.loadMeta(); err != nil {
		f.Close()
		return nil, err
	}

	s.w = bufio.NewWriter(f)
	return s, nil
}

// load scans the log file and rebuilds the offset index.
func (s *FileStorage) load() error {
	info, err := s.file.Stat()
	if err != nil {
		return err
	}
	fileSize := info.Size()

	r := bufio.NewReader(io.NewSectionReader(s.file, 0, fileSize))
	header := make([]byte, recordHeaderSize)
	var offset int64

	for offset < fileSize {
		torn := func(reason string) error {
			s.logger.Warnf("Discarding torn log tail at offset %d (%d bytes): %s", offset, fileSize-offset, reason)
			return s.truncateFile(offset)
		}

		if fileSize-offset < recordHeaderSize {
			return torn("short header")
		}
		if _, err := io.ReadFull(r, header); err != nil {
			return err
		}

		crc := binary.BigEndian.Uint32(header[0:4])
		term := binary.BigEndian.Uint64(header[4:12])
		index := binary.BigEndian.Uint64(header[12:20])
		length := int64(binary.BigEndian.Uint32(header[20:24]))
		end := offset + recordHeaderSize + length

		if end > fileSize {
			return torn("short payload")
		}

		command := make([]byte, length)
		if _, err := io.ReadFull(r, command); err != nil {
			return err
		}

		sum := crc32.Update(crc32.Checksum(header[4:], crcTable), crcTable, command)
		if sum != crc {
			if end == fileSize {
				return torn("checksum mismatch")
			}
			return fmt.Errorf("%w: checksum mismatch at offset %d", ErrCorrupt, offset)
		}

		if want := uint64(len(s.offsets)) + 1; index != want {
			return fmt.Errorf("%w: index %d at offset %d, expected %d", ErrCorrupt, index, offset, want)
		}

		s.offsets = append(s.offsets, offset)
		s.terms = append(s.terms, term)
		offset = end
	}

	s.size = offset
	s.flushed = offset
	_, err = s.file.Seek(offset, io.SeekStart)
	return err
}

func (s *FileStorage) truncateFile(offset int64) error {
	if err := s.file.Truncate(offset); err != nil {
		return fmt.Errorf("failed to truncate log: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log: %w", err)
	}
	s.size = offset
	s.flushed = offset
	_, err := s.file.Seek(offset, io.SeekStart)
	return err
}

// AppendEntries appends entries to the write buffer. They are durable after Persist.
func (s *FileStorage) AppendEntries(entries []*proto.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := uint64(len(s.offsets)) + 1
	for _, entry := range entries {
		if entry.Index != next {
			return fmt.Errorf("append index %d, expected %d", entry.Index, next)
		}
		next++
	}

	for _, entry := range entries {
		record := encodeRecord(entry)
		if _, err := s.w.Write(record); err != nil {
			return fmt.Errorf("failed to write log record: %w", err)
		}

		s.offsets = append(s.offsets, s.size)
		s.terms = append(s.terms, entry.Term)
		s.size += int64(len(record))
		s.cache.Set(entry.Index, entry)
	}
	return nil
}

func encodeRecord(entry *proto.LogEntry) []byte {
	record := make([]byte, recordHeaderSize+len(entry.Command))
	binary.BigEndian.PutUint64(record[4:12], entry.Term)
	binary.BigEndian.PutUint64(record[12:20], entry.Index)
	binary.BigEndian.PutUint32(record[20:24], uint32(len(entry.Command)))
	copy(record[recordHeaderSize:], entry.Command)
	binary.BigEndian.PutUint32(record[0:4], crc32.Checksum(record[4:], crcTable))
	return record
}

// GetEntry retrieves the log entry at the specified index
func (s *FileStorage) GetEntry(index uint64) (*proto.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getEntry(index)
}

func (s *FileStorage) getEntry(index uint64) (*proto.LogEntry, error) {
	if index == 0 || index > uint64(len(s.offsets)) {
		return nil, fmt.Errorf("index %d: %w", index, raft.ErrNotFound)
	}
	if v, ok := s.cache.Get(index); ok {
		return v.(*proto.LogEntry), nil
	}

	offset := s.offsets[index-1]
	end := s.size
	if index < uint64(len(s.offsets)) {
		end = s.offsets[index]
	}
	if end > s.flushed {
		if err := s.flush(); err != nil {
			return nil, err
		}
	}

	record := make([]byte, end-offset)
	if _, err := s.file.ReadAt(record, offset); err != nil {
		return nil, fmt.Errorf("failed to read log record %d: %w", index, err)
	}
	if crc32.Checksum(record[4:], crcTable) != binary.BigEndian.Uint32(record[0:4]) {
		return nil, fmt.Errorf("%w: checksum mismatch for index %d", ErrCorrupt, index)
	}

	entry := &proto.LogEntry{
		Term:    binary.BigEndian.Uint64(record[4:12]),
		Index:   binary.BigEndian.Uint64(record[12:20]),
		Command: record[recordHeaderSize:],
	}
	s.cache.Set(index, entry)
	return entry, nil
}

// GetEntries retrieves log entries from startIndex (inclusive) to endIndex (inclusive)
func (s *FileStorage) GetEntries(startIndex, endIndex uint64) ([]*proto.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if startIndex == 0 {
		startIndex = 1
	}
	if last := uint64(len(s.offsets)); endIndex > last {
		endIndex = last
	}

	var entries []*proto.LogEntry
	for i := startIndex; i <= endIndex; i++ {
		entry, err := s.getEntry(i)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// TruncateFrom deletes all log entries starting from the given index (inclusive)
func (s *FileStorage) TruncateFrom(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index == 0 {
		index = 1
	}
	last := uint64(len(s.offsets))
	if index > last {
		return nil
	}

	if err := s.flush(); err != nil {
		return err
	}
	if err := s.truncateFile(s.offsets[index-1]); err != nil {
		return err
	}

	for i := index; i <= last; i++ {
		s.cache.Delete(i)
	}
	s.offsets = s.offsets[:index-1]
	s.terms = s.terms[:index-1]
	return nil
}

// LastIndex returns the index of the last log entry (0 if log is empty)
func (s *FileStorage) LastIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.offsets)), nil
}

// LastTerm returns the term of the last log entry (0 if log is empty)
func (s *FileStorage) LastTerm() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.terms) == 0 {
		return 0, nil
	}
	return s.terms[len(s.terms)-1], nil
}

// Persist flushes buffered records and fsyncs the log file
func (s *FileStorage) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.flush(); err != nil {
		return err
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log: %w", err)
	}
	return nil
}

func (s *FileStorage) flush() error {
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush log: %w", err)
	}
	s.flushed = s.size
	return nil
}

// GetCurrentTerm retrieves the current term from persistent storage
func (s *FileStorage) GetCurrentTerm() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTerm, nil
}

// SetCurrentTerm persists the current term to storage
func (s *FileStorage) SetCurrentTerm(term uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeMeta(term, s.votedFor)
}

// GetVotedFor retrieves the candidate ID this server voted for in the current term
func (s *FileStorage) GetVotedFor() (*string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.votedFor == nil {
		return nil, nil
	}
	v := *s.votedFor
	return &v, nil
}

// SetVotedFor persists the candidate ID this server voted for
func (s *FileStorage) SetVotedFor(candidateID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeMeta(s.currentTerm, candidateID)
}

// SetTermAndVote replaces the meta file with both values
func (s *FileStorage) SetTermAndVote(term uint64, candidateID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeMeta(term, candidateID)
}

func (s *FileStorage) loadMeta() error {
	data, err := os.ReadFile(filepath.Join(s.dir, metaFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read meta file: %w", err)
	}

	if len(data) < metaHeaderSize {
		return fmt.Errorf("%w: short meta file", ErrCorrupt)
	}
	length := int(binary.BigEndian.Uint32(data[12:16]))
	if len(data) != metaHeaderSize+length {
		return fmt.Errorf("%w: meta file length mismatch", ErrCorrupt)
	}
	if crc32.Checksum(data[4:], crcTable) != binary.BigEndian.Uint32(data[0:4]) {
		return fmt.Errorf("%w: meta checksum mismatch", ErrCorrupt)
	}

	s.currentTerm = binary.BigEndian.Uint64(data[4:12])
	if length > 0 {
		v := string(data[metaHeaderSize:])
		s.votedFor = &v
	}
	return nil
}

// writeMeta writes the meta file to a temporary file, fsyncs it and renames it over the old one.
func (s *FileStorage) writeMeta(term uint64, votedFor *string) error {
	var vote []byte
	if votedFor != nil {
		vote = []byte(*votedFor)
	}

	data := make([]byte, metaHeaderSize+len(vote))
	binary.BigEndian.PutUint64(data[4:12], term)
	binary.BigEndian.PutUint32(data[12:16], uint32(len(vote)))
	copy(data[metaHeaderSize:], vote)
	binary.BigEndian.PutUint32(data[0:4], crc32.Checksum(data[4:], crcTable))

	if err := writeFileAtomic(filepath.Join(s.dir, metaFileName), data); err != nil {
		return fmt.Errorf("failed to persist meta: %w", err)
	}

	s.currentTerm = term
	if votedFor != nil {
		v := *votedFor
		s.votedFor = &v
	} else {
		s.votedFor = nil
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}

	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}

// Close flushes buffered records and closes the log file
func (s *FileStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.w.Flush(); err != nil {
		s.file.Close()
		return err
	}
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}
