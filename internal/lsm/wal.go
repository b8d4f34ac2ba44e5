package lsm

import (
	"errors"
	"fmt"
	"os"

	"github.com/tidwall/wal"
	"google.golang.org/protobuf/encoding/protowire"
)

// WAL record fields
//
//	1: key   2: kind   3: value
const (
	walKeyField   protowire.Number = 1
	walKindField  protowire.Number = 2
	walValueField protowire.Number = 3
)

var errBadWALRecord = errors.New("lsm: malformed wal record")

// memWAL is the write-ahead log of a single memtable generation. Each generation owns a directory that is removed
// once its memtable has been flushed to an SSTable.
type memWAL struct {
	dir  string
	log  *wal.Log
	last uint64
}

func openWAL(dir string, noSync bool) (*memWAL, error) {
	opts := *wal.DefaultOptions
	opts.NoSync = noSync

	l, err := wal.Open(dir, &opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open wal %s: %w", dir, err)
	}
	last, err := l.LastIndex()
	if err != nil {
		l.Close()
		return nil, err
	}
	return &memWAL{dir: dir, log: l, last: last}, nil
}

func (w *memWAL) append(r record) error {
	if err := w.log.Write(w.last+1, encodeWALRecord(r)); err != nil {
		return fmt.Errorf("failed to write wal: %w", err)
	}
	w.last++
	return nil
}

// replay feeds every record of the log to fn in write order
func (w *memWAL) replay(fn func(record)) error {
	first, err := w.log.FirstIndex()
	if err != nil {
		return err
	}
	if first == 0 {
		return nil
	}
	for i := first; i <= w.last; i++ {
		data, err := w.log.Read(i)
		if err != nil {
			return fmt.Errorf("failed to read wal index %d: %w", i, err)
		}
		r, err := decodeWALRecord(data)
		if err != nil {
			return fmt.Errorf("wal index %d: %w", i, err)
		}
		fn(r)
	}
	return nil
}

func (w *memWAL) close() error {
	return w.log.Close()
}

// remove closes the log and deletes its directory
func (w *memWAL) remove() error {
	if err := w.log.Close(); err != nil && !errors.Is(err, wal.ErrClosed) {
		return err
	}
	return os.RemoveAll(w.dir)
}

func encodeWALRecord(r record) []byte {
	var b []byte
	b = protowire.AppendTag(b, walKeyField, protowire.BytesType)
	b = protowire.AppendString(b, r.key)
	b = protowire.AppendTag(b, walKindField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.kind))
	if len(r.value) > 0 {
		b = protowire.AppendTag(b, walValueField, protowire.BytesType)
		b = protowire.AppendBytes(b, r.value)
	}
	return b
}

func decodeWALRecord(b []byte) (record, error) {
	var r record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return r, errBadWALRecord
		}
		b = b[n:]

		switch {
		case num == walKeyField && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return r, errBadWALRecord
			}
			r.key, b = v, b[n:]
		case num == walKindField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return r, errBadWALRecord
			}
			r.kind, b = kind(v), b[n:]
		case num == walValueField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return r, errBadWALRecord
			}
			r.value, b = append([]byte(nil), v...), b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return r, errBadWALRecord
			}
			b = b[n:]
		}
	}
	return r, nil
}
