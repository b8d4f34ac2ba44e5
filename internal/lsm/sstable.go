package lsm

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"
)

/*
SSTable layout, all integers big-endian unless noted:

	data:   repeated [keyLen uvarint][key][kind byte][valueLen uvarint][value], keys strictly ascending
	index:  [n uvarint] then n x [keyLen uvarint][key][offset uvarint], one entry every SparseIndexInterval records
	bloom:  serialized bloom filter over every key in the table
	footer: [indexOffset uint64][bloomOffset uint64][count uint64][magic uint64]
*/

const (
	footerSize = 32
	tableMagic = uint64(0x6c736d7461626c65) // "lsmtable"

	// smallest encoded record: one-byte key length, kind and value length
	minRecordSize = 3
	// bloom filter header: m, k and the bitset length, each a uint64
	bloomHeaderSize = 24
)

var errBadTable = errors.New("lsm: malformed sstable")

type indexEntry struct {
	key    string
	offset int64
}

// table is an open, immutable SSTable. Its sparse index and bloom filter live in memory; data is read on demand.
type table struct {
	num     uint64
	path    string
	file    *os.File
	index   []indexEntry
	filter  *bloom.BloomFilter
	dataEnd int64
	count   uint64
}

// writeTable writes records, which must be sorted by key, to a new SSTable at path and fsyncs it.
func writeTable(path string, records []record, opts Options) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create sstable: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	filter := bloom.NewWithEstimates(uint(max(len(records), 1)), opts.BloomFalsePositiveRate)

	var (
		offset int64
		index  []indexEntry
		buf    []byte
	)
	for i, r := range records {
		if i%opts.SparseIndexInterval == 0 {
			index = append(index, indexEntry{key: r.key, offset: offset})
		}
		filter.AddString(r.key)

		buf = appendRecord(buf[:0], r)
		if _, err := w.Write(buf); err != nil {
			return err
		}
		offset += int64(len(buf))
	}

	indexOffset := offset
	buf = binary.AppendUvarint(buf[:0], uint64(len(index)))
	for _, e := range index {
		buf = binary.AppendUvarint(buf, uint64(len(e.key)))
		buf = append(buf, e.key...)
		buf = binary.AppendUvarint(buf, uint64(e.offset))
	}
	if _, err := w.Write(buf); err != nil {
		return err
	}
	bloomOffset := indexOffset + int64(len(buf))

	if _, err := filter.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write bloom filter: %w", err)
	}

	var footer [footerSize]byte
	binary.BigEndian.PutUint64(footer[0:8], uint64(indexOffset))
	binary.BigEndian.PutUint64(footer[8:16], uint64(bloomOffset))
	binary.BigEndian.PutUint64(footer[16:24], uint64(len(records)))
	binary.BigEndian.PutUint64(footer[24:32], tableMagic)
	if _, err := w.Write(footer[:]); err != nil {
		return err
	}

	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

func appendRecord(b []byte, r record) []byte {
	b = binary.AppendUvarint(b, uint64(len(r.key)))
	b = append(b, r.key...)
	b = append(b, byte(r.kind))
	b = binary.AppendUvarint(b, uint64(len(r.value)))
	return append(b, r.value...)
}

// openTable loads the footer, sparse index and bloom filter of the SSTable at path.
func openTable(num uint64, path string) (*table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	t, err := loadTable(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable %s: %w", path, err)
	}
	t.num = num
	t.path = path
	return t, nil
}

func loadTable(f *os.File) (*table, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size < footerSize {
		return nil, errBadTable
	}

	var footer [footerSize]byte
	if _, err := f.ReadAt(footer[:], size-footerSize); err != nil {
		return nil, err
	}
	if binary.BigEndian.Uint64(footer[24:32]) != tableMagic {
		return nil, errBadTable
	}
	indexOffset := int64(binary.BigEndian.Uint64(footer[0:8]))
	bloomOffset := int64(binary.BigEndian.Uint64(footer[8:16]))
	count := binary.BigEndian.Uint64(footer[16:24])
	if indexOffset < 0 || indexOffset > bloomOffset || bloomOffset > size-footerSize {
		return nil, errBadTable
	}
	if count > uint64(indexOffset)/minRecordSize {
		return nil, errBadTable
	}

	indexBytes := make([]byte, bloomOffset-indexOffset)
	if _, err := f.ReadAt(indexBytes, indexOffset); err != nil {
		return nil, err
	}
	index, err := decodeIndex(indexBytes)
	if err != nil {
		return nil, err
	}
	for i, e := range index {
		if e.offset < 0 || e.offset > indexOffset || (i > 0 && e.offset < index[i-1].offset) {
			return nil, errBadTable
		}
	}

	bloomSize := size - footerSize - bloomOffset
	if err := checkBloomHeader(f, bloomOffset, bloomSize); err != nil {
		return nil, err
	}
	filter := &bloom.BloomFilter{}
	if _, err := filter.ReadFrom(io.NewSectionReader(f, bloomOffset, bloomSize)); err != nil {
		return nil, fmt.Errorf("failed to read bloom filter: %w", err)
	}

	return &table{
		file:    f,
		index:   index,
		filter:  filter,
		dataEnd: indexOffset,
		count:   count,
	}, nil
}

// checkBloomHeader rejects a filter whose bitset cannot fit in its section, before the filter allocates it
func checkBloomHeader(f *os.File, offset, size int64) error {
	if size < bloomHeaderSize {
		return errBadTable
	}
	var header [bloomHeaderSize]byte
	if _, err := f.ReadAt(header[:], offset); err != nil {
		return err
	}
	bits := binary.BigEndian.Uint64(header[16:24])
	words := bits/64 + min(bits%64, 1)
	if words > uint64(size-bloomHeaderSize)/8 {
		return errBadTable
	}
	return nil
}

func decodeIndex(b []byte) ([]indexEntry, error) {
	r := bytes.NewReader(b)
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, errBadTable
	}
	// every entry takes at least two bytes
	if n > uint64(r.Len())/2 {
		return nil, errBadTable
	}
	index := make([]indexEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		keyLen, err := binary.ReadUvarint(r)
		if err != nil || keyLen > uint64(r.Len()) {
			return nil, errBadTable
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, errBadTable
		}
		offset, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, errBadTable
		}
		index = append(index, indexEntry{key: string(key), offset: int64(offset)})
	}
	return index, nil
}

// get looks key up: bloom filter, then binary search over the sparse index, then a scan of one index block.
func (t *table) get(key string) (record, bool, error) {
	if len(t.index) == 0 || !t.filter.TestString(key) {
		return record{}, false, nil
	}

	i := sort.Search(len(t.index), func(i int) bool { return t.index[i].key > key }) - 1
	if i < 0 {
		return record{}, false, nil
	}
	start := t.index[i].offset
	end := t.dataEnd
	if i+1 < len(t.index) {
		end = t.index[i+1].offset
	}

	block := make([]byte, end-start)
	if _, err := t.file.ReadAt(block, start); err != nil {
		return record{}, false, err
	}

	r := bufio.NewReader(bytes.NewReader(block))
	for {
		rec, err := readRecord(r, uint64(len(block)))
		if err == io.EOF {
			return record{}, false, nil
		}
		if err != nil {
			return record{}, false, err
		}
		if rec.key == key {
			return rec, true, nil
		}
		if rec.key > key {
			return record{}, false, nil
		}
	}
}

// records reads the whole data section in key order
func (t *table) records() ([]record, error) {
	r := bufio.NewReader(io.NewSectionReader(t.file, 0, t.dataEnd))
	out := make([]record, 0, t.count)
	for {
		rec, err := readRecord(r, uint64(t.dataEnd))
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
}

// readRecord decodes the next record of a section holding limit bytes. Lengths beyond limit are corruption.
func readRecord(r *bufio.Reader, limit uint64) (record, error) {
	keyLen, err := binary.ReadUvarint(r)
	if err != nil {
		// io.EOF only when no byte of the record has been read
		return record{}, err
	}
	if keyLen > limit {
		return record{}, errBadTable
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return record{}, errBadTable
	}
	k, err := r.ReadByte()
	if err != nil {
		return record{}, errBadTable
	}
	valueLen, err := binary.ReadUvarint(r)
	if err != nil || valueLen > limit {
		return record{}, errBadTable
	}
	var value []byte
	if valueLen > 0 {
		value = make([]byte, valueLen)
		if _, err := io.ReadFull(r, value); err != nil {
			return record{}, errBadTable
		}
	}
	return record{key: string(key), kind: kind(k), value: value}, nil
}

func (t *table) close() error {
	return t.file.Close()
}
