package mqlog

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
)

// indexItemLen is the on-disk size of one index entry: message_offset(8)
// + byte_position(8).
const indexItemLen = 8 + 8

// prefixLen is the 8-byte used-length header that precedes both a
// segment's data and its index file.
const prefixLen = 8

// baseNameDigits is the width of a segment's zero-padded base-offset name.
const baseNameDigits = 20

func baseName(base uint64) string {
	return fmt.Sprintf("%0*d", baseNameDigits, base)
}

// dataCapacity returns the fixed size of a segment's data file for a
// configured maximum payload of maxBytes.
func dataCapacity(maxBytes int64) int64 {
	return prefixLen + maxBytes
}

// indexCapacity returns the fixed size of a segment's index file, sized
// to hold the worst-case (every record at the minimum possible length)
// number of entries a data file of maxBytes could contain.
func indexCapacity(maxBytes int64) int64 {
	entries := maxBytes / RecordPrefixLen
	if maxBytes%RecordPrefixLen != 0 {
		entries++
	}
	return prefixLen + entries*indexItemLen
}

// segment is one base-offset-named pair of (data, index) files. The
// active segment of a topic is the only one ever appended to; every
// segment, active or not, can be read concurrently through its
// memory-mapped data file for as long as the segment stays open.
type segment struct {
	base uint64

	dataFile *os.File
	idxFile  *os.File
	dataMap  mmap.MMap
	idxMap   mmap.MMap
}

func openSegment(dir string, base uint64, maxBytes int64) (*segment, error) {
	dataPath := filepath.Join(dir, baseName(base)+".log")
	idxPath := filepath.Join(dir, baseName(base)+".index")

	dataFile, dataMap, err := openMapped(dataPath, dataCapacity(maxBytes))
	if err != nil {
		return nil, fmt.Errorf("mqlog: opening segment data file %s: %w", dataPath, err)
	}
	idxFile, idxMap, err := openMapped(idxPath, indexCapacity(maxBytes))
	if err != nil {
		dataMap.Unmap()
		dataFile.Close()
		return nil, fmt.Errorf("mqlog: opening segment index file %s: %w", idxPath, err)
	}

	return &segment{base: base, dataFile: dataFile, idxFile: idxFile, dataMap: dataMap, idxMap: idxMap}, nil
}

// openMapped opens (creating if absent) path, grows it to capacity if it
// is new or undersized, and returns it memory-mapped read/write.
func openMapped(path string, capacity int64) (*os.File, mmap.MMap, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if info.Size() < capacity {
		if err := f.Truncate(capacity); err != nil {
			f.Close()
			return nil, nil, err
		}
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, m, nil
}

func (s *segment) usedDataLen() int64 { return int64(binary.BigEndian.Uint64(s.dataMap[0:8])) }

func (s *segment) setUsedDataLen(n int64) {
	binary.BigEndian.PutUint64(s.dataMap[0:8], uint64(n))
}

func (s *segment) usedIndexLen() int64 { return int64(binary.BigEndian.Uint64(s.idxMap[0:8])) }

func (s *segment) setUsedIndexLen(n int64) {
	binary.BigEndian.PutUint64(s.idxMap[0:8], uint64(n))
}

func (s *segment) indexCount() int64 { return s.usedIndexLen() / indexItemLen }

func (s *segment) freeDataBytes() int64 {
	return int64(len(s.dataMap)) - prefixLen - s.usedDataLen()
}

func (s *segment) freeIndexEntries() int64 {
	return (int64(len(s.idxMap)) - prefixLen - s.usedIndexLen()) / indexItemLen
}

// fits reports whether a record encodedLen bytes long still fits in this
// segment's remaining data and index capacity.
func (s *segment) fits(encodedLen int) bool {
	return int64(encodedLen) <= s.freeDataBytes() && s.freeIndexEntries() >= 1
}

// indexEntry returns the i'th index entry's message offset and byte
// position, 0 <= i < indexCount().
func (s *segment) indexEntry(i int64) (offset uint64, pos int64) {
	start := prefixLen + i*indexItemLen
	offset = binary.BigEndian.Uint64(s.idxMap[start : start+8])
	pos = int64(binary.BigEndian.Uint64(s.idxMap[start+8 : start+indexItemLen]))
	return offset, pos
}

// findOffset binary-searches the index for target.
func (s *segment) findOffset(target uint64) (pos int64, ok bool) {
	lo, hi := int64(0), s.indexCount()-1
	for lo <= hi {
		mid := lo + (hi-lo)/2
		off, p := s.indexEntry(mid)
		switch {
		case off == target:
			return p, true
		case off < target:
			lo = mid + 1
		default:
			hi = mid - 1
		}
	}
	return 0, false
}

// lastOffset returns the offset of the most recently appended record, if
// any.
func (s *segment) lastOffset() (uint64, bool) {
	n := s.indexCount()
	if n == 0 {
		return 0, false
	}
	off, _ := s.indexEntry(n - 1)
	return off, true
}

// append writes rec at the end of this segment's data file and records
// its position in the index file. Callers must check fits first; append
// returns an error if the record no longer fits (a race against a
// concurrent roll should never let this happen since exactly one
// producer mutates the active segment at a time).
func (s *segment) append(rec Record) error {
	encoded := Encode(rec)
	if !s.fits(len(encoded)) {
		return fmt.Errorf("mqlog: segment %d has no room for a %d-byte record", s.base, len(encoded))
	}

	pos := s.usedDataLen()
	copy(s.dataMap[prefixLen+pos:], encoded)
	s.setUsedDataLen(pos + int64(len(encoded)))

	idxPos := s.usedIndexLen()
	item := make([]byte, indexItemLen)
	binary.BigEndian.PutUint64(item[0:8], rec.Offset)
	binary.BigEndian.PutUint64(item[8:indexItemLen], uint64(pos))
	copy(s.idxMap[prefixLen+idxPos:], item)
	s.setUsedIndexLen(idxPos + indexItemLen)

	return nil
}

// readAt decodes one record starting at byte position pos within this
// segment's used data region. The 8-byte length prefix (usedDataLen) is
// re-read on every call rather than cached, so a concurrent append by
// the producer becomes visible.
func (s *segment) readAt(pos int64) (Record, error) {
	used := s.usedDataLen()
	if pos < 0 || pos >= used {
		return Record{}, fmt.Errorf("mqlog: segment %d has no record at position %d", s.base, pos)
	}
	rec, _, err := Decode(s.dataMap[prefixLen+pos : prefixLen+used])
	return rec, err
}

func (s *segment) close() error {
	err1 := s.dataMap.Unmap()
	err2 := s.idxMap.Unmap()
	err3 := s.dataFile.Close()
	err4 := s.idxFile.Close()
	for _, err := range []error{err1, err2, err3, err4} {
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *segment) remove() error {
	if err := s.close(); err != nil {
		return err
	}
	if err := os.Remove(s.dataFile.Name()); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(s.idxFile.Name()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
