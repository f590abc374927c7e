package mqlog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// RecordPrefixLen is the fixed header before the value: offset(8) +
// message_size(4) + crc32(4) + timestamp_ms(8).
const RecordPrefixLen = 8 + 4 + 4 + 8

// crcTable is Castagnoli (crc32c), matching the rest of the node's use of
// the CRC-32C polynomial rather than crc32fast's IEEE default.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Record is one decoded log entry.
type Record struct {
	Offset      uint64
	TimestampMs int64
	Value       []byte
}

// EncodedLen returns the total on-wire size of a record with the given
// value length.
func EncodedLen(valueLen int) int {
	return RecordPrefixLen + valueLen
}

// Encode serializes r as `offset(8) ∥ message_size(4) ∥ crc32(4) ∥
// timestamp_ms(8) ∥ value`, where message_size counts crc+timestamp+value
// and crc covers value only.
func Encode(r Record) []byte {
	messageSize := 4 + 8 + len(r.Value)
	buf := make([]byte, EncodedLen(len(r.Value)))
	binary.BigEndian.PutUint64(buf[0:8], r.Offset)
	binary.BigEndian.PutUint32(buf[8:12], uint32(messageSize))
	binary.BigEndian.PutUint32(buf[12:16], crc32.Checksum(r.Value, crcTable))
	binary.BigEndian.PutUint64(buf[16:24], uint64(r.TimestampMs))
	copy(buf[24:], r.Value)
	return buf
}

// Decode parses one record from the start of data, returning it and the
// number of bytes consumed. data may contain trailing bytes belonging to
// later records.
func Decode(data []byte) (Record, int, error) {
	if len(data) < RecordPrefixLen {
		return Record{}, 0, fmt.Errorf("mqlog: record header needs %d bytes, got %d", RecordPrefixLen, len(data))
	}
	offset := binary.BigEndian.Uint64(data[0:8])
	messageSize := binary.BigEndian.Uint32(data[8:12])
	if messageSize < 12 {
		return Record{}, 0, fmt.Errorf("mqlog: message_size %d too small", messageSize)
	}
	valueLen := int(messageSize) - 12
	total := RecordPrefixLen + valueLen
	if len(data) < total {
		return Record{}, 0, fmt.Errorf("mqlog: record needs %d bytes, got %d", total, len(data))
	}
	wantCRC := binary.BigEndian.Uint32(data[12:16])
	timestampMs := int64(binary.BigEndian.Uint64(data[16:24]))
	value := data[24:total]

	if gotCRC := crc32.Checksum(value, crcTable); gotCRC != wantCRC {
		return Record{}, 0, fmt.Errorf("mqlog: crc mismatch for record at offset %d: want %x got %x", offset, wantCRC, gotCRC)
	}

	return Record{Offset: offset, TimestampMs: timestampMs, Value: value}, total, nil
}
