// Package bencode implements a decoder and canonical encoder for the
// bencode data format used by the BitTorrent DHT's KRPC wire protocol.
package bencode

import (
	"fmt"
	"sort"
	"strconv"
)

// Kind discriminates the four bencode value shapes.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindList
	KindDict
)

// Value is a decoded bencode value: a byte string, a signed integer, a
// list of Values, or a dict mapping byte strings to Values.
type Value struct {
	kind Kind
	str  []byte
	i    int64
	list []Value
	dict map[string]Value
}

func String(b []byte) Value {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Value{kind: KindString, str: cp}
}

func Str(s string) Value {
	return String([]byte(s))
}

func Int(i int64) Value {
	return Value{kind: KindInt, i: i}
}

func List(items ...Value) Value {
	return Value{kind: KindList, list: items}
}

func Dict(m map[string]Value) Value {
	return Value{kind: KindDict, dict: m}
}

func (v Value) Kind() Kind { return v.kind }

// AsString returns the raw bytes of a byte-string value.
func (v Value) AsString() ([]byte, bool) {
	if v.kind != KindString {
		return nil, false
	}
	return v.str, true
}

// AsInt returns the integer value.
func (v Value) AsInt() (int64, bool) {
	if v.kind != KindInt {
		return 0, false
	}
	return v.i, true
}

// AsList returns the list elements.
func (v Value) AsList() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return v.list, true
}

// AsDict returns the dict entries.
func (v Value) AsDict() (map[string]Value, bool) {
	if v.kind != KindDict {
		return nil, false
	}
	return v.dict, true
}

// Get looks up a key in a dict value; ok is false if v is not a dict or the
// key is absent.
func (v Value) Get(key string) (Value, bool) {
	d, ok := v.AsDict()
	if !ok {
		return Value{}, false
	}
	item, ok := d[key]
	return item, ok
}

// Error is returned for any malformed bencode input, mirroring the
// Frame error kind from the error taxonomy.
type Error struct {
	Msg string
}

func (e *Error) Error() string { return "bencode: " + e.Msg }

func frameErr(msg string) error { return &Error{Msg: msg} }

// Decode parses the first well-formed bencode value at the start of data
// and returns it. Trailing bytes are ignored, matching the wire protocol
// where a KRPC datagram contains exactly one top-level dict.
func Decode(data []byte) (Value, error) {
	v, _, err := decodeItem(data, 0)
	return v, err
}

// DecodePrefix parses the first well-formed bencode value at the start of
// data and also returns how many bytes it consumed, for callers like
// ut_metadata's "data" message whose piece bytes trail the bencoded
// header with no length-prefixing of their own.
func DecodePrefix(data []byte) (Value, int, error) {
	return decodeItem(data, 0)
}

func find(data []byte, start int, target byte) int {
	for i := start; i < len(data); i++ {
		if data[i] == target {
			return i
		}
	}
	return -1
}

func decodeString(data []byte, start int) (Value, int, error) {
	if start >= len(data) || data[start] < '0' || data[start] > '9' {
		return Value{}, 0, frameErr("invalid string bencode")
	}
	idx := find(data, start, ':')
	if idx == -1 {
		return Value{}, 0, frameErr("':' not found when decode string")
	}
	length, err := strconv.ParseInt(string(data[start:idx]), 10, 64)
	if err != nil || length < 0 {
		return Value{}, 0, frameErr("invalid string bencode")
	}
	end := idx + 1 + int(length)
	if end > len(data) || end < idx+1 {
		return Value{}, 0, frameErr("':' out of range")
	}
	return String(data[idx+1 : end]), end, nil
}

func decodeInt(data []byte, start int) (Value, int, error) {
	if start >= len(data) || data[start] != 'i' {
		return Value{}, 0, frameErr("invalid int bencode")
	}
	s := start + 1
	idx := find(data, s, 'e')
	if idx == -1 {
		return Value{}, 0, frameErr("'e' not found when decode int")
	}
	n, err := strconv.ParseInt(string(data[s:idx]), 10, 64)
	if err != nil {
		return Value{}, 0, frameErr("can't parse int")
	}
	return Int(n), idx + 1, nil
}

func decodeItem(data []byte, start int) (Value, int, error) {
	if start >= len(data) {
		return Value{}, 0, frameErr("unexpected end of input")
	}
	switch data[start] {
	case 'i':
		return decodeInt(data, start)
	case 'l':
		return decodeList(data, start)
	case 'd':
		return decodeDict(data, start)
	default:
		if data[start] >= '0' && data[start] <= '9' {
			return decodeString(data, start)
		}
		return Value{}, 0, frameErr("invalid bencode when decode item")
	}
}

func decodeList(data []byte, start int) (Value, int, error) {
	if start >= len(data) || data[start] != 'l' {
		return Value{}, 0, frameErr("invalid list bencode")
	}
	var items []Value
	index := start + 1
	for index < len(data) {
		if data[index] == 'e' {
			break
		}
		item, idx, err := decodeItem(data, index)
		if err != nil {
			return Value{}, 0, err
		}
		items = append(items, item)
		index = idx
	}
	if index >= len(data) || data[index] != 'e' {
		return Value{}, 0, frameErr("'e' not found when decode list")
	}
	return List(items...), index + 1, nil
}

func decodeDict(data []byte, start int) (Value, int, error) {
	if start >= len(data) || data[start] != 'd' {
		return Value{}, 0, frameErr("invalid dict bencode")
	}
	rst := make(map[string]Value)
	index := start + 1
	for index < len(data) {
		if data[index] == 'e' {
			break
		}
		if data[index] < '0' || data[index] > '9' {
			return Value{}, 0, frameErr("invalid dict bencode")
		}
		keyVal, idx, err := decodeString(data, index)
		if err != nil {
			return Value{}, 0, err
		}
		keyBytes, _ := keyVal.AsString()
		if idx >= len(data) {
			return Value{}, 0, frameErr("out of range when decode dict")
		}
		item, idx2, err := decodeItem(data, idx)
		if err != nil {
			return Value{}, 0, err
		}
		rst[string(keyBytes)] = item // last wins on duplicate keys, tolerated on decode
		index = idx2
	}
	if index >= len(data) || data[index] != 'e' {
		return Value{}, 0, frameErr("'e' not found when decode dict")
	}
	return Dict(rst), index + 1, nil
}

// Encode produces canonical bencode bytes for v: dict keys are sorted
// lexicographically by raw byte value, and integers carry no leading
// zeroes (other than the single digit in "i0e").
func Encode(v Value) []byte {
	var buf []byte
	return appendValue(buf, v)
}

func appendValue(buf []byte, v Value) []byte {
	switch v.kind {
	case KindString:
		buf = strconv.AppendInt(buf, int64(len(v.str)), 10)
		buf = append(buf, ':')
		buf = append(buf, v.str...)
		return buf
	case KindInt:
		buf = append(buf, 'i')
		buf = strconv.AppendInt(buf, v.i, 10)
		buf = append(buf, 'e')
		return buf
	case KindList:
		buf = append(buf, 'l')
		for _, item := range v.list {
			buf = appendValue(buf, item)
		}
		buf = append(buf, 'e')
		return buf
	case KindDict:
		buf = append(buf, 'd')
		keys := make([]string, 0, len(v.dict))
		for k := range v.dict {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			buf = appendValue(buf, Str(k))
			buf = appendValue(buf, v.dict[k])
		}
		buf = append(buf, 'e')
		return buf
	default:
		panic(fmt.Sprintf("bencode: unknown kind %d", v.kind))
	}
}
