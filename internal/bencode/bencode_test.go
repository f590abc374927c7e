package bencode

import (
	"bytes"
	"testing"
)

func TestDecodeString(t *testing.T) {
	data := []byte("21:c2:ab3dessssssssssst")
	v, idx, err := decodeString(data, 4)
	if err != nil {
		t.Fatalf("decodeString: %v", err)
	}
	if idx != 8 {
		t.Fatalf("idx = %d, want 8", idx)
	}
	s, _ := v.AsString()
	if string(s) != "ab" {
		t.Fatalf("value = %q, want ab", s)
	}

	if _, _, err := decodeString(data, 2); err == nil {
		t.Fatalf("expected error at start=2")
	}
	if _, _, err := decodeString(data, 8); err == nil {
		t.Fatalf("expected error at start=8 (no colon)")
	}
	if _, _, err := decodeString(data, 0); err == nil {
		t.Fatalf("expected out-of-range error at start=0")
	}
}

func TestDecodeInt(t *testing.T) {
	data := []byte("2:abi123ei1")
	v, idx, err := decodeInt(data, 4)
	if err != nil {
		t.Fatalf("decodeInt: %v", err)
	}
	if idx != 9 {
		t.Fatalf("idx = %d, want 9", idx)
	}
	n, _ := v.AsInt()
	if n != 123 {
		t.Fatalf("value = %d, want 123", n)
	}
	if _, _, err := decodeInt(data, 0); err == nil {
		t.Fatalf("expected error at start=0")
	}
	if _, _, err := decodeInt(data, 9); err == nil {
		t.Fatalf("expected error for unterminated int")
	}
}

func TestDecodeList(t *testing.T) {
	data := []byte("l2:ab3:xyze")
	v, idx, err := decodeList(data, 0)
	if err != nil {
		t.Fatalf("decodeList: %v", err)
	}
	if idx != 11 {
		t.Fatalf("idx = %d, want 11", idx)
	}
	items, _ := v.AsList()
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}
	s0, _ := items[0].AsString()
	s1, _ := items[1].AsString()
	if string(s0) != "ab" || string(s1) != "xyz" {
		t.Fatalf("items = %q, %q", s0, s1)
	}
}

func TestDecodeDict(t *testing.T) {
	data := []byte("d2:abi12ee")
	v, idx, err := decodeDict(data, 0)
	if err != nil {
		t.Fatalf("decodeDict: %v", err)
	}
	if idx != len(data) {
		t.Fatalf("idx = %d, want %d", idx, len(data))
	}
	d, _ := v.AsDict()
	item, ok := d["ab"]
	if !ok {
		t.Fatalf("missing key ab")
	}
	n, _ := item.AsInt()
	if n != 12 {
		t.Fatalf("value = %d, want 12", n)
	}
}

func TestEncodeCanonical(t *testing.T) {
	v := Dict(map[string]Value{
		"b": Int(2),
		"a": Str("x"),
	})
	got := Encode(v)
	want := []byte("d1:a1:x1:bi2ee")
	if !bytes.Equal(got, want) {
		t.Fatalf("Encode() = %q, want %q", got, want)
	}
}

func TestRoundTrip(t *testing.T) {
	original := Dict(map[string]Value{
		"t": Str("aa"),
		"y": Str("q"),
		"q": Str("ping"),
		"a": Dict(map[string]Value{
			"id": String(bytes.Repeat([]byte{'B'}, 20)),
		}),
	})
	encoded := Encode(original)
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	reEncoded := Encode(decoded)
	if !bytes.Equal(encoded, reEncoded) {
		t.Fatalf("round-trip mismatch:\n  first:  %q\n  second: %q", encoded, reEncoded)
	}
}

func TestDecodeErrors(t *testing.T) {
	cases := [][]byte{
		{},
		[]byte("x"),
		[]byte("d"),
		[]byte("l"),
		[]byte("i"),
		[]byte("5:ab"),
	}
	for _, c := range cases {
		if _, err := Decode(c); err == nil {
			t.Errorf("Decode(%q): expected error", c)
		}
	}
}
