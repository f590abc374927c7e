// Package nodeid implements the 160-bit DHT node identifier, its XOR
// distance metric, and the BEP-42 IP-derived-id scheme.
package nodeid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"net"
)

// Size is the length in bytes of an Id.
const Size = 20

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Id is a 20-byte DHT node or infohash identifier.
type Id [Size]byte

// FromBytes copies b into a new Id. b must be exactly Size bytes.
func FromBytes(b []byte) (Id, error) {
	var id Id
	if len(b) != Size {
		return id, fmt.Errorf("nodeid: wrong length %d, want %d", len(b), Size)
	}
	copy(id[:], b)
	return id, nil
}

// FromHex decodes a hex-encoded identifier.
func FromHex(h string) (Id, error) {
	b, err := hex.DecodeString(h)
	if err != nil {
		return Id{}, fmt.Errorf("nodeid: invalid hex: %w", err)
	}
	return FromBytes(b)
}

// FromRandom returns a cryptographically random Id. The result is not
// guaranteed to be BEP-42 valid for any address.
func FromRandom() Id {
	var id Id
	if _, err := rand.Read(id[:]); err != nil {
		panic("nodeid: system randomness unavailable: " + err.Error())
	}
	return id
}

func (id Id) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns a copy of the identifier's bytes.
func (id Id) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, id[:])
	return b
}

// Xor computes the bitwise exclusive-or distance between two ids.
func (id Id) Xor(other Id) Id {
	var out Id
	for i := range out {
		out[i] = id[i] ^ other[i]
	}
	return out
}

// MatchingPrefixBits returns the number of leading bits id and other have
// in common (the common-prefix-length, CPL).
func (id Id) MatchingPrefixBits(other Id) int {
	xored := id.Xor(other)
	total := 0
	for _, b := range xored {
		lz := leadingZeros8(b)
		total += lz
		if lz < 8 {
			break
		}
	}
	return total
}

func leadingZeros8(b byte) int {
	n := 0
	for i := 7; i >= 0; i-- {
		if b&(1<<uint(i)) != 0 {
			break
		}
		n++
	}
	return n
}

// Less reports whether id sorts before other under big-endian byte
// comparison.
func (id Id) Less(other Id) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// MakeMutant returns a random id that shares its first identicalBytes bytes
// with id. identicalBytes must be in the range (0, Size).
func MakeMutant(id Id, identicalBytes int) (Id, error) {
	if identicalBytes <= 0 || identicalBytes >= Size {
		return Id{}, fmt.Errorf("nodeid: identicalBytes must be in range (0, %d), got %d", Size, identicalBytes)
	}
	mutant := FromRandom()
	copy(mutant[:identicalBytes], id[:identicalBytes])
	return mutant, nil
}

// idPrefixMagic is the BEP-42 (prefix, suffix) pair derived either from an
// IP address plus a random seed, or read back out of an existing id.
type idPrefixMagic struct {
	prefix [3]byte
	suffix byte
}

func idPrefixMagicFromID(id Id) idPrefixMagic {
	return idPrefixMagic{
		prefix: [3]byte{id[0], id[1], id[2]},
		suffix: id[Size-1],
	}
}

// ipv4Magic is the BEP-42 mask applied to a big-endian IPv4 address before
// CRC32C.
const ipv4Magic uint32 = 0x030f3fff

// ipv6Magic is the BEP-42 mask applied to the low 64 bits of a big-endian
// IPv6 address before CRC32C.
const ipv6Magic uint64 = 0x0103070f1f3f7fff

func idPrefixMagicFromIPv4(ip [4]byte, seedR byte) idPrefixMagic {
	ipInt := uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
	r32 := uint32(seedR)
	nonsense := (ipInt & ipv4Magic) | (r32 << 29)
	var buf [4]byte
	buf[0] = byte(nonsense >> 24)
	buf[1] = byte(nonsense >> 16)
	buf[2] = byte(nonsense >> 8)
	buf[3] = byte(nonsense)
	crc := crc32.Checksum(buf[:], castagnoli)
	return idPrefixMagic{
		prefix: [3]byte{byte(crc >> 24), byte(crc >> 16), byte(crc >> 8)},
		suffix: seedR,
	}
}

func idPrefixMagicFromIPv6(ip [16]byte, seedR byte) idPrefixMagic {
	var lo [8]byte
	copy(lo[:], ip[8:])
	ipInt := uint64(0)
	for _, b := range lo {
		ipInt = ipInt<<8 | uint64(b)
	}
	r64 := uint64(seedR)
	nonsense := (ipInt & ipv6Magic) | (r64 << 61)
	var buf [8]byte
	for i := 7; i >= 0; i-- {
		buf[i] = byte(nonsense)
		nonsense >>= 8
	}
	crc := crc32.Checksum(buf[:], castagnoli)
	return idPrefixMagic{
		prefix: [3]byte{byte(crc >> 24), byte(crc >> 16), byte(crc >> 8)},
		suffix: seedR,
	}
}

// equalMagic compares two idPrefixMagic values the way BEP-42 requires: the
// top two prefix bytes exactly, the top 5 bits of the third prefix byte, and
// the suffix.
func equalMagic(a, b idPrefixMagic) bool {
	return a.prefix[0] == b.prefix[0] &&
		a.prefix[1] == b.prefix[1] &&
		a.prefix[2]&0xf8 == b.prefix[2]&0xf8 &&
		a.suffix == b.suffix
}

// FromIP generates a random id valid under BEP-42 for the given address.
func FromIP(ip net.IP) (Id, error) {
	var seedBuf [1]byte
	if _, err := rand.Read(seedBuf[:]); err != nil {
		return Id{}, fmt.Errorf("nodeid: reading seed byte: %w", err)
	}
	r := seedBuf[0]

	var magic idPrefixMagic
	if v4 := ip.To4(); v4 != nil {
		magic = idPrefixMagicFromIPv4([4]byte{v4[0], v4[1], v4[2], v4[3]}, r)
	} else if v6 := ip.To16(); v6 != nil {
		var a [16]byte
		copy(a[:], v6)
		magic = idPrefixMagicFromIPv6(a, r)
	} else {
		return Id{}, fmt.Errorf("nodeid: not a valid IP: %v", ip)
	}

	var id Id
	id[0] = magic.prefix[0]
	id[1] = magic.prefix[1]
	var randByte [1]byte
	if _, err := rand.Read(randByte[:]); err != nil {
		return Id{}, err
	}
	id[2] = (magic.prefix[2] & 0xf8) | (randByte[0] & 0x7)
	if _, err := rand.Read(id[3 : Size-1]); err != nil {
		return Id{}, err
	}
	id[Size-1] = r

	return id, nil
}

// IsValidForIP reports whether id is a BEP-42-valid identifier for ip,
// bypassing the check for loopback addresses and entries in whitelist.
func (id Id) IsValidForIP(ip net.IP, whitelist map[string]bool) bool {
	if ip.IsLoopback() || whitelist[ip.String()] {
		return true
	}

	seedR := id[Size-1]
	var expected idPrefixMagic
	if v4 := ip.To4(); v4 != nil {
		expected = idPrefixMagicFromIPv4([4]byte{v4[0], v4[1], v4[2], v4[3]}, seedR)
	} else if v6 := ip.To16(); v6 != nil {
		var a [16]byte
		copy(a[:], v6)
		expected = idPrefixMagicFromIPv6(a, seedR)
	} else {
		return false
	}

	actual := idPrefixMagicFromID(id)
	return equalMagic(expected, actual)
}
