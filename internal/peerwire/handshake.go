// Package peerwire implements the BitTorrent peer-wire metadata fetcher:
// BEP-3 handshake, BEP-10 extended handshake, and BEP-9 ut_metadata piece
// exchange, carried through to a SHA-1-verified metadata dict.
package peerwire

import (
	"bytes"
	"fmt"

	"github.com/yiilian/dht-node/internal/nodeid"
)

// handshakePrefix is the fixed BEP-3 protocol identifier string.
var handshakePrefix = []byte("BitTorrent protocol")

// HandshakeLen is the fixed wire size of a BEP-3 handshake.
const HandshakeLen = 68

// extensionReservedByte is byte index 5 of the 8 reserved bytes (overall
// offset 25 in the 68-byte message), whose 0x10 bit advertises BEP-10
// extended messaging support.
const extensionReservedByte = 5
const extensionBit = 0x10

// ExtensionEnableReserved is the 8-byte reserved field advertising BEP-10.
var ExtensionEnableReserved = [8]byte{0, 0, 0, 0, 0, extensionBit, 0, 0}

// BuildHandshake encodes the 68-byte BEP-3 handshake: a 1-byte prefix
// length, the protocol string, 8 reserved bytes, the 20-byte infohash, and
// a 20-byte peer id.
func BuildHandshake(infoHash nodeid.Id, peerID nodeid.Id) []byte {
	buf := make([]byte, 0, HandshakeLen)
	buf = append(buf, byte(len(handshakePrefix)))
	buf = append(buf, handshakePrefix...)
	buf = append(buf, ExtensionEnableReserved[:]...)
	buf = append(buf, infoHash[:]...)
	buf = append(buf, peerID[:]...)
	return buf
}

// ParseHandshake verifies a 68-byte handshake reply (exact length, the
// prefix length byte, the protocol string), reports whether the BEP-10
// extension bit is set, and extracts the peer's infohash and peer id. A
// missing extension bit is not an error here.
func ParseHandshake(data []byte) (infoHash nodeid.Id, peerID nodeid.Id, extended bool, err error) {
	if len(data) != HandshakeLen {
		return infoHash, peerID, false, fmt.Errorf("peerwire: handshake must be %d bytes, got %d", HandshakeLen, len(data))
	}
	if int(data[0]) != len(handshakePrefix) {
		return infoHash, peerID, false, fmt.Errorf("peerwire: unexpected protocol prefix length %d", data[0])
	}
	if !bytes.Equal(data[1:1+len(handshakePrefix)], handshakePrefix) {
		return infoHash, peerID, false, fmt.Errorf("peerwire: unexpected protocol string")
	}
	extended = data[1+len(handshakePrefix)+extensionReservedByte]&extensionBit == extensionBit

	copy(infoHash[:], data[28:48])
	copy(peerID[:], data[48:68])
	return infoHash, peerID, extended, nil
}
