package transaction

import (
	"hash/crc32"
	"net"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// calculateToken derives the get_peers/announce_peer token for remote
// under secret: CRC32C (Castagnoli) over the requester's IP octets
// followed by the secret. Deriving rather than storing tokens means no
// per-peer token state to track or expire.
func calculateToken(remote net.IP, secret []byte) []byte {
	v4 := remote.To4()
	buf := make([]byte, 0, 4+len(secret))
	if v4 != nil {
		buf = append(buf, v4...)
	} else {
		buf = append(buf, remote.To16()...)
	}
	buf = append(buf, secret...)
	sum := crc32.Checksum(buf, castagnoli)
	return []byte{byte(sum >> 24), byte(sum >> 16), byte(sum >> 8), byte(sum)}
}

// validToken reports whether token matches either the current or the
// previous token secret for remote, so a token minted just before a
// rotation still validates for one more cycle.
func validToken(remote net.IP, token []byte, current, previous []byte) bool {
	if len(token) != 4 {
		return false
	}
	want := calculateToken(remote, current)
	if bytesEqual(token, want) {
		return true
	}
	if previous != nil {
		want = calculateToken(remote, previous)
		if bytesEqual(token, want) {
			return true
		}
	}
	return false
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
