package peerwire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MessageID enumerates the BEP-3/BEP-10 peer message ids this fetcher
// cares about; the full BitTorrent peer protocol has more (choke,
// interested, ...) but metadata fetching only ever sends and receives
// Extended, so that's the only one given special handling beyond framing.
type MessageID byte

const ExtendedMessageID MessageID = 20

// PeerMessage is one framed `be32(len) | msg_id(1) | payload` peer-wire
// message, or the zero-length keepalive.
type PeerMessage struct {
	KeepAlive bool
	ID        MessageID
	Payload   []byte
}

// EncodePeerMessage frames id+payload with its 4-byte big-endian length
// prefix (len counts id plus payload).
func EncodePeerMessage(id MessageID, payload []byte) []byte {
	length := 1 + len(payload)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], uint32(length))
	buf[4] = byte(id)
	copy(buf[5:], payload)
	return buf
}

// ReadPeerMessage reads one framed message from r: a 4-byte length, then
// that many bytes of id+payload (or zero bytes for a keepalive).
func ReadPeerMessage(r io.Reader) (PeerMessage, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return PeerMessage{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return PeerMessage{KeepAlive: true}, nil
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return PeerMessage{}, err
	}
	return PeerMessage{ID: MessageID(body[0]), Payload: body[1:]}, nil
}

func (m PeerMessage) String() string {
	if m.KeepAlive {
		return "keepalive"
	}
	return fmt.Sprintf("peer message id=%d len=%d", m.ID, len(m.Payload))
}
