package peerwire

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/yiilian/dht-node/internal/bencode"
	"github.com/yiilian/dht-node/internal/nodeid"
)

// localUtMetadataID is the extended message id this node assigns to
// ut_metadata in its own extended handshake; BEP-10 lets each side pick
// its own id for the peer it's talking to, so this only needs to be
// stable for the lifetime of one connection.
const localUtMetadataID = 1

// FetchMetadata opens a TCP connection to peerAddr, performs the BEP-3
// and BEP-10 handshakes, requests every ut_metadata piece, and, once the
// SHA-1 of the joined pieces matches infoHash, returns a dict whose "info"
// key holds the decoded info dict.
func FetchMetadata(ctx context.Context, peerAddr *net.TCPAddr, infoHash nodeid.Id, localPeerID nodeid.Id, timeout time.Duration) (bencode.Value, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", peerAddr.String())
	if err != nil {
		return bencode.Value{}, fmt.Errorf("peerwire: dialing %s: %w", peerAddr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return bencode.Value{}, fmt.Errorf("peerwire: setting deadline: %w", err)
	}

	if _, err := conn.Write(BuildHandshake(infoHash, localPeerID)); err != nil {
		return bencode.Value{}, fmt.Errorf("peerwire: writing handshake: %w", err)
	}

	reply := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return bencode.Value{}, fmt.Errorf("peerwire: reading handshake reply: %w", err)
	}
	peerInfoHash, _, extended, err := ParseHandshake(reply)
	if err != nil {
		return bencode.Value{}, err
	}
	if peerInfoHash != infoHash {
		return bencode.Value{}, fmt.Errorf("peerwire: peer handshake infohash mismatch")
	}
	if !extended {
		return bencode.Value{}, fmt.Errorf("peerwire: peer does not support BEP-10 extended messaging")
	}

	if _, err := conn.Write(EncodePeerMessage(ExtendedMessageID, append([]byte{0}, BuildExtendedHandshake(localUtMetadataID)...))); err != nil {
		return bencode.Value{}, fmt.Errorf("peerwire: writing extended handshake: %w", err)
	}

	peerUtMetadataID, metadataSize, err := awaitExtendedHandshake(conn)
	if err != nil {
		return bencode.Value{}, err
	}

	pieceCount := (metadataSize + MetadataPieceBlock - 1) / MetadataPieceBlock
	pieces := make([][]byte, pieceCount)
	received := 0

	for i := 0; i < pieceCount; i++ {
		req := BuildUtMetadataRequest(i)
		if _, err := conn.Write(EncodePeerMessage(ExtendedMessageID, append([]byte{peerUtMetadataID}, req...))); err != nil {
			return bencode.Value{}, fmt.Errorf("peerwire: writing ut_metadata request for piece %d: %w", i, err)
		}
	}

	for received < pieceCount {
		msg, err := ReadPeerMessage(conn)
		if err != nil {
			return bencode.Value{}, fmt.Errorf("peerwire: reading peer message: %w", err)
		}
		if msg.KeepAlive || msg.ID != ExtendedMessageID {
			continue
		}
		if len(msg.Payload) == 0 {
			continue
		}
		// The peer addresses ut_metadata messages to us with the id WE
		// advertised in our extended handshake; ext_id 0 would be another
		// extended handshake, which has already been consumed above.
		extID := msg.Payload[0]
		body := msg.Payload[1:]
		if extID != localUtMetadataID {
			continue
		}

		um, err := ParseUtMetadataMessage(body)
		if err != nil {
			return bencode.Value{}, err
		}
		switch um.MsgType {
		case UtMetadataReject:
			return bencode.Value{}, fmt.Errorf("peerwire: peer rejected piece %d", um.Piece)
		case UtMetadataData:
			if um.Piece < 0 || um.Piece >= pieceCount {
				return bencode.Value{}, fmt.Errorf("peerwire: piece index %d out of range", um.Piece)
			}
			if err := validatePieceSize(um.Piece, pieceCount, metadataSize, len(um.Block)); err != nil {
				return bencode.Value{}, err
			}
			if pieces[um.Piece] == nil {
				pieces[um.Piece] = um.Block
				received++
			}
		}
	}

	concat := bytes.Join(pieces, nil)
	sum := sha1.Sum(concat)
	if !bytes.Equal(sum[:], infoHash[:]) {
		return bencode.Value{}, fmt.Errorf("peerwire: metadata SHA-1 mismatch")
	}

	wrapped := make([]byte, 0, len(concat)+9)
	wrapped = append(wrapped, []byte("d4:info")...)
	wrapped = append(wrapped, concat...)
	wrapped = append(wrapped, 'e')
	return bencode.Decode(wrapped)
}

// validatePieceSize enforces the BEP-9 piece-size rule: every piece but
// the last must be exactly MetadataPieceBlock bytes, and the last must
// be exactly metadataSize mod MetadataPieceBlock (or a full block, if
// the metadata size is an exact multiple).
func validatePieceSize(piece, pieceCount, metadataSize, blockLen int) error {
	if piece < pieceCount-1 {
		if blockLen != MetadataPieceBlock {
			return fmt.Errorf("peerwire: piece %d must be %d bytes, got %d", piece, MetadataPieceBlock, blockLen)
		}
		return nil
	}
	want := metadataSize % MetadataPieceBlock
	if want == 0 {
		want = MetadataPieceBlock
	}
	if blockLen != want {
		return fmt.Errorf("peerwire: final piece %d must be %d bytes, got %d", piece, want, blockLen)
	}
	return nil
}

// awaitExtendedHandshake reads peer messages until the peer's own
// extended handshake (ext_id 0) arrives, ignoring anything else it sends
// first (bitfield, have, etc. are all legal before it).
func awaitExtendedHandshake(conn net.Conn) (peerUtMetadataID uint8, metadataSize int, err error) {
	for {
		msg, err := ReadPeerMessage(conn)
		if err != nil {
			return 0, 0, fmt.Errorf("peerwire: reading peer message while awaiting extended handshake: %w", err)
		}
		if msg.KeepAlive || msg.ID != ExtendedMessageID || len(msg.Payload) == 0 {
			continue
		}
		if msg.Payload[0] != 0 {
			continue
		}
		eh, err := ParseExtendedHandshake(msg.Payload[1:])
		if err != nil {
			return 0, 0, err
		}
		if eh.MetadataSize <= 0 {
			return 0, 0, fmt.Errorf("peerwire: peer did not advertise a metadata_size")
		}
		return eh.UtMetadataID, int(eh.MetadataSize), nil
	}
}
