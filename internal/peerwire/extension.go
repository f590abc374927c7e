package peerwire

import (
	"fmt"

	"github.com/yiilian/dht-node/internal/bencode"
)

// utMetadataName is the key the BEP-10 extended handshake's "m" dict maps
// to the peer's locally-chosen ut_metadata extended message id.
const utMetadataName = "ut_metadata"

// MetadataPieceBlock is the fixed size of every non-final metadata piece
// (BEP-9), 16 KiB.
const MetadataPieceBlock = 16 * 1024

// ExtendedHandshake is the subset of the BEP-10 extended handshake
// payload the metadata fetcher needs: which extended message id the peer
// uses for ut_metadata, and the metadata's total size if the peer is
// seeding it.
type ExtendedHandshake struct {
	UtMetadataID uint8
	MetadataSize int64
}

// BuildExtendedHandshake encodes the local extended handshake payload
// advertising support for ut_metadata at LocalUtMetadataID.
func BuildExtendedHandshake(localUtMetadataID uint8) []byte {
	m := map[string]bencode.Value{
		utMetadataName: bencode.Int(int64(localUtMetadataID)),
	}
	dict := map[string]bencode.Value{"m": bencode.Dict(m)}
	return bencode.Encode(bencode.Dict(dict))
}

// ParseExtendedHandshake decodes a peer's BEP-10 extended handshake
// payload.
func ParseExtendedHandshake(payload []byte) (ExtendedHandshake, error) {
	v, err := bencode.Decode(payload)
	if err != nil {
		return ExtendedHandshake{}, fmt.Errorf("peerwire: decoding extended handshake: %w", err)
	}
	mVal, ok := v.Get("m")
	if !ok {
		return ExtendedHandshake{}, fmt.Errorf("peerwire: extended handshake missing \"m\"")
	}
	m, ok := mVal.AsDict()
	if !ok {
		return ExtendedHandshake{}, fmt.Errorf("peerwire: extended handshake \"m\" is not a dict")
	}
	utID, ok := m[utMetadataName]
	if !ok {
		return ExtendedHandshake{}, fmt.Errorf("peerwire: peer does not advertise ut_metadata")
	}
	idInt, ok := utID.AsInt()
	if !ok {
		return ExtendedHandshake{}, fmt.Errorf("peerwire: ut_metadata id is not an int")
	}

	var size int64
	if sizeVal, ok := v.Get("metadata_size"); ok {
		size, _ = sizeVal.AsInt()
	}

	return ExtendedHandshake{UtMetadataID: uint8(idInt), MetadataSize: size}, nil
}

// UtMetadataMsgType mirrors BEP-9's msg_type field.
type UtMetadataMsgType int64

const (
	UtMetadataRequest UtMetadataMsgType = 0
	UtMetadataData    UtMetadataMsgType = 1
	UtMetadataReject  UtMetadataMsgType = 2
)

// UtMetadataMessage is a decoded ut_metadata extension message.
type UtMetadataMessage struct {
	MsgType   UtMetadataMsgType
	Piece     int
	TotalSize int
	Block     []byte
}

// BuildUtMetadataRequest encodes a `{msg_type:0, piece:i}` request.
func BuildUtMetadataRequest(piece int) []byte {
	dict := map[string]bencode.Value{
		"msg_type": bencode.Int(int64(UtMetadataRequest)),
		"piece":    bencode.Int(int64(piece)),
	}
	return bencode.Encode(bencode.Dict(dict))
}

// ParseUtMetadataMessage decodes a ut_metadata payload. For a "data"
// message the bencoded header is immediately followed by the raw piece
// bytes with no further framing (BEP-9), so this uses DecodePrefix to
// find where the header ends.
func ParseUtMetadataMessage(payload []byte) (UtMetadataMessage, error) {
	header, consumed, err := bencode.DecodePrefix(payload)
	if err != nil {
		return UtMetadataMessage{}, fmt.Errorf("peerwire: decoding ut_metadata header: %w", err)
	}

	msgTypeVal, ok := header.Get("msg_type")
	if !ok {
		return UtMetadataMessage{}, fmt.Errorf("peerwire: ut_metadata message missing msg_type")
	}
	msgType, _ := msgTypeVal.AsInt()

	pieceVal, ok := header.Get("piece")
	if !ok {
		return UtMetadataMessage{}, fmt.Errorf("peerwire: ut_metadata message missing piece")
	}
	piece, _ := pieceVal.AsInt()

	switch UtMetadataMsgType(msgType) {
	case UtMetadataRequest:
		return UtMetadataMessage{MsgType: UtMetadataRequest, Piece: int(piece)}, nil
	case UtMetadataReject:
		return UtMetadataMessage{MsgType: UtMetadataReject, Piece: int(piece)}, nil
	case UtMetadataData:
		totalSizeVal, ok := header.Get("total_size")
		if !ok {
			return UtMetadataMessage{}, fmt.Errorf("peerwire: ut_metadata data message missing total_size")
		}
		totalSize, _ := totalSizeVal.AsInt()
		return UtMetadataMessage{
			MsgType:   UtMetadataData,
			Piece:     int(piece),
			TotalSize: int(totalSize),
			Block:     payload[consumed:],
		}, nil
	default:
		return UtMetadataMessage{}, fmt.Errorf("peerwire: unsupported ut_metadata msg_type %d", msgType)
	}
}
