// Package krpc implements the typed query/reply/error message model of the
// BEP-5 KRPC protocol on top of the bencode codec, including the compact
// node-list and compact-peer wire encodings.
package krpc

import (
	"fmt"
	"net"

	"github.com/yiilian/dht-node/internal/bencode"
	"github.com/yiilian/dht-node/internal/nodeid"
)

// QueryKind names one of the four query methods.
type QueryKind string

const (
	QueryPing         QueryKind = "ping"
	QueryFindNode     QueryKind = "find_node"
	QueryGetPeers     QueryKind = "get_peers"
	QueryAnnouncePeer QueryKind = "announce_peer"
)

// CompactNode is one entry of a compact node list: id + IPv4 + port.
type CompactNode struct {
	ID   nodeid.Id
	IP   net.IP
	Port int
}

// EncodeNodes packs a slice of CompactNode into the 26-byte-per-entry
// compact node-list wire format.
func EncodeNodes(nodes []CompactNode) []byte {
	out := make([]byte, 0, len(nodes)*26)
	for _, n := range nodes {
		v4 := n.IP.To4()
		if v4 == nil {
			continue // compact node lists carry IPv4 addresses only
		}
		out = append(out, n.ID[:]...)
		out = append(out, v4...)
		out = append(out, byte(n.Port>>8), byte(n.Port))
	}
	return out
}

// DecodeNodes unpacks a compact node list. Returns an error if the length
// is not a multiple of 26.
func DecodeNodes(data []byte) ([]CompactNode, error) {
	if len(data)%26 != 0 {
		return nil, fmt.Errorf("krpc: compact node list length %d not a multiple of 26", len(data))
	}
	var out []CompactNode
	for i := 0; i < len(data); i += 26 {
		id, err := nodeid.FromBytes(data[i : i+20])
		if err != nil {
			return nil, err
		}
		ip := net.IPv4(data[i+20], data[i+21], data[i+22], data[i+23])
		port := int(data[i+24])<<8 | int(data[i+25])
		out = append(out, CompactNode{ID: id, IP: ip, Port: port})
	}
	return out, nil
}

// EncodePeer packs a single compact peer value (6 bytes: IPv4 + port).
func EncodePeer(ip net.IP, port int) ([]byte, error) {
	v4 := ip.To4()
	if v4 == nil {
		return nil, fmt.Errorf("krpc: compact peer requires an IPv4 address, got %v", ip)
	}
	out := make([]byte, 6)
	copy(out, v4)
	out[4] = byte(port >> 8)
	out[5] = byte(port)
	return out, nil
}

// DecodePeer unpacks a single compact peer value.
func DecodePeer(data []byte) (net.IP, int, error) {
	if len(data) != 6 {
		return nil, 0, fmt.Errorf("krpc: compact peer length %d, want 6", len(data))
	}
	ip := net.IPv4(data[0], data[1], data[2], data[3])
	port := int(data[4])<<8 | int(data[5])
	return ip, port, nil
}

// Query is a decoded inbound or outbound query message.
type Query struct {
	TID        []byte
	SenderID   nodeid.Id
	Kind       QueryKind
	Target     nodeid.Id // find_node
	InfoHash   nodeid.Id // get_peers, announce_peer
	Port       int       // announce_peer
	Token      []byte    // announce_peer
	ImpliedPort bool     // announce_peer
	ReadOnly   bool
	Version    []byte
}

// ReplyKind discriminates the three reply shapes.
type ReplyKind int

const (
	ReplyPingOrAnnounce ReplyKind = iota
	ReplyFindNode
	ReplyGetPeers
)

// Reply is a decoded inbound or outbound reply message.
type Reply struct {
	TID      []byte
	SenderID nodeid.Id
	Kind     ReplyKind
	Nodes    []CompactNode // find_node, get_peers
	Token    []byte        // get_peers
	Values   [][]byte      // get_peers: each entry is a 6-byte compact peer
	IP       net.IP        // echoed recipient-visible sender address
	Port     int
	ReadOnly bool
	Version  []byte
}

// RError is a decoded protocol error message.
type RError struct {
	TID  []byte
	Code int
	Msg  string
}

// QueryKindForReply maps a query kind to the reply kind it expects.
func QueryKindForReply(q QueryKind) ReplyKind {
	switch q {
	case QueryFindNode:
		return ReplyFindNode
	case QueryGetPeers:
		return ReplyGetPeers
	default:
		return ReplyPingOrAnnounce
	}
}

// EncodeQuery bencodes a Query.
func EncodeQuery(q *Query) []byte {
	args := map[string]bencode.Value{
		"id": bencode.String(q.SenderID[:]),
	}
	switch q.Kind {
	case QueryFindNode:
		args["target"] = bencode.String(q.Target[:])
	case QueryGetPeers:
		args["info_hash"] = bencode.String(q.InfoHash[:])
	case QueryAnnouncePeer:
		args["info_hash"] = bencode.String(q.InfoHash[:])
		args["port"] = bencode.Int(int64(q.Port))
		args["token"] = bencode.String(q.Token)
		if q.ImpliedPort {
			args["implied_port"] = bencode.Int(1)
		} else {
			args["implied_port"] = bencode.Int(0)
		}
	}

	top := map[string]bencode.Value{
		"t": bencode.String(q.TID),
		"y": bencode.Str("q"),
		"q": bencode.Str(string(q.Kind)),
		"a": bencode.Dict(args),
	}
	if q.ReadOnly {
		top["ro"] = bencode.Int(1)
	}
	if len(q.Version) > 0 {
		top["v"] = bencode.String(q.Version)
	}
	return bencode.Encode(bencode.Dict(top))
}

// EncodeReply bencodes a Reply.
func EncodeReply(r *Reply) []byte {
	rdict := map[string]bencode.Value{
		"id": bencode.String(r.SenderID[:]),
	}
	switch r.Kind {
	case ReplyFindNode:
		rdict["nodes"] = bencode.String(EncodeNodes(r.Nodes))
	case ReplyGetPeers:
		rdict["token"] = bencode.String(r.Token)
		if len(r.Nodes) > 0 {
			rdict["nodes"] = bencode.String(EncodeNodes(r.Nodes))
		}
		if len(r.Values) > 0 {
			vals := make([]bencode.Value, len(r.Values))
			for i, v := range r.Values {
				vals[i] = bencode.String(v)
			}
			rdict["values"] = bencode.List(vals...)
		}
	}

	top := map[string]bencode.Value{
		"t": bencode.String(r.TID),
		"y": bencode.Str("r"),
		"r": bencode.Dict(rdict),
	}
	if r.IP != nil {
		if peer, err := EncodePeer(r.IP, r.Port); err == nil {
			top["ip"] = bencode.String(peer)
		}
	}
	return bencode.Encode(bencode.Dict(top))
}

// EncodeError bencodes an RError.
func EncodeError(e *RError) []byte {
	top := map[string]bencode.Value{
		"t": bencode.String(e.TID),
		"y": bencode.Str("e"),
		"e": bencode.List(bencode.Int(int64(e.Code)), bencode.Str(e.Msg)),
	}
	return bencode.Encode(bencode.Dict(top))
}

// Message is the sum type of everything that can arrive over the wire.
type Message struct {
	Query *Query
	Reply *Reply
	Error *RError
}

// Decode parses a bencoded KRPC datagram into a Message.
func Decode(data []byte) (*Message, error) {
	v, err := bencode.Decode(data)
	if err != nil {
		return nil, err
	}
	tVal, ok := v.Get("t")
	if !ok {
		return nil, fmt.Errorf("krpc: missing 't'")
	}
	tid, _ := tVal.AsString()

	yVal, ok := v.Get("y")
	if !ok {
		return nil, fmt.Errorf("krpc: missing 'y'")
	}
	yBytes, _ := yVal.AsString()

	switch string(yBytes) {
	case "q":
		q, err := decodeQuery(v, tid)
		if err != nil {
			return nil, err
		}
		return &Message{Query: q}, nil
	case "r":
		r, err := decodeReply(v, tid)
		if err != nil {
			return nil, err
		}
		return &Message{Reply: r}, nil
	case "e":
		e, err := decodeError(v, tid)
		if err != nil {
			return nil, err
		}
		return &Message{Error: e}, nil
	default:
		return nil, fmt.Errorf("krpc: unknown 'y' value %q", yBytes)
	}
}

func decodeQuery(v bencode.Value, tid []byte) (*Query, error) {
	qVal, ok := v.Get("q")
	if !ok {
		return nil, fmt.Errorf("krpc: query missing 'q'")
	}
	qBytes, _ := qVal.AsString()
	aVal, ok := v.Get("a")
	if !ok {
		return nil, fmt.Errorf("krpc: query missing 'a'")
	}
	idVal, ok := aVal.Get("id")
	if !ok {
		return nil, fmt.Errorf("krpc: query 'a' missing 'id'")
	}
	idBytes, _ := idVal.AsString()
	senderID, err := nodeid.FromBytes(idBytes)
	if err != nil {
		return nil, err
	}

	q := &Query{TID: tid, SenderID: senderID, Kind: QueryKind(qBytes)}

	if roVal, ok := v.Get("ro"); ok {
		if n, ok := roVal.AsInt(); ok && n == 1 {
			q.ReadOnly = true
		}
	}

	switch q.Kind {
	case QueryFindNode:
		targetVal, ok := aVal.Get("target")
		if !ok {
			return nil, fmt.Errorf("krpc: find_node missing 'target'")
		}
		tb, _ := targetVal.AsString()
		target, err := nodeid.FromBytes(tb)
		if err != nil {
			return nil, err
		}
		q.Target = target
	case QueryGetPeers:
		ihVal, ok := aVal.Get("info_hash")
		if !ok {
			return nil, fmt.Errorf("krpc: get_peers missing 'info_hash'")
		}
		ihb, _ := ihVal.AsString()
		ih, err := nodeid.FromBytes(ihb)
		if err != nil {
			return nil, err
		}
		q.InfoHash = ih
	case QueryAnnouncePeer:
		ihVal, ok := aVal.Get("info_hash")
		if !ok {
			return nil, fmt.Errorf("krpc: announce_peer missing 'info_hash'")
		}
		ihb, _ := ihVal.AsString()
		ih, err := nodeid.FromBytes(ihb)
		if err != nil {
			return nil, err
		}
		q.InfoHash = ih

		portVal, ok := aVal.Get("port")
		if !ok {
			return nil, fmt.Errorf("krpc: announce_peer missing 'port'")
		}
		port, _ := portVal.AsInt()
		q.Port = int(port)

		tokenVal, ok := aVal.Get("token")
		if !ok {
			return nil, fmt.Errorf("krpc: announce_peer missing 'token'")
		}
		tb, _ := tokenVal.AsString()
		q.Token = tb

		if ipVal, ok := aVal.Get("implied_port"); ok {
			if n, ok := ipVal.AsInt(); ok && n == 1 {
				q.ImpliedPort = true
			}
		}
	case QueryPing:
		// no additional arguments
	default:
		return nil, fmt.Errorf("krpc: unknown query kind %q", q.Kind)
	}

	return q, nil
}

func decodeReply(v bencode.Value, tid []byte) (*Reply, error) {
	rVal, ok := v.Get("r")
	if !ok {
		return nil, fmt.Errorf("krpc: reply missing 'r'")
	}
	idVal, ok := rVal.Get("id")
	if !ok {
		return nil, fmt.Errorf("krpc: reply 'r' missing 'id'")
	}
	idBytes, _ := idVal.AsString()
	senderID, err := nodeid.FromBytes(idBytes)
	if err != nil {
		return nil, err
	}

	r := &Reply{TID: tid, SenderID: senderID}

	_, hasToken := rVal.Get("token")
	_, hasNodes := rVal.Get("nodes")
	switch {
	case hasToken:
		r.Kind = ReplyGetPeers
		tokenVal, _ := rVal.Get("token")
		tb, _ := tokenVal.AsString()
		r.Token = tb
		if nodesVal, ok := rVal.Get("nodes"); ok {
			nb, _ := nodesVal.AsString()
			nodes, err := DecodeNodes(nb)
			if err != nil {
				return nil, err
			}
			r.Nodes = nodes
		}
		if valuesVal, ok := rVal.Get("values"); ok {
			items, _ := valuesVal.AsList()
			for _, item := range items {
				vb, _ := item.AsString()
				cp := make([]byte, len(vb))
				copy(cp, vb)
				r.Values = append(r.Values, cp)
			}
		}
	case hasNodes:
		r.Kind = ReplyFindNode
		nodesVal, _ := rVal.Get("nodes")
		nb, _ := nodesVal.AsString()
		nodes, err := DecodeNodes(nb)
		if err != nil {
			return nil, err
		}
		r.Nodes = nodes
	default:
		r.Kind = ReplyPingOrAnnounce
	}

	if ipVal, ok := v.Get("ip"); ok {
		ipb, _ := ipVal.AsString()
		ip, port, err := DecodePeer(ipb)
		if err == nil {
			r.IP = ip
			r.Port = port
		}
	}

	return r, nil
}

func decodeError(v bencode.Value, tid []byte) (*RError, error) {
	eVal, ok := v.Get("e")
	if !ok {
		return nil, fmt.Errorf("krpc: error message missing 'e'")
	}
	items, ok := eVal.AsList()
	if !ok || len(items) != 2 {
		return nil, fmt.Errorf("krpc: 'e' must be a 2-element list")
	}
	code, _ := items[0].AsInt()
	msgBytes, _ := items[1].AsString()
	return &RError{TID: tid, Code: int(code), Msg: string(msgBytes)}, nil
}
