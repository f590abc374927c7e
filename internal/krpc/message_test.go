package krpc

import (
	"bytes"
	"net"
	"testing"

	"github.com/yiilian/dht-node/internal/nodeid"
)

func TestCompactNodeRoundTrip(t *testing.T) {
	id := nodeid.FromRandom()
	nodes := []CompactNode{{ID: id, IP: net.IPv4(1, 2, 3, 4), Port: 6881}}
	encoded := EncodeNodes(nodes)
	if len(encoded) != 26 {
		t.Fatalf("len(encoded) = %d, want 26", len(encoded))
	}
	decoded, err := DecodeNodes(encoded)
	if err != nil {
		t.Fatalf("DecodeNodes: %v", err)
	}
	if len(decoded) != 1 || decoded[0].ID != id || decoded[0].Port != 6881 {
		t.Fatalf("decoded mismatch: %+v", decoded)
	}
}

func TestDecodeNodesBadLength(t *testing.T) {
	if _, err := DecodeNodes(make([]byte, 25)); err == nil {
		t.Fatalf("expected error for non-multiple-of-26 length")
	}
}

func TestPingQueryRoundTrip(t *testing.T) {
	id := nodeid.FromRandom()
	q := &Query{TID: []byte("aa"), SenderID: id, Kind: QueryPing}
	encoded := EncodeQuery(q)
	msg, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Query == nil {
		t.Fatalf("expected a query message")
	}
	if msg.Query.Kind != QueryPing || msg.Query.SenderID != id {
		t.Fatalf("decoded query mismatch: %+v", msg.Query)
	}
	if !bytes.Equal(msg.Query.TID, q.TID) {
		t.Fatalf("tid mismatch: %q vs %q", msg.Query.TID, q.TID)
	}
}

func TestS1PingLiteralWire(t *testing.T) {
	// A raw ping datagram exactly as a typical client emits it:
	// d1:ad2:id20:<20xB>e1:q4:ping1:t2:aa1:y1:qe
	var id20B [20]byte
	for i := range id20B {
		id20B[i] = 'B'
	}
	wire := []byte("d1:ad2:id20:" + string(id20B[:]) + "e1:q4:ping1:t2:aa1:y1:qe")
	msg, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode literal wire: %v", err)
	}
	if msg.Query == nil || msg.Query.Kind != QueryPing {
		t.Fatalf("expected ping query, got %+v", msg)
	}
	if string(msg.Query.TID) != "aa" {
		t.Fatalf("tid = %q, want aa", msg.Query.TID)
	}
}

func TestAnnouncePeerRoundTrip(t *testing.T) {
	id := nodeid.FromRandom()
	ih := nodeid.FromRandom()
	q := &Query{
		TID:      []byte("zz"),
		SenderID: id,
		Kind:     QueryAnnouncePeer,
		InfoHash: ih,
		Port:     6881,
		Token:    []byte("tok"),
	}
	encoded := EncodeQuery(q)
	msg, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	aq := msg.Query
	if aq.InfoHash != ih || aq.Port != 6881 || string(aq.Token) != "tok" || aq.ImpliedPort {
		t.Fatalf("decoded announce_peer mismatch: %+v", aq)
	}
}

func TestGetPeersReplyRoundTrip(t *testing.T) {
	id := nodeid.FromRandom()
	peerBytes, err := EncodePeer(net.IPv4(9, 9, 9, 9), 1234)
	if err != nil {
		t.Fatalf("EncodePeer: %v", err)
	}
	r := &Reply{
		TID:      []byte("bb"),
		SenderID: id,
		Kind:     ReplyGetPeers,
		Token:    []byte("t0k"),
		Values:   [][]byte{peerBytes},
	}
	encoded := EncodeReply(r)
	msg, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	gr := msg.Reply
	if gr.Kind != ReplyGetPeers || string(gr.Token) != "t0k" || len(gr.Values) != 1 {
		t.Fatalf("decoded get_peers reply mismatch: %+v", gr)
	}
	ip, port, err := DecodePeer(gr.Values[0])
	if err != nil || !ip.Equal(net.IPv4(9, 9, 9, 9)) || port != 1234 {
		t.Fatalf("decoded peer mismatch: ip=%v port=%d err=%v", ip, port, err)
	}
}

func TestRErrorRoundTrip(t *testing.T) {
	e := &RError{TID: []byte("cc"), Code: 201, Msg: "Generic Error"}
	encoded := EncodeError(e)
	msg, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Error == nil || msg.Error.Code != 201 || msg.Error.Msg != "Generic Error" {
		t.Fatalf("decoded error mismatch: %+v", msg.Error)
	}
}
