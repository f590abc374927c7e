package transaction

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/yiilian/dht-node/internal/blocklist"
	"github.com/yiilian/dht-node/internal/dhterr"
	"github.com/yiilian/dht-node/internal/dhtstate"
	"github.com/yiilian/dht-node/internal/ipconsensus"
	"github.com/yiilian/dht-node/internal/krpc"
	"github.com/yiilian/dht-node/internal/nodeid"
	"github.com/yiilian/dht-node/internal/peermanager"
	"github.com/yiilian/dht-node/internal/routingtable"
)

// fakeSender loops a query straight back into a manager's HandleReply/Handle*
// path, or drops it, depending on what the test wants to simulate.
type fakeSender struct {
	mu  sync.Mutex
	sent []sentDatagram
	// respond, if set, is invoked for every WriteTo call so a test can
	// script a canned reply back at the sender.
	respond func(data []byte, addr *net.UDPAddr)
}

type sentDatagram struct {
	data []byte
	addr *net.UDPAddr
}

func (f *fakeSender) WriteTo(data []byte, addr *net.UDPAddr) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentDatagram{data: data, addr: addr})
	f.mu.Unlock()
	if f.respond != nil {
		f.respond(data, addr)
	}
	return nil
}

func testManager(t *testing.T) (*Manager, nodeid.Id) {
	t.Helper()
	localID := nodeid.FromRandom()
	blocks := blocklist.New(1024)
	table := routingtable.New(8, localID, blocks)
	state := dhtstate.New(localID)
	peers, err := peermanager.New(50, 100)
	if err != nil {
		t.Fatalf("peermanager.New: %v", err)
	}
	cfg := Config{
		BucketSize:           8,
		MaxPeersResponse:     128,
		SendQueryTimeout:     200 * time.Millisecond,
		SendNextQueryInterval: time.Millisecond,
		OutgoingRequestPrune: time.Second,
		GetPeersFreshness:    900 * time.Second,
		TimeoutBlockDuration: 0,
	}
	m := New(cfg, table, state, blocks, peers, ipconsensus.New(2, 10), zap.NewNop())
	return m, localID
}

func TestSendQuery_TimesOutWithNoResponder(t *testing.T) {
	m, _ := testManager(t)
	m.SetSender(&fakeSender{})

	remote := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 6881}
	_, err := m.SendQuery(context.Background(), &krpc.Query{SenderID: m.state.LocalID(), Kind: krpc.QueryPing}, remote, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestSendQuery_MatchesReply(t *testing.T) {
	m, _ := testManager(t)
	remoteID := nodeid.FromRandom()
	remote := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 6881}

	sender := &fakeSender{}
	sender.respond = func(data []byte, addr *net.UDPAddr) {
		msg, err := krpc.Decode(data)
		if err != nil || msg.Query == nil {
			return
		}
		reply := &krpc.Reply{TID: msg.Query.TID, SenderID: remoteID, Kind: krpc.ReplyPingOrAnnounce}
		go func() {
			_ = m.HandleReply(context.Background(), reply, remote)
		}()
	}
	m.SetSender(sender)

	got, err := m.SendQuery(context.Background(), &krpc.Query{SenderID: m.state.LocalID(), Kind: krpc.QueryPing}, remote, &remoteID)
	if err != nil {
		t.Fatalf("SendQuery: %v", err)
	}
	if got.SenderID != remoteID {
		t.Errorf("expected sender id %v, got %v", remoteID, got.SenderID)
	}
}

func TestSendQuery_WrongSenderIDRejected(t *testing.T) {
	m, _ := testManager(t)
	remoteID := nodeid.FromRandom()
	wrongID := nodeid.FromRandom()
	remote := &net.UDPAddr{IP: net.ParseIP("10.0.0.3"), Port: 6881}

	sender := &fakeSender{}
	sender.respond = func(data []byte, addr *net.UDPAddr) {
		msg, err := krpc.Decode(data)
		if err != nil || msg.Query == nil {
			return
		}
		reply := &krpc.Reply{TID: msg.Query.TID, SenderID: wrongID, Kind: krpc.ReplyPingOrAnnounce}
		go func() {
			_ = m.HandleReply(context.Background(), reply, remote)
		}()
	}
	m.SetSender(sender)

	_, err := m.SendQuery(context.Background(), &krpc.Query{SenderID: m.state.LocalID(), Kind: krpc.QueryPing}, remote, &remoteID)
	if err == nil {
		t.Fatal("expected an error: the reply with the wrong sender id is dropped, so the query times out")
	}
}

func TestSendQuery_DuplicateSuppressed(t *testing.T) {
	m, _ := testManager(t)
	m.SetSender(&fakeSender{})

	remote := &net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: 6881}
	target := nodeid.FromRandom()

	errCh := make(chan error, 1)
	go func() {
		_, err := m.SendQuery(context.Background(), &krpc.Query{SenderID: m.state.LocalID(), Kind: krpc.QueryFindNode, Target: target}, remote, nil)
		errCh <- err
	}()

	// Wait for the first query to register its transaction.
	deadline := time.Now().Add(time.Second)
	for {
		m.mu.Lock()
		n := len(m.pending)
		m.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first query never registered a transaction")
		}
		time.Sleep(time.Millisecond)
	}

	_, err := m.SendQuery(context.Background(), &krpc.Query{SenderID: m.state.LocalID(), Kind: krpc.QueryFindNode, Target: target}, remote, nil)
	if !dhterr.Is(err, dhterr.KindTransaction) {
		t.Fatalf("expected a transaction (duplicate) error, got %v", err)
	}

	if err := <-errCh; err == nil {
		t.Fatal("first query should still time out with no responder")
	}
}

func TestHandlePing(t *testing.T) {
	m, _ := testManager(t)
	remote := &net.UDPAddr{IP: net.ParseIP("10.0.0.4"), Port: 6881}
	q := &krpc.Query{TID: []byte{1, 2}, SenderID: nodeid.FromRandom(), Kind: krpc.QueryPing}

	reply, err := m.HandlePing(context.Background(), q, remote)
	if err != nil {
		t.Fatalf("HandlePing: %v", err)
	}
	if reply.SenderID != m.state.LocalID() {
		t.Errorf("reply should be signed with our own id")
	}
}

func TestHandleGetPeers_NoPeersStillIssuesToken(t *testing.T) {
	m, _ := testManager(t)
	infohash := nodeid.FromRandom()
	remote := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 6881}
	q := &krpc.Query{TID: []byte{1}, SenderID: nodeid.FromRandom(), Kind: krpc.QueryGetPeers, InfoHash: infohash}

	reply, err := m.HandleGetPeers(context.Background(), q, remote)
	if err != nil {
		t.Fatalf("HandleGetPeers: %v", err)
	}
	if len(reply.Token) != 4 {
		t.Errorf("expected a 4-byte token, got %d bytes", len(reply.Token))
	}
}

func TestHandleAnnouncePeer_RequiresValidToken(t *testing.T) {
	m, _ := testManager(t)
	remote := &net.UDPAddr{IP: net.ParseIP("10.0.0.6"), Port: 6881}
	q := &krpc.Query{
		TID:      []byte{1},
		SenderID: nodeid.FromRandom(),
		Kind:     krpc.QueryAnnouncePeer,
		InfoHash: nodeid.FromRandom(),
		Port:     6882,
		Token:    []byte{0, 0, 0, 0},
	}
	if _, err := m.HandleAnnouncePeer(context.Background(), q, remote); err == nil {
		t.Fatal("expected bad token to be rejected")
	}
	// A stale or rotated token is an authorization failure, not
	// misbehavior; the sender must not end up blocklisted over it.
	if m.blocks.Contains(remote.IP, remote.Port) {
		t.Fatal("a rejected token must not blocklist the sender")
	}
}

func TestHandleAnnouncePeer_AcceptsValidToken(t *testing.T) {
	m, _ := testManager(t)
	remote := &net.UDPAddr{IP: net.ParseIP("10.0.0.7"), Port: 6881}
	infohash := nodeid.FromRandom()

	getPeersQ := &krpc.Query{TID: []byte{1}, SenderID: nodeid.FromRandom(), Kind: krpc.QueryGetPeers, InfoHash: infohash}
	reply, err := m.HandleGetPeers(context.Background(), getPeersQ, remote)
	if err != nil {
		t.Fatalf("HandleGetPeers: %v", err)
	}

	announceQ := &krpc.Query{
		TID:      []byte{2},
		SenderID: nodeid.FromRandom(),
		Kind:     krpc.QueryAnnouncePeer,
		InfoHash: infohash,
		Port:     6882,
		Token:    reply.Token,
	}
	if _, err := m.HandleAnnouncePeer(context.Background(), announceQ, remote); err != nil {
		t.Fatalf("expected valid token to be accepted: %v", err)
	}

	peers := m.peers.Peers(infohash, time.Time{}, 10)
	if len(peers) != 1 || peers[0].Port != 6882 {
		t.Errorf("expected the announced peer to be tracked, got %v", peers)
	}
}

func TestCalculateToken_StableForSameSecret(t *testing.T) {
	ip := net.ParseIP("203.0.113.5")
	secret := []byte("secret-bytes")
	a := calculateToken(ip, secret)
	b := calculateToken(ip, secret)
	if string(a) != string(b) {
		t.Fatal("expected deterministic token for same ip/secret")
	}
	if len(a) != 4 {
		t.Fatalf("expected 4-byte token, got %d", len(a))
	}
}

func TestValidToken_AcceptsPreviousSecret(t *testing.T) {
	ip := net.ParseIP("203.0.113.6")
	old := []byte("old-secret")
	cur := []byte("new-secret")
	tok := calculateToken(ip, old)
	if !validToken(ip, tok, cur, old) {
		t.Fatal("expected token minted under the previous secret to still validate")
	}
}
