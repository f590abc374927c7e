package service

import (
	"context"
	"net"
	"testing"

	"github.com/yiilian/dht-node/internal/krpc"
	"github.com/yiilian/dht-node/internal/nodeid"
)

func TestEventLayer_PublishesOnAnnouncePeer(t *testing.T) {
	layer, events := NewEventLayer(1)

	base := ServiceFunc(func(ctx context.Context, req *Request) (*Response, error) {
		return &Response{Reply: &krpc.Reply{}}, nil
	})
	svc := Chain(base, layer.Middleware())

	infohash := nodeid.FromRandom()
	remote := &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 6881}
	req := &Request{
		Message: &krpc.Message{Query: &krpc.Query{Kind: krpc.QueryAnnouncePeer, InfoHash: infohash}},
		Remote:  remote,
	}

	if _, err := svc.Serve(context.Background(), req); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	select {
	case ev := <-events:
		if ev.InfoHash != infohash {
			t.Fatalf("expected infohash %v, got %v", infohash, ev.InfoHash)
		}
		if ev.Peer.String() != remote.String() {
			t.Fatalf("expected peer %v, got %v", remote, ev.Peer)
		}
	default:
		t.Fatal("expected an AnnounceEvent to have been published")
	}
}

func TestEventLayer_NoPublishOnOtherQueries(t *testing.T) {
	layer, events := NewEventLayer(1)

	base := ServiceFunc(func(ctx context.Context, req *Request) (*Response, error) {
		return &Response{Reply: &krpc.Reply{}}, nil
	})
	svc := Chain(base, layer.Middleware())

	req := &Request{
		Message: &krpc.Message{Query: &krpc.Query{Kind: krpc.QueryPing}},
		Remote:  &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 6881},
	}
	if _, err := svc.Serve(context.Background(), req); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	select {
	case ev := <-events:
		t.Fatalf("expected no event for a ping query, got %+v", ev)
	default:
	}
}
