package service

import (
	"context"
	"net"

	"github.com/yiilian/dht-node/internal/krpc"
	"github.com/yiilian/dht-node/internal/nodeid"
)

// AnnounceEvent names one infohash a peer just announced itself for,
// feeding the downstream metadata-fetch pipeline.
type AnnounceEvent struct {
	InfoHash nodeid.Id
	Peer     *net.UDPAddr
}

// EventLayer is an orthogonal middleware (applied alongside, not nested
// inside, Firewall/Router) that fans every successfully-served
// announce_peer query out to Events. A full buffer drops the event
// rather than blocking the request pipeline.
type EventLayer struct {
	Events chan<- AnnounceEvent
}

// NewEventLayer creates an EventLayer plus the receive end subscribers
// read from, buffered to bufSize announce_peer events.
func NewEventLayer(bufSize int) (*EventLayer, <-chan AnnounceEvent) {
	ch := make(chan AnnounceEvent, bufSize)
	return &EventLayer{Events: ch}, ch
}

// Middleware wraps next so that every reply-producing announce_peer query
// publishes an AnnounceEvent after the router has handled it.
func (e *EventLayer) Middleware() Middleware {
	return func(next Service) Service {
		return ServiceFunc(func(ctx context.Context, req *Request) (*Response, error) {
			resp, err := next.Serve(ctx, req)
			if err == nil && resp != nil && resp.Reply != nil && req.Message.Query != nil &&
				req.Message.Query.Kind == krpc.QueryAnnouncePeer {
				e.publish(AnnounceEvent{InfoHash: req.Message.Query.InfoHash, Peer: req.Remote})
			}
			return resp, err
		})
	}
}

func (e *EventLayer) publish(ev AnnounceEvent) {
	if e.Events == nil {
		return
	}
	select {
	case e.Events <- ev:
	default:
	}
}
