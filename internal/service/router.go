package service

import (
	"context"
	"net"
	"time"

	"github.com/yiilian/dht-node/internal/krpc"
	"github.com/yiilian/dht-node/internal/routingtable"
)

// Handler is the subset of the transaction manager the router dispatches
// into. Kept as an interface here (rather than importing the transaction
// package directly) to avoid a service<->transaction import cycle, since
// the transaction manager itself sends queries through this pipeline.
type Handler interface {
	HandlePing(ctx context.Context, q *krpc.Query, remote *net.UDPAddr) (*krpc.Reply, error)
	HandleFindNode(ctx context.Context, q *krpc.Query, remote *net.UDPAddr) (*krpc.Reply, error)
	HandleGetPeers(ctx context.Context, q *krpc.Query, remote *net.UDPAddr) (*krpc.Reply, error)
	HandleAnnouncePeer(ctx context.Context, q *krpc.Query, remote *net.UDPAddr) (*krpc.Reply, error)
	HandleReply(ctx context.Context, r *krpc.Reply, remote *net.UDPAddr) error
}

// Router is the terminal Service of the pipeline: it dispatches a decoded
// Request to the transaction manager by message kind, performing the
// BEP-42 validity check and unverified routing-table insertion for queries
// before handing off.
type Router struct {
	Table    *routingtable.Table
	Handler  Handler
	ReadOnly bool
	// RErrorBlockDuration is how long a peer is blocklisted after sending
	// us an RError (0 disables blocklisting on error).
	RErrorBlockDuration time.Duration
}

// NewRouter builds a Router.
func NewRouter(table *routingtable.Table, handler Handler, readOnly bool, rerrorBlockDuration time.Duration) *Router {
	return &Router{Table: table, Handler: handler, ReadOnly: readOnly, RErrorBlockDuration: rerrorBlockDuration}
}

func (rt *Router) Serve(ctx context.Context, req *Request) (*Response, error) {
	switch {
	case req.Message.Query != nil:
		return rt.serveQuery(ctx, req)
	case req.Message.Reply != nil:
		err := rt.Handler.HandleReply(ctx, req.Message.Reply, req.Remote)
		return &Response{}, err
	case req.Message.Error != nil:
		if rt.RErrorBlockDuration > 0 {
			rt.Table.AddBlockList(req.Remote.IP, req.Remote.Port, nil, rt.RErrorBlockDuration)
		}
		return &Response{}, nil
	default:
		return &Response{}, nil
	}
}

func (rt *Router) serveQuery(ctx context.Context, req *Request) (*Response, error) {
	q := req.Message.Query

	if rt.ReadOnly {
		// A read-only node never answers queries or joins anyone's table.
		return &Response{}, nil
	}

	if q.SenderID.IsValidForIP(req.Remote.IP, rt.Table.Whitelisted()) && !q.ReadOnly {
		node := routingtable.Node{ID: q.SenderID, IP: req.Remote.IP.String(), Port: req.Remote.Port}
		_ = rt.Table.AddOrUpdate(node, false)
	}

	var (
		reply *krpc.Reply
		err   error
	)
	switch q.Kind {
	case krpc.QueryPing:
		reply, err = rt.Handler.HandlePing(ctx, q, req.Remote)
	case krpc.QueryFindNode:
		reply, err = rt.Handler.HandleFindNode(ctx, q, req.Remote)
	case krpc.QueryGetPeers:
		reply, err = rt.Handler.HandleGetPeers(ctx, q, req.Remote)
	case krpc.QueryAnnouncePeer:
		reply, err = rt.Handler.HandleAnnouncePeer(ctx, q, req.Remote)
	}
	if err != nil {
		return nil, err
	}
	return &Response{Reply: reply}, nil
}
