// Package service defines the composable request/response pipeline the
// DHT node runs inbound KRPC messages through: a small Service interface
// plus functional middleware, stacked as firewall, then router, with an
// orthogonal event fan-out.
package service

import (
	"context"
	"net"

	"github.com/yiilian/dht-node/internal/krpc"
)

// Request is one inbound KRPC datagram, already decoded.
type Request struct {
	Message *krpc.Message
	Remote  *net.UDPAddr
	Local   *net.UDPAddr
}

// Response is what the service produced for a Request. A nil Response (or
// encoded as empty bytes) means "send nothing back".
type Response struct {
	Reply *krpc.Reply
	Error *krpc.RError
}

// Service handles one Request and produces a Response or an error. Errors
// are logged by the caller and never turned into a wire reply; a peer
// that sent us something broken gets silence, not diagnostics.
type Service interface {
	Serve(ctx context.Context, req *Request) (*Response, error)
}

// ServiceFunc adapts a plain function to Service.
type ServiceFunc func(ctx context.Context, req *Request) (*Response, error)

func (f ServiceFunc) Serve(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Middleware wraps a Service with additional behavior.
type Middleware func(next Service) Service

// Chain composes middlewares around base, applied outermost-first: the
// first middleware in the list runs first on the way in (and last on the
// way out).
func Chain(base Service, mws ...Middleware) Service {
	s := base
	for i := len(mws) - 1; i >= 0; i-- {
		s = mws[i](s)
	}
	return s
}
