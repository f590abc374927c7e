// Package udpserver owns the node's UDP socket: a blocking read loop that
// decodes each datagram and dispatches it through a service.Service,
// bounded by a worker pool so a burst of inbound traffic can't spawn an
// unbounded number of goroutines.
package udpserver

import (
	"context"
	"errors"
	"net"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yiilian/dht-node/internal/dhterr"
	"github.com/yiilian/dht-node/internal/krpc"
	"github.com/yiilian/dht-node/internal/service"
)

// maxDatagramSize covers the largest datagram a UDP socket can deliver;
// typical KRPC messages are a few hundred bytes, but a peer is free to
// send up to the IPv4 reassembly limit.
const maxDatagramSize = 65536

// Server owns one UDP listening socket.
type Server struct {
	conn    *net.UDPConn
	svc     service.Service
	logger  *zap.Logger
	workers int
}

// New binds a UDP socket on addr and wraps it with svc as the inbound
// message pipeline (already composed with the firewall middleware and
// router by the caller).
func New(addr string, svc service.Service, workers int, logger *zap.Logger) (*Server, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, dhterr.Wrap(dhterr.KindBind, "resolving udp addr", err)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, dhterr.Wrap(dhterr.KindBind, "binding udp socket", err)
	}
	if workers <= 0 {
		workers = 32
	}
	return &Server{conn: conn, svc: svc, logger: logger, workers: workers}, nil
}

// LocalAddr returns the bound address (useful when addr was ":0").
func (s *Server) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// WriteTo sends data to addr, implementing transaction.Sender.
func (s *Server) WriteTo(data []byte, addr *net.UDPAddr) error {
	_, err := s.conn.WriteToUDP(data, addr)
	return err
}

// Run reads datagrams until ctx is cancelled or the socket is closed,
// dispatching each to svc on its own goroutine (capped at workers
// in flight). A handler panic is recovered and logged rather than taking
// the whole node down. Blocks until every in-flight datagram has been
// served.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(context.Background())
	g.SetLimit(s.workers)

	go func() {
		<-ctx.Done()
		_ = s.conn.Close()
	}()

	buf := make([]byte, maxDatagramSize)
	for {
		n, remote, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) || isClosedConnErr(err) {
				break
			}
			s.logger.Warn("udp read error", zap.Error(err))
			continue
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		g.Go(func() error {
			s.handle(gctx, datagram, remote)
			return nil
		})
	}

	return g.Wait()
}

func (s *Server) handle(ctx context.Context, datagram []byte, remote *net.UDPAddr) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic handling datagram", zap.Any("recovered", r), zap.Stringer("remote", remote))
		}
	}()

	msg, err := krpc.Decode(datagram)
	if err != nil {
		s.logger.Debug("dropping undecodable datagram", zap.Error(err), zap.Stringer("remote", remote))
		return
	}

	req := &service.Request{Message: msg, Remote: remote, Local: s.LocalAddr()}
	resp, err := s.svc.Serve(ctx, req)
	if err != nil {
		s.logger.Debug("dropping datagram after handler error", zap.Error(err), zap.Stringer("remote", remote))
		return
	}
	if resp == nil || resp.Reply == nil {
		return
	}
	if err := s.WriteTo(krpc.EncodeReply(resp.Reply), remote); err != nil {
		s.logger.Debug("failed to send reply", zap.Error(err), zap.Stringer("remote", remote))
	}
}

func isClosedConnErr(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Err.Error() == "use of closed network connection"
	}
	return false
}
