// Package httpapi is the node's small supervisory HTTP surface: a single
// mux serving /metrics, /healthz, and a routing-table dump, with a
// background Serve goroutine and a graceful Shutdown(ctx).
package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/yiilian/dht-node/internal/dhtstate"
	"github.com/yiilian/dht-node/internal/routingtable"
)

// RoutingTableView is the read side of the routing table the debug
// endpoint needs; kept as an interface so tests can supply a fake without
// constructing a full Table.
type RoutingTableView interface {
	Count() (unverified, verified int)
	AllVerified() []routingtable.Node
	AllUnverified() []routingtable.Node
}

type Server struct {
	srv    *http.Server
	table  RoutingTableView
	state  *dhtstate.State
	logger *zap.Logger
}

// NewServer builds a Server listening on addr, reporting on table and
// state.
func NewServer(addr string, table RoutingTableView, state *dhtstate.State, logger *zap.Logger) *Server {
	s := &Server{table: table, state: state, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/debug/routing-table", s.handleRoutingTable)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start binds the listener and serves in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown gracefully stops the server, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"join_kad":    s.state.IsJoinKad(),
		"local_id":    s.state.LocalID().String(),
		"server_time": time.Now().UTC().Format(time.RFC3339),
	})
}

type nodeView struct {
	ID           string `json:"id"`
	Addr         string `json:"addr"`
	LastSeen     string `json:"last_seen"`
	LastVerified string `json:"last_verified,omitempty"`
}

func toNodeViews(nodes []routingtable.Node) []nodeView {
	out := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		v := nodeView{
			ID:       n.ID.String(),
			Addr:     net.JoinHostPort(n.IP, strconv.Itoa(n.Port)),
			LastSeen: n.LastSeen.UTC().Format(time.RFC3339),
		}
		if !n.LastVerified.IsZero() {
			v.LastVerified = n.LastVerified.UTC().Format(time.RFC3339)
		}
		out = append(out, v)
	}
	return out
}

func (s *Server) handleRoutingTable(w http.ResponseWriter, r *http.Request) {
	unverifiedCount, verifiedCount := s.table.Count()
	resp := map[string]any{
		"unverified_count": unverifiedCount,
		"verified_count":   verifiedCount,
		"verified":         toNodeViews(s.table.AllVerified()),
		"unverified":       toNodeViews(s.table.AllUnverified()),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}
