package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/yiilian/dht-node/internal/dhtstate"
	"github.com/yiilian/dht-node/internal/nodeid"
	"github.com/yiilian/dht-node/internal/routingtable"
)

type fakeTable struct {
	unverified, verified []routingtable.Node
}

func (f *fakeTable) Count() (int, int)                      { return len(f.unverified), len(f.verified) }
func (f *fakeTable) AllVerified() []routingtable.Node        { return f.verified }
func (f *fakeTable) AllUnverified() []routingtable.Node      { return f.unverified }

func newTestServer() *Server {
	state := dhtstate.New(nodeid.FromRandom())
	table := &fakeTable{
		verified: []routingtable.Node{{ID: nodeid.FromRandom(), IP: "1.2.3.4", Port: 6881}},
	}
	return NewServer(":0", table, state, zap.NewNop())
}

func TestHealthz(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	s.handleHealthz(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
}

func TestRoutingTableDump(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/debug/routing-table", nil)
	w := httptest.NewRecorder()

	s.handleRoutingTable(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if int(body["verified_count"].(float64)) != 1 {
		t.Errorf("expected verified_count 1, got %v", body["verified_count"])
	}
	verified := body["verified"].([]any)
	if len(verified) != 1 {
		t.Fatalf("expected 1 verified node entry, got %d", len(verified))
	}
}
