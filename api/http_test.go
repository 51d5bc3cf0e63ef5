package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/kutluhann/dfss-kad/dht"
)

// nullLink is a no-op dht.PeerLink: the handlers exercised here never need
// a real transport, since /status, /health, /routing-table and a
// same-node Get all work purely off local state.
type nullLink struct {
	mu        sync.Mutex
	connected map[string]bool
}

func newNullLink() *nullLink { return &nullLink{connected: make(map[string]bool)} }

func (l *nullLink) Send(peerHex string, frame []byte) error { return nil }
func (l *nullLink) ConnectHint(peerHex string)               {}
func (l *nullLink) DropPeer(peerHex string)                  {}

func (l *nullLink) IsConnected(peerHex string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected[peerHex]
}

func (l *nullLink) ConnectedPeers() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.connected))
	for p := range l.connected {
		out = append(out, p)
	}
	return out
}

func (l *nullLink) WaitForPeer(ctx context.Context, peerHex string) bool {
	return false
}

func newTestEngine(t *testing.T) *dht.Engine {
	t.Helper()
	id, err := dht.NewNodeID()
	if err != nil {
		t.Fatalf("NewNodeID: %v", err)
	}
	log := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	return dht.NewEngine(id, newNullLink(), nil, log)
}

func TestHandleStatusAndHealth(t *testing.T) {
	e := newTestEngine(t)
	srv := NewServer(e)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/status", nil)
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("/status = %d", rec.Code)
	}
	var status StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode /status: %v", err)
	}
	if status.NodeID != e.LocalID().String() {
		t.Fatalf("status NodeID = %q, want %q", status.NodeID, e.LocalID().String())
	}

	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest("GET", "/health", nil)
	srv.Handler().ServeHTTP(rec2, req2)
	if rec2.Code != 200 {
		t.Fatalf("/health = %d", rec2.Code)
	}
}

func TestHandleGetMissingKeyReturns404(t *testing.T) {
	e := newTestEngine(t)
	srv := NewServer(e)

	body, _ := json.Marshal(GetRequest{Key: "does-not-exist"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/get", bytes.NewReader(body))
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != 404 {
		t.Fatalf("/get for a missing key = %d, want 404", rec.Code)
	}
	var resp GetResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode /get: %v", err)
	}
	if resp.Success {
		t.Fatal("expected Success=false for a missing key")
	}
}

func TestHandleGetRejectsWrongMethod(t *testing.T) {
	e := newTestEngine(t)
	srv := NewServer(e)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/get", nil)
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != 405 {
		t.Fatalf("GET /get = %d, want 405", rec.Code)
	}
}

func TestHandleStoreRejectsMissingFields(t *testing.T) {
	e := newTestEngine(t)
	srv := NewServer(e)

	body, _ := json.Marshal(StoreRequest{Key: "", Value: ""})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/store", bytes.NewReader(body))
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != 400 {
		t.Fatalf("/store with empty key/value = %d, want 400", rec.Code)
	}
}

func TestHandleStoreReturns207OnQuorumMiss(t *testing.T) {
	e := newTestEngine(t)
	srv := NewServer(e)

	body, _ := json.Marshal(StoreRequest{Key: "lonely-key", Value: "value"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/store", bytes.NewReader(body))
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMultiStatus {
		t.Fatalf("/store with no connected peers = %d, want %d", rec.Code, http.StatusMultiStatus)
	}
	var resp StoreResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode /store: %v", err)
	}
	if resp.Success {
		t.Fatal("expected Success=false on a quorum miss")
	}
	if resp.Acks != 0 {
		t.Fatalf("expected Acks=0 with no connected peers, got %d", resp.Acks)
	}
	if resp.Needed == 0 {
		t.Fatal("expected Needed to be populated on a quorum miss")
	}
}

func TestHandleRoutingTableEmpty(t *testing.T) {
	e := newTestEngine(t)
	srv := NewServer(e)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/routing-table", nil)
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("/routing-table = %d", rec.Code)
	}
	var buckets []RoutingTableBucket
	if err := json.Unmarshal(rec.Body.Bytes(), &buckets); err != nil {
		t.Fatalf("decode /routing-table: %v", err)
	}
	if len(buckets) != 0 {
		t.Fatalf("expected no non-empty buckets for a fresh engine, got %d", len(buckets))
	}
	_ = time.Second
}
