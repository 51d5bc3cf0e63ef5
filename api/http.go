// Package api is the HTTP control surface of SPEC_FULL.md's C10,
// generalizing the teacher's api/http_server.go from a package-level
// http.HandleFunc registration and a Node type with exported mutexed
// fields into a dependency-injected *http.ServeMux over the engine's own
// exported Core API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/kutluhann/dfss-kad/constants"
	"github.com/kutluhann/dfss-kad/dht"
)

// StoreRequest is the JSON payload for POST /store.
type StoreRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// StoreResponse is the JSON reply to POST /store. Acks/Needed are only
// populated when the store ended in a quorum miss (HTTP 207).
type StoreResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	KeyHash string `json:"key_hash"`
	Acks    int    `json:"acks,omitempty"`
	Needed  int    `json:"needed,omitempty"`
}

// GetRequest is the JSON payload for POST /get.
type GetRequest struct {
	Key string `json:"key"`
}

// GetResponse is the JSON reply to POST /get.
type GetResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	KeyHash string `json:"key_hash"`
	Value   string `json:"value,omitempty"`
}

// StatusResponse is the JSON reply to GET /status.
type StatusResponse struct {
	NodeID     string `json:"node_id"`
	StoredKeys int    `json:"stored_keys"`
	KnownPeers int    `json:"known_peers"`
	Connected  int    `json:"connected_peers"`
}

// RoutingTableBucket is one non-empty bucket's inspection snapshot.
type RoutingTableBucket struct {
	Index    int      `json:"index"`
	Contacts []string `json:"contacts"`
}

// Server wraps an *dht.Engine and exposes it over HTTP.
type Server struct {
	engine *dht.Engine
	mux    *http.ServeMux
}

// NewServer builds a Server for engine. Call Handler to get the
// http.Handler to pass to http.ListenAndServe.
func NewServer(engine *dht.Engine) *Server {
	s := &Server{engine: engine, mux: http.NewServeMux()}
	s.mux.HandleFunc("/store", s.handleStore)
	s.mux.HandleFunc("/get", s.handleGet)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/routing-table", s.handleRoutingTable)
	return s
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, constants.MaxRecordPayload+4096))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	var req StoreRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Key == "" || req.Value == "" {
		http.Error(w, "key and value are required", http.StatusBadRequest)
		return
	}

	keyHash := dht.KeyID([]byte(req.Key))
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := s.engine.Store(ctx, []byte(req.Key), []byte(req.Value)); err != nil {
		var qerr *dht.QuorumNotMet
		if errors.As(err, &qerr) {
			writeJSON(w, http.StatusMultiStatus, StoreResponse{
				Success: false,
				Message: err.Error(),
				KeyHash: keyHash.String(),
				Acks:    qerr.Acks,
				Needed:  qerr.Needed,
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, StoreResponse{
			Success: false,
			Message: err.Error(),
			KeyHash: keyHash.String(),
		})
		return
	}
	writeJSON(w, http.StatusOK, StoreResponse{
		Success: true,
		Message: "stored",
		KeyHash: keyHash.String(),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	var req GetRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Key == "" {
		http.Error(w, "key is required", http.StatusBadRequest)
		return
	}

	keyHash := dht.KeyID([]byte(req.Key))
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	value, err := s.engine.GetErr(ctx, []byte(req.Key))
	if err != nil {
		if errors.Is(err, dht.ErrKeyNotFound) {
			writeJSON(w, http.StatusNotFound, GetResponse{
				Success: false,
				Message: err.Error(),
				KeyHash: keyHash.String(),
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, GetResponse{
			Success: false,
			Message: err.Error(),
			KeyHash: keyHash.String(),
		})
		return
	}
	writeJSON(w, http.StatusOK, GetResponse{
		Success: true,
		KeyHash: keyHash.String(),
		Value:   string(value),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		NodeID:     s.engine.LocalID().String(),
		StoredKeys: s.engine.StoredCount(),
		KnownPeers: s.engine.RoutingTable().Size(),
		Connected:  len(s.engine.ConnectedPeers()),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleRoutingTable(w http.ResponseWriter, r *http.Request) {
	dump := s.engine.RoutingTable().Dump()
	out := make([]RoutingTableBucket, 0, len(dump))
	for _, b := range dump {
		contacts := make([]string, 0, len(b.Contacts))
		for _, c := range b.Contacts {
			contacts = append(contacts, c.String())
		}
		out = append(out, RoutingTableBucket{Index: b.Index, Contacts: contacts})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
