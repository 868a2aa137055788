// Package api exposes a lightweight HTTP management API for introspecting
// pool/descriptor state and forcing a bandwidth optimization pass, grounded
// on the teacher's internal/api/api.go (net/http + encoding/json, a
// http.ServeMux, jsonOK helper). The teacher's proxy-rotation-trigger
// endpoints (/api/rotate, /api/status) belong to its own domain and are not
// adapted here — see SPEC_FULL.md §6.
//
// Endpoints
//
//	GET  /pool       List every descriptor and its current health.
//	GET  /active     List the descriptors currently in the active set.
//	POST /optimize   Force an immediate coarse optimization pass.
//	GET  /healthz    Liveness probe for the server process itself.
//	GET  /metrics    Prometheus exposition.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drsoft-oss/multisocks/internal/descriptor"
	"github.com/drsoft-oss/multisocks/internal/optimizer"
	"github.com/drsoft-oss/multisocks/internal/pool"
)

// Server is the management API HTTP server.
type Server struct {
	pool      *pool.Pool
	optimizer *optimizer.Optimizer
	server    *http.Server
}

// New creates and configures the API server. optimizer may be nil, in which
// case POST /optimize reports 503.
func New(addr string, p *pool.Pool, opt *optimizer.Optimizer) *Server {
	s := &Server{pool: p, optimizer: opt}

	mux := http.NewServeMux()
	mux.HandleFunc("/pool", s.handlePool)
	mux.HandleFunc("/active", s.handleActive)
	mux.HandleFunc("/optimize", s.handleOptimize)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until the server stops.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop shuts down the server gracefully.
func (s *Server) Stop() error {
	return s.server.Close()
}

// DescriptorInfo is a serializable snapshot of a single descriptor's state.
type DescriptorInfo struct {
	Address   string  `json:"address"`
	Protocol  string  `json:"protocol"`
	Host      string  `json:"host"`
	Port      int     `json:"port"`
	Weight    int     `json:"weight"`
	Alive     bool    `json:"alive"`
	FailCount int     `json:"fail_count"`
	Latency   float64 `json:"latency_seconds"`
}

// handlePool returns every descriptor in the full set.
//
//	GET /pool
func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jsonOK(w, descriptorsToInfo(s.pool.All()))
}

// handleActive returns the descriptors currently in the active set.
//
//	GET /active
func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jsonOK(w, descriptorsToInfo(s.pool.Active()))
}

// handleOptimize forces one coarse optimization pass synchronously.
//
//	POST /optimize
func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.optimizer == nil {
		http.Error(w, "optimization is disabled", http.StatusServiceUnavailable)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	s.optimizer.RunCoarsePass(ctx)
	log.Println("[api] manual optimization pass triggered")
	jsonOK(w, map[string]any{"ok": true, "active": len(s.pool.Active())})
}

// handleHealthz reports process liveness.
//
//	GET /healthz
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	jsonOK(w, map[string]any{"ok": true})
}

func jsonOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func descriptorsToInfo(ds []*descriptor.Descriptor) []DescriptorInfo {
	out := make([]DescriptorInfo, 0, len(ds))
	for _, d := range ds {
		out = append(out, DescriptorInfo{
			Address:   fmt.Sprintf("%s:%d", d.Host, d.Port),
			Protocol:  string(d.Protocol),
			Host:      d.Host,
			Port:      d.Port,
			Weight:    d.Weight,
			Alive:     d.Alive(),
			FailCount: d.FailCount(),
			Latency:   d.Latency(),
		})
	}
	return out
}
