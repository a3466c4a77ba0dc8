// Package controlapi exposes the execution environment service over
// stdlib net/http: executeSnap, terminateSnap, the RPC hook, and
// terminateAllSnaps, plus a Prometheus scrape endpoint.
package controlapi

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xfeldman/snapexec/internal/auditlog"
	"github.com/xfeldman/snapexec/internal/execenv"
)

// Server is snapexecd's control plane HTTP API.
type Server struct {
	service *execenv.Service
	audit   *auditlog.Log
	log     *zap.Logger
	mux     *http.ServeMux
	server  *http.Server
	ln      net.Listener
}

// NewServer wires a control server around an already-constructed Service.
// audit may be nil; calls are then simply not recorded. reg is the
// registry the host daemon registered its Prometheus collectors on.
func NewServer(service *execenv.Service, audit *auditlog.Log, reg *prometheus.Registry, log *zap.Logger) *Server {
	s := &Server{service: service, audit: audit, log: log, mux: http.NewServeMux()}
	s.registerRoutes(reg)
	s.server = &http.Server{Handler: s.mux, ReadHeaderTimeout: 5 * time.Second}
	return s
}

func (s *Server) registerRoutes(reg *prometheus.Registry) {
	s.mux.HandleFunc("POST /v1/snaps", s.handleExecuteSnap)
	s.mux.HandleFunc("DELETE /v1/snaps/{id}", s.handleTerminateSnap)
	s.mux.HandleFunc("POST /v1/snaps/{id}/rpc", s.handleSnapRPC)
	s.mux.HandleFunc("DELETE /v1/snaps", s.handleTerminateAllSnaps)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
}

// Listen binds the server's listener without starting to serve, so the
// caller can log the resolved address (useful for tests using ":0").
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	return nil
}

// Addr returns the bound listener's address. Listen must have been called.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve blocks, serving on the listener bound by Listen.
func (s *Server) Serve() error {
	return s.server.Serve(s.ln)
}

// Shutdown stops the HTTP server immediately, closing its listener and
// every open connection without waiting for in-flight requests.
func (s *Server) Shutdown() error {
	return s.server.Close()
}

type executeSnapRequest struct {
	SnapID     string `json:"snapId"`
	SourceCode string `json:"sourceCode"`
}

func (s *Server) handleExecuteSnap(w http.ResponseWriter, r *http.Request) {
	var req executeSnapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	err := s.service.ExecuteSnap(r.Context(), execenv.SnapData{SnapID: req.SnapID, SourceCode: req.SourceCode})
	if s.audit != nil {
		s.audit.RecordExecute(req.SnapID, err)
	}
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "OK"})
}

func (s *Server) handleTerminateSnap(w http.ResponseWriter, r *http.Request) {
	snapID := r.PathValue("id")
	if err := s.service.TerminateSnap(snapID); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if s.audit != nil {
		s.audit.RecordTerminate(snapID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTerminateAllSnaps(w http.ResponseWriter, r *http.Request) {
	s.service.TerminateAllSnaps()
	w.WriteHeader(http.StatusNoContent)
}

type snapRPCRequest struct {
	Origin  string          `json:"origin"`
	Request json.RawMessage `json:"request"`
}

func (s *Server) handleSnapRPC(w http.ResponseWriter, r *http.Request) {
	snapID := r.PathValue("id")
	var req snapRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	hook, ok := s.service.GetRPCMessageHandler(snapID)
	if !ok {
		writeError(w, http.StatusNotFound, execenv.ErrUnknownSnap)
		return
	}

	result, err := hook(r.Context(), req.Origin, req.Request)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]json.RawMessage{"result": result})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
