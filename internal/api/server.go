// Package api serves admission checks and accounting status over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/diskwarden/diskwarden/internal/config"
	"github.com/diskwarden/diskwarden/internal/control"
	"github.com/diskwarden/diskwarden/internal/ledger"
	"github.com/diskwarden/diskwarden/internal/logging/audit"
	"github.com/diskwarden/diskwarden/internal/metrics"
	"github.com/diskwarden/diskwarden/pkg/proto"
)

// Server is the HTTP API server for the daemon. The write path of the
// storage engine calls its admission endpoint before growing a relation.
type Server struct {
	cfg     config.ServerConfig
	backend control.Backend
	quota   *metrics.QuotaMetrics
	audit   *audit.Logger
	mux     *http.ServeMux
	server  *http.Server
}

// NewServer creates the API server around the daemon backend.
func NewServer(cfg config.ServerConfig, backend control.Backend) *Server {
	s := &Server{
		cfg:     cfg,
		backend: backend,
		audit:   audit.NewLogger(log.Logger),
		mux:     http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

// SetMetrics wires admission metrics. Optional.
func (s *Server) SetMetrics(m *metrics.QuotaMetrics) {
	s.quota = m
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/api/v1/admission", s.withAuth(s.handleAdmission))
	s.mux.HandleFunc("/api/v1/status", s.withAuth(s.handleStatus))
	s.mux.HandleFunc("/api/v1/refresh", s.withAuth(s.handleRefresh))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("listen", s.cfg.Listen).Msg("starting API server")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			s.audit.LogAuth("bearer", "denied", "missing authorization header", r.RemoteAddr)
			s.jsonError(w, "missing authorization header", http.StatusUnauthorized)
			return
		}

		// Expect "Bearer <token>"
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.audit.LogAuth("bearer", "denied", "invalid authorization header", r.RemoteAddr)
			s.jsonError(w, "invalid authorization header", http.StatusUnauthorized)
			return
		}

		if parts[1] != s.cfg.AuthToken {
			s.audit.LogAuth("bearer", "denied", "invalid token", r.RemoteAddr)
			s.jsonError(w, "invalid token", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleAdmission(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req proto.AdmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	decision := s.backend.Check(ledger.PrincipalID(req.Principal), ledger.TenantID(req.Tenant))

	quotaVal := int64(-1)
	if decision.Quota != nil {
		quotaVal = *decision.Quota
	}
	s.audit.LogAdmission(req.Principal, req.Tenant, decision.Admitted, decision.Total, quotaVal, r.RemoteAddr)

	status := http.StatusOK
	outcome := "admitted"
	if !decision.Admitted {
		status = http.StatusForbidden
		outcome = "rejected"
	}
	if s.quota != nil {
		s.quota.AdmissionsTotal.WithLabelValues(outcome).Inc()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(decision)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := s.backend.Status()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// An empty body wakes every tenant.
	var req proto.RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var tenant *ledger.TenantID
	if req.Tenant != nil {
		t := ledger.TenantID(*req.Tenant)
		tenant = &t
	}

	woken := s.backend.Refresh(tenant)
	s.audit.LogRefresh(req.Tenant, woken, r.RemoteAddr)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(proto.RefreshResponse{Woken: woken})
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(proto.ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}
