// Package api implements the management HTTP API (spec §6): a read-mostly
// surface over the balancer's shared state, plus a few operator actions
// (manual migration, forced balance, group/critical-VM updates). Routing
// follows the teacher's dependency choices generalized to this domain:
// go-chi/chi for the mux, prometheus/client_golang for /metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cblomart/goproxlb-autonomic/internal/balancer"
	"github.com/cblomart/goproxlb-autonomic/internal/logging"
	"github.com/cblomart/goproxlb-autonomic/internal/models"
)

// Server wires the management API to a running Balancer.
type Server struct {
	bal        *balancer.Balancer
	apiKey     string
	configPath string
	logger     logging.Logger
	router     chi.Router
}

// New builds a Server. apiKey empty disables authentication (spec §6
// treats api_key as optional; operators running behind a trusted network
// may leave it blank). configPath empty means PUT /api/config updates the
// running config in memory only, without a file to persist to.
func New(bal *balancer.Balancer, apiKey, configPath string, logger logging.Logger) *Server {
	s := &Server{bal: bal, apiKey: apiKey, configPath: configPath, logger: logger}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP lets Server be used directly as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requireAPIKey)

	r.Get("/metrics", promhttp.HandlerFor(balancer.Registry, promhttp.HandlerOpts{}).ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/health", s.handleHealth)
		r.Get("/recommendations", s.handleRecommendations)
		r.Get("/nodes", s.handleNodes)
		r.Get("/vms", s.handleVMs)
		r.Post("/migrate", s.handleMigrate)
		r.Post("/balance", s.handleBalance)
		r.Get("/config", s.handleGetConfig)
		r.Put("/config", s.handleUpdateConfig)
		r.Get("/vm_groups", s.handleGetGroups)
		r.Post("/vm_groups/update", s.handleUpdateGroups)
		r.Post("/critical_vms/update", s.handleUpdateCriticalVMs)
		r.Get("/anomalies", s.handleAnomalies)
		r.Get("/migrations/history", s.handleMigrationHistory)
	})

	return r
}

// requireAPIKey rejects requests missing a matching X-API-Key header,
// unless no key is configured. Grounded on
// original_source/load_balancer_api.py's require_api_key decorator.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != s.apiKey {
			writeError(w, http.StatusUnauthorized, "missing or invalid X-API-Key header")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	overloaded, underloaded := s.classify()
	var cfgDoc map[string]interface{}
	if raw, err := json.Marshal(s.bal.Config().Redacted()); err == nil {
		_ = json.Unmarshal(raw, &cfgDoc)
	}
	writeJSON(w, http.StatusOK, s.bal.State().Status(overloaded, underloaded, cfgDoc))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bal.HealthReport())
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bal.State().Nodes())
}

func (s *Server) handleVMs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bal.State().VMs())
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bal.State().Anomalies())
}

// handleMigrationHistory implements GET /api/migrations/history?limit=&vm_id=
// (spec §6), grounded on original_source/load_balancer_api.py's
// get_migration_history: filter by vm_id first, then keep the last limit
// entries (default 10).
func (s *Server) handleMigrationHistory(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}

	history := s.bal.State().Migrations()

	if v := r.URL.Query().Get("vm_id"); v != "" {
		vmid, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "vm_id must be an integer")
			return
		}
		filtered := make([]models.Migration, 0, len(history))
		for _, m := range history {
			if m.VMID == vmid {
				filtered = append(filtered, m)
			}
		}
		history = filtered
	}

	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"migrations": history})
}

func (s *Server) handleGetGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bal.State().Groups())
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bal.Config().Redacted())
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	cfg := *s.bal.Config()
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.configPath != "" {
		if err := cfg.Save(s.configPath); err != nil {
			writeError(w, http.StatusInternalServerError, "persist config: "+err.Error())
			return
		}
	}

	s.bal.UpdateConfig(&cfg)
	writeJSON(w, http.StatusOK, cfg.Redacted())
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	count := 3
	if c := r.URL.Query().Get("count"); c != "" {
		if n, err := strconv.Atoi(c); err == nil && n > 0 {
			count = n
		}
	}
	detailed := r.URL.Query().Get("detail") == "detailed"

	recs := s.bal.Recommendations(count, detailed)
	writeJSON(w, http.StatusOK, recs)
}

type migrateRequest struct {
	VMID   int    `json:"vmid"`
	Target string `json:"target"`
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	var req migrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.VMID == 0 || req.Target == "" {
		writeError(w, http.StatusBadRequest, "vmid and target are required")
		return
	}

	ctx, cancel := withAPITimeout(r)
	defer cancel()

	var impact *models.MigrationImpact
	if vm, _, found := s.bal.State().FindVM(req.VMID); found {
		for _, n := range s.bal.State().Nodes() {
			if n.Name == req.Target {
				a := s.bal.AnalyzeImpact(vm, n)
				impact = &a
			}
		}
	}

	m, err := s.bal.ManualMigrate(ctx, req.VMID, req.Target)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":          "success",
		"message":         fmt.Sprintf("migration of vm %d to %s initiated", req.VMID, req.Target),
		"migration":       m,
		"impact_analysis": impact,
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withAPITimeout(r)
	defer cancel()
	s.bal.Tick(ctx)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "balance tick executed"})
}

type criticalVMsRequest struct {
	VMIDs []int `json:"vmids"`
}

func (s *Server) handleUpdateCriticalVMs(w http.ResponseWriter, r *http.Request) {
	var req criticalVMsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	merged := s.bal.RefreshCriticalVMs(req.VMIDs)
	writeJSON(w, http.StatusOK, map[string]int{"critical_vm_count": len(merged)})
}

func (s *Server) handleUpdateGroups(w http.ResponseWriter, r *http.Request) {
	var req map[string][]int
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	groups := make([]models.VMGroup, 0, len(req))
	for name, ids := range req {
		set := make(map[int]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		groups = append(groups, models.VMGroup{Name: name, VMs: set})
	}
	s.bal.UpdateGroups(groups)
	writeJSON(w, http.StatusOK, map[string]int{"group_count": len(groups)})
}

func (s *Server) classify() (overloaded, underloaded []string) {
	return s.bal.Classify()
}

const apiRequestTimeout = 30 * time.Second

func withAPITimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), apiRequestTimeout)
}
