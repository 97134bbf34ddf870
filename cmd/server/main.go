package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"

	"github.com/opencomp/compengine/internal/logger"
	"github.com/opencomp/compengine/rules"
	"github.com/opencomp/compengine/scenario"
	"github.com/opencomp/compengine/tenantengine"
)

type Server struct {
	db         *sql.DB
	ruleSets   rules.RuleSetStore
	manager    *tenantengine.Manager
	scenarios  scenario.ScenarioStore
	snapshots  scenario.SnapshotStore
	results    scenario.ResultStore
	calculator *scenario.Calculator
	router     *chi.Mux
}

// NewServer connects to the database and wires the Postgres-backed stores,
// the tenant rule set manager and the scenario calculator.
func NewServer(databaseURL string) (*Server, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewServerWithDB(db), nil
}

// NewServerWithDB builds a server over an existing database connection.
func NewServerWithDB(db *sql.DB) *Server {
	ruleStore := rules.NewPostgresRuleSetStore(db)
	return newServer(db,
		ruleStore,
		tenantengine.NewManager(ruleStore, nil),
		scenario.NewPostgresScenarioStore(db),
		scenario.NewPostgresSnapshotStore(db),
		scenario.NewPostgresResultStore(db),
	)
}

func newServer(db *sql.DB, ruleSets rules.RuleSetStore, manager *tenantengine.Manager,
	scenarios scenario.ScenarioStore, snapshots scenario.SnapshotStore, results scenario.ResultStore) *Server {

	s := &Server{
		db:         db,
		ruleSets:   ruleSets,
		manager:    manager,
		scenarios:  scenarios,
		snapshots:  snapshots,
		results:    results,
		calculator: scenario.NewCalculator(scenarios, snapshots, results, manager),
	}
	if workers, err := strconv.Atoi(os.Getenv("CALC_WORKERS")); err == nil {
		s.calculator.SetWorkers(workers)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)

	// Single-rule dry run for rule authoring tooling.
	r.Post("/api/v1/rules/test", s.handleTestRule)

	r.Route("/api/v1/tenants/{tenantId}/rulesets", func(r chi.Router) {
		r.Get("/", s.handleListRuleSets)
		r.Post("/", s.handleCreateRuleSet)

		r.Route("/{ruleSetId}", func(r chi.Router) {
			r.Get("/", s.handleGetRuleSet)
			r.Put("/rules", s.handleReplaceRules)
			r.Post("/default", s.handleSetDefaultRuleSet)
		})
	})

	r.Route("/api/v1/scenarios", func(r chi.Router) {
		r.Post("/", s.handleCreateScenario)

		r.Route("/{scenarioId}", func(r chi.Router) {
			r.Get("/", s.handleGetScenario)
			r.Post("/calculate", s.handleCalculate)
			r.Get("/results", s.handleListResults)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"total_errors":   logger.TotalErrors.Load(),
		"total_warnings": logger.TotalWarnings.Load(),
	})
}

func (s *Server) handleTestRule(w http.ResponseWriter, r *http.Request) {
	var req TestRuleRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if len(req.Conditions) == 0 {
		respondError(w, http.StatusBadRequest, "conditions are required", nil)
		return
	}
	if req.Employee == nil {
		respondError(w, http.StatusBadRequest, "employee is required", nil)
		return
	}

	conditions, err := rules.ParseConditions(req.Conditions)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, "invalid conditions", err)
		return
	}

	result, err := rules.TestRule(conditions, req.Actions, rules.Facts(req.Employee))
	if err != nil {
		if _, ok := rules.AsConfigError(err); ok {
			respondError(w, http.StatusUnprocessableEntity, "invalid rule", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "dry run failed", err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleListRuleSets(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	sets, err := s.ruleSets.List(r.Context(), tenantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rule sets", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"rule_sets": sets})
}

func (s *Server) handleCreateRuleSet(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	var req CreateRuleSetRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rs := &rules.RuleSet{
		TenantID:    tenantID,
		Name:        req.Name,
		Description: req.Description,
		Active:      true,
		Default:     req.Default,
		Rules:       req.Rules,
	}
	if req.Active != nil {
		rs.Active = *req.Active
	}

	// Validate and compile before anything is stored, so a malformed
	// document never reaches the calculator.
	if err := rules.ValidateRuleSet(rs); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "invalid rule set", err)
		return
	}
	if err := compileStrict(rs); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "invalid rule set", err)
		return
	}

	if err := s.ruleSets.Create(r.Context(), rs); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create rule set", err)
		return
	}
	respondJSON(w, http.StatusCreated, rs)
}

func (s *Server) handleGetRuleSet(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	ruleSetID := chi.URLParam(r, "ruleSetId")

	rs, err := s.ruleSets.Get(r.Context(), tenantID, ruleSetID)
	if err != nil {
		respondStoreError(w, "failed to get rule set", err)
		return
	}
	respondJSON(w, http.StatusOK, rs)
}

func (s *Server) handleReplaceRules(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	ruleSetID := chi.URLParam(r, "ruleSetId")

	var req ReplaceRulesRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	probe := &rules.RuleSet{ID: ruleSetID, TenantID: tenantID, Name: "probe", Rules: req.Rules}
	if err := rules.ValidateRuleSet(probe); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "invalid rules", err)
		return
	}
	if err := compileStrict(probe); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "invalid rules", err)
		return
	}

	rs, err := s.ruleSets.ReplaceRules(r.Context(), tenantID, ruleSetID, req.Rules)
	if err != nil {
		respondStoreError(w, "failed to replace rules", err)
		return
	}

	// Drop the cached compiled snapshot so the next calculation picks up
	// the new version. In-flight runs keep the snapshot they pinned.
	s.manager.Invalidate(tenantID, ruleSetID)

	respondJSON(w, http.StatusOK, rs)
}

func (s *Server) handleSetDefaultRuleSet(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	ruleSetID := chi.URLParam(r, "ruleSetId")

	if err := s.ruleSets.SetDefault(r.Context(), tenantID, ruleSetID); err != nil {
		respondStoreError(w, "failed to set default rule set", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "default set"})
}

func (s *Server) handleCreateScenario(w http.ResponseWriter, r *http.Request) {
	var req CreateScenarioRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.TenantID == "" || req.Name == "" || req.RuleSetID == "" || req.DatasetVersion == "" {
		respondError(w, http.StatusBadRequest, "tenant_id, name, rule_set_id and dataset_version are required", nil)
		return
	}

	asOf := time.Now().UTC().Truncate(24 * time.Hour)
	if req.AsOfDate != "" {
		parsed, err := time.Parse("2006-01-02", req.AsOfDate)
		if err != nil {
			respondError(w, http.StatusBadRequest, "as_of_date must be YYYY-MM-DD", err)
			return
		}
		asOf = parsed
	}

	// The rule set must exist before a scenario binds to it.
	if _, err := s.ruleSets.GetVersion(r.Context(), req.TenantID, req.RuleSetID); err != nil {
		respondStoreError(w, "failed to resolve rule set", err)
		return
	}

	sc := &scenario.Scenario{
		TenantID:       req.TenantID,
		Name:           req.Name,
		Description:    req.Description,
		RuleSetID:      req.RuleSetID,
		DatasetVersion: req.DatasetVersion,
		AsOfDate:       asOf,
	}
	if err := s.scenarios.Create(r.Context(), sc); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create scenario", err)
		return
	}
	respondJSON(w, http.StatusCreated, sc)
}

func (s *Server) handleGetScenario(w http.ResponseWriter, r *http.Request) {
	scenarioID := chi.URLParam(r, "scenarioId")
	tenantID := r.URL.Query().Get("tenant")

	sc, err := s.scenarios.Get(r.Context(), tenantID, scenarioID)
	if err != nil {
		respondStoreError(w, "failed to get scenario", err)
		return
	}
	respondJSON(w, http.StatusOK, sc)
}

func (s *Server) handleCalculate(w http.ResponseWriter, r *http.Request) {
	scenarioID := chi.URLParam(r, "scenarioId")
	tenantID := r.URL.Query().Get("tenant")
	force := r.URL.Query().Get("force") == "true"

	outcome, err := s.calculator.Calculate(r.Context(), tenantID, scenarioID, force)
	if err != nil {
		respondStoreError(w, "calculation failed", err)
		return
	}
	respondJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	scenarioID := chi.URLParam(r, "scenarioId")
	tenantID := r.URL.Query().Get("tenant")

	// Resolve through the scenario so results stay tenant-scoped even
	// though result rows key on scenario alone.
	if _, err := s.scenarios.Get(r.Context(), tenantID, scenarioID); err != nil {
		respondStoreError(w, "failed to get scenario", err)
		return
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	results, err := s.results.ListByScenario(r.Context(), scenarioID, offset, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list results", err)
		return
	}
	if results == nil {
		results = []*scenario.Result{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"offset":  offset,
		"count":   len(results),
	})
}

// compileStrict compiles a rule set and fails on the first per-rule error,
// the admin-boundary counterpart to the calculator's tolerant compile.
func compileStrict(rs *rules.RuleSet) error {
	compiled, err := rules.Compile(rs)
	if err != nil {
		return err
	}
	for _, ce := range compiled.RuleErrors {
		return ce
	}
	return nil
}

// decodeBody decodes a JSON request body, keeping numbers as json.Number so
// monetary values in facts do not pick up float drift.
func decodeBody(r *http.Request, dst any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(dst)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	logger.CountResponse(status)
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}

// respondStoreError maps domain errors onto HTTP statuses.
func respondStoreError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, rules.ErrNotFound), errors.Is(err, scenario.ErrNotFound):
		respondError(w, http.StatusNotFound, message, err)
	case errors.Is(err, scenario.ErrCalculationInProgress),
		errors.Is(err, scenario.ErrInvalidState),
		errors.Is(err, scenario.ErrRuleSetConflict):
		respondError(w, http.StatusConflict, message, err)
	case errors.Is(err, scenario.ErrEmptyDataset):
		respondError(w, http.StatusUnprocessableEntity, message, err)
	default:
		if _, ok := rules.AsConfigError(err); ok {
			respondError(w, http.StatusUnprocessableEntity, message, err)
			return
		}
		respondError(w, http.StatusInternalServerError, message, err)
	}
}

func main() {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		logger.Fatal("DATABASE_URL environment variable is required")
	}

	server, err := NewServer(databaseURL)
	if err != nil {
		logger.Fatal("Failed to create server", "error", err)
	}
	defer server.db.Close()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Server starting", "port", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed to start", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}
	if err := logger.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Logger shutdown error: %v\n", err)
	}

	logger.Info("Server stopped")
}
