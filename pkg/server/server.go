// Package server exposes the consensus engine over HTTP: synchronous and
// background runs, cancellation, cost and model introspection, the progress
// WebSocket and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/zen-systems/quorum/pkg/breaker"
	"github.com/zen-systems/quorum/pkg/config"
	"github.com/zen-systems/quorum/pkg/cost"
	"github.com/zen-systems/quorum/pkg/crypto"
	"github.com/zen-systems/quorum/pkg/evidence"
	"github.com/zen-systems/quorum/pkg/factcheck"
	"github.com/zen-systems/quorum/pkg/pipeline"
	"github.com/zen-systems/quorum/pkg/profile"
	"github.com/zen-systems/quorum/pkg/progress"
	"github.com/zen-systems/quorum/pkg/registry"
)

// Deps are the engine components the server fronts.
type Deps struct {
	Orchestrator *pipeline.Orchestrator
	Profiles     *profile.Registry
	Models       *registry.Registry
	Breakers     *breaker.Registry
	Costs        *cost.Tracker
	Aliases      *config.ModelAliases
	Progress     *progress.Broadcaster
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// EvidenceDir, when set, receives a record of every finished run.
	EvidenceDir string
	// Signer signs evidence manifests. Nil leaves them unsigned.
	Signer *crypto.Signer
}

// Server represents the HTTP server.
type Server struct {
	deps       Deps
	httpServer *http.Server
	startTime  time.Time
	logger     zerolog.Logger

	// baseCtx outlives individual requests so background runs survive the
	// handler returning. It is cancelled on Shutdown.
	baseCtx context.Context
	stop    context.CancelFunc
	runs    sync.WaitGroup

	// mu guards closing so no run is added once Shutdown has begun waiting.
	mu      sync.Mutex
	closing bool
}

// AskRequest is the body of POST /api/v1/ask.
type AskRequest struct {
	Query   string            `json:"query"`
	Profile string            `json:"profile,omitempty"`
	Facts   map[string]string `json:"facts,omitempty"`
	// Async starts the run in the background and returns its id at once.
	Async bool `json:"async,omitempty"`
}

// AskAccepted is returned for background runs.
type AskAccepted struct {
	ConversationID string `json:"conversation_id"`
}

// ModelStatus is one row of GET /api/v1/models.
type ModelStatus struct {
	registry.ModelDescriptor
	Breaker     breaker.Snapshot           `json:"breaker"`
	Performance registry.PerformanceRecord `json:"performance"`
}

type errorBody struct {
	Error string `json:"error"`
}

// New creates a server listening on addr.
func New(addr string, deps Deps, logger zerolog.Logger) *Server {
	ctx, stop := context.WithCancel(context.Background())
	s := &Server{
		deps:      deps,
		startTime: time.Now(),
		logger:    logger,
		baseCtx:   ctx,
		stop:      stop,
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("POST /api/v1/ask", s.askHandler)
	mux.HandleFunc("GET /api/v1/conversations", s.activeHandler)
	mux.HandleFunc("DELETE /api/v1/conversations/{id}", s.cancelHandler)
	mux.HandleFunc("GET /api/v1/conversations/{id}/costs", s.conversationCostHandler)
	mux.HandleFunc("GET /api/v1/costs", s.globalCostHandler)
	mux.HandleFunc("GET /api/v1/models", s.modelsHandler)
	mux.HandleFunc("GET /api/v1/profiles", s.profilesHandler)
	if s.deps.Progress != nil {
		mux.Handle("GET /ws/progress", progress.NewHandler(s.deps.Progress, s.logger))
	}
	if s.deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server starting")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, cancels background runs and waits for
// them to report.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	err := s.httpServer.Shutdown(ctx)
	s.stop()
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
		"active": len(s.deps.Orchestrator.Active()),
	})
}

func (s *Server) askHandler(w http.ResponseWriter, r *http.Request) {
	var body AskRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req, err := s.buildRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if body.Async {
		if !s.beginRun() {
			writeError(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}
		go func() {
			defer s.runs.Done()
			result := s.deps.Orchestrator.Run(s.baseCtx, req)
			s.record(req, result)
			s.logger.Info().
				Str("conversation", result.ConversationID).
				Str("status", string(result.Status)).
				Msg("background run finished")
		}()
		writeJSON(w, http.StatusAccepted, AskAccepted{ConversationID: req.ID})
		return
	}

	result := s.deps.Orchestrator.Run(r.Context(), req)
	s.record(req, result)
	writeJSON(w, http.StatusOK, result)
}

// beginRun registers a background run unless Shutdown has started.
func (s *Server) beginRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.runs.Add(1)
	return true
}

func (s *Server) record(req *pipeline.Request, result *pipeline.ConsensusResult) {
	if s.deps.EvidenceDir == "" {
		return
	}
	if _, err := evidence.Record(s.deps.EvidenceDir, req, result, s.deps.Signer); err != nil {
		s.logger.Warn().Err(err).Str("conversation", req.ID).Msg("failed to write evidence")
	}
}

func (s *Server) buildRequest(body AskRequest) (*pipeline.Request, error) {
	if body.Query == "" {
		return nil, errors.New("query is required")
	}
	name := body.Profile
	if name == "" {
		name = "balanced"
	}
	p, err := s.deps.Profiles.Get(name)
	if err != nil {
		return nil, err
	}
	if s.deps.Aliases != nil {
		p = p.ResolveAliases(s.deps.Aliases)
	}
	facts, err := factcheck.ParseFacts(body.Facts)
	if err != nil {
		return nil, err
	}
	return pipeline.NewRequest(body.Query, p, facts), nil
}

func (s *Server) activeHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"active": s.deps.Orchestrator.Active()})
}

func (s *Server) cancelHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.deps.Orchestrator.Cancel(id) {
		writeError(w, http.StatusNotFound, "conversation "+id+" is not running")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) conversationCostHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Costs.Summary(r.PathValue("id")))
}

func (s *Server) globalCostHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Costs.Global())
}

func (s *Server) modelsHandler(w http.ResponseWriter, r *http.Request) {
	models := s.deps.Models.List()
	out := make([]ModelStatus, 0, len(models))
	for _, m := range models {
		out = append(out, ModelStatus{
			ModelDescriptor: m,
			Breaker:         s.deps.Breakers.Snapshot(m.ID),
			Performance:     s.deps.Models.Performance(m.ID),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) profilesHandler(w http.ResponseWriter, r *http.Request) {
	names := s.deps.Profiles.Names()
	out := make([]*profile.Profile, 0, len(names))
	for _, name := range names {
		if p, err := s.deps.Profiles.Get(name); err == nil {
			out = append(out, p)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
