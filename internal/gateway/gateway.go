// Package gateway exposes the engine over HTTP: job submission and
// inspection under /v1, plus a WebSocket event stream fed from the
// bus.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/basket/go-dispatch/internal/bus"
	"github.com/basket/go-dispatch/internal/executor"
	"github.com/basket/go-dispatch/internal/persistence"
)

// Config wires the gateway.
type Config struct {
	Engine *executor.Engine
	Store  *persistence.Store
	Bus    *bus.Bus

	// AuthToken, when set, is required as a bearer token on every
	// endpoint except /healthz.
	AuthToken string

	// AllowOrigins lists Origin headers accepted for browser
	// WebSocket connections. Empty means same-origin only.
	AllowOrigins []string

	// Fingerprint reports the active config hash for /healthz.
	Fingerprint func() string

	Logger *slog.Logger
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	mux    *http.ServeMux
	srv    *http.Server
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger.With("component", "gateway"),
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /v1/jobs", s.handleSubmit)
	s.mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("DELETE /v1/jobs/{id}", s.handleAbort)
	s.mux.HandleFunc("POST /v1/jobs/{id}/terminate-remote", s.handleTerminateRemote)
	s.mux.HandleFunc("GET /v1/remote/status", s.handleRemoteStatus)
	s.mux.HandleFunc("POST /v1/agent/init", s.handleAgentInit)
	s.mux.HandleFunc("DELETE /v1/agent", s.handleAgentTerminate)
	s.mux.HandleFunc("GET /v1/events", s.handleEvents)
}

// Handler returns the routed handler with auth applied, for embedding
// and tests.
func (s *Server) Handler() http.Handler {
	return s.withAuth(s.mux)
}

// Start serves until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		err := s.srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logger.Info("gateway listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			writeError(w, http.StatusForbidden, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken pulls the token from the Authorization header or, for
// WebSocket clients that cannot set headers, the access_token query
// parameter.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status": "ok",
		"agent":  s.cfg.Engine.AgentIdentity(),
	}
	if s.cfg.Fingerprint != nil {
		resp["config"] = s.cfg.Fingerprint()
	}
	writeJSON(w, http.StatusOK, resp)
}

// submitRequest is the POST /v1/jobs body.
type submitRequest struct {
	JobID     string            `json:"jobId,omitempty"`
	Mode      string            `json:"mode,omitempty"`
	Payload   json.RawMessage   `json:"payload"`
	TimeoutMS int               `json:"timeoutMs,omitempty"`
	Retries   *int              `json:"retries,omitempty"`
	Persist   *bool             `json:"persist,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "payload is required")
		return
	}
	mode := persistence.ModeLocal
	switch req.Mode {
	case "", string(persistence.ModeLocal):
	case string(persistence.ModeRemote):
		mode = persistence.ModeRemote
	default:
		writeError(w, http.StatusBadRequest, "mode must be local or remote")
		return
	}

	opts := executor.Options{
		JobID:        req.JobID,
		Mode:         mode,
		Payload:      req.Payload,
		Timeout:      time.Duration(req.TimeoutMS) * time.Millisecond,
		Retries:      -1,
		PersistState: true,
		Metadata:     req.Metadata,
	}
	if req.Retries != nil {
		opts.Retries = *req.Retries
	}
	if req.Persist != nil {
		opts.PersistState = *req.Persist
	}

	res := s.cfg.Engine.ExecuteJob(r.Context(), opts)
	status := http.StatusOK
	if res.Status != persistence.JobCompleted {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		writeError(w, http.StatusNotImplemented, "durability is disabled")
		return
	}
	filter := persistence.JobFilter{}
	if statuses := r.URL.Query().Get("status"); statuses != "" {
		for _, st := range strings.Split(statuses, ",") {
			filter.Statuses = append(filter.Statuses, persistence.JobStatus(st))
		}
	}
	if mode := r.URL.Query().Get("mode"); mode != "" {
		filter.Mode = persistence.JobMode(mode)
	}
	recs, err := s.cfg.Store.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobViews(recs)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.cfg.Engine.JobState(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	writeJSON(w, http.StatusOK, jobView(*rec))
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	aborted := s.cfg.Engine.AbortJob(id)
	writeJSON(w, http.StatusOK, map[string]any{"jobId": id, "aborted": aborted})
}

func (s *Server) handleTerminateRemote(w http.ResponseWriter, r *http.Request) {
	ok, err := s.cfg.Engine.TerminateRemoteJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"terminated": ok})
}

func (s *Server) handleRemoteStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.cfg.Engine.QueryRemoteStatus(r.Context(), r.URL.Query().Get("jobId"))
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"statuses": statuses})
}

func (s *Server) handleAgentInit(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Engine.InitAgent(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": s.cfg.Engine.AgentIdentity()})
}

func (s *Server) handleAgentTerminate(w http.ResponseWriter, r *http.Request) {
	s.cfg.Engine.TerminateAgent("api request")
	writeJSON(w, http.StatusOK, map[string]any{"terminated": true})
}

// jobAPIView shapes a durable record for JSON responses.
type jobAPIView struct {
	JobID       string            `json:"jobId"`
	Status      string            `json:"status"`
	Mode        string            `json:"mode"`
	Progress    int               `json:"progress"`
	Result      json.RawMessage   `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	StartTime   time.Time         `json:"startTime"`
	LastUpdated time.Time         `json:"lastUpdated"`
}

func jobView(rec persistence.JobRecord) jobAPIView {
	return jobAPIView{
		JobID:       rec.JobID,
		Status:      string(rec.Status),
		Mode:        string(rec.Mode),
		Progress:    rec.Progress,
		Result:      rec.Result,
		Error:       rec.Error,
		Metadata:    rec.Metadata,
		StartTime:   rec.StartTime,
		LastUpdated: rec.LastUpdated,
	}
}

func jobViews(recs []persistence.JobRecord) []jobAPIView {
	out := make([]jobAPIView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, jobView(rec))
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
