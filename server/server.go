// Package server exposes the runtime over HTTP: task execution (unary and
// SSE streaming), checkpoint chain inspection, metrics and tool breaker
// administration.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/hupe1980/agentcore/checkpoint"
	"github.com/hupe1980/agentcore/engine"
	"github.com/hupe1980/agentcore/internal/util"
	"github.com/hupe1980/agentcore/logging"
	"github.com/hupe1980/agentcore/provider"
	"github.com/hupe1980/agentcore/tool"
)

// threadIDHeader carries a caller-chosen thread id; a body field or a
// generated id are the fallbacks.
const threadIDHeader = "Thread-ID"

// Options configures the HTTP server surface.
type Options struct {
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Server bundles the runtime collaborators behind an http.Handler.
type Server struct {
	engine   *engine.Engine
	store    checkpoint.Store
	registry *tool.Registry
	router   *provider.Router
	opts     Options
}

// New creates a Server around the shared runtime components.
func New(eng *engine.Engine, store checkpoint.Store, registry *tool.Registry, router *provider.Router, optFns ...func(o *Options)) *Server {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Server{
		engine:   eng,
		store:    store,
		registry: registry,
		router:   router,
		opts:     opts,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tasks", s.executeTask)
	mux.HandleFunc("POST /v1/tasks/stream", s.streamTask)
	mux.HandleFunc("GET /v1/threads/{id}/checkpoints", s.listCheckpoints)
	mux.HandleFunc("GET /v1/metrics", s.metrics)
	mux.HandleFunc("POST /v1/tools/{name}/reset", s.resetTool)
	mux.HandleFunc("GET /healthz", s.healthz)
	return mux
}

type taskRequest struct {
	ThreadID string            `json:"thread_id,omitempty"`
	Query    string            `json:"query"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type taskResponse struct {
	ThreadID    string            `json:"thread_id"`
	Result      string            `json:"result"`
	Status      string            `json:"status"`
	ToolCalls   []engine.ToolCall `json:"tool_calls"`
	Iterations  int               `json:"iterations"`
	Checkpoints int               `json:"checkpoints"`
	Error       string            `json:"error,omitempty"`
}

// resolveThreadID picks the thread id from header, body, or generates one.
func resolveThreadID(r *http.Request, body *taskRequest) string {
	if id := r.Header.Get(threadIDHeader); id != "" {
		return id
	}
	if body.ThreadID != "" {
		return body.ThreadID
	}
	return util.NewID()
}

func (s *Server) decodeTask(w http.ResponseWriter, r *http.Request) (*taskRequest, bool) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return nil, false
	}
	if req.Query == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return nil, false
	}
	return &req, true
}

func (s *Server) executeTask(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeTask(w, r)
	if !ok {
		return
	}
	threadID := resolveThreadID(r, req)
	start := time.Now()

	result, err := s.engine.Run(r.Context(), threadID, req.Query)
	if err != nil && (result == nil || !errors.Is(err, engine.ErrIterationLimit)) {
		s.writeRunError(w, err)
		return
	}

	resp := taskResponse{
		ThreadID:    threadID,
		Result:      result.FinalAnswer,
		Status:      string(result.Status),
		ToolCalls:   result.ToolCalls,
		Iterations:  result.Iterations,
		Checkpoints: result.Checkpoints,
	}
	if err != nil {
		resp.Error = err.Error()
	}
	s.opts.Logger.Info("task executed",
		"thread_id", threadID,
		"status", resp.Status,
		"duration", time.Since(start),
	)
	writeJSON(w, http.StatusOK, resp)
}

type streamChunk struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

func (s *Server) streamTask(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeTask(w, r)
	if !ok {
		return
	}
	threadID := resolveThreadID(r, req)

	sse := newSSEWriter(w)
	if sse == nil {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sse.sendEvent("thread", map[string]string{"thread_id": threadID})

	chunks, errCh := s.engine.RunStream(r.Context(), threadID, req.Query)
	for c := range chunks {
		sse.sendEvent("chunk", streamChunk{Text: c.Text, IsFinal: c.Final})
	}
	if err := <-errCh; err != nil {
		sse.sendEvent("error", map[string]string{"error": err.Error()})
	}
}

type checkpointInfo struct {
	ID        string    `json:"checkpoint_id"`
	ParentID  string    `json:"parent_checkpoint_id,omitempty"`
	Status    string    `json:"status"`
	Iteration int       `json:"iteration"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	chain, err := s.store.Chain(r.Context(), threadID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(chain) == 0 {
		http.Error(w, "thread not found", http.StatusNotFound)
		return
	}

	infos := make([]checkpointInfo, 0, len(chain))
	for _, cp := range chain {
		info := checkpointInfo{
			ID:        cp.ID,
			ParentID:  cp.ParentID,
			CreatedAt: cp.CreatedAt,
		}
		if state, err := cp.AgentState(); err == nil {
			info.Status = string(state.Status)
			info.Iteration = state.Iteration
		}
		infos = append(infos, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id":   threadID,
		"checkpoints": infos,
	})
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tools":     s.registry.Metrics(),
		"providers": s.router.Health(),
	})
}

func (s *Server) resetTool(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.registry.Reset(name); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.opts.Logger.Info("tool breaker reset", "tool", name)
	writeJSON(w, http.StatusOK, map[string]string{"tool": name, "status": "reset"})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeRunError maps run-level failures onto HTTP status codes.
func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, provider.ErrProviderUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, engine.ErrPersistence):
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
