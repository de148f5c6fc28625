package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hupe1980/agentcore/checkpoint"
	"github.com/hupe1980/agentcore/core"
	"github.com/hupe1980/agentcore/engine"
	"github.com/hupe1980/agentcore/provider"
	"github.com/hupe1980/agentcore/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, model *provider.MockModel) (*Server, *tool.Registry) {
	t.Helper()
	store := checkpoint.NewInMemoryStore()
	registry := tool.NewRegistry()
	router := provider.NewRouter()
	require.NoError(t, router.Register("primary", provider.TierStandard, model))
	eng := engine.New(store, registry, router)
	return New(eng, store, registry, router), registry
}

func TestServer_ExecuteTask(t *testing.T) {
	model := provider.NewMockModel("m")
	model.Enqueue(provider.MockStep{Text: "hello back"})
	srv, _ := newTestServer(t, model)

	body, _ := json.Marshal(map[string]string{"query": "hello"})
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewReader(body))
	req.Header.Set(threadIDHeader, "thread-1")
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp taskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "thread-1", resp.ThreadID)
	assert.Equal(t, "hello back", resp.Result)
	assert.Equal(t, string(core.StatusDone), resp.Status)
	assert.Equal(t, 1, resp.Checkpoints)
}

func TestServer_ExecuteTaskGeneratesThreadID(t *testing.T) {
	model := provider.NewMockModel("m")
	model.Enqueue(provider.MockStep{Text: "ok"})
	srv, _ := newTestServer(t, model)

	body, _ := json.Marshal(map[string]string{"query": "hello"})
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp taskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ThreadID)
}

func TestServer_ExecuteTaskRequiresQuery(t *testing.T) {
	srv, _ := newTestServer(t, provider.NewMockModel("m"))

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_StreamTask(t *testing.T) {
	model := provider.NewMockModel("m")
	model.Enqueue(provider.MockStep{Text: "hi"})
	srv, _ := newTestServer(t, model)

	body, _ := json.Marshal(map[string]string{"query": "hello", "thread_id": "thread-1"})
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks/stream", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	payload := rec.Body.String()
	assert.Contains(t, payload, "event: chunk")
	assert.Contains(t, payload, `"is_final":true`)
	assert.Contains(t, payload, "hi")
}

func TestServer_ListCheckpoints(t *testing.T) {
	model := provider.NewMockModel("m")
	model.Enqueue(provider.MockStep{Text: "done"})
	srv, _ := newTestServer(t, model)

	body, _ := json.Marshal(map[string]string{"query": "hello", "thread_id": "thread-1"})
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/threads/thread-1/checkpoints", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		ThreadID    string           `json:"thread_id"`
		Checkpoints []checkpointInfo `json:"checkpoints"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Checkpoints, 1)
	assert.Equal(t, string(core.StatusDone), resp.Checkpoints[0].Status)
}

func TestServer_ListCheckpointsUnknownThread(t *testing.T) {
	srv, _ := newTestServer(t, provider.NewMockModel("m"))

	req := httptest.NewRequest(http.MethodGet, "/v1/threads/nope/checkpoints", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_MetricsAndReset(t *testing.T) {
	model := provider.NewMockModel("m")
	srv, registry := newTestServer(t, model)
	require.NoError(t, registry.Register(tool.NewFunctionTool(
		"noop", "does nothing", map[string]any{"type": "object"},
		func(context.Context, map[string]any) (any, error) { return "ok", nil },
	)))

	req := httptest.NewRequest(http.MethodGet, "/v1/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "noop")
	assert.Contains(t, rec.Body.String(), "primary")

	req = httptest.NewRequest(http.MethodPost, "/v1/tools/noop/reset", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/tools/unknown/reset", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Healthz(t *testing.T) {
	srv, _ := newTestServer(t, provider.NewMockModel("m"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
