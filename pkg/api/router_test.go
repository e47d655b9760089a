package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polystore/polystore/config"
	"github.com/polystore/polystore/pkg/api/events"
	"github.com/polystore/polystore/pkg/api/handlers"
	"github.com/polystore/polystore/pkg/api/middleware"
	"github.com/polystore/polystore/pkg/api/models"
	"github.com/polystore/polystore/pkg/backend"
	"github.com/polystore/polystore/pkg/backend/memory"
	"github.com/polystore/polystore/pkg/logger"
	"github.com/polystore/polystore/pkg/saga"
	"github.com/polystore/polystore/pkg/transfer"
)

type stack struct {
	orch      *saga.Orchestrator
	transfers *transfer.Manager
	events    *events.Broadcaster
	health    *handlers.HealthHandler
	server    *httptest.Server
}

func newStack(t *testing.T) *stack {
	t.Helper()
	log := logger.Nop()
	b := events.NewBroadcaster()
	orch := saga.NewOrchestrator(saga.WithLogger(log), saga.WithAuditSink(b))
	m, err := transfer.NewManager(orch, memory.NewChunkStore(backend.HashSHA256),
		transfer.WithLogger(log),
		transfer.WithChunkPolicy(transfer.ChunkPolicy{Min: 1, Max: 1024, Default: 64}),
	)
	require.NoError(t, err)

	ws := handlers.NewWebSocketHandler(log, m, handlers.WebSocketConfig{WatchInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	go ws.Forward(ctx, b)

	health := handlers.NewHealthHandler()
	health.SetReady(true)

	cfg := &config.Config{Server: config.ServerConfig{HTTP: config.HTTPConfig{WriteTimeout: 5 * time.Second}}}
	router := NewRouter(cfg, log, &Handlers{
		Saga:      handlers.NewSagaHandler(orch, log),
		Transfer:  handlers.NewTransferHandler(m, log),
		WebSocket: ws,
		Health:    health,
	})
	srv := httptest.NewServer(router)

	t.Cleanup(func() {
		srv.Close()
		ws.Close()
		cancel()
		_ = orch.Close(context.Background())
		b.Close()
	})
	return &stack{orch: orch, transfers: m, events: b, health: health, server: srv}
}

func (s *stack) get(t *testing.T, path string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(s.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func twoStepSaga(t *testing.T, fail bool) *saga.SagaDefinition {
	t.Helper()
	def, err := saga.New("ingest").
		Step("record",
			saga.OnBackend(saga.BackendRelational),
			saga.Action(func(context.Context, *saga.StepContext) (any, error) { return "row-1", nil }),
			saga.Compensate(func(context.Context, *saga.CompensationContext) error { return nil }),
		).
		Step("embed",
			saga.OnBackend(saga.BackendVector),
			saga.Action(func(context.Context, *saga.StepContext) (any, error) {
				if fail {
					return nil, saga.Permanent(assert.AnError)
				}
				return nil, nil
			}),
			saga.Compensate(func(context.Context, *saga.CompensationContext) error { return nil }),
		).
		Build()
	require.NoError(t, err)
	return def
}

func TestNewRouter_NilHandlers(t *testing.T) {
	router := NewRouter(&config.Config{}, logger.Nop(), &Handlers{})
	require.NotNil(t, router)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))
}

func TestRequestTimeout(t *testing.T) {
	cases := []struct {
		name string
		http config.HTTPConfig
		want time.Duration
	}{
		{"write timeout", config.HTTPConfig{WriteTimeout: 10 * time.Second}, 9500 * time.Millisecond},
		{"short write timeout", config.HTTPConfig{WriteTimeout: time.Second}, time.Second},
		{"read fallback", config.HTTPConfig{ReadTimeout: 3 * time.Second}, 3 * time.Second},
		{"disabled", config.HTTPConfig{}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &config.Config{Server: config.ServerConfig{HTTP: tc.http}}
			assert.Equal(t, tc.want, requestTimeout(cfg))
		})
	}
	assert.Equal(t, time.Duration(0), requestTimeout(nil))
}

func TestRouterSagaRoutes(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	ok := twoStepSaga(t, false)
	_, err := s.orch.Execute(ctx, ok)
	require.NoError(t, err)
	bad := twoStepSaga(t, true)
	res, err := s.orch.Execute(ctx, bad)
	require.Error(t, err)
	require.Equal(t, saga.StatusCompensated, res.Status)

	var status models.SagaStatusResponse
	resp := s.get(t, "/api/v1/sagas/"+bad.ID, &status)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, bad.ID, status.SagaID)
	assert.Equal(t, saga.StatusCompensated.String(), status.State)

	var list models.SagaListResponse
	resp = s.get(t, "/api/v1/sagas?status=completed", &list)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, list.Items, 1)
	assert.Equal(t, ok.ID, list.Items[0].SagaID)

	resp, err = http.Post(s.server.URL+"/api/v1/sagas/"+ok.ID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = s.get(t, "/api/v1/sagas/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRouterStreamsSagaEvents(t *testing.T) {
	s := newStack(t)

	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/v1/sagas/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	def := twoStepSaga(t, false)
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe", "saga_id": def.ID}))
	time.Sleep(50 * time.Millisecond)

	_, err = s.orch.Execute(context.Background(), twoStepSaga(t, false))
	require.NoError(t, err)
	_, err = s.orch.Execute(context.Background(), def)
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	seen := map[string]bool{}
	for !seen["saga.saga_completed"] {
		var msg struct {
			Type    string          `json:"type"`
			Payload saga.AuditEvent `json:"payload"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		require.Equal(t, def.ID, msg.Payload.SagaID, "received event for an unsubscribed saga")
		seen[msg.Type] = true
	}
	assert.True(t, seen["saga.saga_started"])
}

func TestRouterTransferRoutes(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	data := bytes.Repeat([]byte("chunk"), 64)
	id, err := s.transfers.BeginTransfer(ctx, transfer.NewBytesSource("mem://blob", data), "blobs/one", 64)
	require.NoError(t, err)
	_, err = s.transfers.Wait(ctx, id)
	require.NoError(t, err)

	var progress models.TransferProgressResponse
	resp := s.get(t, "/api/v1/transfers/"+id, &progress)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, transfer.StatusCompleted, progress.Status)
	assert.Equal(t, 5, progress.ChunkCount)

	var list models.TransferListResponse
	resp = s.get(t, "/api/v1/transfers", &list)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, list.Total)

	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/v1/transfers/" + id + "/watch"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var frame models.TransferEvent
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, transfer.StatusCompleted, frame.Progress.Status)
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestRouterHealth(t *testing.T) {
	s := newStack(t)

	resp := s.get(t, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	s.health.SetReady(false)
	resp = s.get(t, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
