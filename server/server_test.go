package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chhz0/actionq/core"
	"github.com/chhz0/actionq/retry"
	"github.com/chhz0/actionq/storage"
	"github.com/chhz0/actionq/types"
)

type fixture struct {
	srv      *Server
	broker   *core.HybridBroker
	registry *core.ActionRegistry
	pool     *core.WorkerPool
}

func newFixture(t *testing.T, poolOpts ...core.PoolOption) *fixture {
	t.Helper()

	broker, err := core.NewHybridBroker(storage.NewMemoryStorage(), 16, core.WithSyncInterval(10*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = broker.Close() })

	registry := core.NewActionRegistry()
	registry.Register("reindex", core.TaskHandler(func(context.Context, *types.Task) error { return nil }), core.ExecutorManagement)
	registry.Register("echo", core.TaskHandler(func(context.Context, *types.Task) error { return nil }), core.ExecutorGeneric)

	executors, err := core.NewExecutors(core.DefaultExecutorSizes())
	require.NoError(t, err)
	pool := core.NewWorkerPool(broker, registry, executors, 2, poolOpts...)

	srv := NewServer(Config{
		HTTPAddr:    "127.0.0.1:0",
		TaskTimeout: time.Second,
		MaxRetry:    1,
		Logger:      zerolog.Nop(),
	}, broker, registry, pool)
	return &fixture{srv: srv, broker: broker, registry: registry, pool: pool}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.srv.Routes().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "actionq_registry_actions")
}

func TestListActions(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/actions", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []actionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, []actionView{
		{Action: "echo", Executor: core.ExecutorGeneric},
		{Action: "reindex", Executor: core.ExecutorManagement},
	}, got)
}

func TestSubmitTask_UnknownAction(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/tasks", `{"action":"never-registered"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown action [never-registered]")
}

func TestSubmitTask_BadRequests(t *testing.T) {
	f := newFixture(t)
	tests := map[string]string{
		"not json":         `nope`,
		"missing action":   `{}`,
		"negative retries": `{"action":"echo","max_retry":-1}`,
		"bad timeout":      `{"action":"echo","timeout":"soon"}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/tasks", body).Code)
		})
	}
}

func TestSubmitAndGetTask(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/tasks", `{"action":"reindex","payload":{"index":"logs"},"timeout":"5s","max_retry":4}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created types.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "reindex", created.Action)
	assert.Equal(t, core.ExecutorManagement, created.Executor)
	assert.Equal(t, 5*time.Second, created.Timeout)
	assert.Equal(t, 4, created.MaxRetry)
	assert.JSONEq(t, `{"index":"logs"}`, string(created.Payload))

	rec = f.do(t, http.MethodGet, "/tasks/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/tasks/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitTask_ProcessedByWorkers(t *testing.T) {
	f := newFixture(t)
	f.pool.Start()
	defer f.pool.Stop()

	rec := f.do(t, http.MethodPost, "/tasks", `{"action":"echo"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created types.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	require.Eventually(t, func() bool {
		task, err := f.broker.Storage().GetTask(context.Background(), created.ID)
		return err == nil && task.Status == types.StatusSuccess
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSubmitTask_DistributeWithoutCluster(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/tasks", `{"action":"echo","distribute":true}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "cluster mode not enabled")
}

func TestSubmitTask_MaxRetryAboveDefault(t *testing.T) {
	// 服务端默认 MaxRetry 为 1，请求里的 max_retry 不能被它截断
	f := newFixture(t, core.WithRetryManager(retry.NewRetryManager(&retry.FixedInterval{Interval: time.Millisecond})))
	f.registry.Register("broken", core.TaskHandler(func(context.Context, *types.Task) error {
		return errors.New("always")
	}), core.ExecutorGeneric)
	f.pool.Start()
	defer f.pool.Stop()

	rec := f.do(t, http.MethodPost, "/tasks", `{"action":"broken","max_retry":4}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created types.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	var last *types.Task
	require.Eventually(t, func() bool {
		task, err := f.broker.Storage().GetTask(context.Background(), created.ID)
		if err != nil {
			return false
		}
		last = task
		return task.Status == types.StatusFailed
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 4, last.Retries)
}

func TestListNodes_WithoutCluster(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/nodes", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), core.ErrClusterDisabled.Error())
}
