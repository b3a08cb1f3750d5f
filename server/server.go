// server/server.go
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/chhz0/actionq/core"
	"github.com/chhz0/actionq/storage"
	"github.com/chhz0/actionq/types"
)

type Server struct {
	broker     core.Broker
	registry   *core.ActionRegistry
	workerPool *core.WorkerPool
	httpServer *http.Server
	logger     zerolog.Logger

	shutdownTimeout time.Duration
	defaultTimeout  time.Duration
	defaultMaxRetry int
}

type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration
	// 请求未指定时使用
	TaskTimeout time.Duration
	MaxRetry    int
	Logger      zerolog.Logger
}

// NewServer 注册表由调用方创建并填充，server 只负责对外暴露
func NewServer(cfg Config, broker core.Broker, registry *core.ActionRegistry, pool *core.WorkerPool) *Server {
	s := &Server{
		broker:          broker,
		registry:        registry,
		workerPool:      pool,
		logger:          cfg.Logger,
		shutdownTimeout: cfg.ShutdownTimeout,
		defaultTimeout:  cfg.TaskTimeout,
		defaultMaxRetry: cfg.MaxRetry,
	}
	if s.shutdownTimeout <= 0 {
		s.shutdownTimeout = 30 * time.Second
	}
	s.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run 启动 worker 与 HTTP 服务，ctx 结束后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	s.workerPool.Start()

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case runErr = <-serverErr:
	case <-ctx.Done():
	}

	// 优雅关闭
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	s.workerPool.Stop()
	if err := s.broker.Close(); err != nil && runErr == nil {
		runErr = err
	}
	s.logger.Info().Msg("server stopped")
	return runErr
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /actions", s.listActions)
	mux.HandleFunc("POST /tasks", s.submitTask)
	mux.HandleFunc("GET /tasks/{id}", s.getTask)
	mux.HandleFunc("GET /nodes", s.listNodes)

	return mux
}

type actionView struct {
	Action   string `json:"action"`
	Executor string `json:"executor"`
}

func (s *Server) listActions(w http.ResponseWriter, r *http.Request) {
	records := s.registry.Records()
	out := make([]actionView, 0, len(records))
	for _, rec := range records {
		out = append(out, actionView{Action: rec.Action(), Executor: rec.Executor()})
	}
	writeJSON(w, http.StatusOK, out)
}

type submitRequest struct {
	Action   string          `json:"action"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	MaxRetry *int            `json:"max_retry,omitempty"`
	// Go duration 字符串，如 "30s"
	Timeout string `json:"timeout,omitempty"`
	// 集群模式下广播给所有节点
	Distribute bool `json:"distribute,omitempty"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "action is required")
		return
	}

	rec, err := s.registry.Lookup(req.Action)
	if err != nil {
		if types.IsUnknownAction(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	task := &types.Task{
		Action:   rec.Action(),
		Payload:  req.Payload,
		MaxRetry: s.defaultMaxRetry,
		Timeout:  s.defaultTimeout,
		Executor: rec.Executor(),
	}
	if req.MaxRetry != nil {
		if *req.MaxRetry < 0 {
			writeError(w, http.StatusBadRequest, "max_retry must not be negative")
			return
		}
		task.MaxRetry = *req.MaxRetry
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid timeout "+req.Timeout)
			return
		}
		task.Timeout = d
	}

	if req.Distribute {
		task.CreatedAt = time.Now().UTC()
		if err := s.broker.DistributeTask(r.Context(), task); err != nil {
			s.logger.Error().Err(err).Str("action", task.Action).Msg("distribute task")
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, task)
		return
	}

	if err := s.broker.Enqueue(r.Context(), task); err != nil {
		s.logger.Error().Err(err).Str("action", task.Action).Msg("enqueue task")
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.broker.Storage().GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.broker.Nodes(r.Context())
	if err != nil {
		if errors.Is(err, core.ErrClusterDisabled) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.logger.Error().Err(err).Msg("discover nodes")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if nodes == nil {
		nodes = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"nodes": nodes})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
