package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"os"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"conduit/internal/domain"
	"conduit/internal/infra/config"
	"conduit/internal/infra/middleware"
	"conduit/internal/infra/tracer"
)

// LocalBackends is the set of backends a daemon exposes. The backend
// registry satisfies it.
type LocalBackends interface {
	Get(id string) (domain.Backend, error)
	All() []domain.Backend
	Available(ctx context.Context) []domain.Backend
	Serving(model string) []domain.Backend
}

// Executor runs a prompt on a chosen backend. The fallback resolver
// satisfies it; when nil the backend is called directly.
type Executor interface {
	Execute(ctx context.Context, primary domain.Backend, prompt string, opts domain.ExecuteOptions, onChunk domain.ChunkFunc) (*domain.ExecuteResult, error)
}

// Server is the remote execution daemon.
type Server struct {
	cfg       config.DaemonConfig
	version   string
	backends  LocalBackends
	executor  Executor
	validator *TaskValidator
	bus       domain.EventBus
	logger    *slog.Logger

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
	entropy   io.Reader
}

// NewServer creates a daemon over backends. executor and bus may be nil.
func NewServer(cfg config.DaemonConfig, version string, backends LocalBackends, executor Executor, bus domain.EventBus, logger *slog.Logger) (*Server, error) {
	validator, err := NewTaskValidator()
	if err != nil {
		return nil, err
	}
	if cfg.HostName == "" {
		cfg.HostName, _ = os.Hostname()
	}
	return &Server{
		cfg:       cfg,
		version:   version,
		backends:  backends,
		executor:  executor,
		validator: validator,
		bus:       bus,
		logger:    logger,
		entropy:   ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}, nil
}

// Handler returns the daemon's routes behind its middleware. ctx bounds
// the rate limiter's cleanup goroutine.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+PathHealth, s.handleHealth)
	mux.HandleFunc("POST "+PathHealth, s.handleHealth)
	mux.HandleFunc("POST "+PathExecute, s.handleExecute)

	return middleware.Chain(mux,
		middleware.SecurityHeaders,
		middleware.RateLimit(ctx, middleware.RateLimitConfig{
			RequestsPerSecond: s.cfg.RateLimit.RequestsPerSecond,
			Burst:             s.cfg.RateLimit.Burst,
		}),
		middleware.SharedSecret(s.cfg.Secret),
		middleware.MaxBody(s.cfg.MaxBodyBytes),
	)
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("daemon listen: %w", err)
	}

	srv := &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.boundAddr = listener.Addr().String()
	s.mu.Unlock()

	s.logger.Info("daemon started", "addr", s.BoundAddr(), "host", s.cfg.HostName, "auth", s.cfg.Secret != "")

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("daemon serve: %w", err)
	}
	return nil
}

// Stop shuts the daemon down, cancelling in-flight tasks after a grace
// period.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return srv.Close()
	}
	return nil
}

// BoundAddr returns the listening address. Only valid after Start.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// HostName is the host identity reported on the health path.
func (s *Server) HostName() string { return s.cfg.HostName }

// Health builds the health reply from the current backends.
func (s *Server) Health(ctx context.Context) domain.HealthResponse {
	caps := map[string]bool{
		"streaming": true,
		"fallback":  s.executor != nil,
	}
	var ids, models []string
	for _, b := range s.backends.Available(ctx) {
		d := b.Descriptor()
		ids = append(ids, d.ID)
		models = append(models, d.Models...)
		caps["tool_calls"] = caps["tool_calls"] || d.Capabilities.ToolCalls
		caps["sandbox"] = caps["sandbox"] || d.Capabilities.Sandbox
		caps["resume"] = caps["resume"] || d.Capabilities.Resume
		caps["workspace"] = caps["workspace"] || d.Capabilities.Workspace
	}
	slices.Sort(models)

	return domain.HealthResponse{
		Status:       "ok",
		Host:         s.cfg.HostName,
		OS:           runtime.GOOS,
		Version:      s.version,
		BackendIDs:   ids,
		Models:       slices.Compact(models),
		Capabilities: caps,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Health(r.Context()))
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.reject(w, http.StatusRequestEntityTooLarge, fmt.Errorf("%w: body exceeds %d bytes", domain.ErrInvalidInput, tooLarge.Limit))
			return
		}
		s.reject(w, http.StatusBadRequest, fmt.Errorf("%w: read body: %v", domain.ErrInvalidInput, err))
		return
	}

	req, err := s.validator.Decode(raw)
	if err != nil {
		s.reject(w, http.StatusBadRequest, err)
		return
	}
	if req.TaskID == "" {
		req.TaskID = s.newTaskID()
	}

	b, err := s.selectBackend(r.Context(), req.AgentConfig)
	if err != nil {
		s.reject(w, statusFor(err), err)
		return
	}
	opts, err := fromTaskOptions(req.Options, req.AgentConfig.Model, b.Descriptor().Kind)
	if err != nil {
		s.reject(w, http.StatusBadRequest, err)
		return
	}
	prompt := req.Prompt
	if sp := req.AgentConfig.SystemPrompt; sp != "" {
		if api, ok := opts.Provider.(domain.HostedAPIOptions); ok || (opts.Provider == nil && b.Descriptor().Kind == domain.KindHostedAPI) {
			api.SystemPrompt = sp
			opts.Provider = api
		} else {
			prompt = sp + "\n\n" + prompt
		}
	}

	ctx, span := tracer.StartSpan(r.Context(), "daemon.execute",
		trace.WithAttributes(
			tracer.StringAttr("task.id", req.TaskID),
			tracer.StringAttr("backend.id", b.Descriptor().ID),
			tracer.BoolAttr("task.stream", opts.Stream),
		),
	)
	defer span.End()

	logger := s.logger.With("task_id", req.TaskID, "backend", b.Descriptor().ID)
	logger.Info("task started", "model", opts.Model, "stream", opts.Stream, "remote_addr", middleware.ClientIP(r, nil))
	s.publish(ctx, domain.EventDaemonTaskStarted, req.TaskID, b.Descriptor().ID, nil)

	start := time.Now()
	var res *domain.ExecuteResult
	if opts.Stream {
		res, err = s.stream(ctx, w, b, prompt, opts)
	} else {
		res, err = s.run(ctx, b, prompt, opts, nil)
		if err != nil {
			s.reject(w, statusFor(err), err)
		} else {
			writeJSON(w, http.StatusOK, domain.TaskResult{Status: domain.TaskCompleted, Output: res.Text, Result: res})
		}
	}
	tracer.Finish(span, err)

	if err != nil {
		logger.Warn("task failed", "error", err, "class", domain.Classify(err).String(), "duration", time.Since(start))
	} else {
		logger.Info("task completed", "model", res.ModelUsed, "duration", time.Since(start))
	}
	s.publish(ctx, domain.EventDaemonTaskCompleted, req.TaskID, b.Descriptor().ID, err)
}

// stream writes output events as they arrive, then one terminal event.
// The request context is cancelled when the client disconnects, which
// stops the backend at its next checkpoint.
func (s *Server) stream(ctx context.Context, w http.ResponseWriter, b domain.Backend, prompt string, opts domain.ExecuteOptions) (*domain.ExecuteResult, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		err := fmt.Errorf("%w: response writer cannot stream", domain.ErrProtocol)
		s.reject(w, http.StatusInternalServerError, err)
		return nil, err
	}

	w.Header().Set("Content-Type", contentTypeSSE)
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(ev domain.StreamEvent) {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	res, err := s.run(ctx, b, prompt, opts, func(delta string) {
		send(domain.StreamEvent{Output: delta})
	})
	if err != nil {
		if !domain.IsCancelled(err) {
			send(domain.StreamEvent{Status: domain.TaskError, Error: err.Error(), ErrorCode: domain.ErrorCodeOf(err)})
		}
		return nil, err
	}
	send(domain.StreamEvent{Status: domain.TaskCompleted, Result: res})
	return res, nil
}

func (s *Server) run(ctx context.Context, b domain.Backend, prompt string, opts domain.ExecuteOptions, onChunk domain.ChunkFunc) (*domain.ExecuteResult, error) {
	if s.executor != nil {
		return s.executor.Execute(ctx, b, prompt, opts, onChunk)
	}
	return b.Execute(ctx, prompt, opts, onChunk)
}

// selectBackend honors a requested backend id, then a requested model,
// then takes the first available backend.
func (s *Server) selectBackend(ctx context.Context, ac domain.AgentConfig) (domain.Backend, error) {
	if ac.Backend != "" {
		return s.backends.Get(ac.Backend)
	}
	if ac.Model != "" {
		for _, b := range s.backends.Serving(ac.Model) {
			if b.Available(ctx) {
				return b, nil
			}
		}
		return nil, fmt.Errorf("%w: no local backend serves %q", domain.ErrModelNotFound, ac.Model)
	}
	if avail := s.backends.Available(ctx); len(avail) > 0 {
		return avail[0], nil
	}
	return nil, fmt.Errorf("%w: no local backend available", domain.ErrBackendUnavailable)
}

func (s *Server) reject(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, domain.TaskResult{
		Status:    domain.TaskError,
		Error:     err.Error(),
		ErrorCode: domain.ErrorCodeOf(err),
	})
}

func (s *Server) newTaskID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return "task-" + ulid.MustNew(ulid.Now(), s.entropy).String()
}

func (s *Server) publish(ctx context.Context, t domain.EventType, taskID, backendID string, err error) {
	if s.bus == nil {
		return
	}
	payload := map[string]any{"task_id": taskID, "backend_id": backendID}
	if err != nil {
		payload["error"] = err.Error()
		payload["error_code"] = domain.ErrorCodeOf(err)
	}
	s.bus.Publish(ctx, domain.NewEvent(t, "", payload))
}
