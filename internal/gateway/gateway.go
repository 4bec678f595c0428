// Package gateway serves the operator HTTP API: health, Prometheus
// metrics, inbound events, approvals, proposals, settings, guardrails and a
// websocket event feed.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/grail/internal/approvals"
	"github.com/basket/grail/internal/bus"
	"github.com/basket/grail/internal/engine"
	"github.com/basket/grail/internal/intake"
	grailotel "github.com/basket/grail/internal/otel"
	"github.com/basket/grail/internal/persistence"
	"github.com/basket/grail/internal/policy"
)

const defaultMaxBodyBytes = 1 << 20

type Config struct {
	Store     *persistence.Store
	Intake    *intake.Service
	Approvals *approvals.Workflow
	Bus       *bus.Bus
	Policy    *policy.LivePolicy
	Logger    *slog.Logger

	// AuthToken guards everything except /healthz and /metrics. Empty
	// means the API rejects every request.
	AuthToken string
	// AllowOrigins lists extra Origin patterns accepted on /ws.
	AllowOrigins []string
	RateLimit    RateLimitConfig
	MaxBodyBytes int64

	Tracer       trace.Tracer
	Metrics      *grailotel.Metrics
	WorkerStatus func() engine.Status
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	limiter *RateLimiter
	prom    *promMetrics
}

func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("gateway: store is required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Tracer == nil {
		cfg.Tracer = grailotel.Noop().Tracer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		limiter: NewRateLimiter(cfg.RateLimit),
		prom:    newPromMetrics(cfg.Store),
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.prom.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("POST /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("GET /api/approvals", s.handleListApprovals)
	mux.HandleFunc("GET /api/approvals/{id}", s.handleGetApproval)
	mux.HandleFunc("POST /api/approvals/{id}/resolve", s.handleResolve)
	mux.HandleFunc("POST /api/proposals", s.handlePropose)
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", s.handlePutSettings)
	mux.HandleFunc("GET /api/guardrails", s.handleListGuardrails)
	mux.HandleFunc("POST /api/guardrails", s.handleAddGuardrail)
	mux.HandleFunc("POST /api/guardrails/{id}/enabled", s.handleSetGuardrailEnabled)
	mux.HandleFunc("GET /api/cron", s.handleListCron)
	mux.HandleFunc("POST /api/cron/{id}/enabled", s.handleSetCronEnabled)

	var h http.Handler = mux
	h = requestSizeLimit(s.cfg.MaxBodyBytes, h)
	h = s.rateLimit(h)
	h = authMiddleware(s.cfg.AuthToken, h)
	return s.instrument(h)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go s.limiter.RunEviction(ctx, time.Minute, 10*time.Minute)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("gateway listen: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("gateway shutdown: %w", err)
		}
		return nil
	}
}

// statusRecorder captures the response code. It forwards Hijack so the
// websocket upgrade still works behind it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := grailotel.StartServerSpan(r.Context(), s.cfg.Tracer, "http "+r.Method,
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		r = r.WithContext(ctx)
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		span.SetAttributes(attribute.String("http.route", route), attribute.Int("http.status_code", rec.status))
		s.prom.requests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		s.prom.latency.WithLabelValues(route).Observe(elapsed.Seconds())
		s.cfg.Metrics.RecordRequest(ctx, elapsed, route, rec.status)
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// internalError logs the cause and returns a generic message.
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	payload := map[string]any{}
	dbOK := s.cfg.Store.Ping(ctx) == nil
	payload["db_ok"] = dbOK
	if dbOK {
		if depth, err := s.cfg.Store.QueueDepth(ctx); err == nil {
			payload["queue_depth"] = depth
		}
		if pending, err := s.cfg.Store.PendingApprovalCount(ctx); err == nil {
			payload["pending_approvals"] = pending
		}
	}
	if s.cfg.Policy != nil {
		payload["policy_version"] = s.cfg.Policy.PolicyVersion()
	}
	if s.cfg.WorkerStatus != nil {
		payload["worker"] = s.cfg.WorkerStatus()
	}
	payload["healthy"] = dbOK
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}
