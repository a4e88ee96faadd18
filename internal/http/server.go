// Package http provides the host-facing HTTP API server.
package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"relaygate/internal/cache"
	"relaygate/internal/config"
	"relaygate/internal/domain"
	"relaygate/internal/orchestrator"
	"relaygate/internal/pipeline"
	"relaygate/internal/resilience"
	"relaygate/internal/telemetry"
)

// defaultOperation is the circuit breaker key for orchestrate requests that
// name no operation of their own.
const defaultOperation = "orchestrate"

// RateLimitChecker is supplied by the host application. RelayGate consumes
// the decision; it never makes one.
type RateLimitChecker func(r *http.Request) (allowed bool, retryAfter time.Duration)

// Server is the HTTP API server.
type Server struct {
	config    *config.Config
	orch      *orchestrator.Orchestrator
	twoTier   *orchestrator.TwoTierFallback
	pipe      *pipeline.Pipeline
	store     cache.Store
	breaker   *resilience.Breaker
	retry     resilience.Policy
	metrics   *telemetry.Metrics
	rateLimit RateLimitChecker
	logger    *slog.Logger
	mux       *http.ServeMux
}

// NewServer creates the API server. twoTier, store, breaker, metrics, and
// rateLimit may be nil; the corresponding features degrade gracefully.
func NewServer(
	cfg *config.Config,
	orch *orchestrator.Orchestrator,
	twoTier *orchestrator.TwoTierFallback,
	pipe *pipeline.Pipeline,
	store cache.Store,
	breaker *resilience.Breaker,
	retry resilience.Policy,
	metrics *telemetry.Metrics,
	rateLimit RateLimitChecker,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:    cfg,
		orch:      orch,
		twoTier:   twoTier,
		pipe:      pipe,
		store:     store,
		breaker:   breaker,
		retry:     retry,
		metrics:   metrics,
		rateLimit: rateLimit,
		logger:    logger,
		mux:       http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /v1/orchestrate", s.withRateLimit(s.handleOrchestrate))
	s.mux.HandleFunc("POST /v1/extract", s.withRateLimit(s.handleExtract))
	s.mux.HandleFunc("GET /v1/cache/stats", s.handleCacheStats)
	s.mux.HandleFunc("POST /v1/cache/invalidate", s.handleCacheInvalidate)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.config.Telemetry.Enabled {
		s.mux.Handle("GET /metrics", telemetry.Handler())
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe runs the server until it fails.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.BindAddress, s.config.Server.HTTPPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}
	s.logger.Info("http server listening", "addr", addr)
	return srv.ListenAndServe()
}

func (s *Server) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimit != nil {
			allowed, retryAfter := s.rateLimit(r)
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds()+0.5)))
				}
				s.writeError(w, http.StatusTooManyRequests, "rate_limited",
					"Too many requests. Please slow down and try again.")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	body := http.MaxBytesReader(w, r.Body, s.config.Server.MaxRequestSize)
	var wireReq OrchestrateRequest
	if err := json.NewDecoder(body).Decode(&wireReq); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	req, err := wireReq.ToDomain(uuid.NewString())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	operation := wireReq.Operation
	if operation == "" {
		operation = defaultOperation
	}
	policy := wireReq.Retry.apply(s.retry)

	if wireReq.Stream {
		s.streamOrchestrate(w, r, req, wireReq.TwoTier, operation)
		s.observe("/v1/orchestrate", "200", started)
		return
	}

	// The orchestration pass runs under the breaker and the retry policy, so
	// repeated upstream failures open the circuit for this operation and
	// callers are refused fast instead of burning provider attempts.
	var resp *domain.Response
	attempt := func() error {
		var aerr error
		if wireReq.TwoTier && s.twoTier != nil {
			resp, aerr = s.twoTier.Complete(r.Context(), req)
		} else {
			resp, aerr = s.orch.Complete(r.Context(), req)
		}
		return aerr
	}
	if s.breaker != nil {
		err = resilience.Guarded(r.Context(), policy, s.breaker, operation, attempt)
	} else {
		err = resilience.Retry(r.Context(), policy, attempt)
	}
	if err != nil {
		status := s.writeClassifiedError(w, err)
		s.observe("/v1/orchestrate", strconv.Itoa(status), started)
		return
	}

	if s.metrics != nil && resp.Usage != nil {
		s.metrics.RecordProviderCall(string(resp.Provider), resp.Model,
			time.Duration(resp.LatencyMs)*time.Millisecond, resp.CostUSD,
			int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens))
	}

	s.writeJSON(w, http.StatusOK, resp)
	s.observe("/v1/orchestrate", "200", started)
}

func (s *Server) streamOrchestrate(w http.ResponseWriter, r *http.Request, req *domain.Request, twoTier bool, operation string) {
	// A stream cannot be retried once bytes have gone out, so the breaker
	// guards stream establishment only: admission up front, outcome recorded
	// from whether the upstream accepted the request.
	var adm resilience.Admission
	if s.breaker != nil {
		var err error
		adm, err = s.breaker.Check(r.Context(), operation)
		if err != nil {
			s.writeClassifiedError(w, err)
			return
		}
	}

	var events <-chan domain.StreamEvent
	var servedBy domain.Provider
	var err error

	if twoTier && s.twoTier != nil {
		events, err = s.twoTier.Stream(r.Context(), req)
	} else {
		events, servedBy, err = s.orch.Stream(r.Context(), req)
	}
	if err != nil {
		if s.breaker != nil {
			s.breaker.RecordFailure(r.Context(), adm)
		}
		s.writeClassifiedError(w, err)
		return
	}
	if s.breaker != nil {
		s.breaker.RecordSuccess(r.Context(), adm)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "server_error", "Streaming not supported")
		return
	}

	model := req.Model
	if model == "" {
		model = string(servedBy)
	}
	translator := orchestrator.NewStreamTranslator(model)

	for event := range events {
		if failover, ok := event.(domain.FailoverEvent); ok {
			// Failover markers ride as SSE comments so strict chunk parsers
			// skip them while curious clients still see the switch.
			fmt.Fprintf(w, ": failover from=%s to=%s reason=%s\n\n", failover.From, failover.To, failover.Reason)
			flusher.Flush()
			if s.metrics != nil {
				s.metrics.RecordFailover(string(failover.From), string(failover.To), failover.Reason)
			}
			continue
		}

		if errEvent, ok := event.(domain.ErrorEvent); ok {
			s.logger.Warn("stream error event", "class", errEvent.Class, "message", errEvent.Message)
			fmt.Fprintf(w, ": error class=%s\n\n", errEvent.Class)
			flusher.Flush()
			continue
		}

		frame, ok, terr := translator.Translate(event)
		if terr != nil {
			s.logger.Warn("stream translation failed", "error", terr)
			continue
		}
		if !ok {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", frame)
		flusher.Flush()
	}

	io.WriteString(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	if s.pipe == nil {
		s.writeError(w, http.StatusNotImplemented, "not_configured", "Document extraction is not configured")
		return
	}

	req, err := s.decodeExtractRequest(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		s.observe("/v1/extract", "400", started)
		return
	}

	result, err := s.pipe.Process(r.Context(), *req)
	if err != nil {
		if s.metrics != nil {
			s.metrics.PipelineRuns.WithLabelValues(req.Pipeline, "error").Inc()
		}
		status := s.writeClassifiedError(w, err)
		s.observe("/v1/extract", strconv.Itoa(status), started)
		return
	}

	if s.metrics != nil {
		name := result.Pipeline
		if name == "" {
			name = pipeline.DefaultName
		}
		s.metrics.PipelineRuns.WithLabelValues(name, "success").Inc()
		s.metrics.PipelineDuration.WithLabelValues(name).Observe(result.Duration.Seconds())
	}

	s.writeJSON(w, http.StatusOK, ExtractResponse{
		Fields:     result.Fields,
		Provider:   result.Provider,
		Model:      result.Model,
		Validated:  result.Validated,
		Cached:     result.Cached,
		Pipeline:   result.Pipeline,
		TokensUsed: result.TokensUsed,
		DurationMs: result.Duration.Milliseconds(),
	})
	s.observe("/v1/extract", "200", started)
}

// decodeExtractRequest accepts either a JSON body with base64 source bytes or
// a multipart form with the document in the "file" part.
func (s *Server) decodeExtractRequest(r *http.Request) (*pipeline.Request, error) {
	contentType := r.Header.Get("Content-Type")

	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(s.config.Server.MaxRequestSize); err != nil {
			return nil, fmt.Errorf("parsing multipart form: %w", err)
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, fmt.Errorf("missing file part")
		}
		defer file.Close()

		source, err := io.ReadAll(io.LimitReader(file, s.config.Server.MaxRequestSize))
		if err != nil {
			return nil, fmt.Errorf("reading file: %w", err)
		}

		req := &pipeline.Request{
			Source:         source,
			CallerID:       r.FormValue("caller_id"),
			Pipeline:       r.FormValue("pipeline"),
			Instructions:   r.FormValue("instructions"),
			ForceReprocess: r.FormValue("force_reprocess") == "true",
		}
		if schemaJSON := r.FormValue("schema"); schemaJSON != "" {
			if err := json.Unmarshal([]byte(schemaJSON), &req.Schema); err != nil {
				return nil, fmt.Errorf("invalid schema: %w", err)
			}
		}
		return req, nil
	}

	body := http.MaxBytesReader(nil, r.Body, s.config.Server.MaxRequestSize)
	var wireReq ExtractRequest
	if err := json.NewDecoder(body).Decode(&wireReq); err != nil {
		return nil, fmt.Errorf("invalid JSON body")
	}
	if wireReq.Source == "" {
		return nil, fmt.Errorf("source is required")
	}
	source, err := decodeBase64(wireReq.Source)
	if err != nil {
		return nil, fmt.Errorf("source is not valid base64")
	}

	return &pipeline.Request{
		Source:         source,
		CallerID:       wireReq.CallerID,
		Pipeline:       wireReq.Pipeline,
		Schema:         wireReq.Schema,
		Instructions:   wireReq.Instructions,
		ForceReprocess: wireReq.ForceReprocess,
	}, nil
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusNotImplemented, "not_configured", "Caching is not configured")
		return
	}

	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Warn("cache stats failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "cache_error", "Cache statistics are unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusNotImplemented, "not_configured", "Caching is not configured")
		return
	}

	var req InvalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	var removed int64
	var err error
	switch {
	case req.CacheKey != "" && req.Function != "":
		s.writeError(w, http.StatusBadRequest, "invalid_request", "Set cache_key or function, not both")
		return
	case req.CacheKey != "":
		removed, err = s.store.Invalidate(r.Context(), req.CacheKey)
	case req.Function != "":
		removed, err = s.store.InvalidateByFunction(r.Context(), req.Function)
	default:
		s.writeError(w, http.StatusBadRequest, "invalid_request", "cache_key or function is required")
		return
	}

	if err != nil {
		s.logger.Warn("cache invalidation failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "cache_error", "Invalidation failed")
		return
	}
	s.writeJSON(w, http.StatusOK, InvalidateResponse{Removed: removed})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeClassifiedError maps the failure taxonomy onto HTTP statuses and
// returns the status written. Callers see actionable messages, never provider
// internals.
func (s *Server) writeClassifiedError(w http.ResponseWriter, err error) int {
	class := domain.ClassOf(err)
	message := domain.UserMessage(err)

	var status int
	switch class {
	case domain.ClassRateLimited:
		status = http.StatusTooManyRequests
	case domain.ClassQuota:
		status = http.StatusPaymentRequired
	case domain.ClassCircuitOpen:
		status = http.StatusServiceUnavailable
		var coe *domain.CircuitOpenError
		if errors.As(err, &coe) && coe.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(coe.RetryAfter.Seconds()+0.5)))
		}
	case domain.ClassUnavailable:
		status = http.StatusBadGateway
	case domain.ClassExtraction, domain.ClassMalformed:
		status = http.StatusUnprocessableEntity
	default:
		status = http.StatusInternalServerError
	}

	s.logger.Warn("request failed", "class", class, "status", status, "error", err)
	s.writeError(w, status, string(class), message)
	return status
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, errType, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Type: errType, Message: message}})
}

func (s *Server) observe(endpoint, status string, started time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.RequestsTotal.WithLabelValues(endpoint, status).Inc()
	s.metrics.RequestDuration.WithLabelValues(endpoint).Observe(time.Since(started).Seconds())
}
