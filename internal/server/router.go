package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/l0p7/bankbridge/internal/runtime"
	"github.com/l0p7/bankbridge/internal/runtime/bridge"
	"github.com/l0p7/bankbridge/internal/runtime/cache"
	"github.com/l0p7/bankbridge/internal/runtime/health"
	"github.com/l0p7/bankbridge/internal/runtime/pipeline"
	"github.com/l0p7/bankbridge/internal/runtime/resilience"
	"github.com/l0p7/bankbridge/internal/runtime/validator"
)

const maxBodyBytes = 4 << 20

// Service is the runtime surface the router exposes over HTTP.
type Service interface {
	CreateBank(context.Context, pipeline.CreateBankRequest) (pipeline.CreateBankResponse, error)
	ListBanks(ctx context.Context, includeStats bool) (pipeline.ListBanksResponse, error)
	GetStats(ctx context.Context, name string) (pipeline.BankStats, error)
	AddContent(context.Context, pipeline.AddContentRequest) (pipeline.AddContentResponse, error)
	CleanupInvalidBanks(ctx context.Context, dryRun bool) (validator.CleanupResult, error)
	Search(context.Context, pipeline.SearchRequest) (pipeline.SearchResponse, error)
	GetContext(context.Context, pipeline.ContextRequest) (pipeline.ContextResponse, error)
	HealthSnapshot(ctx context.Context, detailed bool) runtime.HealthReport
	Diagnostics(context.Context) runtime.Diagnostics
	CircuitBreakerStatus() resilience.BreakerStatus
	ResetCircuitBreaker(context.Context) resilience.BreakerStatus
	RestartWorker(context.Context) (bridge.Status, error)
	CacheStats(context.Context) (cache.Stats, error)
	OptimizeCache(context.Context) (cache.OptimizeResult, error)
	ClearCache(context.Context) error
}

// HandlerOptions configures NewHandler.
type HandlerOptions struct {
	Logger            *slog.Logger
	CorrelationHeader string
	// Metrics, when set, is served on GET /metrics.
	Metrics http.Handler
}

type router struct {
	svc    Service
	logger *slog.Logger
	header string
}

// NewHandler routes the bank, search and operational endpoints to svc. Every
// response carries a correlation id, taken from the request when present.
func NewHandler(svc Service, opts HandlerOptions) http.Handler {
	if svc == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		})
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	header := strings.TrimSpace(opts.CorrelationHeader)
	if header == "" {
		header = "X-Request-ID"
	}
	rt := &router{svc: svc, logger: logger.With(slog.String("agent", "http")), header: header}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /banks", rt.createBank)
	mux.HandleFunc("GET /banks", rt.listBanks)
	mux.HandleFunc("POST /banks/cleanup", rt.cleanupBanks)
	mux.HandleFunc("GET /banks/{name}/stats", rt.bankStats)
	mux.HandleFunc("POST /banks/{name}/content", rt.addContent)
	mux.HandleFunc("POST /search", rt.search)
	mux.HandleFunc("POST /context", rt.context)
	mux.HandleFunc("GET /healthz", rt.health)
	mux.HandleFunc("GET /diagnostics", rt.diagnostics)
	mux.HandleFunc("GET /circuit-breaker", rt.breakerStatus)
	mux.HandleFunc("POST /circuit-breaker/reset", rt.breakerReset)
	mux.HandleFunc("POST /worker/restart", rt.restartWorker)
	mux.HandleFunc("GET /cache/stats", rt.cacheStats)
	mux.HandleFunc("POST /cache/optimize", rt.cacheOptimize)
	mux.HandleFunc("DELETE /cache", rt.cacheClear)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	return rt.middleware(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (rt *router) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := strings.TrimSpace(r.Header.Get(rt.header))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(rt.header, id)
		r = r.WithContext(runtime.WithCorrelationID(r.Context(), id))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			level = slog.LevelDebug
		}
		rt.logger.LogAttrs(r.Context(), level, "request served",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Float64("latency_ms", float64(time.Since(start))/float64(time.Millisecond)),
			slog.String("correlation_id", id),
		)
	})
}

func (rt *router) createBank(w http.ResponseWriter, r *http.Request) {
	var req pipeline.CreateBankRequest
	if !rt.decode(w, r, &req) {
		return
	}
	resp, err := rt.svc.CreateBank(r.Context(), req)
	rt.reply(w, r, http.StatusCreated, resp, err)
}

func (rt *router) listBanks(w http.ResponseWriter, r *http.Request) {
	resp, err := rt.svc.ListBanks(r.Context(), queryBool(r, "include_stats"))
	rt.reply(w, r, http.StatusOK, resp, err)
}

func (rt *router) cleanupBanks(w http.ResponseWriter, r *http.Request) {
	resp, err := rt.svc.CleanupInvalidBanks(r.Context(), queryBool(r, "dry_run"))
	rt.reply(w, r, http.StatusOK, resp, err)
}

func (rt *router) bankStats(w http.ResponseWriter, r *http.Request) {
	resp, err := rt.svc.GetStats(r.Context(), r.PathValue("name"))
	rt.reply(w, r, http.StatusOK, resp, err)
}

func (rt *router) addContent(w http.ResponseWriter, r *http.Request) {
	var req pipeline.AddContentRequest
	if !rt.decode(w, r, &req) {
		return
	}
	req.Bank = r.PathValue("name")
	resp, err := rt.svc.AddContent(r.Context(), req)
	rt.reply(w, r, http.StatusOK, resp, err)
}

func (rt *router) search(w http.ResponseWriter, r *http.Request) {
	var req pipeline.SearchRequest
	if !rt.decode(w, r, &req) {
		return
	}
	resp, err := rt.svc.Search(r.Context(), req)
	rt.reply(w, r, http.StatusOK, resp, err)
}

func (rt *router) context(w http.ResponseWriter, r *http.Request) {
	var req pipeline.ContextRequest
	if !rt.decode(w, r, &req) {
		return
	}
	resp, err := rt.svc.GetContext(r.Context(), req)
	rt.reply(w, r, http.StatusOK, resp, err)
}

// health answers 503 unless the service is healthy or degraded so load
// balancers can act on the status code alone.
func (rt *router) health(w http.ResponseWriter, r *http.Request) {
	report := rt.svc.HealthSnapshot(r.Context(), queryBool(r, "detailed"))
	status := http.StatusOK
	if report.Status != health.StatusHealthy && report.Status != health.StatusDegraded {
		status = http.StatusServiceUnavailable
	}
	rt.writeJSON(w, r, status, report)
}

func (rt *router) diagnostics(w http.ResponseWriter, r *http.Request) {
	rt.writeJSON(w, r, http.StatusOK, rt.svc.Diagnostics(r.Context()))
}

func (rt *router) breakerStatus(w http.ResponseWriter, r *http.Request) {
	rt.writeJSON(w, r, http.StatusOK, rt.svc.CircuitBreakerStatus())
}

func (rt *router) breakerReset(w http.ResponseWriter, r *http.Request) {
	rt.writeJSON(w, r, http.StatusOK, rt.svc.ResetCircuitBreaker(r.Context()))
}

func (rt *router) restartWorker(w http.ResponseWriter, r *http.Request) {
	resp, err := rt.svc.RestartWorker(r.Context())
	rt.reply(w, r, http.StatusOK, resp, err)
}

func (rt *router) cacheStats(w http.ResponseWriter, r *http.Request) {
	resp, err := rt.svc.CacheStats(r.Context())
	rt.reply(w, r, http.StatusOK, resp, err)
}

func (rt *router) cacheOptimize(w http.ResponseWriter, r *http.Request) {
	resp, err := rt.svc.OptimizeCache(r.Context())
	rt.reply(w, r, http.StatusOK, resp, err)
}

func (rt *router) cacheClear(w http.ResponseWriter, r *http.Request) {
	if err := rt.svc.ClearCache(r.Context()); err != nil {
		rt.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *router) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		rt.writeError(w, r, resilience.Wrap(resilience.KindInvalidParameters, resilience.SeverityLow,
			"Request body is not valid JSON", "Send a JSON object matching the operation", err))
		return false
	}
	return true
}

func (rt *router) reply(w http.ResponseWriter, r *http.Request, status int, body any, err error) {
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	rt.writeJSON(w, r, status, body)
}

type errorBody struct {
	Error *resilience.Error `json:"error"`
}

func (rt *router) writeError(w http.ResponseWriter, r *http.Request, err error) {
	classified := resilience.Classify(err)
	status := StatusFor(classified)
	if status >= http.StatusInternalServerError {
		rt.logger.ErrorContext(r.Context(), "request failed", slog.String("kind", string(classified.Kind)), slog.String("detail", classified.TechnicalDetail))
	}
	rt.writeJSON(w, r, status, errorBody{Error: classified})
}

func (rt *router) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		rt.logger.ErrorContext(r.Context(), "response encode failed", slog.Any("error", err))
	}
}

// StatusFor maps a classified error onto an HTTP status by category.
func StatusFor(err *resilience.Error) int {
	if err == nil {
		return http.StatusOK
	}
	switch err.Kind.Category() {
	case resilience.CategoryConfiguration:
		switch err.Kind {
		case resilience.KindMemoryBankNotFound:
			return http.StatusNotFound
		case resilience.KindBankExists:
			return http.StatusConflict
		default:
			return http.StatusBadRequest
		}
	case resilience.CategoryTransient:
		return http.StatusServiceUnavailable
	case resilience.CategorySystem:
		return http.StatusInternalServerError
	default:
		if errors.Is(err, context.Canceled) {
			// The client went away; nginx's convention.
			return 499
		}
		return http.StatusUnprocessableEntity
	}
}

func queryBool(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}
