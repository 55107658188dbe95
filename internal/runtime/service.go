package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/l0p7/bankbridge/internal/config"
	"github.com/l0p7/bankbridge/internal/expr"
	"github.com/l0p7/bankbridge/internal/runtime/bridge"
	"github.com/l0p7/bankbridge/internal/runtime/cache"
	"github.com/l0p7/bankbridge/internal/runtime/health"
	"github.com/l0p7/bankbridge/internal/runtime/pipeline"
	"github.com/l0p7/bankbridge/internal/runtime/registry"
	"github.com/l0p7/bankbridge/internal/runtime/resilience"
	"github.com/l0p7/bankbridge/internal/runtime/validator"
	"github.com/l0p7/bankbridge/internal/templates"
)

// Worker is the slice of the bridge the service drives.
type Worker interface {
	Initialize(ctx context.Context) error
	CallJSON(ctx context.Context, method string, params any, timeout time.Duration, out any) error
	Ping(ctx context.Context) bool
	Restart(ctx context.Context) error
	Close(ctx context.Context) error
	Status() bridge.Status
}

// ServiceOptions wires the collaborators a Service composes. Worker,
// Resilience, Validator, Registry and Cache are required; Monitor may be nil
// when health monitoring is disabled.
type ServiceOptions struct {
	Worker     Worker
	Resilience *resilience.Manager
	Validator  *validator.Validator
	Registry   *registry.Registry
	Cache      cache.SearchCache
	Monitor    *health.Monitor

	Search          config.SearchConfig
	Encoding        config.WorkerConfig
	TemplateSandbox *templates.Sandbox
	Clock           func() time.Time
}

// Service implements the outward bank operations on top of the worker bridge
// and its reliability layer.
type Service struct {
	logger     *slog.Logger
	worker     Worker
	resilience *resilience.Manager
	validator  *validator.Validator
	registry   *registry.Registry
	cache      cache.SearchCache
	monitor    *health.Monitor
	exprs      *expr.Environment
	block      *templates.Template

	search      config.SearchConfig
	encoding    config.WorkerConfig
	callTimeout time.Duration
	clock       func() time.Time
	startedAt   time.Time
}

type correlationContextKey struct{}

// WithCorrelationID tags ctx so service logs can be joined with request logs.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if strings.TrimSpace(id) == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationContextKey{}, id)
}

// CorrelationID returns the id stored by WithCorrelationID.
func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationContextKey{}).(string)
	return id
}

// NewService validates the wiring and prepares the filter expression
// environment and the context block template.
func NewService(logger *slog.Logger, opts ServiceOptions) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch {
	case opts.Worker == nil:
		return nil, errors.New("runtime: worker required")
	case opts.Resilience == nil:
		return nil, errors.New("runtime: resilience manager required")
	case opts.Validator == nil:
		return nil, errors.New("runtime: validator required")
	case opts.Registry == nil:
		return nil, errors.New("runtime: registry required")
	case opts.Cache == nil:
		return nil, errors.New("runtime: search cache required")
	}

	exprs, err := expr.NewEnvironment()
	if err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}
	block, err := templates.NewRenderer(opts.TemplateSandbox).ContextBlock(opts.Search.ContextTemplate, opts.Search.ContextTemplateFile)
	if err != nil {
		return nil, fmt.Errorf("runtime: context template: %w", err)
	}

	search := opts.Search
	if search.DefaultTopK <= 0 {
		search.DefaultTopK = 5
	}
	if search.MaxContextTokens <= 0 {
		search.MaxContextTokens = 4000
	}
	if search.MaxConcurrentSearches <= 0 {
		search.MaxConcurrentSearches = 3
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Service{
		logger:      logger.With(slog.String("agent", "service")),
		worker:      opts.Worker,
		resilience:  opts.Resilience,
		validator:   opts.Validator,
		registry:    opts.Registry,
		cache:       opts.Cache,
		monitor:     opts.Monitor,
		exprs:       exprs,
		block:       block,
		search:      search,
		encoding:    opts.Encoding,
		callTimeout: config.Millis(opts.Encoding.CallTimeoutMs),
		clock:       clock,
		startedAt:   clock(),
	}, nil
}

// Start spawns the worker and begins periodic health checks.
func (s *Service) Start(ctx context.Context) error {
	if err := s.worker.Initialize(ctx); err != nil {
		return resilience.Classify(err)
	}
	if s.monitor != nil {
		s.monitor.Start(ctx)
	}
	s.logger.InfoContext(ctx, "service started", slog.String("session", s.worker.Status().Session))
	return nil
}

// Close stops health checks, the worker and the search cache.
func (s *Service) Close(ctx context.Context) error {
	if s.monitor != nil {
		s.monitor.Stop()
	}
	var errs []error
	if err := s.worker.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("runtime: close worker: %w", err))
	}
	if err := s.cache.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("runtime: close cache: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Service) requestLogger(ctx context.Context, attrs ...any) *slog.Logger {
	logger := s.logger
	if id := CorrelationID(ctx); id != "" {
		logger = logger.With(slog.String("correlation_id", id))
	}
	if len(attrs) > 0 {
		logger = logger.With(attrs...)
	}
	return logger
}

// call runs one worker method under the resilience manager, decoding the
// result into out. Worker replies carrying success=false are turned into
// errors by check.
func call[T any](ctx context.Context, s *Service, method string, params any, check func(T) error, opts ...resilience.CallOption) (T, error) {
	return resilience.Do(ctx, s.resilience, method, func(ctx context.Context) (T, error) {
		var out T
		if err := s.worker.CallJSON(ctx, method, params, s.callTimeout, &out); err != nil {
			return out, err
		}
		if check != nil {
			if err := check(out); err != nil {
				return out, err
			}
		}
		return out, nil
	}, opts...)
}

// registered looks a bank up in the registry, mapping a miss to
// MEMORY_BANK_NOT_FOUND.
func (s *Service) registered(ctx context.Context, name string) (pipeline.BankInfo, error) {
	info, err := s.registry.Get(ctx, name)
	if errors.Is(err, registry.ErrNotFound) {
		return info, resilience.BankNotFound(name)
	}
	if err != nil {
		return info, resilience.Classify(err)
	}
	return info, nil
}

// invalidate drops validation and search cache state for the named banks.
func (s *Service) invalidate(ctx context.Context, names ...string) {
	s.validator.Forget(names...)
	removed, err := s.cache.Invalidate(ctx, names)
	if err != nil {
		s.requestLogger(ctx).WarnContext(ctx, "search cache invalidation failed", slog.Any("banks", names), slog.Any("error", err))
		return
	}
	if removed > 0 {
		s.requestLogger(ctx).DebugContext(ctx, "search cache invalidated", slog.Any("banks", names), slog.Int("removed", removed))
	}
}

func checkName(name string) error {
	if err := validator.CheckName(name); err != nil {
		return resilience.InvalidBankName(name, err)
	}
	return nil
}

// rawJSON renders v for debug logs.
func rawJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
