package runtime

import (
	"context"
	"log/slog"
	goruntime "runtime"
	"time"

	"github.com/l0p7/bankbridge/internal/runtime/bridge"
	"github.com/l0p7/bankbridge/internal/runtime/cache"
	"github.com/l0p7/bankbridge/internal/runtime/health"
	"github.com/l0p7/bankbridge/internal/runtime/resilience"
	"github.com/l0p7/bankbridge/internal/runtime/validator"
)

// RecoveryStatus is the breaker summary attached to health reports.
type RecoveryStatus struct {
	CircuitBreakerState resilience.State `json:"circuitBreakerState"`
	FailureCount        int              `json:"failureCount"`
	LastFailureTime     time.Time        `json:"lastFailureTime,omitzero"`
}

// HealthMetrics carries the per-probe detail of a snapshot.
type HealthMetrics struct {
	Timestamp  time.Time            `json:"timestamp"`
	Bridge     health.BridgeCheck   `json:"bridge"`
	Resources  health.ResourceCheck `json:"systemResources"`
	Banks      health.BankCheck     `json:"memoryBanks"`
	DurationMs int64                `json:"durationMs"`
}

// HealthReport is the outward health view.
type HealthReport struct {
	Status              health.Status  `json:"status"`
	Timestamp           time.Time      `json:"timestamp"`
	UptimeMs            int64          `json:"uptime"`
	Checks              health.Checks  `json:"checks"`
	Metrics             *HealthMetrics `json:"metrics,omitempty"`
	Errors              []string       `json:"errors"`
	Warnings            []string       `json:"warnings"`
	ErrorRecoveryStatus RecoveryStatus `json:"errorRecoveryStatus"`
}

// MemoryInfo is the subset of runtime.MemStats reported by diagnostics.
type MemoryInfo struct {
	AllocBytes     uint64 `json:"allocBytes"`
	HeapInuseBytes uint64 `json:"heapInuseBytes"`
	SysBytes       uint64 `json:"sysBytes"`
	NumGC          uint32 `json:"numGC"`
}

// SystemInfo describes the serving process.
type SystemInfo struct {
	Platform   string     `json:"platform"`
	GoVersion  string     `json:"goVersion"`
	Goroutines int        `json:"goroutines"`
	Memory     MemoryInfo `json:"memoryUsage"`
	UptimeMs   int64      `json:"uptime"`
}

// Diagnostics gathers everything an operator needs to judge the service.
type Diagnostics struct {
	Timestamp     time.Time                `json:"timestamp"`
	SystemInfo    SystemInfo               `json:"systemInfo"`
	HealthStatus  HealthReport             `json:"healthStatus"`
	ErrorRecovery resilience.BreakerStatus `json:"errorRecovery"`
	Worker        bridge.Status            `json:"worker"`
	Monitor       *health.MonitorStatus    `json:"monitor,omitempty"`
	Validation    validator.Stats          `json:"validation"`
	Cache         *cache.Stats             `json:"cache,omitempty"`
}

// HealthSnapshot returns the monitor's last snapshot without probing. Before
// the first scheduled check completes it answers from a single ping. Detailed
// reports include per-probe metrics.
func (s *Service) HealthSnapshot(ctx context.Context, detailed bool) HealthReport {
	var snap health.Snapshot
	if s.monitor == nil {
		snap = s.pingSnapshot(ctx)
	} else if last, ok := s.monitor.Last(); ok {
		snap = last
	} else {
		snap = s.monitor.Quick(ctx)
	}

	report := HealthReport{
		Status:              snap.Status,
		Timestamp:           snap.Timestamp,
		UptimeMs:            s.clock().Sub(s.startedAt).Milliseconds(),
		Checks:              snap.Checks,
		Errors:              snap.Errors,
		Warnings:            snap.Warnings,
		ErrorRecoveryStatus: s.recoveryStatus(),
	}
	if report.Errors == nil {
		report.Errors = []string{}
	}
	if report.Warnings == nil {
		report.Warnings = []string{}
	}
	if detailed {
		report.Metrics = &HealthMetrics{
			Timestamp:  snap.Timestamp,
			Bridge:     snap.Bridge,
			Resources:  snap.Resources,
			Banks:      snap.Banks,
			DurationMs: snap.DurationMs,
		}
	}
	return report
}

// pingSnapshot stands in for the monitor when health checks are disabled.
func (s *Service) pingSnapshot(ctx context.Context) health.Snapshot {
	start := s.clock()
	ok := s.worker.Ping(ctx)
	snap := health.Snapshot{
		Timestamp: start,
		Status:    health.StatusHealthy,
		Checks:    health.Checks{Bridge: ok, Resources: true, Banks: true},
		Bridge:    health.BridgeCheck{Healthy: ok, ResponseTimeMs: s.clock().Sub(start).Milliseconds()},
		Errors:    []string{},
		Warnings:  []string{},
	}
	if !ok {
		snap.Status = health.StatusUnhealthy
		snap.Errors = append(snap.Errors, "worker bridge ping failed")
	}
	return snap
}

func (s *Service) recoveryStatus() RecoveryStatus {
	st := s.resilience.BreakerStatus()
	return RecoveryStatus{
		CircuitBreakerState: st.State,
		FailureCount:        st.FailureCount,
		LastFailureTime:     st.LastFailureTime,
	}
}

// Diagnostics reports process, worker, breaker, validation and cache state
// alongside a detailed health report.
func (s *Service) Diagnostics(ctx context.Context) Diagnostics {
	var mem goruntime.MemStats
	goruntime.ReadMemStats(&mem)
	now := s.clock()
	diag := Diagnostics{
		Timestamp: now,
		SystemInfo: SystemInfo{
			Platform:   goruntime.GOOS + "/" + goruntime.GOARCH,
			GoVersion:  goruntime.Version(),
			Goroutines: goruntime.NumGoroutine(),
			Memory: MemoryInfo{
				AllocBytes:     mem.Alloc,
				HeapInuseBytes: mem.HeapInuse,
				SysBytes:       mem.Sys,
				NumGC:          mem.NumGC,
			},
			UptimeMs: now.Sub(s.startedAt).Milliseconds(),
		},
		HealthStatus:  s.HealthSnapshot(ctx, true),
		ErrorRecovery: s.resilience.BreakerStatus(),
		Worker:        s.worker.Status(),
		Validation:    s.validator.Stats(),
	}
	if s.monitor != nil {
		st := s.monitor.Status()
		diag.Monitor = &st
	}
	if stats, err := s.cache.Stats(ctx); err != nil {
		s.requestLogger(ctx).WarnContext(ctx, "cache stats unavailable", slog.Any("error", err))
	} else {
		diag.Cache = &stats
	}
	return diag
}

// CircuitBreakerStatus returns the breaker counters.
func (s *Service) CircuitBreakerStatus() resilience.BreakerStatus {
	return s.resilience.BreakerStatus()
}

// ResetCircuitBreaker closes the breaker and zeroes its counters.
func (s *Service) ResetCircuitBreaker(ctx context.Context) resilience.BreakerStatus {
	s.resilience.ResetBreaker()
	s.requestLogger(ctx).DebugContext(ctx, "circuit breaker reset requested")
	return s.resilience.BreakerStatus()
}

// RestartWorker tears the worker down and spawns a new session. It is the
// only recovery path after the worker exits.
func (s *Service) RestartWorker(ctx context.Context) (bridge.Status, error) {
	logger := s.requestLogger(ctx)
	logger.InfoContext(ctx, "worker restart requested", slog.String("previous_session", s.worker.Status().Session))
	if err := s.worker.Restart(ctx); err != nil {
		classified := resilience.Classify(err)
		logger.ErrorContext(ctx, "worker restart failed", slog.Any("error", classified))
		return s.worker.Status(), classified
	}
	st := s.worker.Status()
	logger.InfoContext(ctx, "worker restarted", slog.String("session", st.Session))
	return st, nil
}

// CacheStats reports search cache usage.
func (s *Service) CacheStats(ctx context.Context) (cache.Stats, error) {
	stats, err := s.cache.Stats(ctx)
	if err != nil {
		return stats, resilience.Classify(err)
	}
	return stats, nil
}

// OptimizeCache purges expired search cache entries.
func (s *Service) OptimizeCache(ctx context.Context) (cache.OptimizeResult, error) {
	res, err := s.cache.Optimize(ctx)
	if err != nil {
		return res, resilience.Classify(err)
	}
	return res, nil
}

// ClearCache drops every search cache entry and every cached validation.
func (s *Service) ClearCache(ctx context.Context) error {
	s.validator.ClearCache()
	if err := s.cache.Clear(ctx); err != nil {
		return resilience.Classify(err)
	}
	s.requestLogger(ctx).InfoContext(ctx, "caches cleared")
	return nil
}
