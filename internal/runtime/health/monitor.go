package health

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/l0p7/bankbridge/internal/metrics"
	"github.com/l0p7/bankbridge/internal/runtime/validator"
)

// Status is the aggregate verdict of a health check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Pinger is the liveness probe of the worker bridge.
type Pinger interface {
	Ping(ctx context.Context) bool
}

// BankSource lists banks and validates them.
type BankSource interface {
	Available(ctx context.Context) ([]string, error)
	CachedMany(ctx context.Context, names []string, opts validator.Options) []validator.Outcome
}

// Checks records which probes passed.
type Checks struct {
	Bridge    bool `json:"bridge"`
	Resources bool `json:"systemResources"`
	Banks     bool `json:"memoryBanks"`
}

func (c Checks) passing() int {
	n := 0
	for _, ok := range []bool{c.Bridge, c.Resources, c.Banks} {
		if ok {
			n++
		}
	}
	return n
}

// BridgeCheck is the outcome of the bridge probe.
type BridgeCheck struct {
	Healthy        bool   `json:"isHealthy"`
	ResponseTimeMs int64  `json:"responseTimeMs"`
	LastError      string `json:"lastError,omitempty"`
}

// ResourceCheck is the outcome of the resource probe.
type ResourceCheck struct {
	Healthy  bool     `json:"isHealthy"`
	Memory   Usage    `json:"memoryUsage"`
	Disk     Usage    `json:"diskUsage"`
	Errors   []string `json:"-"`
	Warnings []string `json:"-"`
}

// BankCheck is the outcome of the bank probe.
type BankCheck struct {
	Healthy   bool     `json:"isHealthy"`
	Total     int      `json:"total"`
	Valid     int      `json:"healthy"`
	Corrupted int      `json:"corrupted"`
	Errors    []string `json:"-"`
	Warnings  []string `json:"-"`
}

// Snapshot is one complete health check.
type Snapshot struct {
	Timestamp  time.Time     `json:"timestamp"`
	Status     Status        `json:"status"`
	Checks     Checks        `json:"checks"`
	Bridge     BridgeCheck   `json:"bridge"`
	Resources  ResourceCheck `json:"systemResources"`
	Banks      BankCheck     `json:"memoryBanks"`
	Errors     []string      `json:"errors"`
	Warnings   []string      `json:"warnings"`
	DurationMs int64         `json:"durationMs"`
}

// Config tunes a Monitor.
type Config struct {
	Interval               time.Duration
	BridgeTimeout          time.Duration
	MemoryThresholdPercent float64
	DiskThresholdPercent   float64
	// DiskPath is the directory whose filesystem is sampled.
	DiskPath string
	Clock    func() time.Time
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
}

func (c Config) normalize() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.BridgeTimeout <= 0 {
		c.BridgeTimeout = 5 * time.Second
	}
	if c.MemoryThresholdPercent <= 0 {
		c.MemoryThresholdPercent = 85
	}
	if c.DiskThresholdPercent <= 0 {
		c.DiskThresholdPercent = 90
	}
	if c.DiskPath == "" {
		c.DiskPath = "."
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// MonitorStatus describes the monitor itself.
type MonitorStatus struct {
	Monitoring    bool       `json:"isMonitoring"`
	CheckInterval string     `json:"checkInterval"`
	LastCheck     *time.Time `json:"lastCheck,omitempty"`
	Configuration struct {
		BridgeTimeout          string  `json:"bridgeTimeout"`
		MemoryThresholdPercent float64 `json:"memoryThresholdPercent"`
		DiskThresholdPercent   float64 `json:"diskThresholdPercent"`
		DiskPath               string  `json:"diskPath"`
	} `json:"configuration"`
}

// Monitor periodically probes the bridge, host resources and banks and keeps
// the latest snapshot for non-blocking reads.
type Monitor struct {
	cfg      Config
	logger   *slog.Logger
	bridge   Pinger
	banks    BankSource
	sampler  ResourceSampler
	notifier *Notifier

	checkMu sync.Mutex

	mu      sync.RWMutex
	last    *Snapshot
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMonitor constructs a Monitor. bridge and banks may be nil, in which case
// their probes fail. A nil sampler uses SystemSampler.
func NewMonitor(cfg Config, bridge Pinger, banks BankSource, sampler ResourceSampler) *Monitor {
	cfg = cfg.normalize()
	if sampler == nil {
		sampler = SystemSampler{}
	}
	logger := cfg.Logger.With(slog.String("agent", "health_monitor"))
	return &Monitor{
		cfg:      cfg,
		logger:   logger,
		bridge:   bridge,
		banks:    banks,
		sampler:  sampler,
		notifier: NewNotifier(logger),
	}
}

// Notifier exposes event subscription.
func (m *Monitor) Notifier() *Notifier { return m.notifier }

// Start runs a check immediately and then on every interval until Stop or
// ctx cancellation. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.logger.Warn("health monitoring already started")
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	m.logger.Info("health monitoring started",
		slog.Duration("interval", m.cfg.Interval),
		slog.Float64("memory_threshold", m.cfg.MemoryThresholdPercent),
		slog.Float64("disk_threshold", m.cfg.DiskThresholdPercent),
	)

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		m.Check(runCtx)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				m.Check(runCtx)
			}
		}
	}()
}

// Stop halts periodic checks and waits for an in-flight check to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
	m.logger.Info("health monitoring stopped")
}

// Last returns the most recent completed snapshot without probing.
func (m *Monitor) Last() (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return Snapshot{}, false
	}
	return cloneSnapshot(*m.last), true
}

// Status reports whether monitoring is active and how it is configured.
func (m *Monitor) Status() MonitorStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var st MonitorStatus
	st.Monitoring = m.running
	st.CheckInterval = m.cfg.Interval.String()
	if m.last != nil {
		ts := m.last.Timestamp
		st.LastCheck = &ts
	}
	st.Configuration.BridgeTimeout = m.cfg.BridgeTimeout.String()
	st.Configuration.MemoryThresholdPercent = m.cfg.MemoryThresholdPercent
	st.Configuration.DiskThresholdPercent = m.cfg.DiskThresholdPercent
	st.Configuration.DiskPath = m.cfg.DiskPath
	return st
}

// Check runs every probe, stores the snapshot and publishes notifications.
// Concurrent calls are serialized so transitions are observed in order.
func (m *Monitor) Check(ctx context.Context) Snapshot {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	start := time.Now()
	snap := Snapshot{Timestamp: m.cfg.Clock(), Errors: []string{}, Warnings: []string{}}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(guard("bridge", func() error {
		snap.Bridge = m.probeBridge(gctx)
		return nil
	}))
	g.Go(guard("resources", func() error {
		snap.Resources = m.probeResources(gctx)
		return nil
	}))
	g.Go(guard("banks", func() error {
		check, err := m.probeBanks(gctx)
		snap.Banks = check
		return err
	}))

	if err := g.Wait(); err != nil {
		snap.Status = StatusUnknown
		snap.Errors = append(snap.Errors, fmt.Sprintf("Health check failed: %v", err))
		m.logger.ErrorContext(ctx, "health check failed", slog.Any("error", err))
	} else {
		snap.Checks = Checks{Bridge: snap.Bridge.Healthy, Resources: snap.Resources.Healthy, Banks: snap.Banks.Healthy}
		if !snap.Bridge.Healthy {
			msg := snap.Bridge.LastError
			if msg == "" {
				msg = "worker bridge unhealthy"
			}
			snap.Errors = append(snap.Errors, msg)
		}
		snap.Errors = append(snap.Errors, snap.Resources.Errors...)
		snap.Errors = append(snap.Errors, snap.Banks.Errors...)
		snap.Warnings = append(snap.Warnings, snap.Resources.Warnings...)
		snap.Warnings = append(snap.Warnings, snap.Banks.Warnings...)
		snap.Status = aggregate(snap.Checks)
	}
	elapsed := time.Since(start)
	snap.DurationMs = elapsed.Milliseconds()

	m.mu.Lock()
	prev := m.last
	stored := snap
	m.last = &stored
	m.mu.Unlock()

	m.cfg.Metrics.ObserveHealthCheck(string(snap.Status), elapsed)
	m.emit(prev, snap)
	m.logger.DebugContext(ctx, "health check complete",
		slog.String("status", string(snap.Status)),
		slog.Int("errors", len(snap.Errors)),
		slog.Int("warnings", len(snap.Warnings)),
		slog.Duration("latency", elapsed),
	)
	return cloneSnapshot(snap)
}

// Quick pings the bridge once and returns a minimal snapshot. The result is
// not stored; it serves callers that need a verdict before the first
// scheduled check has completed.
func (m *Monitor) Quick(ctx context.Context) Snapshot {
	snap := Snapshot{
		Timestamp: m.cfg.Clock(),
		Errors:    []string{},
		Warnings:  []string{},
	}
	err := guard("bridge", func() error {
		snap.Bridge = m.probeBridge(ctx)
		return nil
	})()
	if err != nil {
		snap.Status = StatusUnknown
		snap.Errors = append(snap.Errors, fmt.Sprintf("Immediate health check failed: %v", err))
		return snap
	}
	snap.Checks = Checks{Bridge: snap.Bridge.Healthy, Resources: true, Banks: true}
	snap.Status = StatusHealthy
	if !snap.Bridge.Healthy {
		snap.Status = StatusUnhealthy
		snap.Errors = append(snap.Errors, "worker bridge ping failed")
	}
	return snap
}

func (m *Monitor) probeBridge(ctx context.Context) BridgeCheck {
	if m.bridge == nil {
		return BridgeCheck{LastError: "worker bridge not available"}
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.BridgeTimeout)
	defer cancel()

	start := time.Now()
	result := make(chan bool, 1)
	go func() { result <- m.bridge.Ping(ctx) }()
	select {
	case ok := <-result:
		check := BridgeCheck{Healthy: ok, ResponseTimeMs: time.Since(start).Milliseconds()}
		if !ok {
			check.LastError = "worker bridge ping failed"
		}
		return check
	case <-ctx.Done():
		return BridgeCheck{LastError: "health check timeout", ResponseTimeMs: time.Since(start).Milliseconds()}
	}
}

func (m *Monitor) probeResources(ctx context.Context) ResourceCheck {
	check := ResourceCheck{Errors: []string{}, Warnings: []string{}}

	if mem, err := m.sampler.Memory(ctx); err != nil {
		check.Warnings = append(check.Warnings, fmt.Sprintf("Memory usage unavailable: %v", err))
	} else {
		check.Memory = mem
		thresholdMessages(&check.Errors, &check.Warnings, "memory", mem.Percentage, m.cfg.MemoryThresholdPercent)
	}
	if disk, err := m.sampler.Disk(ctx, m.cfg.DiskPath); err != nil {
		check.Warnings = append(check.Warnings, fmt.Sprintf("Disk usage unavailable: %v", err))
	} else {
		check.Disk = disk
		thresholdMessages(&check.Errors, &check.Warnings, "disk", disk.Percentage, m.cfg.DiskThresholdPercent)
	}
	check.Healthy = len(check.Errors) == 0
	return check
}

func thresholdMessages(errs, warns *[]string, resource string, pct, threshold float64) {
	switch {
	case pct > threshold:
		*errs = append(*errs, fmt.Sprintf("High %s usage: %.1f%%", resource, pct))
	case pct > threshold*0.8:
		*warns = append(*warns, fmt.Sprintf("Elevated %s usage: %.1f%%", resource, pct))
	}
}

// probeBanks returns an error only when the bank list itself cannot be read.
func (m *Monitor) probeBanks(ctx context.Context) (BankCheck, error) {
	check := BankCheck{Errors: []string{}, Warnings: []string{}}
	if m.banks == nil {
		check.Errors = append(check.Errors, "bank validator not available")
		return check, nil
	}
	names, err := m.banks.Available(ctx)
	if err != nil {
		return check, fmt.Errorf("memory bank check failed: %w", err)
	}
	if len(names) == 0 {
		check.Healthy = true
		check.Warnings = append(check.Warnings, "No memory banks found")
		return check, nil
	}

	var problems []string
	for _, outcome := range m.banks.CachedMany(ctx, names, validator.Options{}) {
		switch {
		case outcome.Err != nil:
			check.Corrupted++
			problems = append(problems, fmt.Sprintf("Memory bank '%s': %v", outcome.Bank, outcome.Err))
		case outcome.Validation != nil && outcome.Validation.Valid:
			check.Valid++
		default:
			check.Corrupted++
			if outcome.Validation != nil && len(outcome.Validation.Errors) > 0 {
				problems = append(problems, fmt.Sprintf("Memory bank '%s': %s", outcome.Bank, outcome.Validation.Errors[0]))
			}
		}
	}
	check.Total = len(names)

	pct := float64(check.Corrupted) / float64(check.Total) * 100
	switch {
	case pct > 25:
		check.Errors = append(check.Errors, problems...)
		check.Errors = append(check.Errors, fmt.Sprintf("High memory bank corruption rate: %.1f%%", pct))
	case pct > 10:
		check.Warnings = append(check.Warnings, problems...)
		check.Warnings = append(check.Warnings, fmt.Sprintf("Elevated memory bank corruption rate: %.1f%%", pct))
	default:
		check.Warnings = append(check.Warnings, problems...)
	}
	check.Healthy = len(check.Errors) == 0
	return check, nil
}

func aggregate(c Checks) Status {
	switch passing := c.passing(); {
	case passing == 3:
		return StatusHealthy
	case passing*2 >= 3:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}

func (m *Monitor) emit(prev *Snapshot, snap Snapshot) {
	if prev != nil && prev.Status != snap.Status {
		m.logger.Info("health status changed", slog.String("from", string(prev.Status)), slog.String("to", string(snap.Status)))
		m.notifier.Publish(Event{Kind: StatusChange, From: prev.Status, To: snap.Status, Timestamp: snap.Timestamp})
	}
	switch snap.Status {
	case StatusUnhealthy:
		m.logger.Error("health critical", slog.Any("errors", snap.Errors))
		m.notifier.Publish(Event{Kind: CriticalAlert, To: snap.Status, Errors: slices.Clone(snap.Errors), Timestamp: snap.Timestamp})
	case StatusDegraded:
		m.logger.Warn("health degraded", slog.Any("errors", snap.Errors), slog.Any("warnings", snap.Warnings))
		m.notifier.Publish(Event{
			Kind:      WarningAlert,
			To:        snap.Status,
			Errors:    slices.Clone(snap.Errors),
			Warnings:  slices.Clone(snap.Warnings),
			Timestamp: snap.Timestamp,
		})
	}
}

// guard turns a panic inside a probe into an error.
func guard(name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s probe panicked: %v", name, r)
			}
		}()
		return fn()
	}
}

func cloneSnapshot(in Snapshot) Snapshot {
	out := in
	out.Errors = slices.Clone(in.Errors)
	out.Warnings = slices.Clone(in.Warnings)
	out.Resources.Errors = slices.Clone(in.Resources.Errors)
	out.Resources.Warnings = slices.Clone(in.Resources.Warnings)
	out.Banks.Errors = slices.Clone(in.Banks.Errors)
	out.Banks.Warnings = slices.Clone(in.Banks.Warnings)
	return out
}
