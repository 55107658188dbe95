package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/bankbridge/internal/runtime/validator"
)

type stubPinger struct {
	mu    sync.Mutex
	ok    bool
	delay time.Duration
	calls atomic.Int32
}

func (p *stubPinger) Ping(ctx context.Context) bool {
	p.calls.Add(1)
	p.mu.Lock()
	ok, delay := p.ok, p.delay
	p.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false
		}
	}
	return ok
}

func (p *stubPinger) set(ok bool) {
	p.mu.Lock()
	p.ok = ok
	p.mu.Unlock()
}

type stubSampler struct {
	mem, disk       Usage
	memErr, diskErr error
}

func (s stubSampler) Memory(context.Context) (Usage, error)       { return s.mem, s.memErr }
func (s stubSampler) Disk(context.Context, string) (Usage, error) { return s.disk, s.diskErr }

type stubBanks struct {
	names    []string
	listErr  error
	invalid  map[string]bool
	failures map[string]error
	panics   bool
}

func (b stubBanks) Available(context.Context) ([]string, error) {
	if b.panics {
		panic("bank directory vanished")
	}
	return b.names, b.listErr
}

func (b stubBanks) CachedMany(_ context.Context, names []string, _ validator.Options) []validator.Outcome {
	out := make([]validator.Outcome, len(names))
	for i, name := range names {
		out[i].Bank = name
		if err := b.failures[name]; err != nil {
			out[i].Err = err
			continue
		}
		val := validator.Validation{Bank: name, Valid: !b.invalid[name], Exists: true}
		if b.invalid[name] {
			val.Errors = []string{"Missing INDEX file"}
		}
		out[i].Validation = &val
	}
	return out
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func usage(pct float64) Usage { return Usage{Used: uint64(pct), Total: 100, Percentage: pct} }

func healthySampler() stubSampler { return stubSampler{mem: usage(40), disk: usage(30)} }

func newTestMonitor(p Pinger, banks BankSource, sampler ResourceSampler) *Monitor {
	return NewMonitor(Config{
		Interval:      time.Hour,
		BridgeTimeout: 200 * time.Millisecond,
		Logger:        quietLogger(),
	}, p, banks, sampler)
}

func TestCheckHealthy(t *testing.T) {
	m := newTestMonitor(&stubPinger{ok: true}, stubBanks{names: []string{"a", "b"}}, healthySampler())

	_, ok := m.Last()
	assert.False(t, ok)

	snap := m.Check(context.Background())
	assert.Equal(t, StatusHealthy, snap.Status)
	assert.Equal(t, Checks{Bridge: true, Resources: true, Banks: true}, snap.Checks)
	assert.Equal(t, 2, snap.Banks.Total)
	assert.Equal(t, 2, snap.Banks.Valid)
	assert.Empty(t, snap.Errors)

	last, ok := m.Last()
	require.True(t, ok)
	assert.Equal(t, snap.Status, last.Status)
}

func TestAggregate(t *testing.T) {
	assert.Equal(t, StatusHealthy, aggregate(Checks{true, true, true}))
	assert.Equal(t, StatusDegraded, aggregate(Checks{true, false, true}))
	assert.Equal(t, StatusUnhealthy, aggregate(Checks{false, false, true}))
	assert.Equal(t, StatusUnhealthy, aggregate(Checks{}))
}

func TestResourceThresholds(t *testing.T) {
	tests := []struct {
		name     string
		sampler  stubSampler
		healthy  bool
		errors   int
		warnings int
	}{
		{"normal", stubSampler{mem: usage(50), disk: usage(50)}, true, 0, 0},
		{"elevated memory", stubSampler{mem: usage(70), disk: usage(50)}, true, 0, 1},
		{"high memory", stubSampler{mem: usage(90), disk: usage(50)}, false, 1, 0},
		{"high disk", stubSampler{mem: usage(10), disk: usage(95)}, false, 1, 0},
		{"elevated disk", stubSampler{mem: usage(10), disk: usage(75)}, true, 0, 1},
		{"sampling unavailable", stubSampler{memErr: errors.New("no procfs"), diskErr: errors.New("unsupported")}, true, 0, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMonitor(nil, nil, tt.sampler)
			check := m.probeResources(context.Background())
			assert.Equal(t, tt.healthy, check.Healthy)
			assert.Len(t, check.Errors, tt.errors)
			assert.Len(t, check.Warnings, tt.warnings)
		})
	}
}

func TestBankCorruptionThresholds(t *testing.T) {
	names := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	ctx := context.Background()

	m := newTestMonitor(nil, stubBanks{names: names}, nil)
	check, err := m.probeBanks(ctx)
	require.NoError(t, err)
	assert.True(t, check.Healthy)

	m = newTestMonitor(nil, stubBanks{names: names, invalid: map[string]bool{"a": true, "b": true}}, nil)
	check, err = m.probeBanks(ctx)
	require.NoError(t, err)
	assert.True(t, check.Healthy, "20 percent corrupted only warns")
	assert.Equal(t, 2, check.Corrupted)
	assert.Contains(t, check.Warnings, "Elevated memory bank corruption rate: 20.0%")

	m = newTestMonitor(nil, stubBanks{
		names:    names,
		invalid:  map[string]bool{"a": true, "b": true},
		failures: map[string]error{"c": errors.New("boom")},
	}, nil)
	check, err = m.probeBanks(ctx)
	require.NoError(t, err)
	assert.False(t, check.Healthy)
	assert.Equal(t, 3, check.Corrupted)
	assert.Equal(t, 7, check.Valid)
	assert.Contains(t, check.Errors, "High memory bank corruption rate: 30.0%")

	m = newTestMonitor(nil, stubBanks{}, nil)
	check, err = m.probeBanks(ctx)
	require.NoError(t, err)
	assert.True(t, check.Healthy)
	assert.Equal(t, []string{"No memory banks found"}, check.Warnings)
}

func TestCheckUnknownOnProbeFailure(t *testing.T) {
	m := newTestMonitor(&stubPinger{ok: true}, stubBanks{panics: true}, healthySampler())
	snap := m.Check(context.Background())
	assert.Equal(t, StatusUnknown, snap.Status)
	require.NotEmpty(t, snap.Errors)
	assert.Contains(t, snap.Errors[0], "panicked")

	m = newTestMonitor(&stubPinger{ok: true}, stubBanks{listErr: errors.New("permission denied")}, healthySampler())
	snap = m.Check(context.Background())
	assert.Equal(t, StatusUnknown, snap.Status)
}

func TestBridgeProbeTimeout(t *testing.T) {
	m := newTestMonitor(&stubPinger{ok: true, delay: time.Second}, stubBanks{}, healthySampler())
	check := m.probeBridge(context.Background())
	assert.False(t, check.Healthy)
	assert.NotEmpty(t, check.LastError)

	m = newTestMonitor(nil, stubBanks{}, healthySampler())
	assert.Equal(t, "worker bridge not available", m.probeBridge(context.Background()).LastError)
}

func TestNotifications(t *testing.T) {
	pinger := &stubPinger{ok: true}
	m := newTestMonitor(pinger, stubBanks{}, healthySampler())

	var mu sync.Mutex
	var events []Event
	record := func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}
	unsubChange := m.Notifier().Subscribe(StatusChange, record)
	m.Notifier().Subscribe(CriticalAlert, record)
	m.Notifier().Subscribe(WarningAlert, record)
	m.Notifier().Subscribe(WarningAlert, func(Event) { panic("bad handler") })

	m.Check(context.Background())
	assert.Empty(t, events, "first healthy check emits nothing")

	pinger.set(false)
	m.Check(context.Background())
	m.Check(context.Background())

	mu.Lock()
	kinds := make([]EventKind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	mu.Unlock()
	assert.Equal(t, []EventKind{StatusChange, WarningAlert, WarningAlert}, kinds)
	assert.Equal(t, StatusHealthy, events[0].From)
	assert.Equal(t, StatusDegraded, events[0].To)

	unsubChange()
	unsubChange()
	pinger.set(true)
	m.Check(context.Background())
	mu.Lock()
	assert.Len(t, events, 3)
	mu.Unlock()
}

func TestCriticalAlert(t *testing.T) {
	m := newTestMonitor(&stubPinger{ok: false}, stubBanks{names: []string{"a"}, invalid: map[string]bool{"a": true}}, healthySampler())
	var got []Event
	m.Notifier().Subscribe(CriticalAlert, func(ev Event) { got = append(got, ev) })

	snap := m.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, snap.Status)
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].Errors)
}

func TestQuick(t *testing.T) {
	pinger := &stubPinger{ok: true}
	m := newTestMonitor(pinger, nil, nil)

	snap := m.Quick(context.Background())
	assert.Equal(t, StatusHealthy, snap.Status)
	assert.True(t, snap.Checks.Bridge)
	_, stored := m.Last()
	assert.False(t, stored, "quick checks are not stored")

	pinger.set(false)
	snap = m.Quick(context.Background())
	assert.Equal(t, StatusUnhealthy, snap.Status)
	assert.Equal(t, []string{"worker bridge ping failed"}, snap.Errors)
}

func TestStartRunsEagerCheckAndStop(t *testing.T) {
	pinger := &stubPinger{ok: true}
	m := newTestMonitor(pinger, stubBanks{}, healthySampler())

	m.Start(context.Background())
	m.Start(context.Background())
	require.Eventually(t, func() bool {
		_, ok := m.Last()
		return ok
	}, time.Second, 10*time.Millisecond)

	status := m.Status()
	assert.True(t, status.Monitoring)
	assert.Equal(t, "1h0m0s", status.CheckInterval)
	require.NotNil(t, status.LastCheck)

	m.Stop()
	m.Stop()
	assert.False(t, m.Status().Monitoring)
	assert.Equal(t, int32(1), pinger.calls.Load())
}

func TestSystemSamplerReadsProcfs(t *testing.T) {
	root := t.TempDir()
	meminfo := "MemTotal:        1000 kB\nMemFree:          100 kB\nMemAvailable:     250 kB\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "meminfo"), []byte(meminfo), 0o644))

	mem, err := SystemSampler{ProcRoot: root}.Memory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1000*1024), mem.Total)
	assert.Equal(t, uint64(750*1024), mem.Used)
	assert.InDelta(t, 75.0, mem.Percentage, 0.001)
}

func TestRepeatedChecksReuseBankValidations(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"notes", "code"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".mp4"), make([]byte, 2048), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".faiss"), []byte("index"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), []byte(`{"chunks":[]}`), 0o644))
	}
	banks := validator.New(validator.Config{Layout: validator.Layout{Dir: dir}, Logger: quietLogger()})
	m := newTestMonitor(&stubPinger{ok: true}, banks, healthySampler())

	for range 3 {
		snap := m.Check(context.Background())
		assert.Equal(t, 2, snap.Banks.Valid)
	}

	stats := banks.Stats()
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, int64(4), stats.Hits)
}
