package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/bankbridge/internal/config"
	"github.com/l0p7/bankbridge/internal/runtime/bridge"
	"github.com/l0p7/bankbridge/internal/runtime/cache"
	"github.com/l0p7/bankbridge/internal/runtime/health"
	"github.com/l0p7/bankbridge/internal/runtime/pipeline"
	"github.com/l0p7/bankbridge/internal/runtime/registry"
	"github.com/l0p7/bankbridge/internal/runtime/resilience"
	"github.com/l0p7/bankbridge/internal/runtime/validator"
)

// fakeWorker answers worker methods in-process. encode writes a complete
// artifact set next to the requested output path.
type fakeWorker struct {
	mu sync.Mutex

	calls       map[string]int
	lastEncode  encodeParams
	lastSearch  []searchParams
	hits        map[string][]searchHit
	searchFail  map[string]string
	encodeFail  string
	addErr      error
	addChunks   int
	statsChunks int
	statsErr    error
	pingOK      bool
	initErr     error
	restarts    int
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{
		calls:       map[string]int{},
		hits:        map[string][]searchHit{},
		searchFail:  map[string]string{},
		addChunks:   3,
		statsChunks: 42,
		pingOK:      true,
	}
}

func (w *fakeWorker) Initialize(context.Context) error { return w.initErr }

func (w *fakeWorker) CallJSON(_ context.Context, method string, params any, _ time.Duration, out any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls[method]++

	var reply any
	switch p := params.(type) {
	case encodeParams:
		w.lastEncode = p
		if w.encodeFail != "" {
			reply = encodeReply{Success: false, Error: w.encodeFail}
			break
		}
		if err := writeArtifacts(strings.TrimSuffix(p.OutputPath, ".mp4")); err != nil {
			return err
		}
		reply = encodeReply{Success: true, ChunksCreated: 12}
	case searchParams:
		w.lastSearch = append(w.lastSearch, p)
		bank := strings.TrimSuffix(filepath.Base(p.VideoPath), ".mp4")
		if msg, ok := w.searchFail[bank]; ok {
			reply = searchReply{Success: false, Error: msg}
			break
		}
		hits := w.hits[bank]
		if hits == nil {
			hits = []searchHit{}
		}
		reply = searchReply{Success: true, Results: hits}
	case addContentParams:
		if w.addErr != nil {
			return w.addErr
		}
		reply = addContentReply{Success: true, ChunksAdded: w.addChunks}
	case statsParams:
		if w.statsErr != nil {
			return w.statsErr
		}
		reply = statsReply{Chunks: w.statsChunks, Size: 4096}
	default:
		return fmt.Errorf("unexpected method %s", method)
	}

	b, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func (w *fakeWorker) Ping(context.Context) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pingOK
}

func (w *fakeWorker) Restart(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.restarts++
	return nil
}

func (w *fakeWorker) Close(context.Context) error { return nil }

func (w *fakeWorker) Status() bridge.Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return bridge.Status{State: "ready", Session: fmt.Sprintf("session-%d", w.restarts)}
}

func (w *fakeWorker) count(method string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls[method]
}

func (w *fakeWorker) set(fn func(*fakeWorker)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn(w)
}

func writeArtifacts(base string) error {
	if err := os.WriteFile(base+".mp4", bytes.Repeat([]byte("x"), 2048), 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(base+".faiss", []byte("index"), 0o644); err != nil {
		return err
	}
	return os.WriteFile(base+".json", []byte(`{"chunks":[]}`), 0o644)
}

type testEnv struct {
	svc      *Service
	worker   *fakeWorker
	registry *registry.Registry
	dir      string
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	logger := newTestLogger()
	worker := newFakeWorker()

	reg, err := registry.Open(filepath.Join(dir, "registry.json"), registry.Options{Logger: logger})
	require.NoError(t, err)

	manager := resilience.NewManager(resilience.Options{
		Retry:   resilience.DefaultRetryPolicy(),
		Breaker: resilience.BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute, HalfOpenSuccesses: 1},
		Logger:  logger,
		Sleep:   func(context.Context, time.Duration) error { return nil },
	})

	svc, err := NewService(logger, ServiceOptions{
		Worker:     worker,
		Resilience: manager,
		Validator: validator.New(validator.Config{
			Layout:          validator.Layout{Dir: dir},
			CacheTTL:        time.Minute,
			MinPrimaryBytes: 1000,
			Logger:          logger,
		}),
		Registry: reg,
		Cache:    cache.NewMemory(cache.Options{MaxSize: 10, Logger: logger}),
		Search:   config.SearchConfig{MinScore: 0.3},
		Encoding: config.WorkerConfig{ChunkSize: 512, Overlap: 50, EmbeddingModel: "mini", CallTimeoutMs: 1000},
	})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	return &testEnv{svc: svc, worker: worker, registry: reg, dir: dir}
}

func (e *testEnv) createBank(t *testing.T, name string, tags ...string) {
	t.Helper()
	_, err := e.svc.CreateBank(context.Background(), pipeline.CreateBankRequest{
		Name:    name,
		Sources: []pipeline.Source{{Type: "file", Path: "/docs/" + name + ".md"}},
		Tags:    tags,
	})
	require.NoError(t, err)
}

func requireKind(t *testing.T, err error, kind resilience.Kind) {
	t.Helper()
	require.Error(t, err)
	var classified *resilience.Error
	require.True(t, errors.As(err, &classified), "expected *resilience.Error, got %T", err)
	assert.Equal(t, kind, classified.Kind)
}

func TestNewServiceRequiresCollaborators(t *testing.T) {
	_, err := NewService(newTestLogger(), ServiceOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker required")
}

func TestStartFailsWhenWorkerCannotStart(t *testing.T) {
	env := newTestEnv(t)
	env.worker.initErr = bridge.ErrStartupFailed
	require.Error(t, env.svc.Start(context.Background()))
}

func TestCreateBankEncodesAndRegisters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.svc.CreateBank(ctx, pipeline.CreateBankRequest{
		Name:    "notes",
		Sources: []pipeline.Source{{Type: "file", Path: "/docs/a.md"}},
		Tags:    []string{"docs"},
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "Memory bank 'notes' created successfully", resp.Message)
	assert.Equal(t, 12, resp.ChunksCreated)
	assert.Equal(t, filepath.Join(env.dir, "notes.mp4"), resp.FilePath)

	env.worker.set(func(w *fakeWorker) {
		assert.Equal(t, 512, w.lastEncode.ChunkSize)
		assert.Equal(t, 50, w.lastEncode.Overlap)
		assert.Equal(t, "mini", w.lastEncode.EmbeddingModel)
	})

	info, err := env.registry.Get(ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, "Memory bank created from 1 sources", info.Description)
	assert.Equal(t, 12, info.Size)
	assert.Equal(t, []string{"docs"}, info.Tags)

	_, err = env.svc.CreateBank(ctx, pipeline.CreateBankRequest{
		Name:    "notes",
		Sources: []pipeline.Source{{Type: "file", Path: "/docs/b.md"}},
	})
	requireKind(t, err, resilience.KindBankExists)
	assert.Equal(t, 1, env.worker.count("encode"), "duplicate create must not reach the worker")
}

func TestCreateBankRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.CreateBank(ctx, pipeline.CreateBankRequest{Name: "../escape", Sources: []pipeline.Source{{Path: "a"}}})
	requireKind(t, err, resilience.KindInvalidBankName)

	_, err = env.svc.CreateBank(ctx, pipeline.CreateBankRequest{Name: "notes"})
	requireKind(t, err, resilience.KindInvalidParameters)

	_, err = env.svc.CreateBank(ctx, pipeline.CreateBankRequest{Name: "notes", Sources: []pipeline.Source{{Path: "  "}}})
	requireKind(t, err, resilience.KindInvalidParameters)

	assert.Zero(t, env.worker.count("encode"))
}

func TestCreateBankEncodingFailureLeavesRegistryUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.worker.set(func(w *fakeWorker) { w.encodeFail = "unsupported source" })

	_, err := env.svc.CreateBank(context.Background(), pipeline.CreateBankRequest{
		Name:    "notes",
		Sources: []pipeline.Source{{Type: "file", Path: "/docs/a.md"}},
	})
	requireKind(t, err, resilience.KindEncodingFailure)
	assert.Equal(t, 1, env.worker.count("encode"))

	_, err = env.registry.Get(context.Background(), "notes")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestAddContentIsNotRetriedAndUpdatesSize(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createBank(t, "notes")

	resp, err := env.svc.AddContent(ctx, pipeline.AddContentRequest{Bank: "notes", Content: "fresh text"})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.ChunksAdded)
	assert.Equal(t, "Content added to memory bank 'notes'", resp.Message)

	info, err := env.registry.Get(ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, 15, info.Size)

	env.worker.set(func(w *fakeWorker) { w.addErr = errors.New("connection reset by peer") })
	_, err = env.svc.AddContent(ctx, pipeline.AddContentRequest{Bank: "notes", Content: "again"})
	requireKind(t, err, resilience.KindNetworkTimeout)
	assert.Equal(t, 2, env.worker.count("add_content"), "transient add_content failures must not be retried")

	_, err = env.svc.AddContent(ctx, pipeline.AddContentRequest{Bank: "ghost", Content: "text"})
	requireKind(t, err, resilience.KindMemoryBankNotFound)

	_, err = env.svc.AddContent(ctx, pipeline.AddContentRequest{Bank: "notes", Content: " "})
	requireKind(t, err, resilience.KindInvalidParameters)
}

func TestGetStats(t *testing.T) {
	env := newTestEnv(t)
	env.createBank(t, "notes")

	stats, err := env.svc.GetStats(context.Background(), "notes")
	require.NoError(t, err)
	assert.Equal(t, pipeline.BankStats{Bank: "notes", Chunks: 42, Size: 4096}, stats)

	_, err = env.svc.GetStats(context.Background(), "ghost")
	requireKind(t, err, resilience.KindMemoryBankNotFound)
}

func TestListBanksHidesBanksMissingOnDisk(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createBank(t, "notes")
	_, err := env.registry.Register(ctx, pipeline.BankInfo{Name: "ghost", Size: 1})
	require.NoError(t, err)

	list, err := env.svc.ListBanks(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, list.TotalCount)
	assert.Equal(t, "notes", list.Banks[0].Name)
	assert.Equal(t, 12, list.Banks[0].Size)

	list, err = env.svc.ListBanks(ctx, true)
	require.NoError(t, err)
	require.Len(t, list.Banks, 1)
	assert.Equal(t, 42, list.Banks[0].Size)
}

func TestCleanupInvalidBanksUnregistersRemoved(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createBank(t, "notes")
	require.NoError(t, os.WriteFile(filepath.Join(env.dir, "broken.mp4"), bytes.Repeat([]byte("x"), 2048), 0o644))
	_, err := env.registry.Register(ctx, pipeline.BankInfo{Name: "broken"})
	require.NoError(t, err)

	dry, err := env.svc.CleanupInvalidBanks(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"broken"}, dry.Removed)
	_, err = env.registry.Get(ctx, "broken")
	require.NoError(t, err, "dry run must not unregister")

	result, err := env.svc.CleanupInvalidBanks(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"broken"}, result.Removed)
	_, err = env.registry.Get(ctx, "broken")
	assert.ErrorIs(t, err, registry.ErrNotFound)
	_, err = env.registry.Get(ctx, "notes")
	assert.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(env.dir, "broken.mp4"))
}

func TestHealthSnapshotWithoutMonitorPingsWorker(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	report := env.svc.HealthSnapshot(ctx, false)
	assert.Equal(t, health.StatusHealthy, report.Status)
	assert.Nil(t, report.Metrics)
	assert.Empty(t, report.Errors)
	assert.Equal(t, resilience.StateClosed, report.ErrorRecoveryStatus.CircuitBreakerState)

	env.worker.set(func(w *fakeWorker) { w.pingOK = false })
	report = env.svc.HealthSnapshot(ctx, true)
	assert.Equal(t, health.StatusUnhealthy, report.Status)
	assert.False(t, report.Checks.Bridge)
	require.NotNil(t, report.Metrics)
	assert.False(t, report.Metrics.Bridge.Healthy)
	assert.Contains(t, report.Errors, "worker bridge ping failed")
}

func TestCircuitBreakerOpensAndResets(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createBank(t, "notes")
	env.worker.set(func(w *fakeWorker) { w.statsErr = errors.New("index unreadable") })

	for range 3 {
		_, err := env.svc.GetStats(ctx, "notes")
		require.Error(t, err)
	}
	status := env.svc.CircuitBreakerStatus()
	assert.Equal(t, resilience.StateOpen, status.State)
	assert.Equal(t, 3, status.FailureCount)

	calls := env.worker.count("stats")
	_, err := env.svc.GetStats(ctx, "notes")
	require.Error(t, err)
	assert.Equal(t, calls, env.worker.count("stats"), "open breaker must reject without calling the worker")

	status = env.svc.ResetCircuitBreaker(ctx)
	assert.Equal(t, resilience.StateClosed, status.State)
	assert.Zero(t, status.FailureCount)

	env.worker.set(func(w *fakeWorker) { w.statsErr = nil })
	_, err = env.svc.GetStats(ctx, "notes")
	require.NoError(t, err)
}

func TestRestartWorkerReportsNewSession(t *testing.T) {
	env := newTestEnv(t)
	st, err := env.svc.RestartWorker(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "session-1", st.Session)
}

func TestDiagnosticsAndCacheOperations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createBank(t, "notes")
	env.worker.set(func(w *fakeWorker) { w.hits["notes"] = []searchHit{{Content: "alpha", Score: 0.9}} })

	_, err := env.svc.Search(ctx, pipeline.SearchRequest{Query: "alpha"})
	require.NoError(t, err)

	stats, err := env.svc.CacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Size)

	diag := env.svc.Diagnostics(ctx)
	assert.NotEmpty(t, diag.SystemInfo.GoVersion)
	assert.Equal(t, "ready", diag.Worker.State)
	require.NotNil(t, diag.Cache)
	assert.Equal(t, 1, diag.Cache.Size)
	require.NotNil(t, diag.HealthStatus.Metrics)

	_, err = env.svc.OptimizeCache(ctx)
	require.NoError(t, err)

	require.NoError(t, env.svc.ClearCache(ctx))
	stats, err = env.svc.CacheStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Size)
	assert.Zero(t, env.svc.validator.Stats().CacheSize)
}

func TestCorrelationIDRoundTrip(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "abc")
	assert.Equal(t, "abc", CorrelationID(ctx))
	assert.Empty(t, CorrelationID(WithCorrelationID(context.Background(), "  ")))
}
