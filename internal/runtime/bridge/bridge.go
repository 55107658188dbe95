package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/l0p7/bankbridge/internal/metrics"
)

const closeGrace = time.Second

// State describes the worker lifecycle as seen by the bridge.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateReady
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateTerminated:
		return "terminated"
	default:
		return "stopped"
	}
}

// Options configures a Bridge.
type Options struct {
	Launcher     Launcher
	ReadyTimeout time.Duration
	CallTimeout  time.Duration
	PingTimeout  time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

// Status is a point-in-time view of the bridge.
type Status struct {
	State     string    `json:"state"`
	Session   string    `json:"session,omitempty"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"startedAt,omitzero"`
	Pending   int       `json:"pending"`
	LastError string    `json:"lastError,omitempty"`
}

// Bridge multiplexes request/response calls over the stdin/stdout of a
// single long-lived worker process.
type Bridge struct {
	launcher     Launcher
	readyTimeout time.Duration
	callTimeout  time.Duration
	pingTimeout  time.Duration
	logger       *slog.Logger
	metrics      *metrics.Recorder

	startup singleflight.Group
	nextID  atomic.Uint64

	mu      sync.Mutex
	state   State
	current *session
	lastErr error
}

type session struct {
	id        string
	proc      Process
	startedAt time.Time

	// writes feeds the session's single stdin writer. A request is handed
	// over whole or not at all.
	writes chan outbound

	// guarded by Bridge.mu
	pending map[string]*pendingCall
	closed  bool
	cause   error

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	exited    chan struct{}
}

type pendingCall struct {
	method  string
	started time.Time
	reply   chan reply
}

type outbound struct {
	payload []byte
	written chan error
}

type reply struct {
	result json.RawMessage
	err    error
}

// New constructs a stopped Bridge. Initialize spawns the worker.
func New(opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		launcher:     opts.Launcher,
		readyTimeout: opts.ReadyTimeout,
		callTimeout:  opts.CallTimeout,
		pingTimeout:  opts.PingTimeout,
		logger:       logger.With(slog.String("agent", "bridge")),
		metrics:      opts.Metrics,
	}
	if b.readyTimeout <= 0 {
		b.readyTimeout = 10 * time.Second
	}
	if b.callTimeout <= 0 {
		b.callTimeout = 30 * time.Second
	}
	if b.pingTimeout <= 0 {
		b.pingTimeout = time.Second
	}
	return b
}

// Initialize spawns the worker and waits for its ready sentinel. Concurrent
// callers share a single spawn and its outcome. Returns immediately when the
// worker is already ready.
func (b *Bridge) Initialize(ctx context.Context) error {
	if b.Ready() {
		return nil
	}
	if b.launcher == nil {
		return fmt.Errorf("%w: no launcher configured", ErrStartupFailed)
	}
	ch := b.startup.DoChan("initialize", func() (any, error) {
		return nil, b.start(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether calls are currently accepted.
func (b *Bridge) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateReady && b.current != nil
}

func (b *Bridge) start(ctx context.Context) error {
	b.mu.Lock()
	if b.state == StateReady && b.current != nil {
		b.mu.Unlock()
		return nil
	}
	b.state = StateStarting
	b.mu.Unlock()

	proc, err := b.launcher.Launch(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrStartupFailed, err)
		b.mu.Lock()
		b.state = StateTerminated
		b.lastErr = err
		b.mu.Unlock()
		b.logger.Error("bridge: worker launch failed", slog.Any("error", err))
		return err
	}

	s := &session{
		id:        uuid.NewString(),
		proc:      proc,
		startedAt: time.Now(),
		pending:   make(map[string]*pendingCall),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
		writes:    make(chan outbound),
	}
	b.mu.Lock()
	b.current = s
	b.mu.Unlock()

	stderrDone := make(chan struct{})
	go b.writeStdin(s)
	go b.readStderr(s, stderrDone)
	go b.readStdout(s, stderrDone)

	timer := time.NewTimer(b.readyTimeout)
	defer timer.Stop()

	select {
	case <-s.ready:
		b.mu.Lock()
		if s.closed || b.current != s {
			cause := s.cause
			if cause == nil {
				cause = errors.New("session replaced during startup")
			}
			b.mu.Unlock()
			return fmt.Errorf("%w: %w", ErrStartupFailed, cause)
		}
		b.state = StateReady
		b.lastErr = nil
		b.mu.Unlock()
		b.metrics.SetBridgeUp(true)
		b.logger.Info("bridge: worker ready",
			slog.String("session", s.id),
			slog.Int("pid", proc.Pid()),
			slog.Duration("startup", time.Since(s.startedAt)),
		)
		return nil
	case <-s.done:
		err := fmt.Errorf("%w: worker exited before ready", ErrStartupFailed)
		b.mu.Lock()
		if b.current == s {
			b.lastErr = err
		}
		b.mu.Unlock()
		b.logger.Error("bridge: worker exited during startup", slog.String("session", s.id))
		return err
	case <-timer.C:
		err := fmt.Errorf("%w: worker not ready within %s", ErrStartupFailed, b.readyTimeout)
		b.terminate(s, err)
		_ = proc.Kill()
		return err
	}
}

func (b *Bridge) readStdout(s *session, stderrDone <-chan struct{}) {
	defer close(s.exited)

	reader := bufio.NewReader(s.proc.Stdout())
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if len(bytes.TrimSpace(line)) > 0 {
				b.logger.Warn("bridge: discarding incomplete worker output",
					slog.String("session", s.id),
					slog.Int("bytes", len(line)),
				)
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				b.logger.Debug("bridge: worker stdout read failed", slog.String("session", s.id), slog.Any("error", err))
			}
			break
		}
		b.handleLine(s, line)
	}

	b.terminate(s, fmt.Errorf("%w: worker output closed", ErrTerminated))
	_ = s.proc.Kill()
	<-stderrDone
	if err := s.proc.Wait(); err != nil {
		b.logger.Debug("bridge: worker exit", slog.String("session", s.id), slog.Any("error", err))
	}
}

func (b *Bridge) readStderr(s *session, done chan<- struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(s.proc.Stderr())
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		b.logger.Warn("bridge: worker stderr", slog.String("session", s.id), slog.String("line", line))
	}
	// Keep draining after an oversized line so the worker never blocks on stderr.
	_, _ = io.Copy(io.Discard, s.proc.Stderr())
}

func (b *Bridge) handleLine(s *session, line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	var msg inbound
	if err := json.Unmarshal(line, &msg); err != nil {
		b.logger.Warn("bridge: skipping malformed worker output",
			slog.String("session", s.id),
			slog.String("line", preview(line)),
			slog.Any("error", err),
		)
		return
	}
	if msg.ID == "" {
		if msg.Status == "ready" {
			s.readyOnce.Do(func() { close(s.ready) })
			return
		}
		b.logger.Warn("bridge: worker message without id", slog.String("session", s.id), slog.String("line", preview(line)))
		return
	}

	b.mu.Lock()
	call, ok := s.pending[string(msg.ID)]
	if ok {
		delete(s.pending, string(msg.ID))
	}
	pending := len(s.pending)
	b.mu.Unlock()

	if !ok {
		b.logger.Warn("bridge: response for unknown call", slog.String("session", s.id), slog.String("id", string(msg.ID)))
		return
	}
	b.metrics.SetBridgePending(pending)

	if msg.Error != nil {
		werr := *msg.Error
		werr.Method = call.method
		if werr.Traceback != "" {
			b.logger.Debug("bridge: worker traceback",
				slog.String("method", call.method),
				slog.String("traceback", werr.Traceback),
			)
		}
		call.reply <- reply{err: &werr}
		return
	}
	call.reply <- reply{result: msg.Result}
}

// terminate fails every pending call of s with cause. Safe to call repeatedly.
func (b *Bridge) terminate(s *session, cause error) {
	b.mu.Lock()
	if s.closed {
		b.mu.Unlock()
		return
	}
	s.closed = true
	s.cause = cause
	calls := s.pending
	s.pending = make(map[string]*pendingCall)
	current := b.current == s
	if current {
		b.state = StateTerminated
		b.lastErr = cause
	}
	b.mu.Unlock()

	close(s.done)
	for _, call := range calls {
		call.reply <- reply{err: cause}
	}
	if current {
		b.metrics.SetBridgeUp(false)
		b.metrics.SetBridgePending(0)
	}
	b.logger.Warn("bridge: worker session ended",
		slog.String("session", s.id),
		slog.Int("failed_calls", len(calls)),
		slog.Any("cause", cause),
	)
}

func (b *Bridge) abandon(s *session, id string) {
	b.mu.Lock()
	delete(s.pending, id)
	pending := len(s.pending)
	b.mu.Unlock()
	b.metrics.SetBridgePending(pending)
}

// writeStdin serializes requests onto the worker's stdin until the session
// ends. A blocked write only stalls this goroutine; callers keep their own
// deadlines.
func (b *Bridge) writeStdin(s *session) {
	for {
		select {
		case out := <-s.writes:
			_, err := s.proc.Stdin().Write(out.payload)
			out.written <- err
		case <-s.done:
			return
		}
	}
}

// Call sends one request to the worker and waits for its response. A zero
// timeout selects the configured call timeout. A timed out call is forgotten;
// a late response for it is logged and dropped.
func (b *Bridge) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = b.callTimeout
	}
	if params == nil {
		params = map[string]any{}
	}
	id := strconv.FormatUint(b.nextID.Add(1), 10)
	payload, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("bridge: encode %s request: %w", method, err)
	}
	payload = append(payload, '\n')

	call := &pendingCall{method: method, started: time.Now(), reply: make(chan reply, 1)}

	b.mu.Lock()
	s := b.current
	if b.state != StateReady || s == nil || s.closed {
		b.mu.Unlock()
		b.metrics.ObserveBridgeCall(method, "unavailable", 0)
		return nil, ErrUnavailable
	}
	s.pending[id] = call
	pending := len(s.pending)
	b.mu.Unlock()
	b.metrics.SetBridgePending(pending)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// The deadline covers the hand-off to the writer as well as the reply;
	// a worker that stops reading stdin must not hold callers past it.
	written := make(chan error, 1)
	send := s.writes
	for {
		select {
		case send <- outbound{payload: payload, written: written}:
			send = nil
		case err := <-written:
			written = nil
			if err != nil {
				b.abandon(s, id)
				b.metrics.ObserveBridgeCall(method, "error", time.Since(call.started))
				return nil, fmt.Errorf("bridge: write to worker process: %w", err)
			}
		case r := <-call.reply:
			outcome := "ok"
			if r.err != nil {
				outcome = "error"
			}
			b.metrics.ObserveBridgeCall(method, outcome, time.Since(call.started))
			return r.result, r.err
		case <-timer.C:
			b.abandon(s, id)
			b.metrics.ObserveBridgeCall(method, "timeout", time.Since(call.started))
			b.logger.Warn("bridge: call timed out", slog.String("method", method), slog.String("id", id), slog.Duration("timeout", timeout))
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, method, timeout)
		case <-ctx.Done():
			b.abandon(s, id)
			b.metrics.ObserveBridgeCall(method, "canceled", time.Since(call.started))
			return nil, ctx.Err()
		}
	}
}

// CallJSON is Call followed by decoding the result into out.
func (b *Bridge) CallJSON(ctx context.Context, method string, params any, timeout time.Duration, out any) error {
	raw, err := b.Call(ctx, method, params, timeout)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("bridge: decode %s result: %w", method, err)
	}
	return nil
}

// Ping reports whether the worker answers a ping within the ping timeout.
func (b *Bridge) Ping(ctx context.Context) bool {
	raw, err := b.Call(ctx, "ping", nil, b.pingTimeout)
	if err != nil {
		return false
	}
	var pong string
	return json.Unmarshal(raw, &pong) == nil && pong == "pong"
}

// Close fails pending calls, closes the worker's stdin and waits for it to
// exit, killing it after a short grace period.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	s := b.current
	if s == nil {
		b.state = StateStopped
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	b.terminate(s, fmt.Errorf("%w: bridge shut down", ErrTerminated))
	_ = s.proc.Stdin().Close()

	var err error
	grace := time.NewTimer(closeGrace)
	defer grace.Stop()
	select {
	case <-s.exited:
	case <-grace.C:
		_ = s.proc.Kill()
		select {
		case <-s.exited:
		case <-ctx.Done():
			err = ctx.Err()
		}
	case <-ctx.Done():
		_ = s.proc.Kill()
		err = ctx.Err()
	}

	b.mu.Lock()
	if b.current == s {
		b.current = nil
		b.state = StateStopped
	}
	b.mu.Unlock()
	b.logger.Info("bridge: worker stopped", slog.String("session", s.id))
	return err
}

// Restart stops the current worker, if any, and spawns a fresh one.
func (b *Bridge) Restart(ctx context.Context) error {
	if err := b.Close(ctx); err != nil {
		return err
	}
	return b.Initialize(ctx)
}

// Status reports the lifecycle state and the current session, if any.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Status{State: b.state.String()}
	if b.lastErr != nil {
		st.LastError = b.lastErr.Error()
	}
	if s := b.current; s != nil {
		st.Session = s.id
		st.PID = s.proc.Pid()
		st.StartedAt = s.startedAt
		st.Pending = len(s.pending)
	}
	return st
}

func preview(line []byte) string {
	const limit = 200
	if len(line) <= limit {
		return string(line)
	}
	return string(line[:limit]) + "..."
}
