package health

import (
	"log/slog"
	"sync"
	"time"
)

// EventKind names a health notification.
type EventKind string

const (
	// StatusChange fires when the aggregate status differs from the previous
	// snapshot.
	StatusChange EventKind = "statusChange"
	// CriticalAlert fires on every unhealthy snapshot.
	CriticalAlert EventKind = "criticalAlert"
	// WarningAlert fires on every degraded snapshot.
	WarningAlert EventKind = "warningAlert"
)

// Event is delivered to subscribers. From is only set for StatusChange.
type Event struct {
	Kind      EventKind `json:"kind"`
	From      Status    `json:"from,omitempty"`
	To        Status    `json:"to"`
	Errors    []string  `json:"errors,omitempty"`
	Warnings  []string  `json:"warnings,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler receives events of the kind it subscribed to.
type Handler func(Event)

// Notifier fans health events out to registered handlers. Handlers run
// synchronously on the publishing goroutine; a panicking handler is logged
// and does not stop delivery to the rest.
type Notifier struct {
	logger *slog.Logger

	mu       sync.RWMutex
	next     int
	handlers map[EventKind]map[int]Handler
}

// NewNotifier constructs an empty Notifier.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{logger: logger, handlers: make(map[EventKind]map[int]Handler)}
}

// Subscribe registers fn for kind and returns a func that removes it.
func (n *Notifier) Subscribe(kind EventKind, fn Handler) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	n.mu.Lock()
	id := n.next
	n.next++
	if n.handlers[kind] == nil {
		n.handlers[kind] = make(map[int]Handler)
	}
	n.handlers[kind][id] = fn
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.handlers[kind], id)
			n.mu.Unlock()
		})
	}
}

// Publish delivers ev to every handler subscribed to its kind.
func (n *Notifier) Publish(ev Event) {
	n.mu.RLock()
	handlers := make([]Handler, 0, len(n.handlers[ev.Kind]))
	for _, h := range n.handlers[ev.Kind] {
		handlers = append(handlers, h)
	}
	n.mu.RUnlock()

	for _, h := range handlers {
		n.deliver(h, ev)
	}
}

func (n *Notifier) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("health handler panicked", slog.String("event", string(ev.Kind)), slog.Any("panic", r))
		}
	}()
	h(ev)
}
