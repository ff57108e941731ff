// Package notify dispatches runner alerts to desktop, log, console and
// web-push sinks, with at most one dispatch per (kind, pane) per window.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/crewpilot/crewpilot/internal/logging"
)

var notifyLog = logging.ForComponent(logging.CompNotify)

// Kind is the category of a notification.
type Kind string

const (
	KindQuestion  Kind = "question"
	KindError     Kind = "error"
	KindStopped   Kind = "stopped"
	KindStuck     Kind = "stuck"
	KindFrozen    Kind = "frozen"
	KindDead      Kind = "dead"
	KindRecovered Kind = "recovered"
)

// Notification is one alert about one pane.
type Notification struct {
	Kind    Kind
	PaneID  string
	Title   string
	Message string
	At      time.Time
}

// Key is the rate-limit key, "<kind>-<paneID>".
func (n Notification) Key() string {
	return string(n.Kind) + "-" + n.PaneID
}

// Sink delivers a notification somewhere.
type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// DispatchFunc observes every Send decision.
type DispatchFunc func(n Notification, delivered bool)

// Manager rate-limits notifications per key and fans them out to sinks.
type Manager struct {
	window time.Duration
	sinks  []Sink

	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	lastFired map[string]time.Time

	now        func() time.Time
	onDispatch DispatchFunc
}

// NewManager returns a Manager that allows one dispatch per key per window.
// A zero window disables limiting.
func NewManager(window time.Duration, sinks ...Sink) *Manager {
	if window < 0 {
		window = 0
	}
	return &Manager{
		window:    window,
		sinks:     sinks,
		limiters:  make(map[string]*rate.Limiter),
		lastFired: make(map[string]time.Time),
		now:       time.Now,
	}
}

// OnDispatch registers a hook called after every Send decision.
func (m *Manager) OnDispatch(fn DispatchFunc) {
	m.mu.Lock()
	m.onDispatch = fn
	m.mu.Unlock()
}

// Sinks returns the configured sink names.
func (m *Manager) Sinks() []string {
	names := make([]string, 0, len(m.sinks))
	for _, s := range m.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Send dispatches n unless its key fired within the window. It reports
// whether the notification went out. Sink errors are logged, never returned.
func (m *Manager) Send(ctx context.Context, n Notification) bool {
	if n.At.IsZero() {
		n.At = m.now()
	}
	key := n.Key()

	m.mu.Lock()
	hook := m.onDispatch
	if m.window > 0 {
		lim, ok := m.limiters[key]
		if !ok {
			lim = rate.NewLimiter(rate.Every(m.window), 1)
			m.limiters[key] = lim
		}
		if !lim.AllowN(n.At, 1) {
			m.mu.Unlock()
			notifyLog.Debug("notification_rate_limited",
				slog.String("key", key),
				slog.String("pane", n.PaneID))
			if hook != nil {
				hook(n, false)
			}
			return false
		}
	}
	m.lastFired[key] = n.At
	m.mu.Unlock()

	for _, s := range m.sinks {
		if err := s.Send(ctx, n); err != nil {
			notifyLog.Warn("sink_failed",
				slog.String("sink", s.Name()),
				slog.String("key", key),
				slog.String("error", err.Error()))
		}
	}
	notifyLog.Info("notification_sent",
		slog.String("kind", string(n.Kind)),
		slog.String("pane", n.PaneID),
		slog.Int("sinks", len(m.sinks)))
	if hook != nil {
		hook(n, true)
	}
	return true
}

// ClearStale forgets keys that last fired more than maxAge ago and returns
// how many were removed.
func (m *Manager) ClearStale(maxAge time.Duration) int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, at := range m.lastFired {
		if now.Sub(at) > maxAge {
			delete(m.lastFired, key)
			delete(m.limiters, key)
			removed++
		}
	}
	return removed
}

// Tracked returns the number of keys currently remembered.
func (m *Manager) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lastFired)
}
