package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/crewpilot/crewpilot/internal/classify"
	"github.com/crewpilot/crewpilot/internal/logging"
	"github.com/crewpilot/crewpilot/internal/metrics"
	"github.com/crewpilot/crewpilot/internal/notify"
	"github.com/crewpilot/crewpilot/internal/project"
	"github.com/crewpilot/crewpilot/internal/statedb"
	"github.com/crewpilot/crewpilot/internal/tracker"
)

var monitorLog = logging.ForComponent(logging.CompMonitor)

const (
	DefaultMonitorInterval = 30 * time.Second

	TitleStuckRunner  = "Crewpilot: Stuck Runner"
	TitleFrozenRunner = "Crewpilot: Frozen Runner"
	TitleDeadRunner   = "Crewpilot: Dead Runner"
	TitleRecovered    = "Crewpilot: Runner Recovered"

	heartbeatEvery = 10
	monitorPaneID  = "monitor"
)

// HeartbeatEntry is one JSON line of heartbeat.log.
type HeartbeatEntry struct {
	Timestamp   string `json:"timestamp"`
	SessionName string `json:"sessionName"`
	PaneID      string `json:"paneId"`
	State       string `json:"state"`
	ContentHash string `json:"contentHash"`
	Alert       string `json:"alert,omitempty"`
	Details     string `json:"details,omitempty"`
}

// MonitorEventKind classifies what the monitor reports to the console.
type MonitorEventKind string

const (
	EventPaneState  MonitorEventKind = "state"
	EventRecovered  MonitorEventKind = "recovered"
	EventStuck      MonitorEventKind = "stuck"
	EventFrozen     MonitorEventKind = "frozen"
	EventDead       MonitorEventKind = "dead"
	EventNoSession  MonitorEventKind = "no_session"
	EventNoPanes    MonitorEventKind = "no_panes"
	EventCycleError MonitorEventKind = "error"
)

// MonitorEvent is one console-worthy observation.
type MonitorEvent struct {
	At       time.Time
	Kind     MonitorEventKind
	PaneID   string
	State    classify.State
	NoChange int
	Message  string
}

// MonitorReporter receives monitor events.
type MonitorReporter interface {
	Event(e MonitorEvent)
}

// MonitorOptions configures a Monitor.
type MonitorOptions struct {
	Project      string
	Session      string
	Interval     time.Duration
	CaptureLines int
	Thresholds   tracker.Thresholds

	Classifier *classify.Classifier
	History    History
	Reporter   MonitorReporter
}

// Monitor is the stuck/dead detection loop.
type Monitor struct {
	term   Terminal
	layout project.Layout
	mgr    *notify.Manager
	opts   MonitorOptions
	set    *tracker.Set

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewMonitor returns a monitor loop over term for the project at layout.
func NewMonitor(term Terminal, layout project.Layout, mgr *notify.Manager, opts MonitorOptions) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultMonitorInterval
	}
	if opts.CaptureLines <= 0 {
		opts.CaptureLines = DefaultCaptureLines
	}
	if opts.Thresholds.Stuck <= 0 || opts.Thresholds.Frozen <= 0 {
		opts.Thresholds = tracker.DefaultThresholds()
	}
	if opts.Classifier == nil {
		opts.Classifier = classify.New(nil)
	}
	if opts.Project == "" {
		opts.Project = layout.Root
	}
	if mgr == nil {
		mgr = notify.NewManager(0)
	}
	return &Monitor{
		term:   term,
		layout: layout,
		mgr:    mgr,
		opts:   opts,
		set:    tracker.NewSet(),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Trackers exposes the per-pane history.
func (m *Monitor) Trackers() *tracker.Set { return m.set }

// Init writes the heartbeat header when the log is new, then the started entry.
func (m *Monitor) Init() error {
	path := m.layout.Heartbeat()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("initialize heartbeat log: %w", err)
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		header := fmt.Sprintf("# Crewpilot Heartbeat Log\n# Started: %s\n# Format: JSON lines\n\n", project.ISOTime(m.now()))
		if err := os.WriteFile(path, []byte(header), 0o644); err != nil {
			return fmt.Errorf("initialize heartbeat log: %w", err)
		}
	}
	return m.writeHeartbeat(HeartbeatEntry{
		Timestamp:   project.ISOTime(m.now()),
		SessionName: m.opts.Session,
		PaneID:      monitorPaneID,
		State:       "started",
		Details:     fmt.Sprintf("Monitoring started with %ss interval", formatSeconds(m.opts.Interval)),
	})
}

func (m *Monitor) writeHeartbeat(e HeartbeatEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := project.AppendFile(m.layout.Heartbeat(), string(data)+"\n"); err != nil {
		monitorLog.Warn("heartbeat_write_failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// Run performs Init and then polls until ctx is cancelled. Cycle failures
// are recorded and the loop continues.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.Init(); err != nil {
		monitorLog.Error("heartbeat_init_failed", slog.String("error", err.Error()))
	}
	monitorLog.Info("monitor_started",
		slog.String("session", m.opts.Session),
		slog.Duration("interval", m.opts.Interval))
	defer monitorLog.Info("monitor_stopped", slog.String("session", m.opts.Session))

	for {
		if err := m.safeCycle(ctx); err != nil && ctx.Err() == nil {
			at := m.now()
			monitorLog.Error("monitor_cycle_failed", slog.String("error", err.Error()))
			m.report(MonitorEvent{At: at, Kind: EventCycleError, Message: err.Error()})
			_ = m.writeHeartbeat(HeartbeatEntry{
				Timestamp:   project.ISOTime(at),
				SessionName: m.opts.Session,
				PaneID:      monitorPaneID,
				State:       "error",
				Alert:       "monitor_error",
				Details:     err.Error(),
			})
		}
		if m.opts.History != nil {
			if err := m.opts.History.Heartbeat(); err != nil {
				monitorLog.Debug("watcher_heartbeat_failed", slog.String("error", err.Error()))
			}
		}
		if err := m.sleep(ctx, m.opts.Interval); err != nil {
			return nil
		}
	}
}

func (m *Monitor) safeCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			monitorLog.Error("monitor_cycle_panic",
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("%v", r)
		}
	}()
	return m.Cycle(ctx)
}

// Cycle checks every pane once.
func (m *Monitor) Cycle(ctx context.Context) error {
	start := m.now()
	session := m.opts.Session

	if !m.term.SessionExists(ctx, session) {
		m.report(MonitorEvent{At: start, Kind: EventNoSession, Message: fmt.Sprintf("Session %q not active", session)})
		return m.writeHeartbeat(HeartbeatEntry{
			Timestamp:   project.ISOTime(start),
			SessionName: session,
			PaneID:      monitorPaneID,
			State:       "no_session",
			Alert:       "Session not active",
		})
	}

	panes := m.term.ListPanes(ctx, session)
	if len(panes) == 0 {
		m.report(MonitorEvent{At: start, Kind: EventNoPanes, Message: "No panes found in session"})
		return nil
	}

	live := make([]string, 0, len(panes))
	var firstErr error
	for _, pane := range panes {
		live = append(live, pane.ID)
		content, err := m.term.CapturePane(ctx, pane.ID, m.opts.CaptureLines)
		if err != nil {
			metrics.RecordCaptureFailure()
			logging.Aggregate(logging.CompMonitor, "capture_failed",
				slog.String("pane", pane.ID),
				slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = fmt.Errorf("capture %s: %w", pane.ID, err)
			}
			continue
		}
		m.checkPane(ctx, pane.ID, content, m.now())
	}

	for _, id := range m.set.Retain(live) {
		monitorLog.Debug("tracker_dropped", slog.String("pane", id))
	}
	metrics.RecordCycle("monitor", m.now().Sub(start))
	return firstErr
}

func (m *Monitor) checkPane(ctx context.Context, paneID, content string, now time.Time) {
	res := m.opts.Classifier.Classify(content)
	obs := m.set.Observe(paneID, content, res.State, now)
	t := obs.Tracker
	ts := project.ISOTime(now)

	for _, kind := range obs.Recovered {
		msg := fmt.Sprintf("%s recovered from %s state", paneID, kind)
		m.report(MonitorEvent{At: now, Kind: EventRecovered, PaneID: paneID, State: res.State, Message: msg})
		m.mgr.Send(ctx, notify.Notification{
			Kind: notify.KindRecovered, PaneID: paneID,
			Title: TitleRecovered, Message: "Runner " + msg, At: now,
		})
		if m.opts.History != nil {
			if _, err := m.opts.History.ResolveAlerts(m.opts.Project, paneID, string(kind), now); err != nil {
				monitorLog.Warn("history_write_failed", slog.String("error", err.Error()))
			}
		}
	}

	// Frozen escalates a pane that is already stuck, so each level has its
	// own rising edge.
	stuck := tracker.DetectStuck(t, res.State, m.opts.Interval, m.opts.Thresholds)
	if stuck.Stuck && m.set.Alerts(tracker.AlertStuck).Activate(paneID) {
		msg := fmt.Sprintf("Runner %s appears stuck: %s", paneID, stuck.Reason)
		m.raise(ctx, tracker.AlertStuck, notify.KindStuck, TitleStuckRunner, EventStuck, paneID, res.State, t.ContentHash, msg, stuck.Reason, now)
	}
	if stuck.Frozen && m.set.Alerts(tracker.AlertFrozen).Activate(paneID) {
		msg := fmt.Sprintf("Runner %s appears frozen: %s", paneID, stuck.Reason)
		m.raise(ctx, tracker.AlertFrozen, notify.KindFrozen, TitleFrozenRunner, EventFrozen, paneID, res.State, t.ContentHash, msg, stuck.Reason, now)
	}

	dead := tracker.DetectDead(m.opts.Classifier.Patterns(), res.State, content)
	if dead.Dead && m.set.Alerts(tracker.AlertDead).Activate(paneID) {
		msg := fmt.Sprintf("Runner %s appears dead: %s", paneID, dead.Reason)
		m.raise(ctx, tracker.AlertDead, notify.KindDead, TitleDeadRunner, EventDead, paneID, res.State, t.ContentHash, msg, dead.Reason, now)
	}

	if t.ConsecutiveNoChange == 0 || t.ConsecutiveNoChange%heartbeatEvery == 0 {
		_ = m.writeHeartbeat(HeartbeatEntry{
			Timestamp:   ts,
			SessionName: m.opts.Session,
			PaneID:      paneID,
			State:       string(res.State),
			ContentHash: t.ContentHash,
		})
	}

	m.report(MonitorEvent{At: now, Kind: EventPaneState, PaneID: paneID, State: res.State, NoChange: t.ConsecutiveNoChange})
}

func (m *Monitor) raise(ctx context.Context, alert tracker.AlertKind, kind notify.Kind, title string,
	ev MonitorEventKind, paneID string, state classify.State, hash, msg, reason string, now time.Time) {
	m.report(MonitorEvent{At: now, Kind: ev, PaneID: paneID, State: state, Message: msg})
	m.mgr.Send(ctx, notify.Notification{Kind: kind, PaneID: paneID, Title: title, Message: msg, At: now})
	_ = m.writeHeartbeat(HeartbeatEntry{
		Timestamp:   project.ISOTime(now),
		SessionName: m.opts.Session,
		PaneID:      paneID,
		State:       string(state),
		ContentHash: hash,
		Alert:       string(alert),
		Details:     reason,
	})
	metrics.RecordAlert(string(alert))
	monitorLog.Warn("alert_raised",
		slog.String("pane", paneID),
		slog.String("kind", string(alert)),
		slog.String("reason", reason))
	if m.opts.History != nil {
		if err := m.opts.History.RecordAlert(statedb.Alert{
			Project: m.opts.Project,
			Session: m.opts.Session,
			PaneID:  paneID,
			Kind:    string(alert),
			Reason:  reason,
			At:      now,
		}); err != nil {
			monitorLog.Warn("history_write_failed", slog.String("error", err.Error()))
		}
	}
}

func (m *Monitor) report(e MonitorEvent) {
	if m.opts.Reporter != nil {
		m.opts.Reporter.Event(e)
	}
}

func formatSeconds(d time.Duration) string {
	return fmt.Sprintf("%g", d.Seconds())
}
