package watch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/crewpilot/crewpilot/internal/classify"
	"github.com/crewpilot/crewpilot/internal/logging"
	"github.com/crewpilot/crewpilot/internal/metrics"
	"github.com/crewpilot/crewpilot/internal/notify"
	"github.com/crewpilot/crewpilot/internal/project"
	"github.com/crewpilot/crewpilot/internal/statedb"
)

var watchLog = logging.ForComponent(logging.CompWatch)

const (
	DefaultInterval     = 5 * time.Second
	DefaultCaptureLines = 50

	staleSweepEvery   = 100
	staleNotification = 24 * time.Hour
	maxLoopCount      = 1_000_000
)

// Notification titles and messages of the watch loop.
const (
	TitleInputNeeded   = "Crewpilot: Input Needed"
	TitleErrorDetected = "Crewpilot: Error Detected"
	TitleRunnerStopped = "Crewpilot: Runner Stopped"
)

// CycleReport is what one watch cycle observed.
type CycleReport struct {
	At            time.Time
	Session       string
	Panes         []PaneState
	CaptureErrors int
}

// Reporter receives every cycle, e.g. to redraw the console.
type Reporter interface {
	Cycle(r CycleReport)
}

// Options configures a Watcher.
type Options struct {
	// Project keys history rows; defaults to the layout root.
	Project      string
	Session      string
	Interval     time.Duration
	CaptureLines int
	Once         bool

	Classifier *classify.Classifier
	History    History
	Reporter   Reporter
}

// Watcher is the watch loop. It is not safe for concurrent use; one
// goroutine owns it for its lifetime.
type Watcher struct {
	term   Terminal
	layout project.Layout
	mgr    *notify.Manager
	opts   Options

	prev              map[string]*PaneState
	notifiedQuestions map[string]bool
	loops             int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWatcher returns a watch loop over term for the project at layout.
func NewWatcher(term Terminal, layout project.Layout, mgr *notify.Manager, opts Options) *Watcher {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.CaptureLines <= 0 {
		opts.CaptureLines = DefaultCaptureLines
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
	return &Watcher{
		term:              term,
		layout:            layout,
		mgr:               mgr,
		opts:              opts,
		prev:              make(map[string]*PaneState),
		notifiedQuestions: make(map[string]bool),
		now:               time.Now,
		sleep:             sleepCtx,
	}
}

// Run polls until ctx is cancelled, the session ends, or after one cycle
// with Once. Cancellation is a clean exit.
func (w *Watcher) Run(ctx context.Context) error {
	watchLog.Info("watch_started",
		slog.String("session", w.opts.Session),
		slog.Duration("interval", w.opts.Interval),
		slog.Any("sinks", w.mgr.Sinks()))
	defer watchLog.Info("watch_stopped", slog.String("session", w.opts.Session))

	for {
		report, err := w.safeCycle(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			watchLog.Error("watch_cycle_failed", slog.String("error", err.Error()))
		}
		if (err != nil || len(report.Panes) == 0) && !w.term.SessionExists(ctx, w.opts.Session) {
			return fmt.Errorf("%w: %s", ErrSessionEnded, w.opts.Session)
		}
		if w.opts.Once {
			return err
		}
		if err := w.sleep(ctx, w.opts.Interval); err != nil {
			return nil
		}
	}
}

func (w *Watcher) safeCycle(ctx context.Context) (report CycleReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			watchLog.Error("watch_cycle_panic",
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("cycle panic: %v", r)
		}
	}()
	return w.Cycle(ctx), nil
}

// Cycle runs one poll over every pane in listing order.
func (w *Watcher) Cycle(ctx context.Context) CycleReport {
	start := w.now()
	w.loops++
	if w.loops%staleSweepEvery == 0 {
		if n := w.mgr.ClearStale(staleNotification); n > 0 {
			watchLog.Debug("notification_keys_evicted", slog.Int("count", n))
		}
	}
	if w.loops > maxLoopCount {
		w.notifiedQuestions = make(map[string]bool)
		w.loops = 0
	}

	report := CycleReport{At: start, Session: w.opts.Session}
	panes := w.term.ListPanes(ctx, w.opts.Session)
	seen := make(map[string]bool, len(panes))
	counts := make(map[string]int)

	for _, pane := range panes {
		content, err := w.term.CapturePane(ctx, pane.ID, w.opts.CaptureLines)
		if err != nil {
			report.CaptureErrors++
			metrics.RecordCaptureFailure()
			logging.Aggregate(logging.CompWatch, "capture_failed",
				slog.String("pane", pane.ID),
				slog.String("error", err.Error()))
			continue
		}
		seen[pane.ID] = true
		now := w.now()

		res := w.opts.Classifier.Classify(content)
		prev := w.prev[pane.ID]
		ps := PaneState{
			PaneID:     pane.ID,
			State:      res.State,
			Confidence: res.Confidence,
			Details:    res.Detail,
			Idle:       nextIdle(res.State, content, prev, w.opts.Interval),
			Changed:    prev == nil || prev.State != res.State,
			ObservedAt: now,
			Content:    content,
		}

		if ps.Changed {
			w.onTransition(ctx, prev, ps)
		}

		if err := WriteRunnerState(w.layout, NewSnapshot(ps, now)); err != nil {
			watchLog.Warn("runner_state_write_failed", slog.String("error", err.Error()))
		}

		w.prev[pane.ID] = &ps
		report.Panes = append(report.Panes, ps)
		counts[string(ps.State)]++
	}

	for id := range w.prev {
		if !seen[id] {
			delete(w.prev, id)
			delete(w.notifiedQuestions, id)
		}
	}

	metrics.SetPaneStates(counts)
	metrics.RecordCycle("watch", w.now().Sub(start))
	if w.opts.Reporter != nil {
		w.opts.Reporter.Cycle(report)
	}
	return report
}

func (w *Watcher) onTransition(ctx context.Context, prev *PaneState, ps PaneState) {
	id := ps.PaneID
	switch ps.State {
	case classify.StateQuestion:
		if !w.notifiedQuestions[id] {
			w.send(ctx, notify.KindQuestion, id, TitleInputNeeded,
				fmt.Sprintf("Runner %s is waiting for your answer", id), ps.ObservedAt)
			w.notifiedQuestions[id] = true
		}
	case classify.StateError:
		w.send(ctx, notify.KindError, id, TitleErrorDetected,
			fmt.Sprintf("Runner %s encountered an error", id), ps.ObservedAt)
	case classify.StateStopped:
		if prev != nil && prev.State != classify.StateStopped {
			w.send(ctx, notify.KindStopped, id, TitleRunnerStopped,
				fmt.Sprintf("Runner %s has stopped", id), ps.ObservedAt)
		}
	}
	if prev != nil && prev.State == classify.StateQuestion && ps.State != classify.StateQuestion {
		delete(w.notifiedQuestions, id)
	}

	if err := AppendRunnerEvent(w.layout, id, ps.State, ps.ObservedAt); err != nil {
		watchLog.Warn("runner_event_write_failed", slog.String("error", err.Error()))
	}
	metrics.RecordTransition(string(ps.State))
	watchLog.Debug("state_transition",
		slog.String("pane", id),
		slog.String("to", string(ps.State)),
		slog.Float64("confidence", ps.Confidence))

	if w.opts.History != nil {
		from := ""
		if prev != nil {
			from = string(prev.State)
		}
		err := w.opts.History.RecordTransition(statedb.Transition{
			Project:    w.opts.Project,
			Session:    w.opts.Session,
			PaneID:     id,
			FromState:  from,
			ToState:    string(ps.State),
			Confidence: ps.Confidence,
			Details:    ps.Details,
			At:         ps.ObservedAt,
		})
		if err != nil {
			watchLog.Warn("history_write_failed", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) send(ctx context.Context, kind notify.Kind, paneID, title, msg string, at time.Time) {
	w.mgr.Send(ctx, notify.Notification{Kind: kind, PaneID: paneID, Title: title, Message: msg, At: at})
}

// Check classifies every pane once, without notifications or files.
func Check(ctx context.Context, term Terminal, session string, c *classify.Classifier) []PaneState {
	if c == nil {
		c = classify.New(nil)
	}
	var out []PaneState
	for _, pane := range term.ListPanes(ctx, session) {
		content, err := term.CapturePane(ctx, pane.ID, DefaultCaptureLines)
		if err != nil {
			logging.Aggregate(logging.CompWatch, "capture_failed", slog.String("pane", pane.ID))
			continue
		}
		res := c.Classify(content)
		out = append(out, PaneState{
			PaneID:     pane.ID,
			State:      res.State,
			Confidence: res.Confidence,
			Details:    res.Detail,
			Changed:    true,
			ObservedAt: time.Now(),
			Content:    content,
		})
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
