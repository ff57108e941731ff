package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crewpilot/crewpilot/internal/metrics"
	"github.com/crewpilot/crewpilot/internal/notify"
	"github.com/crewpilot/crewpilot/internal/platform"
	"github.com/crewpilot/crewpilot/internal/project"
	"github.com/crewpilot/crewpilot/internal/statedb"
	"github.com/crewpilot/crewpilot/internal/watch"
)

// watcherHeartbeat is how often a live watch process refreshes its row.
const watcherHeartbeat = 10 * time.Second

func handleWatch(ctx context.Context, app *App, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	interval := fs.Int("interval", 0, "Poll interval in seconds (default: 5)")
	method := fs.String("notify", "", "Notification method: desktop, log, both, push, all (default: desktop)")
	logFile := fs.String("log-file", "", "Log sink file (default: .team-config/watch-notifications.log)")
	once := fs.Bool("once", false, "Run a single cycle and exit")
	rateLimit := fs.Int("rate-limit", 0, "Minutes between identical alerts (default: 5)")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9464)")
	jsonOutput := fs.Bool("json", false, "Print each cycle as a JSON line instead of redrawing")

	fs.Usage = func() {
		fmt.Println("Usage: crewpilot watch [options]")
		fmt.Println()
		fmt.Println("Watch every runner pane and notify when one needs input, fails or stops.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
		fmt.Println()
		fmt.Println("Examples:")
		fmt.Println("  crewpilot watch")
		fmt.Println("  crewpilot watch --notify both --interval 10")
		fmt.Println("  crewpilot watch --once --json")
	}
	if _, err := parseFlags(fs, args); err != nil {
		return err
	}

	cfg := app.Cfg
	m, err := notify.ParseMethod(firstNonEmpty(*method, cfg.WatchNotify()))
	if err != nil {
		return &usageError{msg: err.Error()}
	}
	pollInterval := cfg.WatchInterval()
	if *interval > 0 {
		pollInterval = time.Duration(*interval) * time.Second
	}
	window := cfg.WatchRateLimit()
	if *rateLimit > 0 {
		window = time.Duration(*rateLimit) * time.Minute
	}
	addr := firstNonEmpty(*metricsAddr, cfg.Metrics.Listen)

	layout := app.Layout
	if err := layout.RequireInitialized(); err != nil {
		return withHint(errors.New("✗ No .team-config/ found"), ErrCodeNotInitialized,
			"Run crewpilot init to set up your project first.")
	}
	if err := app.requireTmux(); err != nil {
		return err
	}
	session := layout.SessionName()
	if err := watch.Preflight(ctx, app.Tmux, layout, session); err != nil {
		return withHint(fmt.Errorf("%s Session %q is not active.", warnSymbol, session), ErrCodeSessionInactive,
			"Run crewpilot start or crewpilot resume first.")
	}

	logPath := ""
	if m == notify.MethodLog || m == notify.MethodBoth || m == notify.MethodAll {
		logPath = layout.Resolve(firstNonEmpty(*logFile, cfg.WatchLogFile()))
	}
	mgr := app.notifier(m, window, logPath, "")

	if !*jsonOutput {
		app.printWatchHeader(session, m, pollInterval, window, logPath)
	}
	if logPath != "" {
		header := fmt.Sprintf("\n[%s] Watch started for %s\n", project.ISOTime(app.now()), session)
		if err := notify.NewLogSink(logPath, "").Append(header); err != nil {
			fmt.Fprintln(app.Stdout, app.Styles.Warn.Render(fmt.Sprintf("%s Could not initialize log file: %v", warnSymbol, err)))
		}
	}

	db := app.openHistory()
	if db != nil {
		defer db.Close()
		if err := db.RegisterWatcher("watch", layout.Root, session); err != nil {
			cliLog.Warn("watcher_register_failed", slog.String("error", err.Error()))
		}
		defer func() { _ = db.UnregisterWatcher() }()
	}

	var reporter watch.Reporter = &watchConsole{app: app, project: layout.ProjectName(), method: string(m), platform: platform.Detect()}
	if *jsonOutput {
		reporter = &jsonCycleReporter{w: app.Stdout}
	}

	w := watch.NewWatcher(app.Tmux, layout, mgr, watch.Options{
		Project:      layout.Root,
		Session:      session,
		Interval:     pollInterval,
		CaptureLines: cfg.CaptureLines(),
		Once:         *once,
		Classifier:   app.classifier(),
		History:      historyOf(db),
		Reporter:     reporter,
	})

	if addr != "" {
		metrics.Init(Version)
	}
	err = runSupervised(ctx, addr, db, w.Run)
	if errors.Is(err, watch.ErrSessionEnded) {
		app.println(app.Styles.Err.Render("\nSession ended. Stopping watch."))
		return nil
	}
	return err
}

// runSupervised runs loop next to the optional metrics server and watcher
// heartbeat. When loop returns the others are stopped.
func runSupervised(ctx context.Context, metricsAddr string, db *statedb.StateDB, loop func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	loopCtx, cancel := context.WithCancel(gctx)

	g.Go(func() error {
		defer cancel()
		return loop(loopCtx)
	})
	if metricsAddr != "" {
		g.Go(func() error {
			if err := metrics.Serve(loopCtx, metricsAddr); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	if db != nil {
		g.Go(func() error {
			ticker := time.NewTicker(watcherHeartbeat)
			defer ticker.Stop()
			for {
				select {
				case <-loopCtx.Done():
					return nil
				case <-ticker.C:
					if err := db.Heartbeat(); err != nil {
						cliLog.Debug("watcher_heartbeat_failed", slog.String("error", err.Error()))
					}
				}
			}
		})
	}
	return g.Wait()
}

func (a *App) printWatchHeader(session string, m notify.Method, interval, window time.Duration, logPath string) {
	st := a.Styles
	notifier := platform.DesktopNotifier()
	status := st.OK.Render("available")
	if !notifier.Available() {
		status = st.Warn.Render("unavailable (fallback to console)")
	}
	a.println(st.Bold.Render(fmt.Sprintf("\n── Crewpilot Watch: %s ──\n", a.Layout.ProjectName())))
	a.println(st.Muted.Render("Session: " + session))
	a.println(st.Muted.Render(fmt.Sprintf("Poll interval: %gs", interval.Seconds())))
	a.println(st.Muted.Render(fmt.Sprintf("Notifications: %s (%s ", m, platform.Detect())) + status + st.Muted.Render(")"))
	a.println(st.Muted.Render(fmt.Sprintf("Rate limit: %gm between same alerts", window.Minutes())))
	if logPath != "" {
		a.println(st.Muted.Render("Log file: " + logPath))
	}
	a.println(st.Muted.Render("\nPress Ctrl+C to stop watching\n"))
}

// watchConsole redraws the pane list after every cycle.
type watchConsole struct {
	app      *App
	project  string
	method   string
	platform platform.Platform
}

func (c *watchConsole) Cycle(r watch.CycleReport) {
	a := c.app
	st := a.Styles
	a.clear()
	a.println(st.Bold.Render(fmt.Sprintf("── Crewpilot Watch: %s ──", c.project)))
	a.println(st.Muted.Render(fmt.Sprintf("Session: %s | %s", r.Session, r.At.Local().Format("15:04:05"))))
	a.println(st.Muted.Render(fmt.Sprintf("Platform: %s | Notifications: %s\n", c.platform, c.method)))

	width := a.width()
	for _, ps := range r.Panes {
		line := st.FormatState(ps) + " " + st.Muted.Render(ps.PaneID)
		if ps.Changed {
			line += st.Warn.Render(" [CHANGED]")
		}
		a.println(line)
		if ps.Details != "" {
			a.println(st.Muted.Render("  " + truncateWidth(ps.Details, width-2)))
		}
	}
	if len(r.Panes) == 0 {
		a.println(st.Warn.Render(warnSymbol + " No active panes found in session."))
	}
	if r.CaptureErrors > 0 {
		a.println(st.Muted.Render(fmt.Sprintf("(%d %s could not be captured)", r.CaptureErrors, plural(r.CaptureErrors, "pane", "s"))))
	}
	a.println(st.Muted.Render("\n" + rule(40)))
	a.println(st.Muted.Render("Press Ctrl+C to stop watching"))
}

// jsonCycleReporter prints one JSON document per cycle.
type jsonCycleReporter struct {
	w io.Writer
}

type cycleJSON struct {
	At            string            `json:"at"`
	Session       string            `json:"session"`
	Panes         []watch.PaneState `json:"panes"`
	CaptureErrors int               `json:"captureErrors"`
}

func (j *jsonCycleReporter) Cycle(r watch.CycleReport) {
	panes := r.Panes
	if panes == nil {
		panes = []watch.PaneState{}
	}
	data, err := json.Marshal(cycleJSON{
		At:            project.ISOTime(r.At),
		Session:       r.Session,
		Panes:         panes,
		CaptureErrors: r.CaptureErrors,
	})
	if err != nil {
		return
	}
	fmt.Fprintln(j.w, string(data))
}

func handleCheck(ctx context.Context, app *App, args []string) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: crewpilot check [--json]")
		fmt.Println()
		fmt.Println("Classify every runner pane once. Nothing is written or notified.")
	}
	if _, err := parseFlags(fs, args); err != nil {
		return err
	}

	layout := app.Layout
	if err := layout.RequireInitialized(); err != nil {
		return withHint(errors.New("✗ No .team-config/ found"), ErrCodeNotInitialized,
			"Run crewpilot init to set up your project first.")
	}
	if err := app.requireTmux(); err != nil {
		return err
	}
	session := layout.SessionName()
	if !app.Tmux.SessionExists(ctx, session) {
		return withHint(fmt.Errorf("%s Session %q is not active.", warnSymbol, session), ErrCodeSessionInactive,
			"Run crewpilot start or crewpilot resume first.")
	}

	states := watch.Check(ctx, app.Tmux, session, app.classifier())
	if *jsonOutput {
		if states == nil {
			states = []watch.PaneState{}
		}
		app.output(true).Print("", states)
		return nil
	}
	app.printCheck(states)
	return nil
}

func (a *App) printCheck(states []watch.PaneState) {
	st := a.Styles
	a.println(st.Bold.Render("\n── Runner Status ──\n"))
	for _, ps := range states {
		a.println(st.FormatState(ps) + " " + st.Muted.Render(ps.PaneID))
		if ps.Details != "" {
			a.println(st.Muted.Render("  " + truncateWidth(ps.Details, a.width()-2)))
		}
	}
	if len(states) == 0 {
		a.println(st.Warn.Render(warnSymbol + " No active panes found."))
	}
	a.println("")
}

// firstNonEmpty returns the first non-empty string.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
