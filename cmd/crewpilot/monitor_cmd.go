package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/crewpilot/crewpilot/internal/metrics"
	"github.com/crewpilot/crewpilot/internal/notify"
	"github.com/crewpilot/crewpilot/internal/project"
	"github.com/crewpilot/crewpilot/internal/tracker"
	"github.com/crewpilot/crewpilot/internal/watch"
)

// alertPrefix marks monitor alerts in heartbeat.log.
const alertPrefix = "ALERT: "

func handleMonitor(ctx context.Context, app *App, args []string) error {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	interval := fs.Int("interval", 0, "Check interval in seconds (default: 30)")
	method := fs.String("notify", "", "Notification method: desktop, log, both, push, all (default: both)")
	stuck := fs.Int("stuck", 0, "Unchanged cycles before a working runner is stuck (default: 3)")
	frozen := fs.Int("frozen", 0, "Unchanged cycles before any runner is frozen (default: 6)")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9464)")

	fs.Usage = func() {
		fmt.Println("Usage: crewpilot monitor [options]")
		fmt.Println()
		fmt.Println("Detect stuck and dead runners and keep .team-config/heartbeat.log.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if _, err := parseFlags(fs, args); err != nil {
		return err
	}

	cfg := app.Cfg
	m, err := notify.ParseMethod(firstNonEmpty(*method, cfg.MonitorNotify()))
	if err != nil {
		return &usageError{msg: err.Error()}
	}
	every := cfg.MonitorInterval()
	if *interval > 0 {
		every = time.Duration(*interval) * time.Second
	}
	th := tracker.DefaultThresholds()
	th.Stuck, th.Frozen = cfg.StuckThresholds()
	if *stuck > 0 {
		th.Stuck = *stuck
	}
	if *frozen > 0 {
		th.Frozen = *frozen
	}
	if th.Frozen < th.Stuck {
		return usagef("--frozen (%d) must not be below --stuck (%d)", th.Frozen, th.Stuck)
	}

	layout := app.Layout
	if err := layout.RequireInitialized(); err != nil {
		return err
	}
	if err := app.requireTmux(); err != nil {
		return err
	}
	session := layout.SessionName()

	logPath := ""
	if m == notify.MethodLog || m == notify.MethodBoth || m == notify.MethodAll {
		logPath = layout.Heartbeat()
	}
	mgr := app.notifier(m, cfg.WatchRateLimit(), logPath, alertPrefix)

	st := app.Styles
	app.println(st.Bold.Render("\n── Crewpilot Monitor ──\n"))
	app.println(st.Muted.Render("Project: " + layout.ProjectName()))
	app.println(st.Muted.Render("Session: " + session))
	app.println(st.Muted.Render(fmt.Sprintf("Check interval: %gs", every.Seconds())))
	app.println(st.Muted.Render("Log file: " + layout.Heartbeat()))
	app.println(st.Muted.Render("\nPress Ctrl+C to stop monitoring\n"))

	db := app.openHistory()
	if db != nil {
		defer db.Close()
		if err := db.RegisterWatcher("monitor", layout.Root, session); err != nil {
			cliLog.Warn("watcher_register_failed", slog.String("error", err.Error()))
		}
		defer func() { _ = db.UnregisterWatcher() }()
	}

	mon := watch.NewMonitor(app.Tmux, layout, mgr, watch.MonitorOptions{
		Project:      layout.Root,
		Session:      session,
		Interval:     every,
		CaptureLines: cfg.CaptureLines(),
		Thresholds:   th,
		Classifier:   app.classifier(),
		History:      historyOf(db),
		Reporter:     &monitorConsole{app: app, stderr: app.Stderr},
	})

	addr := firstNonEmpty(*metricsAddr, cfg.Metrics.Listen)
	if addr != "" {
		metrics.Init(Version)
	}
	// The monitor heartbeats the watcher row itself, once per cycle.
	return runSupervised(ctx, addr, nil, mon.Run)
}

// monitorConsole prints one timestamped line per monitor event.
type monitorConsole struct {
	app    *App
	stderr io.Writer
}

func (c *monitorConsole) Event(e watch.MonitorEvent) {
	st := c.app.Styles
	ts := "[" + project.FormatTimestamp(e.At) + "] "
	switch e.Kind {
	case watch.EventNoSession, watch.EventNoPanes:
		c.app.println(st.Warn.Render(ts + e.Message))
	case watch.EventRecovered:
		c.app.println(st.OK.Render(ts + e.Message))
	case watch.EventStuck:
		c.app.println(st.Err.Render(ts + "⚠️ " + e.Message))
	case watch.EventFrozen:
		c.app.println(st.Err.Bold(true).Render(ts + "🧊 " + e.Message))
	case watch.EventDead:
		c.app.println(st.Err.Render(ts + "💀 " + e.Message))
	case watch.EventCycleError:
		fmt.Fprintln(c.stderr, st.Err.Render(ts+"Error: "+e.Message))
	default:
		line := ts + st.State(e.State).Render(e.State.Symbol()) + " " + e.PaneID + ": " + string(e.State)
		if e.NoChange > 0 {
			line += st.Muted.Render(fmt.Sprintf(" (%dx no change)", e.NoChange))
		}
		c.app.println(line)
	}
}
