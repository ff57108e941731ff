package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/crewpilot/crewpilot/internal/classify"
	"github.com/crewpilot/crewpilot/internal/config"
	"github.com/crewpilot/crewpilot/internal/logging"
	"github.com/crewpilot/crewpilot/internal/metrics"
	"github.com/crewpilot/crewpilot/internal/notify"
	"github.com/crewpilot/crewpilot/internal/platform"
	"github.com/crewpilot/crewpilot/internal/project"
	"github.com/crewpilot/crewpilot/internal/statedb"
	"github.com/crewpilot/crewpilot/internal/tmux"
	"github.com/crewpilot/crewpilot/internal/watch"
)

var cliLog = logging.ForComponent(logging.CompCLI)

// App is what every command shares: config, project, tmux and terminal.
type App struct {
	Cfg    *config.Config
	Layout project.Layout
	Tmux   *tmux.Client
	Styles Styles

	Stdout io.Writer
	Stderr io.Writer
	Stdin  io.Reader

	now   func() time.Time
	clear func()
	width func() int
}

func newApp(g globalFlags, cfg *config.Config) *App {
	if cfg == nil {
		cfg = &config.Config{}
	}
	out := newTerminal(os.Stdout)
	return &App{
		Cfg:    cfg,
		Layout: project.NewLayout(g.dir),
		Tmux: tmux.NewClient(
			tmux.WithBinary(cfg.TmuxBinary()),
			tmux.WithCaptureTimeout(cfg.CaptureTimeout()),
		),
		Styles: NewStyles(cfg.ResolveTheme()),
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Stdin:  os.Stdin,
		now:    time.Now,
		clear:  out.clear,
		width:  out.width,
	}
}

func (a *App) output(jsonMode bool) *CLIOutput {
	out := NewCLIOutput(jsonMode, false)
	out.stdout = a.Stdout
	out.stderr = a.Stderr
	return out
}

func (a *App) println(s string) { fmt.Fprintln(a.Stdout, s) }

// requireTmux fails with an install hint when tmux cannot run.
func (a *App) requireTmux() error {
	if err := a.Tmux.IsAvailable(); err != nil {
		return fmt.Errorf("%w: %v", errTmuxUnavailable, err)
	}
	return nil
}

// classifier builds the state classifier, extended by [detection].
func (a *App) classifier() *classify.Classifier {
	d := a.Cfg.Detection
	if d.Empty() {
		return classify.New(nil)
	}
	raw := tmux.MergeRawPatterns(tmux.DefaultRawPatterns(), &tmux.RawPatterns{
		ErrorPatterns:       d.ErrorPatterns,
		QuestionPatterns:    d.QuestionPatterns,
		ShellPromptPatterns: d.ShellPromptPatterns,
		WorkingVerbs:        d.WorkingVerbs,
		AgentMarkers:        d.AgentMarkers,
	})
	resolved, err := tmux.CompilePatterns(raw)
	if err != nil {
		cliLog.Warn("detection_patterns_invalid", slog.String("error", err.Error()))
		return classify.New(nil)
	}
	return classify.New(resolved)
}

// openHistory opens the state database, or returns nil when history is
// disabled or unavailable. Failures are warnings, never fatal.
func (a *App) openHistory() *statedb.StateDB {
	if !a.Cfg.HistoryEnabled() {
		return nil
	}
	db, err := statedb.Open(a.Cfg.HistoryPath())
	if err != nil {
		cliLog.Warn("history_open_failed", slog.String("error", err.Error()))
		return nil
	}
	if err := db.Migrate(); err != nil {
		cliLog.Warn("history_migrate_failed", slog.String("error", err.Error()))
		_ = db.Close()
		return nil
	}
	return db
}

// historyOf keeps a nil *StateDB from becoming a non-nil interface.
func historyOf(db *statedb.StateDB) watch.History {
	if db == nil {
		return nil
	}
	return db
}

// pushSink returns the web-push sink when VAPID keys exist.
func (a *App) pushSink() *notify.WebPushSink {
	keys, err := notify.LoadVAPIDKeys(a.Cfg.PushKeysPath())
	if err != nil {
		fmt.Fprintln(a.Stderr, a.Styles.Warn.Render(
			fmt.Sprintf("%s Push notifications need VAPID keys. Run crewpilot push keys first.", warnSymbol)))
		return nil
	}
	subject := keys.Subject
	if subject == "" {
		subject = a.Cfg.PushSubject()
	}
	sender := &notify.VAPIDSender{Subject: subject, PublicKey: keys.PublicKey, PrivateKey: keys.PrivateKey}
	return notify.NewWebPushSink(notify.NewSubscriptionStore(a.Layout.PushSubscriptions()), sender)
}

// notifier assembles the sinks for method behind one rate-limited manager.
func (a *App) notifier(method notify.Method, window time.Duration, logPath, logPrefix string) *notify.Manager {
	opts := notify.SinkOptions{
		Desktop:   notify.NewDesktopSink(platform.DesktopNotifier(), a.Stdout),
		LogPath:   logPath,
		LogPrefix: logPrefix,
		Console:   a.Stdout,
	}
	if method == notify.MethodPush || method == notify.MethodAll {
		opts.Push = a.pushSink()
	}
	mgr := notify.NewManager(window, notify.BuildSinks(method, opts)...)
	mgr.OnDispatch(func(n notify.Notification, delivered bool) {
		metrics.RecordNotification(string(n.Kind), delivered)
	})
	return mgr
}

// confirm asks a yes/no question on the terminal. An empty answer or EOF
// takes def.
func (a *App) confirm(question string, def bool) bool {
	suffix := " (Y/n) "
	if !def {
		suffix = " (y/N) "
	}
	fmt.Fprint(a.Stdout, a.Styles.Warn.Render(question)+suffix)

	line, err := bufio.NewReader(a.Stdin).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	if err != nil && answer == "" {
		fmt.Fprintln(a.Stdout)
		return def
	}
	switch answer {
	case "":
		return def
	case "y", "yes":
		return true
	default:
		return false
	}
}
