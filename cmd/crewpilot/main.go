package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/crewpilot/crewpilot/internal/config"
	"github.com/crewpilot/crewpilot/internal/logging"
)

const Version = "0.4.0"

// init sets up color profile for consistent terminal colors across environments
func init() {
	initColorProfile()
}

// initColorProfile configures the lipgloss color profile.
// CREWPILOT_COLOR (truecolor, 256, 16, none) overrides detection; NO_COLOR
// disables color entirely.
func initColorProfile() {
	if os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	if colorEnv := os.Getenv("CREWPILOT_COLOR"); colorEnv != "" {
		switch strings.ToLower(colorEnv) {
		case "truecolor", "true", "24bit":
			lipgloss.SetColorProfile(termenv.TrueColor)
			return
		case "256", "ansi256":
			lipgloss.SetColorProfile(termenv.ANSI256)
			return
		case "16", "ansi", "basic":
			lipgloss.SetColorProfile(termenv.ANSI)
			return
		case "none", "off", "ascii":
			lipgloss.SetColorProfile(termenv.Ascii)
			return
		}
	}

	colorTerm := os.Getenv("COLORTERM")
	if colorTerm == "truecolor" || colorTerm == "24bit" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}

	// Piped output and dumb terminals get whatever termenv detects.
	lipgloss.SetColorProfile(termenv.NewOutput(os.Stdout).EnvColorProfile())
}

// globalFlags are accepted before or after the subcommand.
type globalFlags struct {
	dir   string
	debug bool
}

// extractGlobalFlags pulls --dir/-C and --debug out of args, returning the
// flags and the remaining args.
func extractGlobalFlags(args []string) (globalFlags, []string) {
	var g globalFlags
	var remaining []string

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if arg == "--" {
			remaining = append(remaining, args[i:]...)
			break
		}
		if strings.HasPrefix(arg, "--dir=") {
			g.dir = strings.TrimPrefix(arg, "--dir=")
			continue
		}
		if arg == "--dir" || arg == "-C" {
			if i+1 < len(args) {
				g.dir = args[i+1]
				i++
				continue
			}
		}
		if arg == "--debug" {
			g.debug = true
			continue
		}

		remaining = append(remaining, arg)
	}

	if g.dir == "" {
		g.dir = "."
	}
	return g, remaining
}

// longRunning commands always write the debug log.
func longRunning(cmd string, args []string) bool {
	switch cmd {
	case "watch", "monitor":
		for _, a := range args {
			if a == "--once" || a == "-once" {
				return false
			}
		}
		return true
	case "index":
		for _, a := range args {
			if a == "--watch" || a == "-watch" {
				return true
			}
		}
	}
	return false
}

// setupLogging configures the rotated debug log from config.toml.
func setupLogging(cfg *config.Config, debug, always bool) {
	enabled := always || debug || cfg.Logs.Debug || os.Getenv("CREWPILOT_DEBUG") != ""
	dir, err := config.Dir()
	if err != nil {
		enabled = false
	}
	level := cfg.Logs.Level
	if level == "" {
		level = "info"
		if debug {
			level = "debug"
		}
	}
	if err := logging.Init(logging.Config{
		Dir:        dir,
		Enabled:    enabled,
		Level:      level,
		Format:     cfg.Logs.Format,
		MaxSizeMB:  cfg.Logs.MaxSizeMB,
		MaxBackups: cfg.Logs.MaxBackups,
		MaxAgeDays: cfg.Logs.MaxAgeDays,
		Compress:   cfg.Logs.Compress,
		RingLines:  cfg.Logs.RingLines,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: logging disabled: %v\n", err)
	}
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	g, args := extractGlobalFlags(argv)
	if len(args) == 0 {
		printHelp()
		return 0
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "version", "--version", "-v":
		fmt.Printf("Crewpilot v%s\n", Version)
		return 0
	case "help", "--help", "-h":
		printHelp()
		return 0
	}

	handler, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", cmd)
		fmt.Fprintln(os.Stderr, "Run 'crewpilot help' for usage.")
		return 1
	}

	cfg, cfgErr := config.Load()
	setupLogging(cfg, g.debug, longRunning(cmd, rest))
	defer logging.Shutdown()
	if cfgErr != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", cfgErr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if dir, err := config.Dir(); err == nil {
		handleDumpSignal(ctx, dir)
	}

	app := newApp(g, cfg)
	logging.ForComponent(logging.CompCLI).Debug("command_started",
		slog.String("command", cmd),
		slog.String("dir", app.Layout.Root))

	err := handler(ctx, app, rest)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 0
	}
	return app.reportError(jsonRequested(rest), err)
}

// commandFunc runs one subcommand. A returned error is printed with its hint.
type commandFunc func(ctx context.Context, app *App, args []string) error

var commands map[string]commandFunc

func init() {
	commands = map[string]commandFunc{
		"watch":         handleWatch,
		"check":         handleCheck,
		"monitor":       handleMonitor,
		"search":        handleSearch,
		"index":         handleIndex,
		"resume":        handleResume,
		"start":         handleStart,
		"stop":          handleStop,
		"launch-runner": handleLaunchRunner,
		"stop-runner":   handleStopRunner,
		"send-answer":   handleSendAnswer,
		"feedback":      handleFeedback,
		"status":        handleStatus,
		"history":       handleHistory,
		"export":        handleExport,
		"push":          handlePush,
	}
}

func jsonRequested(args []string) bool {
	for _, a := range args {
		if a == "--json" || a == "-json" {
			return true
		}
	}
	return false
}

func printHelp() {
	fmt.Printf("Crewpilot v%s\n", Version)
	fmt.Println("Supervise Claude Code runners in tmux")
	fmt.Println()
	fmt.Println("Usage: crewpilot [--dir path] [--debug] <command> [options]")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Println("  --dir, -C <path>   Project directory (default: current directory)")
	fmt.Println("  --debug            Write the debug log for one-shot commands too")
	fmt.Println()
	fmt.Println("Session Commands:")
	fmt.Println("  start              Start the Team Lead session")
	fmt.Println("  stop               Stop the session, preserving .team-config/")
	fmt.Println("  resume             Resume a stopped session from its snapshot")
	fmt.Println("  status             Show project, session and runner status")
	fmt.Println("  feedback <msg>     Send a message to the Team Lead inbox")
	fmt.Println()
	fmt.Println("Runner Commands:")
	fmt.Println("  launch-runner      Launch a runner in a new window")
	fmt.Println("  stop-runner        Stop the recorded runner")
	fmt.Println("  send-answer        Answer a runner question (--option N | --text T)")
	fmt.Println()
	fmt.Println("Supervision Commands:")
	fmt.Println("  watch              Watch runner panes and notify on questions/errors")
	fmt.Println("  check              Classify every pane once")
	fmt.Println("  monitor            Detect stuck or dead runners")
	fmt.Println("  history            Show recorded transitions and alerts")
	fmt.Println()
	fmt.Println("Memory Commands:")
	fmt.Println("  search <query>     Search the .team-config memory documents")
	fmt.Println("  index              Rebuild the search index (--watch to keep it fresh)")
	fmt.Println()
	fmt.Println("Other Commands:")
	fmt.Println("  export             Write a markdown or JSON project report")
	fmt.Println("  push               Manage web-push keys and subscriptions")
	fmt.Println("  version            Show version")
	fmt.Println("  help               Show this help")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  crewpilot start")
	fmt.Println("  crewpilot watch --notify both --interval 10")
	fmt.Println("  crewpilot monitor --stuck 4 --metrics-addr :9464")
	fmt.Println("  crewpilot search \"authentication patterns\" --fuzzy")
	fmt.Println("  crewpilot resume --auto")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  CREWPILOT_HOME     Config and log directory (default: ~/.crewpilot)")
	fmt.Println("  CREWPILOT_DEBUG    Enable the debug log")
	fmt.Println("  CREWPILOT_COLOR    Color mode: truecolor, 256, 16, none")
}
