package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/crewpilot/crewpilot/internal/platform"
	"github.com/crewpilot/crewpilot/internal/project"
)

// DesktopSink raises a native notification. With no notifier on the
// machine, or when the notifier cannot start, it prints a console line.
type DesktopSink struct {
	notifier platform.Notifier
	fallback io.Writer
	start    func(cmd *exec.Cmd) error
}

// NewDesktopSink returns a sink for notifier; fallback defaults to stdout.
func NewDesktopSink(notifier platform.Notifier, fallback io.Writer) *DesktopSink {
	if fallback == nil {
		fallback = os.Stdout
	}
	return &DesktopSink{notifier: notifier, fallback: fallback, start: startDetached}
}

func (d *DesktopSink) Name() string { return "desktop" }

func (d *DesktopSink) Send(_ context.Context, n Notification) error {
	args := desktopArgs(d.notifier, n.Title, n.Message)
	if args == nil {
		d.printFallback(n)
		return nil
	}
	// Not bound to ctx: the notifier must outlive a cancelled loop.
	cmd := exec.Command(d.notifier.Binary, args...)
	if err := d.start(cmd); err != nil {
		d.printFallback(n)
		return fmt.Errorf("start %s: %w", d.notifier.Kind, err)
	}
	return nil
}

func (d *DesktopSink) printFallback(n Notification) {
	fmt.Fprintf(d.fallback, "🔔 %s: %s\n", n.Title, n.Message)
}

func startDetached(cmd *exec.Cmd) error {
	cmd.Stdin, cmd.Stdout, cmd.Stderr = nil, nil, nil
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

// desktopArgs builds the notifier's argument list, or nil when none exists.
func desktopArgs(n platform.Notifier, title, message string) []string {
	switch n.Kind {
	case platform.NotifierNotifySend:
		return []string{title, message}
	case platform.NotifierOsascript:
		script := fmt.Sprintf("display notification %s with title %s", appleQuote(message), appleQuote(title))
		return []string{"-e", script}
	case platform.NotifierPowerShell:
		script := fmt.Sprintf("New-BurntToastNotification -Text %s, %s -ErrorAction SilentlyContinue",
			psQuote(title), psQuote(message))
		return []string{"-NoProfile", "-Command", script}
	}
	return nil
}

func appleQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// LogSink appends "[ISO8601] <prefix><title>: <message>" lines to a file.
type LogSink struct {
	path   string
	prefix string
	mu     sync.Mutex
}

// NewLogSink returns a sink writing to path.
func NewLogSink(path, prefix string) *LogSink {
	return &LogSink{path: path, prefix: prefix}
}

func (l *LogSink) Name() string { return "log" }

// Path is the file the sink appends to.
func (l *LogSink) Path() string { return l.path }

func (l *LogSink) Send(_ context.Context, n Notification) error {
	line := fmt.Sprintf("[%s] %s%s: %s\n", project.ISOTime(n.At), l.prefix, n.Title, n.Message)
	return l.Append(line)
}

// Append writes raw text to the log file.
func (l *LogSink) Append(text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := project.AppendFile(l.path, text); err != nil {
		return fmt.Errorf("append %s: %w", l.path, err)
	}
	return nil
}

// ConsoleSink writes notifications to a terminal stream.
type ConsoleSink struct {
	w      io.Writer
	format func(n Notification) string
}

// NewConsoleSink returns a sink writing to w. format may be nil.
func NewConsoleSink(w io.Writer, format func(n Notification) string) *ConsoleSink {
	if w == nil {
		w = os.Stdout
	}
	return &ConsoleSink{w: w, format: format}
}

func (c *ConsoleSink) Name() string { return "console" }

func (c *ConsoleSink) Send(_ context.Context, n Notification) error {
	line := fmt.Sprintf("🔔 %s: %s", n.Title, n.Message)
	if c.format != nil {
		line = c.format(n)
	}
	_, err := fmt.Fprintln(c.w, line)
	return err
}
