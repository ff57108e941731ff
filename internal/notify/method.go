package notify

import (
	"fmt"
	"io"
	"strings"
)

// Method selects which sinks a loop dispatches to.
type Method string

const (
	MethodDesktop Method = "desktop"
	MethodLog     Method = "log"
	MethodBoth    Method = "both"
	MethodPush    Method = "push"
	MethodAll     Method = "all"
)

// ParseMethod validates a --notify value.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case MethodDesktop, MethodLog, MethodBoth, MethodPush, MethodAll:
		return m, nil
	}
	return "", fmt.Errorf("invalid notification method %q (want desktop, log, both, push or all)", s)
}

func (m Method) desktop() bool { return m == MethodDesktop || m == MethodBoth || m == MethodAll }
func (m Method) log() bool     { return m == MethodLog || m == MethodBoth || m == MethodAll }
func (m Method) push() bool    { return m == MethodPush || m == MethodAll }

// SinkOptions carries what BuildSinks needs for each sink.
type SinkOptions struct {
	Desktop *DesktopSink
	// LogPath is the log sink's file; empty disables the log sink.
	LogPath   string
	LogPrefix string
	// Push is nil when no VAPID keys are configured.
	Push *WebPushSink
	// Console receives output when a method resolves to no sink at all.
	Console io.Writer
}

// BuildSinks returns the sinks m selects from opts.
func BuildSinks(m Method, opts SinkOptions) []Sink {
	var sinks []Sink
	if m.desktop() && opts.Desktop != nil {
		sinks = append(sinks, opts.Desktop)
	}
	if m.log() && opts.LogPath != "" {
		sinks = append(sinks, NewLogSink(opts.LogPath, opts.LogPrefix))
	}
	if m.push() && opts.Push != nil {
		sinks = append(sinks, opts.Push)
	}
	if len(sinks) == 0 && opts.Console != nil {
		sinks = append(sinks, NewConsoleSink(opts.Console, nil))
	}
	return sinks
}
