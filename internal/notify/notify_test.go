package notify

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewpilot/crewpilot/internal/platform"
)

type recordingSink struct {
	name string
	err  error

	mu   sync.Mutex
	sent []Notification
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Send(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

var t0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func note(kind Kind, pane string, at time.Time) Notification {
	return Notification{Kind: kind, PaneID: pane, Title: "Crewpilot: Test", Message: "Runner " + pane, At: at}
}

func TestManagerRateLimitsPerKey(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	m := NewManager(5*time.Minute, sink)
	ctx := context.Background()

	assert.True(t, m.Send(ctx, note(KindQuestion, "%1", t0)))
	assert.False(t, m.Send(ctx, note(KindQuestion, "%1", t0.Add(time.Minute))), "same key inside window")
	assert.False(t, m.Send(ctx, note(KindQuestion, "%1", t0.Add(4*time.Minute+59*time.Second))))
	assert.True(t, m.Send(ctx, note(KindQuestion, "%2", t0.Add(time.Minute))), "different pane")
	assert.True(t, m.Send(ctx, note(KindError, "%1", t0.Add(time.Minute))), "different kind")
	assert.True(t, m.Send(ctx, note(KindQuestion, "%1", t0.Add(5*time.Minute+time.Second))), "window elapsed")

	assert.Equal(t, 4, sink.count())
}

func TestManagerZeroWindowDisablesLimiting(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	m := NewManager(0, sink)
	for i := 0; i < 5; i++ {
		assert.True(t, m.Send(context.Background(), note(KindStuck, "%1", t0)))
	}
	assert.Equal(t, 5, sink.count())
}

func TestManagerSinkFailureDoesNotStopOthers(t *testing.T) {
	bad := &recordingSink{name: "bad", err: errors.New("boom")}
	good := &recordingSink{name: "good"}
	m := NewManager(time.Minute, bad, good)

	assert.True(t, m.Send(context.Background(), note(KindDead, "%4", t0)))
	assert.Equal(t, 1, bad.count())
	assert.Equal(t, 1, good.count())
	assert.Equal(t, []string{"bad", "good"}, m.Sinks())
}

func TestManagerStampsMissingTime(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	m := NewManager(time.Minute, sink)
	m.now = func() time.Time { return t0 }

	m.Send(context.Background(), Notification{Kind: KindStopped, PaneID: "%1"})
	require.Equal(t, 1, sink.count())
	assert.Equal(t, t0, sink.sent[0].At)
}

func TestManagerOnDispatch(t *testing.T) {
	m := NewManager(time.Hour)
	var delivered, limited int
	m.OnDispatch(func(_ Notification, ok bool) {
		if ok {
			delivered++
		} else {
			limited++
		}
	})
	m.Send(context.Background(), note(KindError, "%1", t0))
	m.Send(context.Background(), note(KindError, "%1", t0.Add(time.Second)))
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, limited)
}

func TestClearStale(t *testing.T) {
	m := NewManager(5 * time.Minute)
	ctx := context.Background()
	m.Send(ctx, note(KindQuestion, "%1", t0))
	m.Send(ctx, note(KindQuestion, "%2", t0.Add(20*time.Hour)))
	require.Equal(t, 2, m.Tracked())

	m.now = func() time.Time { return t0.Add(25 * time.Hour) }
	assert.Equal(t, 1, m.ClearStale(24*time.Hour))
	assert.Equal(t, 1, m.Tracked())
	assert.Equal(t, 0, m.ClearStale(24*time.Hour))
}

func TestNotificationKey(t *testing.T) {
	assert.Equal(t, "question-%3", Notification{Kind: KindQuestion, PaneID: "%3"}.Key())
}

func TestDesktopArgs(t *testing.T) {
	tests := []struct {
		name     string
		notifier platform.Notifier
		want     []string
	}{
		{
			name:     "notify-send",
			notifier: platform.Notifier{Kind: platform.NotifierNotifySend, Binary: "/usr/bin/notify-send"},
			want:     []string{`Say "hi"`, "it's done"},
		},
		{
			name:     "osascript escapes double quotes",
			notifier: platform.Notifier{Kind: platform.NotifierOsascript, Binary: "osascript"},
			want:     []string{"-e", `display notification "it's done" with title "Say \"hi\""`},
		},
		{
			name:     "powershell doubles single quotes",
			notifier: platform.Notifier{Kind: platform.NotifierPowerShell, Binary: "powershell.exe"},
			want: []string{"-NoProfile", "-Command",
				`New-BurntToastNotification -Text 'Say "hi"', 'it''s done' -ErrorAction SilentlyContinue`},
		},
		{
			name:     "none",
			notifier: platform.Notifier{Kind: platform.NotifierNone},
			want:     nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, desktopArgs(tt.notifier, `Say "hi"`, "it's done"))
		})
	}
}

func TestDesktopSinkFallsBackToConsole(t *testing.T) {
	var buf bytes.Buffer
	sink := NewDesktopSink(platform.Notifier{Kind: platform.NotifierNone}, &buf)
	require.NoError(t, sink.Send(context.Background(), Notification{Title: "Crewpilot: Input Needed", Message: "Runner %1 is waiting for your answer"}))
	assert.Equal(t, "🔔 Crewpilot: Input Needed: Runner %1 is waiting for your answer\n", buf.String())
}

func TestDesktopSinkStartFailure(t *testing.T) {
	var buf bytes.Buffer
	sink := NewDesktopSink(platform.Notifier{Kind: platform.NotifierNotifySend, Binary: "notify-send"}, &buf)
	var started *exec.Cmd
	sink.start = func(cmd *exec.Cmd) error {
		started = cmd
		return errors.New("exec format error")
	}
	err := sink.Send(context.Background(), Notification{Title: "T", Message: "M"})
	require.Error(t, err)
	require.NotNil(t, started)
	assert.Equal(t, []string{"notify-send", "T", "M"}, started.Args)
	assert.Equal(t, "🔔 T: M\n", buf.String())
}

func TestLogSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".team-config", "heartbeat.log")
	sink := NewLogSink(path, "ALERT: ")
	n := Notification{Title: "Crewpilot: Stuck Runner", Message: "Runner %1 appears stuck: x", At: t0}
	require.NoError(t, sink.Send(context.Background(), n))
	require.NoError(t, sink.Append("raw\n"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[2026-04-01T12:00:00.000Z] ALERT: Crewpilot: Stuck Runner: Runner %1 appears stuck: x\nraw\n", string(data))
}

func TestConsoleSink(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewConsoleSink(&buf, nil).Send(context.Background(), Notification{Title: "T", Message: "M"}))
	assert.Equal(t, "🔔 T: M\n", buf.String())
}

func TestParseMethod(t *testing.T) {
	for _, s := range []string{"desktop", "log", "both", "push", "all", " BOTH "} {
		_, err := ParseMethod(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseMethod("email")
	assert.Error(t, err)
}

func TestBuildSinks(t *testing.T) {
	desktop := NewDesktopSink(platform.Notifier{Kind: platform.NotifierNone}, &bytes.Buffer{})
	push := NewWebPushSink(NewSubscriptionStore(filepath.Join(t.TempDir(), "subs.json")), &fakeSender{})
	opts := SinkOptions{Desktop: desktop, LogPath: "/tmp/x.log", Push: push}

	names := func(sinks []Sink) []string {
		var out []string
		for _, s := range sinks {
			out = append(out, s.Name())
		}
		return out
	}
	assert.Equal(t, []string{"desktop"}, names(BuildSinks(MethodDesktop, opts)))
	assert.Equal(t, []string{"log"}, names(BuildSinks(MethodLog, opts)))
	assert.Equal(t, []string{"desktop", "log"}, names(BuildSinks(MethodBoth, opts)))
	assert.Equal(t, []string{"push"}, names(BuildSinks(MethodPush, opts)))
	assert.Equal(t, []string{"desktop", "log", "push"}, names(BuildSinks(MethodAll, opts)))

	fallback := BuildSinks(MethodPush, SinkOptions{Console: &bytes.Buffer{}})
	assert.Equal(t, []string{"console"}, names(fallback))
}
