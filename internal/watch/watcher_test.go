package watch

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewpilot/crewpilot/internal/classify"
	"github.com/crewpilot/crewpilot/internal/notify"
	"github.com/crewpilot/crewpilot/internal/project"
)

type cycleRecorder struct {
	reports []CycleReport
}

func (c *cycleRecorder) Cycle(r CycleReport) { c.reports = append(c.reports, r) }

func newTestWatcher(t *testing.T, term *fakeTerminal, opts Options) (*Watcher, *recordingSink, project.Layout) {
	t.Helper()
	layout := newProject(t)
	sink := &recordingSink{}
	opts.Session = "crewpilot-demo"
	w := NewWatcher(term, layout, notify.NewManager(0, sink), opts)
	w.now = newClock().now
	return w, sink, layout
}

func TestQuestionNotifiesOncePerEpisode(t *testing.T) {
	term := newFakeTerminal("%1")
	w, sink, _ := newTestWatcher(t, term, Options{})
	ctx := context.Background()

	term.set("%1", questionText)
	w.Cycle(ctx)
	w.Cycle(ctx)
	require.Len(t, sink.all(), 1)
	n := sink.all()[0]
	assert.Equal(t, notify.KindQuestion, n.Kind)
	assert.Equal(t, TitleInputNeeded, n.Title)
	assert.Equal(t, "Runner %1 is waiting for your answer", n.Message)

	term.set("%1", workingText)
	w.Cycle(ctx)
	term.set("%1", questionText)
	w.Cycle(ctx)
	assert.Equal(t, []notify.Kind{notify.KindQuestion, notify.KindQuestion}, sink.kinds())
}

func TestStoppedNeedsPriorLiveState(t *testing.T) {
	term := newFakeTerminal("%1")
	w, sink, _ := newTestWatcher(t, term, Options{})
	ctx := context.Background()

	term.set("%1", stoppedText)
	w.Cycle(ctx)
	assert.Empty(t, sink.all(), "a pane first seen stopped is not reported")

	term.set("%1", workingText)
	w.Cycle(ctx)
	term.set("%1", stoppedText)
	w.Cycle(ctx)

	got := sink.all()
	require.Len(t, got, 1)
	assert.Equal(t, TitleRunnerStopped, got[0].Title)
	assert.Equal(t, "Runner %1 has stopped", got[0].Message)
}

func TestErrorNotifiesOnEachTransition(t *testing.T) {
	term := newFakeTerminal("%1")
	w, sink, _ := newTestWatcher(t, term, Options{})
	ctx := context.Background()

	for _, text := range []string{errorText, errorText, workingText, errorText} {
		term.set("%1", text)
		w.Cycle(ctx)
	}
	assert.Equal(t, []notify.Kind{notify.KindError, notify.KindError}, sink.kinds())
	assert.Equal(t, "Runner %1 encountered an error", sink.all()[0].Message)
}

func TestTransitionsAppendEventsAndHistory(t *testing.T) {
	term := newFakeTerminal("%1")
	hist := &fakeHistory{}
	w, _, layout := newTestWatcher(t, term, Options{History: hist, Project: "demo"})
	ctx := context.Background()

	for _, text := range []string{workingText, workingText, questionText} {
		term.set("%1", text)
		w.Cycle(ctx)
	}

	lines := strings.Split(strings.TrimSpace(readFile(t, layout.RunnerEvents())), "\n")
	require.Len(t, lines, 2)
	assert.Regexp(t, `^\[2026-03-01T09:00:\d\d\.000Z\] pane=%1 event=working$`, lines[0])
	assert.True(t, strings.HasSuffix(lines[1], "pane=%1 event=question"), lines[1])

	require.Len(t, hist.transitions, 2)
	assert.Equal(t, "", hist.transitions[0].FromState)
	assert.Equal(t, "working", hist.transitions[0].ToState)
	assert.Equal(t, "working", hist.transitions[1].FromState)
	assert.Equal(t, "question", hist.transitions[1].ToState)
	assert.Equal(t, "demo", hist.transitions[1].Project)
	assert.Equal(t, "crewpilot-demo", hist.transitions[1].Session)
}

func TestRunnerStateLastPaneWins(t *testing.T) {
	term := newFakeTerminal("%1", "%2")
	w, _, layout := newTestWatcher(t, term, Options{})

	term.set("%1", workingText)
	term.set("%2", questionText)
	w.Cycle(context.Background())

	snap, err := ReadRunnerState(layout)
	require.NoError(t, err)
	assert.Equal(t, "%2", snap.PaneID)
	assert.Equal(t, classify.StateQuestion, snap.State)
	assert.Equal(t, questionText, snap.CapturedContent)
	require.NotNil(t, snap.DetectedQuestion)
	assert.Nil(t, snap.IdleSince)

	raw := readFile(t, layout.RunnerState())
	var fields map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &fields))
	assert.Contains(t, fields, "idleSince")
	assert.Contains(t, fields, "detectedQuestion")
}

func TestIdleAccumulatesWhileContentUnchanged(t *testing.T) {
	term := newFakeTerminal("%1")
	w, _, layout := newTestWatcher(t, term, Options{Interval: 5 * time.Second})
	ctx := context.Background()

	term.set("%1", idleText)
	var idles []time.Duration
	for i := 0; i < 3; i++ {
		r := w.Cycle(ctx)
		idles = append(idles, r.Panes[0].Idle)
	}
	assert.Equal(t, []time.Duration{0, 5 * time.Second, 10 * time.Second}, idles)

	snap, err := ReadRunnerState(layout)
	require.NoError(t, err)
	require.NotNil(t, snap.IdleSince)

	term.set("%1", "All tasks complete.\nnew line\n❯ ")
	r := w.Cycle(ctx)
	assert.Zero(t, r.Panes[0].Idle, "changed content resets idle")

	term.set("%1", "All tasks   complete.\nnew line\n\n❯ ")
	r = w.Cycle(ctx)
	assert.Equal(t, 5*time.Second, r.Panes[0].Idle, "whitespace-only changes count as unchanged")
}

func TestVanishedPaneIsForgotten(t *testing.T) {
	term := newFakeTerminal("%1", "%2")
	w, sink, _ := newTestWatcher(t, term, Options{})
	ctx := context.Background()

	term.set("%1", workingText)
	term.set("%2", questionText)
	w.Cycle(ctx)
	require.Len(t, sink.all(), 1)

	term.setPanes("%1")
	w.Cycle(ctx)
	assert.NotContains(t, w.prev, "%2")
	assert.NotContains(t, w.notifiedQuestions, "%2")

	term.setPanes("%1", "%2")
	w.Cycle(ctx)
	assert.Len(t, sink.all(), 2, "a reused pane id starts fresh")
}

func TestCaptureFailureSkipsPane(t *testing.T) {
	term := newFakeTerminal("%1", "%2")
	w, _, _ := newTestWatcher(t, term, Options{})
	term.set("%1", workingText)
	term.errs["%2"] = errors.New("capture-pane timed out")

	r := w.Cycle(context.Background())
	assert.Equal(t, 1, r.CaptureErrors)
	require.Len(t, r.Panes, 1)
	assert.Equal(t, "%1", r.Panes[0].PaneID)
}

func TestRunOnce(t *testing.T) {
	term := newFakeTerminal("%1")
	rec := &cycleRecorder{}
	w, _, _ := newTestWatcher(t, term, Options{Once: true, Reporter: rec})
	term.set("%1", workingText)

	require.NoError(t, w.Run(context.Background()))
	require.Len(t, rec.reports, 1)
	assert.Equal(t, "crewpilot-demo", rec.reports[0].Session)
}

func TestRunStopsWhenSessionEnds(t *testing.T) {
	term := newFakeTerminal("%1")
	w, _, _ := newTestWatcher(t, term, Options{})
	term.set("%1", workingText)

	cycles := 0
	w.sleep = func(context.Context, time.Duration) error {
		cycles++
		term.mu.Lock()
		term.alive = false
		term.mu.Unlock()
		return nil
	}
	err := w.Run(context.Background())
	require.ErrorIs(t, err, ErrSessionEnded)
	assert.Equal(t, 1, cycles)
}

func TestRunCancelledIsClean(t *testing.T) {
	term := newFakeTerminal("%1")
	w, _, _ := newTestWatcher(t, term, Options{})
	term.set("%1", workingText)

	ctx, cancel := context.WithCancel(context.Background())
	w.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}
	assert.NoError(t, w.Run(ctx))
}

func TestStaleSweepAndLoopReset(t *testing.T) {
	term := newFakeTerminal("%1")
	w, _, _ := newTestWatcher(t, term, Options{})
	term.set("%1", questionText)
	ctx := context.Background()

	w.Cycle(ctx)
	require.True(t, w.notifiedQuestions["%1"])

	w.loops = maxLoopCount
	w.Cycle(ctx)
	assert.Equal(t, 0, w.loops)
	assert.Empty(t, w.notifiedQuestions)
}

func TestCheck(t *testing.T) {
	term := newFakeTerminal("%1", "%2", "%3")
	term.set("%1", workingText)
	term.set("%2", errorText)

	got := Check(context.Background(), term, "crewpilot-demo", nil)
	require.Len(t, got, 2)
	assert.Equal(t, classify.StateWorking, got[0].State)
	assert.Equal(t, classify.StateError, got[1].State)
}

func TestPreflight(t *testing.T) {
	ctx := context.Background()
	term := newFakeTerminal()

	err := Preflight(ctx, term, project.NewLayout(t.TempDir()), "crewpilot-x")
	assert.ErrorIs(t, err, project.ErrNotInitialized)

	layout := newProject(t)
	require.NoError(t, Preflight(ctx, term, layout, "crewpilot-x"))

	term.alive = false
	err = Preflight(ctx, term, layout, "crewpilot-x")
	assert.ErrorIs(t, err, project.ErrSessionInactive)
}

func TestPaneStateJSON(t *testing.T) {
	ps := PaneState{PaneID: "%1", State: classify.StateIdle, Idle: 90 * time.Second, Content: "secret"}
	data, err := json.Marshal(ps)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"idleMs":90000`)
	assert.NotContains(t, string(data), "secret")
}

func TestReadRunnerStateMissing(t *testing.T) {
	_, err := ReadRunnerState(newProject(t))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
