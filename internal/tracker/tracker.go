// Package tracker keeps per-pane change history and decides when a runner
// is stuck or dead. It holds no globals; each loop owns one Set.
package tracker

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/crewpilot/crewpilot/internal/classify"
	"github.com/crewpilot/crewpilot/internal/tmux"
)

// ProcessTracker is the rolling state of one pane.
type ProcessTracker struct {
	PaneID              string
	ContentHash         string
	LastChange          time.Time
	ConsecutiveNoChange int
	LastState           classify.State
}

// HashContent is the 31-multiplier rolling hash over UTF-16 code units,
// wrapped to int32 and printed as signed hex. Identical text always hashes
// identically; collisions only cost a missed change.
func HashContent(s string) string {
	var h int32
	for _, u := range utf16.Encode([]rune(s)) {
		h = h*31 + int32(u)
	}
	return strconv.FormatInt(int64(h), 16)
}

// AlertKind names an edge-triggered alert.
type AlertKind string

const (
	AlertStuck  AlertKind = "stuck"
	AlertFrozen AlertKind = "frozen"
	AlertDead   AlertKind = "dead"
)

// alertKinds is the fixed order recoveries are reported in.
var alertKinds = []AlertKind{AlertStuck, AlertFrozen, AlertDead}

// AlertSet records which panes currently have an active alert of one kind.
type AlertSet struct {
	active map[string]bool
}

// Activate marks the alert active and reports true only on the rising edge.
func (a *AlertSet) Activate(paneID string) bool {
	if a.active == nil {
		a.active = make(map[string]bool)
	}
	if a.active[paneID] {
		return false
	}
	a.active[paneID] = true
	return true
}

// Active reports whether the alert is currently raised for paneID.
func (a *AlertSet) Active(paneID string) bool {
	return a.active[paneID]
}

// Clear lowers the alert and reports whether it was active.
func (a *AlertSet) Clear(paneID string) bool {
	if !a.active[paneID] {
		return false
	}
	delete(a.active, paneID)
	return true
}

// Observation is the outcome of feeding one capture to the Set.
type Observation struct {
	Tracker *ProcessTracker
	// Changed is true when the hash differs from the previous capture.
	Changed bool
	// First is true when the pane was seen for the first time.
	First bool
	// Recovered lists alerts cleared by this change.
	Recovered []AlertKind
}

// Set owns the trackers and alert flags for one loop.
type Set struct {
	trackers map[string]*ProcessTracker
	alerts   map[AlertKind]*AlertSet
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{
		trackers: make(map[string]*ProcessTracker),
		alerts: map[AlertKind]*AlertSet{
			AlertStuck:  {},
			AlertFrozen: {},
			AlertDead:   {},
		},
	}
}

// Alerts returns the alert set for kind.
func (s *Set) Alerts(kind AlertKind) *AlertSet {
	a, ok := s.alerts[kind]
	if !ok {
		a = &AlertSet{}
		s.alerts[kind] = a
	}
	return a
}

// Get returns the tracker for paneID.
func (s *Set) Get(paneID string) (*ProcessTracker, bool) {
	t, ok := s.trackers[paneID]
	return t, ok
}

// Len returns the number of tracked panes.
func (s *Set) Len() int {
	return len(s.trackers)
}

// Observe records one capture. An unchanged hash increments the no-change
// counter; any change resets it to zero, stamps LastChange and clears every
// active alert for the pane.
func (s *Set) Observe(paneID, content string, state classify.State, now time.Time) Observation {
	hash := HashContent(content)
	t, ok := s.trackers[paneID]
	if !ok {
		t = &ProcessTracker{
			PaneID:      paneID,
			ContentHash: hash,
			LastChange:  now,
			LastState:   state,
		}
		s.trackers[paneID] = t
		return Observation{Tracker: t, Changed: true, First: true}
	}

	if t.ContentHash == hash {
		t.ConsecutiveNoChange++
		t.LastState = state
		return Observation{Tracker: t}
	}

	t.ContentHash = hash
	t.LastChange = now
	t.ConsecutiveNoChange = 0
	t.LastState = state

	obs := Observation{Tracker: t, Changed: true}
	for _, kind := range alertKinds {
		if s.Alerts(kind).Clear(paneID) {
			obs.Recovered = append(obs.Recovered, kind)
		}
	}
	return obs
}

// Retain drops trackers and alert flags for panes not in live and returns
// the removed ids in sorted order. Pane ids are reused by tmux, so stale
// history must not leak into a new process.
func (s *Set) Retain(live []string) []string {
	keep := make(map[string]bool, len(live))
	for _, id := range live {
		keep[id] = true
	}
	var removed []string
	for id := range s.trackers {
		if !keep[id] {
			delete(s.trackers, id)
			for _, a := range s.alerts {
				a.Clear(id)
			}
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// Thresholds are the no-change cycle counts for stuck and frozen.
type Thresholds struct {
	Stuck  int
	Frozen int
}

// DefaultThresholds returns 3 and 6 cycles.
func DefaultThresholds() Thresholds {
	return Thresholds{Stuck: 3, Frozen: 6}
}

// StuckResult describes a stuck detection.
type StuckResult struct {
	Stuck    bool
	Frozen   bool
	Duration time.Duration
	Reason   string
}

// DetectStuck flags a working pane whose output has not changed for
// th.Stuck cycles, and the stronger frozen variant at th.Frozen.
func DetectStuck(t *ProcessTracker, state classify.State, interval time.Duration, th Thresholds) StuckResult {
	if t == nil || state != classify.StateWorking {
		return StuckResult{}
	}
	if th.Stuck <= 0 || th.Frozen <= 0 {
		th = DefaultThresholds()
	}
	d := time.Duration(t.ConsecutiveNoChange) * interval
	secs := formatSeconds(d)
	switch {
	case t.ConsecutiveNoChange >= th.Frozen:
		return StuckResult{
			Stuck:    true,
			Frozen:   true,
			Duration: d,
			Reason:   fmt.Sprintf("Runner appears frozen - no output change for %ss", secs),
		}
	case t.ConsecutiveNoChange >= th.Stuck:
		return StuckResult{
			Stuck:    true,
			Duration: d,
			Reason:   fmt.Sprintf("No visual progress for %ss while in working state", secs),
		}
	}
	return StuckResult{}
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

// DeadResult describes a dead detection.
type DeadResult struct {
	Dead   bool
	Reason string
}

const (
	deadShellReason = "Pane shows shell prompt - agent may have crashed"
	deadEmptyReason = "Pane content nearly empty - possible crash"
	deadTailLines   = 5
	nearlyEmptyLen  = 10
)

// DetectDead is a content-shape check: a stopped pane whose last lines show
// a prompt character but no agent marker, or content that is nearly empty.
func DetectDead(p *tmux.ResolvedPatterns, state classify.State, content string) DeadResult {
	if p == nil {
		p = tmux.DefaultPatterns()
	}
	content = tmux.StripANSI(content)
	if state == classify.StateStopped {
		lines := strings.Split(content, "\n")
		if len(lines) > deadTailLines {
			lines = lines[len(lines)-deadTailLines:]
		}
		tail := strings.Join(lines, "\n")
		if strings.ContainsAny(tail, "$>") && !p.HasAgentMarker(strings.ToLower(tail)) {
			return DeadResult{Dead: true, Reason: deadShellReason}
		}
	}
	if len([]rune(strings.TrimSpace(content))) < nearlyEmptyLen {
		return DeadResult{Dead: true, Reason: deadEmptyReason}
	}
	return DeadResult{}
}
