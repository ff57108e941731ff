package search

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewpilot/crewpilot/internal/project"
)

func newLayout(t *testing.T) project.Layout {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, project.TeamConfigDirName), 0o755))
	return project.NewLayout(dir)
}

func writeDoc(t *testing.T, layout project.Layout, rel, body string) string {
	t.Helper()
	path := filepath.Join(layout.TeamConfigDir(), rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// linesWith puts text at the given 1-based line numbers of an n-line document.
func linesWith(n int, text string, at ...int) string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("filler %d", i+1)
	}
	for _, l := range at {
		lines[l-1] = text
	}
	return strings.Join(lines, "\n")
}

func TestValidateQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
		msg  string
	}{
		{in: "  auth flow ", want: "auth flow"},
		{in: "   ", msg: "Query cannot be empty."},
		{in: "a", msg: "Please provide a search query (at least 2 characters)."},
		{in: strings.Repeat("x", 201), msg: "Query is too long (maximum 200 characters)."},
		{in: "bad\x07query", msg: "Query contains invalid characters."},
		{in: "tab\tis fine", want: "tab\tis fine"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ValidateQuery(tt.in)
			if tt.msg != "" {
				require.ErrorIs(t, err, ErrInvalidQuery)
				assert.Equal(t, tt.msg, err.Error())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		name          string
		line          string
		query         string
		caseSensitive bool
		fuzzy         bool
		want          int
	}{
		{name: "phrase at start", line: "Authentication patterns for login", query: "authentication patterns", want: 50},
		{name: "substring inside word", line: "OAuth flow", query: "auth", want: 23},
		{name: "no match", line: "nothing here", query: "deploy", want: 0},
		{name: "case sensitive miss", line: "Deploy notes", query: "deploy", caseSensitive: true, want: 0},
		{name: "case sensitive hit", line: "  Deploy notes", query: "Deploy", caseSensitive: true, want: 40},
		{name: "fuzzy typo", line: "the databse schema", query: "database", fuzzy: true, want: 4},
		{name: "partial words", line: "login page only", query: "login flow", want: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			words := QueryWords(tt.query, tt.caseSensitive)
			assert.Equal(t, tt.want, Score(tt.line, tt.query, words, tt.caseSensitive, tt.fuzzy))
		})
	}
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 3, Levenshtein("kitten", "sitting"))
	assert.Equal(t, 3, Levenshtein("", "abc"))
	assert.Equal(t, 0, Levenshtein("same", "same"))
	assert.Equal(t, 1, Levenshtein("héllo", "hello"))
}

func TestIsFuzzyMatch(t *testing.T) {
	assert.True(t, IsFuzzyMatch("car", "cat", 2))
	assert.False(t, IsFuzzyMatch("cog", "cat", 2), "short queries allow one edit")
	assert.True(t, IsFuzzyMatch("databxxe", "database", 2))
	assert.False(t, IsFuzzyMatch("databxxe", "database", 1))
}

func TestSearchValidatesBeforeFilesystem(t *testing.T) {
	e := NewEngine(project.NewLayout(t.TempDir()))
	_, err := e.Search(context.Background(), "x", Options{})
	require.ErrorIs(t, err, ErrInvalidQuery)

	_, err = e.Search(context.Background(), "valid", Options{})
	require.ErrorIs(t, err, project.ErrNotInitialized)
}

func TestSearchDedupesAndScoresTopThree(t *testing.T) {
	layout := newLayout(t)
	writeDoc(t, layout, "human-inbox.md", linesWith(60, "deploy", 1, 2, 3, 10, 20, 30, 40, 50))

	resp, err := NewEngine(layout).Search(context.Background(), "deploy", Options{})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	r := resp.Results[0]
	assert.Equal(t, ".team-config/human-inbox.md", r.File)

	var lines []int
	for _, m := range r.Matches {
		lines = append(lines, m.Line)
	}
	assert.Equal(t, []int{1, 10, 20, 30, 40}, lines, "lines 2 and 3 collapse into line 1; five kept")
	assert.Equal(t, 3*r.Matches[0].Score, r.Score)
	assert.Equal(t, 5, resp.TotalMatches)
}

func TestSearchDedupeKeepsDistantWeakerHits(t *testing.T) {
	layout := newLayout(t)
	doc := strings.Split(linesWith(60, "deploy now", 50), "\n")
	doc[9] = "undeployable stuff"
	doc[51] = "undeployable too"
	writeDoc(t, layout, "human-inbox.md", strings.Join(doc, "\n"))

	resp, err := NewEngine(layout).Search(context.Background(), "deploy", Options{})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	r := resp.Results[0]

	var lines []int
	for _, m := range r.Matches {
		lines = append(lines, m.Line)
	}
	// Line 52 overlaps the stronger hit on 50; line 10 is far from it.
	assert.Equal(t, []int{50, 10}, lines)
	assert.Greater(t, r.Matches[0].Score, r.Matches[1].Score)
	assert.Equal(t, r.Matches[0].Score+r.Matches[1].Score, r.Score)
}

func TestSearchContext(t *testing.T) {
	layout := newLayout(t)
	writeDoc(t, layout, "project-context.md", "one\ntwo\nthe deploy step\nfour\nfive\nsix")

	resp, err := NewEngine(layout).Search(context.Background(), "deploy", Options{})
	require.NoError(t, err)
	m := resp.Results[0].Matches[0]
	assert.Equal(t, 3, m.Line)
	assert.Equal(t, "one\ntwo\nthe deploy step\nfour\nfive", m.Context)
	assert.Equal(t, 1, m.ContextStart())
}

func TestSearchFileSelection(t *testing.T) {
	layout := newLayout(t)
	writeDoc(t, layout, "human-inbox.md", "deploy on friday")
	writeDoc(t, layout, "user-research/interview.md", "users fear the deploy")
	writeDoc(t, layout, "evaluations/notes.txt", "deploy deploy deploy")
	writeDoc(t, layout, "random.md", "deploy")
	writeDoc(t, layout, "state-snapshot.md", "deploy\x00binary")
	writeDoc(t, layout, "session-recovery.md", "")

	resp, err := NewEngine(layout).Search(context.Background(), "deploy", Options{})
	require.NoError(t, err)
	var files []string
	for _, r := range resp.Results {
		files = append(files, r.File)
	}
	assert.ElementsMatch(t, []string{".team-config/human-inbox.md", ".team-config/user-research/interview.md"}, files)
}

func TestSearchLimitAndOrder(t *testing.T) {
	layout := newLayout(t)
	writeDoc(t, layout, "human-inbox.md", "a deploy mention")
	writeDoc(t, layout, "project-context.md", "deploy\n\n\n\n\n\ndeploy")

	resp, err := NewEngine(layout).Search(context.Background(), "deploy", Options{Limit: 1})
	require.NoError(t, err)
	assert.True(t, resp.Truncated)
	assert.Equal(t, 2, resp.TotalFiles)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, ".team-config/project-context.md", resp.Results[0].File)
}

func TestSearchSuggestionsFromIndex(t *testing.T) {
	layout := newLayout(t)
	writeDoc(t, layout, "project-context.md", "authentication design\nauthentication tokens\n")

	resp, err := NewEngine(layout).Search(context.Background(), "authentcation", Options{RebuildIndex: true})
	require.NoError(t, err)
	require.NoError(t, resp.IndexError)
	assert.Empty(t, resp.Results)
	assert.Contains(t, resp.Suggestions, "authentication")
}

func TestExtractKeywords(t *testing.T) {
	got := ExtractKeywords("Alpha alpha, beta beta beta! gamma extraordinary tiny words; zeta's")
	assert.Equal(t, []string{"beta", "alpha", "extraordinary"}, got)

	var b strings.Builder
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&b, "word%02d word%02d ", i, i)
	}
	assert.Len(t, ExtractKeywords(b.String()), 15)
}

func TestExtractKeywordsCountsRunes(t *testing.T) {
	// "abé" is four bytes but three letters; "straße" is seven bytes but six.
	got := ExtractKeywords("über über straße abé abé café café")
	assert.Equal(t, []string{"über", "café"}, got)
}

func TestBuildIndex(t *testing.T) {
	layout := newLayout(t)
	writeDoc(t, layout, "human-inbox.md", "release release notes\nsecond line")
	writeDoc(t, layout, "evaluations/round1.md", "usability usability")
	writeDoc(t, layout, "needs-human-decision.md", "\x00\x01")

	now := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	ix, err := BuildIndex(layout, now)
	require.NoError(t, err)
	assert.Equal(t, "2026-02-03T04:05:06.000Z", ix.LastUpdated)
	require.Len(t, ix.Entries, 2)
	assert.Equal(t, "human-inbox.md", ix.Entries[0].File)
	assert.Equal(t, []string{"release"}, ix.Entries[0].Keywords)
	assert.Equal(t, 2, ix.Entries[0].LineCount)
	assert.Equal(t, "evaluations/round1.md", ix.Entries[1].File)

	loaded, err := LoadIndex(layout)
	require.NoError(t, err)
	assert.Equal(t, ix.Entries, loaded.Entries)
}

func TestBuildIndexWriteFailure(t *testing.T) {
	layout := newLayout(t)
	require.NoError(t, os.MkdirAll(layout.MemoryIndex(), 0o755))
	_, err := BuildIndex(layout, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to write search index")
}

func TestPrioritize(t *testing.T) {
	layout := newLayout(t)
	a := writeDoc(t, layout, "human-inbox.md", "x")
	b := writeDoc(t, layout, "project-context.md", "y")
	ix := &Index{Entries: []IndexEntry{{File: "project-context.md", Keywords: []string{"deploy"}}}}

	assert.Equal(t, []string{b, a}, ix.Prioritize(layout, []string{a, b}, "deployment plan"))
	assert.Equal(t, []string{a, b}, ix.Prioritize(layout, []string{a, b}, "ui"), "short words skip the prefilter")
	assert.Equal(t, []string{a, b}, ix.Prioritize(layout, []string{a, b}, "unrelated"))
}

func TestIndexWatcherRelevant(t *testing.T) {
	layout := newLayout(t)
	w := NewIndexWatcher(layout, nil)
	dir := layout.TeamConfigDir()

	assert.True(t, w.relevant(fsnotify.Event{Name: filepath.Join(dir, "human-inbox.md"), Op: fsnotify.Write}))
	assert.True(t, w.relevant(fsnotify.Event{Name: filepath.Join(dir, "user-research"), Op: fsnotify.Create}))
	assert.False(t, w.relevant(fsnotify.Event{Name: layout.MemoryIndex(), Op: fsnotify.Write}))
	assert.False(t, w.relevant(fsnotify.Event{Name: filepath.Join(dir, ".memory-index.json.tmp-1"), Op: fsnotify.Create}))
	assert.False(t, w.relevant(fsnotify.Event{Name: filepath.Join(dir, "human-inbox.md"), Op: fsnotify.Chmod}))
	assert.False(t, w.relevant(fsnotify.Event{Name: filepath.Join(dir, "runner-events.log"), Op: fsnotify.Write}))
}

func TestIndexWatcherRebuildsOnWrite(t *testing.T) {
	layout := newLayout(t)
	writeDoc(t, layout, "human-inbox.md", "first first")

	rebuilt := make(chan *Index, 8)
	w := NewIndexWatcher(layout, func(ix *Index, err error) {
		if err == nil {
			rebuilt <- ix
		}
	})
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case ix := <-rebuilt:
		require.Len(t, ix.Entries, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("initial build did not happen")
	}

	writeDoc(t, layout, "project-context.md", "second second")
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ix := <-rebuilt:
			if len(ix.Entries) == 2 {
				cancel()
				require.NoError(t, <-done)
				return
			}
		case <-deadline:
			t.Fatal("index was not rebuilt after a write")
		}
	}
}
