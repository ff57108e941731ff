package search

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/crewpilot/crewpilot/internal/logging"
	"github.com/crewpilot/crewpilot/internal/project"
)

var searchLog = logging.ForComponent(logging.CompSearch)

const (
	DefaultLimit = 20

	contextLines   = 2
	matchesPerFile = 5
	scoredTopHits  = 3
)

// Options tunes one search.
type Options struct {
	Limit         int
	CaseSensitive bool
	Fuzzy         bool
	RebuildIndex  bool
}

// Match is one scored line with its surrounding context.
type Match struct {
	Line    int    `json:"line"`
	Context string `json:"context"`
	Score   int    `json:"score"`
}

// Result groups the matches of one document.
type Result struct {
	// File is relative to the project root.
	File    string  `json:"file"`
	Score   int     `json:"score"`
	Matches []Match `json:"matches"`
}

// Response is a complete search outcome.
type Response struct {
	Query        string   `json:"query"`
	Results      []Result `json:"results"`
	TotalFiles   int      `json:"totalFiles"`
	TotalMatches int      `json:"totalMatches"`
	Truncated    bool     `json:"truncated"`
	Searched     int      `json:"searched"`
	Suggestions  []string `json:"suggestions,omitempty"`
	// IndexError is a failed --rebuild-index; the search still ran.
	IndexError error `json:"-"`
}

// Engine searches one project.
type Engine struct {
	layout project.Layout
	now    func() time.Time
}

// NewEngine returns an engine over the project at layout.
func NewEngine(layout project.Layout) *Engine {
	return &Engine{layout: layout, now: time.Now}
}

// Search validates the query before touching the filesystem, then scores
// every searchable document. Results are ordered by file score and cut to
// opts.Limit files.
func (e *Engine) Search(ctx context.Context, query string, opts Options) (*Response, error) {
	q, err := ValidateQuery(query)
	if err != nil {
		return nil, err
	}
	if err := e.layout.RequireInitialized(); err != nil {
		return nil, err
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}

	resp := &Response{Query: q, Results: []Result{}}
	var ix *Index
	if opts.RebuildIndex {
		ix, resp.IndexError = BuildIndex(e.layout, e.now())
	} else if loaded, err := LoadIndex(e.layout); err == nil {
		ix = loaded
	}

	files := SearchableFiles(e.layout)
	if ix != nil && !opts.RebuildIndex && !opts.Fuzzy {
		files = ix.Prioritize(e.layout, files, q)
	}
	resp.Searched = len(files)

	words := QueryWords(q, opts.CaseSensitive)
	if len(words) == 0 {
		return resp, nil
	}

	var results []Result
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, ok := searchFile(path, q, words, opts)
		if !ok {
			continue
		}
		if rel, err := filepath.Rel(e.layout.Root, path); err == nil {
			r.File = filepath.ToSlash(rel)
		}
		results = append(results, r)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	resp.TotalFiles = len(results)
	for _, r := range results {
		resp.TotalMatches += len(r.Matches)
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
		resp.Truncated = true
	}
	if results != nil {
		resp.Results = results
	}
	if len(resp.Results) == 0 && ix != nil {
		resp.Suggestions = ix.Suggest(q)
	}

	searchLog.Debug("search_completed",
		slog.String("query", q),
		slog.Int("files", resp.Searched),
		slog.Int("results", resp.TotalFiles))
	return resp, nil
}

func searchFile(path, query string, words []string, opts Options) (Result, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		searchLog.Debug("search_read_failed", slog.String("file", path), slog.String("error", err.Error()))
		return Result{}, false
	}
	if len(data) == 0 || isBinary(data) {
		return Result{}, false
	}

	lines := strings.Split(string(data), "\n")
	var matches []Match
	for i, line := range lines {
		score := Score(line, query, words, opts.CaseSensitive, opts.Fuzzy)
		if score <= 0 {
			continue
		}
		start := max(0, i-contextLines)
		end := min(len(lines), i+contextLines+1)
		matches = append(matches, Match{
			Line:    i + 1,
			Context: strings.Join(lines[start:end], "\n"),
			Score:   score,
		})
	}
	if len(matches) == 0 {
		return Result{}, false
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Line < matches[j].Line
	})

	// A hit collapses into any stronger kept hit whose context overlaps it.
	var kept []Match
	for _, m := range matches {
		if !nearKept(kept, m.Line) {
			kept = append(kept, m)
		}
	}

	total := 0
	for i, m := range kept {
		if i == scoredTopHits {
			break
		}
		total += m.Score
	}
	if len(kept) > matchesPerFile {
		kept = kept[:matchesPerFile]
	}
	return Result{File: path, Score: total, Matches: kept}, true
}

func nearKept(kept []Match, line int) bool {
	for _, k := range kept {
		d := line - k.Line
		if d < 0 {
			d = -d
		}
		if d <= 2*contextLines {
			return true
		}
	}
	return false
}

// ContextStart is the line number of the first context line of m.
func (m Match) ContextStart() int {
	return m.Line - min(contextLines, m.Line-1)
}
