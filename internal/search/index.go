package search

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sahilm/fuzzy"

	"github.com/crewpilot/crewpilot/internal/project"
)

const (
	maxFileSize     = 10 << 20
	binaryProbe     = 1024
	topKeywords     = 15
	distinctWords   = 5
	distinctMinLen  = 7
	keywordMinLen   = 4
	maxSuggestions  = 5
	indexPrefixMin  = 4
	researchDirName = "user-research"
	evalDirName     = "evaluations"
)

// coreFiles are the memory documents searched in .team-config, in order.
var coreFiles = []string{
	"target-user-profile.md",
	"USER-CONTEXT.md",
	"project-context.md",
	"communication-log.md",
	"human-inbox.md",
	"state-snapshot.md",
	"session-recovery.md",
	"team-lead-persona.md",
	"human-directives.md",
	"needs-human-decision.md",
}

var nonWord = regexp.MustCompile(`[^\p{L}\p{N}_\s]`)

// IndexEntry is the keyword summary of one document.
type IndexEntry struct {
	// File is relative to .team-config.
	File      string   `json:"file"`
	Keywords  []string `json:"keywords"`
	LineCount int      `json:"lineCount"`
	Size      int64    `json:"size"`
}

// Index is the body of memory-index.json.
type Index struct {
	LastUpdated string       `json:"lastUpdated"`
	Entries     []IndexEntry `json:"entries"`
}

// SearchableFiles lists the existing regular documents of at most 10 MB:
// the core files, then *.md under user-research/ and evaluations/.
func SearchableFiles(layout project.Layout) []string {
	dir := layout.TeamConfigDir()
	var files []string
	for _, name := range coreFiles {
		if p := filepath.Join(dir, name); eligible(p) {
			files = append(files, p)
		}
	}
	for _, sub := range []string{researchDirName, evalDirName} {
		matches, err := filepath.Glob(filepath.Join(dir, sub, "*.md"))
		if err != nil {
			continue
		}
		sort.Strings(matches)
		for _, p := range matches {
			if eligible(p) {
				files = append(files, p)
			}
		}
	}
	return files
}

func eligible(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() <= maxFileSize
}

func isBinary(data []byte) bool {
	if len(data) > binaryProbe {
		data = data[:binaryProbe]
	}
	return bytes.IndexByte(data, 0) >= 0
}

// ExtractKeywords returns the most frequent repeated words (longer than three
// characters) followed by a few long words that occur once.
func ExtractKeywords(text string) []string {
	words := strings.Fields(nonWord.ReplaceAllString(strings.ToLower(text), " "))

	counts := make(map[string]int)
	var order []string
	for _, w := range words {
		if utf8.RuneCountInString(w) < keywordMinLen {
			continue
		}
		if counts[w] == 0 {
			order = append(order, w)
		}
		counts[w]++
	}

	var repeated []string
	for _, w := range order {
		if counts[w] > 1 {
			repeated = append(repeated, w)
		}
	}
	sort.SliceStable(repeated, func(i, j int) bool { return counts[repeated[i]] > counts[repeated[j]] })
	if len(repeated) > topKeywords {
		repeated = repeated[:topKeywords]
	}

	keywords := append([]string{}, repeated...)
	distinct := 0
	for _, w := range order {
		if distinct == distinctWords {
			break
		}
		if counts[w] == 1 && utf8.RuneCountInString(w) >= distinctMinLen {
			keywords = append(keywords, w)
			distinct++
		}
	}
	return keywords
}

// BuildIndex summarizes every searchable document and replaces the index
// file with the result. Unreadable and binary documents are left out.
func BuildIndex(layout project.Layout, now time.Time) (*Index, error) {
	dir := layout.TeamConfigDir()
	ix := &Index{LastUpdated: project.ISOTime(now), Entries: []IndexEntry{}}

	for _, path := range SearchableFiles(layout) {
		data, err := os.ReadFile(path)
		if err != nil {
			searchLog.Debug("index_read_failed", slog.String("file", path), slog.String("error", err.Error()))
			continue
		}
		if isBinary(data) {
			continue
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = filepath.Base(path)
		}
		ix.Entries = append(ix.Entries, IndexEntry{
			File:      filepath.ToSlash(rel),
			Keywords:  ExtractKeywords(string(data)),
			LineCount: strings.Count(string(data), "\n") + 1,
			Size:      int64(len(data)),
		})
	}

	data, err := json.MarshalIndent(ix, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := project.WriteFileAtomic(layout.MemoryIndex(), data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write search index: %w", err)
	}
	searchLog.Info("index_built", slog.Int("entries", len(ix.Entries)))
	return ix, nil
}

// LoadIndex reads memory-index.json.
func LoadIndex(layout project.Layout) (*Index, error) {
	data, err := os.ReadFile(layout.MemoryIndex())
	if err != nil {
		return nil, err
	}
	var ix Index
	if err := json.Unmarshal(data, &ix); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(layout.MemoryIndex()), err)
	}
	return &ix, nil
}

// Prioritize moves files whose keywords overlap a query word to the front.
// Nothing is dropped.
func (ix *Index) Prioritize(layout project.Layout, files []string, query string) []string {
	var words []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		if len(w) >= indexPrefixMin {
			words = append(words, w)
		}
	}
	if len(words) == 0 {
		return files
	}

	hit := make(map[string]bool)
	for _, e := range ix.Entries {
		if overlaps(e.Keywords, words) {
			hit[filepath.Join(layout.TeamConfigDir(), filepath.FromSlash(e.File))] = true
		}
	}
	if len(hit) == 0 {
		return files
	}

	out := make([]string, 0, len(files))
	for _, f := range files {
		if hit[f] {
			out = append(out, f)
		}
	}
	for _, f := range files {
		if !hit[f] {
			out = append(out, f)
		}
	}
	return out
}

func overlaps(keywords, words []string) bool {
	for _, w := range words {
		for _, k := range keywords {
			if strings.Contains(k, w) || strings.Contains(w, k) {
				return true
			}
		}
	}
	return false
}

// Keywords returns every distinct keyword in the index.
func (ix *Index) Keywords() []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range ix.Entries {
		for _, k := range e.Keywords {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}

// Suggest ranks index keywords against each query word and returns up to
// five distinct alternatives.
func (ix *Index) Suggest(query string) []string {
	keywords := ix.Keywords()
	if len(keywords) == 0 {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		seen[w] = true
	}
	for _, w := range strings.Fields(strings.ToLower(query)) {
		for _, m := range fuzzy.Find(w, keywords) {
			if seen[m.Str] {
				continue
			}
			seen[m.Str] = true
			out = append(out, m.Str)
			if len(out) == maxSuggestions {
				return out
			}
		}
	}
	return out
}
