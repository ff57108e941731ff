// Package search is the keyword search over a project's .team-config memory
// documents, with an optional keyword index used to order the scan.
package search

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrInvalidQuery wraps every query validation failure. The wrapped message
// is meant for the user as is.
var ErrInvalidQuery = errors.New("invalid query")

const (
	minQueryLen = 2
	maxQueryLen = 200
	minWordLen  = 2
)

var controlChars = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F]`)

type queryError struct {
	msg string
}

func (e *queryError) Error() string { return e.msg }
func (e *queryError) Unwrap() error { return ErrInvalidQuery }

// ValidateQuery trims q and rejects empty, too short, too long or control
// character queries.
func ValidateQuery(q string) (string, error) {
	trimmed := strings.TrimSpace(q)
	n := utf8.RuneCountInString(trimmed)
	switch {
	case n == 0:
		return "", &queryError{"Query cannot be empty."}
	case n < minQueryLen:
		return "", &queryError{"Please provide a search query (at least 2 characters)."}
	case n > maxQueryLen:
		return "", &queryError{fmt.Sprintf("Query is too long (maximum %d characters).", maxQueryLen)}
	case controlChars.MatchString(trimmed):
		return "", &queryError{"Query contains invalid characters."}
	}
	return trimmed, nil
}

// QueryWords splits q on whitespace into words of at least two characters,
// lowercased unless caseSensitive.
func QueryWords(q string, caseSensitive bool) []string {
	if !caseSensitive {
		q = strings.ToLower(q)
	}
	var words []string
	for _, w := range strings.Fields(q) {
		if utf8.RuneCountInString(w) >= minWordLen {
			words = append(words, w)
		}
	}
	return words
}

func wordBoundary(line, term string) bool {
	re, err := regexp.Compile(`\b` + regexp.QuoteMeta(term) + `\b`)
	if err != nil {
		return false
	}
	return re.MatchString(line)
}

// Score rates one line against the query. words must come from QueryWords
// with the same caseSensitive setting.
func Score(line, query string, words []string, caseSensitive, fuzzy bool) int {
	if !caseSensitive {
		line = strings.ToLower(line)
		query = strings.ToLower(query)
	}
	score := 0

	if strings.Contains(line, query) {
		score += 20
		if wordBoundary(line, query) {
			score += 10
		}
		if strings.HasPrefix(strings.TrimLeftFunc(line, unicode.IsSpace), query) {
			score += 5
		}
	}

	var lineWords []string
	if fuzzy {
		lineWords = strings.Fields(line)
		for _, w := range lineWords {
			if utf8.RuneCountInString(w) > 3 && IsFuzzyMatch(w, query, 2) {
				score += 3
			}
		}
	}

	matched := 0
	for _, word := range words {
		if utf8.RuneCountInString(word) < minWordLen {
			continue
		}
		if strings.Contains(line, word) {
			score += 3
			matched++
			if wordBoundary(line, word) {
				score += 2
			}
			continue
		}
		if fuzzy && utf8.RuneCountInString(word) > 3 {
			for _, w := range lineWords {
				if IsFuzzyMatch(w, word, 1) {
					score++
					matched++
					break
				}
			}
		}
	}

	if len(words) > 1 && matched == len(words) {
		score += 5
	}
	return score
}

// IsFuzzyMatch reports whether s is within maxDistance edits of q. Short
// queries (three characters or fewer) allow a single edit.
func IsFuzzyMatch(s, q string, maxDistance int) bool {
	if utf8.RuneCountInString(q) <= 3 {
		return s == q || Levenshtein(s, q) <= 1
	}
	return Levenshtein(s, q) <= maxDistance
}

// Levenshtein is the rune-wise edit distance between a and b.
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}
