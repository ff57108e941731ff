package classify

import (
	"regexp"
	"strings"
)

// QuestionType distinguishes menus from open prompts.
type QuestionType string

const (
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionFreeText       QuestionType = "free_text"
)

// Question is the structured form of a pending prompt.
type Question struct {
	Text    string       `json:"text"`
	Options []string     `json:"options"`
	Type    QuestionType `json:"type"`
}

var optionLine = regexp.MustCompile(`^[❯\s]*\d+\.\s+(.+)`)

// ExtractQuestion finds a numbered menu or a trailing "?" line in text.
// It returns nil when neither is present; callers then show the raw detail.
func ExtractQuestion(text string) *Question {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	options := []string{}
	first := -1
	for i, line := range lines {
		if m := optionLine.FindStringSubmatch(line); m != nil {
			if first == -1 {
				first = i
			}
			options = append(options, strings.TrimSpace(m[1]))
		}
	}

	if len(options) > 0 && first > 0 {
		for i := first - 1; i >= 0; i-- {
			if t := strings.TrimSpace(lines[i]); t != "" {
				return &Question{Text: t, Options: options, Type: QuestionMultipleChoice}
			}
		}
	}

	for i := len(lines) - 1; i >= 0; i-- {
		if t := strings.TrimSpace(lines[i]); strings.HasSuffix(t, "?") {
			return &Question{Text: t, Options: []string{}, Type: QuestionFreeText}
		}
	}
	return nil
}
