package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractQuestionMultipleChoice(t *testing.T) {
	text := "Some context\nWhich database should we use?\n❯ 1. PostgreSQL\n  2. MySQL\n  3. SQLite\n"
	q := ExtractQuestion(text)
	require.NotNil(t, q)
	assert.Equal(t, QuestionMultipleChoice, q.Type)
	assert.Equal(t, "Which database should we use?", q.Text)
	assert.Equal(t, []string{"PostgreSQL", "MySQL", "SQLite"}, q.Options)
}

func TestExtractQuestionSkipsBlankLineBeforeOptions(t *testing.T) {
	text := "Pick a layout\n\n  1. Grid\n  2. List"
	q := ExtractQuestion(text)
	require.NotNil(t, q)
	assert.Equal(t, "Pick a layout", q.Text)
	assert.Len(t, q.Options, 2)
}

func TestExtractQuestionFreeText(t *testing.T) {
	text := "Did you mean foo?\nSome output\nWhat should the app be called?\n> "
	q := ExtractQuestion(text)
	require.NotNil(t, q)
	assert.Equal(t, QuestionFreeText, q.Type)
	assert.Equal(t, "What should the app be called?", q.Text, "the last ? line wins")
	assert.NotNil(t, q.Options)
	assert.Empty(t, q.Options)
}

func TestExtractQuestionOptionsOnFirstLine(t *testing.T) {
	assert.Nil(t, ExtractQuestion("1. foo\n2. bar"))

	q := ExtractQuestion("1. foo\n2. bar\nready?")
	require.NotNil(t, q)
	assert.Equal(t, QuestionFreeText, q.Type)
}

func TestExtractQuestionNone(t *testing.T) {
	assert.Nil(t, ExtractQuestion("compiling...\ndone"))
	assert.Nil(t, ExtractQuestion(""))
}
