package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractJSONFromMarkdownBlock(t *testing.T) {
	input := "Here is the spec:\n```json\n{\"assertions\": [\"a\", \"b\"]}\n```\nDone."
	got := ExtractJSON(input)
	assert.JSONEq(t, `{"assertions": ["a", "b"]}`, got)
}

func TestExtractJSONRawFallback(t *testing.T) {
	input := `some text {"foo": "bar"} trailing`
	got := ExtractJSON(input)
	assert.JSONEq(t, `{"foo": "bar"}`, got)
}

func TestExtractJSONStripsTrailingCommas(t *testing.T) {
	input := "```json\n{\"a\": 1, \"b\": 2,}\n```"
	got := ExtractJSON(input)
	assert.JSONEq(t, `{"a": 1, "b": 2}`, got)
}

func TestExtractJSONStripsLineComments(t *testing.T) {
	input := "```json\n{\n  \"url\": \"http://example.com\", // note\n  \"path\": \"a//b\"\n}\n```"
	got := ExtractJSON(input)
	assert.JSONEq(t, `{"url": "http://example.com", "path": "a//b"}`, got)
}

func TestExtractJSONNoneFound(t *testing.T) {
	assert.Equal(t, "", ExtractJSON("no json here"))
}

func TestExtractJSONArrayFromMarkdownBlock(t *testing.T) {
	input := "```json\n[{\"path\": \"a.go\"}, {\"path\": \"b.go\"}]\n```"
	got := ExtractJSONArray(input)
	assert.JSONEq(t, `[{"path": "a.go"}, {"path": "b.go"}]`, got)
}

func TestExtractJSONArrayRawFallback(t *testing.T) {
	input := `result: [1, 2, 3] end`
	got := ExtractJSONArray(input)
	assert.JSONEq(t, `[1, 2, 3]`, got)
}
