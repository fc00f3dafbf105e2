package keaconfig

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripComments(t *testing.T) {
	src := "{\n" +
		"  // line comment\n" +
		"  \"url\": \"http://example.com/#frag\", # hash comment\n" +
		"  /* block\n" +
		"     spanning */ \"n\": 1,\n" +
		"}\n"

	clean, comments := StripComments([]byte(src))
	assert.Len(t, clean, len(src), "offsets are preserved")

	var doc map[string]any
	require.NoError(t, json.Unmarshal(clean, &doc))
	assert.Equal(t, "http://example.com/#frag", doc["url"])
	assert.Equal(t, float64(1), doc["n"])

	require.Len(t, comments, 3)
	assert.Equal(t, Comment{Line: 2, EndLine: 2, Text: "line comment"}, comments[0])
	assert.Equal(t, Comment{Line: 3, EndLine: 3, Text: "hash comment"}, comments[1])
	assert.Equal(t, 4, comments[2].Line)
	assert.Equal(t, 5, comments[2].EndLine)
	assert.True(t, comments[2].Block)
}

func TestStripComments_EscapedQuoteInString(t *testing.T) {
	clean, comments := StripComments([]byte(`{"a": "say \"//hi\"", "b": 2 // tail` + "\n}"))
	assert.Len(t, comments, 1)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(clean, &doc))
	assert.Equal(t, `say "//hi"`, doc["a"])
}

func TestStripComments_TrailingCommas(t *testing.T) {
	clean, _ := StripComments([]byte(`{"a": [1, 2, ], "b": {"c": 1,},}`))
	var doc map[string]any
	require.NoError(t, json.Unmarshal(clean, &doc))
	assert.Len(t, doc["a"], 2)
}

func TestExtractHints(t *testing.T) {
	tests := []struct {
		text string
		want Hints
	}{
		{"CIN-Building4", Hints{CinName: "CIN-Building4"}},
		{"uplink to ABC-1234-CIN001", Hints{CinName: "ABC-1234-CIN001"}},
		{"ABC-1234-CIN001 / ABC-1234-CCAP01", Hints{CinName: "ABC-1234-CIN001", CcapName: "ABC-1234-CCAP01"}},
		{"core CCAP-East1.", Hints{CcapName: "CCAP-East1"}},
		{"just a note", Hints{}},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractHints(tt.text))
		})
	}
}

func TestLineIndex(t *testing.T) {
	idx := newLineIndex([]byte("ab\ncd\n\nef"))
	assert.Equal(t, 1, idx.line(0))
	assert.Equal(t, 1, idx.line(2))
	assert.Equal(t, 2, idx.line(3))
	assert.Equal(t, 3, idx.line(6))
	assert.Equal(t, 4, idx.line(7))
	assert.Equal(t, 2, idx.column(4))
}
