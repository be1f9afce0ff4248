package rag

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// feedRunes pushes the input one rune at a time, the worst-case chunking a
// streaming provider can produce: every tag straddles delta boundaries.
func feedRunes(f *ThinkingFilter, s string) string {
	var out string
	for _, r := range s {
		out += f.Feed(string(r))
	}
	return out + f.Flush()
}

func TestThinkingFilter_StripsThinkTags(t *testing.T) {
	var f ThinkingFilter
	assert.Equal(t, "visible", feedRunes(&f, "<think>oculto</think>visible"))
}

func TestThinkingFilter_StripsPipeThinkingTags(t *testing.T) {
	var f ThinkingFilter
	assert.Equal(t, "antes después", feedRunes(&f, "antes <|thinking|>interno</|thinking|>después"))
}

func TestThinkingFilter_StraddledTagNeverLeaks(t *testing.T) {
	var f ThinkingFilter
	// Deliver in awkward multi-rune chunks that split both tags.
	chunks := []string{"hola <thi", "nk>razona", "miento</th", "ink> mundo"}
	var out string
	for _, c := range chunks {
		out += f.Feed(c)
	}
	out += f.Flush()
	assert.Equal(t, "hola  mundo", out)
}

func TestThinkingFilter_DanglingOpenTagFlushesAsLiteral(t *testing.T) {
	var f ThinkingFilter
	assert.Equal(t, "total <thi", feedRunes(&f, "total <thi"))
}

func TestThinkingFilter_UnterminatedThinkingIsDropped(t *testing.T) {
	var f ThinkingFilter
	assert.Equal(t, "inicio ", feedRunes(&f, "inicio <think>nunca se cierra"))
}

func TestThinkingFilter_NonTagAngleBracketPassesThrough(t *testing.T) {
	var f ThinkingFilter
	assert.Equal(t, "a < b y a <b> c", feedRunes(&f, "a < b y a <b> c"))
}

func TestThinkingFilter_MultipleSpans(t *testing.T) {
	var f ThinkingFilter
	assert.Equal(t, "uno dos", feedRunes(&f, "<think>x</think>uno <think>y</think>dos"))
}
