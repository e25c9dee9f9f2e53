package mcp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateTokens(t *testing.T) {
	assert.Zero(t, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 25, EstimateTokens(strings.Repeat("a", 100)))
}

func TestTruncateForDisplayPassesSmallContent(t *testing.T) {
	content := "a short tool result"
	assert.Equal(t, content, TruncateForDisplay(content))
}

func TestTruncateForDisplayCutsLargeContent(t *testing.T) {
	line := strings.Repeat("x", 99) + "\n"
	content := strings.Repeat(line, 400) // 40000 chars, limit is 32000

	out := TruncateForDisplay(content)
	assert.Less(t, len(out), len(content))
	assert.Contains(t, out, "[TRUNCATED: Output exceeded display limit")
	assert.Contains(t, out, "Original size: 39KB")

	// The cut lands on a line boundary: every surviving line is intact.
	body := out[:strings.Index(out, "\n\n[TRUNCATED")]
	for _, l := range strings.Split(body, "\n") {
		assert.Len(t, l, 99)
	}
}

func TestTruncateAtLineBoundaryUTF8(t *testing.T) {
	// A multi-byte rune straddling the cut point must not be split.
	content := strings.Repeat("é", 40)
	out := truncateAtLineBoundary(content, 11, "cap")
	body := out[:strings.Index(out, "\n\n[TRUNCATED")]
	assert.True(t, strings.HasSuffix(body, "é"))
	assert.Equal(t, 10, len(body))
}
