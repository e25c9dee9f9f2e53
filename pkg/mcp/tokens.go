package mcp

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// charsPerToken is the approximate number of characters per token for
// English text. Used for threshold estimation only.
const charsPerToken = 4

// DefaultDisplayMaxTokens caps tool output carried on tree nodes and wire
// frames. Protects observer UIs from rendering massive text blobs.
const DefaultDisplayMaxTokens = 8000

// EstimateTokens returns an approximate token count using the common
// ~4 chars/token heuristic. len() counts bytes, so multi-byte UTF-8
// content overestimates — a safe direction for a display cap.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// TruncateForDisplay truncates tool output before it is attached to tree
// nodes and sent to observers. Applied to all raw results.
func TruncateForDisplay(content string) string {
	return truncateAtLineBoundary(content, DefaultDisplayMaxTokens*charsPerToken,
		"Output exceeded display limit")
}

// truncateAtLineBoundary cuts at the last newline before the limit to
// avoid splitting mid-line, which matters for indented JSON, YAML and log
// output. The cut point backs up over partial UTF-8 sequences first.
func truncateAtLineBoundary(content string, maxChars int, marker string) string {
	if maxChars <= 0 || len(content) <= maxChars {
		return content
	}
	cut := maxChars
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	truncated := content[:cut]
	if idx := strings.LastIndex(truncated, "\n"); idx > 0 {
		truncated = truncated[:idx]
	}
	return truncated + fmt.Sprintf(
		"\n\n[TRUNCATED: %s — Original size: %s, limit: %s]",
		marker, formatSize(len(content)), formatSize(maxChars),
	)
}

// formatSize returns a human-readable size string. Uses bytes for values
// under 1KB to avoid confusing "0KB" output on small content.
func formatSize(bytes int) string {
	if bytes < 1024 {
		return fmt.Sprintf("%dB", bytes)
	}
	return fmt.Sprintf("%dKB", bytes/1024)
}
