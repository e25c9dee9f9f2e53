package mcp

import (
	"fmt"
	"regexp"
	"strings"
)

// toolNameRegex validates the "server.tool" format. Both parts must start
// with a word character and contain only word characters and hyphens.
var toolNameRegex = regexp.MustCompile(`^([\w][\w-]*)\.([\w][\w-]*)$`)

// NormalizeToolName converts "server__tool" (function-name restricted
// providers) to the canonical "server.tool" routing format.
func NormalizeToolName(name string) string {
	if strings.Contains(name, "__") && !strings.Contains(name, ".") {
		return strings.Replace(name, "__", ".", 1)
	}
	return name
}

// SplitToolName splits "server.tool" into (serverID, toolName, error).
func SplitToolName(name string) (serverID, toolName string, err error) {
	matches := toolNameRegex.FindStringSubmatch(name)
	if matches == nil {
		return "", "", fmt.Errorf(
			"invalid tool name %q: must be in 'server.tool' format "+
				"(e.g., 'search-server.web_search')", name)
	}
	return matches[1], matches[2], nil
}
