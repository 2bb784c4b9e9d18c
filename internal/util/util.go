package util

import (
	"os"
	"regexp"
	"strings"
)

// ExpandEnvUniversal expands both Unix-style ($VAR, ${VAR}) and Windows-style
// (%VAR%) environment variables. Unresolved Windows-style placeholders are
// replaced with an empty string.
func ExpandEnvUniversal(s string) string {
	unixExpanded := os.ExpandEnv(s)

	re := regexp.MustCompile(`%([A-Za-z0-9_]+)%`)
	return re.ReplaceAllStringFunc(unixExpanded, func(match string) string {
		varName := match[1 : len(match)-1]
		if value, ok := os.LookupEnv(varName); ok {
			return value
		}
		return ""
	})
}

// Snippet returns a short prefix of a byte slice, useful for logging.
func Snippet(b []byte) string {
	const maxLen = 200
	s := string(b)
	if len(s) > maxLen {
		runes := []rune(s)
		if len(runes) > maxLen {
			return string(runes[:maxLen]) + "..."
		}
	}
	return s
}

// LooksLikeJSON performs a basic check to see if a string starts and ends
// with characters typical of JSON objects or arrays. Heuristic only.
func LooksLikeJSON(s string) bool {
	trimmed := strings.TrimSpace(s)
	return (strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}")) ||
		(strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]"))
}
