package daemon

import (
	"fmt"
	"strings"
)

// toolSummary renders a one-line, byte-stable description of a tool call
// for streaming to chat listeners. toolName/args come straight off
// tool_execution_start; unknown tool names fall through to a generic form.
func toolSummary(toolName string, args map[string]any) string {
	switch toolName {
	case "read":
		return fmt.Sprintf("📖 Reading `%s`", argOrDefault(args, "path", "file"))
	case "bash":
		return fmt.Sprintf("⚡ `%s`", truncateRunes(firstLine(argString(args, "command")), 80))
	case "edit":
		return fmt.Sprintf("✏️ Editing `%s`", argOrDefault(args, "path", "file"))
	case "write":
		return fmt.Sprintf("📝 Writing `%s`", argOrDefault(args, "path", "file"))
	default:
		return fmt.Sprintf("🔧 %s", toolName)
	}
}

func argString(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func argOrDefault(args map[string]any, key, def string) string {
	if s := argString(args, key); s != "" {
		return s
	}
	return def
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// truncateRunes truncates s to at most max runes, appending an ellipsis if
// anything was cut. Operates on runes, not bytes, so multi-byte UTF-8
// characters never get split mid-sequence.
func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
