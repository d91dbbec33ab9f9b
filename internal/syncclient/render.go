package syncclient

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rpggio/kairos/internal/domain/syncstate"
)

const previewEntries = 3

// Render formats a payload as indented text for terminals without the
// page.
func Render(env syncstate.Envelope) string {
	var b strings.Builder
	fmt.Fprintf(&b, "version %d", env.Version)
	if !env.Timestamp.IsZero() {
		fmt.Fprintf(&b, " at %s", env.Timestamp.Local().Format(time.TimeOnly))
	}
	b.WriteString("\n")

	for _, key := range sortedKeys(env.Data) {
		fmt.Fprintf(&b, "%s: %s\n", key, renderValue(env.Data[key]))
	}
	return b.String()
}

func renderValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "-"
	case bool:
		if t {
			return "yes"
		}
		return "no"
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%.2f", t)
	case string:
		return t
	case []any:
		return fmt.Sprintf("list with %d items", len(t))
	case map[string]any:
		keys := sortedKeys(t)
		parts := make([]string, 0, previewEntries)
		for _, k := range keys[:min(len(keys), previewEntries)] {
			parts = append(parts, k+"="+renderScalar(t[k]))
		}
		s := strings.Join(parts, ", ")
		if extra := len(keys) - previewEntries; extra > 0 {
			s += fmt.Sprintf(" ... (+%d more)", extra)
		}
		return s
	default:
		return fmt.Sprint(t)
	}
}

// renderScalar keeps nested containers to a summary.
func renderScalar(v any) string {
	switch t := v.(type) {
	case map[string]any:
		return fmt.Sprintf("{%d keys}", len(t))
	case []any:
		return fmt.Sprintf("[%d items]", len(t))
	default:
		return renderValue(v)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
