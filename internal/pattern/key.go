package pattern

import (
	"sort"
	"strings"

	"beacon/internal/model"
)

// Reserved metadata keys that do not describe the event signature.
var nonSignatureKeys = map[string]struct{}{
	"priority":   {},
	"action_url": {},
}

// KeyFor derives the recurrence signature of a notification: an explicit
// "pattern_key" metadata value wins, otherwise the type plus the
// string-valued metadata attributes in stable order, e.g.
// "task_due_soon:big_rock=Health".
func KeyFor(n model.Notification) string {
	if v, ok := n.Metadata["pattern_key"].(string); ok && v != "" {
		return v
	}
	var attrs []string
	for k, v := range n.Metadata {
		if _, skip := nonSignatureKeys[k]; skip {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			attrs = append(attrs, k+"="+s)
		}
	}
	if len(attrs) == 0 {
		return string(n.Type)
	}
	sort.Strings(attrs)
	return string(n.Type) + ":" + strings.Join(attrs, ",")
}
