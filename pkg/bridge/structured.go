package bridge

import (
	"encoding/json"
	"strings"

	"github.com/anamnesos/hivemind/pkg/maps"
)

// Structured metadata types both ends of the relay understand. Anything else
// is downgraded to an FYI so a newer peer can never crash an older one.
var structuredTypes = map[string]string{
	"fyi":            "FYI",
	"conflictcheck":  "ConflictCheck",
	"blocker":        "Blocker",
	"approval":       "Approval",
	"conflictresult": "ConflictResult",
	"approvalresult": "ApprovalResult",
}

// normalizeStructured canonicalizes metadata["structured"].type in place on a
// shallow copy of meta. An unknown type is replaced by an FYI envelope that
// preserves the original type name and whatever detail can be salvaged.
func normalizeStructured(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	rawStructured, ok := meta["structured"].(map[string]any)
	if !ok {
		return meta
	}
	out := maps.Copy(meta)

	rawType, _ := rawStructured["type"].(string)
	if canonical, known := structuredTypes[strings.ToLower(strings.TrimSpace(rawType))]; known {
		s := maps.Copy(rawStructured)
		s["type"] = canonical
		out["structured"] = s
		return out
	}

	out["structured"] = map[string]any{
		"type": "FYI",
		"payload": map[string]any{
			"category":     "status",
			"detail":       structuredDetail(rawStructured),
			"impact":       "context-only",
			"originalType": rawType,
		},
	}
	return out
}

// structuredDetail salvages a human-readable detail from an unknown
// structured payload.
func structuredDetail(s map[string]any) string {
	payload, _ := s["payload"].(map[string]any)
	if d, ok := payload["detail"].(string); ok && d != "" {
		return d
	}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			return string(b)
		}
	}
	return ""
}

// synthesizeStructured wraps bare content in the FYI envelope, used for
// inbound deliveries that carry no structured field at all.
func synthesizeStructured(content string) map[string]any {
	return map[string]any{
		"type": "FYI",
		"payload": map[string]any{
			"category": "status",
			"detail":   content,
			"impact":   "context-only",
		},
	}
}
