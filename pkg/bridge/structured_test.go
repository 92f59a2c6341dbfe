package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeStructuredCanonicalizesKnownTypes(t *testing.T) {
	meta := map[string]any{
		"structured": map[string]any{
			"type":    "blocker",
			"payload": map[string]any{"detail": "port taken"},
		},
		"other": "kept",
	}
	out := normalizeStructured(meta)
	s, ok := out["structured"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Blocker", s["type"])
	assert.Equal(t, "kept", out["other"])

	// The input is copied, not mutated.
	in := meta["structured"].(map[string]any)
	assert.Equal(t, "blocker", in["type"])

	for _, tc := range []struct{ raw, want string }{
		{"FYI", "FYI"},
		{"conflictcheck", "ConflictCheck"},
		{" Approval ", "Approval"},
		{"CONFLICTRESULT", "ConflictResult"},
		{"approvalResult", "ApprovalResult"},
	} {
		out := normalizeStructured(map[string]any{
			"structured": map[string]any{"type": tc.raw},
		})
		s := out["structured"].(map[string]any)
		assert.Equal(t, tc.want, s["type"], "raw type %q", tc.raw)
	}
}

func TestNormalizeStructuredUnknownTypeBecomesFYI(t *testing.T) {
	out := normalizeStructured(map[string]any{
		"structured": map[string]any{
			"type":    "EscalateToHuman",
			"payload": map[string]any{"detail": "call me"},
		},
	})
	s, ok := out["structured"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "FYI", s["type"])
	payload, ok := s["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "call me", payload["detail"])
	assert.Equal(t, "EscalateToHuman", payload["originalType"])
	assert.Equal(t, "context-only", payload["impact"])
	assert.Equal(t, "status", payload["category"])
}

func TestNormalizeStructuredSalvagesDetail(t *testing.T) {
	out := normalizeStructured(map[string]any{
		"structured": map[string]any{
			"type":    "Mystery",
			"payload": map[string]any{"count": 3},
		},
	})
	payload := out["structured"].(map[string]any)["payload"].(map[string]any)
	assert.JSONEq(t, `{"count":3}`, payload["detail"].(string))

	// No payload at all still yields a valid envelope.
	out = normalizeStructured(map[string]any{
		"structured": map[string]any{"type": "Mystery"},
	})
	payload = out["structured"].(map[string]any)["payload"].(map[string]any)
	assert.Equal(t, "", payload["detail"])
}

func TestNormalizeStructuredPassThrough(t *testing.T) {
	assert.Nil(t, normalizeStructured(nil))

	// A non-map structured value is not this package's problem.
	meta := map[string]any{"structured": "yes"}
	out := normalizeStructured(meta)
	assert.Equal(t, "yes", out["structured"])

	noStructured := map[string]any{"k": "v"}
	assert.Equal(t, noStructured, normalizeStructured(noStructured))
}

func TestSynthesizeStructured(t *testing.T) {
	s := synthesizeStructured("build finished")
	assert.Equal(t, "FYI", s["type"])
	payload, ok := s["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "build finished", payload["detail"])
	assert.Equal(t, "context-only", payload["impact"])
	assert.Equal(t, "status", payload["category"])
}
