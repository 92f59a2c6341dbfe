// Package roles is the single place that knows which agent roles exist, what
// their aliases are, and which tmux pane each canonical role lives in.
// Adding a role is one line in the alias table and one in the pane map.
package roles

import "strings"

// Role is a canonical agent role.
type Role string

const (
	Architect Role = "architect"
	Builder   Role = "builder"
	Oracle    Role = "oracle"
)

// aliases maps every accepted spelling to its canonical role. Canonical
// names map to themselves.
var aliases = map[string]Role{
	"architect":    Architect,
	"lead":         Architect,
	"builder":      Builder,
	"backend":      Builder,
	"infra":        Builder,
	"orchestrator": Builder,
	"worker":       Builder,
	"oracle":       Oracle,
	"analyst":      Oracle,
	"investigator": Oracle,
	"reviewer":     Oracle,
}

// panes maps canonical roles to their home pane.
var panes = map[Role]string{
	Architect: "1",
	Builder:   "2",
	Oracle:    "3",
}

// Normalize maps any accepted spelling of a role, case-insensitively, to its
// canonical form. The second return is false for unknown roles.
func Normalize(s string) (Role, bool) {
	r, ok := aliases[strings.ToLower(strings.TrimSpace(s))]
	return r, ok
}

// PaneFor returns the home pane of a canonical role, or "" when the role is
// unknown.
func PaneFor(r Role) string {
	return panes[r]
}

// RoleFor returns the canonical role living in the given pane, or "" when no
// role claims it. Background panes ("bg-2-1") belong to no role.
func RoleFor(paneID string) Role {
	paneID = strings.TrimSpace(paneID)
	for r, p := range panes {
		if p == paneID {
			return r
		}
	}
	return ""
}

// All returns the canonical roles in pane order.
func All() []Role {
	return []Role{Architect, Builder, Oracle}
}

// IsCanonical reports whether s already is a canonical role name.
func IsCanonical(s string) bool {
	r, ok := aliases[s]
	return ok && string(r) == s
}
