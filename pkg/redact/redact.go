// Package redact scrubs secrets out of payloads before they leave the
// process through the bridge. It is deliberately blunt: false positives cost
// a little context, false negatives leak credentials to another device.
package redact

import (
	"path"
	"reflect"
	"regexp"
)

const (
	Placeholder     = "[REDACTED]"
	PathPlaceholder = "[REDACTED-PATH]"
	cycleMarker     = "[cycle]"
)

// keyPattern matches names that smell like credentials, wherever they occur:
// env keys, JSON keys, metadata keys.
const keyPattern = `[A-Za-z0-9_.-]*(?i:secret|token|passwd|password|api_?key|access_?key|private_?key|credentials?|authorization)[A-Za-z0-9_.-]*`

var (
	// FOO_API_KEY=value, quoted or bare
	envAssign = regexp.MustCompile(`\b(` + keyPattern + `)(\s*=\s*)("[^"]*"|'[^']*'|[^\s"']+)`)

	// "apiKey": "value" inside JSON-ish text
	jsonValue = regexp.MustCompile(`"(` + keyPattern + `)"(\s*:\s*)"(?:[^"\\]|\\.)*"`)

	bearer = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]{4,}`)

	// well-known credential prefixes
	prefixed = regexp.MustCompile(`\b(?:sk-[A-Za-z0-9_-]{8,}|ghp_[A-Za-z0-9]{16,}|gho_[A-Za-z0-9]{16,}|github_pat_[A-Za-z0-9_]{16,}|glpat-[A-Za-z0-9_-]{8,}|xox[abprs]-[A-Za-z0-9-]{8,}|AKIA[0-9A-Z]{16})\b`)

	// path-looking tokens; checked against sensitiveBase below
	pathToken = regexp.MustCompile(`(?:~?/|\.{1,2}/)[^\s"':]+`)

	sensitiveBase = regexp.MustCompile(`(?i)^(?:\.env(?:\..*)?|id_rsa.*|id_ed25519.*|.*credentials.*|.*token.*|.*secret.*)$`)

	sensitiveKey = regexp.MustCompile(`^` + keyPattern + `$`)
)

// String scrubs every recognized secret shape out of s.
func String(s string) string {
	if s == "" {
		return s
	}
	s = envAssign.ReplaceAllString(s, "$1$2"+Placeholder)
	s = jsonValue.ReplaceAllString(s, `"$1"$2"`+Placeholder+`"`)
	s = bearer.ReplaceAllString(s, "Bearer "+Placeholder)
	s = prefixed.ReplaceAllString(s, Placeholder)
	s = pathToken.ReplaceAllStringFunc(s, func(p string) string {
		if sensitiveBase.MatchString(path.Base(p)) {
			return PathPlaceholder
		}
		return p
	})
	return s
}

// SensitiveKey reports whether a metadata or JSON key names a credential.
func SensitiveKey(k string) bool {
	return sensitiveKey.MatchString(k)
}

// Metadata returns a scrubbed deep copy of m. String values are run through
// String; any value under a credential-named key is replaced outright.
// Cycles in the input are cut with a marker instead of recursing forever.
func Metadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	seen := map[uintptr]bool{}
	return walkMap(m, seen)
}

func walkMap(m map[string]any, seen map[uintptr]bool) map[string]any {
	if m == nil {
		return nil
	}
	ptr := reflect.ValueOf(m).Pointer()
	if seen[ptr] {
		return map[string]any{"_": cycleMarker}
	}
	seen[ptr] = true
	defer delete(seen, ptr)

	out := make(map[string]any, len(m))
	for k, v := range m {
		if SensitiveKey(k) {
			out[k] = Placeholder
			continue
		}
		out[k] = walkValue(v, seen)
	}
	return out
}

func walkValue(v any, seen map[uintptr]bool) any {
	switch t := v.(type) {
	case string:
		return String(t)
	case map[string]any:
		return walkMap(t, seen)
	case []any:
		if len(t) == 0 {
			return t
		}
		ptr := reflect.ValueOf(t).Pointer()
		if seen[ptr] {
			return cycleMarker
		}
		seen[ptr] = true
		defer delete(seen, ptr)
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = walkValue(e, seen)
		}
		return out
	default:
		return v
	}
}
