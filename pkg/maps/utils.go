package maps

// Copy creates a copy of the given map and returns it. A nil map copies to
// nil, not to an empty map.
func Copy[K comparable, V any](a map[K]V) map[K]V {
	if a == nil {
		return nil
	}
	c := make(map[K]V, len(a))
	for k, v := range a {
		c[k] = v
	}
	return c
}

// Equal returns true if the two maps contain the exact same set of associations.
func Equal[K comparable, V comparable](a, b map[K]V) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if v != b[k] {
			return false
		}
	}
	return true
}

// Merge merges map src into dst, giving the entries in src higher priority.
func Merge[K comparable, V any](dst, src map[K]V) {
	for k, v := range src {
		dst[k] = v
	}
}
