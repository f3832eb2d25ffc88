// Package glob implements the tiny `*`/`?` pattern matcher spec.md §4.2
// calls for in place of a regex dependency: "the source's regex-escape-
// then-replace approach is specification-equivalent."
package glob

import "strings"

// Match reports whether name matches pattern under glob semantics where
// `*` matches any run of characters (including none) and `?` matches
// exactly one character. Every other character must match literally.
// All other regex-meaningful characters are treated as literal text.
func Match(pattern, name string) bool {
	return matchFrom(pattern, name)
}

// matchFrom is a classic backtracking glob matcher: O(len(pattern)*len(name))
// worst case, which is more than fine for tool-name patterns.
func matchFrom(pattern, name string) bool {
	var pIdx, nIdx int
	var starIdx = -1
	var matchIdx int

	for nIdx < len(name) {
		if pIdx < len(pattern) && (pattern[pIdx] == '?' || pattern[pIdx] == name[nIdx]) {
			pIdx++
			nIdx++
		} else if pIdx < len(pattern) && pattern[pIdx] == '*' {
			starIdx = pIdx
			matchIdx = nIdx
			pIdx++
		} else if starIdx != -1 {
			pIdx = starIdx + 1
			matchIdx++
			nIdx = matchIdx
		} else {
			return false
		}
	}

	for pIdx < len(pattern) && pattern[pIdx] == '*' {
		pIdx++
	}

	return pIdx == len(pattern)
}

// MatchAny reports whether name matches any of the given patterns.
func MatchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if Match(p, name) {
			return true
		}
	}
	return false
}

// HasWildcard reports whether the single entry "*" is present, the
// convention spec.md uses for "allowedServers"/"allowedRoles" wildcards.
func HasWildcard(entries []string) bool {
	for _, e := range entries {
		if e == "*" {
			return true
		}
	}
	return false
}

// ContainsFold reports whether s contains substr, case-insensitively.
func ContainsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
