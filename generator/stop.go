package generator

import "strings"

// FindStop reports whether text contains any of stops as a substring,
// returning the first one found in stops order (spec.md §4.10 "any
// suffix of the currently-decoded continuation equals some
// stopSequence" — generalized here to "contains", matching
// runner_compute.go's per-step full-text scan rather than a suffix-only
// check, since a stop sequence can span more than the most recent
// token's text).
func FindStop(text string, stops []string) (bool, string) {
	for _, stop := range stops {
		if stop == "" {
			continue
		}
		if strings.Contains(text, stop) {
			return true, stop
		}
	}
	return false, ""
}

// TruncateStop cuts text at the first occurrence of stop, returning the
// text up to (not including) the match and whether a match was found.
func TruncateStop(text, stop string) (string, bool) {
	idx := strings.Index(text, stop)
	if idx < 0 {
		return text, false
	}
	return text[:idx], true
}

// ContainsStopSuffix reports whether any suffix of text is a non-empty
// proper prefix of one of stops — i.e. text might be in the middle of
// completing a stop sequence and the caller should hold back emission
// rather than flush partial text that could still turn into a match.
func ContainsStopSuffix(text string, stops []string) bool {
	for _, stop := range stops {
		if stop == "" {
			continue
		}
		maxLen := len(stop) - 1
		if maxLen > len(text) {
			maxLen = len(text)
		}
		for l := maxLen; l > 0; l-- {
			if strings.HasSuffix(text, stop[:l]) {
				return true
			}
		}
	}
	return false
}
