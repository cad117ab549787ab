package util

// Truncate shortens s to at most n runes, marking the cut with "…".
// Used for job names and arguments in terminal tables.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}
