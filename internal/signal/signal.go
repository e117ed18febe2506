// Package signal extracts lexical signal from task text. Extraction is
// pure and deterministic: lower-case normalization, boundary-aware literal
// matching, case-insensitive regex matching, nothing semantic.
package signal

import (
	"sort"
	"strings"

	"chained/internal/patterns"
)

// Extract matches the task's title/body against the pattern table and
// normalizes the declared locations. Zero matched tokens is a valid
// outcome, not an error. Output slices are sorted and de-duplicated.
func Extract(table *patterns.Table, title, body string, declared []string) (tokens []string, locations []string) {
	hay := strings.ToLower(title + "\n" + body)
	seen := map[string]bool{}
	for _, r := range table.Rules {
		if seen[r.Token] {
			continue
		}
		if r.IsRegex() {
			if r.Regexp().MatchString(hay) {
				seen[r.Token] = true
				tokens = append(tokens, r.Token)
			}
			continue
		}
		if containsToken(hay, r.Token) {
			seen[r.Token] = true
			tokens = append(tokens, r.Token)
		}
	}
	sort.Strings(tokens)
	locations = Normalize(declared)
	return tokens, locations
}

// Normalize lower-cases, trims, de-duplicates, and sorts a location set.
func Normalize(values []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// containsToken reports whether token occurs in hay on non-alphanumeric
// boundaries. A token may itself contain separators (ai/ml), in which
// case its own edge characters define the boundary.
func containsToken(hay, token string) bool {
	if token == "" {
		return false
	}
	for from := 0; from+len(token) <= len(hay); {
		i := strings.Index(hay[from:], token)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(token)
		if boundary(hay, start-1, token[0]) && boundary(hay, end, token[len(token)-1]) {
			return true
		}
		from = start + 1
	}
	return false
}

// boundary checks the hay byte at idx against the adjacent token edge.
// If the token edge is itself a separator, any neighbor qualifies.
func boundary(hay string, idx int, edge byte) bool {
	if !isAlnum(edge) {
		return true
	}
	if idx < 0 || idx >= len(hay) {
		return true
	}
	return !isAlnum(hay[idx])
}

func isAlnum(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b >= 'A' && b <= 'Z'
}
