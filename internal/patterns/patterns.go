// Package patterns loads the rule table mapping lexical tokens to
// candidate workers. The table is data, not code: dispatch reads it fresh
// on every invocation and never mutates it.
package patterns

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	MatchLiteral = "literal"
	MatchRegex   = "regex"
)

// Rule maps one token to its candidate workers and weight.
type Rule struct {
	Token      string   `yaml:"token"`
	Match      string   `yaml:"match,omitempty"`
	Candidates []string `yaml:"candidates"`
	Weight     float64  `yaml:"weight"`

	re *regexp.Regexp
}

// Table is a versioned pattern table.
type Table struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// Issue is a lint finding against the table.
type Issue struct {
	Token  string `json:"token"`
	Detail string `json:"detail"`
}

// IsRegex reports whether the rule matches as a regular expression.
func (r Rule) IsRegex() bool { return r.Match == MatchRegex }

// Regexp returns the compiled expression for regex rules, nil otherwise.
func (r Rule) Regexp() *regexp.Regexp { return r.re }

// Path returns the pattern table path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "patterns.yaml")
}

// Load reads and validates the table from its workspace path.
func Load(workspace string) (*Table, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("pattern table %s not found; run chd init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns an empty table if the file does not exist.
func LoadOptional(workspace string) (*Table, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return &Table{}, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromFile reads the table from an explicit path.
func FromFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses, normalizes, and validates a table.
func FromYAML(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("invalid pattern table yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate normalizes tokens, checks structural invariants, and compiles
// regex rules. Tokens are case-insensitive; they are stored lower-cased.
func (t *Table) Validate() error {
	// An empty table is valid: every task routes to the fallback worker.
	seen := map[string]bool{}
	for i := range t.Rules {
		r := &t.Rules[i]
		r.Token = strings.ToLower(strings.TrimSpace(r.Token))
		if r.Token == "" {
			return fmt.Errorf("rule %d has empty token", i)
		}
		switch r.Match {
		case "", MatchLiteral:
			r.Match = MatchLiteral
		case MatchRegex:
			re, err := regexp.Compile("(?i)" + r.Token)
			if err != nil {
				return fmt.Errorf("rule %s: bad regex: %w", r.Token, err)
			}
			r.re = re
		default:
			return fmt.Errorf("rule %s: match must be literal or regex", r.Token)
		}
		key := r.Match + ":" + r.Token
		if seen[key] {
			return fmt.Errorf("duplicate rule for token %s", r.Token)
		}
		seen[key] = true
		if len(r.Candidates) == 0 {
			return fmt.Errorf("rule %s has no candidates", r.Token)
		}
		for _, c := range r.Candidates {
			if strings.TrimSpace(c) == "" {
				return fmt.Errorf("rule %s has empty candidate id", r.Token)
			}
		}
		if r.Weight <= 0 || r.Weight > 1 {
			return fmt.Errorf("rule %s: weight must be in (0,1], got %v", r.Token, r.Weight)
		}
	}
	return nil
}

// Lint cross-checks the table against the known worker ids. Unknown
// references are skipped at dispatch time, so these are findings for the
// table maintainer, not load failures.
func (t *Table) Lint(known map[string]bool) []Issue {
	var issues []Issue
	for _, r := range t.Rules {
		for _, c := range r.Candidates {
			if !known[c] {
				issues = append(issues, Issue{Token: r.Token, Detail: fmt.Sprintf("candidate %s not in registry", c)})
			}
		}
	}
	return issues
}

// Candidates returns the union of candidate ids over the given tokens,
// in table order.
func (t *Table) Candidates(tokens []string) []string {
	matched := map[string]bool{}
	for _, tok := range tokens {
		matched[tok] = true
	}
	var out []string
	seen := map[string]bool{}
	for _, r := range t.Rules {
		if !matched[r.Token] {
			continue
		}
		for _, c := range r.Candidates {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// GenerateDefault returns the starter table YAML seeded by chd init.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `version: "1"

rules:
  - token: claude
    candidates: [investigate-champion]
    weight: 0.9

  - token: ai/ml
    candidates: [investigate-champion, learn-bot]
    weight: 0.8

  - token: bug
    candidates: [fix-master]
    weight: 0.8

  - token: "fix(es|ed|ing)?"
    match: regex
    candidates: [fix-master]
    weight: 0.6

  - token: security
    candidates: [secure-guard]
    weight: 0.9

  - token: performance
    candidates: [accelerate-pro]
    weight: 0.7

  - token: "memor(y|ies)"
    match: regex
    candidates: [investigate-champion]
    weight: 0.5

  - token: docs
    candidates: [docs-scribe]
    weight: 0.6

  - token: test
    candidates: [assure-guru]
    weight: 0.6

  - token: ui
    candidates: [create-wizard]
    weight: 0.5
`
