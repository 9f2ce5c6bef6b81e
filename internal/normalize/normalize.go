// Package normalize canonicalizes asset identifiers so that planned and
// observed inventories that spell the same pole differently compare equal.
package normalize

import (
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/asset-reconcile/internal/config"
)

// maxPasses bounds the fixed-point loop for rule sets that grow without end.
const maxPasses = 1024

// Rule is a named regex rewrite applied to a trimmed, uppercased identifier.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Replace string
}

// DefaultRules drops the single letter prefixed to the numeric part of the
// final segment: LAW.P.B850 → LAW.P.850.
func DefaultRules() []Rule {
	return []Rule{{
		Name:    "strip-segment-letter",
		Pattern: regexp.MustCompile(`^(.+\.[A-Z]+\.)[A-Z](\d+)$`),
		Replace: "${1}${2}",
	}}
}

// Normalizer applies an ordered rule set. Safe for concurrent use.
type Normalizer struct {
	rules []Rule
}

// New creates a Normalizer with the given rules. A nil or empty slice means DefaultRules.
func New(rules []Rule) *Normalizer {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Normalizer{rules: rules}
}

// FromConfig compiles configured rules.
func FromConfig(cfg config.NormalizeConfig) (*Normalizer, error) {
	rules := make([]Rule, 0, len(cfg.Rules))
	for i, rc := range cfg.Rules {
		re, err := regexp.Compile(rc.Pattern)
		if err != nil {
			return nil, eris.Wrapf(err, "normalize: compile rule %d (%s)", i, rc.Name)
		}
		rules = append(rules, Rule{Name: rc.Name, Pattern: re, Replace: rc.Replace})
	}
	return New(rules), nil
}

// Rules returns the active rule names in application order.
func (n *Normalizer) Rules() []string {
	names := make([]string, len(n.rules))
	for i, r := range n.rules {
		names[i] = r.Name
	}
	return names
}

// Normalize trims, uppercases, and rewrites raw until no rule changes it.
// Strings no rule matches come back trimmed and uppercased only. A rule set
// that cycles settles on the smallest string of the cycle; one that never
// settles within maxPasses leaves the identifier as trimmed and uppercased.
// Either way Normalize(Normalize(x)) == Normalize(x).
func (n *Normalizer) Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	// Casers carry state and are not shared across goroutines.
	upper := cases.Upper(language.Und)
	start := upper.String(s)

	s = start
	seen := map[string]int{s: 0}
	path := []string{s}
	for range maxPasses {
		next := n.apply(s, upper)
		if next == s || next == "" {
			return next
		}
		if at, ok := seen[next]; ok {
			return smallest(path[at:])
		}
		seen[next] = len(path)
		path = append(path, next)
		s = next
	}
	return start
}

// apply runs one pass of every rule. Replacements are re-cased so each pass
// starts from the same canonical form as the first.
func (n *Normalizer) apply(s string, upper cases.Caser) string {
	for _, r := range n.rules {
		s = r.Pattern.ReplaceAllString(s, r.Replace)
	}
	return upper.String(strings.TrimSpace(s))
}

func smallest(cycle []string) string {
	low := cycle[0]
	for _, c := range cycle[1:] {
		if c < low {
			low = c
		}
	}
	return low
}
