package watcher

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

// RuleKind selects how an ExcludeRule pattern is matched.
type RuleKind int

const (
	// RulePrefix excludes every path that starts with the pattern.
	RulePrefix RuleKind = iota
	// RuleGlob excludes paths matching a shell wildcard pattern. Wildcards
	// match across path separators.
	RuleGlob
	// RuleRegex excludes paths in which the regular expression finds a match.
	RuleRegex
)

// String returns the lower-case name of the kind.
func (k RuleKind) String() string {
	switch k {
	case RulePrefix:
		return "prefix"
	case RuleGlob:
		return "glob"
	case RuleRegex:
		return "regex"
	default:
		return "unknown"
	}
}

// ExcludeRule is a single configured exclusion.
type ExcludeRule struct {
	Kind    RuleKind
	Pattern string
}

// NewStringRule classifies a plain string rule: patterns containing '*' are
// globs, everything else is a prefix. A lone '?' or '[' is literal.
func NewStringRule(pattern string) ExcludeRule {
	if strings.Contains(pattern, "*") {
		return ExcludeRule{Kind: RuleGlob, Pattern: pattern}
	}
	return ExcludeRule{Kind: RulePrefix, Pattern: pattern}
}

// compiledRule pairs a rule with its compiled matcher. Both matchers are nil
// for prefix rules and for patterns that failed to compile.
type compiledRule struct {
	rule ExcludeRule
	re   *regexp.Regexp
	g    glob.Glob
}

// ExcludeFilter evaluates candidate paths against an ordered rule list.
// The zero value and a nil *ExcludeFilter exclude nothing.
type ExcludeFilter struct {
	rules []compiledRule
}

// NewExcludeFilter compiles rules once. Globs are compiled without
// separators, so wildcards match across '/'. A malformed pattern is logged
// and the rule never matches; it is not an error.
func NewExcludeFilter(rules []ExcludeRule, logger *slog.Logger) *ExcludeFilter {
	if logger == nil {
		logger = slog.Default()
	}
	f := &ExcludeFilter{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		cr := compiledRule{rule: r}
		var err error
		switch r.Kind {
		case RuleRegex:
			cr.re, err = regexp.Compile(r.Pattern)
		case RuleGlob:
			cr.g, err = glob.Compile(r.Pattern)
		}
		if err != nil {
			cr.re, cr.g = nil, nil
			logger.Warn("exclude filter: failed to compile pattern",
				slog.String("kind", r.Kind.String()),
				slog.String("pattern", r.Pattern),
				slog.Any("error", err))
		}
		f.rules = append(f.rules, cr)
	}
	return f
}

// Rules returns the configured rules in order.
func (f *ExcludeFilter) Rules() []ExcludeRule {
	if f == nil {
		return nil
	}
	out := make([]ExcludeRule, len(f.rules))
	for i, cr := range f.rules {
		out[i] = cr.rule
	}
	return out
}

// Excluded reports whether fullPath matches any rule.
func (f *ExcludeFilter) Excluded(fullPath string) bool {
	if f == nil {
		return false
	}
	for _, cr := range f.rules {
		switch cr.rule.Kind {
		case RuleRegex:
			if cr.re != nil && cr.re.MatchString(fullPath) {
				return true
			}
		case RuleGlob:
			if cr.g != nil && cr.g.Match(fullPath) {
				return true
			}
		default:
			if strings.HasPrefix(fullPath, cr.rule.Pattern) {
				return true
			}
		}
	}
	return false
}
