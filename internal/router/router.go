// Package router maps a queried domain name to an upstream-group name using
// an ordered list of exact/suffix/regex rules, falling back to a default
// group. Construction is eager and the result is immutable and safe for
// concurrent read access from arbitrarily many callers.
package router

import (
	"fmt"
	"regexp"
	"strings"
)

// MatchKind identifies how a Rule's patterns are compared against a name.
type MatchKind string

const (
	MatchExact  MatchKind = "exact"
	MatchSuffix MatchKind = "suffix"
	MatchRegex  MatchKind = "regex"
)

// RuleConfig is the build-time description of a routing rule, before pattern
// compilation.
type RuleConfig struct {
	Kind     MatchKind
	Patterns []string
	Target   string
}

// compiledRule is a RuleConfig with its patterns pre-compiled (for regex) or
// pre-normalized (for exact/suffix).
type compiledRule struct {
	kind     MatchKind
	exact    map[string]struct{}
	suffixes []string
	regexes  []*regexp.Regexp
	target   string
}

// Router evaluates rules in declaration order against a query name and
// returns the target upstream-group name. It is pure: Route performs no I/O.
type Router struct {
	enabled      bool
	defaultGroup string
	rules        []compiledRule
}

// New builds a Router. knownGroups must contain every valid upstream-group
// name (the reserved blackholeGroup is always implicitly known). Build fails
// -- as an error, not a panic -- if any rule or the default group refers to
// an unknown group, or if a regex pattern fails to compile.
func New(enabled bool, defaultGroup string, rules []RuleConfig, knownGroups map[string]bool, blackholeGroup string) (*Router, error) {
	isKnown := func(name string) bool {
		return name == blackholeGroup || knownGroups[name]
	}
	if enabled && !isKnown(defaultGroup) {
		return nil, fmt.Errorf("router: default group %q is not a known upstream group", defaultGroup)
	}

	compiled := make([]compiledRule, 0, len(rules))
	for i, rule := range rules {
		if !isKnown(rule.Target) {
			return nil, fmt.Errorf("router: rule %d targets unknown group %q", i, rule.Target)
		}
		cr := compiledRule{kind: rule.Kind, target: rule.Target}
		switch rule.Kind {
		case MatchExact:
			cr.exact = make(map[string]struct{}, len(rule.Patterns))
			for _, p := range rule.Patterns {
				cr.exact[normalize(p)] = struct{}{}
			}
		case MatchSuffix:
			for _, p := range rule.Patterns {
				cr.suffixes = append(cr.suffixes, normalize(p))
			}
		case MatchRegex:
			for _, p := range rule.Patterns {
				re, err := regexp.Compile(p)
				if err != nil {
					return nil, fmt.Errorf("router: rule %d: invalid regex %q: %w", i, p, err)
				}
				cr.regexes = append(cr.regexes, re)
			}
		default:
			return nil, fmt.Errorf("router: rule %d: unknown match kind %q", i, rule.Kind)
		}
		compiled = append(compiled, cr)
	}

	return &Router{enabled: enabled, defaultGroup: defaultGroup, rules: compiled}, nil
}

// Route returns the upstream-group name for name. If routing is disabled or
// no rule matches, the default group is returned.
func (r *Router) Route(name string) string {
	if !r.enabled {
		return r.defaultGroup
	}
	normalized := normalize(name)
	for _, rule := range r.rules {
		if rule.matches(normalized) {
			return rule.target
		}
	}
	return r.defaultGroup
}

func (cr compiledRule) matches(name string) bool {
	switch cr.kind {
	case MatchExact:
		_, ok := cr.exact[name]
		return ok
	case MatchSuffix:
		for _, suffix := range cr.suffixes {
			if name == suffix || strings.HasSuffix(name, "."+suffix) {
				return true
			}
		}
		return false
	case MatchRegex:
		for _, re := range cr.regexes {
			if re.MatchString(name) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// normalize lowercases name and strips a trailing root dot.
func normalize(name string) string {
	name = strings.TrimSuffix(name, ".")
	return strings.ToLower(name)
}
