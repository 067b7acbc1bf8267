// Package permission is the Permission Bridge (spec §4.4): the pending
// permission lifecycle, the declarative rule engine consulted before a
// human is involved, and the auto-approve guardrails (allow-list, audit
// trail, duration/count/rate caps, mid-execution revoke).
//
// Grounded on the teacher's internal/overlay/menu.go and input.go
// (the human-in-the-loop toast/approval prompt idiom, generalized from
// a terminal overlay to a cross-process pending-permission record) and
// on internal/proxy/chaos.go's tagged-variant rule dispatch (the
// breaker and rule engine both mirror its enabled/disabled/preset
// matching shape). Glob rules use github.com/gobwas/glob.
package permission

import (
	"github.com/gobwas/glob"
)

// Decision is the resolution a rule or a human may produce.
type Decision string

const (
	DecisionAllowOnce    Decision = "allow_once"
	DecisionAllowSession Decision = "allow_session"
	DecisionDeny         Decision = "deny"
	DecisionAskUser      Decision = "ask_user"
)

// MatchKind selects how a Rule's Pattern is compared against the tool
// name (spec §4.4 "exact, prefix, and glob rules").
type MatchKind string

const (
	MatchExact  MatchKind = "exact"
	MatchPrefix MatchKind = "prefix"
	MatchGlob   MatchKind = "glob"
)

// Rule is one declarative entry in the permission rule set: a tool-name
// matcher plus an optional set of argument-field matchers, all of which
// must match for the rule to apply.
type Rule struct {
	ToolMatch MatchKind
	Pattern   string
	ArgRules  map[string]ArgRule // argument field name -> matcher
	Decision  Decision

	compiled glob.Glob // only set when ToolMatch == MatchGlob
}

// ArgRule matches one argument field's string representation.
type ArgRule struct {
	Match   MatchKind
	Pattern string

	compiled glob.Glob
}

// compile prepares any glob patterns in r for repeated matching.
func (r *Rule) compile() error {
	if r.ToolMatch == MatchGlob {
		g, err := glob.Compile(r.Pattern, '.', '/')
		if err != nil {
			return err
		}
		r.compiled = g
	}
	for field, ar := range r.ArgRules {
		if ar.Match == MatchGlob {
			g, err := glob.Compile(ar.Pattern, '.', '/')
			if err != nil {
				return err
			}
			ar.compiled = g
			r.ArgRules[field] = ar
		}
	}
	return nil
}

// Matches reports whether rule applies to a tool invocation named
// toolName with the given string-valued arguments.
func (r *Rule) Matches(toolName string, args map[string]string) bool {
	if !r.matchesTool(toolName) {
		return false
	}
	for field, ar := range r.ArgRules {
		val, ok := args[field]
		if !ok || !ar.matches(val) {
			return false
		}
	}
	return true
}

func (r *Rule) matchesTool(toolName string) bool {
	switch r.ToolMatch {
	case MatchExact:
		return toolName == r.Pattern
	case MatchPrefix:
		return len(toolName) >= len(r.Pattern) && toolName[:len(r.Pattern)] == r.Pattern
	case MatchGlob:
		if r.compiled == nil {
			return false
		}
		return r.compiled.Match(toolName)
	default:
		return false
	}
}

func (ar *ArgRule) matches(value string) bool {
	switch ar.Match {
	case MatchExact:
		return value == ar.Pattern
	case MatchPrefix:
		return len(value) >= len(ar.Pattern) && value[:len(ar.Pattern)] == ar.Pattern
	case MatchGlob:
		if ar.compiled == nil {
			return false
		}
		return ar.compiled.Match(value)
	default:
		return false
	}
}

// RuleSet is an ordered, first-match-wins set of rules plus a fallback
// decision (typically DecisionAskUser).
type RuleSet struct {
	Rules    []*Rule
	Fallback Decision
}

// NewRuleSet compiles rules and returns a ready-to-use RuleSet.
func NewRuleSet(rules []*Rule, fallback Decision) (*RuleSet, error) {
	for _, r := range rules {
		if err := r.compile(); err != nil {
			return nil, err
		}
	}
	if fallback == "" {
		fallback = DecisionAskUser
	}
	return &RuleSet{Rules: rules, Fallback: fallback}, nil
}

// Evaluate returns the first matching rule's decision, or the fallback.
func (rs *RuleSet) Evaluate(toolName string, args map[string]string) Decision {
	for _, r := range rs.Rules {
		if r.Matches(toolName, args) {
			return r.Decision
		}
	}
	return rs.Fallback
}
