package policy

import (
	"strings"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

// MatchScope reports whether a policy scope applies to a decision's action
// type and optional target. GLOBAL scopes apply to everything; PATTERN
// scopes match the action type against a colon-delimited wildcard pattern;
// TARGETS scopes match the target id exactly.
func MatchScope(scope contracts.PolicyScope, actionType, targetID string) bool {
	switch scope.Type {
	case contracts.ScopeGlobal:
		return true
	case contracts.ScopePattern:
		return MatchPattern(scope.Pattern, actionType)
	case contracts.ScopeTargets:
		for _, id := range scope.TargetIDs {
			if id == targetID {
				return true
			}
		}
		return false
	}
	return false
}

// MatchPattern matches a subject against a colon-delimited pattern.
// "*" matches one segment; a trailing "*" matches all remaining segments.
// "financial:*" matches "financial:transfer" and "financial:transfer:wire".
func MatchPattern(pattern, subject string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	pp := strings.Split(pattern, ":")
	ss := strings.Split(subject, ":")

	for i, seg := range pp {
		if seg == "*" && i == len(pp)-1 {
			return true
		}
		if i >= len(ss) {
			return false
		}
		if seg != "*" && seg != ss[i] {
			return false
		}
	}
	return len(ss) == len(pp)
}

// ScopesOverlap reports whether two policy scopes can apply to the same
// decision. GLOBAL overlaps everything; two patterns overlap when either
// contains the other; target lists overlap on any shared id.
func ScopesOverlap(a, b contracts.PolicyScope) bool {
	if a.Type == contracts.ScopeGlobal || b.Type == contracts.ScopeGlobal {
		return true
	}
	if a.Type == contracts.ScopePattern && b.Type == contracts.ScopePattern {
		return patternContains(a.Pattern, b.Pattern) || patternContains(b.Pattern, a.Pattern)
	}
	if a.Type == contracts.ScopeTargets && b.Type == contracts.ScopeTargets {
		for _, x := range a.TargetIDs {
			for _, y := range b.TargetIDs {
				if x == y {
					return true
				}
			}
		}
		return false
	}
	// Pattern vs targets: a target id is matched like a subject.
	pattern, targets := a, b
	if b.Type == contracts.ScopePattern {
		pattern, targets = b, a
	}
	for _, id := range targets.TargetIDs {
		if MatchPattern(pattern.Pattern, id) {
			return true
		}
	}
	return false
}

// patternContains reports whether outer matches every subject inner matches.
// Concrete segments must agree; an outer trailing "*" swallows the rest.
func patternContains(outer, inner string) bool {
	if outer == "" || outer == "*" {
		return true
	}
	op := strings.Split(outer, ":")
	ip := strings.Split(inner, ":")

	for i, seg := range op {
		if seg == "*" && i == len(op)-1 {
			return true
		}
		if i >= len(ip) {
			return false
		}
		if seg != "*" && seg != ip[i] && ip[i] != "*" {
			return false
		}
		if seg != "*" && ip[i] == "*" {
			// Inner is broader at this segment.
			return false
		}
	}
	return len(ip) == len(op)
}

// OverlapDescription renders the narrower of two overlapping scopes for
// conflict records.
func OverlapDescription(a, b contracts.PolicyScope) string {
	if a.Type == contracts.ScopeGlobal {
		return scopeString(b)
	}
	if b.Type == contracts.ScopeGlobal {
		return scopeString(a)
	}
	if a.Type == contracts.ScopePattern && b.Type == contracts.ScopePattern {
		if patternContains(a.Pattern, b.Pattern) {
			return b.Pattern
		}
		return a.Pattern
	}
	return scopeString(a)
}

func scopeString(s contracts.PolicyScope) string {
	switch s.Type {
	case contracts.ScopeGlobal:
		return "*"
	case contracts.ScopePattern:
		return s.Pattern
	case contracts.ScopeTargets:
		return strings.Join(s.TargetIDs, ",")
	}
	return ""
}
