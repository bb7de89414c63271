// Package script decides whether an assistant turn is a pre-authored
// exact-script step. Everything here is a pure function of its inputs.
package script

import (
	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/types"
)

// Reason explains a Decision.
type Reason string

const (
	ReasonMatched               Reason = "matched"
	ReasonNoRule                Reason = "no_rule"
	ReasonConditionUnmet        Reason = "condition_unmet"
	ReasonUnresolvedPlaceholder Reason = "unresolved_placeholder"
)

// Decision is the matcher's verdict for the next assistant turn.
type Decision struct {
	UseScript bool
	Text      string
	Rule      *types.ScriptRule
	Reason    Reason
	// Missing names the fact that blocked the rule, if any.
	Missing string
}

// Match looks up the rule for assistant turn turnCount+1. When several
// rules share that sequence the first in list order is the only candidate.
func Match(rules []types.ScriptRule, turnCount int, facts Facts) Decision {
	next := turnCount + 1
	for i := range rules {
		rule := &rules[i]
		if rule.Sequence != next {
			continue
		}
		if missing, ok := conditionHolds(rule.When, facts); !ok {
			return Decision{Rule: rule, Reason: ReasonConditionUnmet, Missing: missing}
		}
		text, missing, ok := Render(rule.Text, facts)
		if !ok {
			return Decision{Rule: rule, Reason: ReasonUnresolvedPlaceholder, Missing: missing}
		}
		return Decision{UseScript: true, Text: text, Rule: rule, Reason: ReasonMatched}
	}
	return Decision{Reason: ReasonNoRule}
}

func conditionHolds(c *types.Condition, facts Facts) (string, bool) {
	if c == nil {
		return "", true
	}
	for _, name := range c.Known {
		if !facts.Known(name) {
			return name, false
		}
	}
	for _, name := range c.Unknown {
		if facts.Known(name) {
			return name, false
		}
	}
	return "", true
}
