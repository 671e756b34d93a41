// Package policy evaluates dynamic fallback-eligibility rules compiled
// from govaluate expressions. The fallback orchestrator consults the
// enforcer before offering a provider switch, so operators can veto or
// extend the built-in trigger set without code changes.
package policy

import (
	"fmt"

	"github.com/Knetic/govaluate"
)

// Decision is the outcome of a matched rule.
type Decision struct {
	OfferFallback bool
	Reason        string
}

// Rule pairs a govaluate expression with the decision to apply when it
// evaluates to true. Available parameters: error_code, provider_id,
// attempt_count, is_auto, method, amount.
type Rule struct {
	ID         string
	Expression string
	Decision   Decision
}

type compiledRule struct {
	rule Rule
	expr *govaluate.EvaluableExpression
}

// Enforcer holds the compiled rule set. Rules are evaluated in order; the
// first match wins.
type Enforcer struct {
	rules []compiledRule
}

// NewEnforcer compiles the rules. Compilation failures and empty
// expressions are reported at construction so a bad rule can never reach
// a live payment.
func NewEnforcer(rules []Rule) (*Enforcer, error) {
	e := &Enforcer{}
	for _, r := range rules {
		if r.Expression == "" {
			return nil, fmt.Errorf("policy rule ID '%s' has an empty expression", r.ID)
		}
		expr, err := govaluate.NewEvaluableExpression(r.Expression)
		if err != nil {
			return nil, fmt.Errorf("failed to compile rule ID '%s': %w", r.ID, err)
		}
		e.rules = append(e.rules, compiledRule{rule: r, expr: expr})
	}
	return e, nil
}

// Evaluate runs the rules against the parameters. The bool reports whether
// any rule matched; an unmatched evaluation leaves the caller's default
// eligibility in force. A rule whose evaluation errors is skipped.
func (e *Enforcer) Evaluate(params map[string]interface{}) (Decision, bool) {
	if e == nil {
		return Decision{}, false
	}
	for _, cr := range e.rules {
		result, err := cr.expr.Evaluate(params)
		if err != nil {
			continue
		}
		matched, ok := result.(bool)
		if !ok || !matched {
			continue
		}
		d := cr.rule.Decision
		if d.Reason == "" {
			d.Reason = cr.rule.ID
		}
		return d, true
	}
	return Decision{}, false
}
