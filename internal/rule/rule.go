// Package rule evaluates read-only assertions against checker snapshots.
package rule

import (
	"context"

	"github.com/yairfalse/posture/internal/checker"
)

// Severity ranks how bad a failing rule is.
type Severity string

// Severities, lowest first.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rule asserts one property of every resource of type T.
type Rule[T checker.Resource] struct {
	ID          string
	Description string
	Severity    Severity
	// Eval reports whether the resource complies.
	Eval func(ctx context.Context, item T) (bool, error)
}

// Predicate builds a Rule from a pure compliance function.
func Predicate[T checker.Resource](id, description string, severity Severity, passes func(T) bool) Rule[T] {
	return Rule[T]{
		ID:          id,
		Description: description,
		Severity:    severity,
		Eval: func(_ context.Context, item T) (bool, error) {
			return passes(item), nil
		},
	}
}

// Finding is the outcome of one rule for one resource.
type Finding struct {
	RuleID     string   `json:"rule_id"`
	ResourceID string   `json:"resource_id"`
	Severity   Severity `json:"severity"`
	Passed     bool     `json:"passed"`
	// Error is set when the rule could not be evaluated. Passed is false then.
	Error string `json:"error,omitempty"`
}

// Evaluate runs rules against every resource of snap, rule by rule, in
// snapshot order. It never triggers a fetch. A nil snapshot yields nothing.
func Evaluate[T checker.Resource](ctx context.Context, snap *checker.Snapshot[T], rules ...Rule[T]) []Finding {
	findings := make([]Finding, 0, snap.Len()*len(rules))
	for _, r := range rules {
		for item := range snap.Seq() {
			f := Finding{
				RuleID:     r.ID,
				ResourceID: item.ResourceID(),
				Severity:   r.Severity,
			}
			passed, err := r.Eval(ctx, item)
			if err != nil {
				f.Error = err.Error()
			} else {
				f.Passed = passed
			}
			findings = append(findings, f)
		}
	}
	return findings
}

// Failures counts failing findings per rule id. Rules whose findings all
// passed map to zero.
func Failures(findings []Finding) map[string]int {
	out := make(map[string]int)
	for _, f := range findings {
		if _, ok := out[f.RuleID]; !ok {
			out[f.RuleID] = 0
		}
		if !f.Passed {
			out[f.RuleID]++
		}
	}
	return out
}
