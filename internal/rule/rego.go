package rule

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/yairfalse/posture/internal/checker"
)

// Rego builds a Rule from a Rego module. The query must evaluate to a single
// boolean that is true when the resource, given as input, complies.
//
//	package posture.ecs
//
//	default pass := false
//	pass if not input.is_privileged
func Rego[T checker.Resource](ctx context.Context, id, description string, severity Severity, module, query string) (Rule[T], error) {
	prepared, err := rego.New(
		rego.Query(query),
		rego.Module(id+".rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return Rule[T]{}, fmt.Errorf("compile rule %s: %w", id, err)
	}

	return Rule[T]{
		ID:          id,
		Description: description,
		Severity:    severity,
		Eval: func(ctx context.Context, item T) (bool, error) {
			rs, err := prepared.Eval(ctx, rego.EvalInput(item))
			if err != nil {
				return false, fmt.Errorf("evaluate rule %s: %w", id, err)
			}
			if len(rs) != 1 || len(rs[0].Expressions) != 1 {
				return false, fmt.Errorf("rule %s: query %q is undefined for %s", id, query, item.ResourceID())
			}
			passed, ok := rs[0].Expressions[0].Value.(bool)
			if !ok {
				return false, fmt.Errorf("rule %s: query %q returned %T, want bool", id, query, rs[0].Expressions[0].Value)
			}
			return passed, nil
		},
	}, nil
}

// Policy is a Rego rule bound by name to a resource type.
type Policy struct {
	ID           string
	ResourceType string
	Severity     Severity
	Description  string
	Module       string
	Query        string
}

// Compile builds the rules of the policies bound to resourceType, in order.
func Compile[T checker.Resource](ctx context.Context, resourceType string, policies []Policy) ([]Rule[T], error) {
	var rules []Rule[T]
	for _, p := range policies {
		if p.ResourceType != resourceType {
			continue
		}
		r, err := Rego[T](ctx, p.ID, p.Description, p.Severity, p.Module, p.Query)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}
