// Package scan runs many checkers over a bounded worker pool and evaluates
// their rules.
package scan

import (
	"context"

	"github.com/yairfalse/posture/internal/checker"
	"github.com/yairfalse/posture/internal/filter"
	"github.com/yairfalse/posture/internal/rule"
)

// Target is one checker together with the rules evaluated on its snapshot.
type Target interface {
	checker.Source
	// Evaluate runs the rules on the latest snapshot without fetching.
	Evaluate(ctx context.Context) []rule.Finding
	// Len returns the size of the latest snapshot.
	Len() int
}

type tagged interface {
	ResourceTags() map[string]string
}

type bound[R any, T checker.Resource] struct {
	*checker.Checker[R, T]
	rules  []rule.Rule[T]
	filter *filter.Filter
}

// Bind pairs a checker with its rules.
func Bind[R any, T checker.Resource](c *checker.Checker[R, T], rules ...rule.Rule[T]) Target {
	return &bound[R, T]{Checker: c, rules: rules}
}

// WithFilter restricts rule evaluation of t to resources passing the tag
// filters of f. Targets not created by Bind are returned unchanged.
func WithFilter(t Target, f *filter.Filter) Target {
	if !f.HasTagFilters() {
		return t
	}
	if b, ok := t.(interface{ withFilter(*filter.Filter) Target }); ok {
		return b.withFilter(f)
	}
	return t
}

func (b *bound[R, T]) withFilter(f *filter.Filter) Target {
	return &bound[R, T]{Checker: b.Checker, rules: b.rules, filter: f}
}

func (b *bound[R, T]) Evaluate(ctx context.Context) []rule.Finding {
	snap := b.Snapshot()
	if b.filter.HasTagFilters() && snap != nil {
		var kept []T
		for item := range snap.Seq() {
			if tg, ok := any(item).(tagged); ok && !b.filter.ShouldInclude(tg.ResourceTags()) {
				continue
			}
			kept = append(kept, item)
		}
		snap = checker.NewSnapshot(snap.TakenAt(), kept...)
	}
	return rule.Evaluate(ctx, snap, b.rules...)
}

func (b *bound[R, T]) Len() int {
	return b.Snapshot().Len()
}
