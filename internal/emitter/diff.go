package emitter

import (
	"cmp"
	"slices"
	"sync"

	"github.com/yairfalse/posture/internal/rule"
)

// DiffType represents the type of change detected between two reports.
type DiffType string

const (
	// DiffOpened indicates a finding started failing.
	DiffOpened DiffType = "opened"
	// DiffResolved indicates a failing finding now passes or its resource is gone.
	DiffResolved DiffType = "resolved"
)

// FindingKey identifies a finding across reports.
type FindingKey struct {
	Target     string
	Region     string
	RuleID     string
	ResourceID string
}

// FindingDiff is one change in the set of failing findings.
type FindingDiff struct {
	Type     DiffType
	Key      FindingKey
	Severity rule.Severity
}

type regionTarget struct {
	target string
	region string
}

// DiffTracker remembers the failing findings of the previous report.
type DiffTracker struct {
	mu       sync.Mutex
	failing  map[FindingKey]rule.Severity
	baseline bool
}

// NewDiffTracker creates a tracker with no baseline.
func NewDiffTracker() *DiffTracker {
	return &DiffTracker{failing: make(map[FindingKey]rule.Severity)}
}

// Update records report and returns what changed since the previous one.
// The first report only establishes the baseline and yields nil. Targets
// whose check failed keep their previous findings.
func (d *DiffTracker) Update(report Report) []FindingDiff {
	d.mu.Lock()
	defer d.mu.Unlock()

	current := make(map[FindingKey]rule.Severity)
	checked := make(map[regionTarget]bool)
	for _, res := range report.Results {
		if res.Err != nil {
			continue
		}
		checked[regionTarget{res.Target, res.Region}] = true
		for _, f := range res.Findings {
			if f.Passed {
				continue
			}
			current[FindingKey{Target: res.Target, Region: res.Region, RuleID: f.RuleID, ResourceID: f.ResourceID}] = f.Severity
		}
	}
	for key, sev := range d.failing {
		if !checked[regionTarget{key.Target, key.Region}] {
			current[key] = sev
		}
	}

	var diffs []FindingDiff
	if d.baseline {
		for key, sev := range current {
			if _, ok := d.failing[key]; !ok {
				diffs = append(diffs, FindingDiff{Type: DiffOpened, Key: key, Severity: sev})
			}
		}
		for key, sev := range d.failing {
			if _, ok := current[key]; !ok {
				diffs = append(diffs, FindingDiff{Type: DiffResolved, Key: key, Severity: sev})
			}
		}
		slices.SortFunc(diffs, compareDiffs)
	}

	d.failing = current
	d.baseline = true
	return diffs
}

func compareDiffs(a, b FindingDiff) int {
	return cmp.Or(
		cmp.Compare(a.Type, b.Type),
		cmp.Compare(a.Key.Target, b.Key.Target),
		cmp.Compare(a.Key.Region, b.Key.Region),
		cmp.Compare(a.Key.RuleID, b.Key.RuleID),
		cmp.Compare(a.Key.ResourceID, b.Key.ResourceID),
	)
}
