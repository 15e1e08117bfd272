package checker

import (
	"iter"
	"time"

	"github.com/google/btree"
)

type entry struct {
	id  string
	pos int
}

func entryLess(a, b entry) bool {
	return a.id < b.id
}

// Snapshot is the collection of normalized resources produced by one Check.
// It is never modified after Check publishes it. A nil Snapshot reads as empty.
type Snapshot[T Resource] struct {
	items   []T
	index   *btree.BTreeG[entry]
	takenAt time.Time
}

func newSnapshot[T Resource](takenAt time.Time) *Snapshot[T] {
	return &Snapshot[T]{
		index:   btree.NewG(32, entryLess),
		takenAt: takenAt,
	}
}

// NewSnapshot builds a snapshot from items, keeping the first of any
// duplicate ids. Checkers build their own; this serves rule evaluators that
// need a snapshot without a provider.
func NewSnapshot[T Resource](takenAt time.Time, items ...T) *Snapshot[T] {
	s := newSnapshot[T](takenAt)
	for _, item := range items {
		s.add(item)
	}
	return s
}

// add appends item unless its id is already present.
func (s *Snapshot[T]) add(item T) bool {
	e := entry{id: item.ResourceID(), pos: len(s.items)}
	if s.index.Has(e) {
		return false
	}
	s.index.ReplaceOrInsert(e)
	s.items = append(s.items, item)
	return true
}

// All returns the resources in fetch order. The slice is a copy.
func (s *Snapshot[T]) All() []T {
	if s == nil {
		return nil
	}
	out := make([]T, len(s.items))
	copy(out, s.items)
	return out
}

// Seq iterates the resources in fetch order.
func (s *Snapshot[T]) Seq() iter.Seq[T] {
	return func(yield func(T) bool) {
		if s == nil {
			return
		}
		for _, item := range s.items {
			if !yield(item) {
				return
			}
		}
	}
}

// Len returns the number of resources.
func (s *Snapshot[T]) Len() int {
	if s == nil {
		return 0
	}
	return len(s.items)
}

// Get looks a resource up by id.
func (s *Snapshot[T]) Get(id string) (T, bool) {
	var zero T
	if s == nil {
		return zero, false
	}
	e, ok := s.index.Get(entry{id: id})
	if !ok {
		return zero, false
	}
	return s.items[e.pos], true
}

// IDs returns the resource ids in ascending order.
func (s *Snapshot[T]) IDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, s.index.Len())
	s.index.Ascend(func(e entry) bool {
		ids = append(ids, e.id)
		return true
	})
	return ids
}

// TakenAt returns when the Check that built this snapshot started.
func (s *Snapshot[T]) TakenAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.takenAt
}
