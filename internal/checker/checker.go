// Package checker implements the fetch, normalize and cache pipeline shared
// by every resource type.
package checker

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/posture/internal/account"
)

var tracer = otel.Tracer("github.com/yairfalse/posture/internal/checker")

// ErrMalformedRecord marks a provider record that cannot be normalized.
// Normalizers wrap it; Check skips such records with a warning.
var ErrMalformedRecord = errors.New("malformed record")

// Resource is a normalized entity with a stable identifier.
type Resource interface {
	ResourceID() string
}

// Fetcher yields raw provider records. With no ids it lists everything;
// otherwise it describes only the given ids, silently dropping unknown ones.
// Every call is a fresh provider round trip.
type Fetcher[R any] interface {
	Fetch(ctx context.Context, acct *account.Account, ids []string) iter.Seq2[R, error]
}

// Normalizer maps a raw record to a typed resource. It must be pure.
type Normalizer[R any, T Resource] interface {
	Normalize(raw R) (T, error)
}

// Kind is everything the generic Checker needs to know about one resource type.
type Kind[R any, T Resource] interface {
	Name() string
	Fetcher[R]
	Normalizer[R, T]
}

// Source is the type-erased view of a Checker used by schedulers.
type Source interface {
	Name() string
	Region() string
	Check(ctx context.Context, ids ...string) error
}

// Checker caches the snapshot of one resource type within one account scope.
// Check may be called concurrently with snapshot reads.
type Checker[R any, T Resource] struct {
	kind Kind[R, T]
	acct *account.Account

	mu      sync.RWMutex
	snap    *Snapshot[T]
	skipped int
}

// New creates a Checker. The account is borrowed, not owned.
func New[R any, T Resource](acct *account.Account, kind Kind[R, T]) *Checker[R, T] {
	return &Checker[R, T]{kind: kind, acct: acct}
}

// Name returns the resource type.
func (c *Checker[R, T]) Name() string {
	return c.kind.Name()
}

// Region returns the region of the borrowed account.
func (c *Checker[R, T]) Region() string {
	return c.acct.Region()
}

// Check fetches and normalizes the resources named by ids, or every resource
// when ids is empty, and replaces the snapshot with the result. On error the
// previous snapshot is kept and the provider error is returned as is.
func (c *Checker[R, T]) Check(ctx context.Context, ids ...string) error {
	name, region := c.kind.Name(), c.acct.Region()
	ids = lo.Uniq(ids)

	ctx, span := tracer.Start(ctx, "checker.check", trace.WithAttributes(
		attribute.String("resource.type", name),
		attribute.String("cloud.region", region),
		attribute.Int("filter.ids", len(ids)),
	))
	defer span.End()

	start := time.Now()
	snap, skipped, err := c.build(ctx, ids, start)
	metrics := c.acct.Metrics()
	metrics.RecordCheck(ctx, name, region, time.Since(start), snap.Len(), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error().
			Ctx(ctx).
			Err(err).
			Str("checker", name).
			Str("region", region).
			Msg("check failed, keeping previous snapshot")
		return err
	}
	metrics.RecordSkipped(ctx, name, region, skipped)
	span.SetAttributes(attribute.Int("resource.count", snap.Len()))

	c.mu.Lock()
	c.snap = snap
	c.skipped = skipped
	c.mu.Unlock()

	log.Debug().
		Str("checker", name).
		Str("region", region).
		Int("count", snap.Len()).
		Int("skipped", skipped).
		Dur("duration", time.Since(start)).
		Msg("check complete")
	return nil
}

func (c *Checker[R, T]) build(ctx context.Context, ids []string, start time.Time) (*Snapshot[T], int, error) {
	snap := newSnapshot[T](start)
	skipped := 0

	for raw, err := range c.kind.Fetch(ctx, c.acct, ids) {
		if err != nil {
			return nil, 0, err
		}
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}

		item, err := c.kind.Normalize(raw)
		if err != nil {
			skipped++
			log.Warn().
				Err(err).
				Str("checker", c.kind.Name()).
				Str("region", c.acct.Region()).
				Msg("skipping record that could not be normalized")
			continue
		}
		if !snap.add(item) {
			log.Debug().
				Str("checker", c.kind.Name()).
				Str("id", item.ResourceID()).
				Msg("duplicate record, keeping first")
		}
	}
	return snap, skipped, nil
}

// Snapshot returns the latest successful snapshot, or nil before the first
// successful Check.
func (c *Checker[R, T]) Snapshot() *Snapshot[T] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Ready reports whether a Check has succeeded.
func (c *Checker[R, T]) Ready() bool {
	return c.Snapshot() != nil
}

// Skipped returns how many records the latest successful Check dropped as
// malformed.
func (c *Checker[R, T]) Skipped() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.skipped
}
