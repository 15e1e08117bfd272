package emitter

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogEmitter writes a summary per target, one line per failing finding, and
// the findings opened or resolved since the previous report.
type LogEmitter struct {
	logger zerolog.Logger
	diffs  *DiffTracker
}

// NewLogEmitter creates a LogEmitter on the global logger.
func NewLogEmitter() *LogEmitter {
	return NewLogEmitterWith(log.Logger)
}

// NewLogEmitterWith creates a LogEmitter on logger.
func NewLogEmitterWith(logger zerolog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger, diffs: NewDiffTracker()}
}

// Emit logs the report.
func (e *LogEmitter) Emit(_ context.Context, report Report) error {
	for _, res := range report.Results {
		if res.Err != nil {
			e.logger.Error().
				Err(res.Err).
				Str("target", res.Target).
				Str("region", res.Region).
				Msg("resource type unavailable")
			continue
		}

		for _, f := range res.Findings {
			if f.Passed {
				continue
			}
			ev := e.logger.Warn().
				Str("rule", f.RuleID).
				Str("severity", string(f.Severity)).
				Str("resource_id", f.ResourceID).
				Str("target", res.Target).
				Str("region", res.Region)
			if f.Error != "" {
				ev = ev.Str("rule_error", f.Error)
			}
			ev.Msg("rule failed")
		}

		e.logger.Info().
			Str("target", res.Target).
			Str("region", res.Region).
			Int("resources", res.Count).
			Int("failed", res.Failed()).
			Dur("duration", res.Duration).
			Msg("target checked")
	}

	for _, diff := range e.diffs.Update(report) {
		e.logger.Info().
			Str("rule", diff.Key.RuleID).
			Str("severity", string(diff.Severity)).
			Str("resource_id", diff.Key.ResourceID).
			Str("target", diff.Key.Target).
			Str("region", diff.Key.Region).
			Str("change", string(diff.Type)).
			Msg("finding changed")
	}

	e.logger.Info().
		Int("targets", len(report.Results)).
		Int("failed", report.Failed()).
		Int("unavailable", report.Unavailable()).
		Dur("duration", report.Duration).
		Msg("scan complete")

	return nil
}

// Close is a no-op for the log emitter.
func (e *LogEmitter) Close() error {
	return nil
}
