package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/yairfalse/posture/internal/account"
	postureaws "github.com/yairfalse/posture/internal/aws"
	"github.com/yairfalse/posture/internal/config"
	"github.com/yairfalse/posture/internal/emitter"
	"github.com/yairfalse/posture/internal/filter"
	"github.com/yairfalse/posture/internal/rule"
	"github.com/yairfalse/posture/internal/scan"
	"github.com/yairfalse/posture/internal/telemetry"
)

// app holds the long-lived targets of every region, plus the global
// types checked once from the first region. Targets keep their
// snapshots between passes.
type app struct {
	scanner *scan.Scanner
	targets []scan.Target
	ids     []string
}

// loadAccounts resolves one account per configured region.
func loadAccounts(ctx context.Context, c *config.Config, metrics *telemetry.Metrics) ([]*account.Account, error) {
	opts := []account.Option{
		account.WithRetryPolicy(account.RetryPolicy{
			MaxAttempts:     c.Retry.MaxAttempts,
			InitialInterval: c.Retry.InitialInterval,
			MaxInterval:     c.Retry.MaxInterval,
		}),
		account.WithRateLimit(c.RateLimit.PerSecond, c.RateLimit.Burst),
		account.WithMetrics(metrics),
	}

	accounts := make([]*account.Account, 0, len(c.AWS.Regions))
	for _, region := range c.AWS.Regions {
		acct, err := account.Load(ctx, region, c.AWS.Profile, opts...)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, nil
}

// policies converts the configured Rego rules.
func policies(c *config.Config) []rule.Policy {
	return lo.Map(c.Rules, func(r config.RuleConfig, _ int) rule.Policy {
		return rule.Policy{
			ID:           r.ID,
			ResourceType: r.Type,
			Severity:     rule.Severity(r.Severity),
			Description:  r.Description,
			Module:       r.Module,
			Query:        r.Query,
		}
	})
}

func newApp(ctx context.Context, c *config.Config, accounts []*account.Account, metrics *telemetry.Metrics, ids []string) (*app, error) {
	reg := scan.NewRegistry()
	if err := postureaws.Register(ctx, reg, policies(c)...); err != nil {
		return nil, fmt.Errorf("register rules: %w", err)
	}

	for _, name := range c.Scan.IncludeTypes {
		if _, ok := reg.Get(name); !ok {
			return nil, fmt.Errorf("unknown resource type %q (known: %v)", name, reg.Names())
		}
	}

	f := filter.New(filter.Config{
		IncludeTypes: c.Scan.IncludeTypes,
		ExcludeTypes: c.Scan.ExcludeTypes,
		IncludeTags:  c.Scan.IncludeTags,
		ExcludeTags:  c.Scan.ExcludeTags,
	})

	a := &app{
		scanner: scan.New(scan.WithConcurrency(c.Scan.Concurrency), scan.WithMetrics(metrics)),
		ids:     ids,
	}
	for _, acct := range accounts {
		a.targets = append(a.targets, reg.Targets(acct, f)...)
	}
	if len(accounts) > 0 {
		a.targets = append(a.targets, reg.GlobalTargets(accounts[0], f)...)
	}
	return a, nil
}

// withScanTimeout bounds ctx by timeout. Zero means no bound.
func withScanTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// pass checks every target once.
func (a *app) pass(ctx context.Context) emitter.Report {
	start := time.Now()
	log.Info().Int("targets", len(a.targets)).Msg("starting scan")

	results := a.scanner.Run(ctx, a.targets, a.ids...)
	return emitter.Report{
		StartedAt: start,
		Duration:  time.Since(start),
		Results:   results,
	}
}
