// Package account provides region-scoped, retry-aware access to AWS services.
package account

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"golang.org/x/time/rate"

	"github.com/yairfalse/posture/internal/telemetry"
)

// RetryPolicy bounds retries of transient failures.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used when no policy is configured.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     5,
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     5 * time.Second,
}

// STSAPI defines the STS operations used to resolve the account id.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Account is the scope every checker borrows: one region, one credential
// context, and at most one client per service for its whole lifetime.
type Account struct {
	region  string
	cfg     aws.Config
	retry   RetryPolicy
	limit   rate.Limit
	burst   int
	metrics *telemetry.Metrics

	mu       sync.Mutex
	clients  map[string]any
	limiters map[string]*rate.Limiter
	built    map[string]int

	idOnce sync.Once
	id     string
	idErr  error
}

// Option configures an Account.
type Option func(*Account)

// WithClient installs a prebuilt client for service. Used to substitute
// in-memory providers.
func WithClient(service string, client any) Option {
	return func(a *Account) {
		a.clients[service] = client
	}
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(a *Account) {
		if p.MaxAttempts > 0 {
			a.retry.MaxAttempts = p.MaxAttempts
		}
		if p.InitialInterval > 0 {
			a.retry.InitialInterval = p.InitialInterval
		}
		if p.MaxInterval > 0 {
			a.retry.MaxInterval = p.MaxInterval
		}
	}
}

// WithRateLimit caps calls per second per service. A non-positive rate
// disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *Account) {
		if perSecond <= 0 {
			a.limit = rate.Inf
			return
		}
		a.limit = rate.Limit(perSecond)
		a.burst = max(burst, 1)
	}
}

// WithMetrics records calls and retries.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(a *Account) {
		a.metrics = m
	}
}

// WithAccountID skips the STS lookup.
func WithAccountID(id string) Option {
	return func(a *Account) {
		a.idOnce.Do(func() { a.id = id })
	}
}

// New creates an Account from an already loaded AWS config.
func New(cfg aws.Config, opts ...Option) *Account {
	a := &Account{
		region:   cfg.Region,
		cfg:      cfg,
		retry:    DefaultRetryPolicy,
		limit:    rate.Inf,
		burst:    1,
		clients:  make(map[string]any),
		limiters: make(map[string]*rate.Limiter),
		built:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Load resolves credentials for profile (empty means default) in region.
// The SDK retryer is disabled: Call owns retries.
func Load(ctx context.Context, region, profile string, opts ...Option) (*Account, error) {
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		config.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}
	if profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(profile))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config for %s: %w", region, err)
	}
	return New(cfg, opts...), nil
}

// Region returns the region this account is scoped to.
func (a *Account) Region() string {
	return a.region
}

// Metrics returns the instruments calls are recorded on, possibly nil.
func (a *Account) Metrics() *telemetry.Metrics {
	return a.metrics
}

// Config returns the scoped AWS config.
func (a *Account) Config() aws.Config {
	return a.cfg
}

// Client returns the cached client for service, building it with build on
// first use. Concurrent first calls build exactly once. It panics when a
// client installed with WithClient does not implement C.
func Client[C any](a *Account, service string, build func(aws.Config) C) C {
	a.mu.Lock()
	defer a.mu.Unlock()

	if c, ok := a.clients[service]; ok {
		typed, ok := c.(C)
		if !ok {
			panic(fmt.Sprintf("account: client for %q has type %T", service, c))
		}
		return typed
	}

	c := build(a.cfg)
	a.clients[service] = c
	a.built[service]++
	return c
}

// Built returns how many clients were constructed for service.
func (a *Account) Built(service string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.built[service]
}

func (a *Account) limiter(service string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()

	l, ok := a.limiters[service]
	if !ok {
		l = rate.NewLimiter(a.limit, a.burst)
		a.limiters[service] = l
	}
	return l
}

// ID returns the AWS account id, resolved once through STS.
func (a *Account) ID(ctx context.Context) (string, error) {
	a.idOnce.Do(func() {
		client := Client(a, "sts", func(cfg aws.Config) STSAPI { return sts.NewFromConfig(cfg) })
		out, err := Call(ctx, a, "sts", "GetCallerIdentity", func(ctx context.Context) (*sts.GetCallerIdentityOutput, error) {
			return client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		})
		if err != nil {
			a.idErr = err
			return
		}
		a.id = aws.ToString(out.Account)
	})
	return a.id, a.idErr
}
