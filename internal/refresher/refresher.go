// Package refresher proactively refreshes tokens that are about to expire,
// so callers of AccessToken rarely pay for a refresh round trip.
package refresher

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/carlossalguero/tokenkeeper/internal/provider"
	"github.com/carlossalguero/tokenkeeper/internal/shared/cache"
	"github.com/carlossalguero/tokenkeeper/internal/shared/errors"
	"github.com/carlossalguero/tokenkeeper/internal/shared/logger"
	"github.com/carlossalguero/tokenkeeper/internal/shared/metrics"
	"github.com/carlossalguero/tokenkeeper/internal/token"
)

const lockName = "refresh-sweep"

// Sweep statuses reported to metrics.
const (
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"
	StatusError     = "error"
)

// Config controls the sweep.
type Config struct {
	Enabled bool `mapstructure:"enabled"`
	// Schedule is a cron spec or descriptor, e.g. "@every 1m".
	Schedule string `mapstructure:"schedule"`
	// Lookahead selects tokens expiring before now+Lookahead.
	Lookahead time.Duration `mapstructure:"lookahead"`
	BatchSize int           `mapstructure:"batch_size"`
	// LockTTL bounds how long one instance owns the sweep.
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Schedule:  "@every 1m",
		Lookahead: 5 * time.Minute,
		BatchSize: 100,
		LockTTL:   55 * time.Second,
	}
}

// TokenRefresher refreshes one record. *oauth.Engine implements it.
type TokenRefresher interface {
	Refresh(ctx context.Context, cfg provider.Config, rec *token.Record) (*token.Record, error)
}

// ProviderLookup resolves a service name. *provider.Registry implements it.
type ProviderLookup interface {
	Get(name string) (provider.Config, error)
}

// Locker coordinates sweeps across instances.
type Locker interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (*cache.Lock, error)
}

// Result summarizes one sweep.
type Result struct {
	Refreshed int
	Failed    int
	Skipped   int
	// Locked is true when another instance held the sweep lock.
	Locked bool
}

// Sweeper refreshes expiring tokens in batches.
type Sweeper struct {
	cfg       Config
	store     token.Store
	refresher TokenRefresher
	providers ProviderLookup
	locker    Locker
	log       *logger.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(s *Sweeper) { s.log = log }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// WithLocker enables cross-instance locking.
func WithLocker(l Locker) Option {
	return func(s *Sweeper) { s.locker = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New creates a sweeper.
func New(cfg Config, store token.Store, refresher TokenRefresher, providers ProviderLookup, opts ...Option) *Sweeper {
	def := DefaultConfig()
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = def.Lookahead
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}

	s := &Sweeper{
		cfg:       cfg,
		store:     store,
		refresher: refresher,
		providers: providers,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Default()
	}
	s.log = s.log.WithComponent("refresher")
	return s
}

// Run performs one sweep. Per-token failures are counted, not returned;
// only a failure to list candidates or to take the lock is an error.
func (s *Sweeper) Run(ctx context.Context) (Result, error) {
	var res Result

	if s.locker != nil {
		lock, err := s.locker.AcquireLock(ctx, lockName, s.cfg.LockTTL)
		if stderrors.Is(err, cache.ErrLockHeld) {
			s.metrics.RecordSweep(StatusSkipped)
			res.Locked = true
			return res, nil
		}
		if err != nil {
			s.metrics.RecordSweep(StatusError)
			return res, errors.Wrap(errors.CodeUnavailable, "acquire sweep lock", err)
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn("failed to release sweep lock", "error", err.Error())
			}
		}()
	}

	before := s.now().Add(s.cfg.Lookahead)
	records, err := s.store.ListExpiring(ctx, before, s.cfg.BatchSize)
	if err != nil {
		s.metrics.RecordSweep(StatusError)
		return res, err
	}

	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		s.refreshOne(ctx, rec, &res)
	}

	s.metrics.RecordSweep(StatusCompleted)
	if len(records) > 0 {
		s.log.Info("refresh sweep finished",
			"candidates", len(records),
			"refreshed", res.Refreshed,
			"failed", res.Failed,
			"skipped", res.Skipped,
		)
	}
	return res, ctxErr(ctx)
}

func (s *Sweeper) refreshOne(ctx context.Context, rec *token.Record, res *Result) {
	ctx = logger.ContextWithUser(ctx, rec.UserID, rec.Service)

	cfg, err := s.providers.Get(rec.Service)
	if err != nil {
		res.Skipped++
		s.metrics.RecordSweepToken(rec.Service, metrics.OutcomeSkipped)
		s.log.WarnContext(ctx, "no provider configured for stored token", "error", err.Error())
		return
	}

	if _, err := s.refresher.Refresh(ctx, cfg, rec); err != nil {
		res.Failed++
		s.metrics.RecordSweepToken(rec.Service, metrics.OutcomeRefreshFailed)
		s.log.ErrorContext(ctx, "proactive refresh failed",
			"error", err.Error(),
			"code", string(errors.GetCode(err)),
			"status", errors.ProviderStatus(err),
		)
		return
	}

	res.Refreshed++
	s.metrics.RecordSweepToken(rec.Service, metrics.OutcomeRefreshed)
}

// Job adapts Run to the scheduler.
func (s *Sweeper) Job(ctx context.Context) {
	if _, err := s.Run(ctx); err != nil {
		s.log.Error("refresh sweep failed", "error", err.Error())
	}
}

func ctxErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.FromContext(err)
	}
	return nil
}
