// Package oauth implements the token lifecycle engine: authorization URL
// construction, code exchange, validity checks, refresh orchestration and
// upserts that never drop a stored refresh token.
//
// The engine is stateless apart from per-provider rate limiters; all token
// state lives in the token.Store it is given.
package oauth

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/carlossalguero/tokenkeeper/internal/circuitbreaker"
	"github.com/carlossalguero/tokenkeeper/internal/provider"
	"github.com/carlossalguero/tokenkeeper/internal/shared/errors"
	"github.com/carlossalguero/tokenkeeper/internal/shared/events"
	"github.com/carlossalguero/tokenkeeper/internal/shared/logger"
	"github.com/carlossalguero/tokenkeeper/internal/shared/metrics"
	"github.com/carlossalguero/tokenkeeper/internal/shared/tracing"
	"github.com/carlossalguero/tokenkeeper/internal/token"
)

const (
	// DefaultUserID is used when the caller does not name a user.
	DefaultUserID = "default"
	// SafetyMargin is subtracted from every provider-reported lifetime.
	SafetyMargin = 60 * time.Second
	// DefaultTimeout bounds each provider round trip.
	DefaultTimeout = 10 * time.Second
	// DefaultCallbackPath is formatted with the provider name.
	DefaultCallbackPath = "/oauth/%s/callback"
)

// Config holds engine tuning loaded from configuration.
type Config struct {
	Timeout   time.Duration         `mapstructure:"timeout"`
	RateLimit float64               `mapstructure:"rate_limit"`
	Burst     int                   `mapstructure:"burst"`
	Breaker   circuitbreaker.Config `mapstructure:"breaker"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:   DefaultTimeout,
		RateLimit: 5,
		Burst:     10,
		Breaker:   circuitbreaker.DefaultConfig(),
	}
}

// Options wires the engine's collaborators. Only Store is required.
type Options struct {
	Store   token.Store
	Logger  *logger.Logger
	Metrics *metrics.Metrics
	Events  events.Publisher
	Tracer  trace.Tracer
	// Now overrides the clock, mainly for tests.
	Now        func() time.Time
	HTTPClient *http.Client
	// Timeout bounds each provider call. Defaults to DefaultTimeout.
	Timeout time.Duration
	// SiteURL and CallbackPath build redirect URIs for providers
	// without an explicit redirect_url.
	SiteURL      string
	CallbackPath string
	// RateLimit is requests per second per provider. Zero disables limiting.
	RateLimit float64
	Burst     int
	// Breakers guards token endpoint calls. Nil disables the breaker.
	Breakers *circuitbreaker.Registry
}

// Engine is the OAuth token lifecycle engine. It is safe for concurrent use.
type Engine struct {
	store        token.Store
	log          *logger.Logger
	metrics      *metrics.Metrics
	events       events.Publisher
	tracer       trace.Tracer
	now          func() time.Time
	client       *http.Client
	timeout      time.Duration
	siteURL      string
	callbackPath string
	breakers     *circuitbreaker.Registry

	rateLimit rate.Limit
	burst     int
	limitMu   sync.Mutex
	limiters  map[string]*rate.Limiter
}

// New creates an engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.Configuration("oauth engine requires a token store")
	}

	e := &Engine{
		store:        opts.Store,
		log:          opts.Logger,
		metrics:      opts.Metrics,
		events:       opts.Events,
		tracer:       opts.Tracer,
		now:          opts.Now,
		client:       opts.HTTPClient,
		timeout:      opts.Timeout,
		siteURL:      opts.SiteURL,
		callbackPath: opts.CallbackPath,
		breakers:     opts.Breakers,
		limiters:     make(map[string]*rate.Limiter),
	}
	if e.log == nil {
		e.log = logger.Default()
	}
	e.log = e.log.WithComponent("oauth")
	if e.events == nil {
		e.events = events.Nop{}
	}
	if e.tracer == nil {
		e.tracer = tracing.Tracer()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.client == nil {
		e.client = &http.Client{}
	}
	if e.timeout <= 0 {
		e.timeout = DefaultTimeout
	}
	if e.callbackPath == "" {
		e.callbackPath = DefaultCallbackPath
	}
	if opts.RateLimit > 0 {
		e.rateLimit = rate.Limit(opts.RateLimit)
		e.burst = opts.Burst
		if e.burst <= 0 {
			e.burst = 1
		}
	}
	return e, nil
}

// AccessToken returns a usable access token for the user, refreshing it
// when the stored one has expired.
//
// The policy is ordered: a stored token that expires strictly after now is
// returned without any network call; otherwise a stored refresh token is
// used once; otherwise a REAUTHORIZATION_REQUIRED error is returned. A stale
// token is never returned.
func (e *Engine) AccessToken(ctx context.Context, cfg provider.Config, userID string) (string, error) {
	rec, err := e.usableRecord(ctx, cfg, userID)
	if err != nil {
		return "", err
	}
	return rec.AccessToken, nil
}

// AuthorizationHeader returns "<token type> <access token>" for the user.
func (e *Engine) AuthorizationHeader(ctx context.Context, cfg provider.Config, userID string) (string, error) {
	rec, err := e.usableRecord(ctx, cfg, userID)
	if err != nil {
		return "", err
	}
	tokenType := rec.TokenType
	if tokenType == "" {
		tokenType = token.DefaultTokenType
	}
	return tokenType + " " + rec.AccessToken, nil
}

func (e *Engine) usableRecord(ctx context.Context, cfg provider.Config, userID string) (*token.Record, error) {
	userID = normalizeUser(userID)
	ctx = logger.ContextWithUser(ctx, userID, cfg.Name)
	ctx, span := e.tracer.Start(ctx, "oauth.AccessToken")
	defer span.End()
	tracing.WithTokenAttributes(span, cfg.Name, userID, "access_token")

	key := token.Key{UserID: userID, Service: cfg.Name}

	rec, err := e.store.FindOne(ctx, key)
	switch {
	case err == nil && rec.Valid(e.now()):
		e.log.DebugContext(ctx, "using stored token", "token", rec)
		e.metrics.RecordTokenLookup(cfg.Name, metrics.OutcomeValid)
		span.SetAttributes(tracing.AttrOutcome.String(metrics.OutcomeValid))
		return rec, nil
	case err != nil && !errors.IsCode(err, errors.CodeNotFound):
		e.metrics.RecordTokenLookup(cfg.Name, metrics.OutcomeError)
		tracing.WithError(span, err)
		return nil, err
	}

	// Uniqueness on (user, service) makes this a re-check of the same record.
	candidate, err := e.store.FindAnyWithRefreshToken(ctx, key)
	if err != nil && !errors.IsCode(err, errors.CodeNotFound) {
		e.metrics.RecordTokenLookup(cfg.Name, metrics.OutcomeError)
		tracing.WithError(span, err)
		return nil, err
	}

	var cause error
	if candidate != nil {
		e.log.InfoContext(ctx, "refreshing expired token", "expires_at", candidate.ExpiresAt)
		refreshed, err := e.Refresh(ctx, cfg, candidate)
		if err == nil {
			e.metrics.RecordTokenLookup(cfg.Name, metrics.OutcomeRefreshed)
			span.SetAttributes(tracing.AttrOutcome.String(metrics.OutcomeRefreshed))
			return refreshed, nil
		}
		if errors.IsCode(err, errors.CodeConfiguration) || ctx.Err() != nil {
			e.metrics.RecordTokenLookup(cfg.Name, metrics.OutcomeError)
			tracing.WithError(span, err)
			return nil, err
		}

		e.log.ErrorContext(ctx, "token refresh failed",
			"error", err.Error(),
			"status", errors.ProviderStatus(err),
			"retryable", errors.Retryable(err),
		)
		e.publish(ctx, events.EventRefreshFailed, userID, cfg.Name, map[string]any{
			"code":   string(errors.GetCode(err)),
			"status": errors.ProviderStatus(err),
		})
		cause = err
	}

	e.log.WarnContext(ctx, "no valid token or refresh token, reauthorization required")
	e.metrics.RecordTokenLookup(cfg.Name, metrics.OutcomeReauthorize)
	e.publish(ctx, events.EventReauthorizationRequired, userID, cfg.Name, nil)

	err = errors.ReauthorizationRequired("no valid "+cfg.Name+" token for user "+userID+", reauthorize", cause).
		WithDetails(map[string]any{"provider": cfg.Name, "user_id": userID})
	tracing.WithError(span, err)
	return nil, err
}

func (e *Engine) publish(ctx context.Context, eventType, userID, providerName string, data map[string]any) {
	if err := e.events.Publish(ctx, events.NewEvent(ctx, eventType, userID, providerName, data)); err != nil {
		e.log.WarnContext(ctx, "failed to publish token event", "event", eventType, "error", err.Error())
	}
}

func normalizeUser(userID string) string {
	if userID == "" {
		return DefaultUserID
	}
	return userID
}
