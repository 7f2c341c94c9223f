package oauth

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/carlossalguero/tokenkeeper/internal/provider"
	"github.com/carlossalguero/tokenkeeper/internal/shared/errors"
)

// maxExpiresIn caps provider lifetimes so the conversion to time.Duration
// cannot overflow.
const maxExpiresIn = 10 * 365 * 24 * time.Hour

// tokenResponse is the normalized subset of a token endpoint response.
type tokenResponse struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
	TokenType    string
}

// roundTrip runs one token endpoint call behind the provider's rate limiter
// and circuit breaker, bounded by the engine timeout.
func (e *Engine) roundTrip(ctx context.Context, cfg provider.Config, op string, fn func(context.Context) (*oauth2.Token, error)) (*oauth2.Token, error) {
	if err := e.wait(ctx, cfg.Name); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.client)

	var tok *oauth2.Token
	call := func(ctx context.Context) error {
		start := time.Now()
		t, err := fn(ctx)
		dur := time.Since(start)

		status := statusOf(err)
		e.metrics.RecordProviderRequest(cfg.Name, op, status, dur)
		e.log.LogProviderRequest(ctx, cfg.Name, op, status, dur, err)
		if err != nil {
			return providerError(op, err)
		}
		tok = t
		return nil
	}

	var err error
	if e.breakers != nil {
		err = e.breakers.Get(cfg.Name).Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// wait blocks on the provider's limiter. A nil limiter never blocks.
func (e *Engine) wait(ctx context.Context, name string) error {
	lim := e.limiter(name)
	if lim == nil {
		return nil
	}

	start := time.Now()
	err := lim.Wait(ctx)
	e.metrics.RecordRateLimitWait(name, time.Since(start))
	if err == nil {
		return nil
	}
	if ctxErr := errors.FromContext(ctx.Err()); ctxErr != nil {
		return ctxErr
	}
	return errors.Wrap(errors.CodeUnavailable, "rate limit wait for "+name+" exceeds deadline", err)
}

func (e *Engine) limiter(name string) *rate.Limiter {
	if e.rateLimit == 0 {
		return nil
	}

	e.limitMu.Lock()
	defer e.limitMu.Unlock()

	lim, ok := e.limiters[name]
	if !ok {
		lim = rate.NewLimiter(e.rateLimit, e.burst)
		e.limiters[name] = lim
	}
	return lim
}

func statusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var re *oauth2.RetrieveError
	if stderrors.As(err, &re) && re.Response != nil {
		return re.Response.StatusCode
	}
	return 0
}

// providerError maps a token endpoint failure onto the error taxonomy.
func providerError(op string, err error) error {
	if ctxErr := errors.FromContext(err); ctxErr != nil {
		return ctxErr
	}

	var re *oauth2.RetrieveError
	if stderrors.As(err, &re) {
		msg := op + " rejected by provider"
		if re.ErrorCode != "" {
			msg += ": " + re.ErrorCode
		}
		return errors.ProviderResponse(msg, statusOf(err), err)
	}
	return errors.ProviderResponse(op+" request failed", 0, err)
}

// parseToken extracts the fields the engine persists. expires_in is read
// from the raw response so the engine's own clock anchors the expiry.
func parseToken(tok *oauth2.Token) (tokenResponse, error) {
	if tok == nil || tok.AccessToken == "" {
		return tokenResponse{}, errors.ProviderResponse("provider response missing access_token", 0, nil)
	}

	secs, ok := seconds(tok.Extra("expires_in"))
	if !ok {
		return tokenResponse{}, errors.ProviderResponse("provider response missing expires_in", 0, nil)
	}
	if math.IsNaN(secs) {
		return tokenResponse{}, errors.ProviderResponse("provider response has invalid expires_in", 0, nil)
	}

	return tokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    lifetime(secs),
		TokenType:    tok.TokenType,
	}, nil
}

// lifetime converts seconds to a duration clamped to [0, maxExpiresIn].
func lifetime(secs float64) time.Duration {
	switch {
	case secs <= 0:
		return 0
	case secs >= maxExpiresIn.Seconds():
		return maxExpiresIn
	default:
		return time.Duration(secs * float64(time.Second))
	}
}

func seconds(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		if n == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
