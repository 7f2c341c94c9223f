package oauth

import (
	"context"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/carlossalguero/tokenkeeper/internal/provider"
	"github.com/carlossalguero/tokenkeeper/internal/shared/errors"
	"github.com/carlossalguero/tokenkeeper/internal/shared/events"
	"github.com/carlossalguero/tokenkeeper/internal/shared/logger"
	"github.com/carlossalguero/tokenkeeper/internal/shared/tracing"
	"github.com/carlossalguero/tokenkeeper/internal/token"
)

// UpsertParams are the values written for one (user, service) pair.
type UpsertParams struct {
	UserID      string
	Service     string
	AccessToken string
	// RefreshToken nil keeps the stored refresh token.
	RefreshToken *string
	// ExpiresIn is the lifetime reported by the provider.
	ExpiresIn time.Duration
	TokenType string
}

// ExpiresAt applies the safety margin to a provider lifetime, never
// returning a time before now.
func ExpiresAt(now time.Time, expiresIn time.Duration) time.Time {
	at := now.Add(expiresIn - SafetyMargin)
	if at.Before(now) {
		return now
	}
	return at
}

// ExchangeCode trades an authorization code for tokens and persists them.
func (e *Engine) ExchangeCode(ctx context.Context, cfg provider.Config, code, userID string) (*token.Record, error) {
	userID = normalizeUser(userID)
	ctx = logger.ContextWithUser(ctx, userID, cfg.Name)
	ctx, span := e.tracer.Start(ctx, "oauth.ExchangeCode")
	defer span.End()
	tracing.WithTokenAttributes(span, cfg.Name, userID, "exchange")

	if err := cfg.ValidateForToken(); err != nil {
		tracing.WithError(span, err)
		return nil, err
	}
	if code == "" {
		err := errors.InvalidRequest("authorization code is required")
		tracing.WithError(span, err)
		return nil, err
	}
	tokenURL, err := cfg.TokenURL()
	if err != nil {
		return nil, err
	}
	redirect, err := e.RedirectURI(cfg)
	if err != nil {
		tracing.WithError(span, err)
		return nil, err
	}

	oc := e.oauth2Config(cfg, "", tokenURL, redirect)
	tok, err := e.roundTrip(ctx, cfg, "exchange", func(ctx context.Context) (*oauth2.Token, error) {
		return oc.Exchange(ctx, code)
	})
	if err != nil {
		tracing.WithError(span, err)
		return nil, err
	}

	resp, err := parseToken(tok)
	if err != nil {
		tracing.WithError(span, err)
		return nil, err
	}

	rec, err := e.Upsert(ctx, UpsertParams{
		UserID:       userID,
		Service:      cfg.Name,
		AccessToken:  resp.AccessToken,
		RefreshToken: token.StringPtr(resp.RefreshToken),
		ExpiresIn:    resp.ExpiresIn,
		TokenType:    resp.TokenType,
	})
	if err != nil {
		tracing.WithError(span, err)
		return nil, err
	}

	e.metrics.RecordTokenWrite(cfg.Name, "exchange")
	e.log.InfoContext(ctx, "authorization code exchanged",
		"has_refresh_token", rec.HasRefreshToken(),
		"expires_at", rec.ExpiresAt,
	)
	e.publish(ctx, events.EventExchanged, userID, cfg.Name, map[string]any{
		"expires_at":        rec.ExpiresAt,
		"has_refresh_token": rec.HasRefreshToken(),
	})
	tracing.WithSuccess(span)
	return rec, nil
}

// Refresh uses the record's refresh token to obtain a new access token and
// persists the result. A rotated refresh token replaces the stored one;
// otherwise the stored refresh token is kept.
func (e *Engine) Refresh(ctx context.Context, cfg provider.Config, rec *token.Record) (*token.Record, error) {
	if err := cfg.ValidateForToken(); err != nil {
		return nil, err
	}
	if rec == nil || !rec.HasRefreshToken() {
		return nil, errors.MissingRefreshToken("record has no refresh token")
	}
	if !strings.EqualFold(rec.Service, cfg.Name) {
		return nil, errors.InvalidRequest("record for " + rec.Service + " cannot be refreshed with provider " + cfg.Name)
	}

	ctx = logger.ContextWithUser(ctx, rec.UserID, cfg.Name)
	ctx, span := e.tracer.Start(ctx, "oauth.Refresh")
	defer span.End()
	tracing.WithTokenAttributes(span, cfg.Name, rec.UserID, "refresh")

	tokenURL, err := cfg.TokenURL()
	if err != nil {
		return nil, err
	}

	current := *rec.RefreshToken
	oc := e.oauth2Config(cfg, "", tokenURL, "")
	tok, err := e.roundTrip(ctx, cfg, "refresh", func(ctx context.Context) (*oauth2.Token, error) {
		return oc.TokenSource(ctx, &oauth2.Token{RefreshToken: current}).Token()
	})
	if err != nil {
		tracing.WithError(span, err)
		return nil, err
	}

	resp, err := parseToken(tok)
	if err != nil {
		tracing.WithError(span, err)
		return nil, err
	}

	var rotated *string
	if resp.RefreshToken != "" && resp.RefreshToken != current {
		rotated = token.StringPtr(resp.RefreshToken)
	}

	// The record's own key, so a case variant of the provider name never
	// forks a second record.
	updated, err := e.Upsert(ctx, UpsertParams{
		UserID:       rec.UserID,
		Service:      rec.Service,
		AccessToken:  resp.AccessToken,
		RefreshToken: rotated,
		ExpiresIn:    resp.ExpiresIn,
		TokenType:    resp.TokenType,
	})
	if err != nil {
		tracing.WithError(span, err)
		return nil, err
	}

	e.metrics.RecordTokenWrite(cfg.Name, "refresh")
	e.log.InfoContext(ctx, "token refreshed",
		"rotated", rotated != nil,
		"expires_at", updated.ExpiresAt,
	)
	e.publish(ctx, events.EventRefreshed, rec.UserID, cfg.Name, map[string]any{
		"expires_at": updated.ExpiresAt,
		"rotated":    rotated != nil,
	})
	tracing.WithSuccess(span)
	return updated, nil
}

// Upsert writes a token for (user, service) with the safety margin applied.
// A nil RefreshToken preserves the stored one; the merge happens inside the
// store's atomic upsert so concurrent writers cannot drop it.
func (e *Engine) Upsert(ctx context.Context, p UpsertParams) (*token.Record, error) {
	key := token.Key{UserID: normalizeUser(p.UserID), Service: p.Service}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if p.AccessToken == "" {
		return nil, errors.InvalidRequest("access token is required")
	}

	if err := ctx.Err(); err != nil {
		return nil, errors.FromContext(err)
	}

	tokenType := p.TokenType
	if tokenType == "" {
		tokenType = token.DefaultTokenType
	}

	now := e.now()
	return e.store.UpsertByKey(ctx, key, token.Fields{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		ExpiresAt:    ExpiresAt(now, p.ExpiresIn),
		TokenType:    tokenType,
		UpdatedAt:    now,
	})
}
