package oauth

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/carlossalguero/tokenkeeper/internal/provider"
	"github.com/carlossalguero/tokenkeeper/internal/shared/errors"
	"github.com/carlossalguero/tokenkeeper/internal/shared/events"
	"github.com/carlossalguero/tokenkeeper/internal/shared/logger"
	"github.com/carlossalguero/tokenkeeper/internal/shared/tracing"
)

// Revoke asks the provider to revoke an access token. It is best effort:
// an unreachable endpoint or a non-200 answer yields false without an
// error. The stored record is left untouched.
func (e *Engine) Revoke(ctx context.Context, cfg provider.Config, accessToken string) (bool, error) {
	revokeURL, err := cfg.RevokeURL()
	if err != nil {
		return false, err
	}
	if accessToken == "" {
		return false, errors.InvalidRequest("access token is required")
	}

	ctx, span := e.tracer.Start(ctx, "oauth.Revoke")
	defer span.End()
	tracing.WithTokenAttributes(span, cfg.Name, "", "revoke")

	if err := e.wait(ctx, cfg.Name); err != nil {
		tracing.WithError(span, err)
		e.log.WarnContext(ctx, "token revocation skipped", "provider", cfg.Name, "error", err.Error())
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	form := url.Values{"token": {accessToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return false, errors.Configuration("invalid revoke endpoint for provider " + cfg.Name).Wrap(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	tracing.InjectHTTP(ctx, req.Header)

	start := time.Now()
	resp, err := e.client.Do(req)
	dur := time.Since(start)
	if err != nil {
		e.metrics.RecordProviderRequest(cfg.Name, "revoke", 0, dur)
		e.log.LogProviderRequest(ctx, cfg.Name, "revoke", 0, dur, err)
		tracing.WithError(span, err)
		return false, nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	e.metrics.RecordProviderRequest(cfg.Name, "revoke", resp.StatusCode, dur)
	tracing.WithHTTPStatus(span, resp.StatusCode)
	if resp.StatusCode != http.StatusOK {
		e.log.WarnContext(ctx, "token revocation refused",
			"provider", cfg.Name,
			"status", resp.StatusCode,
			"token", logger.Preview(accessToken),
		)
		return false, nil
	}

	e.log.InfoContext(ctx, "token revoked", "provider", cfg.Name)
	e.publish(ctx, events.EventRevoked, "", cfg.Name, nil)
	tracing.WithSuccess(span)
	return true, nil
}
