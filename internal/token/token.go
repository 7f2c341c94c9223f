// Package token defines the persisted OAuth token record and the storage
// contract the engine depends on.
package token

import (
	"context"
	"log/slog"
	"time"

	"github.com/carlossalguero/tokenkeeper/internal/shared/errors"
	"github.com/carlossalguero/tokenkeeper/internal/shared/logger"
)

// DefaultTokenType is used when a provider does not report a token type.
const DefaultTokenType = "Bearer"

// ErrNotFound is returned by stores when no record matches the key.
var ErrNotFound = errors.NotFound("oauth token not found")

// Key identifies a record. At most one record exists per key.
type Key struct {
	UserID  string
	Service string
}

// Validate reports whether both key parts are present.
func (k Key) Validate() error {
	if k.UserID == "" {
		return errors.InvalidRequest("user id is required")
	}
	if k.Service == "" {
		return errors.InvalidRequest("service is required")
	}
	return nil
}

// Record is the persisted credential set for one user and provider.
type Record struct {
	UserID       string
	Service      string
	AccessToken  string
	RefreshToken *string
	ExpiresAt    time.Time
	TokenType    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Key returns the record's identity.
func (r *Record) Key() Key {
	return Key{UserID: r.UserID, Service: r.Service}
}

// Valid reports whether the access token is still usable at now.
// expires_at must be strictly in the future.
func (r *Record) Valid(now time.Time) bool {
	return r.AccessToken != "" && r.ExpiresAt.After(now)
}

// IsExpired is the negation of Valid.
func (r *Record) IsExpired(now time.Time) bool {
	return !r.Valid(now)
}

// HasRefreshToken reports whether the record can be refreshed.
func (r *Record) HasRefreshToken() bool {
	return r.RefreshToken != nil && *r.RefreshToken != ""
}

// Clone returns a deep copy so callers cannot alias store state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.RefreshToken != nil {
		rt := *r.RefreshToken
		c.RefreshToken = &rt
	}
	return &c
}

// LogValue implements slog.LogValuer. Secrets only appear as bounded previews.
func (r *Record) LogValue() slog.Value {
	refresh := ""
	if r.RefreshToken != nil {
		refresh = logger.Preview(*r.RefreshToken)
	}
	return slog.GroupValue(
		slog.String("user_id", r.UserID),
		slog.String("service", r.Service),
		slog.String("access_token", logger.Preview(r.AccessToken)),
		slog.String("refresh_token", refresh),
		slog.String("token_type", r.TokenType),
		slog.Time("expires_at", r.ExpiresAt),
	)
}

// Fields is the set of values written by an upsert.
// A nil RefreshToken keeps whatever refresh token is already stored.
type Fields struct {
	AccessToken  string
	RefreshToken *string
	ExpiresAt    time.Time
	TokenType    string
	// UpdatedAt is the write time. It becomes CreatedAt on first insert.
	UpdatedAt time.Time
}

// Store persists token records keyed by (user id, service).
//
// UpsertByKey must be atomic with respect to other upserts on the same key:
// the existing refresh token is read and merged inside the same write so
// that concurrent refreshes can never null it out.
type Store interface {
	// FindOne returns the record for key or ErrNotFound.
	FindOne(ctx context.Context, key Key) (*Record, error)
	// FindAnyWithRefreshToken returns the record for key only if it carries
	// a refresh token, otherwise ErrNotFound.
	FindAnyWithRefreshToken(ctx context.Context, key Key) (*Record, error)
	// UpsertByKey inserts or updates the record for key and returns it.
	UpsertByKey(ctx context.Context, key Key, fields Fields) (*Record, error)
	// Delete removes the record for key. Deleting a missing record is not an error.
	Delete(ctx context.Context, key Key) error
	// ListExpiring returns up to limit refreshable records whose expiry is before the given time,
	// soonest first.
	ListExpiring(ctx context.Context, before time.Time, limit int) ([]*Record, error)
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
