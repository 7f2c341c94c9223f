// Package redis provides a Redis-backed token store. Each record is a hash;
// refreshable records are indexed in a sorted set scored by expiry.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/carlossalguero/tokenkeeper/internal/shared/cache"
	"github.com/carlossalguero/tokenkeeper/internal/shared/errors"
	"github.com/carlossalguero/tokenkeeper/internal/token"
)

const (
	fieldUserID       = "user_id"
	fieldService      = "service"
	fieldAccessToken  = "access_token"
	fieldRefreshToken = "refresh_token"
	fieldExpiresAt    = "expires_at"
	fieldTokenType    = "token_type"
	fieldCreatedAt    = "created_at"
	fieldUpdatedAt    = "updated_at"
)

// upsertScript merges a write into the record hash in one step.
// An empty ARGV[4] keeps the stored refresh token.
var upsertScript = redis.NewScript(`
	if redis.call("exists", KEYS[1]) == 0 then
		redis.call("hset", KEYS[1], "user_id", ARGV[1], "service", ARGV[2], "created_at", ARGV[7])
	end
	redis.call("hset", KEYS[1],
		"access_token", ARGV[3],
		"expires_at", ARGV[5],
		"token_type", ARGV[6],
		"updated_at", ARGV[7])
	if ARGV[4] ~= "" then
		redis.call("hset", KEYS[1], "refresh_token", ARGV[4])
	end
	local rt = redis.call("hget", KEYS[1], "refresh_token")
	if rt and rt ~= "" then
		redis.call("zadd", KEYS[2], ARGV[8], KEYS[1])
	else
		redis.call("zrem", KEYS[2], KEYS[1])
	end
	return redis.call("hgetall", KEYS[1])
`)

// Store implements token.Store on Redis.
type Store struct {
	client *cache.Client
}

// New creates a store using client for connections and key prefixing.
func New(client *cache.Client) *Store {
	return &Store{client: client}
}

func (s *Store) recordKey(key token.Key) string {
	return s.client.Key("token", key.Service, key.UserID)
}

func (s *Store) expiryKey() string {
	return s.client.Key("tokens", "expiry")
}

// FindOne returns the record for key.
func (s *Store) FindOne(ctx context.Context, key token.Key) (*token.Record, error) {
	return s.load(ctx, s.recordKey(key))
}

// FindAnyWithRefreshToken returns the record for key only if it can be refreshed.
func (s *Store) FindAnyWithRefreshToken(ctx context.Context, key token.Key) (*token.Record, error) {
	rec, err := s.FindOne(ctx, key)
	if err != nil {
		return nil, err
	}
	if !rec.HasRefreshToken() {
		return nil, token.ErrNotFound
	}
	return rec, nil
}

// UpsertByKey runs the merge script against the record hash and expiry index.
func (s *Store) UpsertByKey(ctx context.Context, key token.Key, fields token.Fields) (*token.Record, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	updatedAt := fields.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	tokenType := fields.TokenType
	if tokenType == "" {
		tokenType = token.DefaultTokenType
	}
	refresh := ""
	if fields.RefreshToken != nil {
		refresh = *fields.RefreshToken
	}

	res, err := upsertScript.Run(ctx, s.client.Redis(),
		[]string{s.recordKey(key), s.expiryKey()},
		key.UserID,
		key.Service,
		fields.AccessToken,
		refresh,
		formatTime(fields.ExpiresAt),
		tokenType,
		formatTime(updatedAt),
		fields.ExpiresAt.UnixMilli(),
	).Slice()
	if err != nil {
		return nil, mapErr("upserting token", err)
	}

	values := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		k, _ := res[i].(string)
		v, _ := res[i+1].(string)
		values[k] = v
	}
	return decode(values)
}

// Delete removes the record and its index entry.
func (s *Store) Delete(ctx context.Context, key token.Key) error {
	rk := s.recordKey(key)
	_, err := s.client.Redis().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, rk)
		pipe.ZRem(ctx, s.expiryKey(), rk)
		return nil
	})
	if err != nil {
		return mapErr("deleting token", err)
	}
	return nil
}

// ListExpiring reads the expiry index up to the cutoff and loads each record.
func (s *Store) ListExpiring(ctx context.Context, before time.Time, limit int) ([]*token.Record, error) {
	keys, err := s.client.Redis().ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(before.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, mapErr("listing expiring tokens", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err = s.client.Redis().Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.HGetAll(ctx, k)
		}
		return nil
	})
	if err != nil {
		return nil, mapErr("loading expiring tokens", err)
	}

	out := make([]*token.Record, 0, len(keys))
	for _, cmd := range cmds {
		values := cmd.Val()
		if len(values) == 0 {
			continue
		}
		rec, err := decode(values)
		if err != nil {
			return nil, err
		}
		if rec.HasRefreshToken() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) load(ctx context.Context, rk string) (*token.Record, error) {
	values, err := s.client.Redis().HGetAll(ctx, rk).Result()
	if err != nil {
		return nil, mapErr("finding token", err)
	}
	if len(values) == 0 {
		return nil, token.ErrNotFound
	}
	return decode(values)
}

func decode(values map[string]string) (*token.Record, error) {
	rec := &token.Record{
		UserID:       values[fieldUserID],
		Service:      values[fieldService],
		AccessToken:  values[fieldAccessToken],
		RefreshToken: token.StringPtr(values[fieldRefreshToken]),
		TokenType:    values[fieldTokenType],
	}

	var err error
	if rec.ExpiresAt, err = parseTime(values[fieldExpiresAt]); err != nil {
		return nil, err
	}
	if rec.CreatedAt, err = parseTime(values[fieldCreatedAt]); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseTime(values[fieldUpdatedAt]); err != nil {
		return nil, err
	}
	return rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, errors.InternalWrap(fmt.Sprintf("corrupt timestamp %q", v), err)
	}
	return t, nil
}

func mapErr(op string, err error) error {
	if ctxErr := errors.FromContext(err); ctxErr != nil {
		return ctxErr
	}
	return errors.Wrap(errors.CodeUnavailable, op, err)
}
