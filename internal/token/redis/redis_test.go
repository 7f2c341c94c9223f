package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlossalguero/tokenkeeper/internal/shared/cache"
	"github.com/carlossalguero/tokenkeeper/internal/shared/errors"
	"github.com/carlossalguero/tokenkeeper/internal/token"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(cache.Wrap(rdb, "tk:")), mr
}

var key = token.Key{UserID: "default", Service: "zoho"}

func TestStore_UpsertAndFind(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	rec, err := s.UpsertByKey(ctx, key, token.Fields{
		AccessToken:  "AT1",
		RefreshToken: token.StringPtr("RT1"),
		ExpiresAt:    t0.Add(time.Hour),
		UpdatedAt:    t0,
	})
	require.NoError(t, err)
	assert.Equal(t, "AT1", rec.AccessToken)
	assert.Equal(t, token.DefaultTokenType, rec.TokenType)
	assert.True(t, rec.ExpiresAt.Equal(t0.Add(time.Hour)))
	assert.True(t, rec.CreatedAt.Equal(t0))

	assert.Equal(t, "AT1", mr.HGet("tk:token:zoho:default", "access_token"))

	found, err := s.FindOne(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "RT1", *found.RefreshToken)
	assert.Equal(t, "default", found.UserID)
	assert.Equal(t, "zoho", found.Service)
}

func TestStore_UpsertKeepsRefreshTokenAndCreatedAt(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	_, err := s.UpsertByKey(ctx, key, token.Fields{AccessToken: "AT1", RefreshToken: token.StringPtr("RT1"), ExpiresAt: t1, UpdatedAt: t0})
	require.NoError(t, err)

	rec, err := s.UpsertByKey(ctx, key, token.Fields{AccessToken: "AT2", ExpiresAt: t1.Add(time.Hour), UpdatedAt: t1})
	require.NoError(t, err)

	assert.Equal(t, "AT2", rec.AccessToken)
	require.NotNil(t, rec.RefreshToken)
	assert.Equal(t, "RT1", *rec.RefreshToken)
	assert.True(t, rec.CreatedAt.Equal(t0))
	assert.True(t, rec.UpdatedAt.Equal(t1))
}

func TestStore_FindNotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.FindOne(context.Background(), key)
	assert.ErrorIs(t, err, token.ErrNotFound)

	_, err = s.UpsertByKey(context.Background(), key, token.Fields{AccessToken: "AT1", ExpiresAt: time.Now()})
	require.NoError(t, err)

	_, err = s.FindAnyWithRefreshToken(context.Background(), key)
	assert.ErrorIs(t, err, token.ErrNotFound)
}

func TestStore_InvalidKey(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.UpsertByKey(context.Background(), token.Key{UserID: "u"}, token.Fields{})
	assert.True(t, errors.IsCode(err, errors.CodeInvalidRequest))
}

func TestStore_DeleteRemovesIndex(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertByKey(ctx, key, token.Fields{AccessToken: "AT1", RefreshToken: token.StringPtr("RT1"), ExpiresAt: time.Now()})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, key))
	assert.False(t, mr.Exists("tk:token:zoho:default"))

	members, err := mr.ZMembers("tk:tokens:expiry")
	if err == nil {
		assert.Empty(t, members)
	}
}

func TestStore_ListExpiring(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	offsets := map[string]time.Duration{
		"a": 3 * time.Minute,
		"b": time.Minute,
		"c": 2 * time.Minute,
		"d": time.Hour,
	}
	for user, off := range offsets {
		_, err := s.UpsertByKey(ctx, token.Key{UserID: user, Service: "zoho"}, token.Fields{
			AccessToken:  "AT",
			RefreshToken: token.StringPtr("RT"),
			ExpiresAt:    now.Add(off),
			UpdatedAt:    now,
		})
		require.NoError(t, err)
	}
	_, err := s.UpsertByKey(ctx, token.Key{UserID: "plain", Service: "zoho"}, token.Fields{AccessToken: "AT", ExpiresAt: now})
	require.NoError(t, err)

	recs, err := s.ListExpiring(ctx, now.Add(5*time.Minute), 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "b", recs[0].UserID)
	assert.Equal(t, "c", recs[1].UserID)

	all, err := s.ListExpiring(ctx, now.Add(5*time.Minute), 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := s.ListExpiring(ctx, now, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_ConcurrentUpsertsKeepRefreshToken(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertByKey(ctx, key, token.Fields{AccessToken: "AT0", RefreshToken: token.StringPtr("RT1"), ExpiresAt: time.Now()})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.UpsertByKey(ctx, key, token.Fields{AccessToken: fmt.Sprintf("AT%d", i), ExpiresAt: time.Now()})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	rec, err := s.FindOne(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "RT1", *rec.RefreshToken)
}

func TestStore_UnavailableWhenServerDown(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	_, err := s.FindOne(context.Background(), key)
	assert.True(t, errors.IsCode(err, errors.CodeUnavailable))
}
