package circuitbreaker

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlossalguero/tokenkeeper/internal/shared/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var (
	errOutage   = errors.ProviderResponse("bad gateway", http.StatusBadGateway, nil)
	errRejected = errors.ProviderResponse("invalid_grant", http.StatusBadRequest, nil)
)

func newBreaker(clock *fakeClock) *CircuitBreaker {
	return New("zoho", Config{
		FailureThreshold:    3,
		SuccessThreshold:    2,
		Timeout:             time.Minute,
		MaxHalfOpenRequests: 1,
		Now: clock.Now,
	})
}

func fail(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

func ok(context.Context) error { return nil }

func TestCircuitBreaker_InitialState(t *testing.T) {
	cb := New("test", DefaultConfig())

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, "test", cb.Name())
	assert.Equal(t, "closed", cb.Stats().State)
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cb := newBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.Equal(t, StateClosed, cb.State())
		assert.ErrorIs(t, cb.Execute(ctx, fail(errOutage)), errOutage)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.False(t, called)
	assert.True(t, errors.IsCode(err, errors.CodeUnavailable))
}

func TestCircuitBreaker_NonFailuresDoNotTrip(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cb := newBreaker(clock)

	for i := 0; i < 10; i++ {
		_ = cb.Execute(context.Background(), fail(errRejected))
		_ = cb.Execute(context.Background(), fail(errors.Configuration("missing secret")))
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cb := newBreaker(clock)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail(errOutage))
	_ = cb.Execute(ctx, fail(errOutage))
	require.NoError(t, cb.Execute(ctx, ok))
	_ = cb.Execute(ctx, fail(errOutage))

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 1, cb.Stats().Failures)
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cb := newBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail(errOutage))
	}
	clock.Advance(time.Minute)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cb := newBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail(errOutage))
	}
	clock.Advance(time.Minute)

	_ = cb.Execute(ctx, fail(errOutage))
	assert.Equal(t, StateOpen, cb.State())

	clock.Advance(30 * time.Second)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cb := newBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail(errOutage))
	}
	clock.Advance(time.Minute)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- cb.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := cb.Execute(ctx, ok)
	assert.True(t, errors.IsCode(err, errors.CodeUnavailable))

	close(release)
	require.NoError(t, <-done)
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	var mu sync.Mutex
	var transitions []string

	cb := New("zoho", Config{
		FailureThreshold: 1,
		Timeout:          time.Second,
		Now:              clock.Now,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail(errOutage))
	clock.Advance(time.Second)
	require.NoError(t, cb.Execute(ctx, ok))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"zoho:closed->open",
		"zoho:open->half-open",
		"zoho:half-open->closed",
	}, transitions)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(DefaultConfig())

	a := r.Get("zoho")
	b := r.Get("zoho")
	assert.Same(t, a, b)
	r.Get("google")

	stats := r.AllStats()
	require.Len(t, stats, 2)
	assert.Equal(t, "google", stats[0].Name)
	assert.Equal(t, "zoho", stats[1].Name)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
