package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlossalguero/tokenkeeper/internal/circuitbreaker"
)

func up(context.Context) error   { return nil }
func down(context.Context) error { return errors.New("connection refused") }

func TestChecker_Aggregation(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]Check
		want   Status
	}{
		{"no checks", nil, StatusUp},
		{"all up", map[string]Check{"store": PingCheck("store", up)}, StatusUp},
		{
			"degraded",
			map[string]Check{
				"store":    PingCheck("store", up),
				"breakers": BreakerCheck(func() []circuitbreaker.Stats { return []circuitbreaker.Stats{{Name: "zoho", State: "open"}} }),
			},
			StatusDegraded,
		},
		{
			"down wins",
			map[string]Check{
				"store":  PingCheck("store", down),
				"memory": MemoryCheck(0),
			},
			StatusDown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(WithVersion("test"))
			for name, check := range tt.checks {
				c.Register(name, check)
			}

			resp := c.Check(context.Background())
			assert.Equal(t, tt.want, resp.Status)
			assert.Len(t, resp.Components, len(tt.checks))
			assert.Equal(t, "test", resp.Version)
		})
	}
}

func TestChecker_TimeoutBoundsChecks(t *testing.T) {
	c := NewChecker(WithTimeout(20 * time.Millisecond))
	c.Register("slow", PingCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	resp := c.Check(context.Background())
	assert.Equal(t, StatusDown, resp.Status)
	assert.Equal(t, "slow unreachable", resp.Components["slow"].Message)
}

func TestChecker_Deregister(t *testing.T) {
	c := NewChecker()
	c.Register("store", PingCheck("store", down))
	c.Deregister("store")
	assert.Equal(t, StatusUp, c.Check(context.Background()).Status)
}

func TestHandler(t *testing.T) {
	c := NewChecker()
	c.Register("store", PingCheck("store", down))
	srv := httptest.NewServer(c.Handler())
	t.Cleanup(srv.Close)

	get := func(path string) (int, Response) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body Response
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp.StatusCode, body
	}

	status, body := get("/health")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Nil(t, body.Components)

	status, body = get("/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Contains(t, body.Components, "store")

	status, body = get("/health/live")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, StatusUp, body.Status)
}

func TestConsulCheck(t *testing.T) {
	h := ConsulCheck(func() (string, error) { return "10.0.0.1:8300", nil })(context.Background())
	assert.Equal(t, StatusUp, h.Status)
	assert.Equal(t, "10.0.0.1:8300", h.Details["leader"])

	h = ConsulCheck(func() (string, error) { return "", errors.New("no leader") })(context.Background())
	assert.Equal(t, StatusDown, h.Status)
}

func TestMemoryCheck(t *testing.T) {
	assert.Equal(t, StatusUp, MemoryCheck(1<<40)(context.Background()).Status)
	assert.Equal(t, StatusDegraded, MemoryCheck(1)(context.Background()).Status)
}
