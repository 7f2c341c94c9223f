// Package health runs component checks for the token service and serves
// them as liveness and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/carlossalguero/tokenkeeper/internal/circuitbreaker"
)

// Status represents the health status of a component.
type Status string

const (
	// StatusUp indicates the component is healthy.
	StatusUp Status = "up"
	// StatusDown indicates the component is unhealthy.
	StatusDown Status = "down"
	// StatusDegraded indicates the component works with reduced capacity.
	StatusDegraded Status = "degraded"
)

// Check reports the health of one component.
type Check func(ctx context.Context) ComponentHealth

// ComponentHealth is the result of one check.
type ComponentHealth struct {
	Status  Status         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Latency time.Duration  `json:"latency_ms"`
}

// Response is the aggregated health document.
type Response struct {
	Status     Status                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

// Checker holds the registered checks.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]Check
	version string
	timeout time.Duration
}

// Option configures a Checker.
type Option func(*Checker)

// WithVersion sets the reported build version.
func WithVersion(version string) Option {
	return func(c *Checker) {
		c.version = version
	}
}

// WithTimeout bounds each individual check.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Checker) {
		c.timeout = timeout
	}
}

// NewChecker creates a checker with no checks registered.
func NewChecker(opts ...Option) *Checker {
	c := &Checker{
		checks:  make(map[string]Check),
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds or replaces the check for a component.
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Deregister removes a check.
func (c *Checker) Deregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.checks, name)
}

type result struct {
	name   string
	health ComponentHealth
}

// Check runs every check concurrently. Any down component makes the whole
// service down; any degraded one makes it degraded.
func (c *Checker) Check(ctx context.Context) Response {
	c.mu.RLock()
	checks := make(map[string]Check, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mu.RUnlock()

	resp := Response{
		Status:     StatusUp,
		Timestamp:  time.Now().UTC(),
		Version:    c.version,
		Components: make(map[string]ComponentHealth, len(checks)),
	}

	results := make(chan result, len(checks))
	var wg sync.WaitGroup
	for name, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			start := time.Now()
			h := check(checkCtx)
			h.Latency = time.Since(start)
			results <- result{name: name, health: h}
		}()
	}
	wg.Wait()
	close(results)

	for r := range results {
		resp.Components[r.name] = r.health
		switch r.health.Status {
		case StatusDown:
			resp.Status = StatusDown
		case StatusDegraded:
			if resp.Status == StatusUp {
				resp.Status = StatusDegraded
			}
		}
	}
	return resp
}

// Handler serves /health, /health/live and /health/ready.
func (c *Checker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		c.writeCheck(w, r, false)
	})
	mux.HandleFunc("GET /health/ready", func(w http.ResponseWriter, r *http.Request) {
		c.writeCheck(w, r, true)
	})
	mux.HandleFunc("GET /health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, Response{
			Status:    StatusUp,
			Timestamp: time.Now().UTC(),
			Version:   c.version,
		})
	})
	return mux
}

func (c *Checker) writeCheck(w http.ResponseWriter, r *http.Request, detailed bool) {
	resp := c.Check(r.Context())

	status := http.StatusOK
	if resp.Status == StatusDown {
		status = http.StatusServiceUnavailable
	}
	if !detailed {
		resp.Components = nil
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// PingCheck reports a dependency as down when ping fails.
func PingCheck(component string, ping func(context.Context) error) Check {
	return func(ctx context.Context) ComponentHealth {
		if err := ping(ctx); err != nil {
			return ComponentHealth{
				Status:  StatusDown,
				Message: component + " unreachable",
				Details: map[string]any{"error": err.Error()},
			}
		}
		return ComponentHealth{Status: StatusUp, Message: component + " reachable"}
	}
}

// ConsulCheck reports the Consul agent's view of the cluster leader.
func ConsulCheck(leader func() (string, error)) Check {
	return func(_ context.Context) ComponentHealth {
		addr, err := leader()
		if err != nil {
			return ComponentHealth{
				Status:  StatusDown,
				Message: "consul unreachable",
				Details: map[string]any{"error": err.Error()},
			}
		}
		return ComponentHealth{
			Status:  StatusUp,
			Message: "consul reachable",
			Details: map[string]any{"leader": addr},
		}
	}
}

// BreakerCheck reports degraded while any provider circuit is not closed.
func BreakerCheck(stats func() []circuitbreaker.Stats) Check {
	return func(_ context.Context) ComponentHealth {
		all := stats()
		open := make([]string, 0)
		for _, s := range all {
			if s.State != circuitbreaker.StateClosed.String() {
				open = append(open, s.Name)
			}
		}
		if len(open) > 0 {
			return ComponentHealth{
				Status:  StatusDegraded,
				Message: "provider circuits open",
				Details: map[string]any{"providers": open},
			}
		}
		return ComponentHealth{
			Status:  StatusUp,
			Message: "all provider circuits closed",
			Details: map[string]any{"providers": len(all)},
		}
	}
}

// MemoryCheck reports degraded when the heap exceeds maxBytes.
func MemoryCheck(maxBytes uint64) Check {
	return func(_ context.Context) ComponentHealth {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		details := map[string]any{"allocated_bytes": m.Alloc, "max_bytes": maxBytes}
		if m.Alloc > maxBytes {
			return ComponentHealth{Status: StatusDegraded, Message: "high memory usage", Details: details}
		}
		return ComponentHealth{Status: StatusUp, Message: "memory usage normal", Details: details}
	}
}
