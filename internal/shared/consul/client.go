// Package consul provides a client wrapper for Consul KV operations.
package consul

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/consul/api"
)

// ErrKeyNotFound is returned by GetJSON when the key does not exist.
var ErrKeyNotFound = fmt.Errorf("consul key not found")

// Config holds Consul client configuration.
type Config struct {
	Enabled      bool          `mapstructure:"enabled"`
	Address      string        `mapstructure:"address"`
	Token        string        `mapstructure:"token"`
	Datacenter   string        `mapstructure:"datacenter"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	ProvidersKey string        `mapstructure:"providers_key"`
	Watch        bool          `mapstructure:"watch"`
	WaitTime     time.Duration `mapstructure:"wait_time"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Address:      "localhost:8500",
		KeyPrefix:    "tokenkeeper/",
		ProvidersKey: "providers",
		WaitTime:     30 * time.Second,
	}
}

// Client wraps the Consul API client.
type Client struct {
	client    *api.Client
	kv        *api.KV
	keyPrefix string
	waitTime  time.Duration
}

// NewClient creates a new Consul client wrapper and checks for a leader.
func NewClient(cfg Config) (*Client, error) {
	consulCfg := api.DefaultConfig()
	consulCfg.Address = cfg.Address
	if cfg.Token != "" {
		consulCfg.Token = cfg.Token
	}
	if cfg.Datacenter != "" {
		consulCfg.Datacenter = cfg.Datacenter
	}

	client, err := api.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("creating consul client: %w", err)
	}

	if _, err := client.Status().Leader(); err != nil {
		return nil, fmt.Errorf("connecting to consul: %w", err)
	}

	waitTime := cfg.WaitTime
	if waitTime == 0 {
		waitTime = 30 * time.Second
	}

	return &Client{
		client:    client,
		kv:        client.KV(),
		keyPrefix: cfg.KeyPrefix,
		waitTime:  waitTime,
	}, nil
}

// Get retrieves a raw value. A missing key yields nil, nil.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	pair, _, err := c.kv.Get(c.keyPrefix+key, c.queryOptions(ctx))
	if err != nil {
		return nil, fmt.Errorf("getting key %s: %w", key, err)
	}
	if pair == nil {
		return nil, nil
	}
	return pair.Value, nil
}

// GetJSON retrieves and unmarshals a JSON value.
func (c *Client) GetJSON(ctx context.Context, key string, v any) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if data == nil {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return json.Unmarshal(data, v)
}

// PutJSON marshals and stores v under key.
func (c *Client) PutJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling value: %w", err)
	}
	p := &api.KVPair{Key: c.keyPrefix + key, Value: data}
	if _, err := c.kv.Put(p, (&api.WriteOptions{}).WithContext(ctx)); err != nil {
		return fmt.Errorf("putting key %s: %w", key, err)
	}
	return nil
}

// WatchResult is one observed value of a watched key.
type WatchResult struct {
	Key   string
	Value []byte
	Error error
}

// Watch follows a single key with blocking queries and emits every new
// value. The channel closes when ctx is done.
func (c *Client) Watch(ctx context.Context, key string) <-chan WatchResult {
	results := make(chan WatchResult, 1)

	go func() {
		defer close(results)

		var lastIndex uint64
		for {
			if ctx.Err() != nil {
				return
			}

			opts := (&api.QueryOptions{
				WaitIndex: lastIndex,
				WaitTime:  c.waitTime,
			}).WithContext(ctx)

			pair, meta, err := c.kv.Get(c.keyPrefix+key, opts)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !send(ctx, results, WatchResult{Key: key, Error: err}) {
					return
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}

			// index went backwards: consul was restored, start over
			if meta.LastIndex < lastIndex {
				lastIndex = 0
				continue
			}
			if meta.LastIndex == lastIndex || pair == nil {
				lastIndex = meta.LastIndex
				continue
			}
			lastIndex = meta.LastIndex

			if !send(ctx, results, WatchResult{Key: key, Value: pair.Value}) {
				return
			}
		}
	}()

	return results
}

func send(ctx context.Context, ch chan<- WatchResult, r WatchResult) bool {
	select {
	case ch <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

// Health returns the Consul cluster leader address.
func (c *Client) Health() (string, error) {
	return c.client.Status().Leader()
}

func (c *Client) queryOptions(ctx context.Context) *api.QueryOptions {
	return (&api.QueryOptions{}).WithContext(ctx)
}
