package provider

import (
	"sort"
	"strings"
	"sync"

	"github.com/carlossalguero/tokenkeeper/internal/shared/errors"
)

// Registry maps provider names to resolved configurations. It is filled at
// startup and may be swapped wholesale when the source changes.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Config
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Config)}
}

// FromMap builds a registry from a name-keyed map. An empty Name is
// taken from the map key.
func FromMap(cfgs map[string]Config) (*Registry, error) {
	r := NewRegistry()
	if err := r.Replace(cfgs); err != nil {
		return nil, err
	}
	return r, nil
}

// Register adds or replaces one provider after applying its preset.
func (r *Registry) Register(cfg Config) error {
	resolved, err := prepare(cfg)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[resolved.Name] = resolved
	return nil
}

// Replace swaps the whole provider set. On error the registry is unchanged.
func (r *Registry) Replace(cfgs map[string]Config) error {
	next := make(map[string]Config, len(cfgs))
	for key, cfg := range cfgs {
		if cfg.Name == "" {
			cfg.Name = key
		}
		resolved, err := prepare(cfg)
		if err != nil {
			return err
		}
		if _, dup := next[resolved.Name]; dup {
			return errors.Configuration("provider " + resolved.Name + " is configured twice")
		}
		next[resolved.Name] = resolved
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = next
	return nil
}

// Get returns the configuration registered under name. Names match
// case-insensitively since viper lowercases map keys.
func (r *Registry) Get(name string) (Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.providers[CanonicalName(name)]
	if !ok {
		return Config{}, errors.NotFound("provider " + name + " is not registered")
	}
	return cfg, nil
}

// Names returns registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for _, cfg := range r.providers {
		names = append(names, cfg.Name)
	}
	sort.Strings(names)
	return names
}

func prepare(cfg Config) (Config, error) {
	if cfg.Name == "" {
		return Config{}, errors.Configuration("provider name is required")
	}
	cfg.Name = CanonicalName(cfg.Name)
	return cfg.WithPreset()
}

// CanonicalName is the form a provider name is registered under. It is
// also the service part of every token key written for the provider.
func CanonicalName(name string) string {
	return strings.ToLower(name)
}
