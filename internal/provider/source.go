package provider

import (
	"context"
	"encoding/json"

	"github.com/carlossalguero/tokenkeeper/internal/shared/errors"
)

// JSONGetter reads a JSON document by key, as the Consul client does.
type JSONGetter interface {
	GetJSON(ctx context.Context, key string, v any) error
}

// ParseJSON decodes a name-keyed JSON map of provider configs.
func ParseJSON(data []byte) (map[string]Config, error) {
	var cfgs map[string]Config
	if err := json.Unmarshal(data, &cfgs); err != nil {
		return nil, errors.Wrap(errors.CodeConfiguration, "invalid provider document", err)
	}
	return cfgs, nil
}

// ReplaceJSON swaps the provider set for the one encoded in data.
func (r *Registry) ReplaceJSON(data []byte) error {
	cfgs, err := ParseJSON(data)
	if err != nil {
		return err
	}
	return r.Replace(cfgs)
}

// Load merges the providers stored under key into the registry.
func (r *Registry) Load(ctx context.Context, src JSONGetter, key string) error {
	var cfgs map[string]Config
	if err := src.GetJSON(ctx, key, &cfgs); err != nil {
		return errors.Wrap(errors.CodeConfiguration, "loading providers from "+key, err)
	}
	for name, cfg := range cfgs {
		if cfg.Name == "" {
			cfg.Name = name
		}
		if err := r.Register(cfg); err != nil {
			return err
		}
	}
	return nil
}
