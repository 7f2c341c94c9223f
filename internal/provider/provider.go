// Package provider holds per-provider OAuth configuration and the static
// name-to-config registry consulted by callers of the engine.
package provider

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/carlossalguero/tokenkeeper/internal/shared/errors"
	"github.com/carlossalguero/tokenkeeper/internal/shared/logger"
)

// Config is the static OAuth configuration for one provider.
// Endpoints may be absolute URLs or paths relative to BaseURL.
type Config struct {
	Name            string            `mapstructure:"name" json:"name"`
	Preset          string            `mapstructure:"preset" json:"preset,omitempty"`
	ClientID        string            `mapstructure:"client_id" json:"client_id"`
	ClientSecret    string            `mapstructure:"client_secret" json:"client_secret"`
	BaseURL         string            `mapstructure:"base_url" json:"base_url,omitempty"`
	AuthEndpoint    string            `mapstructure:"auth_endpoint" json:"auth_endpoint,omitempty"`
	TokenEndpoint   string            `mapstructure:"token_endpoint" json:"token_endpoint,omitempty"`
	RevokeEndpoint  string            `mapstructure:"revoke_endpoint" json:"revoke_endpoint,omitempty"`
	Scope           string            `mapstructure:"scope" json:"scope,omitempty"`
	ExtraAuthParams map[string]string `mapstructure:"extra_auth_params" json:"extra_auth_params,omitempty"`
	RedirectURL     string            `mapstructure:"redirect_url" json:"redirect_url,omitempty"`
}

// ValidateForAuthorization checks the fields needed to build an authorization URL.
func (c Config) ValidateForAuthorization() error {
	missing := c.missing(map[string]string{
		"name":      c.Name,
		"client_id": c.ClientID,
		"scope":     c.Scope,
	})
	if len(missing) > 0 {
		return c.configError(missing)
	}
	_, err := c.AuthURL()
	return err
}

// ValidateForToken checks the fields needed to call the token endpoint.
func (c Config) ValidateForToken() error {
	missing := c.missing(map[string]string{
		"name":          c.Name,
		"client_id":     c.ClientID,
		"client_secret": c.ClientSecret,
	})
	if len(missing) > 0 {
		return c.configError(missing)
	}
	_, err := c.TokenURL()
	return err
}

// AuthURL resolves the authorization endpoint.
func (c Config) AuthURL() (string, error) {
	return c.resolve("auth_endpoint", c.AuthEndpoint)
}

// TokenURL resolves the token endpoint.
func (c Config) TokenURL() (string, error) {
	return c.resolve("token_endpoint", c.TokenEndpoint)
}

// RevokeURL resolves the revoke endpoint.
func (c Config) RevokeURL() (string, error) {
	return c.resolve("revoke_endpoint", c.RevokeEndpoint)
}

func (c Config) resolve(field, endpoint string) (string, error) {
	if endpoint == "" {
		return "", c.configError([]string{field})
	}
	if u, err := url.Parse(endpoint); err == nil && u.Scheme != "" && u.Host != "" {
		return endpoint, nil
	}
	if c.BaseURL == "" {
		return "", c.configError([]string{"base_url"})
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/"), nil
}

func (c Config) missing(fields map[string]string) []string {
	var out []string
	for _, name := range []string{"name", "client_id", "client_secret", "scope"} {
		if v, ok := fields[name]; ok && v == "" {
			out = append(out, name)
		}
	}
	return out
}

func (c Config) configError(fields []string) error {
	name := c.Name
	if name == "" {
		name = "unnamed"
	}
	return errors.Configuration("provider " + name + " is missing " + strings.Join(fields, ", ")).
		WithDetails(map[string]any{"provider": c.Name, "fields": fields})
}

// LogValue keeps the client secret out of logs.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", c.Name),
		slog.String("client_id", c.ClientID),
		slog.String("client_secret", logger.Preview(c.ClientSecret)),
		slog.String("base_url", c.BaseURL),
		slog.String("scope", c.Scope),
	)
}
