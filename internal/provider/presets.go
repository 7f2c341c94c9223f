package provider

import (
	"maps"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"
)

// preset is the provider-specific part of a Config that never changes
// between deployments.
type preset struct {
	BaseURL         string
	AuthEndpoint    string
	TokenEndpoint   string
	RevokeEndpoint  string
	Scope           string
	ExtraAuthParams map[string]string
}

func fromEndpoint(ep oauth2.Endpoint) preset {
	return preset{AuthEndpoint: ep.AuthURL, TokenEndpoint: ep.TokenURL}
}

var presets = map[string]preset{
	"google": func() preset {
		p := fromEndpoint(google.Endpoint)
		p.RevokeEndpoint = "https://oauth2.googleapis.com/revoke"
		p.ExtraAuthParams = map[string]string{"access_type": "offline", "prompt": "consent"}
		return p
	}(),
	"github": func() preset {
		p := fromEndpoint(github.Endpoint)
		p.Scope = "read:user"
		return p
	}(),
	"zoho": {
		BaseURL:        "https://accounts.zoho.com",
		AuthEndpoint:   "/oauth/v2/auth",
		TokenEndpoint:  "/oauth/v2/token",
		RevokeEndpoint: "/oauth/v2/token/revoke",
		ExtraAuthParams: map[string]string{
			"access_type": "offline",
			"prompt":      "consent",
		},
	},
}

// Presets returns the names of the built-in provider presets.
func Presets() []string {
	out := make([]string, 0, len(presets))
	for name := range presets {
		out = append(out, name)
	}
	return out
}

// WithPreset fills empty fields of c from the named preset. Explicit values
// always win; extra auth params are merged key by key.
func (c Config) WithPreset() (Config, error) {
	if c.Preset == "" {
		return c, nil
	}
	p, ok := presets[c.Preset]
	if !ok {
		return c, c.configError([]string{"known preset (got " + c.Preset + ")"})
	}

	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&c.BaseURL, p.BaseURL)
	fill(&c.AuthEndpoint, p.AuthEndpoint)
	fill(&c.TokenEndpoint, p.TokenEndpoint)
	fill(&c.RevokeEndpoint, p.RevokeEndpoint)
	fill(&c.Scope, p.Scope)

	if len(p.ExtraAuthParams) > 0 {
		merged := maps.Clone(p.ExtraAuthParams)
		maps.Copy(merged, c.ExtraAuthParams)
		c.ExtraAuthParams = merged
	}
	return c, nil
}
