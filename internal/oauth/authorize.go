package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/oauth2"

	"github.com/carlossalguero/tokenkeeper/internal/provider"
	"github.com/carlossalguero/tokenkeeper/internal/shared/errors"
)

const stateBytes = 32

// GenerateState returns an unguessable URL-safe state value.
func GenerateState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", errors.InternalWrap("failed to generate state", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// AuthorizationURL builds the provider consent URL. When state is empty a
// random one is generated. The state actually used is returned so the
// caller can verify it on the callback.
func (e *Engine) AuthorizationURL(cfg provider.Config, state string) (string, string, error) {
	if err := cfg.ValidateForAuthorization(); err != nil {
		return "", "", err
	}
	authURL, err := cfg.AuthURL()
	if err != nil {
		return "", "", err
	}
	redirect, err := e.RedirectURI(cfg)
	if err != nil {
		return "", "", err
	}

	if state == "" {
		if state, err = GenerateState(); err != nil {
			return "", "", err
		}
	}

	oc := e.oauth2Config(cfg, authURL, "", redirect)

	keys := make([]string, 0, len(cfg.ExtraAuthParams))
	for k := range cfg.ExtraAuthParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	opts := make([]oauth2.AuthCodeOption, 0, len(keys))
	for _, k := range keys {
		opts = append(opts, oauth2.SetAuthURLParam(k, cfg.ExtraAuthParams[k]))
	}

	return oc.AuthCodeURL(state, opts...), state, nil
}

// RedirectURI returns the callback URL registered for the provider: its
// explicit redirect_url, or the site URL joined with the callback path.
func (e *Engine) RedirectURI(cfg provider.Config) (string, error) {
	if cfg.RedirectURL != "" {
		return cfg.RedirectURL, nil
	}
	if e.siteURL == "" {
		return "", errors.Configuration("no redirect url for provider " + cfg.Name + ": set redirect_url or site_url").
			WithDetails(map[string]any{"provider": cfg.Name, "fields": []string{"redirect_url"}})
	}

	path := e.callbackPath
	if strings.Contains(path, "%s") {
		path = fmt.Sprintf(path, cfg.Name)
	}
	return strings.TrimRight(e.siteURL, "/") + "/" + strings.TrimLeft(path, "/"), nil
}

func (e *Engine) oauth2Config(cfg provider.Config, authURL, tokenURL, redirect string) *oauth2.Config {
	var scopes []string
	if cfg.Scope != "" {
		scopes = []string{cfg.Scope}
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   authURL,
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: redirect,
		Scopes:      scopes,
	}
}
