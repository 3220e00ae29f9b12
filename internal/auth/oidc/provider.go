// Package oidc signs operators into the catalog through an OpenID Connect
// identity provider. Group claims are mapped to catalog roles.
package oidc

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/wpdepot/wpdepot/internal/config"
)

// Identity is what the catalog keeps from a verified ID token
type Identity struct {
	Sub    string
	Email  string
	Name   string
	Groups []string
}

// OIDCProvider wraps the discovered provider and its OAuth2 client
type OIDCProvider struct {
	verifier   *oidc.IDTokenVerifier
	config     *oauth2.Config
	provider   *oidc.Provider
	groupClaim string
}

// NewOIDCProvider runs discovery against cfg.Issuer(). ctx bounds the
// discovery request.
func NewOIDCProvider(ctx context.Context, cfg *config.OIDCConfig) (*OIDCProvider, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("OIDC is not enabled")
	}
	issuer := cfg.Issuer()
	if issuer == "" {
		return nil, fmt.Errorf("OIDC issuer URL is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("OIDC client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("OIDC client secret is required")
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	return &OIDCProvider{
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       scopes,
		},
		provider:   provider,
		groupClaim: cfg.GroupClaimName,
	}, nil
}

// GetAuthURL returns the authorization URL carrying state
func (p *OIDCProvider) GetAuthURL(state string) string {
	return p.config.AuthCodeURL(state)
}

// EndSessionURL returns the provider's end_session_endpoint, or "" when the
// discovery document has none.
func (p *OIDCProvider) EndSessionURL() string {
	if p.provider == nil {
		return ""
	}
	var claims struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := p.provider.Claims(&claims); err != nil {
		return ""
	}
	return claims.EndSessionEndpoint
}

// Authenticate exchanges an authorization code, verifies the returned ID
// token and extracts the operator identity.
func (p *OIDCProvider) Authenticate(ctx context.Context, code string) (*Identity, error) {
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code for token: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("token response has no id_token")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	var raw map[string]interface{}
	if err := idToken.Claims(&raw); err != nil {
		return nil, fmt.Errorf("failed to parse ID token claims: %w", err)
	}
	return identityFromClaims(raw, p.groupClaim)
}

func identityFromClaims(raw map[string]interface{}, groupClaim string) (*Identity, error) {
	str := func(k string) string {
		s, _ := raw[k].(string)
		return s
	}

	id := &Identity{
		Sub:    str("sub"),
		Email:  str("email"),
		Name:   str("name"),
		Groups: groupsFromClaims(raw, groupClaim),
	}
	if id.Sub == "" {
		return nil, fmt.Errorf("ID token missing 'sub' claim")
	}
	if id.Email == "" {
		return nil, fmt.Errorf("ID token missing 'email' claim")
	}
	if id.Name == "" {
		id.Name = id.Email
	}
	return id, nil
}

// groupsFromClaims reads claimName ("groups", "roles", "memberOf" depending on
// the IdP) as a list of strings. A missing or malformed claim yields nil.
func groupsFromClaims(raw map[string]interface{}, claimName string) []string {
	if claimName == "" {
		return nil
	}
	switch v := raw[claimName].(type) {
	case []interface{}:
		groups := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				groups = append(groups, s)
			}
		}
		return groups
	case []string:
		return v
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

// ResolveRole maps IdP groups to a catalog role. Mappings are checked in
// order and the first match wins; otherwise the configured default applies.
func ResolveRole(cfg *config.OIDCConfig, groups []string) string {
	member := make(map[string]bool, len(groups))
	for _, g := range groups {
		member[g] = true
	}
	for _, m := range cfg.RoleMappings {
		if member[m.Group] {
			return m.Role
		}
	}
	return cfg.DefaultRole
}
