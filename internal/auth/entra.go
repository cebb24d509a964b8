package auth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"adoconnect/internal/config"
	"adoconnect/pkg/logging"
	"adoconnect/pkg/oauth"
)

// DeviceCodeFlow runs the OAuth device-code grant. present is called once
// the user code is known, before polling starts.
type DeviceCodeFlow interface {
	RunDeviceCode(ctx context.Context, cfg Config, present func(DeviceCodeSession)) (*oauth2.Token, error)
}

// AuthCodeFlow runs the OAuth authorization-code grant with PKCE. present is
// called with the authorization URL the user must open.
type AuthCodeFlow interface {
	RunAuthCode(ctx context.Context, cfg Config, present func(authURL string)) (*oauth2.Token, error)
}

// TokenRefresher redeems a refresh token.
type TokenRefresher interface {
	Refresh(ctx context.Context, cfg Config, refreshToken string) (*oauth2.Token, error)
}

// EntraProvider implements all three OAuth flows against Microsoft Entra ID.
type EntraProvider struct {
	// TenantID and ClientID apply when the connection does not set its own.
	TenantID string
	ClientID string

	// CallbackPort is the loopback port for the authorization-code redirect.
	// Zero picks a free port.
	CallbackPort int

	// Endpoint overrides the Entra endpoints derived from the tenant.
	Endpoint *oauth2.Endpoint

	// HTTPClient is used for all token endpoint calls when set.
	HTTPClient *http.Client
}

// NewEntraProvider builds a provider from the oauth section of the
// application config.
func NewEntraProvider(cfg config.OAuthConfig) *EntraProvider {
	return &EntraProvider{
		TenantID:     cfg.TenantID,
		ClientID:     cfg.ClientID,
		CallbackPort: cfg.CallbackPort,
	}
}

func (p *EntraProvider) oauthConfig(cfg Config, redirectURL string) *oauth2.Config {
	tenant := firstNonEmpty(cfg.TenantID, p.TenantID, config.DefaultEntraTenant)
	clientID := firstNonEmpty(cfg.ClientID, p.ClientID, config.DefaultEntraClientID)

	endpoint := microsoft.AzureADEndpoint(tenant)
	if p.Endpoint != nil {
		endpoint = *p.Endpoint
	}

	return &oauth2.Config{
		ClientID:    clientID,
		Endpoint:    endpoint,
		RedirectURL: redirectURL,
		Scopes:      []string{AzureDevOpsScope, OfflineAccessScope},
	}
}

func (p *EntraProvider) withHTTPClient(ctx context.Context) context.Context {
	if p.HTTPClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, p.HTTPClient)
}

// RunDeviceCode implements DeviceCodeFlow.
func (p *EntraProvider) RunDeviceCode(ctx context.Context, cfg Config, present func(DeviceCodeSession)) (*oauth2.Token, error) {
	ctx = p.withHTTPClient(ctx)
	conf := p.oauthConfig(cfg, "")

	started := time.Now()
	da, err := conf.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("requesting device code: %w", err)
	}

	session := DeviceCodeSession{
		UserCode:                da.UserCode,
		VerificationURI:         firstNonEmpty(da.VerificationURI, DefaultVerificationURI),
		VerificationURIComplete: da.VerificationURIComplete,
		ExpiresInSeconds:        DefaultDeviceCodeExpires,
		StartedAt:               started,
	}
	if !da.Expiry.IsZero() {
		if secs := int(math.Round(da.Expiry.Sub(started).Seconds())); secs > 0 {
			session.ExpiresInSeconds = secs
		}
	}

	logging.Info("EntraAuth", "Device code issued for connection %s, expires in %ds", cfg.ConnectionID, session.ExpiresInSeconds)
	if present != nil {
		present(session)
	}

	tok, err := conf.DeviceAccessToken(ctx, da)
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// RunAuthCode implements AuthCodeFlow.
func (p *EntraProvider) RunAuthCode(ctx context.Context, cfg Config, present func(authURL string)) (*oauth2.Token, error) {
	ctx = p.withHTTPClient(ctx)

	server := NewCallbackServer(p.CallbackPort)
	redirectURI, err := server.Start(ctx)
	if err != nil {
		return nil, err
	}
	defer server.Stop()

	conf := p.oauthConfig(cfg, redirectURI)
	pkce := oauth.GeneratePKCE()
	state, err := oauth.GenerateState()
	if err != nil {
		return nil, err
	}

	authURL := conf.AuthCodeURL(state, pkce.AuthCodeOptions()...)
	logging.Info("EntraAuth", "Waiting for authorization redirect on %s for connection %s", redirectURI, cfg.ConnectionID)
	if present != nil {
		present(authURL)
	}

	result, err := server.WaitForCallback(ctx)
	if err != nil {
		return nil, err
	}
	if result.IsError() {
		return nil, &ProviderError{Code: result.Error, Description: result.ErrorDescription}
	}
	if result.State != state {
		return nil, &ProviderError{Code: "invalid_state", Description: "authorization response state does not match the request"}
	}
	if result.Code == "" {
		return nil, errors.New("authorization response did not include a code")
	}

	return conf.Exchange(ctx, result.Code, pkce.ExchangeOptions()...)
}

// Refresh implements TokenRefresher.
func (p *EntraProvider) Refresh(ctx context.Context, cfg Config, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, &ProviderError{Code: "invalid_grant", Description: "no refresh token available"}
	}
	ctx = p.withHTTPClient(ctx)
	conf := p.oauthConfig(cfg, "")
	return conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
