package connection

import (
	"context"
	"time"

	"adoconnect/internal/auth"
	"adoconnect/internal/config"
)

// AuthType tells the client factory how to present the credential.
type AuthType string

const (
	AuthTypePAT    AuthType = "pat"
	AuthTypeBearer AuthType = "bearer"
)

// AuthTypeFor maps an auth method to the credential presentation.
func AuthTypeFor(method config.AuthMethod) AuthType {
	if method == config.AuthMethodOAuth {
		return AuthTypeBearer
	}
	return AuthTypePAT
}

// Client is the opaque API client handle built by a ClientFactory.
type Client interface{}

// Provider is the opaque data-access façade built by a ProviderFactory.
type Provider interface{}

// CredentialUpdater is implemented by clients that can swap their
// credential in place after a refresh.
type CredentialUpdater interface {
	UpdateCredential(credential string)
}

// ClientParams is everything a ClientFactory needs.
type ClientParams struct {
	Organization string
	Project      string
	Credential   string
	BaseURL      string
	APIBaseURL   string
	AuthType     AuthType
}

// Authenticator runs one authentication attempt.
type Authenticator interface {
	Authenticate(ctx context.Context, attempt auth.Attempt, prompter auth.Prompter) auth.Result
}

// ClientFactory builds an API client.
type ClientFactory interface {
	CreateClient(ctx context.Context, params ClientParams) (Client, error)
}

// ProviderFactory wraps a client in a data-access façade.
type ProviderFactory interface {
	CreateProvider(ctx context.Context, client Client, cfg config.ConnectionConfig) (Provider, error)
}

// RefreshScheduler is the part of the refresh scheduler the engine drives.
type RefreshScheduler interface {
	Schedule(connectionID string, expiresAt time.Time)
	Cancel(connectionID string)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, attempt auth.Attempt, prompter auth.Prompter) auth.Result

// Authenticate implements Authenticator.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, attempt auth.Attempt, prompter auth.Prompter) auth.Result {
	return f(ctx, attempt, prompter)
}

// ClientFactoryFunc adapts a function to ClientFactory.
type ClientFactoryFunc func(ctx context.Context, params ClientParams) (Client, error)

// CreateClient implements ClientFactory.
func (f ClientFactoryFunc) CreateClient(ctx context.Context, params ClientParams) (Client, error) {
	return f(ctx, params)
}

// ProviderFactoryFunc adapts a function to ProviderFactory.
type ProviderFactoryFunc func(ctx context.Context, client Client, cfg config.ConnectionConfig) (Provider, error)

// CreateProvider implements ProviderFactory.
func (f ProviderFactoryFunc) CreateProvider(ctx context.Context, client Client, cfg config.ConnectionConfig) (Provider, error) {
	return f(ctx, client, cfg)
}

type noopScheduler struct{}

func (noopScheduler) Schedule(string, time.Time) {}
func (noopScheduler) Cancel(string)              {}
