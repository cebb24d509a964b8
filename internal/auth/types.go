package auth

import (
	"strings"
	"time"

	"adoconnect/internal/api"
	"adoconnect/internal/config"
)

// Azure DevOps resource scopes requested from Entra ID.
const (
	AzureDevOpsScope   = "499b84ac-1321-427f-aa17-267ca6975798/.default"
	OfflineAccessScope = "offline_access"
)

// Device-code defaults applied when the identity provider omits them.
const (
	DefaultVerificationURI   = "https://microsoft.com/devicelogin"
	DefaultDeviceCodeExpires = 900 // seconds
)

// MinStaticCredentialLength is the shortest personal access token accepted.
const MinStaticCredentialLength = 10

// Strategy selects how a single authentication attempt obtains a credential.
type Strategy string

const (
	// StrategyCheckCached reads a stored credential: the PAT for static
	// connections, the cached OAuth token (refreshed silently if needed) for
	// OAuth connections.
	StrategyCheckCached Strategy = "check-cached"

	// StrategyDeviceCode runs the OAuth device-code flow.
	StrategyDeviceCode Strategy = "interactive-device-code"

	// StrategyAuthCode runs the OAuth authorization-code flow with a local
	// redirect listener.
	StrategyAuthCode Strategy = "interactive-auth-code"

	// StrategyRefresh renews an existing credential without user interaction.
	StrategyRefresh Strategy = "refresh"
)

// IsInteractive reports whether the strategy needs the user.
func (s Strategy) IsInteractive() bool {
	return s == StrategyDeviceCode || s == StrategyAuthCode
}

// StrategyForFlow maps the configured OAuth flow to its interactive strategy.
func StrategyForFlow(flow config.OAuthFlow) Strategy {
	if flow == config.OAuthFlowDeviceCode {
		return StrategyDeviceCode
	}
	return StrategyAuthCode
}

// Config is the subset of a connection the authentication engine needs.
type Config struct {
	ConnectionID  string
	Method        config.AuthMethod
	Organization  string
	Project       string
	CredentialKey string
	TenantID      string
	ClientID      string
}

// ConfigFromConnection extracts the auth-relevant fields of a connection.
func ConfigFromConnection(c config.ConnectionConfig) Config {
	return Config{
		ConnectionID:  c.ID,
		Method:        c.AuthMethod,
		Organization:  c.Organization,
		Project:       c.Project,
		CredentialKey: c.CredentialKey,
		TenantID:      c.TenantID,
		ClientID:      c.ClientID,
	}
}

// Validate fails fast when fields required by the chosen method are missing.
// OAuth needs nothing beyond the connection id: tenant and client id fall
// back to the well-known Azure DevOps values.
func (c Config) Validate() *api.Error {
	var errs config.ValidationErrors

	if strings.TrimSpace(c.ConnectionID) == "" {
		errs.Add("connectionId", "is required")
	}
	switch c.Method {
	case config.AuthMethodStatic:
		if strings.TrimSpace(c.CredentialKey) == "" {
			errs.Add("credentialKey", "is required for static authentication")
		}
	case config.AuthMethodOAuth:
	default:
		errs.Add("authMethod", "must be one of: static, oauth", c.Method)
	}

	if errs.HasErrors() {
		return api.NewConfigInvalid("invalid authentication configuration", errs)
	}
	return nil
}

// Attempt is one authentication call. It exists only for the duration of
// Engine.Authenticate.
type Attempt struct {
	Config   Config
	Strategy Strategy

	// Timeout bounds the whole attempt. Zero means no extra bound beyond the
	// caller's context.
	Timeout time.Duration
}

// Result is the outcome of an authentication attempt.
type Result struct {
	Success    bool
	Credential string

	// ExpiresAt is zero for credentials without a known expiry (static PATs).
	ExpiresAt time.Time

	Strategy Strategy
	Err      *api.Error

	// RequiresInteractive is set when only an interactive sign-in can
	// produce a credential. The caller decides whether to start one.
	RequiresInteractive bool
}

// HasExpiry reports whether the credential carries an expiry.
func (r Result) HasExpiry() bool {
	return !r.ExpiresAt.IsZero()
}

func failure(strategy Strategy, err *api.Error) Result {
	return Result{
		Strategy:            strategy,
		Err:                 err,
		RequiresInteractive: err != nil && err.RequiresInteractive,
	}
}

// DeviceCodeSession is the information a user needs to complete a
// device-code sign-in. The engine hands it to the caller for presentation
// and never displays it itself.
type DeviceCodeSession struct {
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	ExpiresInSeconds        int
	StartedAt               time.Time
}

// ExpiresAt is when the user code stops being accepted.
func (s DeviceCodeSession) ExpiresAt() time.Time {
	return s.StartedAt.Add(time.Duration(s.ExpiresInSeconds) * time.Second)
}

// Prompter receives interactive flow information for presentation. It is
// only ever told things; it never decides anything. Implementations must
// not block.
type Prompter interface {
	PresentDeviceCode(connectionID string, session DeviceCodeSession)
	PresentAuthURL(connectionID string, authURL string)
}

// PrompterFuncs adapts plain functions to Prompter. Nil fields are ignored.
type PrompterFuncs struct {
	DeviceCode func(connectionID string, session DeviceCodeSession)
	AuthURL    func(connectionID string, authURL string)
}

// PresentDeviceCode implements Prompter.
func (p PrompterFuncs) PresentDeviceCode(connectionID string, session DeviceCodeSession) {
	if p.DeviceCode != nil {
		p.DeviceCode(connectionID, session)
	}
}

// PresentAuthURL implements Prompter.
func (p PrompterFuncs) PresentAuthURL(connectionID string, authURL string) {
	if p.AuthURL != nil {
		p.AuthURL(connectionID, authURL)
	}
}
