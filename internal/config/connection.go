package config

import (
	"net/url"
	"strings"
)

// AuthMethod selects how a connection acquires its credential.
type AuthMethod string

const (
	// AuthMethodStatic uses a long-lived personal access token read from the
	// credential store.
	AuthMethodStatic AuthMethod = "static"

	// AuthMethodOAuth uses an interactive Entra ID sign-in.
	AuthMethodOAuth AuthMethod = "oauth"
)

// ParseAuthMethod maps persisted spellings, including the legacy "pat" and
// "entra" aliases, to an AuthMethod. ok is false for unknown values.
func ParseAuthMethod(s string) (AuthMethod, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "static", "pat":
		return AuthMethodStatic, true
	case "oauth", "entra":
		return AuthMethodOAuth, true
	default:
		return "", false
	}
}

// ConnectionConfig describes one Azure DevOps connection. It is treated as
// immutable once normalized; the engines only ever read it.
type ConnectionConfig struct {
	ID            string     `json:"id"`
	Organization  string     `json:"organization"`
	Project       string     `json:"project"`
	Team          string     `json:"team,omitempty"`
	Label         string     `json:"label,omitempty"`
	AuthMethod    AuthMethod `json:"authMethod,omitempty"`
	TenantID      string     `json:"tenantId,omitempty"`
	ClientID      string     `json:"clientId,omitempty"`
	CredentialKey string     `json:"credentialKey,omitempty"`
	BaseURL       string     `json:"baseUrl,omitempty"`
	APIBaseURL    string     `json:"apiBaseUrl,omitempty"`
}

// DisplayName returns the label when set, otherwise organization/project.
func (c ConnectionConfig) DisplayName() string {
	if c.Label != "" {
		return c.Label
	}
	return c.Organization + "/" + c.Project
}

// IsOnPremises reports whether the connection points at a Team Foundation
// Server / Azure DevOps Server host rather than the cloud service.
func (c ConnectionConfig) IsOnPremises() bool {
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Host == "" {
		return false
	}
	return classifyHost(u.Hostname()) == HostOnPremises
}

// Validate checks the fields the connection engine needs before it can build
// a client. It expects a normalized config.
func (c ConnectionConfig) Validate() error {
	var errs ValidationErrors

	errs.Require("id", c.ID)
	errs.Require("organization", c.Organization)
	errs.Require("project", c.Project)
	errs.OneOf("authMethod", string(c.AuthMethod), string(AuthMethodStatic), string(AuthMethodOAuth))
	if c.AuthMethod == AuthMethodStatic && strings.TrimSpace(c.CredentialKey) == "" {
		errs.Add("credentialKey", "is required for static authentication")
	}
	errs.AbsoluteURL("baseUrl", c.BaseURL)
	errs.AbsoluteURL("apiBaseUrl", c.APIBaseURL)

	if errs.HasErrors() {
		return FormatValidationError("connection", c.ID, errs)
	}
	return nil
}
