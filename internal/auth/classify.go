package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"adoconnect/internal/api"
)

// ProviderError is an error reported by the identity provider, either in a
// token endpoint response or on the redirect of an authorization request.
type ProviderError struct {
	Code        string
	Description string
	StatusCode  int
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	switch {
	case e.Code != "" && e.Description != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	case e.Code != "":
		return e.Code
	case e.StatusCode != 0:
		return fmt.Sprintf("identity provider returned status %d", e.StatusCode)
	default:
		return "identity provider error"
	}
}

// providerErrorFrom normalizes oauth2 token endpoint errors.
func providerErrorFrom(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		out := &ProviderError{Code: re.ErrorCode, Description: re.ErrorDescription}
		if re.Response != nil {
			out.StatusCode = re.Response.StatusCode
		}
		return out, true
	}
	return nil, false
}

// interactiveCodes are Entra AADSTS codes that only a user can resolve, in
// the order they are matched.
var interactiveCodes = []struct {
	code string
	hint string
}{
	{"AADSTS65001", "consent is required; sign in interactively to grant access"},
	{"AADSTS50076", "multi-factor authentication is required"},
	{"AADSTS50079", "multi-factor authentication enrollment is required"},
	{"AADSTS50058", "no signed-in session was found; check the tenant id and sign in again"},
}

// transientPatterns match connectivity failures that may resolve on retry.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"connection timed out",
	"no such host",
	"network is unreachable",
	"host is unreachable",
	"no route to host",
	"dial tcp",
	"i/o timeout",
	"eof",
	"connection closed",
}

// Classify maps any error raised during authentication to the error taxonomy.
// The result is never nil for a non-nil err.
func Classify(err error) *api.Error {
	if err == nil {
		return nil
	}
	if e, ok := api.AsError(err); ok {
		return e
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		e := api.New(api.KindAuthProvider, "authentication timed out", err)
		e.Reason = api.ReasonTimeout
		e.Recoverable = true
		return e
	case errors.Is(err, context.Canceled):
		e := api.New(api.KindAuthProvider, "authentication was cancelled", err)
		e.Reason = api.ReasonCancelled
		return e
	}

	if pe, ok := providerErrorFrom(err); ok {
		return classifyProviderError(pe, err)
	}

	if isTransient(err) {
		return api.NewNetworkError("could not reach the identity provider", err)
	}

	e := api.New(api.KindAuthProvider, "authentication failed", err)
	e.Reason = api.ReasonProviderError
	return e
}

func classifyProviderError(pe *ProviderError, cause error) *api.Error {
	text := pe.Code + " " + pe.Description

	for _, ic := range interactiveCodes {
		if strings.Contains(text, ic.code) {
			return api.NewInteractiveRequired("interactive sign-in required ("+ic.code+")", ic.hint, cause)
		}
	}

	switch pe.Code {
	case "access_denied", "authorization_declined":
		e := api.New(api.KindAuthProvider, "sign-in was declined", cause)
		e.Reason = api.ReasonCancelled
		return e
	case "expired_token":
		e := api.New(api.KindAuthProvider, "the sign-in code expired before it was used", cause)
		e.Reason = api.ReasonTimeout
		return e
	case "invalid_grant", "invalid_token", "interaction_required", "login_required", "consent_required":
		return api.NewInteractiveRequired("stored sign-in is no longer valid", "sign in again", cause)
	}
	if strings.Contains(strings.ToLower(pe.Description), "expired") {
		return api.NewInteractiveRequired("stored sign-in has expired", "sign in again", cause)
	}

	if pe.StatusCode >= http.StatusInternalServerError {
		return api.NewNetworkError(fmt.Sprintf("identity provider unavailable (status %d)", pe.StatusCode), cause)
	}

	e := api.New(api.KindAuthProvider, "identity provider rejected the request", cause)
	e.Reason = api.ReasonProviderError
	e.Hint = HintForStatus(pe.StatusCode)
	return e
}

func isTransient(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// HintForStatus suggests a remediation for an HTTP status returned by Azure
// DevOps or the identity provider.
func HintForStatus(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "token invalid or expired"
	case http.StatusForbidden:
		return "insufficient scopes"
	default:
		return ""
	}
}
