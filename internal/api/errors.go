package api

import (
	"errors"
	"fmt"
)

// Kind classifies failures surfaced by the connection lifecycle.
// The kind decides whether a failure is retryable by default and which exit
// code the CLI reports.
type Kind string

const (
	// KindConfigInvalid means required configuration fields are missing or
	// malformed. Never retryable; the caller has to fix the configuration.
	KindConfigInvalid Kind = "config_invalid"

	// KindCredentialMissing means no credential is stored for the connection.
	// Not retryable without user action.
	KindCredentialMissing Kind = "credential_missing"

	// KindCredentialMalformed means a credential exists but fails format
	// validation. Not retryable.
	KindCredentialMalformed Kind = "credential_malformed"

	// KindAuthProvider is an identity provider failure. It is retryable or
	// requires interactive authentication depending on the provider error code.
	KindAuthProvider Kind = "auth_provider_error"

	// KindClientConstruction is a failure building the API client. Retryable.
	KindClientConstruction Kind = "client_construction_failed"

	// KindProviderConstruction is a failure building the data provider. Retryable.
	KindProviderConstruction Kind = "provider_construction_failed"

	// KindNetwork is a transport level failure. Retryable.
	KindNetwork Kind = "network_error"

	// KindRefreshFailed is a failed token refresh. Retryable with backoff for
	// static credentials; OAuth connections escalate to interactive auth.
	KindRefreshFailed Kind = "refresh_failed"
)

// Retryable reports the default recoverability of a kind.
func (k Kind) Retryable() bool {
	switch k {
	case KindClientConstruction, KindProviderConstruction, KindNetwork, KindRefreshFailed:
		return true
	default:
		return false
	}
}

// Reason further explains a failed interactive flow so callers can offer
// the right recovery.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonCancelled     Reason = "cancelled"
	ReasonProviderError Reason = "provider_error"
	ReasonTimeout       Reason = "timeout"
)

// Error is the structured error produced by the authentication and
// connection engines. It is never thrown across the engine boundary; it is
// carried inside results and notifications.
type Error struct {
	// Kind is the taxonomy bucket of the failure.
	Kind Kind

	// Stage names the lifecycle state in which the failure happened, when known.
	Stage string

	// Message is the human readable description.
	Message string

	// Hint is an optional remediation suggestion ("check the tenant id").
	Hint string

	// Reason is set for interactive flow failures.
	Reason Reason

	// Recoverable tells callers whether a plain retry may succeed.
	Recoverable bool

	// RequiresInteractive tells callers that only an interactive sign-in
	// can resolve the failure.
	RequiresInteractive bool

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithStage returns a copy of e tagged with the given lifecycle stage.
func (e *Error) WithStage(stage string) *Error {
	c := *e
	c.Stage = stage
	return &c
}

// New creates an Error whose recoverability follows the kind's default.
//
// Args:
//   - kind: taxonomy bucket
//   - message: human readable description
//   - err: optional underlying cause
//
// Returns:
//   - *Error: the structured error
func New(kind Kind, message string, err error) *Error {
	return &Error{
		Kind:        kind,
		Message:     message,
		Recoverable: kind.Retryable(),
		Err:         err,
	}
}

// NewConfigInvalid creates a KindConfigInvalid error.
func NewConfigInvalid(message string, err error) *Error {
	return New(KindConfigInvalid, message, err)
}

// NewCredentialMissing reports that no credential exists under key.
func NewCredentialMissing(key string) *Error {
	return New(KindCredentialMissing, fmt.Sprintf("credential not found for key %q", key), nil)
}

// NewCredentialMalformed reports a credential that failed format validation.
func NewCredentialMalformed(message string) *Error {
	return New(KindCredentialMalformed, message, nil)
}

// NewNetworkError wraps a transport failure.
func NewNetworkError(message string, err error) *Error {
	return New(KindNetwork, message, err)
}

// NewInteractiveRequired creates an identity provider error that only an
// interactive sign-in can resolve.
func NewInteractiveRequired(message, hint string, err error) *Error {
	e := New(KindAuthProvider, message, err)
	e.Hint = hint
	e.RequiresInteractive = true
	e.Recoverable = false
	return e
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Wrap returns err as an *Error, classifying foreign errors under kind.
// A nil err yields nil.
func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}
	if e, ok := AsError(err); ok {
		return e
	}
	return New(kind, message, err)
}

// KindOf returns the Kind of err or the empty Kind for foreign errors.
func KindOf(err error) Kind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return ""
}

// IsRecoverable reports whether err is marked recoverable.
func IsRecoverable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Recoverable
	}
	return false
}

// RequiresInteractive reports whether err can only be resolved interactively.
func RequiresInteractive(err error) bool {
	if e, ok := AsError(err); ok {
		return e.RequiresInteractive
	}
	return false
}

// NotFoundError represents a resource not found error with contextual information.
type NotFoundError struct {
	// ResourceType categorizes the type of resource that was not found
	// (e.g., "connection", "credential")
	ResourceType string

	// ResourceName is the specific identifier of the resource that was not found
	ResourceName string

	// Message provides a custom error message if the default format is insufficient
	Message string
}

// Error implements the error interface for NotFoundError.
func (e *NotFoundError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s %s not found", e.ResourceType, e.ResourceName)
}

// IsNotFound checks if an error is a NotFoundError using error unwrapping.
//
// Example:
//
//	if res := sup.Retry(id); api.IsNotFound(res.Err) {
//	    // unknown connection id
//	}
func IsNotFound(err error) bool {
	var notFoundErr *NotFoundError
	return errors.As(err, &notFoundErr)
}

// NewNotFoundError creates a new NotFoundError with the specified resource type and name.
func NewNotFoundError(resourceType, resourceName string) *NotFoundError {
	return &NotFoundError{
		ResourceType: resourceType,
		ResourceName: resourceName,
	}
}

// NewConnectionNotFoundError creates a connection not found error.
func NewConnectionNotFoundError(id string) *NotFoundError {
	return NewNotFoundError("connection", id)
}
