// Package api defines the error types shared by every layer of adoconnect.
//
// The connection and authentication engines never panic or return bare
// errors across their public boundary. Failures are reported as *Error
// values carrying a Kind from a small taxonomy:
//
//   - KindConfigInvalid: missing required fields, not retryable
//   - KindCredentialMissing / KindCredentialMalformed: user action required
//   - KindAuthProvider: retryable or interactive depending on provider code
//   - KindClientConstruction / KindProviderConstruction / KindNetwork: retryable
//   - KindRefreshFailed: retried with backoff for static credentials
//
// Lookups of unknown connection ids produce a *NotFoundError, checked with
// IsNotFound.
package api
