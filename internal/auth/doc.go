// Package auth obtains credentials for Azure DevOps connections.
//
// An Engine runs exactly one authentication attempt per call, selected by a
// Strategy:
//
//   - check-cached reads the stored personal access token of a static
//     connection, or the cached OAuth token of an OAuth connection, silently
//     redeeming the refresh token when the access token is near expiry
//   - interactive-device-code and interactive-auth-code sign the user in
//     against Microsoft Entra ID
//   - refresh renews a credential without user interaction
//
// The engine never displays anything. Interactive flows hand their user
// code or authorization URL to a Prompter supplied by the caller, and the
// caller decides whether and how to show it.
//
// Failures are classified into the api error taxonomy by Classify, so the
// connection engine can tell retryable network failures from errors that
// only an interactive sign-in can fix.
package auth
