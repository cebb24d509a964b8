// Package oauth provides shared OAuth 2.0 types and helpers used by the
// authentication engine and the CLI.
//
// # Core Components
//
//   - Token: OAuth token representation with margin-aware expiry checks
//   - PKCEChallenge: Proof Key for Code Exchange (RFC 7636) built on
//     golang.org/x/oauth2's verifier helpers
//   - GenerateState: CSRF state for authorization requests
//   - LooksLikeJWT: shape check applied to access tokens before use
//
// Storage and UI handling live in the callers; this package has no side
// effects.
package oauth
