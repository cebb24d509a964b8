package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"adoconnect/internal/api"
	"adoconnect/internal/config"
	"adoconnect/internal/credentials"
	"adoconnect/pkg/logging"
	"adoconnect/pkg/oauth"
)

// TokenCacheKeyPrefix prefixes the credential store key of a connection's
// cached OAuth token.
const TokenCacheKeyPrefix = "adoconnect.oauth."

// TokenCacheKey returns the credential store key of the cached OAuth token
// for connectionID.
func TokenCacheKey(connectionID string) string {
	return TokenCacheKeyPrefix + connectionID
}

// Engine performs one authentication attempt per call. It keeps no state
// between calls other than the tokens it caches in the credential store.
type Engine struct {
	store     credentials.Store
	device    DeviceCodeFlow
	authCode  AuthCodeFlow
	refresher TokenRefresher
	clock     clock.PassiveClock

	refreshes singleflight.Group
}

// Option configures an Engine.
type Option func(*Engine)

// WithDeviceCodeFlow replaces the device-code implementation.
func WithDeviceCodeFlow(f DeviceCodeFlow) Option {
	return func(e *Engine) { e.device = f }
}

// WithAuthCodeFlow replaces the authorization-code implementation.
func WithAuthCodeFlow(f AuthCodeFlow) Option {
	return func(e *Engine) { e.authCode = f }
}

// WithTokenRefresher replaces the refresh-token implementation.
func WithTokenRefresher(r TokenRefresher) Option {
	return func(e *Engine) { e.refresher = r }
}

// WithProvider uses p for every OAuth flow.
func WithProvider(p *EntraProvider) Option {
	return func(e *Engine) {
		e.device = p
		e.authCode = p
		e.refresher = p
	}
}

// WithClock sets the clock used for cache validity checks.
func WithClock(c clock.PassiveClock) Option {
	return func(e *Engine) { e.clock = c }
}

// NewEngine creates an authentication engine backed by store. Without
// options the OAuth flows talk to Entra ID with the default tenant and
// client id.
func NewEngine(store credentials.Store, opts ...Option) *Engine {
	entra := &EntraProvider{}
	e := &Engine{
		store:     store,
		device:    entra,
		authCode:  entra,
		refresher: entra,
		clock:     clock.RealClock{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Authenticate runs attempt and reports the outcome. It never returns an
// error; failures are carried in Result.Err. prompter may be nil for
// non-interactive strategies.
func (e *Engine) Authenticate(ctx context.Context, attempt Attempt, prompter Prompter) Result {
	cfg := attempt.Config
	if err := cfg.Validate(); err != nil {
		return failure(attempt.Strategy, err)
	}

	if attempt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, attempt.Timeout)
		defer cancel()
	}
	if prompter == nil {
		prompter = PrompterFuncs{}
	}

	logging.Debug("AuthEngine", "Authenticating connection %s with strategy %s", cfg.ConnectionID, attempt.Strategy)

	switch cfg.Method {
	case config.AuthMethodStatic:
		if attempt.Strategy.IsInteractive() {
			return failure(attempt.Strategy, api.NewConfigInvalid(
				fmt.Sprintf("strategy %s is not available for static credentials", attempt.Strategy), nil))
		}
		return e.authenticateStatic(ctx, cfg, attempt.Strategy)
	default:
		return e.authenticateOAuth(ctx, cfg, attempt.Strategy, prompter)
	}
}

func (e *Engine) authenticateStatic(ctx context.Context, cfg Config, strategy Strategy) Result {
	value, err := e.store.Get(ctx, cfg.CredentialKey)
	if errors.Is(err, credentials.ErrNotFound) {
		return failure(strategy, api.NewCredentialMissing(cfg.CredentialKey))
	}
	if err != nil {
		apiErr := api.New(api.KindCredentialMissing, "could not read the credential store", err)
		apiErr.Recoverable = true
		return failure(strategy, apiErr)
	}

	value = strings.TrimSpace(value)
	if len(value) < MinStaticCredentialLength {
		return failure(strategy, api.NewCredentialMalformed(
			fmt.Sprintf("stored credential is shorter than %d characters", MinStaticCredentialLength)))
	}

	return Result{
		Success:    true,
		Credential: value,
		Strategy:   strategy,
	}
}

func (e *Engine) authenticateOAuth(ctx context.Context, cfg Config, strategy Strategy, prompter Prompter) Result {
	switch strategy {
	case StrategyCheckCached:
		return e.checkCached(ctx, cfg)

	case StrategyRefresh:
		cached, err := e.loadToken(ctx, cfg.ConnectionID)
		if err != nil {
			return failure(strategy, Classify(err))
		}
		if cached == nil || cached.RefreshToken == "" {
			return failure(strategy, api.NewInteractiveRequired("no refresh token is cached", "sign in again", nil))
		}
		return e.refresh(ctx, cfg, cached.RefreshToken, strategy)

	case StrategyDeviceCode:
		tok, err := e.device.RunDeviceCode(ctx, cfg, func(s DeviceCodeSession) {
			prompter.PresentDeviceCode(cfg.ConnectionID, s)
		})
		return e.completeInteractive(ctx, cfg, strategy, tok, err)

	case StrategyAuthCode:
		tok, err := e.authCode.RunAuthCode(ctx, cfg, func(u string) {
			prompter.PresentAuthURL(cfg.ConnectionID, u)
		})
		return e.completeInteractive(ctx, cfg, strategy, tok, err)

	default:
		return failure(strategy, api.NewConfigInvalid(fmt.Sprintf("unknown strategy %q", strategy), nil))
	}
}

func (e *Engine) checkCached(ctx context.Context, cfg Config) Result {
	cached, err := e.loadToken(ctx, cfg.ConnectionID)
	if err != nil {
		logging.Warn("AuthEngine", "Ignoring unreadable token cache for connection %s: %v", cfg.ConnectionID, err)
		cached = nil
	}

	if cached != nil && oauth.LooksLikeJWT(cached.AccessToken) &&
		!cached.IsExpiredAt(e.clock.Now(), oauth.ValidityBuffer) {
		return Result{
			Success:    true,
			Credential: cached.AccessToken,
			ExpiresAt:  cached.ExpiresAt,
			Strategy:   StrategyCheckCached,
		}
	}

	if cached != nil && cached.RefreshToken != "" {
		res := e.refresh(ctx, cfg, cached.RefreshToken, StrategyCheckCached)
		if res.RequiresInteractive {
			logging.Info("AuthEngine", "Cached sign-in for connection %s can no longer be refreshed", cfg.ConnectionID)
		}
		return res
	}

	return failure(StrategyCheckCached, api.NewInteractiveRequired("no cached sign-in", "sign in interactively", nil))
}

func (e *Engine) refresh(ctx context.Context, cfg Config, refreshToken string, strategy Strategy) Result {
	v, err, shared := e.refreshes.Do(cfg.ConnectionID, func() (interface{}, error) {
		tok, err := e.refresher.Refresh(ctx, cfg, refreshToken)
		if err != nil {
			return nil, err
		}
		if err := checkAccessToken(tok); err != nil {
			return nil, err
		}
		stored := e.storeToken(ctx, cfg.ConnectionID, tok, refreshToken)
		return stored, nil
	})
	if shared {
		logging.Debug("AuthEngine", "Joined in-flight refresh for connection %s", cfg.ConnectionID)
	}
	if err != nil {
		return failure(strategy, Classify(err))
	}

	tok := v.(*oauth.Token)
	return Result{
		Success:    true,
		Credential: tok.AccessToken,
		ExpiresAt:  tok.ExpiresAt,
		Strategy:   strategy,
	}
}

func (e *Engine) completeInteractive(ctx context.Context, cfg Config, strategy Strategy, tok *oauth2.Token, err error) Result {
	if err != nil {
		return failure(strategy, Classify(err))
	}
	if err := checkAccessToken(tok); err != nil {
		return failure(strategy, err)
	}

	stored := e.storeToken(ctx, cfg.ConnectionID, tok, "")
	logging.Audit("oauth_sign_in",
		slog.String("connection", cfg.ConnectionID),
		slog.String("strategy", string(strategy)),
	)
	return Result{
		Success:    true,
		Credential: stored.AccessToken,
		ExpiresAt:  stored.ExpiresAt,
		Strategy:   strategy,
	}
}

// checkAccessToken rejects token responses that cannot be used as a bearer
// credential. Rejected tokens are never cached.
func checkAccessToken(tok *oauth2.Token) *api.Error {
	if tok == nil || tok.AccessToken == "" {
		return api.New(api.KindAuthProvider, "identity provider returned no access token", nil)
	}
	if !oauth.LooksLikeJWT(tok.AccessToken) {
		return api.NewCredentialMalformed("identity provider returned an access token that is not a JWT")
	}
	return nil
}

// storeToken caches tok for connectionID. A failed write is logged and the
// token is still returned: it stays usable for this session.
func (e *Engine) storeToken(ctx context.Context, connectionID string, tok *oauth2.Token, previousRefresh string) *oauth.Token {
	stored := oauth.FromOAuth2Token(tok)
	if stored.RefreshToken == "" {
		stored.RefreshToken = previousRefresh
	}

	data, err := json.Marshal(stored)
	if err == nil {
		err = e.store.Set(ctx, TokenCacheKey(connectionID), string(data))
	}
	if err != nil {
		logging.Warn("AuthEngine", "Failed to cache token for connection %s: %v", connectionID, err)
	}
	return stored
}

func (e *Engine) loadToken(ctx context.Context, connectionID string) (*oauth.Token, error) {
	raw, err := e.store.Get(ctx, TokenCacheKey(connectionID))
	if errors.Is(err, credentials.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var tok oauth.Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return nil, fmt.Errorf("cached token for %s is corrupt: %w", connectionID, err)
	}
	return &tok, nil
}

// CachedToken returns the cached OAuth token of connectionID, or nil when
// none is cached.
func (e *Engine) CachedToken(ctx context.Context, connectionID string) (*oauth.Token, error) {
	return e.loadToken(ctx, connectionID)
}

// Forget removes the cached OAuth token of connectionID.
func (e *Engine) Forget(ctx context.Context, connectionID string) error {
	return e.store.Delete(ctx, TokenCacheKey(connectionID))
}
