package auth

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	testingclock "k8s.io/utils/clock/testing"

	"adoconnect/internal/api"
	"adoconnect/internal/config"
	"adoconnect/internal/credentials"
	"adoconnect/pkg/oauth"
)

const testJWT = "eyJhbGciOiJub25lIn0.eyJzdWIiOiJ0ZXN0In0.c2ln"

type fakeFlows struct {
	deviceToken  *oauth2.Token
	deviceErr    error
	session      DeviceCodeSession
	authToken    *oauth2.Token
	authErr      error
	authURL      string
	refreshToken *oauth2.Token
	refreshErr   error
	// blockDevice makes RunDeviceCode wait for its context to end.
	blockDevice bool

	refreshCalls []string
	deviceCalls  int
	authCalls    int
}

func (f *fakeFlows) RunDeviceCode(ctx context.Context, _ Config, present func(DeviceCodeSession)) (*oauth2.Token, error) {
	f.deviceCalls++
	present(f.session)
	if f.blockDevice {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.deviceToken, f.deviceErr
}

func (f *fakeFlows) RunAuthCode(_ context.Context, _ Config, present func(string)) (*oauth2.Token, error) {
	f.authCalls++
	present(f.authURL)
	return f.authToken, f.authErr
}

func (f *fakeFlows) Refresh(_ context.Context, _ Config, refreshToken string) (*oauth2.Token, error) {
	f.refreshCalls = append(f.refreshCalls, refreshToken)
	return f.refreshToken, f.refreshErr
}

type recordingPrompter struct {
	sessions []DeviceCodeSession
	urls     []string
}

func (p *recordingPrompter) PresentDeviceCode(_ string, s DeviceCodeSession) {
	p.sessions = append(p.sessions, s)
}

func (p *recordingPrompter) PresentAuthURL(_ string, u string) {
	p.urls = append(p.urls, u)
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, flows *fakeFlows) (*Engine, credentials.Store) {
	t.Helper()
	store := credentials.NewMemoryStore()
	engine := NewEngine(store,
		WithDeviceCodeFlow(flows),
		WithAuthCodeFlow(flows),
		WithTokenRefresher(flows),
		WithClock(testingclock.NewFakePassiveClock(testNow)),
	)
	return engine, store
}

func staticConfig() Config {
	return Config{
		ConnectionID:  "c1",
		Method:        config.AuthMethodStatic,
		Organization:  "contoso",
		CredentialKey: "adoconnect.pat.c1",
	}
}

func oauthConfig() Config {
	return Config{
		ConnectionID: "c2",
		Method:       config.AuthMethodOAuth,
		Organization: "contoso",
	}
}

func cacheToken(t *testing.T, store credentials.Store, id string, tok oauth.Token) {
	t.Helper()
	data, err := json.Marshal(tok)
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), TokenCacheKey(id), string(data)))
}

func TestAuthenticate_Static(t *testing.T) {
	ctx := context.Background()

	t.Run("stored token is returned trimmed", func(t *testing.T) {
		engine, store := newTestEngine(t, &fakeFlows{})
		require.NoError(t, store.Set(ctx, "adoconnect.pat.c1", "  abcdefghijklmnop \n"))

		res := engine.Authenticate(ctx, Attempt{Config: staticConfig(), Strategy: StrategyCheckCached}, nil)
		require.True(t, res.Success)
		assert.Equal(t, "abcdefghijklmnop", res.Credential)
		assert.False(t, res.HasExpiry())
		assert.Nil(t, res.Err)
	})

	t.Run("missing credential", func(t *testing.T) {
		engine, _ := newTestEngine(t, &fakeFlows{})

		res := engine.Authenticate(ctx, Attempt{Config: staticConfig(), Strategy: StrategyCheckCached}, nil)
		require.False(t, res.Success)
		require.NotNil(t, res.Err)
		assert.Equal(t, api.KindCredentialMissing, res.Err.Kind)
		assert.Contains(t, res.Err.Message, "credential not found for key")
		assert.False(t, res.Err.Recoverable)
	})

	t.Run("short credential is malformed", func(t *testing.T) {
		engine, store := newTestEngine(t, &fakeFlows{})
		require.NoError(t, store.Set(ctx, "adoconnect.pat.c1", "short"))

		res := engine.Authenticate(ctx, Attempt{Config: staticConfig(), Strategy: StrategyCheckCached}, nil)
		require.NotNil(t, res.Err)
		assert.Equal(t, api.KindCredentialMalformed, res.Err.Kind)
	})

	t.Run("interactive strategy is rejected", func(t *testing.T) {
		engine, _ := newTestEngine(t, &fakeFlows{})

		res := engine.Authenticate(ctx, Attempt{Config: staticConfig(), Strategy: StrategyDeviceCode}, nil)
		require.NotNil(t, res.Err)
		assert.Equal(t, api.KindConfigInvalid, res.Err.Kind)
	})

	t.Run("missing credential key fails validation", func(t *testing.T) {
		engine, _ := newTestEngine(t, &fakeFlows{})
		cfg := staticConfig()
		cfg.CredentialKey = ""

		res := engine.Authenticate(ctx, Attempt{Config: cfg, Strategy: StrategyCheckCached}, nil)
		require.NotNil(t, res.Err)
		assert.Equal(t, api.KindConfigInvalid, res.Err.Kind)
	})
}

func TestAuthenticate_OAuthCache(t *testing.T) {
	ctx := context.Background()

	t.Run("valid cached token is used without refresh", func(t *testing.T) {
		flows := &fakeFlows{}
		engine, store := newTestEngine(t, flows)
		cacheToken(t, store, "c2", oauth.Token{
			AccessToken:  testJWT,
			RefreshToken: "r1",
			ExpiresAt:    testNow.Add(time.Hour),
		})

		res := engine.Authenticate(ctx, Attempt{Config: oauthConfig(), Strategy: StrategyCheckCached}, nil)
		require.True(t, res.Success)
		assert.Equal(t, testJWT, res.Credential)
		assert.Equal(t, testNow.Add(time.Hour), res.ExpiresAt)
		assert.Empty(t, flows.refreshCalls)
	})

	t.Run("token inside the validity buffer is refreshed", func(t *testing.T) {
		flows := &fakeFlows{refreshToken: &oauth2.Token{
			AccessToken: "new.jwt.token",
			Expiry:      testNow.Add(time.Hour),
		}}
		engine, store := newTestEngine(t, flows)
		cacheToken(t, store, "c2", oauth.Token{
			AccessToken:  testJWT,
			RefreshToken: "r1",
			ExpiresAt:    testNow.Add(4 * time.Minute),
		})

		res := engine.Authenticate(ctx, Attempt{Config: oauthConfig(), Strategy: StrategyCheckCached}, nil)
		require.True(t, res.Success)
		assert.Equal(t, "new.jwt.token", res.Credential)
		assert.Equal(t, []string{"r1"}, flows.refreshCalls)

		raw, err := store.Get(ctx, TokenCacheKey("c2"))
		require.NoError(t, err)
		var cached oauth.Token
		require.NoError(t, json.Unmarshal([]byte(raw), &cached))
		assert.Equal(t, "new.jwt.token", cached.AccessToken)
		assert.Equal(t, "r1", cached.RefreshToken, "refresh token is kept when the provider does not rotate it")
	})

	t.Run("non-JWT cached token is not trusted", func(t *testing.T) {
		flows := &fakeFlows{}
		engine, store := newTestEngine(t, flows)
		cacheToken(t, store, "c2", oauth.Token{AccessToken: "opaque", ExpiresAt: testNow.Add(time.Hour)})

		res := engine.Authenticate(ctx, Attempt{Config: oauthConfig(), Strategy: StrategyCheckCached}, nil)
		assert.False(t, res.Success)
		assert.True(t, res.RequiresInteractive)
	})

	t.Run("empty cache requires interactive sign-in", func(t *testing.T) {
		engine, _ := newTestEngine(t, &fakeFlows{})

		res := engine.Authenticate(ctx, Attempt{Config: oauthConfig(), Strategy: StrategyCheckCached}, nil)
		assert.False(t, res.Success)
		assert.True(t, res.RequiresInteractive)
		require.NotNil(t, res.Err)
		assert.Equal(t, api.KindAuthProvider, res.Err.Kind)
	})

	t.Run("rejected refresh token requires interactive sign-in", func(t *testing.T) {
		flows := &fakeFlows{refreshErr: &ProviderError{Code: "invalid_grant", Description: "AADSTS70008: expired"}}
		engine, store := newTestEngine(t, flows)
		cacheToken(t, store, "c2", oauth.Token{AccessToken: testJWT, RefreshToken: "r1", ExpiresAt: testNow.Add(-time.Minute)})

		res := engine.Authenticate(ctx, Attempt{Config: oauthConfig(), Strategy: StrategyCheckCached}, nil)
		assert.False(t, res.Success)
		assert.True(t, res.RequiresInteractive)
	})

	t.Run("network failure during refresh is recoverable", func(t *testing.T) {
		flows := &fakeFlows{refreshErr: errors.New("dial tcp: connection refused")}
		engine, store := newTestEngine(t, flows)
		cacheToken(t, store, "c2", oauth.Token{AccessToken: testJWT, RefreshToken: "r1", ExpiresAt: testNow.Add(-time.Minute)})

		res := engine.Authenticate(ctx, Attempt{Config: oauthConfig(), Strategy: StrategyRefresh}, nil)
		require.NotNil(t, res.Err)
		assert.Equal(t, api.KindNetwork, res.Err.Kind)
		assert.True(t, res.Err.Recoverable)
		assert.False(t, res.RequiresInteractive)
	})

	t.Run("refresh without cached refresh token", func(t *testing.T) {
		engine, _ := newTestEngine(t, &fakeFlows{})

		res := engine.Authenticate(ctx, Attempt{Config: oauthConfig(), Strategy: StrategyRefresh}, nil)
		assert.True(t, res.RequiresInteractive)
	})
}

func TestAuthenticate_Interactive(t *testing.T) {
	ctx := context.Background()

	t.Run("device code session is presented and token cached", func(t *testing.T) {
		session := DeviceCodeSession{UserCode: "ABCD-1234", VerificationURI: DefaultVerificationURI, ExpiresInSeconds: 900, StartedAt: testNow}
		flows := &fakeFlows{
			session:     session,
			deviceToken: &oauth2.Token{AccessToken: testJWT, RefreshToken: "r1", Expiry: testNow.Add(time.Hour)},
		}
		engine, store := newTestEngine(t, flows)
		prompter := &recordingPrompter{}

		res := engine.Authenticate(ctx, Attempt{Config: oauthConfig(), Strategy: StrategyDeviceCode}, prompter)
		require.True(t, res.Success)
		assert.Equal(t, StrategyDeviceCode, res.Strategy)
		assert.Equal(t, []DeviceCodeSession{session}, prompter.sessions)
		assert.Equal(t, 0, flows.authCalls, "device code never falls back to auth code")

		cached := engine.Authenticate(ctx, Attempt{Config: oauthConfig(), Strategy: StrategyCheckCached}, nil)
		require.True(t, cached.Success)
		assert.Equal(t, testJWT, cached.Credential)

		require.NoError(t, engine.Forget(ctx, "c2"))
		_, err := store.Get(ctx, TokenCacheKey("c2"))
		assert.ErrorIs(t, err, credentials.ErrNotFound)
	})

	t.Run("declined auth code sign-in is cancelled", func(t *testing.T) {
		flows := &fakeFlows{
			authURL: "https://login.example/authorize?x=1",
			authErr: &ProviderError{Code: "access_denied", Description: "user declined"},
		}
		engine, _ := newTestEngine(t, flows)
		prompter := &recordingPrompter{}

		res := engine.Authenticate(ctx, Attempt{Config: oauthConfig(), Strategy: StrategyAuthCode}, prompter)
		require.NotNil(t, res.Err)
		assert.Equal(t, api.ReasonCancelled, res.Err.Reason)
		assert.Equal(t, []string{"https://login.example/authorize?x=1"}, prompter.urls)
		assert.Equal(t, 0, flows.deviceCalls, "auth code never falls back to device code")
	})

	t.Run("expired device code reports timeout", func(t *testing.T) {
		flows := &fakeFlows{deviceErr: &ProviderError{Code: "expired_token"}}
		engine, _ := newTestEngine(t, flows)

		res := engine.Authenticate(ctx, Attempt{Config: oauthConfig(), Strategy: StrategyDeviceCode}, nil)
		require.NotNil(t, res.Err)
		assert.Equal(t, api.ReasonTimeout, res.Err.Reason)
	})

	t.Run("empty token response", func(t *testing.T) {
		flows := &fakeFlows{deviceToken: &oauth2.Token{}}
		engine, _ := newTestEngine(t, flows)

		res := engine.Authenticate(ctx, Attempt{Config: oauthConfig(), Strategy: StrategyDeviceCode}, nil)
		require.NotNil(t, res.Err)
		assert.Equal(t, api.KindAuthProvider, res.Err.Kind)
	})
}

func TestAuthenticate_RejectsNonJWTAccessTokens(t *testing.T) {
	ctx := context.Background()
	opaque := &oauth2.Token{AccessToken: "opaque-no-dots", RefreshToken: "r2", Expiry: testNow.Add(time.Hour)}

	tests := []struct {
		name     string
		flows    *fakeFlows
		strategy Strategy
		cached   bool
	}{
		{name: "device code", flows: &fakeFlows{deviceToken: opaque}, strategy: StrategyDeviceCode},
		{name: "auth code", flows: &fakeFlows{authToken: opaque}, strategy: StrategyAuthCode},
		{name: "refresh", flows: &fakeFlows{refreshToken: opaque}, strategy: StrategyRefresh, cached: true},
		{name: "refresh from check cached", flows: &fakeFlows{refreshToken: opaque}, strategy: StrategyCheckCached, cached: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, store := newTestEngine(t, tt.flows)
			if tt.cached {
				cacheToken(t, store, "c2", oauth.Token{AccessToken: testJWT, RefreshToken: "r1", ExpiresAt: testNow.Add(-time.Minute)})
			}

			res := engine.Authenticate(ctx, Attempt{Config: oauthConfig(), Strategy: tt.strategy}, &recordingPrompter{})
			assert.False(t, res.Success)
			assert.Empty(t, res.Credential)
			require.NotNil(t, res.Err)
			assert.Equal(t, api.KindCredentialMalformed, res.Err.Kind)

			cached, err := engine.CachedToken(ctx, "c2")
			require.NoError(t, err)
			if tt.cached {
				require.NotNil(t, cached)
				assert.Equal(t, testJWT, cached.AccessToken, "rejected token must not replace the cache")
			} else {
				assert.Nil(t, cached)
			}
		})
	}
}

func TestAuthenticate_AttemptTimeout(t *testing.T) {
	flows := &fakeFlows{blockDevice: true}
	engine, _ := newTestEngine(t, flows)

	start := time.Now()
	res := engine.Authenticate(context.Background(), Attempt{
		Config:   oauthConfig(),
		Strategy: StrategyDeviceCode,
		Timeout:  20 * time.Millisecond,
	}, nil)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, res.Success)
	require.NotNil(t, res.Err)
	assert.Equal(t, api.ReasonTimeout, res.Err.Reason)
	assert.True(t, res.Err.Recoverable)
}

func TestStrategy(t *testing.T) {
	assert.True(t, StrategyDeviceCode.IsInteractive())
	assert.True(t, StrategyAuthCode.IsInteractive())
	assert.False(t, StrategyCheckCached.IsInteractive())
	assert.False(t, StrategyRefresh.IsInteractive())

	assert.Equal(t, StrategyDeviceCode, StrategyForFlow(config.OAuthFlowDeviceCode))
	assert.Equal(t, StrategyAuthCode, StrategyForFlow(config.OAuthFlowAuthCode))
	assert.Equal(t, StrategyAuthCode, StrategyForFlow(""))
}

func TestDeviceCodeSession_ExpiresAt(t *testing.T) {
	s := DeviceCodeSession{ExpiresInSeconds: 900, StartedAt: testNow}
	assert.Equal(t, testNow.Add(15*time.Minute), s.ExpiresAt())
}
