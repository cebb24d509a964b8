package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"adoconnect/internal/api"
	"adoconnect/internal/config"
)

type fakeEntra struct {
	mu         sync.Mutex
	tokenForms []url.Values
	tokenError string
}

func (f *fakeEntra) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/devicecode", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"device_code":      "dev-123",
			"user_code":        "ABCD-EFGH",
			"verification_uri": "https://microsoft.com/devicelogin",
			"expires_in":       900,
			"interval":         1,
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		f.mu.Lock()
		f.tokenForms = append(f.tokenForms, r.PostForm)
		tokenError := f.tokenError
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if tokenError != "" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":             tokenError,
				"error_description": "AADSTS00000: test failure",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  testJWT,
			"token_type":    "Bearer",
			"refresh_token": "refresh-1",
			"expires_in":    3600,
			"scope":         AzureDevOpsScope,
		})
	})
	return mux
}

func (f *fakeEntra) failWith(code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenError = code
}

func (f *fakeEntra) forms() []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]url.Values(nil), f.tokenForms...)
}

func newTestProvider(t *testing.T) (*EntraProvider, *fakeEntra) {
	t.Helper()
	fake := &fakeEntra{}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	return &EntraProvider{
		ClientID: "client-under-test",
		Endpoint: &oauth2.Endpoint{
			AuthURL:       srv.URL + "/authorize",
			TokenURL:      srv.URL + "/token",
			DeviceAuthURL: srv.URL + "/devicecode",
			AuthStyle:     oauth2.AuthStyleInParams,
		},
		HTTPClient: srv.Client(),
	}, fake
}

func TestEntraProvider_DeviceCode(t *testing.T) {
	provider, fake := newTestProvider(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var presented []DeviceCodeSession
	tok, err := provider.RunDeviceCode(ctx, oauthConfig(), func(s DeviceCodeSession) {
		presented = append(presented, s)
	})
	require.NoError(t, err)
	assert.Equal(t, testJWT, tok.AccessToken)
	assert.Equal(t, "refresh-1", tok.RefreshToken)

	require.Len(t, presented, 1)
	assert.Equal(t, "ABCD-EFGH", presented[0].UserCode)
	assert.Equal(t, DefaultVerificationURI, presented[0].VerificationURI)
	assert.InDelta(t, 900, presented[0].ExpiresInSeconds, 2)

	forms := fake.forms()
	require.NotEmpty(t, forms)
	assert.Equal(t, "dev-123", forms[0].Get("device_code"))
	assert.Equal(t, "client-under-test", forms[0].Get("client_id"))
}

func TestEntraProvider_DeviceCodeDenied(t *testing.T) {
	provider, fake := newTestProvider(t)
	fake.failWith("access_denied")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := provider.RunDeviceCode(ctx, oauthConfig(), nil)
	require.Error(t, err)

	classified := Classify(err)
	assert.Equal(t, api.ReasonCancelled, classified.Reason)
}

func TestEntraProvider_Refresh(t *testing.T) {
	provider, fake := newTestProvider(t)

	tok, err := provider.Refresh(context.Background(), oauthConfig(), "old-refresh")
	require.NoError(t, err)
	assert.Equal(t, testJWT, tok.AccessToken)

	forms := fake.forms()
	require.Len(t, forms, 1)
	assert.Equal(t, "refresh_token", forms[0].Get("grant_type"))
	assert.Equal(t, "old-refresh", forms[0].Get("refresh_token"))

	_, err = provider.Refresh(context.Background(), oauthConfig(), "")
	require.Error(t, err)
	assert.True(t, Classify(err).RequiresInteractive)
}

func TestEntraProvider_RefreshRejected(t *testing.T) {
	provider, fake := newTestProvider(t)
	fake.failWith("invalid_grant")

	_, err := provider.Refresh(context.Background(), oauthConfig(), "old-refresh")
	require.Error(t, err)
	assert.True(t, Classify(err).RequiresInteractive)
}

func TestEntraProvider_AuthCode(t *testing.T) {
	provider, fake := newTestProvider(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	urls := make(chan string, 1)
	type outcome struct {
		tok *oauth2.Token
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		tok, err := provider.RunAuthCode(ctx, oauthConfig(), func(u string) { urls <- u })
		done <- outcome{tok, err}
	}()

	authURL, err := url.Parse(<-urls)
	require.NoError(t, err)
	q := authURL.Query()
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Contains(t, q.Get("scope"), AzureDevOpsScope)

	redirect := q.Get("redirect_uri") + "?code=auth-code-1&state=" + url.QueryEscape(q.Get("state"))
	resp, err := http.Get(redirect)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, testJWT, got.tok.AccessToken)

	forms := fake.forms()
	require.Len(t, forms, 1)
	assert.Equal(t, "authorization_code", forms[0].Get("grant_type"))
	assert.Equal(t, "auth-code-1", forms[0].Get("code"))
	assert.NotEmpty(t, forms[0].Get("code_verifier"))
}

func TestEntraProvider_AuthCodeStateMismatch(t *testing.T) {
	provider, _ := newTestProvider(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	urls := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		_, err := provider.RunAuthCode(ctx, oauthConfig(), func(u string) { urls <- u })
		done <- err
	}()

	authURL, err := url.Parse(<-urls)
	require.NoError(t, err)
	resp, err := http.Get(authURL.Query().Get("redirect_uri") + "?code=c&state=forged")
	require.NoError(t, err)
	resp.Body.Close()

	err = <-done
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "invalid_state", pe.Code)
}

func TestNewEntraProvider(t *testing.T) {
	p := NewEntraProvider(config.OAuthConfig{TenantID: "t1", ClientID: "c1", CallbackPort: 8400})
	assert.Equal(t, "t1", p.TenantID)
	assert.Equal(t, 8400, p.CallbackPort)

	conf := p.oauthConfig(Config{TenantID: "override"}, "")
	assert.Contains(t, conf.Endpoint.TokenURL, "/override/")
	assert.Equal(t, "c1", conf.ClientID)

	conf = (&EntraProvider{}).oauthConfig(Config{}, "")
	assert.Contains(t, conf.Endpoint.TokenURL, "/"+config.DefaultEntraTenant+"/")
	assert.Equal(t, config.DefaultEntraClientID, conf.ClientID)
}
