package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"adoconnect/internal/api"
	"adoconnect/internal/auth"
	"adoconnect/internal/config"
	"adoconnect/internal/connection"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func cfg(id, project string) config.ConnectionConfig {
	return config.ConnectionConfig{
		ID:            id,
		Organization:  "contoso",
		Project:       project,
		AuthMethod:    config.AuthMethodStatic,
		CredentialKey: config.CredentialKeyFor(id),
	}
}

type fakes struct {
	mu       sync.Mutex
	attempts map[string][]auth.Strategy
	block    map[string]chan struct{}
	result   func(attempt auth.Attempt) auth.Result
}

func newFakes() *fakes {
	return &fakes{
		attempts: make(map[string][]auth.Strategy),
		block:    make(map[string]chan struct{}),
		result: func(a auth.Attempt) auth.Result {
			return auth.Result{Success: true, Credential: "credential-" + a.Config.ConnectionID, Strategy: a.Strategy}
		},
	}
}

func (f *fakes) strategies(id string) []auth.Strategy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]auth.Strategy(nil), f.attempts[id]...)
}

func (f *fakes) deps() connection.Dependencies {
	return connection.Dependencies{
		Authenticator: connection.AuthenticatorFunc(func(_ context.Context, a auth.Attempt, _ auth.Prompter) auth.Result {
			f.mu.Lock()
			f.attempts[a.Config.ConnectionID] = append(f.attempts[a.Config.ConnectionID], a.Strategy)
			block := f.block[a.Config.ConnectionID]
			result := f.result
			f.mu.Unlock()
			if block != nil {
				<-block
			}
			return result(a)
		}),
		Clients: connection.ClientFactoryFunc(func(_ context.Context, p connection.ClientParams) (connection.Client, error) {
			return p, nil
		}),
		Providers: connection.ProviderFactoryFunc(func(_ context.Context, c connection.Client, cfg config.ConnectionConfig) (connection.Provider, error) {
			return cfg.Project, nil
		}),
	}
}

type collector struct {
	mu sync.Mutex
	ns []connection.Notification
}

func (c *collector) listen(n connection.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ns = append(c.ns, n)
}

func (c *collector) refreshed(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, n := range c.ns {
		if r, ok := n.(connection.TokenRefreshed); ok && r.ID == id {
			count++
		}
	}
	return count
}

func waitConnected(t *testing.T, s *Supervisor, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		ok, err := s.IsConnected(id)
		return err == nil && ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSupervisor_UnknownIDIsNotFound(t *testing.T) {
	s := New(newFakes().deps())
	defer s.Close()

	for name, res := range map[string]connection.CommandResult{
		"disconnect": s.Disconnect("missing"),
		"retry":      s.Retry("missing"),
		"refresh":    s.RefreshAuth("missing"),
		"reset":      s.Reset("missing"),
	} {
		assert.False(t, res.Accepted, name)
		assert.True(t, api.IsNotFound(res.Err), name)
	}

	_, err := s.GetState("missing")
	assert.True(t, api.IsNotFound(err))
	connected, err := s.IsConnected("missing")
	assert.False(t, connected)
	assert.True(t, api.IsNotFound(err))
	assert.True(t, api.IsNotFound(s.Remove("missing")))
}

func TestSupervisor_ConnectRequiresID(t *testing.T) {
	s := New(newFakes().deps())
	defer s.Close()

	res := s.Connect(config.ConnectionConfig{Organization: "contoso"}, false)
	assert.False(t, res.Accepted)
	assert.Equal(t, api.KindConfigInvalid, api.KindOf(res.Err))
	assert.Empty(t, s.IDs())
}

func TestSupervisor_ConnectionsAreIndependent(t *testing.T) {
	f := newFakes()
	release := make(chan struct{})
	f.block["slow"] = release
	s := New(f.deps())
	defer s.Close()
	defer close(release)

	require.True(t, s.Connect(cfg("slow", "a"), false).Accepted)
	require.True(t, s.Connect(cfg("fast", "b"), false).Accepted)

	waitConnected(t, s, "fast")
	st, err := s.GetState("slow")
	require.NoError(t, err)
	assert.Equal(t, connection.StateAuthenticating, st.State)
	assert.Equal(t, []string{"fast", "slow"}, s.IDs())

	_, provider, err := s.Handles("fast")
	require.NoError(t, err)
	assert.Equal(t, "b", provider)
	_, _, err = s.Handles("slow")
	assert.Error(t, err)
}

func TestSupervisor_ScheduledRefresh(t *testing.T) {
	clk := testingclock.NewFakeClock(t0)
	f := newFakes()
	f.result = func(a auth.Attempt) auth.Result {
		expiry := t0.Add(time.Hour)
		if a.Strategy == auth.StrategyRefresh {
			expiry = t0.Add(3 * time.Hour)
		}
		return auth.Result{Success: true, Credential: "jwt", Strategy: a.Strategy, ExpiresAt: expiry}
	}
	c := &collector{}
	s := New(f.deps(), WithClock(clk), WithListener(c.listen))
	defer s.Close()

	oauth := cfg("c1", "web")
	oauth.AuthMethod = config.AuthMethodOAuth
	require.True(t, s.Connect(oauth, false).Accepted)
	waitConnected(t, s, "c1")

	status := s.RefreshStatus("c1")
	require.NotNil(t, status)
	assert.Equal(t, 42*time.Minute, status.TimeUntilNextRefresh)

	clk.Step(42 * time.Minute)
	require.Eventually(t, func() bool { return c.refreshed("c1") == 1 }, 2*time.Second, 5*time.Millisecond)
	waitConnected(t, s, "c1")

	st, err := s.GetState("c1")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(3*time.Hour), st.CredentialExpiresAt)
	assert.Equal(t, []auth.Strategy{auth.StrategyCheckCached, auth.StrategyRefresh}, f.strategies("c1"))

	require.Eventually(t, func() bool {
		status := s.RefreshStatus("c1")
		return status != nil && status.AttemptCount == 0 && status.OriginalExpiresAt.Equal(t0.Add(3*time.Hour))
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSupervisor_DisconnectCancelsSchedule(t *testing.T) {
	clk := testingclock.NewFakeClock(t0)
	f := newFakes()
	f.result = func(a auth.Attempt) auth.Result {
		return auth.Result{Success: true, Credential: "jwt", Strategy: a.Strategy, ExpiresAt: t0.Add(time.Hour)}
	}
	s := New(f.deps(), WithClock(clk))
	defer s.Close()

	require.True(t, s.Connect(cfg("c1", "web"), false).Accepted)
	waitConnected(t, s, "c1")
	require.NotNil(t, s.RefreshStatus("c1"))

	res := s.Disconnect("c1")
	assert.True(t, res.Accepted)
	assert.Nil(t, s.RefreshStatus("c1"))
}

func TestSupervisor_ApplyReconciles(t *testing.T) {
	f := newFakes()
	s := New(f.deps())
	defer s.Close()

	s.Apply([]config.ConnectionConfig{cfg("a", "one"), cfg("b", "two")})
	waitConnected(t, s, "a")
	waitConnected(t, s, "b")

	changed := cfg("b", "three")
	s.Apply([]config.ConnectionConfig{changed})
	assert.Equal(t, []string{"b"}, s.IDs())
	waitConnected(t, s, "b")

	st, err := s.GetState("b")
	require.NoError(t, err)
	assert.Equal(t, "three", st.Config.Project)
	assert.Len(t, f.strategies("b"), 2)

	// Unchanged configs are left alone.
	s.Apply([]config.ConnectionConfig{changed})
	assert.Len(t, f.strategies("b"), 2)
}

func TestSupervisor_ConnectAllWaitsForOutcome(t *testing.T) {
	f := newFakes()
	f.result = func(a auth.Attempt) auth.Result {
		if a.Config.ConnectionID == "bad" {
			return auth.Result{Strategy: a.Strategy, Err: api.NewCredentialMissing(a.Config.CredentialKey)}
		}
		return auth.Result{Success: true, Credential: "pat-value-123", Strategy: a.Strategy}
	}
	s := New(f.deps())
	defer s.Close()

	states, err := s.ConnectAll(context.Background(), []config.ConnectionConfig{cfg("good", "a"), cfg("bad", "b")}, false)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, connection.StateConnected, states[0].State)
	assert.Equal(t, connection.StateAuthFailed, states[1].State)
	assert.Equal(t, 1, states[1].RetryCount)
}

func TestSupervisor_WaitSettledHonoursContext(t *testing.T) {
	f := newFakes()
	release := make(chan struct{})
	f.block["c1"] = release
	s := New(f.deps())
	defer s.Close()
	defer close(release)

	require.True(t, s.Connect(cfg("c1", "web"), false).Accepted)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	st, err := s.WaitSettled(ctx, "c1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, connection.StateAuthenticating, st.State)
}

func TestSupervisor_Close(t *testing.T) {
	s := New(newFakes().deps())
	require.True(t, s.Connect(cfg("c1", "web"), false).Accepted)
	waitConnected(t, s, "c1")

	s.Close()
	s.Close()

	assert.Empty(t, s.IDs())
	res := s.Connect(cfg("c1", "web"), false)
	assert.False(t, res.Accepted)
	assert.Error(t, res.Err)
}

func (c *collector) failures(id string) []connection.ConnectionFailed {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []connection.ConnectionFailed
	for _, n := range c.ns {
		if f, ok := n.(connection.ConnectionFailed); ok && f.ID == id {
			out = append(out, f)
		}
	}
	return out
}

func TestSupervisor_ExpiredCredentialNeedsReauth(t *testing.T) {
	tests := []struct {
		name   string
		method config.AuthMethod
		check  func(t *testing.T, st connection.RuntimeState)
	}{
		{
			name:   "oauth waits for interactive sign-in",
			method: config.AuthMethodOAuth,
			check: func(t *testing.T, st connection.RuntimeState) {
				assert.True(t, st.LastError.RequiresInteractive)
				assert.Zero(t, st.RefreshFailureCount)
				assert.True(t, st.RefreshBackoffUntil.IsZero())
			},
		},
		{
			name:   "static backs off before retrying",
			method: config.AuthMethodStatic,
			check: func(t *testing.T, st connection.RuntimeState) {
				assert.False(t, st.LastError.RequiresInteractive)
				assert.Equal(t, 1, st.RefreshFailureCount)
				assert.True(t, st.RefreshBackoffUntil.After(t0.Add(61*time.Second)))
				assert.Contains(t, st.LastError.Hint, "retrying automatically")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := testingclock.NewFakeClock(t0)
			f := newFakes()
			f.result = func(a auth.Attempt) auth.Result {
				return auth.Result{Success: true, Credential: "a.b.c", Strategy: a.Strategy, ExpiresAt: t0.Add(30 * time.Second)}
			}
			c := &collector{}
			s := New(f.deps(), WithClock(clk), WithListener(c.listen))
			defer s.Close()

			conn := cfg("c1", "web")
			conn.AuthMethod = tt.method
			require.True(t, s.Connect(conn, false).Accepted)
			waitConnected(t, s, "c1")
			require.Eventually(t, func() bool { return s.RefreshStatus("c1") != nil }, 2*time.Second, 5*time.Millisecond)
			attempts := len(f.strategies("c1"))

			clk.Step(61 * time.Second)
			require.Eventually(t, func() bool {
				st, err := s.GetState("c1")
				return err == nil && st.State == connection.StateAuthFailed
			}, 2*time.Second, 5*time.Millisecond)

			st, err := s.GetState("c1")
			require.NoError(t, err)
			require.NotNil(t, st.LastError)
			assert.Equal(t, api.KindRefreshFailed, st.LastError.Kind)
			assert.Equal(t, string(connection.StateConnected), st.LastError.Stage)
			assert.False(t, st.HasCredential())
			tt.check(t, st)

			assert.Len(t, f.strategies("c1"), attempts, "no refresh is attempted for an expired credential")
			assert.NotContains(t, f.strategies("c1"), auth.StrategyRefresh)
			failures := c.failures("c1")
			require.Len(t, failures, 1)
			assert.Equal(t, connection.StateConnected, failures[0].Stage)
			assert.Nil(t, s.RefreshStatus("c1"))
		})
	}
}

func TestSupervisor_ReauthRequiredOutsideConnected(t *testing.T) {
	s := New(newFakes().deps())
	defer s.Close()

	res := s.ReauthRequired("missing")
	assert.False(t, res.Accepted)
	assert.True(t, api.IsNotFound(res.Err))

	bad := cfg("c1", "web")
	bad.Organization = ""
	bad.Project = ""
	require.True(t, s.Connect(bad, false).Accepted)
	require.Eventually(t, func() bool {
		st, err := s.GetState("c1")
		return err == nil && st.State == connection.StateClientFailed
	}, 2*time.Second, 5*time.Millisecond)

	res = s.ReauthRequired("c1")
	assert.False(t, res.Accepted)
	assert.Equal(t, connection.StateClientFailed, res.State)
}

func TestSupervisor_ConnectRacingClose(t *testing.T) {
	for i := 0; i < 20; i++ {
		s := New(newFakes().deps())
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Connect(cfg("c1", "web"), false)
		}()
		go func() {
			defer wg.Done()
			s.Close()
		}()
		wg.Wait()
		assert.Empty(t, s.IDs(), "no engine may outlive Close")
	}
}
