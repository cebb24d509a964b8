package connection

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"adoconnect/internal/api"
	"adoconnect/internal/auth"
	"adoconnect/internal/config"
	"adoconnect/pkg/logging"
)

const inboxSize = 32

// Dependencies are the collaborators of an Engine.
type Dependencies struct {
	Authenticator Authenticator
	Clients       ClientFactory
	Providers     ProviderFactory

	// Scheduler may be nil, in which case credentials are never refreshed
	// proactively.
	Scheduler RefreshScheduler
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy replaces the default policy.
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithClock replaces the real clock used for timestamps and backoff timers.
func WithClock(c clock.WithDelayedExecution) Option {
	return func(e *Engine) { e.clock = c }
}

// WithListener subscribes l before the engine starts.
func WithListener(l Listener) Option {
	return func(e *Engine) { e.addListener(l) }
}

// Engine runs the lifecycle of one connection. All state lives in a single
// goroutine; commands and step results reach it through one inbox and are
// processed in arrival order.
type Engine struct {
	id        string
	auth      Authenticator
	clients   ClientFactory
	providers ProviderFactory
	scheduler RefreshScheduler
	clock     clock.WithDelayedExecution
	policy    Policy

	inbox    chan interface{}
	stopped  chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once

	baseCtx    context.Context
	baseCancel context.CancelFunc

	listenersMu  sync.RWMutex
	listeners    map[int]Listener
	nextListener int

	snapMu sync.RWMutex
	snap   RuntimeState

	// Owned by the engine goroutine.
	rt           RuntimeState
	client       Client
	provider     Provider
	cancelStep   context.CancelFunc
	backoffTimer clock.Timer
}

type command struct {
	event Event
	cfg   config.ConnectionConfig
	force bool
	err   error
	reply chan CommandResult
}

type authDone struct {
	gen     uint64
	refresh bool
	result  auth.Result
	elapsed time.Duration
}

type clientDone struct {
	gen    uint64
	client Client
	err    error
}

type providerDone struct {
	gen      uint64
	provider Provider
	err      error
}

type prompted struct {
	gen     uint64
	session *auth.DeviceCodeSession
	url     string
}

type backoffElapsed struct {
	gen uint64
}

// NewEngine creates and starts the engine of connection id.
func NewEngine(id string, deps Dependencies, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		id:         id,
		auth:       deps.Authenticator,
		clients:    deps.Clients,
		providers:  deps.Providers,
		scheduler:  deps.Scheduler,
		clock:      clock.RealClock{},
		policy:     DefaultPolicy(),
		inbox:      make(chan interface{}, inboxSize),
		stopped:    make(chan struct{}),
		loopDone:   make(chan struct{}),
		baseCtx:    ctx,
		baseCancel: cancel,
		listeners:  make(map[int]Listener),
	}
	if e.scheduler == nil {
		e.scheduler = noopScheduler{}
	}
	for _, opt := range opts {
		opt(e)
	}

	e.rt = RuntimeState{ConnectionID: id, State: StateDisconnected, UpdatedAt: e.clock.Now()}
	e.publish()

	go e.run()
	return e
}

// ID returns the connection id.
func (e *Engine) ID() string {
	return e.id
}

// Connect starts a fresh connection attempt with cfg. It is accepted from
// Disconnected and from any failure state, and is a no-op while connected
// with an identical config.
func (e *Engine) Connect(cfg config.ConnectionConfig, forceInteractive bool) CommandResult {
	return e.send(command{event: EventConnect, cfg: cfg, force: forceInteractive})
}

// Disconnect tears the connection down and cancels any in-flight step.
func (e *Engine) Disconnect() CommandResult {
	return e.send(command{event: EventDisconnect})
}

// Reset returns to Disconnected and forgets the config.
func (e *Engine) Reset() CommandResult {
	return e.send(command{event: EventReset})
}

// Retry re-enters the step that failed.
func (e *Engine) Retry() CommandResult {
	return e.send(command{event: EventRetry})
}

// RefreshAuth renews the credential of a connected connection.
func (e *Engine) RefreshAuth() CommandResult {
	return e.send(command{event: EventRefreshAuth})
}

// TokenExpired is RefreshAuth triggered by an expiry signal.
func (e *Engine) TokenExpired() CommandResult {
	return e.RefreshAuth()
}

// ReauthRequired tells a connected connection that its credential expired
// without being renewed. No refresh is attempted: OAuth connections wait for
// an interactive sign-in and static ones retry after the refresh backoff.
func (e *Engine) ReauthRequired() CommandResult {
	return e.send(command{event: EventReauthRequired})
}

// ReportError moves a connected connection to ConnectionError.
func (e *Engine) ReportError(err error) CommandResult {
	return e.send(command{event: EventReportError, err: err})
}

// Snapshot returns a copy of the current runtime state.
func (e *Engine) Snapshot() RuntimeState {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	return copyState(e.snap)
}

// Handles returns the client and provider while connected.
func (e *Engine) Handles() (Client, Provider, bool) {
	res := make(chan [2]interface{}, 1)
	select {
	case e.inbox <- func() { res <- [2]interface{}{e.client, e.provider} }:
	case <-e.stopped:
		return nil, nil, false
	}
	select {
	case h := <-res:
		return h[0], h[1], h[1] != nil
	case <-e.stopped:
		return nil, nil, false
	}
}

// Subscribe registers l and returns a function that removes it.
func (e *Engine) Subscribe(l Listener) func() {
	id := e.addListener(l)
	return func() {
		e.listenersMu.Lock()
		defer e.listenersMu.Unlock()
		delete(e.listeners, id)
	}
}

func (e *Engine) addListener(l Listener) int {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = l
	return id
}

// Close stops the engine, cancelling any in-flight step. Commands sent
// after Close are rejected.
func (e *Engine) Close() {
	e.stopOnce.Do(func() {
		close(e.stopped)
	})
	<-e.loopDone
}

func (e *Engine) send(cmd command) CommandResult {
	cmd.reply = make(chan CommandResult, 1)
	select {
	case e.inbox <- cmd:
	case <-e.stopped:
		return rejected(e.Snapshot().State, "engine closed")
	}
	select {
	case res := <-cmd.reply:
		return res
	case <-e.stopped:
		return rejected(e.Snapshot().State, "engine closed")
	}
}

func (e *Engine) post(msg interface{}) {
	select {
	case e.inbox <- msg:
	case <-e.stopped:
	}
}

func (e *Engine) run() {
	defer close(e.loopDone)
	for {
		select {
		case <-e.stopped:
			e.shutdown()
			return
		case msg := <-e.inbox:
			e.handle(msg)
			e.publish()
		}
	}
}

func (e *Engine) shutdown() {
	e.endStep()
	e.stopBackoff()
	e.scheduler.Cancel(e.id)
	e.baseCancel()
	logging.Debug("ConnectionEngine", "Engine for connection %s stopped", e.id)
}

func (e *Engine) handle(msg interface{}) {
	switch m := msg.(type) {
	case command:
		m.reply <- e.handleCommand(m)
	case authDone:
		if m.refresh {
			e.onRefreshDone(m)
		} else {
			e.onAuthDone(m)
		}
	case clientDone:
		e.onClientDone(m)
	case providerDone:
		e.onProviderDone(m)
	case prompted:
		e.onPrompted(m)
	case backoffElapsed:
		e.onBackoffElapsed(m)
	case func():
		m()
	default:
		panic(fmt.Sprintf("connection %s: unexpected message %T", e.id, msg))
	}
}

func (e *Engine) handleCommand(cmd command) CommandResult {
	switch cmd.event {
	case EventConnect:
		return e.connect(cmd.cfg, cmd.force)
	case EventDisconnect:
		return e.disconnect(false)
	case EventReset:
		return e.disconnect(true)
	case EventRetry:
		return e.retry(false)
	case EventRefreshAuth:
		return e.refreshAuth()
	case EventReportError:
		return e.reportError(cmd.err)
	case EventReauthRequired:
		return e.reauthRequired()
	default:
		return rejected(e.rt.State, fmt.Sprintf("unknown command %s", cmd.event))
	}
}

func (e *Engine) connect(cfg config.ConnectionConfig, force bool) CommandResult {
	state := e.rt.State
	if cfg.ID != e.id {
		return rejected(state, fmt.Sprintf("config id %q does not match connection %q", cfg.ID, e.id))
	}
	if state.IsConnected() && cfg == e.rt.Config && !force {
		return CommandResult{Accepted: true, State: state, Reason: "already connected"}
	}
	to, ok := Next(state, EventConnect)
	if !ok {
		return rejected(state, fmt.Sprintf("connect is not allowed in state %s", state))
	}

	e.stopBackoff()
	e.scheduler.Cancel(e.id)
	e.client, e.provider = nil, nil
	e.rt = RuntimeState{
		ConnectionID:     e.id,
		Config:           cfg,
		State:            state,
		ForceInteractive: force,
		Generation:       e.rt.Generation + 1,
	}

	logging.Info("ConnectionEngine", "Connecting %s (%s, %s auth)", e.id, cfg.DisplayName(), cfg.AuthMethod)
	e.enter(to)
	e.startAuth()
	return accepted(to)
}

func (e *Engine) disconnect(reset bool) CommandResult {
	from := e.rt.State
	cfg := e.rt.Config

	e.endStep()
	e.stopBackoff()
	e.scheduler.Cancel(e.id)
	e.client, e.provider = nil, nil
	e.rt = RuntimeState{
		ConnectionID: e.id,
		State:        from,
		Generation:   e.rt.Generation + 1,
	}
	if !reset {
		e.rt.Config = cfg
	}

	if from != StateDisconnected {
		logging.Info("ConnectionEngine", "Connection %s disconnected from state %s", e.id, from)
	}
	e.enter(StateDisconnected)
	return accepted(StateDisconnected)
}

// retry re-enters the failed step. auto is set for retries armed by the
// refresh backoff timer, which may run while the window is still recorded.
func (e *Engine) retry(auto bool) CommandResult {
	state := e.rt.State
	if !state.IsFailure() {
		return rejected(state, fmt.Sprintf("retry is not allowed in state %s", state))
	}
	if e.rt.RetryCount >= e.policy.MaxRetryCount {
		return rejected(state, fmt.Sprintf("retry limit of %d reached; connect again", e.policy.MaxRetryCount))
	}
	if !auto && e.inBackoff() {
		return rejected(state, fmt.Sprintf("refresh backoff active until %s", e.rt.RefreshBackoffUntil.Format(time.RFC3339)))
	}

	to, _ := Next(state, EventRetry)
	if to == StateCreatingProvider && e.client == nil {
		to = StateCreatingClient
	}
	if (to == StateCreatingClient || to == StateCreatingProvider) && e.rt.Credential == "" {
		to = StateAuthenticating
	}

	e.stopBackoff()
	logging.Info("ConnectionEngine", "Retrying connection %s from %s (attempt %d of %d)",
		e.id, state, e.rt.RetryCount+1, e.policy.MaxRetryCount)
	e.enter(to)

	switch to {
	case StateAuthenticating:
		e.startAuth()
	case StateCreatingClient:
		e.startClient()
	case StateCreatingProvider:
		e.startProvider()
	}
	return accepted(e.rt.State)
}

func (e *Engine) refreshAuth() CommandResult {
	state := e.rt.State
	if state == StateTokenRefresh {
		return CommandResult{Accepted: true, State: state, Reason: "refresh already in progress"}
	}
	to, ok := Next(state, EventRefreshAuth)
	if !ok {
		return rejected(state, fmt.Sprintf("refresh is not allowed in state %s", state))
	}
	e.enter(to)
	e.startRefresh()
	return accepted(to)
}

func (e *Engine) reauthRequired() CommandResult {
	state := e.rt.State
	if state == StateTokenRefresh {
		return CommandResult{Accepted: true, State: state, Reason: "refresh already in progress"}
	}
	if _, ok := Next(state, EventReauthRequired); !ok {
		return rejected(state, fmt.Sprintf("re-authentication is not needed in state %s", state))
	}
	e.loseCredential(EventReauthRequired, api.New(api.KindRefreshFailed, "credential expired before it was renewed", nil))
	return accepted(e.rt.State)
}

func (e *Engine) reportError(err error) CommandResult {
	state := e.rt.State
	if _, ok := Next(state, EventReportError); !ok {
		return rejected(state, fmt.Sprintf("errors can only be reported while connected, not in state %s", state))
	}

	apiErr := api.Wrap(err, api.KindNetwork, "connection error")
	if apiErr == nil {
		apiErr = api.NewNetworkError("connection error", nil)
	}
	e.scheduler.Cancel(e.id)
	e.fail(EventReportError, apiErr)
	return accepted(e.rt.State)
}

func (e *Engine) inBackoff() bool {
	return !e.rt.RefreshBackoffUntil.IsZero() && e.clock.Now().Before(e.rt.RefreshBackoffUntil)
}

// enter switches to state to and notifies listeners.
func (e *Engine) enter(to State) {
	from := e.rt.State
	e.rt.State = to
	e.rt.UpdatedAt = e.clock.Now()
	if from == to {
		return
	}
	logging.Debug("ConnectionEngine", "Connection %s: %s -> %s", e.id, from, to)
	// Listeners reading Snapshot on a state change must see the new state.
	e.publish()
	e.notify(StateChanged{ID: e.id, From: from, To: to})
}

// transition applies an internal event. Internal events are only raised in
// states that define them, so a missing transition is a programming error.
func (e *Engine) transition(ev Event) State {
	to, ok := Next(e.rt.State, ev)
	if !ok {
		panic(fmt.Sprintf("connection %s: no transition for %s in state %s", e.id, ev, e.rt.State))
	}
	e.enter(to)
	return to
}

// fail records err, counts the failure and enters the failure state.
func (e *Engine) fail(ev Event, err *api.Error) {
	stage := e.rt.State
	e.rt.RetryCount++
	e.rt.LastError = err.WithStage(string(stage))
	e.transition(ev)

	recoverable := err.Recoverable && e.rt.RetryCount < e.policy.MaxRetryCount
	logging.Warn("ConnectionEngine", "Connection %s failed in %s: %v (recoverable: %t)", e.id, stage, err, recoverable)
	e.notify(ConnectionFailed{ID: e.id, Stage: stage, Err: e.rt.LastError, Recoverable: recoverable})
}

func (e *Engine) beginStep() context.Context {
	ctx, cancel := context.WithCancel(e.baseCtx)
	e.cancelStep = cancel
	return ctx
}

func (e *Engine) endStep() {
	if e.cancelStep != nil {
		e.cancelStep()
		e.cancelStep = nil
	}
}

func (e *Engine) stopBackoff() {
	if e.backoffTimer != nil {
		e.backoffTimer.Stop()
		e.backoffTimer = nil
	}
}

func (e *Engine) stale(gen uint64, expected State) bool {
	if gen != e.rt.Generation || e.rt.State != expected {
		logging.Debug("ConnectionEngine", "Discarding stale result for connection %s (generation %d, current %d, state %s)",
			e.id, gen, e.rt.Generation, e.rt.State)
		return true
	}
	return false
}

// Authentication

func (e *Engine) startAuth() {
	ctx := e.beginStep()
	gen := e.rt.Generation
	cfg := e.rt.Config
	force := e.rt.ForceInteractive
	e.rt.ForceInteractive = false

	prompter := auth.PrompterFuncs{
		DeviceCode: func(_ string, s auth.DeviceCodeSession) {
			e.post(prompted{gen: gen, session: &s})
		},
		AuthURL: func(_ string, u string) {
			e.post(prompted{gen: gen, url: u})
		},
	}

	go func() {
		started := e.clock.Now()
		res := e.runAuth(ctx, cfg, force, prompter)
		e.post(authDone{gen: gen, result: res, elapsed: e.clock.Since(started)})
	}()
}

// runAuth tries the cached credential first and falls through to the
// configured interactive flow when only a sign-in can help. forceInteractive
// skips the cache for OAuth connections.
func (e *Engine) runAuth(ctx context.Context, cfg config.ConnectionConfig, force bool, prompter auth.Prompter) auth.Result {
	acfg := auth.ConfigFromConnection(cfg)
	interactive := auth.Attempt{
		Config:   acfg,
		Strategy: auth.StrategyForFlow(e.policy.InteractiveFlow),
		Timeout:  e.policy.InteractiveTimeout,
	}
	isOAuth := cfg.AuthMethod == config.AuthMethodOAuth

	if isOAuth && force {
		return e.auth.Authenticate(ctx, interactive, prompter)
	}

	res := e.auth.Authenticate(ctx, auth.Attempt{
		Config:   acfg,
		Strategy: auth.StrategyCheckCached,
		Timeout:  e.policy.StepTimeout,
	}, prompter)
	if !res.Success && res.RequiresInteractive && isOAuth && ctx.Err() == nil {
		logging.Info("ConnectionEngine", "Connection %s needs an interactive sign-in (%s)", cfg.ID, interactive.Strategy)
		return e.auth.Authenticate(ctx, interactive, prompter)
	}
	return res
}

func (e *Engine) onPrompted(m prompted) {
	if e.stale(m.gen, StateAuthenticating) {
		return
	}
	if m.session != nil {
		s := *m.session
		e.rt.DeviceCode = &s
		e.notify(DeviceCodePresented{ID: e.id, Session: s})
		return
	}
	e.notify(AuthURLPresented{ID: e.id, URL: m.url})
}

func (e *Engine) onAuthDone(m authDone) {
	if e.stale(m.gen, StateAuthenticating) {
		return
	}
	e.endStep()
	e.rt.DeviceCode = nil
	e.notify(AuthAttempted{ID: e.id, Strategy: m.result.Strategy, Success: m.result.Success, Duration: m.elapsed})

	if !m.result.Success {
		e.fail(EventAuthFailed, resultError(m.result))
		return
	}

	e.rt.Credential = m.result.Credential
	e.rt.CredentialExpiresAt = m.result.ExpiresAt
	e.transition(EventAuthSucceeded)
	e.startClient()
}

func resultError(res auth.Result) *api.Error {
	if res.Err != nil {
		return res.Err
	}
	return api.New(api.KindAuthProvider, "authentication failed", nil)
}

// Client and provider construction

func (e *Engine) startClient() {
	params, perr := clientParams(e.rt.Config, e.rt.Credential)
	if perr != nil {
		e.fail(EventClientFailed, perr)
		return
	}

	ctx := e.beginStep()
	gen := e.rt.Generation
	go func() {
		ctx, cancel := context.WithTimeout(ctx, e.policy.StepTimeout)
		defer cancel()
		c, err := e.clients.CreateClient(ctx, params)
		e.post(clientDone{gen: gen, client: c, err: err})
	}()
}

// clientParams assembles the factory input, recovering organization and
// project from the base URL when the config lacks them.
func clientParams(cfg config.ConnectionConfig, credential string) (ClientParams, *api.Error) {
	org := strings.TrimSpace(cfg.Organization)
	project := strings.TrimSpace(cfg.Project)
	baseURL := cfg.BaseURL
	apiBaseURL := cfg.APIBaseURL

	if (org == "" || project == "") && cfg.BaseURL != "" {
		if parsed, err := config.ParseURL(cfg.BaseURL); err == nil {
			if org == "" {
				org = parsed.Organization
			}
			if project == "" {
				project = parsed.Project
			}
			baseURL = parsed.BaseURL
			if apiBaseURL == "" {
				apiBaseURL = parsed.APIBaseURL
			}
		}
	}

	var errs config.ValidationErrors
	if org == "" {
		errs.Add("organization", "is required")
	}
	if project == "" {
		errs.Add("project", "is required")
	}
	if errs.HasErrors() {
		return ClientParams{}, api.NewConfigInvalid("cannot create API client", errs)
	}

	if baseURL == "" {
		baseURL = config.DefaultBaseURL(org)
	}
	if apiBaseURL == "" {
		apiBaseURL = config.DeriveAPIBaseURL(baseURL, org, project)
	}

	return ClientParams{
		Organization: org,
		Project:      project,
		Credential:   credential,
		BaseURL:      baseURL,
		APIBaseURL:   config.EnsureAPISuffix(apiBaseURL),
		AuthType:     AuthTypeFor(cfg.AuthMethod),
	}, nil
}

func (e *Engine) onClientDone(m clientDone) {
	if e.stale(m.gen, StateCreatingClient) {
		return
	}
	e.endStep()
	if m.err != nil || m.client == nil {
		e.fail(EventClientFailed, constructionError(m.err, api.KindClientConstruction, "failed to create API client"))
		return
	}
	e.client = m.client
	e.transition(EventClientCreated)
	e.startProvider()
}

func (e *Engine) startProvider() {
	ctx := e.beginStep()
	gen := e.rt.Generation
	client := e.client
	cfg := e.rt.Config
	go func() {
		ctx, cancel := context.WithTimeout(ctx, e.policy.StepTimeout)
		defer cancel()
		p, err := e.providers.CreateProvider(ctx, client, cfg)
		e.post(providerDone{gen: gen, provider: p, err: err})
	}()
}

func (e *Engine) onProviderDone(m providerDone) {
	if e.stale(m.gen, StateCreatingProvider) {
		return
	}
	e.endStep()
	if m.err != nil || m.provider == nil {
		e.fail(EventProviderFailed, constructionError(m.err, api.KindProviderConstruction, "failed to create data provider"))
		return
	}

	e.provider = m.provider
	e.rt.RetryCount = 0
	e.rt.LastError = nil
	e.transition(EventProviderCreated)
	if !e.rt.CredentialExpiresAt.IsZero() {
		e.scheduler.Schedule(e.id, e.rt.CredentialExpiresAt)
	}

	logging.Info("ConnectionEngine", "Connection %s established", e.id)
	e.notify(ConnectionEstablished{ID: e.id, Client: e.client, Provider: e.provider})
}

// constructionError keeps structured errors from the factories and files
// everything else under kind.
func constructionError(err error, kind api.Kind, message string) *api.Error {
	if err == nil {
		return api.New(kind, message, nil)
	}
	if apiErr, ok := api.AsError(err); ok {
		return apiErr
	}
	return api.New(kind, message, err)
}

// Token refresh

func (e *Engine) startRefresh() {
	ctx := e.beginStep()
	gen := e.rt.Generation
	attempt := auth.Attempt{
		Config:   auth.ConfigFromConnection(e.rt.Config),
		Strategy: auth.StrategyRefresh,
		Timeout:  e.policy.StepTimeout,
	}
	go func() {
		started := e.clock.Now()
		res := e.auth.Authenticate(ctx, attempt, nil)
		e.post(authDone{gen: gen, refresh: true, result: res, elapsed: e.clock.Since(started)})
	}()
}

func (e *Engine) onRefreshDone(m authDone) {
	if e.stale(m.gen, StateTokenRefresh) {
		return
	}
	e.endStep()
	e.notify(AuthAttempted{ID: e.id, Strategy: auth.StrategyRefresh, Success: m.result.Success, Duration: m.elapsed})

	if m.result.Success {
		e.rt.Credential = m.result.Credential
		e.rt.CredentialExpiresAt = m.result.ExpiresAt
		e.rt.RefreshFailureCount = 0
		e.rt.RefreshBackoffUntil = time.Time{}
		if u, ok := e.client.(CredentialUpdater); ok {
			u.UpdateCredential(m.result.Credential)
		}
		e.transition(EventRefreshSucceeded)
		if !m.result.ExpiresAt.IsZero() {
			e.scheduler.Schedule(e.id, m.result.ExpiresAt)
		}
		logging.Info("ConnectionEngine", "Credential of connection %s refreshed", e.id)
		e.notify(TokenRefreshed{ID: e.id, ExpiresAt: m.result.ExpiresAt})
		return
	}

	var cause error
	if m.result.Err != nil {
		cause = m.result.Err
	}
	e.loseCredential(EventRefreshFailed, api.New(api.KindRefreshFailed, "token refresh failed", cause))
}

// loseCredential drops the credential and handles of a connection whose
// credential could not be renewed and enters AuthFailed via ev. OAuth
// connections then need an interactive sign-in; static ones arm the refresh
// backoff and retry on their own.
func (e *Engine) loseCredential(ev Event, refreshErr *api.Error) {
	stage := e.rt.State
	e.scheduler.Cancel(e.id)
	e.rt.Credential = ""
	e.rt.CredentialExpiresAt = time.Time{}
	e.client, e.provider = nil, nil

	if e.rt.Config.AuthMethod == config.AuthMethodOAuth {
		refreshErr.Recoverable = false
		refreshErr.RequiresInteractive = true
		refreshErr.Hint = "sign in again"
	} else {
		e.rt.RefreshFailureCount++
		window := Backoff(e.rt.RefreshFailureCount, e.policy.RefreshBackoffBase, e.policy.MaxRefreshBackoff)
		e.rt.RefreshBackoffUntil = e.clock.Now().Add(window)
		e.armBackoff(window)
		refreshErr.Hint = fmt.Sprintf("retrying automatically in %s", window)
	}

	e.rt.LastError = refreshErr.WithStage(string(stage))
	e.transition(ev)
	logging.Warn("ConnectionEngine", "Connection %s lost its credential in %s: %v", e.id, stage, refreshErr)
	e.notify(ConnectionFailed{ID: e.id, Stage: stage, Err: e.rt.LastError, Recoverable: refreshErr.Recoverable})
}

func (e *Engine) armBackoff(d time.Duration) {
	e.stopBackoff()
	gen := e.rt.Generation
	e.backoffTimer = e.clock.AfterFunc(d, func() {
		e.post(backoffElapsed{gen: gen})
	})
}

func (e *Engine) onBackoffElapsed(m backoffElapsed) {
	if e.stale(m.gen, StateAuthFailed) {
		return
	}
	e.backoffTimer = nil
	res := e.retry(true)
	if !res.Accepted {
		logging.Warn("ConnectionEngine", "Automatic retry of connection %s skipped: %s", e.id, res.Reason)
	}
}

// Notifications and snapshots

func (e *Engine) notify(n Notification) {
	e.listenersMu.RLock()
	listeners := make([]Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		listeners = append(listeners, l)
	}
	e.listenersMu.RUnlock()

	for _, l := range listeners {
		l(n)
	}
}

func (e *Engine) publish() {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	e.snap = copyState(e.rt)
}

func copyState(s RuntimeState) RuntimeState {
	if s.DeviceCode != nil {
		dc := *s.DeviceCode
		s.DeviceCode = &dc
	}
	return s
}
