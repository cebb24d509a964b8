package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"adoconnect/internal/api"
	"adoconnect/internal/config"
	"adoconnect/internal/connection"
	"adoconnect/internal/refresh"
	"adoconnect/pkg/logging"
)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithPolicy sets the policy of every engine.
func WithPolicy(p connection.Policy) Option {
	return func(s *Supervisor) { s.policy = p }
}

// WithClock replaces the real clock of the engines and the refresh scheduler.
func WithClock(c clock.WithDelayedExecution) Option {
	return func(s *Supervisor) { s.clock = c }
}

// WithMinimumRefreshInterval sets the shortest delay of the refresh scheduler.
func WithMinimumRefreshInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.minInterval = d }
}

// WithListener subscribes l to the notifications of every connection.
func WithListener(l connection.Listener) Option {
	return func(s *Supervisor) { s.addListener(l) }
}

// Supervisor owns one engine per connection id and routes commands to it.
// It is the only component that knows about all connections.
type Supervisor struct {
	deps        connection.Dependencies
	policy      connection.Policy
	clock       clock.WithDelayedExecution
	minInterval time.Duration
	scheduler   *refresh.Scheduler

	mu      sync.RWMutex
	engines map[string]*connection.Engine
	closed  bool

	listenersMu  sync.RWMutex
	listeners    map[int]connection.Listener
	nextListener int
}

// New creates a supervisor. deps.Scheduler is ignored; the supervisor runs
// its own refresh scheduler and feeds its signals back into the engines.
func New(deps connection.Dependencies, opts ...Option) *Supervisor {
	s := &Supervisor{
		deps:      deps,
		policy:    connection.DefaultPolicy(),
		clock:     clock.RealClock{},
		engines:   make(map[string]*connection.Engine),
		listeners: make(map[int]connection.Listener),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.scheduler = refresh.NewScheduler(refresh.HandlerFuncs{
		OnRefreshDue:     s.refreshDue,
		OnReauthRequired: s.reauthRequired,
	}, refresh.WithClock(s.clock), refresh.WithMinimumInterval(s.minInterval))
	s.deps.Scheduler = s.scheduler
	return s
}

// Connect starts connecting cfg, creating its engine on first use.
func (s *Supervisor) Connect(cfg config.ConnectionConfig, forceInteractive bool) connection.CommandResult {
	if cfg.ID == "" {
		return connection.CommandResult{
			State:  connection.StateDisconnected,
			Reason: "connection id is required",
			Err:    api.NewConfigInvalid("connection id is required", nil),
		}
	}
	e, err := s.engine(cfg.ID, true)
	if err != nil {
		return connection.CommandResult{Reason: err.Error(), Err: err}
	}
	return e.Connect(cfg, forceInteractive)
}

// Disconnect disconnects connection id.
func (s *Supervisor) Disconnect(id string) connection.CommandResult {
	return s.route(id, (*connection.Engine).Disconnect)
}

// Reset disconnects connection id and forgets its config.
func (s *Supervisor) Reset(id string) connection.CommandResult {
	return s.route(id, (*connection.Engine).Reset)
}

// Retry re-enters the failed step of connection id.
func (s *Supervisor) Retry(id string) connection.CommandResult {
	return s.route(id, (*connection.Engine).Retry)
}

// RefreshAuth renews the credential of connection id.
func (s *Supervisor) RefreshAuth(id string) connection.CommandResult {
	return s.route(id, (*connection.Engine).RefreshAuth)
}

// ReauthRequired tells connection id that its credential expired without
// being renewed.
func (s *Supervisor) ReauthRequired(id string) connection.CommandResult {
	return s.route(id, (*connection.Engine).ReauthRequired)
}

// ReportError tells connection id that its provider hit a fatal error.
func (s *Supervisor) ReportError(id string, err error) connection.CommandResult {
	return s.route(id, func(e *connection.Engine) connection.CommandResult {
		return e.ReportError(err)
	})
}

func (s *Supervisor) route(id string, cmd func(*connection.Engine) connection.CommandResult) connection.CommandResult {
	e, err := s.engine(id, false)
	if err != nil {
		return connection.CommandResult{Reason: err.Error(), Err: err}
	}
	return cmd(e)
}

// IsConnected reports whether connection id is usable. Unknown ids yield a
// NotFoundError.
func (s *Supervisor) IsConnected(id string) (bool, error) {
	state, err := s.GetState(id)
	if err != nil {
		return false, err
	}
	return state.IsConnected(), nil
}

// GetState returns a snapshot of connection id.
func (s *Supervisor) GetState(id string) (connection.RuntimeState, error) {
	e, err := s.engine(id, false)
	if err != nil {
		return connection.RuntimeState{}, err
	}
	return e.Snapshot(), nil
}

// Handles returns the client and provider of a connected connection.
func (s *Supervisor) Handles(id string) (connection.Client, connection.Provider, error) {
	e, err := s.engine(id, false)
	if err != nil {
		return nil, nil, err
	}
	c, p, ok := e.Handles()
	if !ok {
		return nil, nil, fmt.Errorf("connection %s is not connected", id)
	}
	return c, p, nil
}

// RefreshStatus returns the refresh schedule of connection id, or nil when
// none is registered.
func (s *Supervisor) RefreshStatus(id string) *refresh.Status {
	return s.scheduler.Status(id)
}

// IDs returns the known connection ids in sorted order.
func (s *Supervisor) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.engines))
	for id := range s.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// States returns snapshots of every connection ordered by id.
func (s *Supervisor) States() []connection.RuntimeState {
	var out []connection.RuntimeState
	for _, id := range s.IDs() {
		if st, err := s.GetState(id); err == nil {
			out = append(out, st)
		}
	}
	return out
}

// Remove disconnects connection id and drops its engine.
func (s *Supervisor) Remove(id string) error {
	s.mu.Lock()
	e, ok := s.engines[id]
	delete(s.engines, id)
	s.mu.Unlock()

	if !ok {
		return api.NewConnectionNotFoundError(id)
	}
	e.Disconnect()
	e.Close()
	logging.Info("Supervisor", "Removed connection %s", id)
	return nil
}

// Apply reconciles the supervisor with the desired set of connections:
// unknown ids are connected, changed configs reconnect and ids that are no
// longer listed are removed.
func (s *Supervisor) Apply(cfgs []config.ConnectionConfig) {
	desired := make(map[string]config.ConnectionConfig, len(cfgs))
	for _, c := range cfgs {
		desired[c.ID] = c
	}

	for _, id := range s.IDs() {
		if _, ok := desired[id]; !ok {
			_ = s.Remove(id)
		}
	}

	for _, c := range cfgs {
		current, err := s.GetState(c.ID)
		switch {
		case err != nil:
			s.logResult(c.ID, "connect", s.Connect(c, false))
		case current.Config != c:
			s.Disconnect(c.ID)
			s.logResult(c.ID, "reconnect", s.Connect(c, false))
		}
	}
}

// ConnectAll connects every config concurrently and waits until each one is
// connected, has failed or ctx is done.
func (s *Supervisor) ConnectAll(ctx context.Context, cfgs []config.ConnectionConfig, forceInteractive bool) ([]connection.RuntimeState, error) {
	states := make([]connection.RuntimeState, len(cfgs))
	g, ctx := errgroup.WithContext(ctx)
	for i, c := range cfgs {
		g.Go(func() error {
			res := s.Connect(c, forceInteractive)
			if res.Err != nil {
				return res.Err
			}
			st, err := s.WaitSettled(ctx, c.ID)
			states[i] = st
			return err
		})
	}
	err := g.Wait()
	return states, err
}

// WaitSettled blocks until connection id has no step in flight and returns
// its snapshot.
func (s *Supervisor) WaitSettled(ctx context.Context, id string) (connection.RuntimeState, error) {
	e, err := s.engine(id, false)
	if err != nil {
		return connection.RuntimeState{}, err
	}

	changed := make(chan struct{}, 1)
	unsubscribe := e.Subscribe(func(n connection.Notification) {
		if _, ok := n.(connection.StateChanged); ok {
			select {
			case changed <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	for {
		snap := e.Snapshot()
		if !snap.State.IsBusy() {
			return snap, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return e.Snapshot(), ctx.Err()
		}
	}
}

// Subscribe registers l for the notifications of every connection and
// returns a function that removes it.
func (s *Supervisor) Subscribe(l connection.Listener) func() {
	id := s.addListener(l)
	return func() {
		s.listenersMu.Lock()
		defer s.listenersMu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Supervisor) addListener(l connection.Listener) int {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = l
	return id
}

func (s *Supervisor) fanOut(n connection.Notification) {
	s.listenersMu.RLock()
	listeners := make([]connection.Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.listenersMu.RUnlock()

	for _, l := range listeners {
		l(n)
	}
}

// Close stops the scheduler and every engine.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	engines := s.engines
	s.engines = make(map[string]*connection.Engine)
	s.mu.Unlock()

	s.scheduler.Close()
	var wg sync.WaitGroup
	for _, e := range engines {
		wg.Add(1)
		go func(e *connection.Engine) {
			defer wg.Done()
			e.Close()
		}(e)
	}
	wg.Wait()
	logging.Debug("Supervisor", "Stopped %d connection engines", len(engines))
}

func (s *Supervisor) engine(id string, create bool) (*connection.Engine, error) {
	s.mu.RLock()
	e, ok := s.engines[id]
	closed := s.closed
	s.mu.RUnlock()
	if ok {
		return e, nil
	}
	if closed {
		return nil, fmt.Errorf("supervisor is closed")
	}
	if !create {
		return nil, api.NewConnectionNotFoundError(id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("supervisor is closed")
	}
	if e, ok := s.engines[id]; ok {
		return e, nil
	}
	e = connection.NewEngine(id, s.deps,
		connection.WithPolicy(s.policy),
		connection.WithClock(s.clock),
		connection.WithListener(s.fanOut),
	)
	s.engines[id] = e
	logging.Debug("Supervisor", "Registered connection %s", id)
	return e, nil
}

func (s *Supervisor) refreshDue(id string) {
	go func() { s.logResult(id, "scheduled refresh", s.RefreshAuth(id)) }()
}

func (s *Supervisor) reauthRequired(id string) {
	logging.Info("Supervisor", "Credential of connection %s expired without renewal", id)
	go func() { s.logResult(id, "re-authentication", s.ReauthRequired(id)) }()
}

func (s *Supervisor) logResult(id, what string, res connection.CommandResult) {
	if !res.Accepted {
		logging.Warn("Supervisor", "%s of connection %s not accepted: %s", what, id, res.Reason)
	}
}
