package refresh

import (
	"math"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"adoconnect/pkg/logging"
)

// DefaultMinimumInterval is the shortest delay the scheduler ever uses.
const DefaultMinimumInterval = 60 * time.Second

// Handler receives scheduler signals. Calls happen on the timer goroutine of
// the connection concerned and must not block.
type Handler interface {
	// RefreshDue asks for a silent refresh of the connection's credential.
	RefreshDue(connectionID string)

	// ReauthRequired reports that the credential expired without being
	// renewed. The schedule entry has already been removed.
	ReauthRequired(connectionID string)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are ignored.
type HandlerFuncs struct {
	OnRefreshDue     func(connectionID string)
	OnReauthRequired func(connectionID string)
}

// RefreshDue implements Handler.
func (h HandlerFuncs) RefreshDue(id string) {
	if h.OnRefreshDue != nil {
		h.OnRefreshDue(id)
	}
}

// ReauthRequired implements Handler.
func (h HandlerFuncs) ReauthRequired(id string) {
	if h.OnReauthRequired != nil {
		h.OnReauthRequired(id)
	}
}

// Status describes the schedule of one connection.
type Status struct {
	NextRefreshAt        time.Time
	AttemptCount         int
	OriginalExpiresAt    time.Time
	IsExpired            bool
	TimeUntilExpiry      time.Duration
	TimeUntilNextRefresh time.Duration
}

type entry struct {
	expiresAt time.Time
	nextAt    time.Time
	attempts  int
	reauth    bool
	timer     clock.Timer
	seq       uint64
}

// Scheduler keeps one timer per connection and fires before each
// credential expires. After a refresh firing the entry re-arms itself at
// half the remaining lifetime, so a refresh that never reports back is
// retried and finally escalated to a re-auth signal. Schedule resets the
// entry; Cancel removes it.
type Scheduler struct {
	clock       clock.WithDelayedExecution
	minInterval time.Duration
	handler     Handler

	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64
	closed  bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the real clock.
func WithClock(c clock.WithDelayedExecution) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithMinimumInterval sets the shortest delay between two firings.
func WithMinimumInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.minInterval = d
		}
	}
}

// NewScheduler creates a scheduler reporting to handler.
func NewScheduler(handler Handler, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:       clock.RealClock{},
		minInterval: DefaultMinimumInterval,
		handler:     handler,
		entries:     make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// leadFraction is the share of the remaining lifetime to wait before the
// first refresh. Shorter lifetimes refresh proportionally earlier.
func leadFraction(remaining time.Duration) float64 {
	switch {
	case remaining > time.Hour:
		return 0.8
	case remaining > 15*time.Minute:
		return 0.7
	case remaining > 5*time.Minute:
		return 0.6
	default:
		return 0.5
	}
}

// plan computes when to fire next and whether that firing is a re-auth
// signal rather than a refresh. The delay is never shorter than the minimum
// interval; when that pushes the firing past expiry, it becomes a re-auth
// signal.
func (s *Scheduler) plan(now, expiresAt time.Time, attempts int) (time.Time, bool) {
	remaining := expiresAt.Sub(now)

	var delay time.Duration
	switch {
	case remaining <= 0:
		delay = 0
	case attempts == 0:
		delay = time.Duration(math.Round(float64(remaining) * leadFraction(remaining)))
	default:
		delay = remaining / 2
	}
	if delay < s.minInterval {
		delay = s.minInterval
	}

	next := now.Add(delay)
	return next, !next.Before(expiresAt)
}

// Schedule registers a credential expiring at expiresAt for connectionID,
// replacing any previous schedule for that id.
func (s *Scheduler) Schedule(connectionID string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.stopLocked(connectionID)
	s.armLocked(connectionID, &entry{expiresAt: expiresAt})
}

func (s *Scheduler) armLocked(connectionID string, e *entry) {
	now := s.clock.Now()
	e.nextAt, e.reauth = s.plan(now, e.expiresAt, e.attempts)

	s.seq++
	e.seq = s.seq
	seq := e.seq
	e.timer = s.clock.AfterFunc(e.nextAt.Sub(now), func() { s.fire(connectionID, seq) })
	s.entries[connectionID] = e

	logging.Debug("RefreshScheduler", "Connection %s: next %s at %s (attempt %d, expires %s)",
		connectionID, kindOf(e.reauth), e.nextAt.Format(time.RFC3339), e.attempts, e.expiresAt.Format(time.RFC3339))
}

func kindOf(reauth bool) string {
	if reauth {
		return "re-auth signal"
	}
	return "refresh"
}

func (s *Scheduler) fire(connectionID string, seq uint64) {
	s.mu.Lock()
	e, ok := s.entries[connectionID]
	if !ok || e.seq != seq || s.closed {
		s.mu.Unlock()
		return
	}
	reauth := e.reauth
	if reauth {
		delete(s.entries, connectionID)
	} else {
		// Until the owner reschedules with a fresh expiry, keep firing at
		// half the remaining lifetime.
		e.attempts++
		s.armLocked(connectionID, e)
	}
	s.mu.Unlock()

	if reauth {
		logging.Info("RefreshScheduler", "Credential for connection %s expired without renewal", connectionID)
		s.handler.ReauthRequired(connectionID)
		return
	}
	logging.Debug("RefreshScheduler", "Refresh due for connection %s", connectionID)
	s.handler.RefreshDue(connectionID)
}

// Cancel removes the schedule of connectionID.
func (s *Scheduler) Cancel(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(connectionID)
}

func (s *Scheduler) stopLocked(connectionID string) {
	if e, ok := s.entries[connectionID]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.entries, connectionID)
	}
}

// Status returns the schedule of connectionID, or nil if none is registered.
func (s *Scheduler) Status(connectionID string) *Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[connectionID]
	if !ok {
		return nil
	}
	now := s.clock.Now()
	return &Status{
		NextRefreshAt:        e.nextAt,
		AttemptCount:         e.attempts,
		OriginalExpiresAt:    e.expiresAt,
		IsExpired:            !now.Before(e.expiresAt),
		TimeUntilExpiry:      e.expiresAt.Sub(now),
		TimeUntilNextRefresh: e.nextAt.Sub(now),
	}
}

// Len returns the number of registered schedules.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close cancels every timer. Later calls to Schedule are ignored.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.entries {
		s.stopLocked(id)
	}
	s.closed = true
}
