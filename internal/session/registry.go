// Package session holds the in-memory billing state of calls that are
// currently answered.
package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrAlreadyActive = errors.New("session: already active")
	ErrNotFound      = errors.New("session: not found")
	ErrInvalidRate   = errors.New("session: rate per minute must be positive")
)

// Session is the billing state of one answered call. ID, Caller,
// RatePerMinute and StartedAt never change after Start. The remaining fields
// are owned by the Registry and only read or written under its lock.
type Session struct {
	ID            string
	Caller        string
	RatePerMinute int64
	StartedAt     time.Time

	ctx    context.Context
	cancel context.CancelFunc

	lastAffordableMinute int64
	affordabilityKnown   bool
	warningSent          bool
	lowBalanceNoticeSent bool
	forcedTermination    bool
}

// Context is canceled when the session is removed from the registry.
func (s *Session) Context() context.Context { return s.ctx }

// Done is shorthand for Context().Done().
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Snapshot is a copy of a session's state taken under the registry lock.
type Snapshot struct {
	ID                   string
	Caller               string
	RatePerMinute        int64
	StartedAt            time.Time
	LastAffordableMinute int64
	AffordabilityKnown   bool
	WarningSent          bool
	LowBalanceNoticeSent bool
	ForcedTermination    bool
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		ID:                   s.ID,
		Caller:               s.Caller,
		RatePerMinute:        s.RatePerMinute,
		StartedAt:            s.StartedAt,
		LastAffordableMinute: s.lastAffordableMinute,
		AffordabilityKnown:   s.affordabilityKnown,
		WarningSent:          s.warningSent,
		LowBalanceNoticeSent: s.lowBalanceNoticeSent,
		ForcedTermination:    s.forcedTermination,
	}
}

// Registry maps a primary call id to its session.
type Registry struct {
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		now:      now,
		sessions: make(map[string]*Session),
	}
}

// Start creates a session for id unless one already exists, in which case
// ErrAlreadyActive is returned together with the existing session. The new
// session's context is live until Remove, RemoveSession or CancelAll.
func (r *Registry) Start(id, caller string, ratePerMinute int64) (*Session, error) {
	if ratePerMinute <= 0 {
		return nil, ErrInvalidRate
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[id]; ok {
		return existing, ErrAlreadyActive
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:            id,
		Caller:        caller,
		RatePerMinute: ratePerMinute,
		StartedAt:     r.now(),
		ctx:           ctx,
		cancel:        cancel,
	}
	r.sessions[id] = s
	return s, nil
}

func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// Touch records that the balance covers minute minutes. The stored value
// never decreases: a lower reading after a transient hiccup must not undo an
// earlier confirmation.
func (r *Registry) Touch(id string, minute int64) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	if minute > s.lastAffordableMinute {
		s.lastAffordableMinute = minute
	}
	s.affordabilityKnown = true
	return s.snapshot(), nil
}

// Remove evicts the session and cancels its context in the same critical
// section. Only the first caller for a given session gets ok == true.
func (r *Registry) Remove(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, false
	}
	s.cancel()
	delete(r.sessions, id)
	return s.snapshot(), true
}

// RemoveSession evicts s only if it is still the session registered under
// its id.
func (r *Registry) RemoveSession(s *Session) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.sessions[s.ID]
	if !ok || current != s {
		return Snapshot{}, false
	}
	s.cancel()
	delete(r.sessions, s.ID)
	return s.snapshot(), true
}

// ClaimWarning flips the low-time warning flag. It returns true only for
// the call that flipped it.
func (r *Registry) ClaimWarning(id string) bool {
	return r.claim(id, func(s *Session) *bool { return &s.warningSent })
}

// ClaimLowBalanceNotice flips the low-balance notice flag. It returns true
// only for the call that flipped it.
func (r *Registry) ClaimLowBalanceNotice(id string) bool {
	return r.claim(id, func(s *Session) *bool { return &s.lowBalanceNoticeSent })
}

// MarkForcedTermination records that the monitor cut the call short.
func (r *Registry) MarkForcedTermination(id string) bool {
	return r.claim(id, func(s *Session) *bool { return &s.forcedTermination })
}

func (r *Registry) claim(id string, flag func(*Session) *bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	f := flag(s)
	if *f {
		return false
	}
	*f = true
	return true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CancelAll cancels and evicts every session. Used on shutdown.
func (r *Registry) CancelAll() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.sessions))
	for id, s := range r.sessions {
		s.cancel()
		out = append(out, s.snapshot())
		delete(r.sessions, id)
	}
	return out
}
