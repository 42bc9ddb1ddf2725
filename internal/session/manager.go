package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opsgp/gpram/internal/event"
)

// Manager owns every live Session, keyed by ID. It is the sole writer of
// Session state; all mutation methods take the session's own lock so
// unrelated sessions never contend with one another, while the live-set
// map itself is guarded by a single RWMutex.
type Manager struct {
	log *zap.Logger
	bus *event.Bus

	mu   sync.RWMutex
	live map[string]*Session

	sessionTimeout time.Duration
	sweepInterval  time.Duration

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// NewManager constructs a Manager and starts its background expiration
// sweeper. Callers must invoke Shutdown when the server stops accepting
// connections.
func NewManager(log *zap.Logger, bus *event.Bus, sessionTimeout, sweepInterval time.Duration) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		log:            log,
		bus:            bus,
		live:           make(map[string]*Session),
		sessionTimeout: sessionTimeout,
		sweepInterval:  sweepInterval,
		stopSweep:      make(chan struct{}),
		sweepDone:      make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Create allocates a new Session for a completed handshake. The session
// starts in CONNECTED; the HANDSHAKING state models the in-flight TLS
// Handler's own bookkeeping (see internal/psktls), which never owns a
// Session value since one doesn't exist until the handshake succeeds.
func (m *Manager) Create(tls TLSSessionInfo) *Session {
	s := newSession(tls)
	m.mu.Lock()
	m.live[s.id] = s
	m.mu.Unlock()
	return s
}

// Get returns the live Session for id, or nil if it doesn't exist (already
// closed and reaped, or never created).
func (m *Manager) Get(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.live[id]
}

// Transition moves a session forward to newState, emitting no dedicated
// lifecycle event of its own beyond what RecordExchange/Close already
// publish: CONNECTED→ACTIVE is implicit in the first RecordExchange call.
func (m *Manager) Transition(id string, newState State) error {
	s := m.Get(id)
	if s == nil {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrClosed
	}
	if newState <= s.state {
		return ErrInvalidTransition
	}
	s.state = newState
	return nil
}

// RecordExchange appends exchange to the session's history, advances
// commandCount, and bumps lastActivityAt atomically with respect to other
// mutations of the same session. The first call for a session transitions
// it CONNECTED→ACTIVE.
func (m *Manager) RecordExchange(id string, exchange APDUExchange) error {
	s := m.Get(id)
	if s == nil {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return ErrClosed
	case StateConnected:
		s.state = StateActive
	case StateActive:
		// already active
	default:
		return ErrNotActive
	}

	exchange.SequenceNumber = len(s.history)
	s.history = append(s.history, exchange)
	s.commandCount++
	now := exchange.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	if now.After(s.lastActivityAt) {
		s.lastActivityAt = now
	}
	return nil
}

// Close transitions the session to CLOSED, computes its duration, emits
// session_ended, and removes it from the live set. Closing an
// already-closed or unknown session is a no-op.
func (m *Manager) Close(id string, reason CloseReason) error {
	s := m.Get(id)
	if s == nil {
		return nil
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.closedAt = time.Now()
	s.closeReason = reason
	snap := Snapshot{
		ID:           s.id,
		TLS:          s.tls,
		CommandCount: s.commandCount,
		CreatedAt:    s.createdAt,
		ClosedAt:     s.closedAt,
		CloseReason:  reason,
	}
	s.mu.Unlock()

	m.mu.Lock()
	delete(m.live, id)
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(event.KindSessionEnded, event.SessionEndedPayload{
			SessionID:    snap.ID,
			DurationMs:   snap.ClosedAt.Sub(snap.CreatedAt).Milliseconds(),
			CommandCount: snap.CommandCount,
			Reason:       string(snap.CloseReason),
			Cipher:       snap.TLS.Cipher,
			IsNullCipher: snap.TLS.IsNullCipher,
		})
	}
	m.log.Info("session closed",
		zap.String("sessionId", snap.ID),
		zap.String("reason", string(reason)),
		zap.Int("commandCount", snap.CommandCount),
	)
	return nil
}

// ActiveSessions returns a race-free snapshot of every currently-live
// session.
func (m *Manager) ActiveSessions() []Snapshot {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.live))
	for _, s := range m.live {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Shutdown closes every live session with ReasonNormal and stops the
// sweeper. It is used by the orchestrator on a shutdown signal.
func (m *Manager) Shutdown() {
	close(m.stopSweep)
	<-m.sweepDone
	for _, snap := range m.ActiveSessions() {
		_ = m.Close(snap.ID, ReasonNormal)
	}
}

func (m *Manager) sweepLoop() {
	defer close(m.sweepDone)
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopSweep:
			return
		case <-ticker.C:
			m.sweepOnce(time.Now())
		}
	}
}

// sweepOnce closes every CONNECTED/ACTIVE session idle for longer than
// sessionTimeout. A session exactly at the boundary is not yet eligible:
// the comparison is strictly greater-than.
func (m *Manager) sweepOnce(now time.Time) {
	for _, snap := range m.ActiveSessions() {
		if snap.State != StateConnected && snap.State != StateActive {
			continue
		}
		if now.Sub(snap.LastActivityAt) > m.sessionTimeout {
			if err := m.Close(snap.ID, ReasonTimeout); err != nil {
				m.log.Warn("sweeper failed to close expired session",
					zap.String("sessionId", snap.ID), zap.Error(err))
			}
		}
	}
}
