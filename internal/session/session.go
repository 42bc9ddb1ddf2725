// Package session implements the Session Manager: the per-connection
// state machine, its APDU history, and the background expiration
// sweeper. The shared mutable live-session map is protected by a single
// mutex around a plain Go map, with one additional lock per Session so
// that a slow subscriber or long handler never blocks unrelated
// sessions.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is one of the four forward-only lifecycle states a session moves
// through: HANDSHAKING, CONNECTED, ACTIVE, CLOSED.
type State int

const (
	StateHandshaking State = iota
	StateConnected
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "HANDSHAKING"
	case StateConnected:
		return "CONNECTED"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// CloseReason records why a Session was closed.
type CloseReason string

const (
	ReasonNormal           CloseReason = "NORMAL"
	ReasonTimeout          CloseReason = "TIMEOUT"
	ReasonError            CloseReason = "ERROR"
	ReasonClientDisconnect CloseReason = "CLIENT_DISCONNECT"
)

// TLSSessionInfo is immutable after handshake completion.
type TLSSessionInfo struct {
	Identity                 string
	Cipher                   string
	NegotiatedProtocolVersion string
	HandshakeDurationMs      int64
	PeerAddress              string
	IsNullCipher             bool
}

// APDUExchange is an immutable record of one command/response pair.
// Derived attributes (INS name, SW meaning) are deliberately absent:
// those belong to the presentation layer.
type APDUExchange struct {
	SequenceNumber int
	CommandBytes   []byte
	ResponseBytes  []byte
	StatusWord     uint16
	Timestamp      time.Time
	DurationMs     int64
}

// ErrInvalidTransition is returned when a caller asks for a backward or
// repeated state transition.
var ErrInvalidTransition = fmt.Errorf("session: invalid state transition")

// ErrClosed is returned by any mutation attempted on a CLOSED session.
var ErrClosed = fmt.Errorf("session: already closed")

// ErrNotActive is returned by RecordExchange when the session is neither
// CONNECTED nor ACTIVE (a CONNECTED session becomes ACTIVE on its first
// exchange).
var ErrNotActive = fmt.Errorf("session: not in ACTIVE state")

// Session is the mutable per-connection record owned exclusively by the
// Manager. External collaborators (dashboard, metrics, storage) reference
// a Session only by ID, so every field here is read through accessor
// methods that take the lock rather than exposed directly, avoiding
// accidental unsynchronized reads.
type Session struct {
	id  string
	tls TLSSessionInfo

	mu             sync.Mutex
	state          State
	createdAt      time.Time
	lastActivityAt time.Time
	closedAt       time.Time
	commandCount   int
	history        []APDUExchange
	closeReason    CloseReason
}

func newSession(tls TLSSessionInfo) *Session {
	now := time.Now()
	return &Session{
		id:             uuid.NewString(),
		tls:            tls,
		state:          StateConnected,
		createdAt:      now,
		lastActivityAt: now,
	}
}

// ID returns the session's globally-unique identifier.
func (s *Session) ID() string { return s.id }

// TLS returns the immutable handshake metadata.
func (s *Session) TLS() TLSSessionInfo { return s.tls }

// Snapshot is a point-in-time, race-free copy of a Session's observable
// state, used by ActiveSessions and diagnostic/metrics consumers.
type Snapshot struct {
	ID             string
	TLS            TLSSessionInfo
	State          State
	CreatedAt      time.Time
	LastActivityAt time.Time
	ClosedAt       time.Time
	CommandCount   int
	History        []APDUExchange
	CloseReason    CloseReason
}

// Snapshot copies out the current observable state under lock.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := make([]APDUExchange, len(s.history))
	copy(history, s.history)
	return Snapshot{
		ID:             s.id,
		TLS:            s.tls,
		State:          s.state,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivityAt,
		ClosedAt:       s.closedAt,
		CommandCount:   s.commandCount,
		History:        history,
		CloseReason:    s.closeReason,
	}
}
