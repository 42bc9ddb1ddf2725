// Package diag classifies connection, handshake, and authentication
// failures into alert/diagnostic event kinds, tracks per-peer PSK
// mismatches, and checks sliding-window error rates. The Admin Server
// orchestrator holds the one *Handler and reports into it: classified
// handshake failures returned by the TLS Handler, and transport failures
// that end a session's HTTP loop.
package diag

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/opsgp/gpram/internal/event"
	"github.com/opsgp/gpram/internal/logging"
)

// AlertKind is one of the six diagnostic kinds this handler can raise.
type AlertKind string

const (
	AlertPSKMismatch           AlertKind = "PSK_MISMATCH"
	AlertHandshakeInterrupted  AlertKind = "HANDSHAKE_INTERRUPTED"
	AlertConnectionInterrupted AlertKind = "CONNECTION_INTERRUPTED"
	AlertHighErrorRate         AlertKind = "HIGH_ERROR_RATE"
	AlertNullCipherInUse       AlertKind = "NULL_CIPHER_IN_USE"
	AlertHandshakeTimeout      AlertKind = "HANDSHAKE_TIMEOUT"
)

// SessionCloser is the subset of session.Manager the Error Handler needs.
// Declaring it as a narrow local interface (rather than importing the
// concrete *session.Manager) keeps diag free to be unit-tested with a
// stub and avoids widening its dependency surface.
type SessionCloser interface {
	Close(id string, reason string) error
}

// Handler classifies and tracks connection, handshake, and authentication
// failures, publishing diagnostic events and closing sessions as needed.
type Handler struct {
	log *zap.Logger
	bus *event.Bus

	sessions SessionCloser

	mismatchThreshold int
	mismatchWindow    *slidingWindow

	rateThresholds map[AlertKind]float64
	rateWindow     *slidingWindow
	rateWindowSpan time.Duration

	// warnLimiter throttles the repeated-mismatch WARNING log itself so a
	// sustained attack doesn't also become a logging denial-of-service;
	// the mismatch events themselves are still emitted on every call.
	warnLimiter *rate.Limiter
}

// Config bundles the Error Handler's tunables, mirroring the relevant
// fields of config.Config so diag doesn't need to import that package.
type Config struct {
	MismatchThreshold int
	MismatchWindow    time.Duration
	ErrorRateWindow   time.Duration
	ErrorRateThresholds map[AlertKind]float64
}

// New constructs a Handler. sessions may be nil in contexts (like the TLS
// Handler, pre-Session) that only need handshake-time classification.
func New(log *zap.Logger, bus *event.Bus, sessions SessionCloser, cfg Config) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MismatchWindow <= 0 {
		cfg.MismatchWindow = 60 * time.Second
	}
	if cfg.ErrorRateWindow <= 0 {
		cfg.ErrorRateWindow = 60 * time.Second
	}
	return &Handler{
		log:               log,
		bus:               bus,
		sessions:          sessions,
		mismatchThreshold: cfg.MismatchThreshold,
		mismatchWindow:    newSlidingWindow(cfg.MismatchWindow),
		rateThresholds:    cfg.ErrorRateThresholds,
		rateWindow:        newSlidingWindow(cfg.ErrorRateWindow),
		rateWindowSpan:    cfg.ErrorRateWindow,
		warnLimiter:       rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
}

// OnConnectionInterrupted handles a mid-session transport failure: it
// emits connection_interrupted and closes the session with ReasonError
// within the component's own call stack, since Close never blocks on I/O.
func (h *Handler) OnConnectionInterrupted(sessionID string, lastCommand []byte) {
	h.publish(event.KindConnectionInterrupt, event.ConnectionInterruptedPayload{
		SessionID:        sessionID,
		LastCommandBytes: lastCommand,
		HasLastCommand:   lastCommand != nil,
	})
	h.CheckErrorRate(AlertConnectionInterrupted)

	if h.sessions != nil {
		if err := h.sessions.Close(sessionID, "ERROR"); err != nil {
			h.log.Warn("failed to close session after connection interruption",
				zap.String("sessionId", sessionID), zap.Error(err))
		}
	}
}

// OnPSKMismatch records one mismatch for peerAddr and emits psk_mismatch.
// identityExists distinguishes "known identity, wrong key" from "unknown
// identity" for the log/event only; it is never surfaced to the peer.
func (h *Handler) OnPSKMismatch(identity, peerAddr string, identityExists bool) {
	h.publish(event.KindPSKMismatch, event.PSKMismatchPayload{
		Identity:       identity,
		PeerAddress:    peerAddr,
		IdentityExists: identityExists,
	})
	h.CheckErrorRate(AlertPSKMismatch)

	now := time.Now()
	count := h.mismatchWindow.record(peerAddr, now)
	if count >= h.mismatchThreshold && h.warnLimiter.Allow() {
		h.log.Warn("repeated PSK mismatch from peer, possible misconfiguration or attack",
			zap.String("peerAddress", logging.ScrubAddress(peerAddr)),
			zap.Int("count", count),
			zap.Int("threshold", h.mismatchThreshold),
		)
	}
}

// OnHandshakeInterrupted handles a peer disconnect mid-handshake.
func (h *Handler) OnHandshakeInterrupted(peerAddr, partialState, reason string) {
	likelyNetwork := partialState == "CLIENT_HELLO_RECEIVED"
	h.publish(event.KindHandshakeInterrupted, event.HandshakeInterruptedPayload{
		PeerAddress:        peerAddr,
		PartialState:       partialState,
		Reason:             reason,
		LikelyNetworkIssue: likelyNetwork,
	})
	h.CheckErrorRate(AlertHandshakeInterrupted)
}

// CheckErrorRate accumulates an occurrence of kind in the shared rate
// window and, when the observed rate crosses the configured threshold,
// emits high_error_rate.
func (h *Handler) CheckErrorRate(kind AlertKind) {
	threshold, configured := h.rateThresholds[kind]
	now := time.Now()
	count := h.rateWindow.record(string(kind), now)
	if !configured || threshold <= 0 {
		return
	}
	observed := float64(count) / h.rateWindowSpan.Seconds()
	if observed > threshold {
		h.publish(event.KindHighErrorRate, event.HighErrorRatePayload{
			ErrorKind:    string(kind),
			ObservedRate: observed,
			Threshold:    threshold,
		})
	}
}

func (h *Handler) publish(kind event.Kind, payload any) {
	if h.bus != nil {
		h.bus.Publish(kind, payload)
	}
}
