// Package event implements a typed publish/subscribe fabric: a small
// event dispatcher every listener registers against, with per-kind
// subscriptions, a wildcard subscription, and schema-checked payloads.
package event

import (
	"reflect"
	"time"
)

// Kind names one of the 11 canonical broadcast event kinds.
type Kind string

const (
	KindServerStarted        Kind = "server_started"
	KindServerStopped        Kind = "server_stopped"
	KindTLSHandshakeStart    Kind = "tls_handshake_start"
	KindTLSHandshakeComplete Kind = "tls_handshake_complete"
	KindAPDUReceived         Kind = "apdu_received"
	KindAPDUSent             Kind = "apdu_sent"
	KindSessionEnded         Kind = "session_ended"
	KindConnectionInterrupt  Kind = "connection_interrupted"
	KindPSKMismatch          Kind = "psk_mismatch"
	KindHandshakeInterrupted Kind = "handshake_interrupted"
	KindHighErrorRate        Kind = "high_error_rate"
)

// Wildcard subscribes a callback to every kind.
const Wildcard Kind = "*"

// Event is the envelope delivered to subscribers: a kind tag, a wall-clock
// timestamp, and a kind-specific payload that has already passed schema
// validation.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Payload   any
}

// --- Payload schemas, one struct per Kind. ---

type ServerStartedPayload struct {
	Address            string
	CipherPolicySummary string
	NullCiphersEnabled bool
}

type ServerStoppedPayload struct {
	Reason string
}

type TLSHandshakeStartPayload struct {
	PeerAddress string
}

type TLSHandshakeCompletePayload struct {
	PeerAddress     string
	Success         bool
	Identity        string
	Cipher          string
	IdentityExists  bool
	HandshakeMillis int64
	IsNullCipher    bool
}

type APDUReceivedPayload struct {
	SessionID      string
	SequenceNumber int
	CommandBytes   []byte
}

type APDUSentPayload struct {
	SessionID      string
	SequenceNumber int
	ResponseBytes  []byte
	StatusWord     uint16
	DurationMillis int64
}

type SessionEndedPayload struct {
	SessionID    string
	DurationMs   int64
	CommandCount int
	Reason       string
	Cipher       string
	IsNullCipher bool
}

type ConnectionInterruptedPayload struct {
	SessionID         string
	LastCommandBytes  []byte
	HasLastCommand    bool
}

type PSKMismatchPayload struct {
	Identity       string
	PeerAddress    string
	IdentityExists bool
}

type HandshakeInterruptedPayload struct {
	PeerAddress  string
	PartialState string
	Reason       string
	LikelyNetworkIssue bool
}

type HighErrorRatePayload struct {
	ErrorKind    string
	ObservedRate float64
	Threshold    float64
}

// schemaOf maps a Kind to the Go type its payload must have. Validate uses
// this table so a mismatched Emit is rejected at the producer rather than
// silently delivered with the wrong shape (a runtime type-assertion
// table standing in for a schema library the core has no need of).
var schemaOf = map[Kind]any{
	KindServerStarted:        ServerStartedPayload{},
	KindServerStopped:        ServerStoppedPayload{},
	KindTLSHandshakeStart:    TLSHandshakeStartPayload{},
	KindTLSHandshakeComplete: TLSHandshakeCompletePayload{},
	KindAPDUReceived:         APDUReceivedPayload{},
	KindAPDUSent:             APDUSentPayload{},
	KindSessionEnded:         SessionEndedPayload{},
	KindConnectionInterrupt:  ConnectionInterruptedPayload{},
	KindPSKMismatch:          PSKMismatchPayload{},
	KindHandshakeInterrupted: HandshakeInterruptedPayload{},
	KindHighErrorRate:        HighErrorRatePayload{},
}

// Validate reports whether payload is the schema registered for kind.
func Validate(kind Kind, payload any) bool {
	want, ok := schemaOf[kind]
	if !ok {
		return false
	}
	return sameType(want, payload)
}

func sameType(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	return reflect.TypeOf(a) == reflect.TypeOf(b)
}
