// Package keystore implements a pure-read lookup from PSK identity to
// shared secret. Two implementations are provided (a file-backed one and
// a SQLite-backed one), both fail-fast at construction if their backing
// source is malformed.
package keystore

import (
	"context"
	"errors"
)

// ErrTransient signals a backing-store outage at lookup time (e.g. a
// database connection drop). The TLS Handler must treat this the same as
// "not found": the handshake fails closed.
var ErrTransient = errors.New("keystore: transient backing-store failure")

// KeyStore is the read-only PSK credential lookup used by the PSK
// identity callback in internal/psktls. Implementations must be safe for
// concurrent use and must resolve within the caller's handshake budget.
type KeyStore interface {
	// Lookup returns the shared secret for identity, or found=false if the
	// identity is unknown. err is non-nil (wrapping ErrTransient) only on
	// a backing-store failure, never on a legitimate "not found".
	Lookup(ctx context.Context, identity []byte) (secret []byte, found bool, err error)

	// Exists reports whether identity is known, without retrieving its
	// secret. Used by the diagnostics path only; this distinction is
	// never surfaced to the peer.
	Exists(ctx context.Context, identity []byte) bool
}
