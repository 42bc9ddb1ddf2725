package psktls

import (
	"context"
	"time"
)

// Lookup resolves a PSK identity to its shared secret. It is satisfied by
// keystore.KeyStore.Lookup with the signature reproduced here so this
// package never needs to import internal/keystore.
type Lookup func(ctx context.Context, identity []byte) (secret []byte, found bool, err error)

// Config parameterizes one listener's handshake behavior.
type Config struct {
	// AllowedSuites is tried against the client's offer in order;
	// BuildAllowedSuites derives this list from a config.CipherPolicy.
	AllowedSuites []CipherSuite
	// Hint is the PSK identity hint sent in ServerKeyExchange (may be
	// empty).
	Hint []byte
	// HandshakeTimeout bounds the whole handshake wall-clock.
	HandshakeTimeout time.Duration
	// LookupSecret resolves the client's chosen PSK identity.
	LookupSecret Lookup
	// IdentityExists distinguishes "unknown identity" from "known
	// identity, wrong key" for diagnostics when LookupSecret itself
	// can't say (e.g. it only returns found=false for both). When nil,
	// the handshake uses LookupSecret's own found return value.
	IdentityExists func(ctx context.Context, identity []byte) bool
}

// BuildAllowedSuites derives the accepted cipher-suite list from a policy
// name and the null-cipher opt-in flag, using each suite's Tier.
func BuildAllowedSuites(policy string, enableNull bool) []CipherSuite {
	var out []CipherSuite
	for _, s := range AllSuites {
		switch TierOf(s) {
		case TierProduction:
			out = append(out, s)
		case TierLegacy:
			if policy == "legacy" || policy == "all" {
				out = append(out, s)
			}
		case TierNull:
			if enableNull && (policy == "null-debug" || policy == "all") {
				out = append(out, s)
			}
		}
	}
	return out
}
