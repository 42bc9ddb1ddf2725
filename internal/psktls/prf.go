package psktls

import (
	"crypto/hmac"
	"hash"
)

// prf is the TLS 1.2 pseudo-random function (RFC 5246 §5): P_hash applied
// to secret, label, and seed, using the cipher suite's designated hash
// (SHA-256 for the production/NULL_SHA256 suites, SHA-1 for the legacy
// and NULL_SHA suites, SHA-384 for AES_256_CBC_SHA384).
func prf(newHash func() hash.Hash, secret []byte, label string, seed []byte, length int) []byte {
	labelSeed := append([]byte(label), seed...)
	return pHash(newHash, secret, labelSeed, length)
}

func pHash(newHash func() hash.Hash, secret, seed []byte, length int) []byte {
	h := hmac.New(newHash, secret)
	h.Write(seed)
	a := h.Sum(nil)

	out := make([]byte, 0, length)
	for len(out) < length {
		h.Reset()
		h.Write(a)
		h.Write(seed)
		out = append(out, h.Sum(nil)...)

		h.Reset()
		h.Write(a)
		a = h.Sum(nil)
	}
	return out[:length]
}

// pskPremasterSecret builds the RFC 4279 §2 premaster secret for a
// pure-PSK key exchange: uint16(len(psk)) || zeros(len(psk)) ||
// uint16(len(psk)) || psk.
func pskPremasterSecret(psk []byte) []byte {
	n := len(psk)
	out := make([]byte, 0, 4+2*n)
	out = append(out, byte(n>>8), byte(n))
	out = append(out, make([]byte, n)...)
	out = append(out, byte(n>>8), byte(n))
	out = append(out, psk...)
	return out
}
