// Package psktls implements a minimal TLS 1.2 PSK-only (RFC 4279)
// handshake and record layer for the GP Admin PSK-TLS listener. No
// certificate-based suites are supported (PSK identity exchange happens
// in ClientKeyExchange, exactly as RFC 4279 specifies), and the six
// symbolic CipherSuite tags here are the complete suite table.
//
// No available library speaks TLS-PSK over a byte stream; the closest
// analogues are DTLS-only, built around a datagram record layer with
// retransmission and fragmentation that has no stream equivalent to
// adapt. This package is therefore built from stdlib crypto primitives
// directly (crypto/aes, crypto/cipher, crypto/hmac, crypto/sha256,
// crypto/sha512), following the usual flight-based handshake progression
// and cipher-suite table idiom.
package psktls

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
)

// CipherSuite is one of the six symbolic cipher-suite tags this server
// negotiates.
type CipherSuite uint16

const (
	SuiteAES128CBCSHA256 CipherSuite = 0xC035 // TLS_PSK_WITH_AES_128_CBC_SHA256
	SuiteAES256CBCSHA384 CipherSuite = 0xC038 // TLS_PSK_WITH_AES_256_CBC_SHA384
	SuiteAES128CBCSHA    CipherSuite = 0x008C // TLS_PSK_WITH_AES_128_CBC_SHA
	SuiteAES256CBCSHA    CipherSuite = 0x008D // TLS_PSK_WITH_AES_256_CBC_SHA
	SuiteNULLSHA         CipherSuite = 0x002C // TLS_PSK_WITH_NULL_SHA
	SuiteNULLSHA256      CipherSuite = 0x00B0 // TLS_PSK_WITH_NULL_SHA256
)

func (c CipherSuite) String() string {
	switch c {
	case SuiteAES128CBCSHA256:
		return "AES_128_CBC_SHA256"
	case SuiteAES256CBCSHA384:
		return "AES_256_CBC_SHA384"
	case SuiteAES128CBCSHA:
		return "AES_128_CBC_SHA"
	case SuiteAES256CBCSHA:
		return "AES_256_CBC_SHA"
	case SuiteNULLSHA:
		return "NULL_SHA"
	case SuiteNULLSHA256:
		return "NULL_SHA256"
	default:
		return fmt.Sprintf("UNKNOWN(0x%04X)", uint16(c))
	}
}

// Tier classifies a suite under the default/legacy/null opt-in policy.
type Tier int

const (
	TierProduction Tier = iota
	TierLegacy
	TierNull
)

type suiteSpec struct {
	tier     Tier
	keyLen   int // symmetric key length in bytes; 0 for NULL suites
	macLen   int // MAC (HMAC) output length in bytes
	ivLen    int // block cipher IV/block size; 0 for NULL suites
	newHash  func() hash.Hash
	isNull   bool
}

var suiteTable = map[CipherSuite]suiteSpec{
	SuiteAES128CBCSHA256: {tier: TierProduction, keyLen: 16, macLen: 32, ivLen: 16, newHash: sha256.New},
	SuiteAES256CBCSHA384: {tier: TierProduction, keyLen: 32, macLen: 48, ivLen: 16, newHash: func() hash.Hash { return sha512.New384() }},
	SuiteAES128CBCSHA:    {tier: TierLegacy, keyLen: 16, macLen: 20, ivLen: 16, newHash: newSHA1},
	SuiteAES256CBCSHA:    {tier: TierLegacy, keyLen: 32, macLen: 20, ivLen: 16, newHash: newSHA1},
	SuiteNULLSHA:         {tier: TierNull, isNull: true, macLen: 20, newHash: newSHA1},
	SuiteNULLSHA256:      {tier: TierNull, isNull: true, macLen: 32, newHash: sha256.New},
}

// AllSuites lists every suite this package recognizes, in the order a
// ServerHello should prefer them: production first, then legacy, then
// null.
var AllSuites = []CipherSuite{
	SuiteAES128CBCSHA256, SuiteAES256CBCSHA384,
	SuiteAES128CBCSHA, SuiteAES256CBCSHA,
	SuiteNULLSHA, SuiteNULLSHA256,
}

// TierOf reports a suite's policy tier. Unknown suites report TierNull,
// the most restrictive, so an unrecognized value is never accidentally
// allowed by a permissive policy check.
func TierOf(c CipherSuite) Tier {
	spec, ok := suiteTable[c]
	if !ok {
		return TierNull
	}
	return spec.tier
}

// IsNull reports whether c is one of the two NULL-encryption suites.
func IsNull(c CipherSuite) bool {
	return suiteTable[c].isNull
}

func prfHashFor(c CipherSuite) func() hash.Hash {
	if spec, ok := suiteTable[c]; ok && spec.newHash != nil {
		return spec.newHash
	}
	return sha256.New
}
