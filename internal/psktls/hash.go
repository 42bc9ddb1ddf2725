package psktls

import (
	"crypto/sha1" //nolint:gosec // TLS_PSK_WITH_*_SHA legacy suites are SHA-1 MACs by definition.
	"hash"
)

func newSHA1() hash.Hash { return sha1.New() }
