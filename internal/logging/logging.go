// Package logging builds the zap logger shared by every core component and
// scrubs security-sensitive byte strings before they reach a sink.
package logging

import (
	"encoding/hex"
	"regexp"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-profile zap logger. debug enables DEBUG-level
// fields (raw APDU bytes, hex-encoded); it must never be enabled alongside
// secret material.
func New(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// ipPattern keeps peer addresses out of escalated log sinks that feed
// external aggregation, while still logging them at INFO for operators.
var ipPattern = regexp.MustCompile(`\b(\d{1,3}\.){3}\d{1,3}\b`)

// ScrubAddress redacts the host portion of an address for logs that may be
// shipped off-box; session-local operator logs use the unredacted address.
func ScrubAddress(addr string) string {
	return ipPattern.ReplaceAllString(addr, "x.x.x.x")
}

// HexPreview renders up to n bytes of b as hex for DEBUG-level fields. It
// exists so APDU bytes are never written to a log as a raw string, which
// would make PSK secrets or sensitive command data trivially greppable if a
// handler ever passed one through by mistake.
func HexPreview(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return hex.EncodeToString(b)
}
