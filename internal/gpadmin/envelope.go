// Package gpadmin implements the GP Admin HTTP/1.1 surface over an
// already-established psktls.Conn: POST-only routing to the configured
// admin path, the GP Admin Content-Type, TLV-wrapped APDU bodies, and
// the keep-alive request loop.
package gpadmin

import (
	"encoding/binary"
	"fmt"
)

// ContentType is the GP Amendment B media type both request and response
// bodies must carry (case-insensitive on the wire).
const ContentType = "application/vnd.globalplatform.card-content-mgt;version=1.0"

// tlvTagAPDU is this server's single envelope tag: one TLV per APDU. The
// source material names a TLV envelope without fixing a tag space, so a
// single private tag is all this surface needs.
const tlvTagAPDU = 0x53

// EncodeEnvelope wraps a single APDU (command or response bytes) in a
// one-entry TLV envelope. An empty apdu produces an empty (nil) envelope.
func EncodeEnvelope(apdu []byte) []byte {
	if len(apdu) == 0 {
		return nil
	}
	out := make([]byte, 0, 1+3+len(apdu))
	out = append(out, tlvTagAPDU)
	out = appendTLVLength(out, len(apdu))
	out = append(out, apdu...)
	return out
}

// DecodeEnvelope parses a request body into zero or one APDU. A body
// containing more than one TLV entry is rejected: multi-APDU bodies
// return ErrMultipleAPDUs so the caller can answer with HTTP 400 rather
// than guess at pairing semantics.
func DecodeEnvelope(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return nil, nil
	}
	tag, value, rest, err := readTLV(body)
	if err != nil {
		return nil, err
	}
	if tag != tlvTagAPDU {
		return nil, fmt.Errorf("gpadmin: unexpected TLV tag 0x%02X", tag)
	}
	if len(rest) > 0 {
		return nil, ErrMultipleAPDUs
	}
	return value, nil
}

// ErrMultipleAPDUs is returned by DecodeEnvelope for a body carrying more
// than one TLV entry.
var ErrMultipleAPDUs = fmt.Errorf("gpadmin: request body carries more than one APDU")

func appendTLVLength(out []byte, n int) []byte {
	switch {
	case n < 0x80:
		return append(out, byte(n))
	case n <= 0xFF:
		return append(out, 0x81, byte(n))
	default:
		var buf [2]byte
		binary.BigEndian.PutUint16(buf[:], uint16(n))
		return append(out, 0x82, buf[0], buf[1])
	}
}

func readTLV(body []byte) (tag byte, value, rest []byte, err error) {
	if len(body) < 2 {
		return 0, nil, nil, fmt.Errorf("gpadmin: truncated TLV header")
	}
	tag = body[0]
	lenByte := body[1]
	var length, headerLen int
	switch {
	case lenByte < 0x80:
		length, headerLen = int(lenByte), 2
	case lenByte == 0x81:
		if len(body) < 3 {
			return 0, nil, nil, fmt.Errorf("gpadmin: truncated TLV length")
		}
		length, headerLen = int(body[2]), 3
	case lenByte == 0x82:
		if len(body) < 4 {
			return 0, nil, nil, fmt.Errorf("gpadmin: truncated TLV length")
		}
		length, headerLen = int(binary.BigEndian.Uint16(body[2:4])), 4
	default:
		return 0, nil, nil, fmt.Errorf("gpadmin: unsupported TLV length form 0x%02X", lenByte)
	}
	if len(body) < headerLen+length {
		return 0, nil, nil, fmt.Errorf("gpadmin: TLV length exceeds body")
	}
	return tag, body[headerLen : headerLen+length], body[headerLen+length:], nil
}
