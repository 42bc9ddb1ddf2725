package gpadmin

import (
	"bytes"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	apdu := []byte{0x00, 0xA4, 0x04, 0x00, 0x02, 0x3F, 0x00}
	enc := EncodeEnvelope(apdu)
	dec, err := DecodeEnvelope(enc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(dec, apdu) {
		t.Errorf("got %X, want %X", dec, apdu)
	}
}

func TestEnvelopeEmptyBody(t *testing.T) {
	dec, err := DecodeEnvelope(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec != nil {
		t.Errorf("expected nil APDU for empty body, got %X", dec)
	}
}

func TestEnvelopeMultipleAPDUsRejected(t *testing.T) {
	one := EncodeEnvelope([]byte{0x00, 0xA4, 0x04, 0x00})
	two := append(append([]byte{}, one...), one...)
	_, err := DecodeEnvelope(two)
	if err != ErrMultipleAPDUs {
		t.Errorf("got %v, want ErrMultipleAPDUs", err)
	}
}

func TestEnvelopeShortRAPDU(t *testing.T) {
	// A 2-byte status-word-only R-APDU must decode cleanly: the minimum
	// 4-byte rule binds command APDUs about to be dispatched, not the
	// envelope itself.
	enc := EncodeEnvelope([]byte{0x90, 0x00})
	dec, err := DecodeEnvelope(enc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(dec, []byte{0x90, 0x00}) {
		t.Errorf("got %X, want 9000", dec)
	}
}

func TestEnvelopeLongForm(t *testing.T) {
	apdu := append([]byte{0x00, 0xA4, 0x04, 0x00, 0x80}, bytes.Repeat([]byte{0xAB}, 128)...)
	enc := EncodeEnvelope(apdu)
	dec, err := DecodeEnvelope(enc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(dec, apdu) {
		t.Errorf("round trip mismatch for long-form TLV length")
	}
}
