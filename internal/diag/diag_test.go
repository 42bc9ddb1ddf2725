package diag

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgp/gpram/internal/event"
)

type stubCloser struct {
	closed []string
}

func (s *stubCloser) Close(id string, reason string) error {
	s.closed = append(s.closed, id+":"+reason)
	return nil
}

func TestOnPSKMismatchEmitsAndTracksWindow(t *testing.T) {
	bus := event.New(nil)
	var mismatches []event.PSKMismatchPayload
	bus.Subscribe(event.KindPSKMismatch, func(e event.Event) {
		mismatches = append(mismatches, e.Payload.(event.PSKMismatchPayload))
	})

	h := New(nil, bus, nil, Config{MismatchThreshold: 3, MismatchWindow: time.Minute})
	h.OnPSKMismatch("UICC_001", "192.0.2.7:1234", true)

	require.Len(t, mismatches, 1)
	assert.Equal(t, "UICC_001", mismatches[0].Identity)
	assert.True(t, mismatches[0].IdentityExists)
}

func TestMismatchThresholdBoundary(t *testing.T) {
	bus := event.New(nil)
	h := New(nil, bus, nil, Config{MismatchThreshold: 3, MismatchWindow: time.Minute})

	// threshold-1 events: should not have reached the threshold internally.
	h.OnPSKMismatch("id", "peer", true)
	h.OnPSKMismatch("id", "peer", true)
	assert.Equal(t, 2, h.mismatchWindow.count("peer", time.Now()))

	// the third brings the count to exactly the threshold.
	h.OnPSKMismatch("id", "peer", true)
	assert.Equal(t, 3, h.mismatchWindow.count("peer", time.Now()))
}

func TestOnConnectionInterruptedClosesSession(t *testing.T) {
	bus := event.New(nil)
	closer := &stubCloser{}
	h := New(nil, bus, closer, Config{MismatchThreshold: 3})

	h.OnConnectionInterrupted("sess-1", []byte{0x00, 0xA4})
	require.Len(t, closer.closed, 1)
	assert.Equal(t, "sess-1:ERROR", closer.closed[0])
}

func TestOnHandshakeInterruptedFlagsNetworkHint(t *testing.T) {
	bus := event.New(nil)
	var payloads []event.HandshakeInterruptedPayload
	bus.Subscribe(event.KindHandshakeInterrupted, func(e event.Event) {
		payloads = append(payloads, e.Payload.(event.HandshakeInterruptedPayload))
	})

	h := New(nil, bus, nil, Config{})
	h.OnHandshakeInterrupted("peer:1", "CLIENT_HELLO_RECEIVED", "timeout")
	h.OnHandshakeInterrupted("peer:2", "KEY_EXCHANGE", "timeout")

	require.Len(t, payloads, 2)
	assert.True(t, payloads[0].LikelyNetworkIssue)
	assert.False(t, payloads[1].LikelyNetworkIssue)
}

func TestCheckErrorRateEmitsOnlyAboveThreshold(t *testing.T) {
	bus := event.New(nil)
	var rates []event.HighErrorRatePayload
	bus.Subscribe(event.KindHighErrorRate, func(e event.Event) {
		rates = append(rates, e.Payload.(event.HighErrorRatePayload))
	})

	h := New(nil, bus, nil, Config{
		ErrorRateWindow:     time.Second,
		ErrorRateThresholds: map[AlertKind]float64{AlertConnectionInterrupted: 1000},
	})
	h.CheckErrorRate(AlertConnectionInterrupted)
	assert.Empty(t, rates, "a single occurrence must not cross a high threshold")
}
