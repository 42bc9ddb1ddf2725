package admin

import (
	"time"

	"go.uber.org/zap"

	"github.com/opsgp/gpram/internal/apdu"
	"github.com/opsgp/gpram/internal/event"
	"github.com/opsgp/gpram/internal/session"
)

// defaultScript is the bootstrap command sequence this server drives to a
// newly-connected peer: a SELECT against the well-known ISD AID. A real
// deployment would swap this for a script built from an operator-supplied
// install/delete plan; the orchestrator only needs one command source,
// so this is it.
func defaultScript() [][]byte {
	select0 := apdu.Command{CLA: 0x00, INS: apdu.INSSelect, P1: 0x04, P2: 0x00, Data: isdAID}
	return [][]byte{encodeCommand(select0)}
}

func encodeCommand(cmd apdu.Command) []byte {
	out := []byte{cmd.CLA, cmd.INS, cmd.P1, cmd.P2}
	if len(cmd.Data) > 0 {
		out = append(out, byte(len(cmd.Data)))
		out = append(out, cmd.Data...)
	}
	return out
}

// connDriver holds the per-connection state needed to answer
// gpadmin.Exchange calls: the scripted commands still to send, and the
// most recently sent command so a peer's R-APDU can be recorded as a
// completed session.APDUExchange.
//
// A peer that sends a full command APDU (>= 4 bytes) instead of a bare
// R-APDU is routed through the APDU Dispatcher's control surface rather
// than treated as a reply to the outstanding scripted command, which is
// this server's secondary use as a directly-addressable GP command target
// (GET STATUS / GET DATA against the server itself), distinct from the
// primary script-driven exchange with the peer.
type connDriver struct {
	server    *Server
	sessionID string
	identity  string

	scriptIdx   int
	script      [][]byte
	pending     []byte
	pendingSent time.Time

	lastCommand []byte
}

func newConnDriver(s *Server, sessionID, identity string) *connDriver {
	return &connDriver{server: s, sessionID: sessionID, identity: identity, script: defaultScript()}
}

func (d *connDriver) exchange(peerBody []byte) ([]byte, bool, error) {
	if peerBody != nil {
		d.lastCommand = peerBody
		if len(peerBody) >= 4 {
			return d.dispatchControlCommand(peerBody), false, nil
		}
		d.completePending(peerBody)
	}
	return d.nextScriptCommand()
}

func (d *connDriver) dispatchControlCommand(raw []byte) []byte {
	resp := d.server.dispatcher.Dispatch(raw, apdu.Context{SessionID: d.sessionID, Identity: d.identity})
	d.server.bus.Publish(event.KindAPDUReceived, event.APDUReceivedPayload{
		SessionID:    d.sessionID,
		CommandBytes: raw,
	})
	d.server.bus.Publish(event.KindAPDUSent, event.APDUSentPayload{
		SessionID:     d.sessionID,
		ResponseBytes: resp.Data,
		StatusWord:    uint16(resp.SW),
	})
	if d.server.metrics != nil {
		d.server.metrics.APDUTotal.WithLabelValues(insHex(raw[1]), resp.SW.String()).Inc()
		d.server.metrics.APDUBytesIn.Add(float64(len(raw)))
		d.server.metrics.APDUBytesOut.Add(float64(len(resp.Data)))
	}
	return resp.Bytes()
}

func (d *connDriver) completePending(responseBytes []byte) {
	if d.pending == nil {
		d.server.log.Warn("received an R-APDU with no outstanding scripted command",
			zap.String("sessionId", d.sessionID))
		return
	}
	var sw uint16
	if len(responseBytes) >= 2 {
		sw = uint16(responseBytes[len(responseBytes)-2])<<8 | uint16(responseBytes[len(responseBytes)-1])
	}
	exchange := session.APDUExchange{
		CommandBytes:  d.pending,
		ResponseBytes: responseBytes,
		StatusWord:    sw,
		Timestamp:     time.Now(),
		DurationMs:    time.Since(d.pendingSent).Milliseconds(),
	}
	if err := d.server.sessions.RecordExchange(d.sessionID, exchange); err != nil {
		d.server.log.Warn("failed to record APDU exchange",
			zap.String("sessionId", d.sessionID), zap.Error(err))
	}
	d.server.bus.Publish(event.KindAPDUSent, event.APDUSentPayload{
		SessionID:      d.sessionID,
		ResponseBytes:  responseBytes,
		StatusWord:     sw,
		DurationMillis: exchange.DurationMs,
	})
	d.pending = nil
}

func (d *connDriver) nextScriptCommand() ([]byte, bool, error) {
	if d.scriptIdx >= len(d.script) {
		return nil, true, nil
	}
	cmd := d.script[d.scriptIdx]
	d.scriptIdx++
	d.pending = cmd
	d.pendingSent = time.Now()
	d.lastCommand = cmd

	d.server.bus.Publish(event.KindAPDUReceived, event.APDUReceivedPayload{
		SessionID:    d.sessionID,
		CommandBytes: cmd,
	})
	return cmd, false, nil
}

func insHex(b byte) string {
	const hexDigits = "0123456789ABCDEF"
	return string([]byte{hexDigits[b>>4], hexDigits[b&0xF]})
}
