package apdu

import "crypto/rand"

// INS byte values for the built-in GP Amendment B surface.
const (
	INSSelect               byte = 0xA4
	INSInstall              byte = 0xE6
	INSDelete               byte = 0xE4
	INSGetStatus             byte = 0xF2
	INSGetData               byte = 0xCA
	INSInitializeUpdate      byte = 0x50
	INSExternalAuthenticate  byte = 0x82
)

// isdAID is the well-known Issuer Security Domain AID test cards use.
var isdAID = []byte{0xA0, 0x00, 0x00, 0x01, 0x51, 0x00, 0x00, 0x00}

// RegisterDefaults binds the minimum GP Amendment B surface needed for
// end-to-end UICC testing. Handlers here are test-grade: plausible,
// protocol-shaped responses, not a full GP card simulator; the
// dispatcher, not these handlers, is the hard part.
func RegisterDefaults(d *Dispatcher) {
	d.Register(INSSelect, handleSelect)
	d.Register(INSInstall, handleInstall)
	d.Register(INSDelete, handleDelete)
	d.Register(INSGetStatus, handleGetStatus)
	d.Register(INSGetData, handleGetData)
	d.Register(INSInitializeUpdate, handleInitializeUpdate)
	d.Register(INSExternalAuthenticate, handleExternalAuthenticate)
}

// handleSelect answers a SELECT with the ISD AID as FCI template data,
// shaped closely enough to GP's ISD-select response to drive a simulator.
func handleSelect(cmd Command, _ Context) Response {
	if len(cmd.Data) == 0 {
		// SELECT by AID with no data is a malformed request at the
		// application layer, even though the APDU framing parsed fine.
		return Response{SW: SWWrongLength}
	}
	fci := append([]byte{0x6F, byte(len(isdAID) + 2), 0x84, byte(len(isdAID))}, isdAID...)
	return Response{Data: fci, SW: SWSuccess}
}

// handleInstall acknowledges an INSTALL [for install] / [for load] /
// [for make selectable] command with a bare success status word; test
// harnesses care that the state machine progressed, not the load file
// contents.
func handleInstall(cmd Command, _ Context) Response {
	if len(cmd.Data) == 0 {
		return Response{SW: SWWrongLength}
	}
	return Response{SW: SWSuccess}
}

// handleDelete acknowledges a DELETE of an application or load file.
func handleDelete(cmd Command, _ Context) Response {
	if len(cmd.Data) == 0 {
		return Response{SW: SWWrongLength}
	}
	return Response{SW: SWSuccess}
}

// handleGetStatus returns a single GP status record for the ISD: AID,
// life cycle state (0x07 = SELECTABLE), and privileges (none set).
func handleGetStatus(_ Command, _ Context) Response {
	record := append([]byte{byte(len(isdAID))}, isdAID...)
	record = append(record, 0x07, 0x00)
	return Response{Data: record, SW: SWSuccess}
}

// GET DATA tag values this handler recognizes (P1P2 as a 16-bit tag).
const (
	tagCardData    = 0x0066
	tagFreeMemory  = 0x00C6
	tagISDAID      = 0x4F00
)

// handleGetData answers a handful of well-known GP GET DATA tags with
// plausible TLV bodies; an unrecognized tag yields "file/data not found"
// rather than a blanket success.
func handleGetData(cmd Command, _ Context) Response {
	tag := uint16(cmd.P1)<<8 | uint16(cmd.P2)
	switch tag {
	case tagISDAID:
		return Response{Data: append([]byte{0x4F, byte(len(isdAID))}, isdAID...), SW: SWSuccess}
	case tagFreeMemory:
		return Response{Data: []byte{0xC6, 0x02, 0x7F, 0xFF}, SW: SWSuccess}
	case tagCardData:
		return Response{Data: []byte{0x66, 0x02, 0x02, 0x11}, SW: SWSuccess}
	default:
		return Response{SW: SWFileNotFound}
	}
}

// handleInitializeUpdate begins an SCP02/03-style mutual authentication
// by returning a diversification-data-shaped blob and a pseudo-random
// card challenge; the server never implements real key derivation since
// the PSK-TLS channel below it is the transport's own trust anchor.
func handleInitializeUpdate(cmd Command, _ Context) Response {
	if len(cmd.Data) != 8 {
		return Response{SW: SWWrongLength}
	}
	resp := make([]byte, 0, 28)
	resp = append(resp, make([]byte, 10)...) // key diversification data
	resp = append(resp, 0x02, 0x55)          // key info: version, SCP id
	cardChallenge := make([]byte, 8)
	_, _ = rand.Read(cardChallenge)
	resp = append(resp, cmd.Data...)   // echo host challenge
	resp = append(resp, cardChallenge...)
	resp = append(resp, make([]byte, 8)...) // card cryptogram placeholder
	return Response{Data: resp, SW: SWSuccess}
}

// handleExternalAuthenticate completes the mutual-authentication
// handshake INITIALIZE UPDATE began; since this is a test server with no
// real card keys, it accepts any correctly-framed cryptogram.
func handleExternalAuthenticate(cmd Command, _ Context) Response {
	if len(cmd.Data) != 8 {
		return Response{SW: SWWrongLength}
	}
	return Response{SW: SWSuccess}
}
