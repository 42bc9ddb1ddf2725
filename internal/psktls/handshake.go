package psktls

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"hash"
	"io"
	"net"
	"time"
)

// Info is the immutable handshake outcome exposed to the caller on
// success, translated by the caller (internal/admin) into a
// session.TLSSessionInfo so this package never needs to import the
// session package.
type Info struct {
	Identity            string
	Cipher              CipherSuite
	ProtocolVersion      string
	HandshakeDurationMs int64
	PeerAddress         string
	IsNullCipher        bool
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// WrapAndHandshake performs the server side of a TLS 1.2 PSK-only
// handshake (RFC 4279) over conn. On success it returns a *Conn ready
// for application-data Read/Write; on failure it returns a classified
// *HandshakeError.
func WrapAndHandshake(ctx context.Context, conn net.Conn, peerAddr string, cfg Config) (*Conn, Info, error) {
	start := time.Now()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	_ = conn.SetDeadline(start.Add(cfg.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	rio := newRecordIO(conn)
	var transcript []byte

	// --- Flight 0: ClientHello ---
	clientHelloBody, err := readHandshakeMessageRaw(rio, msgClientHello, &transcript)
	if err != nil {
		return nil, Info{}, classifyReadError(err, StateNone)
	}
	random0, suites, perr := decodeClientHello(clientHelloBody)
	if perr != nil {
		sendAlert(rio, AlertHandshakeFailure)
		return nil, Info{}, &HandshakeError{Diagnostic: DiagHandshakeFailure, Alert: AlertHandshakeFailure, AlertSent: true, PartialState: StateClientHelloReceived, Underlying: perr}
	}

	chosen, ok := negotiateSuite(cfg.AllowedSuites, suites)
	if !ok {
		sendAlert(rio, AlertHandshakeFailure)
		return nil, Info{}, &HandshakeError{Diagnostic: DiagHandshakeFailure, Alert: AlertHandshakeFailure, AlertSent: true, PartialState: StateClientHelloReceived, Underlying: fmt.Errorf("no common cipher suite")}
	}

	// --- Flight 1: ServerHello, ServerKeyExchange, ServerHelloDone ---
	var serverRandom [32]byte
	if _, err := rand.Read(serverRandom[:]); err != nil {
		return nil, Info{}, &HandshakeError{Diagnostic: DiagHandshakeFailure, PartialState: StateClientHelloReceived, Underlying: err}
	}
	if err := writeHandshakeMessage(rio, msgServerHello, encodeServerHello(serverRandom, chosen), &transcript); err != nil {
		return nil, Info{}, &HandshakeError{Diagnostic: DiagHandshakeInterrupted, PartialState: StateClientHelloReceived, Underlying: err}
	}
	if err := writeHandshakeMessage(rio, msgServerKeyExchange, encodePSKIdentity(cfg.Hint), &transcript); err != nil {
		return nil, Info{}, &HandshakeError{Diagnostic: DiagHandshakeInterrupted, PartialState: StateServerHelloSent, Underlying: err}
	}
	if err := writeHandshakeMessage(rio, msgServerHelloDone, nil, &transcript); err != nil {
		return nil, Info{}, &HandshakeError{Diagnostic: DiagHandshakeInterrupted, PartialState: StateServerHelloSent, Underlying: err}
	}

	// --- Flight 2: ClientKeyExchange ---
	ckeBody, err := readHandshakeMessageRaw(rio, msgClientKeyExchange, &transcript)
	if err != nil {
		return nil, Info{}, classifyReadError(err, StateServerHelloSent)
	}
	identity, perr := decodePSKIdentity(ckeBody)
	if perr != nil {
		sendAlert(rio, AlertHandshakeFailure)
		return nil, Info{}, &HandshakeError{Diagnostic: DiagHandshakeFailure, Alert: AlertHandshakeFailure, AlertSent: true, PartialState: StateServerHelloSent, Underlying: perr}
	}

	secret, found, lookupErr := cfg.LookupSecret(ctx, identity)
	identityExists := found
	if cfg.IdentityExists != nil {
		identityExists = cfg.IdentityExists(ctx, identity)
	}
	if lookupErr != nil || !found {
		sendAlert(rio, AlertHandshakeFailure)
		return nil, Info{}, &HandshakeError{
			Diagnostic: DiagHandshakeFailure, Alert: AlertHandshakeFailure, AlertSent: true,
			PartialState: StateKeyExchange, IdentityExists: identityExists, Identity: string(identity), Underlying: lookupErr,
		}
	}

	newHash := prfHashFor(chosen)
	premaster := pskPremasterSecret(secret)
	masterSecret := prf(newHash, premaster, "master secret", append(append([]byte{}, random0[:]...), serverRandom[:]...), 48)

	readState, writeState := deriveCipherStates(chosen, newHash, masterSecret, random0, serverRandom)

	// --- Flight 3: client's ChangeCipherSpec + Finished ---
	if err := readChangeCipherSpec(rio); err != nil {
		return nil, Info{}, classifyReadError(err, StateKeyExchange)
	}
	// Failing to read the Finished record is a transport interruption; a
	// record that does not decrypt, authenticate, or verify under the keys
	// derived from the looked-up secret is a PSK mismatch.
	contentType, fragment, err := rio.readRecord()
	if err != nil {
		return nil, Info{}, classifyReadError(err, StateKeyExchange)
	}
	if contentType != contentHandshake {
		return nil, Info{}, classifyReadError(fmt.Errorf("psktls: expected encrypted handshake record, got content type %d", contentType), StateKeyExchange)
	}
	var clientVerify []byte
	if plaintext, openErr := readState.open(contentHandshake, fragment); openErr == nil {
		if msgType, body, derr := decodeHandshakeMessage(plaintext); derr == nil && msgType == msgFinished {
			clientVerify = body
		}
	}
	wantClientVerify := prf(newHash, masterSecret, "client finished", sum(newHash, transcript), verifyDataLen)
	if !constantTimeEqual(clientVerify, wantClientVerify) {
		sendAlert(rio, AlertDecryptError)
		return nil, Info{}, &HandshakeError{
			Diagnostic: DiagPSKMismatch, Alert: AlertDecryptError, AlertSent: true,
			PartialState: StateKeyExchange, IdentityExists: true, Identity: string(identity),
		}
	}
	transcript = append(transcript, encodeHandshakeMessage(msgFinished, clientVerify)...)

	// --- Server's ChangeCipherSpec + Finished ---
	if err := rio.writeRecord(contentChangeCipherSpec, []byte{1}); err != nil {
		return nil, Info{}, &HandshakeError{Diagnostic: DiagHandshakeInterrupted, PartialState: StateKeyExchange, Underlying: err}
	}
	serverVerify := prf(newHash, masterSecret, "server finished", sum(newHash, transcript), verifyDataLen)
	finishedMsg := encodeHandshakeMessage(msgFinished, serverVerify)
	sealed, err := writeState.seal(contentHandshake, finishedMsg)
	if err != nil {
		return nil, Info{}, &HandshakeError{Diagnostic: DiagHandshakeInterrupted, PartialState: StateKeyExchange, Underlying: err}
	}
	if err := rio.writeRecord(contentHandshake, sealed); err != nil {
		return nil, Info{}, &HandshakeError{Diagnostic: DiagHandshakeInterrupted, PartialState: StateKeyExchange, Underlying: err}
	}

	info := Info{
		Identity:            string(identity),
		Cipher:              chosen,
		ProtocolVersion:     "TLSv1.2",
		HandshakeDurationMs: time.Since(start).Milliseconds(),
		PeerAddress:         peerAddr,
		IsNullCipher:        IsNull(chosen),
	}
	return newConn(conn, rio, readState, writeState), info, nil
}

func negotiateSuite(allowed, offered []CipherSuite) (CipherSuite, bool) {
	offeredSet := make(map[CipherSuite]bool, len(offered))
	for _, s := range offered {
		offeredSet[s] = true
	}
	for _, s := range allowed {
		if offeredSet[s] {
			return s, true
		}
	}
	return 0, false
}

func classifyReadError(err error, state PartialState) *HandshakeError {
	if isTimeout(err) {
		return &HandshakeError{Diagnostic: DiagHandshakeTimeout, Alert: AlertCloseNotify, AlertSent: false, PartialState: state, Underlying: err}
	}
	if errors.Is(err, io.EOF) {
		return &HandshakeError{Diagnostic: DiagHandshakeInterrupted, PartialState: state, Underlying: err}
	}
	return &HandshakeError{Diagnostic: DiagHandshakeInterrupted, PartialState: state, Underlying: err}
}

func sum(newHash func() hash.Hash, data []byte) []byte {
	h := newHash()
	h.Write(data)
	return h.Sum(nil)
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

func sendAlert(rio *recordIO, desc AlertDescription) {
	_ = rio.writeRecord(contentAlert, []byte{2, byte(desc)})
}
