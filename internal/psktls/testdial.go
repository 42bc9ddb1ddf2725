package psktls

import (
	"context"
	"crypto/rand"
	"net"
)

// DialForTesting performs the client side of the RFC 4279 handshake this
// package's server implements. It exists only so integration tests in
// other packages (internal/admin) can drive a real handshake over a
// net.Pipe without duplicating the wire protocol; production code never
// calls it, since this server only ever plays the server role.
func DialForTesting(ctx context.Context, conn net.Conn, identity, psk []byte) (net.Conn, error) {
	rio := newRecordIO(conn)
	var transcript []byte

	var clientRandom [32]byte
	if _, err := rand.Read(clientRandom[:]); err != nil {
		return nil, err
	}
	if err := writeHandshakeMessage(rio, msgClientHello, encodeClientHello(clientRandom, AllSuites), &transcript); err != nil {
		return nil, err
	}

	shBody, err := readHandshakeMessageRaw(rio, msgServerHello, &transcript)
	if err != nil {
		return nil, err
	}
	serverRandom, chosen, err := decodeServerHello(shBody)
	if err != nil {
		return nil, err
	}

	if _, err := readHandshakeMessageRaw(rio, msgServerKeyExchange, &transcript); err != nil {
		return nil, err
	}
	if _, err := readHandshakeMessageRaw(rio, msgServerHelloDone, &transcript); err != nil {
		return nil, err
	}

	if err := writeHandshakeMessage(rio, msgClientKeyExchange, encodePSKIdentity(identity), &transcript); err != nil {
		return nil, err
	}

	newHash := prfHashFor(chosen)
	premaster := pskPremasterSecret(psk)
	masterSecret := prf(newHash, premaster, "master secret", append(append([]byte{}, clientRandom[:]...), serverRandom[:]...), 48)
	// deriveCipherStates labels its return from the server's point of
	// view (read = client_write_*, write = server_write_*); the client
	// uses the same two cipherStates with the roles swapped.
	clientWriteState, clientReadState := deriveCipherStates(chosen, newHash, masterSecret, clientRandom, serverRandom)

	if err := rio.writeRecord(contentChangeCipherSpec, []byte{1}); err != nil {
		return nil, err
	}
	clientVerify := prf(newHash, masterSecret, "client finished", sum(newHash, transcript), verifyDataLen)
	finishedMsg := encodeHandshakeMessage(msgFinished, clientVerify)
	sealed, err := clientWriteState.seal(contentHandshake, finishedMsg)
	if err != nil {
		return nil, err
	}
	if err := rio.writeRecord(contentHandshake, sealed); err != nil {
		return nil, err
	}
	transcript = append(transcript, finishedMsg...)

	if err := readChangeCipherSpec(rio); err != nil {
		return nil, err
	}
	if _, err := readEncryptedHandshakeMessage(rio, clientReadState, msgFinished); err != nil {
		return nil, err
	}

	return newConn(conn, rio, clientReadState, clientWriteState), nil
}
