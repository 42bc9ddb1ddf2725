package psktls

import (
	"context"
	"crypto/rand"
	"net"
	"testing"
	"time"
)

// testClient performs the RFC 4279 client side of the handshake this
// package's server implements, entirely in-memory over a net.Pipe, so
// the server flow can be exercised without a real socket or a second
// process.
func testClient(t *testing.T, conn net.Conn, identity, psk []byte, offer []CipherSuite) (*Conn, error) {
	t.Helper()
	rio := newRecordIO(conn)
	var transcript []byte

	var clientRandom [32]byte
	if _, err := rand.Read(clientRandom[:]); err != nil {
		t.Fatal(err)
	}
	if err := writeHandshakeMessage(rio, msgClientHello, encodeClientHello(clientRandom, offer), &transcript); err != nil {
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
	readState, writeState := deriveCipherStates(chosen, newHash, masterSecret, clientRandom, serverRandom)
	// from the client's perspective, read/write are swapped relative to the server
	clientRead, clientWrite := writeState, readState

	if err := rio.writeRecord(contentChangeCipherSpec, []byte{1}); err != nil {
		return nil, err
	}
	clientVerify := prf(newHash, masterSecret, "client finished", sum(newHash, transcript), verifyDataLen)
	finishedMsg := encodeHandshakeMessage(msgFinished, clientVerify)
	sealed, err := clientWrite.seal(contentHandshake, finishedMsg)
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
	serverVerify, err := readEncryptedHandshakeMessage(rio, clientRead, msgFinished)
	if err != nil {
		return nil, err
	}
	wantServerVerify := prf(newHash, masterSecret, "server finished", sum(newHash, transcript), verifyDataLen)
	if !constantTimeEqual(serverVerify, wantServerVerify) {
		t.Fatal("server Finished verify_data mismatch")
	}

	return newConn(conn, rio, clientRead, clientWrite), nil
}

func lookupFrom(store map[string][]byte) Lookup {
	return func(_ context.Context, identity []byte) ([]byte, bool, error) {
		secret, ok := store[string(identity)]
		return secret, ok, nil
	}
}

func TestHandshakeHappyPath(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	store := map[string][]byte{"device-001": []byte("correct horse battery staple")}
	cfg := Config{
		AllowedSuites:    AllSuites,
		Hint:             []byte("gp-admin"),
		HandshakeTimeout: 5 * time.Second,
		LookupSecret:     lookupFrom(store),
	}

	type result struct {
		conn *Conn
		info Info
		err  error
	}
	serverDone := make(chan result, 1)
	go func() {
		conn, info, err := WrapAndHandshake(context.Background(), serverConn, "127.0.0.1:0", cfg)
		serverDone <- result{conn, info, err}
	}()

	clientDone := make(chan error, 1)
	go func() {
		_, err := testClient(t, clientConn, []byte("device-001"), store["device-001"], AllSuites)
		clientDone <- err
	}()

	res := <-serverDone
	if err := <-clientDone; err != nil {
		t.Fatalf("client handshake failed: %v", err)
	}
	if res.err != nil {
		t.Fatalf("server handshake failed: %v", res.err)
	}
	if res.info.Identity != "device-001" {
		t.Errorf("identity = %q, want device-001", res.info.Identity)
	}
	if res.info.IsNullCipher {
		t.Errorf("expected a non-null cipher to be negotiated first")
	}
}

func TestHandshakeUnknownIdentity(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	cfg := Config{
		AllowedSuites:    AllSuites,
		HandshakeTimeout: 5 * time.Second,
		LookupSecret:     lookupFrom(map[string][]byte{}),
	}

	serverDone := make(chan error, 1)
	go func() {
		_, _, err := WrapAndHandshake(context.Background(), serverConn, "peer", cfg)
		serverDone <- err
	}()
	go func() {
		_, _ = testClient(t, clientConn, []byte("ghost"), []byte("whatever"), AllSuites)
	}()

	err := <-serverDone
	if err == nil {
		t.Fatal("expected handshake failure for unknown identity")
	}
	he, ok := err.(*HandshakeError)
	if !ok {
		t.Fatalf("expected *HandshakeError, got %T", err)
	}
	if he.Diagnostic != DiagHandshakeFailure {
		t.Errorf("diagnostic = %v, want %v", he.Diagnostic, DiagHandshakeFailure)
	}
	if he.IdentityExists {
		t.Errorf("expected IdentityExists=false for an unknown identity")
	}
}

func TestHandshakeWrongKey(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	store := map[string][]byte{"device-001": []byte("right-key")}
	cfg := Config{
		AllowedSuites:    AllSuites,
		HandshakeTimeout: 5 * time.Second,
		LookupSecret:     lookupFrom(store),
	}

	serverDone := make(chan error, 1)
	go func() {
		_, _, err := WrapAndHandshake(context.Background(), serverConn, "peer", cfg)
		serverDone <- err
	}()
	go func() {
		_, _ = testClient(t, clientConn, []byte("device-001"), []byte("wrong-key"), AllSuites)
	}()

	err := <-serverDone
	if err == nil {
		t.Fatal("expected handshake failure for wrong key")
	}
	he, ok := err.(*HandshakeError)
	if !ok {
		t.Fatalf("expected *HandshakeError, got %T", err)
	}
	if he.Diagnostic != DiagPSKMismatch {
		t.Errorf("diagnostic = %v, want %v", he.Diagnostic, DiagPSKMismatch)
	}
	if !he.IdentityExists {
		t.Errorf("expected IdentityExists=true when the identity is known but the key is wrong")
	}
}

func TestHandshakeTimeout(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	cfg := Config{
		AllowedSuites:    AllSuites,
		HandshakeTimeout: 50 * time.Millisecond,
		LookupSecret:     lookupFrom(map[string][]byte{}),
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := WrapAndHandshake(context.Background(), serverConn, "peer", cfg)
		done <- err
	}()

	err := <-done
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	he, ok := err.(*HandshakeError)
	if !ok {
		t.Fatalf("expected *HandshakeError, got %T", err)
	}
	if he.Diagnostic != DiagHandshakeTimeout {
		t.Errorf("diagnostic = %v, want %v", he.Diagnostic, DiagHandshakeTimeout)
	}
}

func TestHandshakeNullCipherNegotiation(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	store := map[string][]byte{"debug-probe": []byte("probe-secret")}
	cfg := Config{
		AllowedSuites:    []CipherSuite{SuiteNULLSHA256},
		HandshakeTimeout: 5 * time.Second,
		LookupSecret:     lookupFrom(store),
	}

	serverDone := make(chan Info, 1)
	go func() {
		_, info, err := WrapAndHandshake(context.Background(), serverConn, "peer", cfg)
		if err != nil {
			t.Errorf("unexpected server error: %v", err)
		}
		serverDone <- info
	}()
	go func() {
		_, _ = testClient(t, clientConn, []byte("debug-probe"), store["debug-probe"], []CipherSuite{SuiteNULLSHA256})
	}()

	info := <-serverDone
	if !info.IsNullCipher {
		t.Errorf("expected IsNullCipher=true for SuiteNULLSHA256")
	}
	if info.Cipher != SuiteNULLSHA256 {
		t.Errorf("cipher = %v, want %v", info.Cipher, SuiteNULLSHA256)
	}
}
