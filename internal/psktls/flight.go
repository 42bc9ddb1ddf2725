package psktls

import (
	"fmt"
	"hash"
)

// writeHandshakeMessage frames body as a handshake record, sends it, and
// appends the plaintext message (header included) to the transcript used
// for the Finished verify_data.
func writeHandshakeMessage(rio *recordIO, msgType byte, body []byte, transcript *[]byte) error {
	msg := encodeHandshakeMessage(msgType, body)
	if err := rio.writeRecord(contentHandshake, msg); err != nil {
		return err
	}
	*transcript = append(*transcript, msg...)
	return nil
}

// readHandshakeMessageRaw reads one plaintext handshake record, verifies
// its message type, appends it to transcript, and returns its body.
func readHandshakeMessageRaw(rio *recordIO, want byte, transcript *[]byte) ([]byte, error) {
	contentType, fragment, err := rio.readRecord()
	if err != nil {
		return nil, err
	}
	if contentType != contentHandshake {
		return nil, fmt.Errorf("psktls: expected handshake record, got content type %d", contentType)
	}
	msgType, body, err := decodeHandshakeMessage(fragment)
	if err != nil {
		return nil, err
	}
	if msgType != want {
		return nil, fmt.Errorf("psktls: expected handshake message %d, got %d", want, msgType)
	}
	*transcript = append(*transcript, fragment...)
	return body, nil
}

func readChangeCipherSpec(rio *recordIO) error {
	contentType, fragment, err := rio.readRecord()
	if err != nil {
		return err
	}
	if contentType != contentChangeCipherSpec || len(fragment) != 1 || fragment[0] != 1 {
		return fmt.Errorf("psktls: expected ChangeCipherSpec")
	}
	return nil
}

// readEncryptedHandshakeMessage reads one application-layer-framed
// handshake record (the client's encrypted Finished), decrypts it with
// readState, and returns its verify_data.
func readEncryptedHandshakeMessage(rio *recordIO, readState *cipherState, want byte) ([]byte, error) {
	contentType, fragment, err := rio.readRecord()
	if err != nil {
		return nil, err
	}
	if contentType != contentHandshake {
		return nil, fmt.Errorf("psktls: expected encrypted handshake record, got content type %d", contentType)
	}
	plaintext, err := readState.open(contentHandshake, fragment)
	if err != nil {
		return nil, err
	}
	msgType, body, err := decodeHandshakeMessage(plaintext)
	if err != nil {
		return nil, err
	}
	if msgType != want {
		return nil, fmt.Errorf("psktls: expected handshake message %d, got %d", want, msgType)
	}
	return body, nil
}

// deriveCipherStates splits the TLS 1.2 key_block into the four
// directional secrets and builds the server's read (client-write) and
// write (server-write) cipherStates.
func deriveCipherStates(suite CipherSuite, newHash func() hash.Hash, masterSecret []byte, clientRandom, serverRandom [32]byte) (read, write *cipherState) {
	spec := suiteTable[suite]
	seed := append(append([]byte{}, serverRandom[:]...), clientRandom[:]...)
	need := 2*spec.macLen + 2*spec.keyLen
	block := prf(newHash, masterSecret, "key expansion", seed, need)

	off := 0
	take := func(n int) []byte {
		b := block[off : off+n]
		off += n
		return b
	}

	clientMAC := take(spec.macLen)
	serverMAC := take(spec.macLen)
	var clientKey, serverKey []byte
	if spec.keyLen > 0 {
		clientKey = take(spec.keyLen)
		serverKey = take(spec.keyLen)
	}

	read = &cipherState{suite: suite, macKey: clientMAC, encKey: clientKey, newHash: newHash, macOnly: spec.isNull}
	write = &cipherState{suite: suite, macKey: serverMAC, encKey: serverKey, newHash: newHash, macOnly: spec.isNull}
	return read, write
}
