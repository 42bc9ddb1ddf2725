package gpadmin

import (
	"bufio"
	"bytes"
	"net"
	"net/http"
	"testing"
	"time"
)

func TestHandlerBootstrapThenStatusWord(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	calls := 0
	exchange := func(peer []byte) ([]byte, bool, error) {
		calls++
		switch calls {
		case 1:
			if peer != nil {
				t.Errorf("expected nil APDU on bootstrap, got %X", peer)
			}
			return []byte{0x00, 0xA4, 0x04, 0x00, 0x02, 0x3F, 0x00}, false, nil
		case 2:
			if !bytes.Equal(peer, []byte{0x90, 0x00}) {
				t.Errorf("expected SW 9000 response, got %X", peer)
			}
			return nil, true, nil
		default:
			t.Fatalf("unexpected call %d", calls)
			return nil, true, nil
		}
	}

	h := NewHandler(nil, "/admin", 200*time.Millisecond)
	h.SessionDeadline = time.Now().Add(2 * time.Second)
	done := make(chan error, 1)
	go func() { done <- h.Serve(serverConn, "sess-1", exchange) }()

	// Bootstrap POST: empty body.
	resp1 := doPost(t, clientConn, nil, true)
	if resp1.StatusCode != http.StatusOK {
		t.Fatalf("bootstrap status = %d, want 200", resp1.StatusCode)
	}
	body1, _ := readAll(resp1)
	apdu1, err := DecodeEnvelope(body1)
	if err != nil {
		t.Fatalf("decoding response envelope: %v", err)
	}
	if len(apdu1) == 0 {
		t.Fatal("expected a command APDU in the bootstrap response")
	}

	// Peer's R-APDU: SW 9000.
	resp2 := doPost(t, clientConn, EncodeEnvelope([]byte{0x90, 0x00}), false)
	if resp2.StatusCode != http.StatusNoContent {
		t.Fatalf("second status = %d, want 204", resp2.StatusCode)
	}

	clientConn.Close()
	if err := <-done; err != nil {
		t.Fatalf("Serve returned error: %v", err)
	}
}

func TestHandlerWrongContentType(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	exchange := func(peer []byte) ([]byte, bool, error) { return nil, true, nil }
	h := NewHandler(nil, "/admin", 200*time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- h.Serve(serverConn, "sess-2", exchange) }()

	req, _ := http.NewRequest(http.MethodPost, "/admin", bytes.NewReader(nil))
	req.Header.Set("Content-Type", "application/json")
	req.Close = false
	if err := req.Write(clientConn); err != nil {
		t.Fatal(err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(clientConn), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", resp.StatusCode)
	}

	clientConn.Close()
	<-done
}

func doPost(t *testing.T, conn net.Conn, envelope []byte, keepAlive bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "/admin", bytes.NewReader(envelope))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", ContentType)
	req.Close = !keepAlive
	req.ContentLength = int64(len(envelope))
	if err := req.Write(conn); err != nil {
		t.Fatal(err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readAll(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	_, err := buf.ReadFrom(resp.Body)
	return buf.Bytes(), err
}
