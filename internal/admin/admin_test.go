package admin

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/opsgp/gpram/internal/config"
	"github.com/opsgp/gpram/internal/gpadmin"
	"github.com/opsgp/gpram/internal/keystore"
	"github.com/opsgp/gpram/internal/psktls"
)

type memKeyStore map[string][]byte

func (m memKeyStore) Lookup(_ context.Context, identity []byte) ([]byte, bool, error) {
	s, ok := m[string(identity)]
	return s, ok, nil
}
func (m memKeyStore) Exists(_ context.Context, identity []byte) bool {
	_, ok := m[string(identity)]
	return ok
}

var _ keystore.KeyStore = memKeyStore{}

// clientHandshake runs the RFC 4279 client flow through the exported
// psktls.DialForTesting (with a 5s guard) so handleConn can be exercised
// end to end over a net.Pipe.
func clientHandshake(t *testing.T, conn net.Conn, identity, psk []byte) net.Conn {
	t.Helper()
	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		c, err := dialPSKTLS(conn, identity, psk)
		done <- result{c, err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("client handshake failed: %v", r.err)
		}
		return r.conn
	case <-time.After(5 * time.Second):
		t.Fatal("client handshake timed out")
		return nil
	}
}

func TestHandleConnHappyPath(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()

	store := memKeyStore{"device-001": []byte("correct horse battery staple")}
	cfg := config.Default()
	cfg.HandshakeTimeoutMs = 5000
	cfg.SessionTimeoutSec = 5

	s := New(nil, cfg, store, nil)

	connDone := make(chan struct{})
	go func() {
		s.handleConn(serverConn)
		close(connDone)
	}()

	appConn := clientHandshake(t, clientConn, []byte("device-001"), store["device-001"])
	defer appConn.Close()

	br := bufio.NewReader(appConn)

	// Bootstrap POST.
	resp := postEnvelope(t, appConn, br, nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bootstrap status = %d, want 200", resp.StatusCode)
	}
	body := readBody(t, resp)
	selectCmd, err := gpadmin.DecodeEnvelope(body)
	if err != nil {
		t.Fatalf("decoding bootstrap envelope: %v", err)
	}
	if len(selectCmd) < 4 || selectCmd[1] != 0xA4 {
		t.Fatalf("expected a SELECT command, got %X", selectCmd)
	}

	// Peer answers SW 9000.
	resp2 := postEnvelope(t, appConn, br, gpadmin.EncodeEnvelope([]byte{0x90, 0x00}), false)
	if resp2.StatusCode != http.StatusNoContent {
		t.Fatalf("second status = %d, want 204", resp2.StatusCode)
	}

	appConn.Close()
	<-connDone

	snapshots := s.Sessions().ActiveSessions()
	if len(snapshots) != 0 {
		t.Errorf("expected no active sessions after close, got %d", len(snapshots))
	}
}

func postEnvelope(t *testing.T, conn net.Conn, br *bufio.Reader, envelope []byte, keepAlive bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "/admin", bytes.NewReader(envelope))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", gpadmin.ContentType)
	req.Close = !keepAlive
	req.ContentLength = int64(len(envelope))
	if err := req.Write(conn); err != nil {
		t.Fatal(err)
	}
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// dialPSKTLS delegates the client-side RFC 4279 handshake to
// psktls.DialForTesting, which exists for integration tests like this one.
func dialPSKTLS(conn net.Conn, identity, psk []byte) (net.Conn, error) {
	return psktls.DialForTesting(context.Background(), conn, identity, psk)
}
