package psktls

import (
	"bytes"
	"fmt"
	"net"
	"time"
)

// Conn wraps an established PSK-TLS session: application-data records in
// both directions, sealed/opened through the negotiated cipherStates. It
// implements net.Conn so the GP Admin HTTP layer can treat it like any
// other stream.
type Conn struct {
	raw   net.Conn
	rio   *recordIO
	read  *cipherState
	write *cipherState

	pending bytes.Buffer
}

func newConn(raw net.Conn, rio *recordIO, read, write *cipherState) *Conn {
	return &Conn{raw: raw, rio: rio, read: read, write: write}
}

func (c *Conn) Read(p []byte) (int, error) {
	for c.pending.Len() == 0 {
		contentType, fragment, err := c.rio.readRecord()
		if err != nil {
			return 0, err
		}
		if contentType == contentAlert {
			return 0, fmt.Errorf("psktls: peer sent alert")
		}
		if contentType != contentApplicationData {
			return 0, fmt.Errorf("psktls: unexpected content type %d in application phase", contentType)
		}
		plaintext, err := c.read.open(contentApplicationData, fragment)
		if err != nil {
			return 0, fmt.Errorf("psktls: %w", err)
		}
		c.pending.Write(plaintext)
	}
	return c.pending.Read(p)
}

// maxFragment bounds a single application-data record, matching the
// conventional TLS record-size ceiling.
const maxFragment = 16384

func (c *Conn) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > maxFragment {
			n = maxFragment
		}
		chunk := p[:n]
		sealed, err := c.write.seal(contentApplicationData, chunk)
		if err != nil {
			return total, err
		}
		if err := c.rio.writeRecord(contentApplicationData, sealed); err != nil {
			return total, err
		}
		total += n
		p = p[n:]
	}
	return total, nil
}

func (c *Conn) Close() error                       { return c.raw.Close() }
func (c *Conn) LocalAddr() net.Addr                { return c.raw.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr               { return c.raw.RemoteAddr() }
func (c *Conn) SetDeadline(t time.Time) error       { return c.raw.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error   { return c.raw.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error  { return c.raw.SetWriteDeadline(t) }
