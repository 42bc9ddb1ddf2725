package psktls

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"net"
)

// Content types, reusing the real TLS record-layer values for familiarity
// even though this is a private wire format between this server and its
// BIP/simulator peers (see the package doc comment on why no interop
// library applies).
const (
	contentChangeCipherSpec byte = 20
	contentAlert            byte = 21
	contentHandshake        byte = 22
	contentApplicationData  byte = 23
)

const recordVersionMajor, recordVersionMinor = 3, 3 // "TLS 1.2" on the wire

// cipherState holds one direction's negotiated keys. macOnly is true for
// the NULL_SHA/NULL_SHA256 suites: the record is authenticated but not
// encrypted, and the handler logs a per-connection NULL-cipher warning.
type cipherState struct {
	suite   CipherSuite
	macKey  []byte
	encKey  []byte
	newHash func() hash.Hash
	macOnly bool
	seq     uint64
}

func (c *cipherState) mac(contentType byte, plaintext []byte) []byte {
	h := hmac.New(c.newHash, c.macKey)
	var header [13]byte
	binary.BigEndian.PutUint64(header[0:8], c.seq)
	header[8] = contentType
	header[9] = recordVersionMajor
	header[10] = recordVersionMinor
	binary.BigEndian.PutUint16(header[11:13], uint16(len(plaintext)))
	h.Write(header[:])
	h.Write(plaintext)
	return h.Sum(nil)
}

// seal MACs and (unless macOnly) CBC-encrypts plaintext into a wire
// fragment, then advances the sequence number.
func (c *cipherState) seal(contentType byte, plaintext []byte) ([]byte, error) {
	mac := c.mac(contentType, plaintext)
	c.seq++

	if c.macOnly {
		return append(append([]byte{}, plaintext...), mac...), nil
	}

	block, err := aes.NewCipher(c.encKey)
	if err != nil {
		return nil, fmt.Errorf("psktls: building cipher: %w", err)
	}
	blockSize := block.BlockSize()

	payload := append(append([]byte{}, plaintext...), mac...)
	padLen := blockSize - (len(payload)+1)%blockSize
	for i := 0; i <= padLen; i++ {
		payload = append(payload, byte(padLen))
	}

	iv := make([]byte, blockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("psktls: generating IV: %w", err)
	}
	ciphertext := make([]byte, len(payload))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, payload)

	return append(iv, ciphertext...), nil
}

// open reverses seal: decrypts (unless macOnly), strips and verifies
// padding, then verifies the MAC.
func (c *cipherState) open(contentType byte, fragment []byte) ([]byte, error) {
	defer func() { c.seq++ }()

	var payload []byte
	if c.macOnly {
		payload = fragment
	} else {
		block, err := aes.NewCipher(c.encKey)
		if err != nil {
			return nil, fmt.Errorf("psktls: building cipher: %w", err)
		}
		blockSize := block.BlockSize()
		if len(fragment) < blockSize || (len(fragment)-blockSize)%blockSize != 0 {
			return nil, fmt.Errorf("psktls: record has invalid length for block cipher")
		}
		iv, ciphertext := fragment[:blockSize], fragment[blockSize:]
		plain := make([]byte, len(ciphertext))
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

		if len(plain) == 0 {
			return nil, fmt.Errorf("psktls: empty padded record")
		}
		padLen := int(plain[len(plain)-1])
		if padLen+1 > len(plain) {
			return nil, fmt.Errorf("psktls: bad mac (padding)")
		}
		payload = plain[:len(plain)-padLen-1]
	}

	macLen := len(c.mac(contentType, nil))
	if len(payload) < macLen {
		return nil, fmt.Errorf("psktls: record shorter than MAC")
	}
	plaintext, gotMAC := payload[:len(payload)-macLen], payload[len(payload)-macLen:]
	wantMAC := c.mac(contentType, plaintext)
	if !hmac.Equal(gotMAC, wantMAC) {
		return nil, fmt.Errorf("psktls: bad mac")
	}
	return plaintext, nil
}

// recordIO frames plaintext handshake messages and ciphertext application
// records over a raw net.Conn, matching the real TLS record layer's
// header shape (type, version, 16-bit length) without byte-for-byte
// wire compatibility.
type recordIO struct {
	conn net.Conn
	br   *bufio.Reader
}

func newRecordIO(conn net.Conn) *recordIO {
	return &recordIO{conn: conn, br: bufio.NewReader(conn)}
}

func (r *recordIO) writeRecord(contentType byte, fragment []byte) error {
	header := make([]byte, 5, 5+len(fragment))
	header[0] = contentType
	header[1] = recordVersionMajor
	header[2] = recordVersionMinor
	binary.BigEndian.PutUint16(header[3:5], uint16(len(fragment)))
	_, err := r.conn.Write(append(header, fragment...))
	return err
}

func (r *recordIO) readRecord() (contentType byte, fragment []byte, err error) {
	var header [5]byte
	if _, err := io.ReadFull(r.br, header[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint16(header[3:5])
	fragment = make([]byte, length)
	if _, err := io.ReadFull(r.br, fragment); err != nil {
		return 0, nil, err
	}
	return header[0], fragment, nil
}
