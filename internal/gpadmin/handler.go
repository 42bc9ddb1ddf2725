package gpadmin

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Exchange answers one request cycle: given the APDU bytes the peer sent
// (nil on the bootstrap empty POST), it returns the next command APDU to
// deliver, or done=true when the server has nothing further to send.
type Exchange func(peerAPDU []byte) (nextAPDU []byte, done bool, err error)

// Handler serves the GP Admin HTTP/1.1 surface on one already-handshaked
// connection.
type Handler struct {
	log *zap.Logger

	// AdminPath is the only path POST is accepted on; default "/admin".
	AdminPath string
	// IdleWindow bounds how long the handler waits for each request,
	// including the first one and the one after any response (200, 204 or
	// an error status); when it elapses with no request the loop ends.
	IdleWindow time.Duration
	// SessionDeadline is an absolute wall-clock point past which the
	// handler stops serving this connection regardless of keep-alive,
	// owned by the caller's session timeout.
	SessionDeadline time.Time
}

// NewHandler constructs a Handler with its documented defaults.
func NewHandler(log *zap.Logger, adminPath string, idleWindow time.Duration) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if adminPath == "" {
		adminPath = "/admin"
	}
	if idleWindow <= 0 {
		idleWindow = 5 * time.Second
	}
	return &Handler{log: log, AdminPath: adminPath, IdleWindow: idleWindow}
}

// Serve drives the request loop for one connection, calling exchange once
// per accepted POST, until the peer closes the stream, the session
// deadline passes, a fatal protocol error occurs, or the idle window
// elapses with no further request, whatever the previous response was.
func (h *Handler) Serve(conn net.Conn, sessionID string, exchange Exchange) error {
	br := bufio.NewReader(conn)
	deadline := h.IdleWindow

	for {
		if !h.SessionDeadline.IsZero() {
			if d := time.Until(h.SessionDeadline); d < deadline {
				deadline = d
			}
			if deadline <= 0 {
				return nil
			}
		}
		_ = conn.SetReadDeadline(time.Now().Add(deadline))

		req, err := http.ReadRequest(br)
		if err != nil {
			if isTimeoutOrEOF(err) {
				return nil
			}
			return fmt.Errorf("gpadmin: reading request: %w", err)
		}

		keepAlive := !req.Close
		status, respBody, serveErr := h.handleOne(req, sessionID, exchange)
		_ = req.Body.Close()

		if err := writeResponse(conn, status, respBody, keepAlive); err != nil {
			return fmt.Errorf("gpadmin: writing response: %w", err)
		}
		if serveErr != nil {
			h.log.Info("gpadmin request rejected",
				zap.String("sessionId", sessionID),
				zap.Int("status", status),
				zap.Error(serveErr),
			)
		}
		if !keepAlive {
			return nil
		}
		deadline = h.IdleWindow
	}
}

func (h *Handler) handleOne(req *http.Request, sessionID string, exchange Exchange) (status int, body []byte, err error) {
	if req.Method != http.MethodPost {
		return http.StatusMethodNotAllowed, nil, fmt.Errorf("method %s not allowed", req.Method)
	}
	if req.URL.Path != h.AdminPath {
		return http.StatusNotFound, nil, fmt.Errorf("path %s not found", req.URL.Path)
	}
	if !strings.EqualFold(strings.TrimSpace(req.Header.Get("Content-Type")), ContentType) {
		return http.StatusUnsupportedMediaType, nil, fmt.Errorf("unsupported content-type %q", req.Header.Get("Content-Type"))
	}

	raw, err := io.ReadAll(req.Body)
	if err != nil {
		return http.StatusBadRequest, nil, fmt.Errorf("reading body: %w", err)
	}

	peerAPDU, err := DecodeEnvelope(raw)
	if err != nil {
		return http.StatusBadRequest, nil, err
	}

	next, done, err := exchange(peerAPDU)
	if err != nil {
		return http.StatusInternalServerError, nil, err
	}
	if done && len(next) == 0 {
		return http.StatusNoContent, nil, nil
	}
	return http.StatusOK, EncodeEnvelope(next), nil
}

func writeResponse(w io.Writer, status int, body []byte, keepAlive bool) error {
	resp := &http.Response{
		StatusCode: status,
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
	}
	if status == http.StatusOK {
		resp.Header.Set("Content-Type", ContentType)
	}
	resp.Header.Set("Connection", connectionHeader(keepAlive))
	if body != nil {
		resp.Body = io.NopCloser(newByteReader(body))
		resp.ContentLength = int64(len(body))
	} else {
		resp.ContentLength = 0
	}
	return resp.Write(w)
}

func connectionHeader(keepAlive bool) string {
	if keepAlive {
		return "keep-alive"
	}
	return "close"
}

func isTimeoutOrEOF(err error) bool {
	if err == io.EOF {
		return true
	}
	var ne net.Error
	if errorsAs(err, &ne) {
		return ne.Timeout()
	}
	return false
}
