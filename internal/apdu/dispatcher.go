package apdu

import (
	"time"

	"go.uber.org/zap"

	"github.com/opsgp/gpram/internal/logging"
)

// Context is the read-only session context handed to a Handler. It
// deliberately carries no mutation capability and no back pointer to a
// session.Session value: a handler that needs the owning session looks it
// up by SessionID through the Session Manager.
type Context struct {
	SessionID string
	Identity  string
}

// Handler processes one parsed Command for a session and returns the
// response APDU. Handlers are values, not a class hierarchy.
type Handler func(cmd Command, ctx Context) Response

// Dispatcher is the INS-keyed command table.
type Dispatcher struct {
	log      *zap.Logger
	handlers map[byte]Handler
}

// NewDispatcher constructs an empty Dispatcher. Register the built-in GP
// handlers with RegisterDefaults, or register a custom set for tests.
func NewDispatcher(log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{log: log, handlers: make(map[byte]Handler)}
}

// Register binds a Handler to an INS byte, overwriting any prior
// registration. Registration is dynamic and may happen at any time before
// first use; the Dispatcher itself does no synchronization because all
// registration in this server happens once at startup, before the
// Acceptor begins serving.
func (d *Dispatcher) Register(ins byte, h Handler) {
	d.handlers[ins] = h
}

// Dispatch parses raw, looks up a handler by INS, and invokes it. A
// malformed APDU never reaches a handler. An unregistered INS is a
// dispatcher success path that yields SW 0x6D00 to the peer. A handler
// panic is recovered and synthesized as SW 0x6F00; the panic is logged
// with the session id but never forwarded to the peer.
func (d *Dispatcher) Dispatch(raw []byte, ctx Context) Response {
	cmd, sw, ok := Parse(raw)
	if !ok {
		d.log.Info("rejected malformed APDU",
			zap.String("sessionId", ctx.SessionID),
			zap.String("sw", sw.String()),
		)
		return Response{SW: sw}
	}

	handler, registered := d.handlers[cmd.INS]
	if !registered {
		d.log.Info("no handler registered for INS",
			zap.String("sessionId", ctx.SessionID),
			zap.String("ins", byteHex(cmd.INS)),
		)
		return Response{SW: SWInsNotSupported}
	}

	start := time.Now()
	resp := d.invoke(handler, cmd, ctx)
	duration := time.Since(start)

	d.log.Debug("apdu command",
		zap.String("sessionId", ctx.SessionID),
		zap.String("command", logging.HexPreview(raw, 64)),
		zap.String("response", logging.HexPreview(resp.Data, 64)),
	)
	d.log.Info("apdu dispatched",
		zap.String("sessionId", ctx.SessionID),
		zap.String("ins", byteHex(cmd.INS)),
		zap.String("sw", resp.SW.String()),
		zap.Duration("duration", duration),
	)
	return resp
}

func (d *Dispatcher) invoke(h Handler, cmd Command, ctx Context) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("apdu handler panicked",
				zap.String("sessionId", ctx.SessionID),
				zap.Any("panic", r),
			)
			resp = Response{SW: SWUnknownError}
		}
	}()
	return h(cmd, ctx)
}

func byteHex(b byte) string {
	const hexDigits = "0123456789ABCDEF"
	return string([]byte{hexDigits[b>>4], hexDigits[b&0xF]})
}
