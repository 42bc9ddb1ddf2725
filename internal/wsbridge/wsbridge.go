// Package wsbridge exposes the event bus's stream to out-of-process
// observers over WebSocket using a gorilla/websocket upgrade: each
// bridged client receives one JSON frame per emitted Event.
package wsbridge

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/opsgp/gpram/internal/event"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const writeTimeout = 5 * time.Second

// Bridge upgrades incoming HTTP connections to WebSocket and forwards
// every bus event to each connected client as a JSON frame, until the
// client disconnects. An event that arrives while a client's send buffer
// is full is dropped for that client; the client stays connected.
type Bridge struct {
	log *zap.Logger
	bus *event.Bus

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	ws   *websocket.Conn
	send chan event.Event
}

// New builds a Bridge that relays every event.Wildcard subscription from
// bus to connected WebSocket clients.
func New(log *zap.Logger, bus *event.Bus) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bridge{log: log, bus: bus, clients: make(map[*client]struct{})}
	bus.Subscribe(event.Wildcard, b.broadcast)
	return b
}

func (b *Bridge) broadcast(evt event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.send <- evt:
		default:
			b.log.Warn("dropping event for slow websocket client", zap.String("kind", string(evt.Kind)))
		}
	}
}

// ServeHTTP upgrades the request and streams events until the connection
// closes.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Info("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{ws: ws, send: make(chan event.Event, 64)}

	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.clients, c)
		b.mu.Unlock()
		_ = ws.Close()
	}()

	go b.readLoop(c)
	b.writeLoop(c)
}

// readLoop discards client messages but keeps pings/control frames and
// disconnects flowing through gorilla's internal handling. On a read
// error it deregisters the client and closes its send channel, which
// ends writeLoop.
func (b *Bridge) readLoop(c *client) {
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			_ = c.ws.Close()
			b.mu.Lock()
			if _, ok := b.clients[c]; ok {
				delete(b.clients, c)
				close(c.send)
			}
			b.mu.Unlock()
			return
		}
	}
}

func (b *Bridge) writeLoop(c *client) {
	for evt := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		payload, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}
