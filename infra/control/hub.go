package control

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openfleet/carsim/core/logger"
	"github.com/openfleet/carsim/core/session"
)

const clientSendBuffer = 32

// Hub is the websocket-backed control channel of one session.
type Hub struct {
	path     string
	listener *Listener
	log      logger.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	handler func(session.ControlClient, []byte)
	join    func(session.ControlClient)
	closed  bool
}

// NewFactory returns a session.ChannelFactory that attaches one hub per
// session to the shared listener at /simulation/<sessionID>.
func NewFactory(listener *Listener, log logger.Logger) session.ChannelFactory {
	return func(sessionID string) (session.ControlChannel, error) {
		h := &Hub{
			path:     "/simulation/" + sessionID,
			listener: listener,
			log:      log,
			upgrader: websocket.Upgrader{
				CheckOrigin: func(r *http.Request) bool { return true },
			},
			clients: make(map[*client]struct{}),
		}
		listener.Attach(h.path, h)
		return h, nil
	}
}

// URL returns the path clients connect to.
func (h *Hub) URL() string { return h.path }

// SetHandler installs the inbound message handler.
func (h *Hub) SetHandler(fn func(session.ControlClient, []byte)) {
	h.mu.Lock()
	h.handler = fn
	h.mu.Unlock()
}

// SetJoinHandler installs the callback run for each newly connected client.
func (h *Hub) SetJoinHandler(fn func(session.ControlClient)) {
	h.mu.Lock()
	h.join = fn
	h.mu.Unlock()
}

// ServeHTTP upgrades the connection and starts the client pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "session terminated", http.StatusGone)
		return
	}
	h.mu.Unlock()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Errorf("control %s: upgrade: %v", h.path, err)
		return
	}
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	join := h.join
	h.mu.Unlock()

	go c.writePump()
	go h.readPump(c)
	if join != nil {
		join(c)
	}
}

func (h *Hub) readPump(c *client) {
	defer h.drop(c)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warnf("control %s: client %s: %v", h.path, c.id, err)
			}
			return
		}
		h.mu.Lock()
		handler := h.handler
		h.mu.Unlock()
		if handler != nil {
			handler(c, data)
		}
	}
}

// Broadcast serializes the event and sends it to every connected client. A
// client with a full send buffer is dropped rather than blocking the rest.
func (h *Hub) Broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Errorf("control %s: marshal broadcast: %v", h.path, err)
		return
	}
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	for _, c := range targets {
		if err := c.push(data); err != nil {
			h.log.Warnf("control %s: client %s: %v", h.path, c.id, err)
			h.drop(c)
		}
	}
}

// Close stops accepting connections immediately. After the grace delay the
// remaining clients are disconnected and the path detaches from the shared
// listener, so a final broadcast can still reach connected clients.
func (h *Hub) Close(grace time.Duration) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	time.AfterFunc(grace, func() {
		h.listener.Detach(h.path)
		h.mu.Lock()
		clients := make([]*client, 0, len(h.clients))
		for c := range h.clients {
			clients = append(clients, c)
		}
		h.clients = make(map[*client]struct{})
		h.mu.Unlock()
		for _, c := range clients {
			c.close()
		}
	})
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.close()
	}
}

// client is one websocket control connection. Writes go through a buffered
// channel so a slow reader cannot block the hub.
type client struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (c *client) ID() string { return c.id }

// Send serializes and queues one message for this client.
func (c *client) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.push(data)
}

func (c *client) push(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("client closed")
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

func (c *client) writePump() {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.conn.Close()
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session terminated"))
	c.conn.Close()
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
