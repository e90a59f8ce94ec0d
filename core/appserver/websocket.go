package appserver

import (
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/websocket"
)

// wsClient wraps one connected WebSocket client with its own outbound
// write queue, mirroring the teacher's WebAgentConnector split between a
// buffered writer goroutine and the raw connection -- gorilla/websocket
// connections permit only one concurrent writer, so every broadcast must
// funnel through this per-client goroutine rather than writing directly.
type wsClient struct {
	conn *websocket.Conn
	out  chan wsEnvelope

	closeSyn chan struct{}
	closeAck chan struct{}
}

func newWsClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		conn:     conn,
		out:      make(chan wsEnvelope, 32),
		closeSyn: make(chan struct{}),
		closeAck: make(chan struct{}),
	}
}

func (c *wsClient) writeLoop() {
	defer close(c.closeAck)
	defer c.conn.Close()

	for {
		select {
		case <-c.closeSyn:
			return

		case env, ok := <-c.out:
			if !ok {
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		}
	}
}

// readLoop discards anything the client sends, existing only to notice a
// closed connection promptly (gorilla's Conn requires a reader running to
// process control frames like pings/pongs and close).
func (c *wsClient) readLoop() {
	defer c.stop()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) stop() {
	select {
	case <-c.closeSyn:
	default:
		close(c.closeSyn)
	}
}

// hub tracks every connected WebSocket client and fans out broadcasts to
// each of their individual write queues.
type hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}

	register   chan *wsClient
	unregister chan *wsClient
	broadcasts chan wsEnvelope
	stopSyn    chan struct{}
}

func newHub() *hub {
	return &hub{
		clients:    make(map[*wsClient]struct{}),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcasts: make(chan wsEnvelope, 64),
		stopSyn:    make(chan struct{}),
	}
}

func (h *hub) run() {
	for {
		select {
		case <-h.stopSyn:
			h.mu.Lock()
			for c := range h.clients {
				c.stop()
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, c)
			h.mu.Unlock()

		case env := <-h.broadcasts:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.out <- env:
				default:
					log.Warn("appserver: websocket client's queue is full, dropping event")
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *hub) broadcast(env wsEnvelope) {
	select {
	case h.broadcasts <- env:
	default:
		log.Warn("appserver: websocket broadcast queue is full, dropping event")
	}
}

func (h *hub) stop() {
	close(h.stopSyn)
}

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	CheckOrigin:      func(r *http.Request) bool { return true },
}

// handleWebsocket upgrades an HTTP request to a long-lived WebSocket
// subscription on /ws, registering the client with the hub until it
// disconnects.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("appserver: websocket upgrade failed")
		return
	}

	client := newWsClient(conn)
	s.hub.register <- client

	go func() {
		client.readLoop()
		s.hub.unregister <- client
	}()
	client.writeLoop()
}
