package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"eipscan/logging"
	"eipscan/plcman"
)

const (
	clientQueue  = 256
	writeTimeout = 5 * time.Second
	pingPeriod   = 30 * time.Second
)

// Hub streams tag changes to websocket clients. A client whose queue is
// full is disconnected.
type Hub struct {
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[uuid.UUID]*wsClient
	reg     *plcman.Registry
	watcher *plcman.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

type wsClient struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte
	plc  string // only this controller, all when empty
}

// NewHub creates a hub without clients.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:     logging.OrNop(log),
		clients: make(map[uuid.UUID]*wsClient),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start watches every tag of reg and broadcasts its changes until ctx is
// done or Stop is called.
func (h *Hub) Start(ctx context.Context, reg *plcman.Registry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.watcher != nil {
		return
	}
	ctx, h.cancel = context.WithCancel(ctx)
	h.reg = reg
	h.watcher = reg.Watch(1024, true)
	h.done = make(chan struct{})

	w, done := h.watcher, h.done
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case tv := <-w.C:
				h.Broadcast(tv)
			}
		}
	}()
}

// Stop detaches from the registry and disconnects all clients.
func (h *Hub) Stop() {
	h.mu.Lock()
	cancel, w, done := h.cancel, h.watcher, h.done
	h.cancel, h.watcher = nil, nil
	clients := h.clients
	h.clients = make(map[uuid.UUID]*wsClient)
	h.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		w.Close()
	}
	for _, c := range clients {
		close(c.send)
	}
}

// Clients is the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues tv to every client interested in its controller.
func (h *Hub) Broadcast(tv plcman.TagValue) {
	data, err := json.Marshal(tv)
	if err != nil {
		h.log.Warn("cannot encode tag value", zap.String("tag", tv.Tag), zap.Error(err))
		return
	}

	var slow []*wsClient
	h.mu.RLock()
	for _, c := range h.clients {
		if c.plc != "" && c.plc != tv.PLC {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("dropping slow websocket client", zap.String("client", c.id.String()))
		h.remove(c)
	}
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()
	if ok {
		close(c.send)
	}
}

// ServeHTTP upgrades the request and streams values. ?plc=name limits the
// stream to one controller. The current value of every tag is sent first.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &wsClient{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, clientQueue),
		plc:  r.URL.Query().Get("plc"),
	}

	h.mu.RLock()
	reg := h.reg
	h.mu.RUnlock()
	if reg != nil {
		for _, ctrl := range reg.Controllers() {
			if c.plc != "" && ctrl.Name() != c.plc {
				continue
			}
			for _, tv := range ctrl.Values() {
				if data, err := json.Marshal(tv); err == nil {
					select {
					case c.send <- data:
					default:
					}
				}
			}
		}
	}

	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info("websocket client connected", zap.String("client", c.id.String()), zap.Int("clients", n))

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *wsClient) {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages and notices the disconnect.
func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.remove(c)
		h.log.Info("websocket client disconnected", zap.String("client", c.id.String()))
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
