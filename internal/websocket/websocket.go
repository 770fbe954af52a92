package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"iam-advisor/internal/logger"
	"iam-advisor/internal/models"
)

const (
	writeWait = 5 * time.Second
	// sendBuffer is how many messages a client may lag behind before it is
	// dropped.
	sendBuffer = 64
)

// client owns one connection. Only its write pump writes to conn.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Manager manages WebSocket connections and broadcasts run events
type Manager struct {
	clients   map[*websocket.Conn]*client
	clientsMu sync.Mutex
	logger    logger.Logger

	latestMu sync.Mutex
	latest   *models.RunEvent
}

// New creates a new WebSocket manager
func New(log logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	return &Manager{
		clients: make(map[*websocket.Conn]*client),
		logger:  log,
	}
}

// AddClient adds a new WebSocket client and sends it the state of the last run
func (m *Manager) AddClient(conn *websocket.Conn) {
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	if msg := m.latestMessage(); msg != nil {
		c.send <- msg
	}

	m.clientsMu.Lock()
	m.clients[conn] = c
	total := len(m.clients)
	m.clientsMu.Unlock()

	m.logger.Info("websocket client connected", zap.Int("clients", total))

	go m.writePump(c)
	go m.readPump(c)
}

// remove unregisters c and closes its connection. It is safe to call more
// than once.
func (m *Manager) remove(c *client) {
	m.clientsMu.Lock()
	registered := m.clients[c.conn] == c
	if registered {
		delete(m.clients, c.conn)
		close(c.send)
	}
	total := len(m.clients)
	m.clientsMu.Unlock()

	if registered {
		c.conn.Close()
		m.logger.Info("websocket client disconnected", zap.Int("clients", total))
	}
}

func (m *Manager) writePump(c *client) {
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			m.logger.Warn("failed to send websocket update", zap.Error(err))
			m.remove(c)
			return
		}
	}
}

// readPump handles disconnection
func (m *Manager) readPump(c *client) {
	defer m.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Publish broadcasts ev to every client. Events carrying run statistics are
// kept and replayed to clients that connect later.
func (m *Manager) Publish(ev models.RunEvent) {
	if ev.Stats != nil || ev.Type == models.EventRunStarted {
		m.latestMu.Lock()
		e := ev
		m.latest = &e
		m.latestMu.Unlock()
	}
	m.Broadcast(ev)
}

// Broadcast queues v for every connected client without waiting on the
// network. A client whose queue is full is disconnected.
func (m *Manager) Broadcast(v interface{}) {
	msg, err := json.Marshal(v)
	if err != nil {
		m.logger.Error("failed to encode websocket update", zap.Error(err))
		return
	}

	var slow []*client
	m.clientsMu.Lock()
	for _, c := range m.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	m.clientsMu.Unlock()

	for _, c := range slow {
		m.logger.Warn("dropping slow websocket client", zap.String("remote", c.conn.RemoteAddr().String()))
		m.remove(c)
	}
}

// latestMessage encodes the latest run state, if any
func (m *Manager) latestMessage() []byte {
	m.latestMu.Lock()
	latest := m.latest
	m.latestMu.Unlock()
	if latest == nil {
		return nil
	}

	msg, err := json.Marshal(latest)
	if err != nil {
		return nil
	}
	return msg
}

// Latest returns the last run summary published, if any.
func (m *Manager) Latest() (models.RunEvent, bool) {
	m.latestMu.Lock()
	defer m.latestMu.Unlock()
	if m.latest == nil {
		return models.RunEvent{}, false
	}
	return *m.latest, true
}

// ClientCount returns the number of connected clients
func (m *Manager) ClientCount() int {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	return len(m.clients)
}
