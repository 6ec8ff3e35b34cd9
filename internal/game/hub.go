package game

import (
	"encoding/json"
	"sync"
	"time"

	"crashgame/internal/metrics"

	"github.com/gofiber/contrib/websocket"
	"github.com/rs/zerolog"
)

const (
	CLIENT_SEND_BUFFER = 256
	WRITE_TIMEOUT      = 10 * time.Second
)

// Conn is the part of a websocket connection the hub writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is one session. Messages to it are written in order by its own
// goroutine so a slow or broken connection never holds up the others.
type Client struct {
	conn          Conn
	participantID string
	send          chan []byte
	done          chan struct{}
	exited        chan struct{}
	closeOnce     sync.Once
	log           zerolog.Logger
}

func (c *Client) ParticipantID() string {
	return c.participantID
}

// Send queues msg for this client only. It reports false if the client's
// buffer is full or the client is closed.
func (c *Client) Send(msg WSMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error().Err(err).Str("type", msg.Type).Msg("marshal failed")
		return false
	}
	return c.enqueue(data)
}

func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Exited is closed once the writer has stopped and closed the connection.
func (c *Client) Exited() <-chan struct{} {
	return c.exited
}

func (c *Client) writePump() {
	defer close(c.exited)
	defer c.conn.Close()
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(WRITE_TIMEOUT))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug().Err(err).Str("participant", c.participantID).Msg("write failed")
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// outbound is a queued message. An empty participant means every session.
type outbound struct {
	participant string
	msgType     string
	data        []byte
}

// Hub fans messages out to connected sessions. Broadcasts and per-participant
// messages share one queue so each session sees them in the order sent.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	stop       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

func NewHub(logger zerolog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 1024),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		metrics:    m,
		log:        logger,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.metrics.SessionOpened()
			h.log.Info().Str("participant", client.participantID).Int("total", total).Msg("client connected")

		case client := <-h.unregister:
			h.remove(client)

		case out := <-h.broadcast:
			var slow []*Client
			h.mu.RLock()
			for client := range h.clients {
				if out.participant != "" && client.participantID != out.participant {
					continue
				}
				if !client.enqueue(out.data) {
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			for _, client := range slow {
				h.log.Warn().Str("participant", client.participantID).Str("type", out.msgType).Msg("client too slow, disconnecting")
				h.remove(client)
			}

		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				client.close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	delete(h.clients, client)
	total := len(h.clients)
	h.mu.Unlock()
	client.close()
	if ok {
		h.metrics.SessionClosed()
		h.log.Info().Str("participant", client.participantID).Int("total", total).Msg("client disconnected")
	}
}

// Stop ends Run and closes every client.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *Hub) Broadcast(msg WSMessage) {
	h.queue("", msg)
}

// SendTo queues msg for every session of participantID.
func (h *Hub) SendTo(participantID string, msg WSMessage) {
	if participantID == "" {
		return
	}
	h.queue(participantID, msg)
}

func (h *Hub) queue(participantID string, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Str("type", msg.Type).Msg("marshal failed")
		return
	}
	select {
	case h.broadcast <- outbound{participant: participantID, msgType: msg.Type, data: data}:
	default:
		h.log.Warn().Str("type", msg.Type).Str("participant", participantID).Msg("broadcast channel full, dropping message")
	}
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Register adds conn as a session of participantID and starts its writer.
func (h *Hub) Register(conn Conn, participantID string) *Client {
	client := &Client{
		conn:          conn,
		participantID: participantID,
		send:          make(chan []byte, CLIENT_SEND_BUFFER),
		done:          make(chan struct{}),
		exited:        make(chan struct{}),
		log:           h.log,
	}
	go client.writePump()
	select {
	case h.register <- client:
	case <-h.stop:
		client.close()
	}
	return client
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stop:
		client.close()
	}
}
