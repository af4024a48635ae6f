package game

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	clientSendSize = 64
	broadcastSize  = 100
	// lifecycleWait bounds how long a state-changing broadcast waits for
	// room in a full queue.
	lifecycleWait = time.Second
)

var (
	ErrClientClosed = errors.New("client connection closed")
	ErrClientBusy   = errors.New("client send buffer full")
)

// Conn is the part of a websocket connection the hub writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Client struct {
	conn   Conn
	userID string
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func (c *Client) UserID() string { return c.userID }

type directMessage struct {
	userID string
	data   []byte
}

type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	direct     chan directMessage
	register   chan *Client
	unregister chan *Client
	stopped    chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	log        *zap.Logger
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, broadcastSize),
		direct:     make(chan directMessage, broadcastSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stopped:    make(chan struct{}),
		log:        zap.L().Named("ws"),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.stopOnce.Do(func() { close(h.stopped) })
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				client.close()
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			go client.writePump(h.log)
			h.log.Debug("client connected", zap.String("user_id", client.userID), zap.Int("total", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client disconnected", zap.String("user_id", client.userID), zap.Int("total", total))

		case data := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				client.enqueue(data, h.log)
			}
			h.mu.RUnlock()

		case msg := <-h.direct:
			h.mu.RLock()
			for client := range h.clients {
				if client.userID == msg.userID {
					client.enqueue(msg.data, h.log)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast queues message for every client. Multiplier updates and other
// loose messages are dropped when the queue is full, since the next tick
// supersedes them. Round lifecycle events wait up to lifecycleWait instead.
func (h *Hub) Broadcast(message any) {
	data, err := json.Marshal(message)
	if err != nil {
		h.log.Error("marshal broadcast", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- data:
		return
	default:
	}

	event, ok := lifecycleEvent(message)
	if !ok {
		h.log.Warn("broadcast channel full, dropping message")
		return
	}
	timer := time.NewTimer(lifecycleWait)
	defer timer.Stop()
	select {
	case h.broadcast <- data:
	case <-h.stopped:
	case <-timer.C:
		h.log.Error("broadcast channel full, dropping lifecycle event", zap.String("type", event))
	}
}

func lifecycleEvent(message any) (string, bool) {
	msg, ok := message.(WSMessage)
	if !ok || msg.Type == EventMultiplierUpdate {
		return "", false
	}
	return msg.Type, true
}

// SendTo queues message for every connection of userID.
func (h *Hub) SendTo(userID string, message any) {
	if userID == "" {
		return
	}
	data, err := json.Marshal(message)
	if err != nil {
		h.log.Error("marshal direct message", zap.Error(err))
		return
	}
	select {
	case h.direct <- directMessage{userID: userID, data: data}:
	default:
		h.log.Warn("direct channel full, dropping message", zap.String("user_id", userID))
	}
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) RegisterClient(conn Conn, userID string) *Client {
	client := &Client{
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, clientSendSize),
		done:   make(chan struct{}),
	}
	select {
	case h.register <- client:
	case <-h.stopped:
		client.close()
	}
	return client
}

// UnregisterClient removes client. After Run has returned it only closes the
// connection.
func (h *Hub) UnregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stopped:
		client.close()
	}
}

// Send writes directly to this client, bypassing the hub queue. Used for
// replies such as the initial game_state.
func (c *Client) Send(message any) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		return ErrClientBusy
	}
}

func (c *Client) enqueue(data []byte, log *zap.Logger) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		log.Warn("client buffer full, dropping message", zap.String("user_id", c.userID))
	}
}

func (c *Client) writePump(log *zap.Logger) {
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug("write error", zap.String("user_id", c.userID), zap.Error(err))
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
