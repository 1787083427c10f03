package progress

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RelayConfig configures a Relay.
type RelayConfig struct {
	Bus    Bus
	Logger *slog.Logger
	// HeartbeatInterval controls how often ping frames are sent. Zero
	// disables heartbeats.
	HeartbeatInterval time.Duration
	// SendBuffer bounds the per-client outbound queue.
	SendBuffer int
	// CheckOrigin overrides the upgrader origin check. Nil accepts any origin.
	CheckOrigin func(r *http.Request) bool
}

// Relay forwards bus events to WebSocket clients grouped into one room per
// video. Joining is unauthenticated: any client that knows a video id may
// follow its progress.
type Relay struct {
	bus      Bus
	logger   *slog.Logger
	upgrader websocket.Upgrader

	heartbeatInterval time.Duration
	sendBuffer        int

	mu      sync.RWMutex
	rooms   map[string]map[*client]struct{}
	clients map[*client]struct{}
}

func NewRelay(cfg RelayConfig) *Relay {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 32
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Relay{
		bus:    cfg.Bus,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		heartbeatInterval: cfg.HeartbeatInterval,
		sendBuffer:        cfg.SendBuffer,
		rooms:             make(map[string]map[*client]struct{}),
		clients:           make(map[*client]struct{}),
	}
}

// Run subscribes to the bus and forwards events until ctx is cancelled or
// the subscription ends. Connected clients are closed on return.
func (r *Relay) Run(ctx context.Context) error {
	if r.bus == nil {
		return errors.New("relay requires a bus")
	}
	sub, err := r.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()
	defer r.closeAll()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			r.broadcast(event)
		}
	}
}

// ServeHTTP upgrades the request to a WebSocket connection.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		r.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	c := &client{
		relay: r,
		conn:  conn,
		send:  make(chan []byte, r.sendBuffer),
		done:  make(chan struct{}),
		rooms: make(map[string]struct{}),
	}
	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.mu.Unlock()

	go c.writeLoop(r.heartbeatInterval)
	go c.readLoop()
}

// RoomSize reports how many clients follow videoID.
func (r *Relay) RoomSize(videoID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[videoID])
}

func (r *Relay) broadcast(event Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	recipients := r.rooms[event.VideoID]
	if len(recipients) == 0 {
		return
	}
	payload, err := json.Marshal(outboundMessage{Type: "progress", VideoID: event.VideoID, Event: &event})
	if err != nil {
		r.logger.Error("failed to marshal progress event", "error", err)
		return
	}
	for c := range recipients {
		c.enqueue(payload)
	}
}

// join adds c to videoID. A client already closed by the other loop is not
// added and join reports false.
func (r *Relay) join(c *client, videoID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-c.done:
		return false
	default:
	}
	if r.rooms[videoID] == nil {
		r.rooms[videoID] = make(map[*client]struct{})
	}
	r.rooms[videoID][c] = struct{}{}
	c.rooms[videoID] = struct{}{}
	return true
}

// leave removes c from videoID, or from every room when videoID is empty.
func (r *Relay) leave(c *client, videoID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(c, videoID)
}

func (r *Relay) leaveLocked(c *client, videoID string) {
	targets := []string{videoID}
	if videoID == "" {
		targets = targets[:0]
		for room := range c.rooms {
			targets = append(targets, room)
		}
	}
	for _, room := range targets {
		if members := r.rooms[room]; members != nil {
			delete(members, c)
			if len(members) == 0 {
				delete(r.rooms, room)
			}
		}
		delete(c.rooms, room)
	}
}

func (r *Relay) closeAll() {
	r.mu.RLock()
	clients := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()
	for _, c := range clients {
		c.close()
	}
}

type client struct {
	relay *Relay
	conn  *websocket.Conn
	send  chan []byte
	done  chan struct{}
	once  sync.Once
	// rooms is guarded by relay.mu.
	rooms map[string]struct{}
}

type inboundMessage struct {
	Type    string `json:"type"`
	VideoID string `json:"videoId"`
}

type outboundMessage struct {
	Type    string `json:"type"`
	VideoID string `json:"videoId,omitempty"`
	Error   string `json:"error,omitempty"`
	Event   *Event `json:"event,omitempty"`
}

const writeWait = 10 * time.Second

func (c *client) enqueue(payload []byte) {
	select {
	case <-c.done:
	case c.send <- payload:
	default:
		// Slow consumer; progress is best-effort.
	}
}

func (c *client) reply(msg outboundMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(payload)
}

func (c *client) writeLoop(heartbeat time.Duration) {
	defer c.close()
	var ticks <-chan time.Time
	if heartbeat > 0 {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		ticks = ticker.C
	}
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticks:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (c *client) readLoop() {
	defer c.close()
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.reply(outboundMessage{Type: "error", Error: "invalid payload"})
			continue
		}
		videoID := strings.TrimSpace(msg.VideoID)
		switch msg.Type {
		case "join":
			if videoID == "" {
				c.reply(outboundMessage{Type: "error", Error: "videoId required"})
				continue
			}
			if !c.relay.join(c, videoID) {
				return
			}
			c.reply(outboundMessage{Type: "ack", VideoID: videoID})
		case "leave":
			c.relay.leave(c, videoID)
			c.reply(outboundMessage{Type: "ack", VideoID: videoID})
		default:
			c.reply(outboundMessage{Type: "error", Error: "unknown command"})
		}
	}
}

func (c *client) close() {
	c.once.Do(func() {
		// done closes under relay.mu so join never sees a half-closed client.
		c.relay.mu.Lock()
		c.relay.leaveLocked(c, "")
		delete(c.relay.clients, c)
		close(c.done)
		c.relay.mu.Unlock()
		_ = c.conn.Close()
	})
}
