/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Openphonic Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signaling

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Config holds the configuration for a signaling Channel.
type Config struct {
	// URL is the websocket endpoint of the signaling relay.
	URL string
	// Header carries extra handshake headers (e.g. authorization).
	Header http.Header
	// PingInterval is the interval between keepalive pings.
	PingInterval time.Duration
	// PongTimeout is how long to wait for a pong before the read deadline trips.
	PongTimeout time.Duration
	// RoomCountTimeout bounds how long RoomCount waits for a reply before
	// assuming an empty room.
	RoomCountTimeout time.Duration
	// Logger for channel diagnostics. Defaults to a no-op logger.
	Logger zerolog.Logger
}

// DefaultConfig returns the default channel configuration.
func DefaultConfig() *Config {
	return &Config{
		PingInterval:     30 * time.Second,
		PongTimeout:      10 * time.Second,
		RoomCountTimeout: 2 * time.Second,
		Logger:           zerolog.Nop(),
	}
}

// Channel is a client connection to the signaling relay.
type Channel struct {
	cfg  *Config
	conn *websocket.Conn

	writeMu sync.Mutex // websocket writes are not concurrency-safe

	mu      sync.Mutex
	handler Handler
	joined  map[string]bool
	pending map[string]chan int
	closed  bool

	done chan struct{}
}

// Dial connects to the signaling relay and starts the read and keepalive
// loops. The returned channel is ready to join rooms.
func Dial(cfg *Config) (*Channel, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("signaling: relay URL is required")
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10 * time.Second
	}
	if cfg.RoomCountTimeout <= 0 {
		cfg.RoomCountTimeout = 2 * time.Second
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(cfg.URL, cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("signaling: dial %s: %w", cfg.URL, err)
	}

	c := &Channel{
		cfg:     cfg,
		conn:    conn,
		joined:  make(map[string]bool),
		pending: make(map[string]chan int),
		done:    make(chan struct{}),
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.PingInterval + cfg.PongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(cfg.PingInterval + cfg.PongTimeout))

	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// OnMessage registers the handler invoked for every inbound signal message
// on a joined room. A nil handler drops messages.
func (c *Channel) OnMessage(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Join subscribes the channel to a room. Joining is idempotent.
func (c *Channel) Join(room string) error {
	c.mu.Lock()
	if c.joined[room] {
		c.mu.Unlock()
		return nil
	}
	c.joined[room] = true
	c.mu.Unlock()
	return c.write(&Envelope{Event: EventJoin, Room: room})
}

// Leave unsubscribes from a room. Messages for rooms the channel has left are
// no longer delivered to the handler.
func (c *Channel) Leave(room string) error {
	c.mu.Lock()
	if !c.joined[room] {
		c.mu.Unlock()
		return nil
	}
	delete(c.joined, room)
	c.mu.Unlock()
	return c.write(&Envelope{Event: EventLeave, Room: room})
}

// Send publishes a signal message to everyone else in a room.
func (c *Channel) Send(room string, msg *Message) error {
	return c.write(&Envelope{Event: EventSignal, Room: room, Data: msg})
}

// RoomCount asks the relay how many participants a room has, including this
// client once joined. It always resolves: on transport errors or a missing
// reply the count defaults to zero — an unknown occupancy is treated as an
// empty room and the caller proceeds with a warning.
func (c *Channel) RoomCount(room string) (int, error) {
	id := uuid.New().String()
	reply := make(chan int, 1)

	c.mu.Lock()
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(&Envelope{Event: EventRoomCount, Room: room, ID: id}); err != nil {
		c.cfg.Logger.Warn().Err(err).Str("room", room).Msg("room-count request failed, assuming empty room")
		return 0, nil
	}

	select {
	case n := <-reply:
		return n, nil
	case <-time.After(c.cfg.RoomCountTimeout):
		c.cfg.Logger.Warn().Str("room", room).Msg("room-count reply timed out, assuming empty room")
		return 0, nil
	case <-c.done:
		return 0, nil
	}
}

// Close leaves all rooms and tears the connection down. Safe to call more
// than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	rooms := make([]string, 0, len(c.joined))
	for room := range c.joined {
		rooms = append(rooms, room)
	}
	c.joined = make(map[string]bool)
	c.mu.Unlock()

	for _, room := range rooms {
		_ = c.write(&Envelope{Event: EventLeave, Room: room})
	}

	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"))
	c.writeMu.Unlock()

	close(c.done)
	return c.conn.Close()
}

func (c *Channel) write(env *Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("signaling: write %s: %w", env.Event, err)
	}
	return nil
}

func (c *Channel) readLoop() {
	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			select {
			case <-c.done:
			default:
				c.cfg.Logger.Debug().Err(err).Msg("signaling read loop ended")
			}
			return
		}

		switch env.Event {
		case EventSignal:
			c.mu.Lock()
			handler := c.handler
			joined := c.joined[env.Room]
			c.mu.Unlock()
			if handler != nil && joined && env.Data != nil {
				handler(env.Room, env.Data)
			}
		case EventRoomCount:
			c.mu.Lock()
			reply, ok := c.pending[env.ID]
			c.mu.Unlock()
			if ok {
				select {
				case reply <- env.Count:
				default:
				}
			}
		}
	}
}

func (c *Channel) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
