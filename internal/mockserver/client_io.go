package mockserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pilonas/console/internal/identity"
	"github.com/pilonas/console/internal/realtime"
)

// Client is one push channel connection.
type Client struct {
	conn     *websocket.Conn
	send     chan realtime.Message
	done     chan struct{}
	sendOnce sync.Once
	server   *Server
}

// closeSend signals writePump to send a close frame and exit. Safe to call
// more than once.
func (c *Client) closeSend() {
	c.sendOnce.Do(func() {
		close(c.done)
	})
}

// queue hands msg to writePump, dropping it if the client is slow or gone.
func (c *Client) queue(msg realtime.Message) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		c.server.log.Warn().Str("type", msg.Type).Msg("client send buffer full, dropping message")
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		conn:   conn,
		send:   make(chan realtime.Message, 256),
		done:   make(chan struct{}),
		server: s,
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[client] = true
	count := len(s.clients)
	s.mu.Unlock()

	s.log.Debug().Int("clients", count).Msg("client connected")

	go client.writePump()
	go client.readPump()
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"))
			return

		case msg := <-c.send:
			data, err := json.Marshal(msg)
			if err != nil {
				c.server.log.Warn().Err(err).Msg("failed to marshal message")
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.server.mu.Lock()
		delete(c.server.clients, c)
		c.server.mu.Unlock()
		c.closeSend()
	}()

	c.conn.SetReadLimit(512 * 1024)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Debug().Err(err).Msg("read error")
			}
			return
		}

		var msg realtime.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.server.log.Warn().Err(err).Msg("failed to parse message")
			continue
		}

		switch msg.Type {
		case realtime.TypeHeartbeat:
			c.server.heartbeats.Add(1)
			c.queue(realtime.Message{Type: realtime.TypeHeartbeat})
		case realtime.TypeAuth:
			var id identity.Identity
			if err := json.Unmarshal(msg.Payload, &id); err != nil {
				c.server.log.Warn().Err(err).Msg("bad auth payload")
				continue
			}
			c.server.dataMu.Lock()
			c.server.auths = append(c.server.auths, id)
			c.server.dataMu.Unlock()
			if tokens := c.server.opts.Tokens; tokens != nil {
				if userID, ok := tokens.Validate(id.Token); !ok || userID != id.UserID {
					c.server.log.Warn().Str("user", id.UserID).Msg("rejecting push channel with invalid token")
					return
				}
			}
		default:
			c.server.dataMu.Lock()
			c.server.received = append(c.server.received, msg)
			rejection := c.server.rejected[msg.Type]
			c.server.dataMu.Unlock()
			if msg.ID != "" {
				c.queue(realtime.Message{Type: realtime.TypeAck, ID: msg.ID, Payload: msg.Payload, Error: rejection})
			}
		}
	}
}
