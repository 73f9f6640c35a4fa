package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/pilonas/console/internal/errors"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 512 * 1024
	sendBuffer     = 64
)

type pendingAck struct {
	event string
	fn    AckFunc
}

// link is one transport connection. A Manager owns at most one live link;
// once closed, a link never delivers another event.
type link struct {
	m    *Manager
	conn *websocket.Conn
	gen  uint64

	send      chan Message
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	pendingMu sync.Mutex
	pending   map[string]pendingAck

	lastBeatSent  atomic.Int64
	lastBeatReply atomic.Int64
}

func newLink(m *Manager, conn *websocket.Conn, gen uint64) *link {
	return &link{
		m:       m,
		conn:    conn,
		gen:     gen,
		send:    make(chan Message, sendBuffer),
		done:    make(chan struct{}),
		pending: make(map[string]pendingAck),
	}
}

// close marks the link dead and tells writePump to send a close frame and
// release the socket. It does not wait for the pumps to exit.
func (l *link) close() {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		close(l.done)
	})
}

// enqueue hands msg to writePump without blocking.
func (l *link) enqueue(msg Message) error {
	if l.closed.Load() {
		return apperrors.LinkClosed(msg.Type)
	}
	select {
	case <-l.done:
		return apperrors.LinkClosed(msg.Type)
	case l.send <- msg:
		return nil
	default:
		return apperrors.SendFailed(msg.Type, errors.New("send buffer full"))
	}
}

func (l *link) addPending(id, event string, fn AckFunc) {
	l.pendingMu.Lock()
	l.pending[id] = pendingAck{event: event, fn: fn}
	l.pendingMu.Unlock()
}

func (l *link) takePending(id string) (pendingAck, bool) {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()
	p, ok := l.pending[id]
	if ok {
		delete(l.pending, id)
	}
	return p, ok
}

// failPending resolves every outstanding ack with transport.closed.
func (l *link) failPending() {
	l.pendingMu.Lock()
	pending := l.pending
	l.pending = make(map[string]pendingAck)
	l.pendingMu.Unlock()

	for _, p := range pending {
		p.fn(nil, apperrors.LinkClosed(p.event))
	}
}

func (l *link) resolveAck(msg Message) {
	p, ok := l.takePending(msg.ID)
	if !ok {
		l.m.log.Debug().Str("id", msg.ID).Msg("ack for unknown message")
		return
	}
	if msg.Error != "" {
		p.fn(msg.Payload, apperrors.SendFailed(p.event, errors.New(msg.Error)))
		return
	}
	p.fn(msg.Payload, nil)
}

func (l *link) extendDeadline() {
	l.conn.SetReadDeadline(time.Now().Add(l.m.opts.ReadTimeout))
}

// writePump sends queued messages and the periodic heartbeat.
func (l *link) writePump() {
	ticker := time.NewTicker(l.m.opts.Heartbeat)
	defer func() {
		ticker.Stop()
		l.conn.Close()
	}()

	for {
		select {
		case <-l.done:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			l.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case msg := <-l.send:
			if err := l.write(msg); err != nil {
				l.m.log.Warn().Err(err).Str("event", msg.Type).Msg("write failed")
				return
			}

		case <-ticker.C:
			l.checkHeartbeat()
			if err := l.write(Message{Type: TypeHeartbeat}); err != nil {
				l.m.log.Warn().Err(err).Msg("heartbeat write failed")
				return
			}
			l.lastBeatSent.Store(time.Now().UnixNano())
		}
	}
}

func (l *link) write(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

// checkHeartbeat logs when the previous heartbeat went unanswered. Liveness
// itself is enforced by the read deadline.
func (l *link) checkHeartbeat() {
	sent := l.lastBeatSent.Load()
	if sent == 0 {
		return
	}
	if l.lastBeatReply.Load() < sent {
		l.m.log.Warn().
			Time("sent", time.Unix(0, sent)).
			Msg("heartbeat reply overdue")
	}
}

// readPump reads inbound frames and dispatches them in arrival order.
func (l *link) readPump() {
	l.conn.SetReadLimit(maxMessageSize)
	l.extendDeadline()
	l.conn.SetPongHandler(func(string) error {
		l.extendDeadline()
		return nil
	})
	l.conn.SetPingHandler(func(appData string) error {
		l.extendDeadline()
		err := l.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if !l.closed.Load() {
				l.m.linkDropped(l, err)
			}
			return
		}
		if l.closed.Load() {
			return
		}
		l.extendDeadline()

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			l.m.log.Warn().Err(err).Msg("failed to parse message")
			continue
		}

		switch msg.Type {
		case TypeAck:
			l.resolveAck(msg)
		case TypeHeartbeat:
			l.lastBeatReply.Store(time.Now().UnixNano())
		case "":
			l.m.log.Debug().Msg("message without type")
		default:
			l.m.metrics.EventReceived(msg.Type)
			l.m.dispatch(Event{Name: msg.Type, Data: msg.Payload, ReceivedAt: l.m.opts.Now()})
		}
	}
}

// disconnectReason maps a read error to the reason reported on disconnect.
func disconnectReason(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ReasonServerDisconnect
	}
	return ReasonTransportError
}
