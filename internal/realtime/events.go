// Package realtime owns the single logical push-channel connection to the
// Device Control Service.
//
// The Manager handles handshake, authentication handoff, heartbeat and
// reconnection with exponential backoff, and exposes a typed subscription
// API whose registrations outlive any individual transport connection.
package realtime

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// Lifecycle events are synthesized locally by the Manager.
const (
	EventConnect          = "connect"
	EventDisconnect       = "disconnect"
	EventConnectError     = "connect_error"
	EventReconnect        = "reconnect"
	EventReconnectAttempt = "reconnect_attempt"
	EventReconnectFailed  = "reconnect_failed"
)

// Server events.
const (
	// EventDeviceState carries a LiveUpdate.
	EventDeviceState = "device.state"
	// EventMonitoringPaused and EventMonitoringResumed carry a MonitoringNotice.
	EventMonitoringPaused  = "device.monitoring_paused"
	EventMonitoringResumed = "device.monitoring_resumed"
)

// Wire-level message types handled by the Manager itself.
const (
	TypeAuth      = "auth"
	TypeHeartbeat = "heartbeat"
	TypeAck       = "ack"
)

// Disconnect reasons.
const (
	ReasonServerDisconnect = "io server disconnect"
	ReasonClientDisconnect = "io client disconnect"
	ReasonTransportError   = "transport error"
)

// Message is the JSON envelope exchanged over the push channel.
type Message struct {
	// Type names the event.
	Type string `json:"type"`

	// ID correlates an ack with the message that requested it.
	ID string `json:"id,omitempty"`

	// Payload is the event-specific body.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Error is set on an ack when the server rejected the message.
	Error string `json:"error,omitempty"`
}

// NewMessage marshals payload into a Message of the given type.
func NewMessage(typ string, payload interface{}) (Message, error) {
	msg := Message{Type: typ}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return msg, err
	}
	msg.Payload = data
	return msg, nil
}

// Event is what subscribers and filters receive.
type Event struct {
	Name string

	// Data is the raw server payload; empty for most lifecycle events.
	Data json.RawMessage

	// Err is set for connect_error.
	Err error

	// Attempt is set for reconnect and reconnect_attempt.
	Attempt int

	// Reason is set for disconnect.
	Reason string

	ReceivedAt time.Time
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// LiveUpdate is an unsolicited device state change.
type LiveUpdate struct {
	DeviceID  string    `json:"deviceId"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// timestampLayouts are the string forms accepted for LiveUpdate.Timestamp.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// UnmarshalJSON accepts the timestamp as epoch milliseconds, as a numeric
// string, or as an RFC 3339 style string. A missing, null or unrecognised
// timestamp leaves Timestamp zero rather than rejecting the update.
func (u *LiveUpdate) UnmarshalJSON(data []byte) error {
	var raw struct {
		DeviceID  string          `json:"deviceId"`
		State     string          `json:"state"`
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	u.DeviceID = raw.DeviceID
	u.State = raw.State
	u.Timestamp = parseTimestamp(raw.Timestamp)
	return nil
}

func parseTimestamp(raw json.RawMessage) time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}
	}
	if raw[0] != '"' {
		var ms json.Number
		if err := json.Unmarshal(raw, &ms); err != nil {
			return time.Time{}
		}
		return fromMillis(ms.String())
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return fromMillis(s)
}

func fromMillis(s string) time.Time {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.Abs(f) > math.MaxInt64/2 {
		return time.Time{}
	}
	return time.UnixMilli(int64(f)).UTC()
}

// MonitoringNotice tells the client the backend paused or resumed automatic
// monitoring of a device.
type MonitoringNotice struct {
	DeviceID string `json:"deviceId"`
}

// Handler receives events for one event name.
type Handler func(Event)

// HandlerID identifies a registration for Off.
type HandlerID uint64

// Filter decides whether an event is delivered. Returning false drops it
// for every subscriber.
type Filter func(Event) bool

// AckFunc receives the server's reply to an emitted message, or the error
// that prevented one.
type AckFunc func(reply json.RawMessage, err error)
