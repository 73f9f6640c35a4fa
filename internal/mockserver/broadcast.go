package mockserver

import (
	"time"

	"github.com/pilonas/console/internal/realtime"
)

// Broadcast queues msg for every connected client. It never blocks; when
// the broadcast queue is full the message is dropped.
func (s *Server) Broadcast(msg realtime.Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stopped {
		return
	}
	select {
	case s.broadcast <- msg:
	default:
		s.log.Warn().Str("type", msg.Type).Msg("broadcast channel full, dropping message")
	}
}

// BroadcastDeviceState sends a live update for deviceID.
func (s *Server) BroadcastDeviceState(deviceID, state string) {
	msg, err := realtime.NewMessage(realtime.EventDeviceState, realtime.LiveUpdate{
		DeviceID:  deviceID,
		State:     state,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		s.log.Error().Err(err).Msg("failed to build live update")
		return
	}
	s.Broadcast(msg)
}

// BroadcastMonitoring announces that automatic monitoring of deviceID was
// paused or resumed.
func (s *Server) BroadcastMonitoring(deviceID string, paused bool) {
	event := realtime.EventMonitoringResumed
	if paused {
		event = realtime.EventMonitoringPaused
	}
	msg, err := realtime.NewMessage(event, realtime.MonitoringNotice{DeviceID: deviceID})
	if err != nil {
		s.log.Error().Err(err).Msg("failed to build monitoring notice")
		return
	}
	s.Broadcast(msg)
}

// runBroadcaster fans queued messages out to every client. It exits when
// Stop closes the broadcast channel.
func (s *Server) runBroadcaster() {
	for msg := range s.broadcast {
		s.mu.RLock()
		for client := range s.clients {
			client.queue(msg)
		}
		s.mu.RUnlock()
	}
}
