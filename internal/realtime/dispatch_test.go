package realtime

import (
	"encoding/json"
	"strings"
	"testing"

	apperrors "github.com/pilonas/console/internal/errors"
)

func deviceEvent(t *testing.T, deviceID string) Event {
	t.Helper()
	msg, err := NewMessage(EventDeviceState, LiveUpdate{DeviceID: deviceID, State: "bajada"})
	if err != nil {
		t.Fatal(err)
	}
	return Event{Name: EventDeviceState, Data: msg.Payload}
}

func TestDispatch_HandlersInRegistrationOrder(t *testing.T) {
	m := NewManager(Options{})
	var order []int
	m.On(EventDeviceState, func(Event) { order = append(order, 1) })
	m.On(EventDeviceState, func(Event) { order = append(order, 2) })
	m.On(EventConnect, func(Event) { order = append(order, 99) })

	m.dispatch(deviceEvent(t, "dev-1"))

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("handler order = %v, want [1 2]", order)
	}
}

func TestDispatch_Off(t *testing.T) {
	m := NewManager(Options{})
	calls := 0
	id := m.On(EventDeviceState, func(Event) { calls++ })
	other := m.On(EventDeviceState, func(Event) {})

	m.Off(EventDeviceState, id)
	m.Off(EventDeviceState, id)
	m.Off(EventConnect, other)
	m.dispatch(deviceEvent(t, "dev-1"))

	if calls != 0 {
		t.Errorf("removed handler called %d times", calls)
	}
	if got := m.HandlerCount(EventDeviceState); got != 1 {
		t.Errorf("HandlerCount() = %d, want 1", got)
	}
}

func TestDispatch_FilterChain(t *testing.T) {
	m := NewManager(Options{})
	var got []string
	m.On(EventDeviceState, func(ev Event) {
		var u LiveUpdate
		ev.Decode(&u)
		got = append(got, u.DeviceID)
	})

	var ran []string
	removeFirst := m.AddFilter("first", func(ev Event) bool {
		ran = append(ran, "first")
		var u LiveUpdate
		ev.Decode(&u)
		return u.DeviceID != "dev-1"
	})
	m.AddFilter("second", func(Event) bool {
		ran = append(ran, "second")
		return true
	})

	if names := m.Filters(); len(names) != 2 || names[0] != "first" || names[1] != "second" {
		t.Errorf("Filters() = %v, want [first second]", names)
	}

	m.dispatch(deviceEvent(t, "dev-1"))
	m.dispatch(deviceEvent(t, "dev-2"))

	if len(got) != 1 || got[0] != "dev-2" {
		t.Errorf("delivered = %v, want [dev-2]", got)
	}
	// first stops dev-1 before second runs
	if want := []string{"first", "first", "second"}; strings.Join(ran, ",") != strings.Join(want, ",") {
		t.Errorf("filters ran = %v, want %v", ran, want)
	}

	removeFirst()
	removeFirst()
	m.dispatch(deviceEvent(t, "dev-1"))

	if len(got) != 2 || got[1] != "dev-1" {
		t.Errorf("delivered after removal = %v, want [dev-2 dev-1]", got)
	}
	if names := m.Filters(); len(names) != 1 || names[0] != "second" {
		t.Errorf("Filters() after removal = %v, want [second]", names)
	}
}

func TestEmit_NotConnectedFailsFast(t *testing.T) {
	m := NewManager(Options{})

	var ackErr error
	acked := 0
	err := m.Emit("device.command", map[string]string{"deviceId": "dev-1"}, func(_ json.RawMessage, err error) {
		acked++
		ackErr = err
	})

	if !apperrors.IsCode(err, apperrors.CodeTransportNotConnected) {
		t.Errorf("Emit() code = %q, want %q", apperrors.GetCode(err), apperrors.CodeTransportNotConnected)
	}
	if acked != 1 {
		t.Fatalf("ack called %d times, want 1", acked)
	}
	if !apperrors.IsCode(ackErr, apperrors.CodeTransportNotConnected) {
		t.Errorf("ack error code = %q, want %q", apperrors.GetCode(ackErr), apperrors.CodeTransportNotConnected)
	}

	if err := m.Emit("device.command", nil, nil); !apperrors.IsCode(err, apperrors.CodeTransportNotConnected) {
		t.Errorf("Emit() without ack code = %q, want %q", apperrors.GetCode(err), apperrors.CodeTransportNotConnected)
	}
}

func TestInitialize_RequiresIdentity(t *testing.T) {
	m := NewManager(Options{})
	if err := m.Initialize(nil); !apperrors.IsCode(err, apperrors.CodeIdentityMissing) {
		t.Errorf("Initialize(nil) code = %q, want %q", apperrors.GetCode(err), apperrors.CodeIdentityMissing)
	}
	if err := m.Reconnect(); !apperrors.IsCode(err, apperrors.CodeIdentityMissing) {
		t.Errorf("Reconnect() code = %q, want %q", apperrors.GetCode(err), apperrors.CodeIdentityMissing)
	}
	if m.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", m.State())
	}
}
