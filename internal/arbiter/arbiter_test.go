package arbiter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pilonas/console/internal/realtime"
)

// fakeBus mimics the Manager's filter chain and handler registry.
type fakeBus struct {
	mu       sync.Mutex
	filters  map[int]realtime.Filter
	nextF    int
	added    int
	removed  int
	handlers map[string]map[realtime.HandlerID]realtime.Handler
	nextH    realtime.HandlerID
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		filters:  make(map[int]realtime.Filter),
		handlers: make(map[string]map[realtime.HandlerID]realtime.Handler),
	}
}

func (b *fakeBus) AddFilter(name string, f realtime.Filter) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextF++
	id := b.nextF
	b.filters[id] = f
	b.added++
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.filters[id]; ok {
			delete(b.filters, id)
			b.removed++
		}
	}
}

func (b *fakeBus) On(event string, h realtime.Handler) realtime.HandlerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextH++
	if b.handlers[event] == nil {
		b.handlers[event] = make(map[realtime.HandlerID]realtime.Handler)
	}
	b.handlers[event][b.nextH] = h
	return b.nextH
}

func (b *fakeBus) Off(event string, id realtime.HandlerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers[event], id)
}

func (b *fakeBus) installed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.filters)
}

// deliver reports whether ev passes every filter, then runs the handlers.
func (b *fakeBus) deliver(ev realtime.Event) bool {
	b.mu.Lock()
	filters := make([]realtime.Filter, 0, len(b.filters))
	for _, f := range b.filters {
		filters = append(filters, f)
	}
	var handlers []realtime.Handler
	for _, h := range b.handlers[ev.Name] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, f := range filters {
		if !f(ev) {
			return false
		}
	}
	for _, h := range handlers {
		h(ev)
	}
	return true
}

func event(t *testing.T, name string, payload interface{}) realtime.Event {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return realtime.Event{Name: name, Data: data}
}

func update(t *testing.T, deviceID, state string) realtime.Event {
	return event(t, realtime.EventDeviceState, realtime.LiveUpdate{DeviceID: deviceID, State: state})
}

type call struct {
	deviceID string
	on       bool
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []call
	err   error
	block chan struct{}
}

func (n *recordingNotifier) SetTestMode(ctx context.Context, deviceID string, on bool) error {
	if n.block != nil {
		<-n.block
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, call{deviceID, on})
	return n.err
}

func (n *recordingNotifier) recorded() []call {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]call(nil), n.calls...)
}

func TestActivate_FiltersOnlyThatDevice(t *testing.T) {
	bus := newFakeBus()
	a := New(bus, Options{})
	defer a.Close()

	a.Activate("dev-1")

	if bus.deliver(update(t, "dev-1", "bajada")) {
		t.Error("update for dev-1 delivered during its test session")
	}
	if !bus.deliver(update(t, "dev-2", "bajada")) {
		t.Error("update for dev-2 was filtered")
	}
	if !bus.deliver(event(t, realtime.EventConnect, nil)) {
		t.Error("non-update event was filtered")
	}

	a.Deactivate("dev-1")
	if !bus.deliver(update(t, "dev-1", "subida")) {
		t.Error("update for dev-1 still filtered after Deactivate")
	}
}

func TestActivate_SingleFilterInstall(t *testing.T) {
	bus := newFakeBus()
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	now := start
	n := &recordingNotifier{}
	a := New(bus, Options{Notifier: n, Now: func() time.Time { return now }})

	if !a.Activate("dev-1") {
		t.Error("first Activate(dev-1) = false, want true")
	}
	now = start.Add(time.Minute)
	if a.Activate("dev-1") {
		t.Error("second Activate(dev-1) = true, want false")
	}

	sessions := a.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("Sessions() = %+v, want one session", sessions)
	}
	s := sessions[0]
	if !s.StartedAt.Equal(start) {
		t.Errorf("StartedAt = %v, want %v", s.StartedAt, start)
	}
	if !s.ExtendedAt.Equal(start.Add(time.Minute)) {
		t.Errorf("ExtendedAt = %v, want %v", s.ExtendedAt, start.Add(time.Minute))
	}
	if s.Activations != 2 {
		t.Errorf("Activations = %d, want 2", s.Activations)
	}

	a.Activate("dev-2")
	if s := a.Sessions()[1]; s.Activations != 1 || !s.ExtendedAt.IsZero() {
		t.Errorf("new session = %+v, want 1 activation and no extension", s)
	}

	if bus.added != 1 || bus.installed() != 1 {
		t.Errorf("filters added=%d installed=%d, want 1/1", bus.added, bus.installed())
	}

	a.Deactivate("dev-1")
	if bus.installed() != 1 {
		t.Errorf("filter removed while dev-2 still active")
	}
	a.Deactivate("dev-2")
	if a.Deactivate("dev-2") {
		t.Error("Deactivate of inactive device = true, want false")
	}
	if bus.installed() != 0 || bus.removed != 1 {
		t.Errorf("filters installed=%d removed=%d, want 0/1", bus.installed(), bus.removed)
	}

	a.Activate("dev-3")
	if bus.added != 2 || bus.installed() != 1 {
		t.Errorf("after reactivation added=%d installed=%d, want 2/1", bus.added, bus.installed())
	}

	a.Close()
	var dev1 []call
	for _, c := range n.recorded() {
		if c.deviceID == "dev-1" {
			dev1 = append(dev1, c)
		}
	}
	if len(dev1) != 2 || !dev1[0].on || dev1[1].on {
		t.Errorf("dev-1 notifications = %v, want one on and one off", dev1)
	}
}

func TestFilter_PayloadShapes(t *testing.T) {
	bus := newFakeBus()
	a := New(bus, Options{})
	defer a.Close()
	a.Activate("dev-1")

	tests := []struct {
		name    string
		payload string
		want    bool
	}{
		{"rfc3339 timestamp", `{"deviceId":"dev-1","state":"bajada","timestamp":"2024-01-01T00:00:00Z"}`, false},
		{"epoch ms timestamp", `{"deviceId":"dev-1","state":"bajada","timestamp":1700000000000}`, false},
		{"space separated timestamp", `{"deviceId":"dev-1","state":"bajada","timestamp":"2024-01-01 00:00:00"}`, false},
		{"missing timestamp", `{"deviceId":"dev-1","state":"bajada"}`, false},
		{"object timestamp", `{"deviceId":"dev-1","timestamp":{"sec":1}}`, false},
		{"other device epoch ms", `{"deviceId":"dev-2","state":"bajada","timestamp":1700000000000}`, true},
		{"other device missing timestamp", `{"deviceId":"dev-2","state":"subida"}`, true},
		{"missing device id", `{"state":"bajada","timestamp":1700000000000}`, false},
		{"numeric device id", `{"deviceId":1,"state":"bajada"}`, false},
		{"malformed json", `{"deviceId":"dev-1"`, false},
		{"empty payload", ``, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := realtime.Event{Name: realtime.EventDeviceState, Data: []byte(tt.payload)}
			if got := bus.deliver(ev); got != tt.want {
				t.Errorf("deliver(%s) = %v, want %v", tt.payload, got, tt.want)
			}
		})
	}

	a.Deactivate("dev-1")
	ev := realtime.Event{Name: realtime.EventDeviceState, Data: []byte(`{"state":"bajada"}`)}
	if !bus.deliver(ev) {
		t.Error("update without device id filtered after the last session ended")
	}
}

func TestClearAll(t *testing.T) {
	bus := newFakeBus()
	var indicated [][]string
	n := &recordingNotifier{}
	a := New(bus, Options{
		Notifier:  n,
		Indicator: func(active []string) { indicated = append(indicated, active) },
	})

	a.Activate("dev-2")
	a.Activate("dev-1")
	a.ClearAll()

	if got := a.Active(); len(got) != 0 {
		t.Errorf("Active() after ClearAll = %v", got)
	}
	if bus.installed() != 0 {
		t.Error("filter still installed after ClearAll")
	}
	if len(indicated) != 3 || len(indicated[1]) != 2 || indicated[1][0] != "dev-1" || len(indicated[2]) != 0 {
		t.Errorf("indicator calls = %v, want [[dev-2] [dev-1 dev-2] []]", indicated)
	}

	a.Close()
	want := []call{{"dev-2", true}, {"dev-1", true}, {"dev-1", false}, {"dev-2", false}}
	got := n.recorded()
	if len(got) != len(want) {
		t.Fatalf("notifications = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("notification %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestNotify_FailureDoesNotBlock(t *testing.T) {
	bus := newFakeBus()
	n := &recordingNotifier{err: errors.New("503"), block: make(chan struct{})}
	a := New(bus, Options{Notifier: n})

	done := make(chan struct{})
	go func() {
		a.Activate("dev-1")
		a.Deactivate("dev-1")
		a.Activate("dev-1")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Activate/Deactivate blocked on the notifier")
	}
	if !a.IsActive("dev-1") {
		t.Error("session lost because the notification failed")
	}

	close(n.block)
	a.Close()
	if got := n.recorded(); len(got) != 4 {
		t.Errorf("notifications sent = %d, want 4 (3 transitions + close)", len(got))
	}
}

func TestMonitoringNotices(t *testing.T) {
	bus := newFakeBus()
	a := New(bus, Options{})
	defer a.Close()

	a.Activate("dev-1")
	bus.deliver(event(t, realtime.EventMonitoringPaused, realtime.MonitoringNotice{DeviceID: "dev-1"}))
	bus.deliver(event(t, realtime.EventMonitoringPaused, realtime.MonitoringNotice{DeviceID: "dev-9"}))

	sessions := a.Sessions()
	if len(sessions) != 1 || !sessions[0].BackendPaused {
		t.Fatalf("Sessions() = %+v, want dev-1 paused", sessions)
	}

	bus.deliver(event(t, realtime.EventMonitoringResumed, realtime.MonitoringNotice{DeviceID: "dev-1"}))
	if a.Sessions()[0].BackendPaused {
		t.Error("BackendPaused still set after resume notice")
	}
}

func TestClose_Unsubscribes(t *testing.T) {
	bus := newFakeBus()
	n := &recordingNotifier{}
	a := New(bus, Options{Notifier: n})
	a.Activate("dev-1")
	a.Close()
	a.Close()

	if a.Activate("dev-2") {
		t.Error("Activate after Close = true, want false")
	}
	if got := a.Active(); len(got) != 0 {
		t.Errorf("Active() after Close = %v, want none", got)
	}
	if bus.installed() != 0 {
		t.Error("filter still installed after Close")
	}
	if got := n.recorded(); len(got) != 2 || got[1] != (call{"dev-1", false}) {
		t.Errorf("notifications = %v, want dev-1 on then off", got)
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	for event, hs := range bus.handlers {
		if len(hs) != 0 {
			t.Errorf("%d handlers left on %s", len(hs), event)
		}
	}
}

func TestClose_RacingActivate(t *testing.T) {
	for i := 0; i < 50; i++ {
		bus := newFakeBus()
		a := New(bus, Options{})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			a.Activate("dev-1")
		}()
		go func() {
			defer wg.Done()
			a.Close()
		}()
		wg.Wait()
		a.Close()

		if got := a.Active(); len(got) != 0 {
			t.Fatalf("run %d: Active() after Close = %v, want none", i, got)
		}
		if bus.installed() != 0 {
			t.Fatalf("run %d: filter left installed after Close", i)
		}
	}
}
