// Package arbiter tracks which devices are under a manual test session and
// suppresses their live updates for the duration.
//
// While at least one session is active the Arbiter keeps exactly one filter
// installed on the connection manager. Sessions are client-local; the
// backend is told about each transition on a best-effort basis.
package arbiter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/pilonas/console/internal/errors"
	"github.com/pilonas/console/internal/realtime"
	"github.com/pilonas/console/internal/telemetry"
)

// FilterName is the name the Arbiter's filter is registered under.
const FilterName = "test-mode"

const queueSize = 128

// Bus is the subset of *realtime.Manager the Arbiter needs.
type Bus interface {
	AddFilter(name string, f realtime.Filter) (remove func())
	On(event string, h realtime.Handler) realtime.HandlerID
	Off(event string, id realtime.HandlerID)
}

// Notifier tells the backend a device entered or left test mode.
type Notifier interface {
	SetTestMode(ctx context.Context, deviceID string, on bool) error
}

// Options configures an Arbiter.
type Options struct {
	// Notifier is optional; without it sessions are purely local.
	Notifier Notifier

	// Indicator is called with the sorted active device ids after every
	// change, so the UI can render a "test mode" badge.
	Indicator func(active []string)

	// NotifyTimeout bounds one backend notification. Default: 10s.
	NotifyTimeout time.Duration

	Now     func() time.Time
	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
}

// Session is one device under test.
type Session struct {
	DeviceID  string
	StartedAt time.Time

	// ExtendedAt is the time of the latest repeat activation; zero until
	// the session is extended.
	ExtendedAt time.Time

	// Activations counts Activate calls since the session started.
	Activations int

	// BackendPaused is set once the backend confirms it paused automatic
	// monitoring of the device.
	BackendPaused bool
}

type notification struct {
	deviceID string
	on       bool
}

// Arbiter owns the active test sessions.
type Arbiter struct {
	bus  Bus
	opts Options
	log  zerolog.Logger

	mu           sync.RWMutex
	sessions     map[string]*Session
	removeFilter func()
	closed       bool

	queue chan notification
	wg    sync.WaitGroup

	pausedID  realtime.HandlerID
	resumedID realtime.HandlerID
}

// New creates an Arbiter bound to bus and starts its notification worker.
func New(bus Bus, opts Options) *Arbiter {
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	a := &Arbiter{
		bus:      bus,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "arbiter").Logger(),
		sessions: make(map[string]*Session),
		queue:    make(chan notification, queueSize),
	}
	a.pausedID = bus.On(realtime.EventMonitoringPaused, a.monitoringChanged(true))
	a.resumedID = bus.On(realtime.EventMonitoringResumed, a.monitoringChanged(false))

	a.wg.Add(1)
	go a.notifyLoop()
	return a
}

// Activate starts a session for deviceID and reports whether one was
// started. Activating an active device extends its session instead; no
// second filter or backend notification results.
func (a *Arbiter) Activate(deviceID string) bool {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return false
	}
	if s, ok := a.sessions[deviceID]; ok {
		s.ExtendedAt = a.opts.Now()
		s.Activations++
		n := s.Activations
		a.mu.Unlock()
		a.log.Debug().Str("device", deviceID).Int("activations", n).Msg("test session extended")
		return false
	}
	a.sessions[deviceID] = &Session{DeviceID: deviceID, StartedAt: a.opts.Now(), Activations: 1}
	if a.removeFilter == nil {
		a.removeFilter = a.bus.AddFilter(FilterName, a.filter)
	}
	active := a.activeLocked()
	a.enqueueLocked(notification{deviceID: deviceID, on: true})
	a.mu.Unlock()

	a.log.Info().Str("device", deviceID).Int("active", len(active)).Msg("test session started")
	a.changed(active)
	return true
}

// Deactivate ends the session for deviceID. It returns false when there
// was none.
func (a *Arbiter) Deactivate(deviceID string) bool {
	a.mu.Lock()
	if _, ok := a.sessions[deviceID]; !ok {
		a.mu.Unlock()
		return false
	}
	delete(a.sessions, deviceID)
	a.uninstallIfIdleLocked()
	active := a.activeLocked()
	a.enqueueLocked(notification{deviceID: deviceID, on: false})
	a.mu.Unlock()

	a.log.Info().Str("device", deviceID).Int("active", len(active)).Msg("test session ended")
	a.changed(active)
	return true
}

// ClearAll ends every session, e.g. on logout.
func (a *Arbiter) ClearAll() {
	a.mu.Lock()
	ids := a.clearLocked()
	a.mu.Unlock()
	a.cleared(ids)
}

// clearLocked drops every session and queues their end notifications. It
// returns the ids that were active.
func (a *Arbiter) clearLocked() []string {
	if len(a.sessions) == 0 {
		return nil
	}
	ids := a.activeLocked()
	a.sessions = make(map[string]*Session)
	a.uninstallIfIdleLocked()
	for _, id := range ids {
		a.enqueueLocked(notification{deviceID: id, on: false})
	}
	return ids
}

func (a *Arbiter) cleared(ids []string) {
	if len(ids) == 0 {
		return
	}
	a.log.Info().Strs("devices", ids).Msg("all test sessions cleared")
	a.changed(nil)
}

// IsActive reports whether deviceID is under test.
func (a *Arbiter) IsActive(deviceID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.sessions[deviceID]
	return ok
}

// Active returns the sorted ids of devices under test.
func (a *Arbiter) Active() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.activeLocked()
}

// Sessions returns copies of the active sessions, sorted by device id.
func (a *Arbiter) Sessions() []Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Close clears every session, waits for queued notifications to be sent
// and unsubscribes from the bus.
func (a *Arbiter) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	ids := a.clearLocked()
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	a.cleared(ids)

	a.wg.Wait()
	a.bus.Off(realtime.EventMonitoringPaused, a.pausedID)
	a.bus.Off(realtime.EventMonitoringResumed, a.resumedID)
}

// filter drops live updates for devices under test. Only the device id is
// read, so the rest of the payload may take any shape. An update whose
// device id cannot be read is dropped: the filter is only installed while a
// session exists, and the update may belong to the device under test.
func (a *Arbiter) filter(ev realtime.Event) bool {
	if ev.Name != realtime.EventDeviceState {
		return true
	}
	var target struct {
		DeviceID string `json:"deviceId"`
	}
	if err := ev.Decode(&target); err != nil || target.DeviceID == "" {
		a.opts.Metrics.UpdateFiltered()
		a.log.Warn().Err(err).Msg("dropped live update without a readable device id")
		return false
	}
	if a.IsActive(target.DeviceID) {
		a.opts.Metrics.UpdateFiltered()
		a.log.Debug().Str("device", target.DeviceID).Msg("suppressed live update")
		return false
	}
	return true
}

func (a *Arbiter) monitoringChanged(paused bool) realtime.Handler {
	return func(ev realtime.Event) {
		var n realtime.MonitoringNotice
		if err := ev.Decode(&n); err != nil {
			a.log.Warn().Err(err).Msg("bad monitoring notice")
			return
		}
		a.mu.Lock()
		if s, ok := a.sessions[n.DeviceID]; ok {
			s.BackendPaused = paused
		}
		a.mu.Unlock()
	}
}

func (a *Arbiter) uninstallIfIdleLocked() {
	if len(a.sessions) == 0 && a.removeFilter != nil {
		a.removeFilter()
		a.removeFilter = nil
	}
}

func (a *Arbiter) activeLocked() []string {
	ids := make([]string, 0, len(a.sessions))
	for id := range a.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (a *Arbiter) changed(active []string) {
	a.opts.Metrics.SetActiveSessions(len(active))
	if a.opts.Indicator != nil {
		a.opts.Indicator(active)
	}
}

// enqueueLocked queues a backend notification. Notifications are advisory:
// when the queue is full the notification is dropped and logged.
func (a *Arbiter) enqueueLocked(n notification) {
	if a.opts.Notifier == nil || a.closed {
		return
	}
	select {
	case a.queue <- n:
	default:
		a.opts.Metrics.NotifyFailed()
		a.log.Warn().Str("device", n.deviceID).Bool("test_mode", n.on).Msg("notification queue full, dropping")
	}
}

// notifyLoop sends notifications one at a time, in the order the
// transitions happened.
func (a *Arbiter) notifyLoop() {
	defer a.wg.Done()
	for n := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.opts.NotifyTimeout)
		err := a.opts.Notifier.SetTestMode(ctx, n.deviceID, n.on)
		cancel()
		if err != nil {
			if !apperrors.IsCode(err, apperrors.CodeArbiterNotifyFailed) {
				err = apperrors.NotifyFailed(n.deviceID, n.on, err)
			}
			a.opts.Metrics.NotifyFailed()
			a.log.Warn().Err(err).Msg("test-mode notification failed")
		}
	}
}
