package realtime

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	apperrors "github.com/pilonas/console/internal/errors"
	"github.com/pilonas/console/internal/identity"
	"github.com/pilonas/console/internal/telemetry"
)

// Timer is the handle returned by Options.AfterFunc.
type Timer interface {
	Stop() bool
}

// Options configures a Manager. Zero values fall back to the reference policy.
type Options struct {
	// Origin is the console's origin, e.g. https://pilonas.example.com.
	Origin string
	// Path is the channel path appended to the origin. Default: /ws
	Path string

	Policy      Policy
	Heartbeat   time.Duration
	DialTimeout time.Duration
	ReadTimeout time.Duration

	// Dialer opens transport connections. Default: websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// AfterFunc schedules retries. Default: time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) Timer

	// Now is the clock used for timestamps. Default: time.Now.
	Now func() time.Time

	// OnStateChange is called on every transition while the Manager's lock
	// is held. It must not call back into the Manager.
	OnStateChange func(from, to State)

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
}

func (o *Options) applyDefaults() {
	def := DefaultPolicy()
	if o.Path == "" {
		o.Path = "/ws"
	}
	if o.Policy.Floor <= 0 {
		o.Policy.Floor = def.Floor
	}
	if o.Policy.Ceiling <= 0 {
		o.Policy.Ceiling = def.Ceiling
	}
	if o.Policy.MaxAttempts <= 0 {
		o.Policy.MaxAttempts = def.MaxAttempts
	}
	if o.Policy.RecoveryDelay <= 0 {
		o.Policy.RecoveryDelay = def.RecoveryDelay
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 25 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 20 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.AfterFunc == nil {
		o.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Status is a snapshot of the connection.
type Status struct {
	State State
	// Attempt counts consecutive failures since the last successful connect.
	Attempt int
	// BackoffDelay is the delay of the most recently scheduled retry.
	BackoffDelay       time.Duration
	Identity           *identity.Identity
	Since              time.Time
	LastHeartbeatReply time.Time
}

type handlerEntry struct {
	id HandlerID
	fn Handler
}

type filterEntry struct {
	id   uint64
	name string
	fn   Filter
}

// Manager is the single logical push channel connection.
//
// Subscriptions and filters are owned by the Manager, not by a transport
// connection, so they survive reconnection. Every scheduled callback
// captures the generation it was created in and does nothing once the
// generation has moved on.
type Manager struct {
	opts    Options
	log     zerolog.Logger
	metrics *telemetry.Metrics
	machine *Machine[State]

	mu       sync.Mutex
	gen      uint64
	identity *identity.Identity
	link     *link
	attempt  int
	delay    time.Duration
	schedule *backoff.ExponentialBackOff
	timer    Timer
	since    time.Time

	subMu      sync.RWMutex
	handlers   map[string][]handlerEntry
	filters    []filterEntry
	nextID     uint64
	nextFilter uint64
}

// NewManager creates a disconnected Manager.
func NewManager(opts Options) *Manager {
	opts.applyDefaults()
	m := &Manager{
		opts:     opts,
		log:      opts.Logger.With().Str("component", "realtime").Logger(),
		metrics:  opts.Metrics,
		schedule: newSchedule(opts.Policy),
		handlers: make(map[string][]handlerEntry),
		since:    opts.Now(),
	}
	m.machine = NewMachine(StateDisconnected, connectionTransitions, m.stateChanged)
	m.metrics.SetConnectionState(StateDisconnected.String(), stateNames())
	return m
}

func stateNames() []string {
	names := make([]string, len(AllStates))
	for i, s := range AllStates {
		names[i] = s.String()
	}
	return names
}

func (m *Manager) stateChanged(from, to State, name string) {
	m.since = m.opts.Now()
	m.log.Debug().Str("from", from.String()).Str("to", to.String()).Str("transition", name).Msg("state change")
	m.metrics.SetConnectionState(to.String(), stateNames())
	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(from, to)
	}
}

// transitionLocked moves to the given state, logging invalid moves instead
// of failing; callers already checked the generation.
func (m *Manager) transitionLocked(to State) {
	if m.machine.Current() == to {
		return
	}
	if err := m.machine.TransitionTo(to); err != nil {
		m.log.Error().Err(err).Msg("unexpected transition")
	}
}

// Initialize tears down any existing connection and schedules a connect
// attempt authenticated as id. Calling it again supersedes the previous
// attempt: pending timers are cancelled and the old link is closed before
// the new one is dialed.
func (m *Manager) Initialize(id *identity.Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	wasConnected := m.teardownLocked()
	m.identity = id
	m.resetAttemptsLocked()
	gen := m.gen
	m.mu.Unlock()

	if wasConnected {
		m.dispatch(Event{Name: EventDisconnect, Reason: ReasonClientDisconnect, ReceivedAt: m.opts.Now()})
	}
	m.log.Info().Str("identity", id.String()).Msg("initializing push channel")
	go m.connect(gen)
	return nil
}

// Reconnect restarts the connection with the current identity and a fresh
// attempt counter. It is the manual recovery path from the failed state.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	id := m.identity
	m.mu.Unlock()
	if id == nil {
		return apperrors.IdentityMissing()
	}
	return m.Initialize(id)
}

// Disconnect closes the connection without scheduling a reconnect. The
// identity is kept so Reconnect can resume.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	wasConnected := m.teardownLocked()
	m.mu.Unlock()

	if wasConnected {
		m.dispatch(Event{Name: EventDisconnect, Reason: ReasonClientDisconnect, ReceivedAt: m.opts.Now()})
	}
}

// Close disconnects and forgets the identity. Subscriptions are kept.
func (m *Manager) Close() {
	m.Disconnect()
	m.mu.Lock()
	m.identity = nil
	m.mu.Unlock()
}

// teardownLocked invalidates the current generation, cancels the pending
// timer and closes the live link. It reports whether a link was connected.
func (m *Manager) teardownLocked() bool {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}

	wasConnected := false
	if l := m.link; l != nil {
		m.link = nil
		wasConnected = true
		l.close()
		go l.failPending()
	}
	m.transitionLocked(StateDisconnected)
	return wasConnected
}

func (m *Manager) resetAttemptsLocked() {
	m.attempt = 0
	m.delay = 0
	m.schedule.Reset()
}

// connect performs one attempt for generation gen.
func (m *Manager) connect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.transitionLocked(StateConnecting)
	attempt := m.attempt
	id := m.identity
	m.mu.Unlock()

	if attempt > 0 {
		m.dispatch(Event{Name: EventReconnectAttempt, Attempt: attempt, ReceivedAt: m.opts.Now()})
	}

	endpoint, err := EndpointFromOrigin(m.opts.Origin, m.opts.Path)
	if err != nil {
		m.fail(gen, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DialTimeout)
	header := http.Header{}
	header.Set("Origin", m.opts.Origin)
	conn, resp, err := m.opts.Dialer.DialContext(ctx, endpoint, header)
	cancel()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		m.fail(gen, apperrors.DialFailed(endpoint, err))
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		conn.Close()
		return
	}
	l := newLink(m, conn, gen)
	m.link = l
	m.transitionLocked(StateConnected)
	recovered := m.attempt
	m.resetAttemptsLocked()
	m.delay = m.opts.Policy.Floor
	m.mu.Unlock()

	go l.writePump()

	auth, err := NewMessage(TypeAuth, id)
	if err == nil {
		err = l.enqueue(auth)
	}
	if err != nil {
		m.log.Error().Err(err).Msg("failed to queue auth message")
	}

	m.log.Info().Str("endpoint", endpoint).Int("after_attempts", recovered).Msg("push channel connected")
	m.dispatch(Event{Name: EventConnect, ReceivedAt: m.opts.Now()})
	if recovered > 0 {
		m.dispatch(Event{Name: EventReconnect, Attempt: recovered, ReceivedAt: m.opts.Now()})
	}

	go l.readPump()
}

// fail records a failed attempt for generation gen and schedules the next.
func (m *Manager) fail(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.metrics.ConnectFailed()
	m.transitionLocked(StateReconnecting)
	gaveUp := m.scheduleRetryLocked(gen)
	attempt, delay := m.attempt, m.delay
	m.mu.Unlock()

	m.log.Debug().Err(cause).Int("attempt", attempt).Dur("delay", delay).Msg("connect attempt failed")
	m.dispatch(Event{Name: EventConnectError, Err: cause, Attempt: attempt, ReceivedAt: m.opts.Now()})
	if gaveUp {
		m.reportFailed()
	}
}

// linkDropped handles an unexpected loss of the live link.
func (m *Manager) linkDropped(l *link, cause error) {
	m.mu.Lock()
	if m.link != l || l.gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.link = nil
	l.close()
	m.metrics.ConnectFailed()
	m.transitionLocked(StateReconnecting)
	gaveUp := m.scheduleRetryLocked(l.gen)
	delay := m.delay
	m.mu.Unlock()

	l.failPending()

	reason := disconnectReason(cause)
	m.log.Warn().Err(cause).Str("reason", reason).Dur("retry_in", delay).Msg("push channel lost")
	m.dispatch(Event{Name: EventDisconnect, Reason: reason, Err: cause, ReceivedAt: m.opts.Now()})
	if gaveUp {
		m.reportFailed()
	}
}

// scheduleRetryLocked arms the next timer. Once MaxAttempts retries have
// been scheduled the Manager enters failed and arms the single recovery
// attempt instead; it reports whether that happened.
func (m *Manager) scheduleRetryLocked(gen uint64) bool {
	if m.attempt >= m.opts.Policy.MaxAttempts {
		m.transitionLocked(StateFailed)
		m.delay = m.opts.Policy.RecoveryDelay
		m.timer = m.opts.AfterFunc(m.opts.Policy.RecoveryDelay, func() { m.recover(gen) })
		return true
	}

	m.delay = m.schedule.NextBackOff()
	m.attempt++
	m.metrics.ReconnectScheduled()
	m.timer = m.opts.AfterFunc(m.delay, func() { m.connect(gen) })
	return false
}

func (m *Manager) reportFailed() {
	err := apperrors.MaxAttempts(m.opts.Policy.MaxAttempts)
	m.log.Error().Err(err).Dur("recovery_in", m.opts.Policy.RecoveryDelay).Msg("push channel failed")
	m.dispatch(Event{Name: EventReconnectFailed, Err: err, Attempt: m.opts.Policy.MaxAttempts, ReceivedAt: m.opts.Now()})
}

// recover makes the automatic attempt that follows the failed state.
func (m *Manager) recover(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.machine.Current() != StateFailed {
		m.mu.Unlock()
		return
	}
	m.resetAttemptsLocked()
	m.mu.Unlock()
	m.log.Info().Msg("attempting recovery")
	m.connect(gen)
}

// Emit sends event with payload. It fails fast with transport.not_connected
// when there is no live link; nothing is queued for later. When ack is
// non-nil it is called exactly once, with the server's reply or an error.
func (m *Manager) Emit(event string, payload interface{}, ack AckFunc) error {
	m.mu.Lock()
	l := m.link
	if m.machine.Current() != StateConnected {
		l = nil
	}
	m.mu.Unlock()

	err := m.emitOn(l, event, payload, ack)
	if err != nil {
		m.metrics.MessageDropped(event)
		if ack != nil {
			ack(nil, err)
		} else {
			m.log.Warn().Err(err).Str("event", event).Msg("emit dropped")
		}
		return err
	}
	m.metrics.MessageSent(event)
	return nil
}

func (m *Manager) emitOn(l *link, event string, payload interface{}, ack AckFunc) error {
	if l == nil {
		return apperrors.NotConnected(event)
	}
	msg, err := NewMessage(event, payload)
	if err != nil {
		return apperrors.SendFailed(event, err)
	}
	if ack != nil {
		msg.ID = uuid.NewString()
		l.addPending(msg.ID, event, ack)
	}
	if err := l.enqueue(msg); err != nil {
		if ack != nil {
			l.takePending(msg.ID)
		}
		return err
	}
	return nil
}

// On registers h for event and returns an id for Off. Registrations are
// kept across reconnection.
func (m *Manager) On(event string, h Handler) HandlerID {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.nextID++
	id := HandlerID(m.nextID)
	m.handlers[event] = append(m.handlers[event], handlerEntry{id: id, fn: h})
	return id
}

// Off removes the registration. Unknown ids are ignored.
func (m *Manager) Off(event string, id HandlerID) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	entries := m.handlers[event]
	for i, e := range entries {
		if e.id == id {
			m.handlers[event] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(m.handlers[event]) == 0 {
		delete(m.handlers, event)
	}
}

// AddFilter appends f to the inbound filter chain. Filters run in
// registration order before any handler; the first one returning false
// drops the event. The returned func removes the filter and is idempotent.
func (m *Manager) AddFilter(name string, f Filter) (remove func()) {
	m.subMu.Lock()
	m.nextFilter++
	id := m.nextFilter
	m.filters = append(m.filters, filterEntry{id: id, name: name, fn: f})
	m.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			defer m.subMu.Unlock()
			for i, e := range m.filters {
				if e.id == id {
					m.filters = append(m.filters[:i:i], m.filters[i+1:]...)
					return
				}
			}
		})
	}
}

// Filters returns the names of the installed filters in chain order.
func (m *Manager) Filters() []string {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	names := make([]string, len(m.filters))
	for i, f := range m.filters {
		names[i] = f.name
	}
	return names
}

// HandlerCount returns the number of handlers registered for event.
func (m *Manager) HandlerCount(event string) int {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	return len(m.handlers[event])
}

// dispatch runs the filter chain and then every handler for ev.Name on the
// calling goroutine.
func (m *Manager) dispatch(ev Event) {
	m.subMu.RLock()
	filters := append([]filterEntry(nil), m.filters...)
	handlers := append([]handlerEntry(nil), m.handlers[ev.Name]...)
	m.subMu.RUnlock()

	for _, f := range filters {
		if !f.fn(ev) {
			m.log.Debug().Str("event", ev.Name).Str("filter", f.name).Msg("event filtered")
			return
		}
	}
	for _, h := range handlers {
		h.fn(ev)
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	return m.machine.Current()
}

// Status returns a snapshot of the connection.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:        m.machine.Current(),
		Attempt:      m.attempt,
		BackoffDelay: m.delay,
		Identity:     m.identity,
		Since:        m.since,
	}
	if m.link != nil {
		if ns := m.link.lastBeatReply.Load(); ns != 0 {
			st.LastHeartbeatReply = time.Unix(0, ns)
		}
	}
	return st
}

// Events lists every event name with at least one handler, sorted.
func (m *Manager) Events() []string {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	names := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
