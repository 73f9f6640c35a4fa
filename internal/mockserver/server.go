// Package mockserver is an in-process stand-in for the Device Control
// Service. It serves the push channel and the bulk-read and test-mode
// endpoints, and exposes hooks to observe requests and inject failures.
//
// The CLI runs it with `pilonas mock-server`; tests mount Handler on an
// httptest server.
package mockserver

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pilonas/console/internal/backend"
	"github.com/pilonas/console/internal/identity"
	"github.com/pilonas/console/internal/realtime"
)

// Collection names as used in counters and failure injection.
const (
	CollectionDevices = "devices"
	CollectionZones   = "zones"
	CollectionUsers   = "users"
)

// Options configures a Server.
type Options struct {
	// Addr is used by Start and StartAsync. Default: 127.0.0.1:7080
	Addr string

	// Paths default to the reference endpoints.
	ChannelPath  string
	DevicesPath  string
	ZonesPath    string
	UsersPath    string
	TestModePath string

	// Tokens, when set, restricts HTTP endpoints to issued tokens.
	Tokens *TokenRegistry

	// TLS, when set, makes StartAsync serve https and wss.
	TLS *tls.Config

	Logger zerolog.Logger
}

// TestModeCall records one test-mode notification.
type TestModeCall struct {
	DeviceID string
	TestMode bool
	Token    string
}

type failure struct {
	status  int
	message string
}

// Server is the mock Device Control Service.
type Server struct {
	opts Options
	log  zerolog.Logger

	upgrader   websocket.Upgrader
	httpServer *http.Server

	mu        sync.RWMutex
	clients   map[*Client]bool
	broadcast chan realtime.Message
	stopped   bool

	dataMu   sync.RWMutex
	devices  []backend.Device
	zones    []backend.Zone
	users    []backend.User
	failures map[string]failure
	latency  time.Duration
	hold     chan struct{}

	fetches    map[string]*atomic.Int64
	testModes  []TestModeCall
	auths      []identity.Identity
	heartbeats atomic.Int64
	received   []realtime.Message
	rejected   map[string]string
}

// New creates a Server seeded with Fixtures.
func New(opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:7080"
	}
	if opts.ChannelPath == "" {
		opts.ChannelPath = "/ws"
	}
	if opts.DevicesPath == "" {
		opts.DevicesPath = "/api/devices"
	}
	if opts.ZonesPath == "" {
		opts.ZonesPath = "/api/zones"
	}
	if opts.UsersPath == "" {
		opts.UsersPath = "/api/users"
	}
	if opts.TestModePath == "" {
		opts.TestModePath = "/api/devices/test-mode"
	}

	devices, zones, users := Fixtures()
	s := &Server{
		opts: opts,
		log:  opts.Logger.With().Str("component", "mockserver").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:   make(map[*Client]bool),
		broadcast: make(chan realtime.Message, 256),
		devices:   devices,
		zones:     zones,
		users:     users,
		failures:  make(map[string]failure),
		fetches: map[string]*atomic.Int64{
			CollectionDevices: {},
			CollectionZones:   {},
			CollectionUsers:   {},
		},
		rejected: make(map[string]string),
	}
	go s.runBroadcaster()
	return s
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.opts.ChannelPath, s.handleWebSocket)
	mux.HandleFunc(s.opts.DevicesPath, s.collectionHandler(CollectionDevices))
	mux.HandleFunc(s.opts.ZonesPath, s.collectionHandler(CollectionZones))
	mux.HandleFunc(s.opts.UsersPath, s.collectionHandler(CollectionUsers))
	mux.HandleFunc(s.opts.TestModePath, s.handleTestMode)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// StartAsync listens on Options.Addr and serves in a goroutine. The returned
// channel receives nil once listening, or the listen error.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		errCh <- fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
		close(errCh)
		return errCh
	}
	if s.opts.TLS != nil {
		ln = tls.NewListener(ln, s.opts.TLS)
	}

	s.mu.Lock()
	s.httpServer = &http.Server{Handler: s.Handler()}
	srv := s.httpServer
	s.mu.Unlock()

	go func() {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("mock server listening")
		errCh <- nil
		close(errCh)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("mock server error")
		}
	}()
	return errCh
}

// Stop closes every client and the HTTP server, if one was started.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for client := range s.clients {
		client.closeSend()
	}
	s.clients = make(map[*Client]bool)
	close(s.broadcast)
	srv := s.httpServer
	s.mu.Unlock()

	if srv != nil {
		return srv.Close()
	}
	return nil
}

// ClientCount returns the number of connected push channel clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// DropClients closes every push channel connection from the server side.
func (s *Server) DropClients() {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.closeSend()
	}
}

// SetDevices replaces the device collection.
func (s *Server) SetDevices(devices []backend.Device) {
	s.dataMu.Lock()
	s.devices = devices
	s.dataMu.Unlock()
}

// SetZones replaces the zone collection.
func (s *Server) SetZones(zones []backend.Zone) {
	s.dataMu.Lock()
	s.zones = zones
	s.dataMu.Unlock()
}

// SetUsers replaces the user collection.
func (s *Server) SetUsers(users []backend.User) {
	s.dataMu.Lock()
	s.users = users
	s.dataMu.Unlock()
}

// Fail makes every request to endpoint (a collection name or EndpointTestMode)
// answer with status and a JSON error body. Status 0 clears the failure.
func (s *Server) Fail(endpoint string, status int, message string) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	if status == 0 {
		delete(s.failures, endpoint)
		return
	}
	s.failures[endpoint] = failure{status: status, message: message}
}

// SetLatency delays every HTTP response.
func (s *Server) SetLatency(d time.Duration) {
	s.dataMu.Lock()
	s.latency = d
	s.dataMu.Unlock()
}

// Hold blocks every bulk read until the returned release func is called.
func (s *Server) Hold() (release func()) {
	ch := make(chan struct{})
	s.dataMu.Lock()
	s.hold = ch
	s.dataMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.dataMu.Lock()
			if s.hold == ch {
				s.hold = nil
			}
			s.dataMu.Unlock()
			close(ch)
		})
	}
}

// Reject makes the server answer acks for event with errMsg.
func (s *Server) Reject(event, errMsg string) {
	s.dataMu.Lock()
	s.rejected[event] = errMsg
	s.dataMu.Unlock()
}

// FetchCount returns how many requests reached the collection endpoint.
func (s *Server) FetchCount(collection string) int {
	if c, ok := s.fetches[collection]; ok {
		return int(c.Load())
	}
	return 0
}

// TestModeCalls returns the notifications received so far, in order.
func (s *Server) TestModeCalls() []TestModeCall {
	s.dataMu.RLock()
	defer s.dataMu.RUnlock()
	return append([]TestModeCall(nil), s.testModes...)
}

// Auths returns the identities presented on the push channel, in order.
func (s *Server) Auths() []identity.Identity {
	s.dataMu.RLock()
	defer s.dataMu.RUnlock()
	return append([]identity.Identity(nil), s.auths...)
}

// Received returns the application messages received on the push channel.
func (s *Server) Received() []realtime.Message {
	s.dataMu.RLock()
	defer s.dataMu.RUnlock()
	return append([]realtime.Message(nil), s.received...)
}

// Heartbeats returns the number of heartbeats received.
func (s *Server) Heartbeats() int {
	return int(s.heartbeats.Load())
}

// Fixtures returns the seed data.
func Fixtures() ([]backend.Device, []backend.Zone, []backend.User) {
	zones := []backend.Zone{
		{ID: "zone-centro", Name: "Centro", Description: "Casco histórico"},
		{ID: "zone-puerto", Name: "Puerto", Description: "Acceso al muelle"},
	}
	devices := []backend.Device{
		{ID: "dev-1", Name: "Plaza Mayor 1", ZoneID: "zone-centro", Address: "10.0.1.11:502", UnitID: 1, State: backend.StateUp},
		{ID: "dev-2", Name: "Plaza Mayor 2", ZoneID: "zone-centro", Address: "10.0.1.12:502", UnitID: 1, State: backend.StateDown},
		{ID: "dev-3", Name: "Muelle Norte", ZoneID: "zone-puerto", Address: "10.0.2.21:502", UnitID: 2, State: backend.StateUp},
	}
	users := []backend.User{
		{ID: "u-1", Username: "admin", Role: identity.RoleAdmin, Active: true},
		{ID: "u-2", Username: "operador", Role: identity.RoleOperator, Active: true},
	}
	return devices, zones, users
}
