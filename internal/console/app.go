// Package console assembles the synchronization core: one connection
// manager, one entity cache and one test-mode arbiter, constructed once and
// handed to the UI layer as a single context object.
package console

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pilonas/console/internal/arbiter"
	"github.com/pilonas/console/internal/backend"
	"github.com/pilonas/console/internal/cache"
	"github.com/pilonas/console/internal/certs"
	"github.com/pilonas/console/internal/config"
	apperrors "github.com/pilonas/console/internal/errors"
	"github.com/pilonas/console/internal/identity"
	"github.com/pilonas/console/internal/realtime"
	"github.com/pilonas/console/internal/storage"
	"github.com/pilonas/console/internal/telemetry"
)

// Collection names.
const (
	CollectionDevices = "devices"
	CollectionZones   = "zones"
	CollectionUsers   = "users"
)

// Options carries the dependencies New does not build from the config.
type Options struct {
	Logger  zerolog.Logger
	Metrics *telemetry.Metrics

	// Store overrides opening Config.StorePath.
	Store *storage.SQLiteStore

	// Indicator receives the active test sessions after every change.
	Indicator func(active []string)

	// Dialer and AfterFunc are passed to the connection manager.
	Dialer    *websocket.Dialer
	AfterFunc func(d time.Duration, f func()) realtime.Timer
}

// App is the console core.
type App struct {
	cfg     *config.Config
	log     zerolog.Logger
	store   *storage.SQLiteStore
	ownsDB  bool
	metrics *telemetry.Metrics

	Backend *backend.Client
	Conn    *realtime.Manager
	Cache   *cache.Cache
	Arbiter *arbiter.Arbiter

	Devices *cache.Collection[backend.Device]
	Zones   *cache.Collection[backend.Zone]
	Users   *cache.Collection[backend.User]

	mu       sync.Mutex
	identity *identity.Identity
}

// New builds every component from cfg. cfg must already have defaults
// applied and be valid.
func New(cfg *config.Config, opts Options) (*App, error) {
	log := opts.Logger

	store := opts.Store
	ownsDB := false
	if store == nil {
		if cfg.StorePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0700); err != nil {
				return nil, apperrors.Wrap(apperrors.CodeStorageOpenFailed, "create store directory", err)
			}
		}
		s, err := storage.NewSQLiteStore(cfg.StorePath, log)
		if err != nil {
			return nil, err
		}
		store, ownsDB = s, true
	}

	tlsCfg, err := certs.ClientConfig(cfg.TLSCAFile, cfg.TLSFingerprint)
	if err != nil {
		if ownsDB {
			store.Close()
		}
		return nil, apperrors.Wrap(apperrors.CodeConfigInvalid, "tls settings", err)
	}
	dialer := opts.Dialer
	if dialer == nil && tlsCfg != nil {
		d := *websocket.DefaultDialer
		d.TLSClientConfig = tlsCfg
		dialer = &d
	}

	client, err := backend.NewClient(backend.Options{
		BaseURL:           cfg.ServerURL,
		DevicesPath:       cfg.Backend.DevicesPath,
		ZonesPath:         cfg.Backend.ZonesPath,
		UsersPath:         cfg.Backend.UsersPath,
		TestModePath:      cfg.Backend.TestModePath,
		RequestsPerSecond: cfg.Backend.RequestsPerSecond,
		Burst:             cfg.Backend.Burst,
		Timeout:           cfg.Backend.HTTPTimeout(),
		TLSConfig:         tlsCfg,
		Logger:            log,
	})
	if err != nil {
		if ownsDB {
			store.Close()
		}
		return nil, err
	}

	conn := realtime.NewManager(realtime.Options{
		Origin: cfg.ServerURL,
		Path:   cfg.Realtime.Path,
		Policy: realtime.Policy{
			Floor:         cfg.Realtime.BackoffFloor(),
			Ceiling:       cfg.Realtime.BackoffCeiling(),
			MaxAttempts:   cfg.Realtime.MaxAttempts,
			RecoveryDelay: cfg.Realtime.RecoveryDelay(),
		},
		Heartbeat:   cfg.Realtime.Heartbeat(),
		DialTimeout: cfg.Realtime.DialTimeout(),
		ReadTimeout: cfg.Realtime.ReadTimeout(),
		Dialer:      dialer,
		AfterFunc:   opts.AfterFunc,
		Logger:      log,
		Metrics:     opts.Metrics,
	})

	c := cache.New(cfg.Cache.InitTimeout(), log)
	colOpts := func(ttl time.Duration, roles ...string) cache.Options {
		return cache.Options{TTL: ttl, Roles: roles, Logger: log, Metrics: opts.Metrics}
	}

	app := &App{
		cfg:     cfg,
		log:     log.With().Str("component", "console").Logger(),
		store:   store,
		ownsDB:  ownsDB,
		metrics: opts.Metrics,
		Backend: client,
		Conn:    conn,
		Cache:   c,
		Devices: cache.Register(c, cache.NewCollection(CollectionDevices, client.Devices,
			colOpts(cfg.Cache.DevicesTTL(), identity.RoleAdmin, identity.RoleOperator))),
		Zones: cache.Register(c, cache.NewCollection(CollectionZones, client.Zones,
			colOpts(cfg.Cache.ZonesTTL(), identity.RoleAdmin, identity.RoleOperator))),
		Users: cache.Register(c, cache.NewCollection(CollectionUsers, client.Users,
			colOpts(cfg.Cache.UsersTTL(), identity.RoleAdmin))),
	}
	app.Arbiter = arbiter.New(conn, arbiter.Options{
		Notifier:  client,
		Indicator: opts.Indicator,
		Logger:    log,
		Metrics:   opts.Metrics,
	})
	return app, nil
}

// Start resumes a persisted session, if any. It reports whether one was
// found. A cache population error is returned but leaves the session up.
func (a *App) Start(ctx context.Context) (bool, error) {
	id, err := a.store.LoadIdentity()
	if err != nil {
		return false, err
	}
	if id == nil {
		a.log.Info().Msg("no saved session")
		return false, nil
	}
	if err := id.Validate(); err != nil {
		a.log.Warn().Err(err).Msg("discarding unusable saved session")
		return false, a.store.ClearIdentity()
	}
	return true, a.activate(ctx, id)
}

// Login persists id and brings the session up: the backend client, the
// push channel and the initial cache population. A cache population error
// (including fetch.timeout) is returned but the session stays logged in.
func (a *App) Login(ctx context.Context, id *identity.Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if err := a.store.SaveIdentity(id); err != nil {
		return err
	}
	return a.activate(ctx, id)
}

func (a *App) activate(ctx context.Context, id *identity.Identity) error {
	a.mu.Lock()
	previous := a.identity
	a.identity = id
	a.mu.Unlock()

	if previous != nil && previous.UserID != id.UserID {
		a.Arbiter.ClearAll()
		a.Cache.InvalidateAll()
	}

	a.Backend.SetIdentity(id)
	if err := a.Conn.Initialize(id); err != nil {
		return err
	}
	a.log.Info().Str("identity", id.String()).Msg("session active")
	return a.Cache.Initialize(ctx, id)
}

// Logout tears the session down and forgets the persisted identity.
func (a *App) Logout() error {
	a.mu.Lock()
	id := a.identity
	a.identity = nil
	a.mu.Unlock()

	a.Arbiter.ClearAll()
	a.Conn.Close()
	a.Cache.InvalidateAll()
	a.Backend.SetIdentity(nil)

	if id != nil {
		a.log.Info().Str("identity", id.String()).Msg("logged out")
	}
	return a.store.ClearIdentity()
}

// Identity returns the logged-in identity, or nil.
func (a *App) Identity() *identity.Identity {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.identity
}

// Reconnect is the manual retry offered once the push channel has failed.
func (a *App) Reconnect() error {
	return a.Conn.Reconnect()
}

// Mutated invalidates the collection after a domain mutation so the next
// read goes to the backend.
func (a *App) Mutated(collection string) error {
	return a.Cache.Invalidate(collection)
}

// OnLiveUpdate subscribes fn to device state changes that pass the filter
// chain. An update without a usable timestamp is stamped with its arrival
// time.
func (a *App) OnLiveUpdate(fn func(realtime.LiveUpdate)) realtime.HandlerID {
	return a.Conn.On(realtime.EventDeviceState, func(ev realtime.Event) {
		var u realtime.LiveUpdate
		if err := ev.Decode(&u); err != nil {
			a.log.Warn().Err(err).Msg("bad live update")
			return
		}
		if u.Timestamp.IsZero() {
			u.Timestamp = ev.ReceivedAt
		}
		fn(u)
	})
}

// OffLiveUpdate removes a subscription made with OnLiveUpdate.
func (a *App) OffLiveUpdate(id realtime.HandlerID) {
	a.Conn.Off(realtime.EventDeviceState, id)
}

// Close stops every component. The persisted identity is kept.
func (a *App) Close() error {
	a.Arbiter.Close()
	a.Conn.Close()
	if a.ownsDB {
		return a.store.Close()
	}
	return nil
}
