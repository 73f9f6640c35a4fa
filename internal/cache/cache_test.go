package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/pilonas/console/internal/errors"
	"github.com/pilonas/console/internal/identity"
)

var (
	admin    = &identity.Identity{UserID: "u-1", Username: "admin", Role: identity.RoleAdmin, Token: "t1"}
	operator = &identity.Identity{UserID: "u-2", Username: "operador", Role: identity.RoleOperator, Token: "t2"}
)

type counted struct {
	calls atomic.Int32
	delay time.Duration
}

func (c *counted) fetch(ctx context.Context) ([]string, error) {
	c.calls.Add(1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	return []string{"x"}, nil
}

func newRegistry(timeout time.Duration) (*Cache, map[string]*counted) {
	c := New(timeout, zerolog.Nop())
	fetchers := map[string]*counted{"devices": {}, "zones": {}, "users": {}}
	Register(c, NewCollection("devices", fetchers["devices"].fetch, Options{TTL: time.Minute}))
	Register(c, NewCollection("zones", fetchers["zones"].fetch, Options{TTL: time.Minute}))
	Register(c, NewCollection("users", fetchers["users"].fetch, Options{TTL: time.Minute, Roles: []string{identity.RoleAdmin}}))
	return c, fetchers
}

func TestInitialize_RoleAppropriate(t *testing.T) {
	tests := []struct {
		name      string
		id        *identity.Identity
		wantUsers int32
	}{
		{"admin loads users", admin, 1},
		{"operator skips users", operator, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, fetchers := newRegistry(time.Second)
			if err := c.Initialize(context.Background(), tt.id); err != nil {
				t.Fatalf("Initialize() error: %v", err)
			}
			if n := fetchers["devices"].calls.Load(); n != 1 {
				t.Errorf("devices fetches = %d, want 1", n)
			}
			if n := fetchers["zones"].calls.Load(); n != 1 {
				t.Errorf("zones fetches = %d, want 1", n)
			}
			if n := fetchers["users"].calls.Load(); n != tt.wantUsers {
				t.Errorf("users fetches = %d, want %d", n, tt.wantUsers)
			}
		})
	}
}

func TestInitialize_Timeout(t *testing.T) {
	c, fetchers := newRegistry(50 * time.Millisecond)
	fetchers["zones"].delay = 300 * time.Millisecond

	err := c.Initialize(context.Background(), operator)
	if !apperrors.IsCode(err, apperrors.CodeFetchTimeout) {
		t.Fatalf("Initialize() code = %q, want %q", apperrors.GetCode(err), apperrors.CodeFetchTimeout)
	}

	// The slow fetch still lands and the cache keeps working.
	deadline := time.Now().Add(5 * time.Second)
	for c.Snapshot()["zones"].Phase != PhaseReady {
		if time.Now().After(deadline) {
			t.Fatal("zones never became ready after the timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := c.Refresh(context.Background(), "devices"); err != nil {
		t.Errorf("Refresh() after timeout error: %v", err)
	}
}

func TestInitialize_RequiresIdentity(t *testing.T) {
	c, _ := newRegistry(time.Second)
	if err := c.Initialize(context.Background(), nil); !apperrors.IsCode(err, apperrors.CodeIdentityMissing) {
		t.Errorf("Initialize(nil) code = %q, want %q", apperrors.GetCode(err), apperrors.CodeIdentityMissing)
	}
}

func TestCache_UnknownCollection(t *testing.T) {
	c, _ := newRegistry(time.Second)

	if err := c.Invalidate("bollards"); !apperrors.IsCode(err, apperrors.CodeFetchUnknownCollection) {
		t.Errorf("Invalidate() code = %q, want %q", apperrors.GetCode(err), apperrors.CodeFetchUnknownCollection)
	}
	if err := c.Refresh(context.Background(), "bollards"); !apperrors.IsCode(err, apperrors.CodeFetchUnknownCollection) {
		t.Errorf("Refresh() code = %q, want %q", apperrors.GetCode(err), apperrors.CodeFetchUnknownCollection)
	}
}

func TestCache_InvalidateAndRefreshAll(t *testing.T) {
	c, fetchers := newRegistry(time.Second)
	if err := c.Initialize(context.Background(), admin); err != nil {
		t.Fatal(err)
	}

	if err := c.Invalidate("zones"); err != nil {
		t.Fatalf("Invalidate() error: %v", err)
	}
	snap := c.Snapshot()
	if snap["zones"].Phase != PhaseIdle || snap["devices"].Phase != PhaseReady {
		t.Errorf("after Invalidate(zones): zones=%s devices=%s, want idle/ready", snap["zones"].Phase, snap["devices"].Phase)
	}

	c.InvalidateAll()
	for _, name := range SortedNames(c.Snapshot()) {
		if p := c.Snapshot()[name].Phase; p != PhaseIdle {
			t.Errorf("%s phase after InvalidateAll = %s, want idle", name, p)
		}
	}

	if err := c.RefreshAll(context.Background()); err != nil {
		t.Fatalf("RefreshAll() error: %v", err)
	}
	for name, f := range fetchers {
		if n := f.calls.Load(); n != 2 {
			t.Errorf("%s fetches = %d, want 2", name, n)
		}
	}
}

func TestCache_NamesInRegistrationOrder(t *testing.T) {
	c, _ := newRegistry(time.Second)
	names := c.Names()
	want := []string{"devices", "zones", "users"}
	if len(names) != len(want) {
		t.Fatalf("Names() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}
