package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics

	m.SetConnectionState("connected", []string{"connected"})
	m.ReconnectScheduled()
	m.ConnectFailed()
	m.MessageSent("auth")
	m.MessageDropped("auth")
	m.EventReceived("device.state")
	m.CacheRequest("devices", ResultHit)
	m.CacheFetch("devices", OutcomeOK)
	m.SetActiveSessions(2)
	m.UpdateFiltered()
	m.NotifyFailed()

	if m.Registry() != nil {
		t.Error("Registry() on nil Metrics should be nil")
	}
}

func TestCacheCounters(t *testing.T) {
	m := New()

	m.CacheRequest("devices", ResultMiss)
	m.CacheRequest("devices", ResultCoalesced)
	m.CacheRequest("devices", ResultCoalesced)
	m.CacheFetch("zones", OutcomeError)

	if got := testutil.ToFloat64(m.cacheRequests.WithLabelValues("devices", ResultCoalesced)); got != 2 {
		t.Errorf("coalesced requests = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.cacheFetches.WithLabelValues("zones", OutcomeError)); got != 1 {
		t.Errorf("zone fetch errors = %v, want 1", got)
	}
}

func TestSetConnectionState_OneHot(t *testing.T) {
	m := New()
	all := []string{"disconnected", "connecting", "connected"}

	m.SetConnectionState("connecting", all)
	m.SetConnectionState("connected", all)

	if got := testutil.ToFloat64(m.connState.WithLabelValues("connected")); got != 1 {
		t.Errorf("connected gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.connState.WithLabelValues("connecting")); got != 0 {
		t.Errorf("connecting gauge = %v, want 0", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.SetActiveSessions(3)
	m.UpdateFiltered()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"pilonas_arbiter_active_sessions 3", "pilonas_arbiter_filtered_updates_total 1"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
