package certs

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
)

func TestEnsureCertificateGeneratesThenLoads(t *testing.T) {
	dir := t.TempDir()
	cfg := CertConfig{
		CertPath: filepath.Join(dir, "certs", "mock.crt"),
		KeyPath:  filepath.Join(dir, "certs", "mock.key"),
	}

	first, err := EnsureCertificate(cfg)
	if err != nil {
		t.Fatalf("EnsureCertificate() error: %v", err)
	}
	if !first.IsGenerated {
		t.Error("first call should generate")
	}
	if parts := strings.Split(first.Fingerprint, ":"); len(parts) != 32 {
		t.Errorf("fingerprint has %d bytes, want 32", len(parts))
	}

	second, err := EnsureCertificate(cfg)
	if err != nil {
		t.Fatalf("EnsureCertificate() second call error: %v", err)
	}
	if second.IsGenerated {
		t.Error("second call should load the existing pair")
	}
	if second.Fingerprint != first.Fingerprint {
		t.Errorf("Fingerprint = %s, want %s", second.Fingerprint, first.Fingerprint)
	}
}

func TestClientConfigEmpty(t *testing.T) {
	cfg, err := ClientConfig("", "")
	if err != nil || cfg != nil {
		t.Errorf("ClientConfig(\"\", \"\") = %v, %v; want nil, nil", cfg, err)
	}
}

func TestClientConfigInvalid(t *testing.T) {
	if _, err := ClientConfig(filepath.Join(t.TempDir(), "missing.pem"), ""); err == nil {
		t.Error("missing CA file should fail")
	}
	if _, err := ClientConfig("", "AA:BB"); err == nil {
		t.Error("short fingerprint should fail")
	}
}

func newTLSServer(t *testing.T) (*httptest.Server, *CertInfo) {
	t.Helper()
	dir := t.TempDir()
	info, err := GenerateCertificate(CertConfig{
		CertPath: filepath.Join(dir, "mock.crt"),
		KeyPath:  filepath.Join(dir, "mock.key"),
	})
	if err != nil {
		t.Fatalf("GenerateCertificate() error: %v", err)
	}
	srvCfg, err := ServerConfig(info.CertPath, info.KeyPath)
	if err != nil {
		t.Fatalf("ServerConfig() error: %v", err)
	}

	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	ts.TLS = srvCfg
	ts.StartTLS()
	t.Cleanup(ts.Close)
	return ts, info
}

func get(t *testing.T, url string, cfg *tls.Config) error {
	t.Helper()
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: cfg}}
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func TestClientConfigTrustsCAFile(t *testing.T) {
	ts, info := newTLSServer(t)

	cfg, err := ClientConfig(info.CertPath, "")
	if err != nil {
		t.Fatalf("ClientConfig() error: %v", err)
	}
	if err := get(t, ts.URL, cfg); err != nil {
		t.Errorf("GET with CA file failed: %v", err)
	}
	if err := get(t, ts.URL, &tls.Config{}); err == nil {
		t.Error("GET with system roots should fail for a self-signed server")
	}
}

func TestClientConfigPinsFingerprint(t *testing.T) {
	ts, info := newTLSServer(t)

	cfg, err := ClientConfig("", strings.ToLower(info.Fingerprint))
	if err != nil {
		t.Fatalf("ClientConfig() error: %v", err)
	}
	if err := get(t, ts.URL, cfg); err != nil {
		t.Errorf("GET with pinned fingerprint failed: %v", err)
	}

	wrong := strings.Repeat("00:", 31) + "00"
	cfg, err = ClientConfig("", wrong)
	if err != nil {
		t.Fatalf("ClientConfig() error: %v", err)
	}
	if err := get(t, ts.URL, cfg); err == nil || !strings.Contains(err.Error(), "fingerprint mismatch") {
		t.Errorf("GET with wrong fingerprint = %v, want mismatch", err)
	}
}
