package main

import (
	"bytes"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pilonas/console/internal/mockserver"
)

func runWithArgs(args []string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunUsage(t *testing.T) {
	code, out, _ := runWithArgs([]string{"pilonas"})
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out, "Usage:") {
		t.Fatalf("expected usage output, got %q", out)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	code, out, _ := runWithArgs([]string{"pilonas", "nope"})
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(out, "Unknown command") {
		t.Fatalf("expected unknown command output, got %q", out)
	}
}

func TestRunVersion(t *testing.T) {
	code, out, _ := runWithArgs([]string{"pilonas", "version"})
	if code != 0 || !strings.Contains(out, "pilonas dev") {
		t.Fatalf("version = %d %q", code, out)
	}
}

func TestRunListMissingCollection(t *testing.T) {
	code, out, _ := runWithArgs([]string{"pilonas", "list"})
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(out, "Usage: pilonas list") {
		t.Fatalf("expected list usage, got %q", out)
	}

	code, out, _ = runWithArgs([]string{"pilonas", "list", "bollards"})
	if code != 1 || !strings.Contains(out, "Unknown collection") {
		t.Fatalf("list bollards = %d %q", code, out)
	}
}

func TestLoginHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runLogin([]string{"--help"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(stderr.String(), "Usage: pilonas login") {
		t.Fatalf("expected login usage, got %q", stderr.String())
	}
}

func TestLoginInvalidIdentity(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runLogin([]string{"--user-id", "u-1"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "identity.invalid") {
		t.Fatalf("expected identity.invalid, got %q", stderr.String())
	}
}

func TestLoginMissingServer(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	var stdout, stderr bytes.Buffer
	code := runLogin([]string{"--user-id", "u-1", "--token", "t"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "config.invalid") {
		t.Fatalf("expected config.invalid, got %q", stderr.String())
	}
}

func TestSessionCommandsAgainstMockServer(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	srv := mockserver.New(mockserver.Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Stop()

	store := filepath.Join(t.TempDir(), "console.db")
	common := []string{"--server", ts.URL, "--store", store, "--log-level", "error"}

	code, out, errOut := runWithArgs([]string{"pilonas", "whoami", "--store", store})
	if code != 0 || !strings.Contains(out, "Not logged in") {
		t.Fatalf("whoami before login = %d %q %q", code, out, errOut)
	}

	args := append([]string{"pilonas", "login"}, common...)
	args = append(args, "--user-id", "u-1", "--username", "admin", "--role", "admin", "--token", "tok")
	code, out, errOut = runWithArgs(args)
	if code != 0 {
		t.Fatalf("login = %d %q %q", code, out, errOut)
	}
	if !strings.Contains(out, "Logged in as admin(u-1,admin)") {
		t.Errorf("login output = %q", out)
	}

	code, out, _ = runWithArgs([]string{"pilonas", "whoami", "--store", store})
	if code != 0 || !strings.Contains(out, "Role:     admin") {
		t.Errorf("whoami = %d %q", code, out)
	}

	code, out, errOut = runWithArgs(append([]string{"pilonas", "list", "devices"}, common...))
	if code != 0 {
		t.Fatalf("list devices = %d %q %q", code, out, errOut)
	}
	for _, want := range []string{"dev-1", "Plaza Mayor 2", "Muelle Norte"} {
		if !strings.Contains(out, want) {
			t.Errorf("list devices output missing %q:\n%s", want, out)
		}
	}

	code, out, _ = runWithArgs(append([]string{"pilonas", "list", "users"}, common...))
	if code != 0 || !strings.Contains(out, "operador") {
		t.Errorf("list users = %d %q", code, out)
	}

	code, out, _ = runWithArgs([]string{"pilonas", "logout", "--store", store})
	if code != 0 || !strings.Contains(out, "Logged out") {
		t.Errorf("logout = %d %q", code, out)
	}

	code, _, errOut = runWithArgs(append([]string{"pilonas", "list", "zones"}, common...))
	if code != 1 || !strings.Contains(errOut, "Not logged in") {
		t.Errorf("list after logout = %d %q", code, errOut)
	}
}

func TestWatchWithTestSession(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	srv := mockserver.New(mockserver.Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Stop()

	store := filepath.Join(t.TempDir(), "console.db")
	common := []string{"--server", ts.URL, "--store", store, "--log-level", "error"}

	args := append([]string{"pilonas", "login"}, common...)
	args = append(args, "--user-id", "u-2", "--token", "tok")
	if code, out, errOut := runWithArgs(args); code != 0 {
		t.Fatalf("login = %d %q %q", code, out, errOut)
	}

	args = append([]string{"pilonas", "watch"}, common...)
	args = append(args, "--test", "dev-1", "--duration", "300ms")
	code, out, errOut := runWithArgs(args)
	if code != 0 {
		t.Fatalf("watch = %d %q %q", code, out, errOut)
	}
	if !strings.Contains(out, "test session started for dev-1") {
		t.Errorf("watch output = %q", out)
	}

	calls := srv.TestModeCalls()
	if len(calls) != 2 || !calls[0].TestMode || calls[1].TestMode {
		t.Errorf("test-mode calls = %+v, want on then off for dev-1", calls)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"-1s", "in the future"},
		{"30s", "just now"},
		{"5m", "5m ago"},
		{"3h", "3h ago"},
		{"72h", "3d ago"},
	}
	for _, tt := range tests {
		d, err := time.ParseDuration(tt.in)
		if err != nil {
			t.Fatal(err)
		}
		if got := formatDuration(d); got != tt.want {
			t.Errorf("formatDuration(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
