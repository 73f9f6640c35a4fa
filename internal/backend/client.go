// Package backend is the HTTP client for the Device Control Service's
// bulk-read and test-mode endpoints.
package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	apperrors "github.com/pilonas/console/internal/errors"
	"github.com/pilonas/console/internal/identity"
)

// Options configures a Client.
type Options struct {
	// BaseURL is the service origin.
	BaseURL string

	DevicesPath  string
	ZonesPath    string
	UsersPath    string
	TestModePath string

	// RequestsPerSecond and Burst shape outbound requests. Zero disables
	// limiting.
	RequestsPerSecond float64
	Burst             int

	Timeout time.Duration

	// TLSConfig applies to the default client.
	TLSConfig *tls.Config

	// HTTPClient overrides the default client; Timeout and TLSConfig are
	// then ignored.
	HTTPClient *http.Client

	Logger zerolog.Logger
}

// StatusError is a non-2xx answer. Message comes from the JSON error body
// when there is one.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// Client talks to the Device Control Service on behalf of one identity.
type Client struct {
	base    *url.URL
	opts    Options
	http    *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger

	mu    sync.RWMutex
	token string
}

// NewClient validates the base URL and builds a Client.
func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Host == "" {
		return nil, apperrors.InvalidConfig("server_url", fmt.Sprintf("%q is not an absolute URL", opts.BaseURL))
	}
	switch base.Scheme {
	case "ws":
		base.Scheme = "http"
	case "wss":
		base.Scheme = "https"
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
		if opts.TLSConfig != nil {
			transport := http.DefaultTransport.(*http.Transport).Clone()
			transport.TLSClientConfig = opts.TLSConfig
			httpClient.Transport = transport
		}
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		base:    base,
		opts:    opts,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, burst),
		log:     opts.Logger.With().Str("component", "backend").Logger(),
	}, nil
}

// SetIdentity sets the bearer token sent with every request. A nil identity
// clears it.
func (c *Client) SetIdentity(id *identity.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == nil {
		c.token = ""
		return
	}
	c.token = id.Token
}

// Devices fetches every device.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	var out []Device
	err := c.getJSON(ctx, "devices", c.opts.DevicesPath, &out)
	return out, err
}

// Zones fetches every zone.
func (c *Client) Zones(ctx context.Context) ([]Zone, error) {
	var out []Zone
	err := c.getJSON(ctx, "zones", c.opts.ZonesPath, &out)
	return out, err
}

// Users fetches every user. The backend rejects the call for non-admins.
func (c *Client) Users(ctx context.Context) ([]User, error) {
	var out []User
	err := c.getJSON(ctx, "users", c.opts.UsersPath, &out)
	return out, err
}

// SetTestMode tells the backend to pause (on) or resume automatic
// monitoring of deviceID.
func (c *Client) SetTestMode(ctx context.Context, deviceID string, on bool) error {
	body, err := json.Marshal(map[string]interface{}{
		"deviceId": deviceID,
		"testMode": on,
	})
	if err != nil {
		return apperrors.Internal("encode test-mode request", err)
	}

	resp, err := c.do(ctx, http.MethodPost, c.opts.TestModePath, bytes.NewReader(body))
	if err != nil {
		return apperrors.NotifyFailed(deviceID, on, err)
	}
	defer resp.Body.Close()

	if se := checkStatus(resp); se != nil {
		return apperrors.NotifyFailed(deviceID, on, se)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) getJSON(ctx context.Context, collection, path string, out interface{}) error {
	start := time.Now()
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return apperrors.FetchNetwork(collection, err)
	}
	defer resp.Body.Close()

	if se := checkStatus(resp); se != nil {
		return apperrors.FetchStatus(collection, se.Status, se)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.FetchDecode(collection, err)
	}
	c.log.Debug().Str("collection", collection).Dur("took", time.Since(start)).Msg("fetched")
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	ref, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.ResolveReference(ref).String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return c.http.Do(req)
}

// checkStatus turns a non-2xx response into a *StatusError, reading the
// {"error": ...} or {"message": ...} body when present.
func checkStatus(resp *http.Response) *StatusError {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var errResp struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	msg := ""
	if json.Unmarshal(data, &errResp) == nil {
		msg = errResp.Error
		if msg == "" {
			msg = errResp.Message
		}
	}
	if msg == "" {
		msg = strings.TrimSpace(string(data))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &StatusError{Status: resp.StatusCode, Message: msg}
}
