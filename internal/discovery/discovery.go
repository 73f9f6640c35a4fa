// Package discovery advertises and finds Device Control Service instances on
// the local network with DNS-SD.
//
// The mock service advertises itself so a console on the same network can
// find its origin without manual entry. The advertisement carries:
//   - Service type: _pilonas._tcp
//   - TXT records with version, scheme, channel path and, over TLS, the
//     certificate fingerprint
package discovery

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the DNS-SD service type.
const ServiceType = "_pilonas._tcp"

// ProtocolVersion is advertised in the version TXT record.
const ProtocolVersion = "1"

// Config holds the advertised values.
type Config struct {
	Port int

	// Name defaults to the hostname.
	Name string

	// TLS selects the https scheme.
	TLS         bool
	Fingerprint string

	// ChannelPath is the push channel path. Default: /ws
	ChannelPath string
}

// Advertiser manages one service registration.
type Advertiser struct {
	config Config
	server *zeroconf.Server
	mu     sync.Mutex
}

// NewAdvertiser creates an advertiser; nothing is announced until Start.
func NewAdvertiser(cfg Config) *Advertiser {
	return &Advertiser{config: cfg}
}

func (a *Advertiser) name() string {
	if a.config.Name != "" {
		return a.config.Name
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "pilonas"
}

// txtRecords builds the TXT payload. Each string stays well under the
// 255-byte record limit.
func (a *Advertiser) txtRecords() []string {
	scheme := "http"
	if a.config.TLS {
		scheme = "https"
	}
	path := a.config.ChannelPath
	if path == "" {
		path = "/ws"
	}
	txt := []string{
		"version=" + ProtocolVersion,
		"name=" + a.name(),
		"scheme=" + scheme,
		"path=" + path,
	}
	if a.config.Fingerprint != "" {
		txt = append(txt, "fp="+a.config.Fingerprint)
	}
	return txt
}

// Start registers the service. Calling it while running is a no-op.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return nil
	}
	server, err := zeroconf.Register(a.name(), ServiceType, "local.", a.config.Port, a.txtRecords(), nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	a.server = server
	return nil
}

// Stop unregisters the service. Safe to call repeatedly or before Start.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// IsRunning reports whether the service is registered.
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// Service is one discovered instance.
type Service struct {
	Name        string
	Host        string
	Port        int
	Scheme      string
	ChannelPath string
	Fingerprint string
	Version     string
}

// Origin returns the server_url to configure for this instance.
func (s Service) Origin() string {
	host := s.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s://%s:%d", s.Scheme, host, s.Port)
}

func parseEntry(entry *zeroconf.ServiceEntry) Service {
	svc := Service{Name: entry.Instance, Port: entry.Port, Scheme: "http", ChannelPath: "/ws"}
	if len(entry.AddrIPv4) > 0 {
		svc.Host = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		svc.Host = entry.AddrIPv6[0].String()
	} else {
		svc.Host = strings.TrimSuffix(entry.HostName, ".")
	}

	for _, txt := range entry.Text {
		key, value, ok := strings.Cut(txt, "=")
		if !ok || value == "" {
			continue
		}
		switch key {
		case "fp":
			svc.Fingerprint = value
		case "version":
			svc.Version = value
		case "name":
			svc.Name = value
		case "scheme":
			svc.Scheme = value
		case "path":
			svc.ChannelPath = value
		}
	}
	return svc
}

// Discover browses until ctx is done and returns every instance seen.
func Discover(ctx context.Context) ([]Service, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	var (
		services []Service
		wg       sync.WaitGroup
	)
	entries := make(chan *zeroconf.ServiceEntry)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			services = append(services, parseEntry(entry))
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-ctx.Done()
	// zeroconf closes entries once ctx is done.
	wg.Wait()
	return services, nil
}
