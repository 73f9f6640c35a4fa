package main

import (
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pilonas/console/internal/backend"
	"github.com/pilonas/console/internal/certs"
	"github.com/pilonas/console/internal/discovery"
	"github.com/pilonas/console/internal/mockserver"
)

func runMockServer(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("mock-server", flag.ContinueOnError)
	fs.SetOutput(stderr)

	addr := fs.String("addr", "127.0.0.1:7080", "Address to listen on")
	tick := fs.Duration("tick", 5*time.Second, "Interval between simulated device state changes (0 disables)")
	latency := fs.Duration("latency", 0, "Delay added to every HTTP response")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn, error")
	useTLS := fs.Bool("tls", false, "Serve https and wss with a self-signed certificate")
	certPath := fs.String("tls-cert", "", "Certificate path (default: ~/.pilonas/certs/mock.crt)")
	keyPath := fs.String("tls-key", "", "Private key path (default: ~/.pilonas/certs/mock.key)")
	secure := fs.Bool("secure-tokens", false, "Issue a token per fixture user and reject any other")
	advertise := fs.Bool("advertise", false, "Advertise the service on the local network via mDNS")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: pilonas mock-server [options]\n\nServe a local mock Device Control Service with fixture data.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	log := newLogger(*logLevel, stderr)
	opts := mockserver.Options{Addr: *addr, Logger: log}
	scheme := "http"

	var cert *certs.CertInfo
	if *useTLS {
		host, _, _ := net.SplitHostPort(*addr)
		hosts := []string{"localhost", "127.0.0.1"}
		if host != "" && host != "localhost" && host != "127.0.0.1" {
			hosts = append(hosts, host)
		}
		info, err := certs.EnsureCertificate(certs.CertConfig{CertPath: *certPath, KeyPath: *keyPath, Hosts: hosts})
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		tlsCfg, err := certs.ServerConfig(info.CertPath, info.KeyPath)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		opts.TLS = tlsCfg
		cert = info
		scheme = "https"
	}

	_, _, users := mockserver.Fixtures()
	tokens := map[string]string{}
	if *secure {
		opts.Tokens = mockserver.NewTokenRegistry()
		for _, u := range users {
			tok, err := opts.Tokens.Issue(u.ID)
			if err != nil {
				fmt.Fprintf(stderr, "Error: %v\n", err)
				return 1
			}
			tokens[u.ID] = tok
		}
	}

	srv := mockserver.New(opts)
	srv.SetLatency(*latency)

	if err := <-srv.StartAsync(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer srv.Stop()

	origin := fmt.Sprintf("%s://%s", scheme, *addr)
	fmt.Fprintf(stdout, "Mock server listening on %s\n", origin)
	if cert != nil {
		fmt.Fprintf(stdout, "Certificate: %s\nFingerprint: %s\n", cert.CertPath, cert.Fingerprint)
	}
	fmt.Fprintln(stdout, "Log in with:")
	for _, u := range users {
		tok := "dev"
		if t, ok := tokens[u.ID]; ok {
			tok = t
		}
		line := fmt.Sprintf("  pilonas login --server %s --user-id %s --username %s --role %s --token %s",
			origin, u.ID, u.Username, u.Role, tok)
		if cert != nil {
			line += " --ca-file " + cert.CertPath
		}
		fmt.Fprintln(stdout, line)
	}

	if *advertise {
		_, portStr, _ := net.SplitHostPort(*addr)
		port, _ := strconv.Atoi(portStr)
		adv := discovery.NewAdvertiser(discovery.Config{Port: port, TLS: cert != nil, Fingerprint: fingerprint(cert)})
		if err := adv.Start(); err != nil {
			log.Warn().Err(err).Msg("mdns advertisement failed")
		} else {
			defer adv.Stop()
			log.Info().Str("service", discovery.ServiceType).Msg("advertising on the local network")
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var ticks <-chan time.Time
	if *tick > 0 {
		t := time.NewTicker(*tick)
		defer t.Stop()
		ticks = t.C
	}

	devices, _, _ := mockserver.Fixtures()
	states := []string{backend.StateUp, backend.StateDown, backend.StateMoving}
	for {
		select {
		case <-sigCh:
			return 0
		case <-ticks:
			d := devices[rand.Intn(len(devices))]
			srv.BroadcastDeviceState(d.ID, states[rand.Intn(len(states))])
		}
	}
}

func fingerprint(info *certs.CertInfo) string {
	if info == nil {
		return ""
	}
	return info.Fingerprint
}
