package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	apperrors "github.com/pilonas/console/internal/errors"
	"github.com/pilonas/console/internal/realtime"
)

func runWatch(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	g := &globalFlags{}
	g.register(fs)
	testDevices := fs.String("test", "", "Comma-separated device ids to hold under a test session")
	duration := fs.Duration("duration", 0, "Stop after this long (default: until interrupted)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: pilonas watch [options]\n\nStream live device updates. Devices passed with --test are\nput under a test session and their updates are suppressed.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	app, log, cleanup, err := openApp(g, stderr)
	if err != nil {
		printError(stderr, err)
		return 1
	}
	defer cleanup()

	var mu sync.Mutex
	printf := func(format string, a ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(stdout, format, a...)
	}

	app.OnLiveUpdate(func(u realtime.LiveUpdate) {
		printf("%s  %-10s %s\n", u.Timestamp.Local().Format(time.TimeOnly), u.DeviceID, u.State)
	})
	app.Conn.On(realtime.EventConnect, func(realtime.Event) { printf("-- connected\n") })
	app.Conn.On(realtime.EventDisconnect, func(ev realtime.Event) { printf("-- disconnected (%s)\n", ev.Reason) })
	app.Conn.On(realtime.EventReconnectFailed, func(ev realtime.Event) {
		printf("-- %s; retrying once in the background\n", apperrors.GetMessage(ev.Err))
	})

	ctx := context.Background()
	found, err := app.Start(ctx)
	if err != nil && !apperrors.IsCode(err, apperrors.CodeFetchTimeout) {
		printError(stderr, err)
		return 1
	}
	if !found {
		fmt.Fprintln(stderr, "Not logged in. Run 'pilonas login' first.")
		return 1
	}
	if err != nil {
		log.Warn().Err(err).Msg("initial data load incomplete")
	}

	for _, id := range strings.Split(*testDevices, ",") {
		if id = strings.TrimSpace(id); id != "" {
			app.Arbiter.Activate(id)
			printf("-- test session started for %s\n", id)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var timeout <-chan time.Time
	if *duration > 0 {
		timeout = time.After(*duration)
	}

	select {
	case <-sigCh:
	case <-timeout:
	}

	// Close ends the test sessions and notifies the backend before exiting.
	return 0
}
