package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/pilonas/console/internal/config"
	apperrors "github.com/pilonas/console/internal/errors"
	"github.com/pilonas/console/internal/identity"
	"github.com/pilonas/console/internal/storage"
)

func runLogin(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	fs.SetOutput(stderr)

	g := &globalFlags{}
	g.register(fs)
	id := &identity.Identity{}
	fs.StringVar(&id.UserID, "user-id", "", "User id issued by the service (required)")
	fs.StringVar(&id.Username, "username", "", "Display name")
	fs.StringVar(&id.Role, "role", identity.RoleOperator, "Role: admin or operator")
	fs.StringVar(&id.Token, "token", "", "Session token issued by the service (required)")
	saveConfig := fs.Bool("save-config", false, "Write --server to the config file if none exists")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: pilonas login [options]\n\nSave a session identity, connect, and populate the cache.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if id.Username == "" {
		id.Username = id.UserID
	}
	if err := id.Validate(); err != nil {
		printError(stderr, err)
		return 1
	}

	if *saveConfig && g.ServerURL != "" {
		path := g.ConfigPath
		if path == "" {
			p, err := config.DefaultConfigPath()
			if err != nil {
				printError(stderr, err)
				return 1
			}
			path = p
		}
		if err := config.WriteDefault(path, g.ServerURL); err != nil {
			printError(stderr, err)
			return 1
		}
	}

	app, _, cleanup, err := openApp(g, stderr)
	if err != nil {
		printError(stderr, err)
		return 1
	}
	defer cleanup()

	ctx := context.Background()
	if err := app.Login(ctx, id); err != nil {
		if !apperrors.IsCode(err, apperrors.CodeFetchTimeout) && !apperrors.IsCode(err, apperrors.CodeFetchStatus) &&
			!apperrors.IsCode(err, apperrors.CodeFetchNetwork) {
			printError(stderr, err)
			return 1
		}
		// The session is saved; the cache retries on the next read.
		fmt.Fprintf(stderr, "Warning: initial data load incomplete: %s\n", apperrors.GetMessage(err))
	}

	fmt.Fprintf(stdout, "Logged in as %s\n", id)
	snap := app.Cache.Snapshot()
	for _, name := range app.Cache.Names() {
		info := snap[name]
		fmt.Fprintf(stdout, "  %-8s %s\n", name, info.Phase)
	}
	return 0
}

func runLogout(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("logout", flag.ContinueOnError)
	fs.SetOutput(stderr)
	g := &globalFlags{}
	g.register(fs)

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: pilonas logout [options]\n\nForget the saved session identity.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	store, err := openStore(g, stderr)
	if err != nil {
		printError(stderr, err)
		return 1
	}
	if store == nil {
		fmt.Fprintln(stdout, "Not logged in.")
		return 0
	}
	defer store.Close()

	if err := store.ClearIdentity(); err != nil {
		printError(stderr, err)
		return 1
	}
	fmt.Fprintln(stdout, "Logged out.")
	return 0
}

func runWhoami(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("whoami", flag.ContinueOnError)
	fs.SetOutput(stderr)
	g := &globalFlags{}
	g.register(fs)

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: pilonas whoami [options]\n\nShow the saved session identity.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	store, err := openStore(g, stderr)
	if err != nil {
		printError(stderr, err)
		return 1
	}
	if store == nil {
		fmt.Fprintln(stdout, "Not logged in.")
		return 0
	}
	defer store.Close()

	id, err := store.LoadIdentity()
	if err != nil {
		printError(stderr, err)
		return 1
	}
	if id == nil {
		fmt.Fprintln(stdout, "Not logged in.")
		return 0
	}
	fmt.Fprintf(stdout, "User:     %s\nUser ID:  %s\nRole:     %s\n", id.Username, id.UserID, id.Role)
	return 0
}

// openStore opens the session store without requiring a server URL. It
// returns nil when the store file does not exist yet.
func openStore(g *globalFlags, stderr io.Writer) (*storage.SQLiteStore, error) {
	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return nil, err
	}
	if g.StorePath != "" {
		cfg.StorePath = g.StorePath
	}
	if g.LogLevel != "" {
		cfg.LogLevel = g.LogLevel
	}
	cfg.ApplyDefaults()

	if _, err := os.Stat(cfg.StorePath); os.IsNotExist(err) {
		return nil, nil
	}
	log := zerolog.Nop()
	if cfg.LogLevel == "debug" {
		log = newLogger(cfg.LogLevel, stderr)
	}
	return storage.NewSQLiteStore(cfg.StorePath, log)
}
