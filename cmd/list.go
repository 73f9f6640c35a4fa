package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/pilonas/console/internal/console"
	apperrors "github.com/pilonas/console/internal/errors"
)

func runList(collection string, args []string, stdout, stderr io.Writer) int {
	switch collection {
	case console.CollectionDevices, console.CollectionZones, console.CollectionUsers:
	default:
		fmt.Fprintf(stdout, "Unknown collection: %s\n", collection)
		fmt.Fprintln(stdout, "Usage: pilonas list <devices|zones|users>")
		return 1
	}

	fs := flag.NewFlagSet("list "+collection, flag.ContinueOnError)
	fs.SetOutput(stderr)
	g := &globalFlags{}
	g.register(fs)
	refresh := fs.Bool("refresh", false, "Bypass the cache TTL")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: pilonas list %s [options]\n\nList %s from the cache.\n\nOptions:\n", collection, collection)
		fs.PrintDefaults()
	}
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	app, _, cleanup, err := openApp(g, stderr)
	if err != nil {
		printError(stderr, err)
		return 1
	}
	defer cleanup()

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

	if *refresh {
		if err := app.Mutated(collection); err != nil {
			printError(stderr, err)
			return 1
		}
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	switch collection {
	case console.CollectionDevices:
		devices, err := app.Devices.Get(ctx)
		if err != nil {
			printError(stderr, err)
			return 1
		}
		fmt.Fprintln(w, "ID\tNAME\tZONE\tSTATE\tADDRESS")
		fmt.Fprintln(w, "--\t----\t----\t-----\t-------")
		for _, d := range devices {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s/%d\n", d.ID, d.Name, d.ZoneID, d.State, d.Address, d.UnitID)
		}
	case console.CollectionZones:
		zones, err := app.Zones.Get(ctx)
		if err != nil {
			printError(stderr, err)
			return 1
		}
		fmt.Fprintln(w, "ID\tNAME\tDESCRIPTION")
		fmt.Fprintln(w, "--\t----\t-----------")
		for _, z := range zones {
			fmt.Fprintf(w, "%s\t%s\t%s\n", z.ID, z.Name, z.Description)
		}
	case console.CollectionUsers:
		if !app.Identity().IsAdmin() {
			fmt.Fprintln(stderr, "Error: listing users requires the admin role")
			return 1
		}
		users, err := app.Users.Get(ctx)
		if err != nil {
			printError(stderr, err)
			return 1
		}
		fmt.Fprintln(w, "ID\tUSERNAME\tROLE\tACTIVE")
		fmt.Fprintln(w, "--\t--------\t----\t------")
		for _, u := range users {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", u.ID, u.Username, u.Role, u.Active)
		}
	}

	if at, ok := fetchedAt(app, collection); ok {
		fmt.Fprintf(w, "\n(fetched %s)\n", formatDuration(time.Since(at)))
	}
	return 0
}

func fetchedAt(app *console.App, collection string) (time.Time, bool) {
	var at time.Time
	var ok bool
	switch collection {
	case console.CollectionDevices:
		_, at, ok = app.Devices.Peek()
	case console.CollectionZones:
		_, at, ok = app.Zones.Peek()
	default:
		_, at, ok = app.Users.Peek()
	}
	return at, ok
}
