package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/beacon.report/internal/api"
	"github.com/banshee-data/beacon.report/internal/config"
	"github.com/banshee-data/beacon.report/internal/db"
	"github.com/banshee-data/beacon.report/internal/registry"
)

// newClient is replaced in tests.
var newClient = func(base string) *api.Client {
	return api.NewClient(base, nil)
}

// runCommand dispatches a subcommand. Client commands talk to a running
// receiver at -server; migrate works on the database file directly.
func runCommand(ctx context.Context, args []string, cfg *config.Config, out io.Writer) error {
	command, rest := args[0], args[1:]

	switch command {
	case "migrate":
		return db.RunMigrateCommand(rest, cfg.GetDBPath(), out)
	case "devices":
		return listDevices(ctx, newClient(*serverURL), out)
	case "annotate":
		if len(rest) != 3 {
			return fmt.Errorf("usage: beacon annotate <mac> <distance|comment> <value>")
		}
		return annotate(ctx, newClient(*serverURL), rest[0], registry.Field(rest[1]), rest[2], out)
	case "export":
		return exportCSV(ctx, newClient(*serverURL), out)
	case "status":
		return showStatus(ctx, newClient(*serverURL), out)
	case "help":
		printUsage()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func listDevices(ctx context.Context, c *api.Client, out io.Writer) error {
	devices, err := c.Devices(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MAC ADDRESS\tRSSI\tDISTANCE\tCOMMENT\tSTATUS\tLAST SEEN")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
			d.ID, d.RSSI, d.Distance, d.Comment, d.State, d.LastSeen.Local().Format(time.TimeOnly))
	}
	return tw.Flush()
}

func annotate(ctx context.Context, c *api.Client, id string, field registry.Field, value string, out io.Writer) error {
	rec, err := c.Annotate(ctx, id, field, value)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s distance=%q comment=%q\n", rec.ID, rec.Distance, rec.Comment)
	return nil
}

func exportCSV(ctx context.Context, c *api.Client, out io.Writer) error {
	res, err := c.Export(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "exported %d rows to %s\n", res.Rows, res.Path)
	return nil
}

func showStatus(ctx context.Context, c *api.Client, out io.Writer) error {
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "version:   %s (%s)\n", st.Version, st.GitSHA)
	fmt.Fprintf(out, "devices:   %d (%d pending export)\n", st.Devices, st.PendingExport)
	if st.Listener != nil && st.Listener.Listening && st.Listener.Config != nil {
		fmt.Fprintf(out, "listening: %s at %d baud\n", st.Listener.Config.Path, st.Listener.Config.Options.BaudRate)
	} else {
		fmt.Fprintln(out, "listening: no")
	}
	if st.Listener != nil && st.Listener.LastError != "" {
		fmt.Fprintf(out, "error:     %s\n", st.Listener.LastError)
	}
	return nil
}

func printUsage() {
	fmt.Fprint(os.Stderr, `beacon - serial proximity beacon receiver

Usage:
  beacon [flags]                         Run the receiver and HTTP API
  beacon [flags] <command> [args]

Commands:
  devices                                List known devices
  annotate <mac> <distance|comment> <v>  Set an annotation on a device
  export                                 Append updated devices to the CSV file
  status                                 Show receiver status
  migrate <up|down|status|force|help>    Manage the session database schema
  help                                   Show this help message

Flags:
`)
	flag.PrintDefaults()
	fmt.Fprintln(os.Stderr)
	db.PrintMigrateHelp(os.Stderr)
}
