package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/aplocate/internal/db"
	"github.com/banshee-data/aplocate/internal/ingest"
	"github.com/banshee-data/aplocate/internal/version"
)

var (
	dbPath       = flag.String("db", "aplocate.db", "SQLite database path")
	configPath   = flag.String("config", "", "Tuning config (.json, .yaml); empty uses built-in defaults")
	listen       = flag.String("listen", ":8080", "Listen address")
	snapshotPath = flag.String("snapshot", "", "Read observations from a snapshot JSON file instead of serial probes")
	snapshotPoll = flag.Duration("snapshot-poll", ingest.DefaultSnapshotPoll, "How often to reread the snapshot file; keep below max_fix_age")
	devicesPath  = flag.String("devices", "/etc/aplocate/devices.yaml", "Probe device map (YAML)")
	gpsPath      = flag.String("gps", "/run/aplocate/gps.json", "GPS fix file written by the GPS daemon")
	captureFlag  = flag.String("capture-flag", "", "Commit estimates only while this file exists; empty always commits")
	exportDir    = flag.String("export-dir", "", "Write aps.geojson here after every committing cycle")
	maxObs       = flag.Int("max-obs", ingest.DefaultMaxObs, "Observations buffered between cycles before the oldest are dropped")
)

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: aplocate [flags] [command]\n\n")
	fmt.Fprintf(out, "Commands:\n")
	fmt.Fprintf(out, "  serve     Run the fusion loop and HTTP API (default)\n")
	fmt.Fprintf(out, "  once      Run a single cycle against -snapshot and print the report\n")
	fmt.Fprintf(out, "  status    Print stored positions and counts\n")
	fmt.Fprintf(out, "  export    Write stored positions as GeoJSON\n")
	fmt.Fprintf(out, "  migrate   Manage the database schema (see 'aplocate migrate help')\n")
	fmt.Fprintf(out, "  version   Print build information\n\n")
	fmt.Fprintf(out, "Flags:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	cmd, args := "serve", flag.Args()
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd {
	case "serve":
		err = runServe(ctx)
	case "once":
		err = runOnce(ctx, os.Stdout)
	case "status":
		err = runStatus(ctx, args, os.Stdout)
	case "export":
		err = runExport(ctx, args, os.Stdout)
	case "migrate":
		err = db.RunMigrateCommand(args, *dbPath, os.Stdout)
	case "version":
		fmt.Println(version.Current())
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}
