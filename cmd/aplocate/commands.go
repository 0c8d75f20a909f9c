package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/banshee-data/aplocate/internal/apstore"
	"github.com/banshee-data/aplocate/internal/db"
	"github.com/banshee-data/aplocate/internal/export"
	"github.com/banshee-data/aplocate/internal/fsutil"
	"github.com/banshee-data/aplocate/internal/ingest"
	"github.com/banshee-data/aplocate/internal/pipeline"
	"github.com/banshee-data/aplocate/internal/security"
	"github.com/banshee-data/aplocate/internal/units"
)

// runOnce runs a single cycle over the snapshot file.
func runOnce(ctx context.Context, out io.Writer) error {
	if *snapshotPath == "" {
		return fmt.Errorf("-snapshot is required")
	}
	a, err := newApp(*dbPath, *configPath, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer a.Close()

	runner := pipeline.NewRunner(a.engine, ingest.NewSnapshotSource(*snapshotPath), a.tuning.GetCycleInterval())
	runner.Capture = capture(*captureFlag)
	rep, err := runner.RunOnce(ctx)
	if err != nil {
		return err
	}
	printReport(out, rep)
	return nil
}

func printReport(out io.Writer, rep pipeline.CycleReport) {
	fmt.Fprintf(out, "Cycle %s (commit=%v, %s)\n", rep.CycleID, rep.Commit, rep.Duration.Round(time.Microsecond))
	fmt.Fprintf(out, "  observations %d, windows %d (%d eligible, %d held, %d merged), stale fixes %d\n",
		rep.Observations, rep.Windows, rep.Eligible, rep.Insufficient, rep.Merged, rep.StaleFixes)
	fmt.Fprintf(out, "  estimates %d (%d fallback): inserted %d, replaced %d (%d stale override), rejected %d, dropped %d\n",
		len(rep.Estimates), rep.Fallbacks, rep.Inserted, rep.Replaced, rep.StaleOverrides, rep.Rejected, rep.Dropped)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  BSSID\tCONF\tACC(m)\tSIDE\tN\tMETHOD")
	for _, est := range rep.Estimates {
		fmt.Fprintf(tw, "  %s\t%.1f%%\t%.1f\t%s\t%d\t%s\n",
			est.BSSID, est.ConfidencePct, est.AccuracyM, est.Side, est.SampleCount, est.Method)
	}
	tw.Flush()
}

func runStatus(ctx context.Context, args []string, out io.Writer) error {
	flags := flag.NewFlagSet("status", flag.ContinueOnError)
	flags.SetOutput(out)
	limit := flags.Int("limit", 20, "Number of positions to list")
	unit := flags.String("units", units.Metres, "Distance unit for accuracy (m, ft, yd)")
	tz := flags.String("tz", "UTC", "Time zone for the updated column")
	if err := flags.Parse(args); err != nil {
		return err
	}

	opts := statusOptions{Now: time.Now(), Limit: *limit}
	var err error
	if opts.Unit, err = units.ParseUnit(*unit); err != nil {
		return err
	}
	if opts.Location, err = units.LoadTimezone(*tz); err != nil {
		return err
	}
	tuning, err := loadTuning(*configPath)
	if err != nil {
		return err
	}
	opts.StaleAfter = tuning.GetStaleAfter()

	store, err := db.OpenDB(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()
	return writeStatus(ctx, out, store, opts)
}

type statusOptions struct {
	Now        time.Time
	StaleAfter time.Duration
	Limit      int
	Unit       string
	Location   *time.Location
}

// writeStatus prints schema version, table sizes and the most confident
// positions.
func writeStatus(ctx context.Context, out io.Writer, store *db.DB, opts statusOptions) error {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Unit == "" {
		opts.Unit = units.Metres
	}
	ver, dirty, err := store.MigrateVersion()
	if err != nil {
		return err
	}
	positions, history, err := store.Counts(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Database: %s (schema %d, dirty: %v)\n", store.Path(), ver, dirty)
	fmt.Fprintf(out, "Positions: %s, history entries: %s\n\n", humanize.Comma(positions), humanize.Comma(history))

	aps, err := store.List(ctx, apstore.ListOptions{Limit: opts.Limit})
	if err != nil {
		return err
	}
	if len(aps) == 0 {
		fmt.Fprintln(out, "No access points stored.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "BSSID\tSSID\tCONF\tACC(%s)\tSTATE\tUPDATES\tLAST SEEN\tUPDATED\n", opts.Unit)
	for _, p := range aps {
		fmt.Fprintf(tw, "%s\t%s\t%.1f%%\t%.1f\t%s\t%s\t%s\t%s\n",
			p.BSSID, p.SSID, p.ConfidencePct, units.ConvertDistance(p.ErrM, opts.Unit),
			p.EffectiveState(opts.Now, opts.StaleAfter),
			humanize.Comma(int64(p.Updates)),
			humanize.RelTime(p.LastSeen, opts.Now, "ago", "from now"),
			p.Updated.In(opts.Location).Format("2006-01-02 15:04 MST"))
	}
	return tw.Flush()
}

func runExport(ctx context.Context, args []string, out io.Writer) error {
	flags := flag.NewFlagSet("export", flag.ContinueOnError)
	flags.SetOutput(out)
	outPath := flags.String("out", exportFileName, "Output GeoJSON file")
	minConf := flags.Float64("min-confidence", 0, "Skip positions below this confidence (percent)")
	circles := flags.Bool("circles", false, "Add an accuracy circle polygon per position")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if err := security.ValidateExportPath(*outPath, *exportDir); err != nil {
		return err
	}
	abs, err := filepath.Abs(*outPath)
	if err != nil {
		return err
	}

	tuning, err := loadTuning(*configPath)
	if err != nil {
		return err
	}
	store, err := db.OpenDB(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	opts := export.Options{Now: time.Now(), StaleAfter: tuning.GetStaleAfter(), Circles: *circles}
	if err := writeExport(ctx, store, fsutil.OSFileSystem{}, abs, filepath.Dir(abs), opts, *minConf); err != nil {
		return err
	}
	fmt.Fprintf(out, "Wrote %s\n", abs)
	return nil
}
