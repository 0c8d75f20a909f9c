package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/aplocate/internal/api"
	"github.com/banshee-data/aplocate/internal/apstore"
	"github.com/banshee-data/aplocate/internal/export"
	"github.com/banshee-data/aplocate/internal/fsutil"
	"github.com/banshee-data/aplocate/internal/ingest"
	"github.com/banshee-data/aplocate/internal/pipeline"
	"github.com/banshee-data/aplocate/internal/version"
)

const exportFileName = "aps.geojson"

func runServe(ctx context.Context) error {
	if *listen == "" {
		return fmt.Errorf("listen address is required")
	}
	log.Printf("starting %s", version.Current())

	reg := prometheus.NewRegistry()
	a, err := newApp(*dbPath, *configPath, reg)
	if err != nil {
		return err
	}
	defer a.Close()

	// Probe readers, the cycle runner, and the HTTP server all stop on ctx.
	var wg sync.WaitGroup

	var src pipeline.Source
	if *snapshotPath != "" {
		snap := ingest.NewSnapshotSource(*snapshotPath)
		snap.Clock = a.clock
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap.Run(ctx, *snapshotPoll)
		}()
		src = snap
		log.Printf("reading observations from snapshot %s every %s", *snapshotPath, *snapshotPoll)
	} else {
		buf, err := startProbes(ctx, &wg, *devicesPath, *gpsPath, *maxObs)
		if err != nil {
			return err
		}
		src = buf
	}

	srv := api.NewServer(a.db, a.tuning, a.clock)

	runner := pipeline.NewRunner(a.engine, src, a.tuning.GetCycleInterval())
	runner.Capture = capture(*captureFlag)
	runner.OnError = srv.RecordCycleError
	runner.OnReport = func(rep pipeline.CycleReport) {
		srv.RecordCycle(rep)
		if *exportDir == "" || rep.Inserted+rep.Replaced == 0 {
			return
		}
		path := filepath.Join(*exportDir, exportFileName)
		if err := writeExport(ctx, a.db, fsutil.OSFileSystem{}, path, *exportDir, export.Options{
			Now:        a.clock.Now(),
			StaleAfter: a.tuning.GetStaleAfter(),
		}, 0); err != nil {
			log.Printf("export %s: %v", path, err)
		}
	}
	runner.Start(ctx)
	log.Printf("fusion cycle every %s (window %s, %d workers)",
		a.tuning.GetCycleInterval(), a.tuning.GetWindowDuration(), a.engine.Config().Workers)

	mux := srv.ServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.metrics.Gatherer(), promhttp.HandlerOpts{}))
	if err := a.db.AttachAdminRoutes(mux); err != nil {
		runner.Stop()
		return fmt.Errorf("attach admin routes: %w", err)
	}

	server := &http.Server{
		Addr:    *listen,
		Handler: api.LoggingMiddleware(mux),
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			log.Printf("listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	<-ctx.Done()
	runner.Stop()
	wg.Wait()
	log.Printf("graceful shutdown complete")
	return nil
}

// writeExport lists positions above minConf and writes them as GeoJSON to
// path, which must lie inside dir.
func writeExport(ctx context.Context, store apstore.Store, fsys fsutil.FileSystem, path, dir string, opts export.Options, minConf float64) error {
	positions, err := store.List(ctx, apstore.ListOptions{MinConfidence: minConf})
	if err != nil {
		return fmt.Errorf("list positions: %w", err)
	}
	return export.WriteFile(fsys, path, dir, export.FeatureCollection(positions, opts))
}
