package main

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/banshee-data/aplocate/internal/apstore"
	"github.com/banshee-data/aplocate/internal/config"
	"github.com/banshee-data/aplocate/internal/db"
	"github.com/banshee-data/aplocate/internal/fsutil"
	"github.com/banshee-data/aplocate/internal/ingest"
	"github.com/banshee-data/aplocate/internal/monitoring"
	"github.com/banshee-data/aplocate/internal/pipeline"
	"github.com/banshee-data/aplocate/internal/timeutil"
)

// app holds the long-lived components shared by serve and once.
type app struct {
	db      *db.DB
	tuning  *config.TuningConfig
	clock   timeutil.Clock
	metrics *monitoring.FusionCollector
	gate    *apstore.Gate
	engine  *pipeline.Engine
}

func loadTuning(path string) (*config.TuningConfig, error) {
	if path == "" {
		return config.DefaultTuningConfig(), nil
	}
	cfg, err := config.LoadTuningConfig(path)
	if err != nil {
		return nil, err
	}
	log.Printf("loaded tuning config from %s", path)
	return cfg, nil
}

func newApp(dbFile, tuningFile string, reg *prometheus.Registry) (*app, error) {
	tuning, err := loadTuning(tuningFile)
	if err != nil {
		return nil, err
	}

	store, err := db.NewDB(dbFile)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	metrics, err := monitoring.NewFusionCollector(reg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	clock := timeutil.RealClock{}
	gate := apstore.NewGate(store, apstore.GateConfigFromTuning(tuning), clock)
	engine := pipeline.NewEngine(pipeline.EngineConfigFromTuning(tuning), gate, metrics, clock)
	return &app{
		db:      store,
		tuning:  tuning,
		clock:   clock,
		metrics: metrics,
		gate:    gate,
		engine:  engine,
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// capture returns the commit control selected by -capture-flag.
func capture(path string) pipeline.CaptureControl {
	if path == "" {
		return pipeline.AlwaysCapture{}
	}
	return pipeline.NewFlagFile(path)
}

// startProbes opens one SerialProbe per configured device, all feeding the
// returned buffer. Probes stop when ctx is cancelled.
func startProbes(ctx context.Context, wg *sync.WaitGroup, devicesFile, gpsFile string, capacity int) (*ingest.CaptureBuffer, error) {
	devices, err := ingest.LoadDevices(devicesFile)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("no probe devices in %s", devicesFile)
	}

	buf := ingest.NewCaptureBuffer(capacity)
	positions := ingest.GPSFile{Path: gpsFile, FS: fsutil.OSFileSystem{}}
	for _, dev := range devices {
		probe := ingest.NewSerialProbe(dev, buf, positions)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := probe.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("probe %s stopped: %v", dev.Node, err)
			}
		}()
		log.Printf("probe %s on %s", dev.Node, dev.Path)
	}
	return buf, nil
}
