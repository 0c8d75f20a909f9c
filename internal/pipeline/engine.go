// Package pipeline runs fusion cycles: it aggregates a batch of observations
// into windows, locates each eligible window on a bounded worker group and,
// when capture is enabled, offers every estimate to the confidence gate.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/aplocate/internal/apstore"
	"github.com/banshee-data/aplocate/internal/config"
	"github.com/banshee-data/aplocate/internal/fusion"
	"github.com/banshee-data/aplocate/internal/monitoring"
	"github.com/banshee-data/aplocate/internal/timeutil"
)

var logf = monitoring.Component("pipeline")

// EngineConfig configures an Engine.
type EngineConfig struct {
	Fusion  fusion.Config
	Workers int
	// PendingTTL bounds how long a window without enough geometry is kept
	// for merging into later cycles. Zero keeps nothing.
	PendingTTL time.Duration
}

// EngineConfigFromTuning builds an EngineConfig from a loaded TuningConfig.
// Pending windows are kept for two sweep epochs.
func EngineConfigFromTuning(cfg *config.TuningConfig) EngineConfig {
	return EngineConfig{
		Fusion:     fusion.ConfigFromTuning(cfg),
		Workers:    cfg.GetWorkers(),
		PendingTTL: 2 * cfg.GetWindowDuration(),
	}
}

// CycleReport summarises one RunCycle call.
type CycleReport struct {
	CycleID        string
	Commit         bool
	Observations   int
	Windows        int
	Eligible       int
	Insufficient   int
	Merged         int
	StaleFixes     int
	Estimates      []fusion.Estimate
	Fallbacks      int
	Inserted       int
	Replaced       int
	Rejected       int
	StaleOverrides int
	Dropped        int
	Duration       time.Duration
}

// Engine turns observation batches into gated position commits. It keeps
// windows that lacked geometry so a later batch can complete them.
type Engine struct {
	cfg     EngineConfig
	gate    *apstore.Gate
	metrics *monitoring.FusionCollector
	clock   timeutil.Clock
	newID   func() string

	mu      sync.Mutex
	pending map[string]fusion.Window
}

// NewEngine returns an Engine. metrics may be nil.
func NewEngine(cfg EngineConfig, gate *apstore.Gate, metrics *monitoring.FusionCollector, clock timeutil.Clock) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Engine{
		cfg:     cfg,
		gate:    gate,
		metrics: metrics,
		clock:   clock,
		newID:   uuid.NewString,
		pending: make(map[string]fusion.Window),
	}
}

// Config returns the engine configuration.
func (e *Engine) Config() EngineConfig {
	return e.cfg
}

// Pending returns the number of windows held for merging.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

type windowResult struct {
	est     fusion.Estimate
	located bool
	outcome *apstore.Outcome
}

// RunCycle processes one batch. With commit false estimates are computed and
// reported but nothing is written. An empty batch is a no-op.
func (e *Engine) RunCycle(ctx context.Context, batch []fusion.Observation, commit bool) (CycleReport, error) {
	started := e.clock.Now()
	report := CycleReport{CycleID: e.newID(), Commit: commit, Observations: len(batch)}
	if len(batch) == 0 {
		return report, nil
	}

	windows, merged := e.mergePending(fusion.Aggregate(batch, e.cfg.Fusion))
	report.Windows = len(windows)
	report.Merged = merged

	var eligible []fusion.Window
	for _, w := range windows {
		report.StaleFixes += w.StaleCount()
		if w.Eligible {
			eligible = append(eligible, w)
			continue
		}
		report.Insufficient++
		e.metrics.ObserveWindow(monitoring.ResultInsufficient, 0)
		if errors.Is(w.Reason, fusion.ErrInsufficientGeometry) {
			e.hold(w)
		}
	}
	report.Eligible = len(eligible)
	e.metrics.AddStaleFixes(report.StaleFixes)

	results := make([]windowResult, len(eligible))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i, w := range eligible {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := e.process(gctx, w, report.CycleID, commit)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				logf("cycle %s: dropped %s: %v", report.CycleID, w.BSSID, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, fmt.Errorf("run cycle %s: %w", report.CycleID, err)
	}

	for _, res := range results {
		if !res.located {
			report.Dropped++
			continue
		}
		report.Estimates = append(report.Estimates, res.est)
		if res.est.Fallback {
			report.Fallbacks++
		}
		if res.outcome == nil {
			if commit {
				report.Dropped++
			}
			continue
		}
		switch res.outcome.Decision {
		case apstore.DecisionInserted:
			report.Inserted++
		case apstore.DecisionReplaced:
			report.Replaced++
		case apstore.DecisionRejected:
			report.Rejected++
		}
		if res.outcome.StaleOverride {
			report.StaleOverrides++
		}
	}

	report.Duration = e.clock.Since(started)
	e.metrics.ObserveCycle(commit, report.Duration)
	return report, nil
}

func (e *Engine) process(ctx context.Context, w fusion.Window, cycleID string, commit bool) (windowResult, error) {
	solveStart := e.clock.Now()
	est, err := fusion.Locate(w, e.cfg.Fusion)
	if err != nil {
		e.metrics.ObserveWindow(monitoring.ResultFailed, e.clock.Since(solveStart))
		return windowResult{}, err
	}
	result := monitoring.ResultEstimated
	if est.Fallback {
		result = monitoring.ResultFallback
	}
	e.metrics.ObserveWindow(result, e.clock.Since(solveStart))
	e.metrics.ObserveConfidence(est.ConfidencePct)

	res := windowResult{est: est, located: true}
	if !commit || e.gate == nil {
		return res, nil
	}
	out, err := e.gate.Apply(ctx, est, cycleID)
	if err != nil {
		return res, err
	}
	e.metrics.ObserveDecision(string(out.Decision), out.StaleOverride)
	res.outcome = &out
	return res, nil
}

// mergePending folds held windows into this cycle's windows of the same
// BSSID, expiring those older than PendingTTL.
func (e *Engine) mergePending(windows []fusion.Window) ([]fusion.Window, int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	for bssid, w := range e.pending {
		if e.cfg.PendingTTL <= 0 || now.Sub(w.End) > e.cfg.PendingTTL {
			delete(e.pending, bssid)
		}
	}

	merged := 0
	for i, w := range windows {
		held, ok := e.pending[w.BSSID]
		if !ok {
			continue
		}
		m, err := fusion.MergeWindows(held, w, e.cfg.Fusion)
		if err != nil {
			continue
		}
		delete(e.pending, w.BSSID)
		windows[i] = m
		merged++
	}
	sort.SliceStable(windows, func(i, j int) bool {
		if windows[i].BSSID != windows[j].BSSID {
			return windows[i].BSSID < windows[j].BSSID
		}
		return windows[i].Epoch < windows[j].Epoch
	})
	return windows, merged
}

func (e *Engine) hold(w fusion.Window) {
	if e.cfg.PendingTTL <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if held, ok := e.pending[w.BSSID]; ok {
		if m, err := fusion.MergeWindows(held, w, e.cfg.Fusion); err == nil {
			w = m
		}
	}
	e.pending[w.BSSID] = w
}
