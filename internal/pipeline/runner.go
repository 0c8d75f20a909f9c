package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/aplocate/internal/fusion"
	"github.com/banshee-data/aplocate/internal/timeutil"
)

// Source yields the observations gathered since its previous call. An empty
// batch is valid.
type Source interface {
	Next(ctx context.Context) ([]fusion.Observation, error)
}

// CaptureControl reports whether estimates should be committed.
type CaptureControl interface {
	Enabled() bool
}

// AlwaysCapture commits every cycle.
type AlwaysCapture struct{}

func (AlwaysCapture) Enabled() bool { return true }

// Runner periodically drains a Source and runs one engine cycle per tick.
type Runner struct {
	Engine   *Engine
	Source   Source
	Capture  CaptureControl
	Interval time.Duration
	Clock    timeutil.Clock
	// OnReport, when set, receives every completed cycle report.
	OnReport func(CycleReport)
	// OnError, when set, receives errors from cycles run by Start.
	OnError  func(error)
	StopChan chan struct{}

	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRunner returns a Runner ticking every interval with capture always on.
func NewRunner(engine *Engine, src Source, interval time.Duration) *Runner {
	return &Runner{
		Engine:   engine,
		Source:   src,
		Capture:  AlwaysCapture{},
		Interval: interval,
		Clock:    timeutil.RealClock{},
		StopChan: make(chan struct{}),
	}
}

// Start runs the periodic loop in a goroutine until Stop is called or ctx
// is cancelled.
func (r *Runner) Start(ctx context.Context) {
	if r.StopChan == nil {
		r.StopChan = make(chan struct{})
	}
	if r.Clock == nil {
		r.Clock = timeutil.RealClock{}
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := r.Clock.NewTicker(r.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				if _, err := r.RunOnce(ctx); err != nil {
					logf("cycle error: %v", err)
					if r.OnError != nil {
						r.OnError(err)
					}
				}
			case <-r.StopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop requests the loop to stop and waits for the in-flight cycle.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		if r.StopChan != nil {
			close(r.StopChan)
		}
	})
	r.wg.Wait()
}

// RunOnce drains the source and runs a single cycle.
func (r *Runner) RunOnce(ctx context.Context) (CycleReport, error) {
	batch, err := r.Source.Next(ctx)
	if err != nil {
		return CycleReport{}, err
	}
	commit := r.Capture == nil || r.Capture.Enabled()
	report, err := r.Engine.RunCycle(ctx, batch, commit)
	if err != nil {
		return report, err
	}
	if len(batch) > 0 {
		logf("cycle %s: %d obs, %d windows (%d eligible), %d estimates, +%d ~%d x%d, dropped %d, commit=%v",
			report.CycleID, report.Observations, report.Windows, report.Eligible, len(report.Estimates),
			report.Inserted, report.Replaced, report.Rejected, report.Dropped, commit)
	}
	if r.OnReport != nil {
		r.OnReport(report)
	}
	return report, nil
}
