package monitoring

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Window results recorded by ObserveWindow.
const (
	ResultEstimated    = "estimated"
	ResultFallback     = "fallback"
	ResultInsufficient = "insufficient_geometry"
	ResultFailed       = "failed"
)

// FusionCollector exposes fusion pipeline metrics. All methods are safe on a
// nil receiver so callers may run without metrics.
type FusionCollector struct {
	gatherer prometheus.Gatherer

	CyclesTotal        *prometheus.CounterVec
	WindowsTotal       *prometheus.CounterVec
	GateDecisions      *prometheus.CounterVec
	StaleOverrides     prometheus.Counter
	StaleFixExclusions prometheus.Counter
	SolveDuration      prometheus.Histogram
	CycleDuration      prometheus.Histogram
	Confidence         prometheus.Histogram
}

// NewFusionCollector registers fusion metrics against the provided registerer.
func NewFusionCollector(reg prometheus.Registerer) (*FusionCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	cycles, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aplocate_cycles_total",
		Help: "Fusion cycles run, labelled by whether capture (commit) was enabled.",
	}, []string{"capture"}), "aplocate_cycles_total")
	if err != nil {
		return nil, err
	}

	windows, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aplocate_windows_total",
		Help: "Observation windows processed, labelled by result.",
	}, []string{"result"}), "aplocate_windows_total")
	if err != nil {
		return nil, err
	}

	decisions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aplocate_gate_decisions_total",
		Help: "Confidence gate decisions, labelled by decision.",
	}, []string{"decision"}), "aplocate_gate_decisions_total")
	if err != nil {
		return nil, err
	}

	staleOverrides, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aplocate_gate_stale_overrides_total",
		Help: "Replacements accepted only because the stored record was stale.",
	}), "aplocate_gate_stale_overrides_total")
	if err != nil {
		return nil, err
	}

	staleFixes, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aplocate_stale_fix_exclusions_total",
		Help: "Observations excluded from geometry because of a stale position fix.",
	}), "aplocate_stale_fix_exclusions_total")
	if err != nil {
		return nil, err
	}

	solve, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "aplocate_solve_duration_seconds",
		Help:    "Duration of a single window solve.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	}), "aplocate_solve_duration_seconds")
	if err != nil {
		return nil, err
	}

	cycle, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "aplocate_cycle_duration_seconds",
		Help:    "Duration of a full fusion cycle.",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}), "aplocate_cycle_duration_seconds")
	if err != nil {
		return nil, err
	}

	confidence, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "aplocate_estimate_confidence_pct",
		Help:    "Confidence of produced estimates.",
		Buckets: prometheus.LinearBuckets(0, 10, 11),
	}), "aplocate_estimate_confidence_pct")
	if err != nil {
		return nil, err
	}

	return &FusionCollector{
		gatherer:           gatherer,
		CyclesTotal:        cycles,
		WindowsTotal:       windows,
		GateDecisions:      decisions,
		StaleOverrides:     staleOverrides,
		StaleFixExclusions: staleFixes,
		SolveDuration:      solve,
		CycleDuration:      cycle,
		Confidence:         confidence,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *FusionCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveCycle records one completed cycle.
func (c *FusionCollector) ObserveCycle(capture bool, d time.Duration) {
	if c == nil {
		return
	}
	label := "off"
	if capture {
		label = "on"
	}
	c.CyclesTotal.WithLabelValues(label).Inc()
	c.CycleDuration.Observe(d.Seconds())
}

// ObserveWindow records the result of one window and its solve time.
func (c *FusionCollector) ObserveWindow(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.WindowsTotal.WithLabelValues(result).Inc()
	if result == ResultEstimated || result == ResultFallback {
		c.SolveDuration.Observe(d.Seconds())
	}
}

// ObserveConfidence records the confidence of a produced estimate.
func (c *FusionCollector) ObserveConfidence(pct float64) {
	if c == nil {
		return
	}
	c.Confidence.Observe(pct)
}

// ObserveDecision records one gate decision.
func (c *FusionCollector) ObserveDecision(decision string, staleOverride bool) {
	if c == nil {
		return
	}
	c.GateDecisions.WithLabelValues(decision).Inc()
	if staleOverride {
		c.StaleOverrides.Inc()
	}
}

// AddStaleFixes adds excluded stale-fix observations.
func (c *FusionCollector) AddStaleFixes(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.StaleFixExclusions.Add(float64(n))
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
