package fusion

import (
	"time"

	"github.com/banshee-data/aplocate/internal/config"
)

// Config holds every tunable used by the aggregator, resolver, solver and
// scorer.
type Config struct {
	PathLoss PathLoss

	// Aggregation
	WindowDuration      time.Duration // sweep epoch length; <= 0 means one window per BSSID
	MinReceivers        int           // distinct fixed-channel receivers required
	CollinearToleranceM float64       // minimum minor-axis spread of receivers (metres)
	MaxFixAge           time.Duration // fix older than this relative to TS is stale

	// Side resolution
	SideThresholdDB float64 // Δ
	SideFullScaleDB float64 // |diff| at which two-sided confidence saturates
	SingleSideCap   float64 // upper bound on confidence with one side heard
	RSSIFloorDbm    float64
	RSSICeilDbm     float64
	MinSideSpeedMps float64 // 0 disables the stationary check

	// Solver
	MaxIterations      int
	ConvergenceTol     float64 // relative cost improvement
	InitialDamping     float64
	BaseSigmaM         float64
	SpeedSigmaK        float64
	SideDownweight     float64 // max fractional weight reduction from side disagreement
	DegenerateRatio    float64 // minor/major spread below which the solve falls back
	MinSpreadM         float64 // minor spread below which the solve falls back
	MinVerticalSpreadM float64
	MinAccuracyM       float64

	// Scorer
	ConfScaleM         float64
	SampleHalf         float64
	SideWeight         float64
	FallbackCeilingPct float64
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyTuningConfig())
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		PathLoss: PathLoss{
			RefRSSI:  cfg.GetRefRSSIDbm(),
			Exponent: cfg.GetPathLossExponent(),
			MinRange: cfg.GetMinRangeM(),
			MaxRange: cfg.GetMaxRangeM(),
		},
		WindowDuration:      cfg.GetWindowDuration(),
		MinReceivers:        cfg.GetMinReceivers(),
		CollinearToleranceM: cfg.GetCollinearToleranceM(),
		MaxFixAge:           cfg.GetMaxFixAge(),
		SideThresholdDB:     cfg.GetSideThresholdDB(),
		SideFullScaleDB:     cfg.GetSideFullScaleDB(),
		SingleSideCap:       cfg.GetSingleSideCap(),
		RSSIFloorDbm:        cfg.GetRSSIFloorDbm(),
		RSSICeilDbm:         cfg.GetRSSICeilDbm(),
		MinSideSpeedMps:     cfg.GetMinSideSpeedMps(),
		MaxIterations:       cfg.GetMaxIterations(),
		ConvergenceTol:      cfg.GetConvergenceTol(),
		InitialDamping:      cfg.GetInitialDamping(),
		BaseSigmaM:          cfg.GetBaseSigmaM(),
		SpeedSigmaK:         cfg.GetSpeedSigmaK(),
		SideDownweight:      cfg.GetSideDownweight(),
		DegenerateRatio:     cfg.GetDegenerateRatio(),
		MinSpreadM:          cfg.GetMinSpreadM(),
		MinVerticalSpreadM:  cfg.GetMinVerticalSpreadM(),
		MinAccuracyM:        cfg.GetMinAccuracyM(),
		ConfScaleM:          cfg.GetConfScaleM(),
		SampleHalf:          cfg.GetSampleHalf(),
		SideWeight:          cfg.GetSideWeight(),
		FallbackCeilingPct:  cfg.GetFallbackCeilingPct(),
	}
}
