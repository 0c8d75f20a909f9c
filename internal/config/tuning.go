package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for the fusion engine.
// The schema matches the /api/config endpoint so the same document can
// be used for startup configuration and inspection.
type TuningConfig struct {
	// Path-loss model
	RefRSSIDbm       *float64 `json:"ref_rssi_dbm,omitempty" yaml:"ref_rssi_dbm,omitempty"`             // P0: RSSI at 1 m
	PathLossExponent *float64 `json:"path_loss_exponent,omitempty" yaml:"path_loss_exponent,omitempty"` // n
	MinRangeM        *float64 `json:"min_range_m,omitempty" yaml:"min_range_m,omitempty"`
	MaxRangeM        *float64 `json:"max_range_m,omitempty" yaml:"max_range_m,omitempty"`

	// Window aggregation
	WindowDuration      *string  `json:"window_duration,omitempty" yaml:"window_duration,omitempty"` // duration string like "30s"
	MinReceivers        *int     `json:"min_receivers,omitempty" yaml:"min_receivers,omitempty"`
	CollinearToleranceM *float64 `json:"collinear_tolerance_m,omitempty" yaml:"collinear_tolerance_m,omitempty"`
	MaxFixAge           *string  `json:"max_fix_age,omitempty" yaml:"max_fix_age,omitempty"` // duration string like "2s"

	// Directional resolver
	SideThresholdDB *float64 `json:"side_threshold_db,omitempty" yaml:"side_threshold_db,omitempty"` // Δ
	SideFullScaleDB *float64 `json:"side_full_scale_db,omitempty" yaml:"side_full_scale_db,omitempty"`
	SingleSideCap   *float64 `json:"single_side_cap,omitempty" yaml:"single_side_cap,omitempty"`
	RSSIFloorDbm    *float64 `json:"rssi_floor_dbm,omitempty" yaml:"rssi_floor_dbm,omitempty"`
	RSSICeilDbm     *float64 `json:"rssi_ceil_dbm,omitempty" yaml:"rssi_ceil_dbm,omitempty"`
	MinSideSpeedMps *float64 `json:"min_side_speed_mps,omitempty" yaml:"min_side_speed_mps,omitempty"`

	// Solver
	MaxIterations      *int     `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	ConvergenceTol     *float64 `json:"convergence_tol,omitempty" yaml:"convergence_tol,omitempty"`
	InitialDamping     *float64 `json:"initial_damping,omitempty" yaml:"initial_damping,omitempty"`
	BaseSigmaM         *float64 `json:"base_sigma_m,omitempty" yaml:"base_sigma_m,omitempty"`
	SpeedSigmaK        *float64 `json:"speed_sigma_k,omitempty" yaml:"speed_sigma_k,omitempty"`
	SideDownweight     *float64 `json:"side_downweight,omitempty" yaml:"side_downweight,omitempty"`
	DegenerateRatio    *float64 `json:"degenerate_ratio,omitempty" yaml:"degenerate_ratio,omitempty"`
	MinSpreadM         *float64 `json:"min_spread_m,omitempty" yaml:"min_spread_m,omitempty"`
	MinVerticalSpreadM *float64 `json:"min_vertical_spread_m,omitempty" yaml:"min_vertical_spread_m,omitempty"`
	MinAccuracyM       *float64 `json:"min_accuracy_m,omitempty" yaml:"min_accuracy_m,omitempty"`

	// Scorer
	ConfScaleM         *float64 `json:"conf_scale_m,omitempty" yaml:"conf_scale_m,omitempty"`
	SampleHalf         *float64 `json:"sample_half,omitempty" yaml:"sample_half,omitempty"`
	SideWeight         *float64 `json:"side_weight,omitempty" yaml:"side_weight,omitempty"`
	FallbackCeilingPct *float64 `json:"fallback_ceiling_pct,omitempty" yaml:"fallback_ceiling_pct,omitempty"`

	// Gate
	StaleOverride *string `json:"stale_override,omitempty" yaml:"stale_override,omitempty"` // duration string like "168h"
	StaleAfter    *string `json:"stale_after,omitempty" yaml:"stale_after,omitempty"`

	// Pipeline
	Workers       *int    `json:"workers,omitempty" yaml:"workers,omitempty"`
	CycleInterval *string `json:"cycle_interval,omitempty" yaml:"cycle_interval,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field populated from
// the built-in defaults. It does not touch the filesystem.
func DefaultTuningConfig() *TuningConfig {
	e := EmptyTuningConfig()
	return &TuningConfig{
		RefRSSIDbm:          ptrFloat64(e.GetRefRSSIDbm()),
		PathLossExponent:    ptrFloat64(e.GetPathLossExponent()),
		MinRangeM:           ptrFloat64(e.GetMinRangeM()),
		MaxRangeM:           ptrFloat64(e.GetMaxRangeM()),
		WindowDuration:      ptrString(e.GetWindowDuration().String()),
		MinReceivers:        ptrInt(e.GetMinReceivers()),
		CollinearToleranceM: ptrFloat64(e.GetCollinearToleranceM()),
		MaxFixAge:           ptrString(e.GetMaxFixAge().String()),
		SideThresholdDB:     ptrFloat64(e.GetSideThresholdDB()),
		SideFullScaleDB:     ptrFloat64(e.GetSideFullScaleDB()),
		SingleSideCap:       ptrFloat64(e.GetSingleSideCap()),
		RSSIFloorDbm:        ptrFloat64(e.GetRSSIFloorDbm()),
		RSSICeilDbm:         ptrFloat64(e.GetRSSICeilDbm()),
		MinSideSpeedMps:     ptrFloat64(e.GetMinSideSpeedMps()),
		MaxIterations:       ptrInt(e.GetMaxIterations()),
		ConvergenceTol:      ptrFloat64(e.GetConvergenceTol()),
		InitialDamping:      ptrFloat64(e.GetInitialDamping()),
		BaseSigmaM:          ptrFloat64(e.GetBaseSigmaM()),
		SpeedSigmaK:         ptrFloat64(e.GetSpeedSigmaK()),
		SideDownweight:      ptrFloat64(e.GetSideDownweight()),
		DegenerateRatio:     ptrFloat64(e.GetDegenerateRatio()),
		MinSpreadM:          ptrFloat64(e.GetMinSpreadM()),
		MinVerticalSpreadM:  ptrFloat64(e.GetMinVerticalSpreadM()),
		MinAccuracyM:        ptrFloat64(e.GetMinAccuracyM()),
		ConfScaleM:          ptrFloat64(e.GetConfScaleM()),
		SampleHalf:          ptrFloat64(e.GetSampleHalf()),
		SideWeight:          ptrFloat64(e.GetSideWeight()),
		FallbackCeilingPct:  ptrFloat64(e.GetFallbackCeilingPct()),
		StaleOverride:       ptrString(e.GetStaleOverride().String()),
		StaleAfter:          ptrString(e.GetStaleAfter().String()),
		Workers:             ptrInt(e.GetWorkers()),
		CycleInterval:       ptrString(e.GetCycleInterval().String()),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON or YAML file.
// The file must have a .json, .yaml or .yml extension and be under the max
// file size. Fields omitted from the file fall back to the Get* defaults, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.PathLossExponent != nil && *c.PathLossExponent <= 0 {
		return fmt.Errorf("path_loss_exponent must be positive, got %f", *c.PathLossExponent)
	}
	if c.MinRangeM != nil && *c.MinRangeM <= 0 {
		return fmt.Errorf("min_range_m must be positive, got %f", *c.MinRangeM)
	}
	if c.GetMaxRangeM() < c.GetMinRangeM() {
		return fmt.Errorf("max_range_m (%f) must be >= min_range_m (%f)", c.GetMaxRangeM(), c.GetMinRangeM())
	}
	if c.MinReceivers != nil && *c.MinReceivers < 3 {
		return fmt.Errorf("min_receivers must be at least 3, got %d", *c.MinReceivers)
	}
	if c.SideThresholdDB != nil && *c.SideThresholdDB <= 0 {
		return fmt.Errorf("side_threshold_db must be positive, got %f", *c.SideThresholdDB)
	}
	if c.SideFullScaleDB != nil && *c.SideFullScaleDB <= 0 {
		return fmt.Errorf("side_full_scale_db must be positive, got %f", *c.SideFullScaleDB)
	}
	if c.SingleSideCap != nil && (*c.SingleSideCap < 0 || *c.SingleSideCap >= 1) {
		return fmt.Errorf("single_side_cap must be in [0, 1), got %f", *c.SingleSideCap)
	}
	if c.GetRSSICeilDbm() <= c.GetRSSIFloorDbm() {
		return fmt.Errorf("rssi_ceil_dbm (%f) must be above rssi_floor_dbm (%f)", c.GetRSSICeilDbm(), c.GetRSSIFloorDbm())
	}
	if c.MaxIterations != nil && *c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1, got %d", *c.MaxIterations)
	}
	if c.ConvergenceTol != nil && *c.ConvergenceTol <= 0 {
		return fmt.Errorf("convergence_tol must be positive, got %g", *c.ConvergenceTol)
	}
	if c.SideDownweight != nil && (*c.SideDownweight < 0 || *c.SideDownweight >= 1) {
		return fmt.Errorf("side_downweight must be in [0, 1), got %f", *c.SideDownweight)
	}
	if c.ConfScaleM != nil && *c.ConfScaleM <= 0 {
		return fmt.Errorf("conf_scale_m must be positive, got %f", *c.ConfScaleM)
	}
	if c.SampleHalf != nil && *c.SampleHalf <= 0 {
		return fmt.Errorf("sample_half must be positive, got %f", *c.SampleHalf)
	}
	if c.SideWeight != nil && (*c.SideWeight < 0 || *c.SideWeight > 1) {
		return fmt.Errorf("side_weight must be in [0, 1], got %f", *c.SideWeight)
	}
	if c.FallbackCeilingPct != nil && (*c.FallbackCeilingPct <= 0 || *c.FallbackCeilingPct >= 100) {
		return fmt.Errorf("fallback_ceiling_pct must be in (0, 100), got %f", *c.FallbackCeilingPct)
	}
	if c.Workers != nil && *c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", *c.Workers)
	}

	durations := map[string]*string{
		"window_duration": c.WindowDuration,
		"max_fix_age":     c.MaxFixAge,
		"stale_override":  c.StaleOverride,
		"stale_after":     c.StaleAfter,
		"cycle_interval":  c.CycleInterval,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}

	return nil
}

func parseDurationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetRefRSSIDbm returns the ref_rssi_dbm value (P0) or the default.
func (c *TuningConfig) GetRefRSSIDbm() float64 {
	if c.RefRSSIDbm == nil {
		return -40
	}
	return *c.RefRSSIDbm
}

// GetPathLossExponent returns the path_loss_exponent value or the default.
func (c *TuningConfig) GetPathLossExponent() float64 {
	if c.PathLossExponent == nil {
		return 2.2
	}
	return *c.PathLossExponent
}

// GetMinRangeM returns the min_range_m value or the default.
func (c *TuningConfig) GetMinRangeM() float64 {
	if c.MinRangeM == nil {
		return 2
	}
	return *c.MinRangeM
}

// GetMaxRangeM returns the max_range_m value or the default.
func (c *TuningConfig) GetMaxRangeM() float64 {
	if c.MaxRangeM == nil {
		return 2000
	}
	return *c.MaxRangeM
}

// GetWindowDuration parses and returns the WindowDuration as a time.Duration.
func (c *TuningConfig) GetWindowDuration() time.Duration {
	return parseDurationOr(c.WindowDuration, 30*time.Second)
}

// GetMinReceivers returns the min_receivers value or the default.
func (c *TuningConfig) GetMinReceivers() int {
	if c.MinReceivers == nil {
		return 3
	}
	return *c.MinReceivers
}

// GetCollinearToleranceM returns the collinear_tolerance_m value or the default.
func (c *TuningConfig) GetCollinearToleranceM() float64 {
	if c.CollinearToleranceM == nil {
		return 0.5
	}
	return *c.CollinearToleranceM
}

// GetMaxFixAge parses and returns the MaxFixAge as a time.Duration.
func (c *TuningConfig) GetMaxFixAge() time.Duration {
	return parseDurationOr(c.MaxFixAge, 2*time.Second)
}

// GetSideThresholdDB returns the side_threshold_db value or the default.
func (c *TuningConfig) GetSideThresholdDB() float64 {
	if c.SideThresholdDB == nil {
		return 4
	}
	return *c.SideThresholdDB
}

// GetSideFullScaleDB returns the side_full_scale_db value or the default.
func (c *TuningConfig) GetSideFullScaleDB() float64 {
	if c.SideFullScaleDB == nil {
		return 8
	}
	return *c.SideFullScaleDB
}

// GetSingleSideCap returns the single_side_cap value or the default.
func (c *TuningConfig) GetSingleSideCap() float64 {
	if c.SingleSideCap == nil {
		return 0.5
	}
	return *c.SingleSideCap
}

// GetRSSIFloorDbm returns the rssi_floor_dbm value or the default.
func (c *TuningConfig) GetRSSIFloorDbm() float64 {
	if c.RSSIFloorDbm == nil {
		return -95
	}
	return *c.RSSIFloorDbm
}

// GetRSSICeilDbm returns the rssi_ceil_dbm value or the default.
func (c *TuningConfig) GetRSSICeilDbm() float64 {
	if c.RSSICeilDbm == nil {
		return -35
	}
	return *c.RSSICeilDbm
}

// GetMinSideSpeedMps returns the min_side_speed_mps value or the default (disabled).
func (c *TuningConfig) GetMinSideSpeedMps() float64 {
	if c.MinSideSpeedMps == nil {
		return 0
	}
	return *c.MinSideSpeedMps
}

// GetMaxIterations returns the max_iterations value or the default.
func (c *TuningConfig) GetMaxIterations() int {
	if c.MaxIterations == nil {
		return 50
	}
	return *c.MaxIterations
}

// GetConvergenceTol returns the convergence_tol value or the default.
func (c *TuningConfig) GetConvergenceTol() float64 {
	if c.ConvergenceTol == nil {
		return 1e-6
	}
	return *c.ConvergenceTol
}

// GetInitialDamping returns the initial_damping value or the default.
func (c *TuningConfig) GetInitialDamping() float64 {
	if c.InitialDamping == nil {
		return 1e-3
	}
	return *c.InitialDamping
}

// GetBaseSigmaM returns the base_sigma_m value or the default.
func (c *TuningConfig) GetBaseSigmaM() float64 {
	if c.BaseSigmaM == nil {
		return 8
	}
	return *c.BaseSigmaM
}

// GetSpeedSigmaK returns the speed_sigma_k value or the default.
func (c *TuningConfig) GetSpeedSigmaK() float64 {
	if c.SpeedSigmaK == nil {
		return 1
	}
	return *c.SpeedSigmaK
}

// GetSideDownweight returns the side_downweight value or the default.
func (c *TuningConfig) GetSideDownweight() float64 {
	if c.SideDownweight == nil {
		return 0.5
	}
	return *c.SideDownweight
}

// GetDegenerateRatio returns the degenerate_ratio value or the default.
func (c *TuningConfig) GetDegenerateRatio() float64 {
	if c.DegenerateRatio == nil {
		return 0.05
	}
	return *c.DegenerateRatio
}

// GetMinSpreadM returns the min_spread_m value or the default.
func (c *TuningConfig) GetMinSpreadM() float64 {
	if c.MinSpreadM == nil {
		return 1
	}
	return *c.MinSpreadM
}

// GetMinVerticalSpreadM returns the min_vertical_spread_m value or the default.
func (c *TuningConfig) GetMinVerticalSpreadM() float64 {
	if c.MinVerticalSpreadM == nil {
		return 5
	}
	return *c.MinVerticalSpreadM
}

// GetMinAccuracyM returns the min_accuracy_m value or the default.
func (c *TuningConfig) GetMinAccuracyM() float64 {
	if c.MinAccuracyM == nil {
		return 1
	}
	return *c.MinAccuracyM
}

// GetConfScaleM returns the conf_scale_m value or the default.
func (c *TuningConfig) GetConfScaleM() float64 {
	if c.ConfScaleM == nil {
		return 100
	}
	return *c.ConfScaleM
}

// GetSampleHalf returns the sample_half value or the default.
func (c *TuningConfig) GetSampleHalf() float64 {
	if c.SampleHalf == nil {
		return 3
	}
	return *c.SampleHalf
}

// GetSideWeight returns the side_weight value or the default.
func (c *TuningConfig) GetSideWeight() float64 {
	if c.SideWeight == nil {
		return 0.2
	}
	return *c.SideWeight
}

// GetFallbackCeilingPct returns the fallback_ceiling_pct value or the default.
func (c *TuningConfig) GetFallbackCeilingPct() float64 {
	if c.FallbackCeilingPct == nil {
		return 25
	}
	return *c.FallbackCeilingPct
}

// GetStaleOverride parses and returns the StaleOverride as a time.Duration.
func (c *TuningConfig) GetStaleOverride() time.Duration {
	return parseDurationOr(c.StaleOverride, 7*24*time.Hour)
}

// GetStaleAfter parses and returns the StaleAfter as a time.Duration.
func (c *TuningConfig) GetStaleAfter() time.Duration {
	return parseDurationOr(c.StaleAfter, 24*time.Hour)
}

// GetWorkers returns the workers value or the default.
func (c *TuningConfig) GetWorkers() int {
	if c.Workers == nil {
		return 4
	}
	return *c.Workers
}

// GetCycleInterval parses and returns the CycleInterval as a time.Duration.
func (c *TuningConfig) GetCycleInterval() time.Duration {
	return parseDurationOr(c.CycleInterval, 10*time.Second)
}
