package fusion

import "math"

// ScoreInput is everything the confidence score depends on.
type ScoreInput struct {
	SampleCount    int
	AccuracyM      float64
	Diversity      float64 // receiver minor/major spread ratio, [0,1]
	SideConfidence float64 // [0,1]
	Fallback       bool
}

// Score returns a confidence percentage in [0,100].
//
// A quality factor q in [0,1) is the product of a sample term n/(n+SampleHalf),
// an accuracy term exp(-AccuracyM/ConfScaleM), a geometry term and a side
// term. Converged estimates map q into [FallbackCeilingPct, 100) and fallback
// estimates into [0, FallbackCeilingPct), so any fallback ranks below any
// converged estimate. Score is non-decreasing in SampleCount and
// non-increasing in AccuracyM.
func Score(in ScoreInput, cfg Config) float64 {
	if in.SampleCount <= 0 {
		return 0
	}
	n := float64(in.SampleCount)
	half := cfg.SampleHalf
	if half <= 0 {
		half = 1
	}
	scale := cfg.ConfScaleM
	if scale <= 0 {
		scale = 100
	}

	fN := n / (n + half)
	fAcc := math.Exp(-math.Max(0, in.AccuracyM) / scale)
	fGeo := 0.5 + 0.5*clamp01(in.Diversity)
	fSide := 1 - clamp01(cfg.SideWeight)*(1-clamp01(in.SideConfidence))
	q := clamp01(fN * fAcc * fGeo * fSide)

	ceiling := cfg.FallbackCeilingPct
	if ceiling <= 0 || ceiling >= 100 {
		ceiling = 25
	}
	if in.Fallback {
		return ceiling * q
	}
	return ceiling + (100-ceiling)*q
}
