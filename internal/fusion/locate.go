package fusion

// Locate runs side resolution, the solver and the scorer over one window.
// It returns ErrInsufficientGeometry for ineligible windows.
func Locate(w Window, cfg Config) (Estimate, error) {
	side := ResolveSide(w, cfg)
	est, err := Solve(w, side, cfg)
	if err != nil {
		return Estimate{}, err
	}
	est.Side = side.Side
	est.SideConfidence = side.Confidence
	est.ConfidencePct = Score(ScoreInput{
		SampleCount:    est.SampleCount,
		AccuracyM:      est.AccuracyM,
		Diversity:      est.Diversity,
		SideConfidence: side.Confidence,
		Fallback:       est.Fallback,
	}, cfg)
	return est, nil
}
