package fusion

import "math"

// ResolveSide compares the LEFT and RIGHT receiver readings of a window.
//
// With both sides heard, diff = rssi_LEFT - rssi_RIGHT is compared against
// SideThresholdDB and confidence grows with |diff| up to SideFullScaleDB.
// With one side heard that side wins, but confidence never exceeds
// SingleSideCap. With neither, the result is UNKNOWN with zero confidence.
// The result is advisory and never constrains geometry.
func ResolveSide(w Window, cfg Config) DirectionalResult {
	left, hasLeft := w.directional(ReceiverLeft)
	right, hasRight := w.directional(ReceiverRight)

	if cfg.MinSideSpeedMps > 0 {
		if hasLeft && left.Position.SpeedMps < cfg.MinSideSpeedMps {
			hasLeft = false
		}
		if hasRight && right.Position.SpeedMps < cfg.MinSideSpeedMps {
			hasRight = false
		}
	}

	switch {
	case hasLeft && hasRight:
		return twoSided(left.RSSI, right.RSSI, cfg)
	case hasLeft:
		return DirectionalResult{Side: SideLeft, Confidence: singleSided(left.RSSI, cfg)}
	case hasRight:
		return DirectionalResult{Side: SideRight, Confidence: singleSided(right.RSSI, cfg)}
	default:
		return DirectionalResult{Side: SideUnknown}
	}
}

func twoSided(leftRSSI, rightRSSI float64, cfg Config) DirectionalResult {
	diff := leftRSSI - rightRSSI
	res := DirectionalResult{DiffDB: diff, HasDiff: true, Side: SideCenter}
	switch {
	case diff > cfg.SideThresholdDB:
		res.Side = SideLeft
	case diff < -cfg.SideThresholdDB:
		res.Side = SideRight
	}
	fullScale := cfg.SideFullScaleDB
	if fullScale <= 0 {
		fullScale = 1
	}
	res.Confidence = clamp01(math.Abs(diff) / fullScale)
	return res
}

func singleSided(rssi float64, cfg Config) float64 {
	span := cfg.RSSICeilDbm - cfg.RSSIFloorDbm
	if span <= 0 {
		return 0
	}
	return clamp01(cfg.SingleSideCap) * clamp01((rssi-cfg.RSSIFloorDbm)/span)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
