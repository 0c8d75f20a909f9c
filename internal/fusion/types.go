package fusion

import (
	"time"
)

// ReceiverID identifies the receiver that reported an observation. Fixed-channel
// nodes use free-form ids; the two directional receivers use ReceiverLeft and
// ReceiverRight.
type ReceiverID string

const (
	ReceiverLeft  ReceiverID = "LEFT"
	ReceiverRight ReceiverID = "RIGHT"
)

// IsDirectional reports whether r is one of the LEFT/RIGHT side receivers.
func (r ReceiverID) IsDirectional() bool {
	return r == ReceiverLeft || r == ReceiverRight
}

// Side is the advisory side of the receiver path an access point lies on.
type Side string

const (
	SideLeft    Side = "LEFT"
	SideRight   Side = "RIGHT"
	SideCenter  Side = "CENTER"
	SideUnknown Side = "UNKNOWN"
)

// Position is the receiver fix attached to an observation at capture time.
type Position struct {
	Lat      float64
	Lon      float64
	Alt      float64
	HasAlt   bool
	SpeedMps float64
	TrackDeg float64 // course over ground, degrees clockwise from north
	HasTrack bool
	HDOP     float64 // 0 when unknown
	FixTS    time.Time
	HasFix   bool
}

// Observation is a single RSSI report for one BSSID from one receiver.
type Observation struct {
	BSSID      string
	SSID       string
	RSSI       float64 // dBm
	Channel    int
	ReceiverID ReceiverID
	TS         time.Time
	Position   Position
}

// Exclusion records an observation that was kept out of geometry.
type Exclusion struct {
	Observation Observation
	Reason      error
}

// Window is the set of observations for one BSSID inside one sweep epoch,
// after dedup. Fixed holds at most one observation per fixed-channel receiver
// and Directional at most one per side receiver.
type Window struct {
	BSSID       string
	Epoch       int64
	Start       time.Time
	End         time.Time
	Fixed       []Observation
	Directional []Observation
	Excluded    []Exclusion

	Eligible bool
	Reason   error // why the window is ineligible; nil when Eligible
}

// StaleCount returns how many observations were excluded for a stale fix.
func (w Window) StaleCount() int {
	return len(w.Excluded)
}

// Receivers returns the number of distinct fixed-channel receivers retained.
func (w Window) Receivers() int {
	return len(w.Fixed)
}

func (w Window) directional(id ReceiverID) (Observation, bool) {
	for _, o := range w.Directional {
		if o.ReceiverID == id {
			return o, true
		}
	}
	return Observation{}, false
}

// DirectionalResult is the advisory side label for one window.
type DirectionalResult struct {
	Side       Side
	Confidence float64 // [0,1]
	DiffDB     float64 // rssi_LEFT - rssi_RIGHT when both are present
	HasDiff    bool
}

// Err returns ErrAmbiguousSide for a CENTER result and nil otherwise.
func (d DirectionalResult) Err() error {
	if d.Side == SideCenter {
		return ErrAmbiguousSide
	}
	return nil
}

// Estimate is a scored position estimate for one window.
type Estimate struct {
	BSSID string
	SSID  string

	Lat float64
	Lon float64
	Alt *float64 // nil unless vertical geometry was adequate

	AccuracyM   float64 // residual RMS, floored at MinAccuracyM
	CovR95M     float64 // 95% radius from the solver covariance, 0 if unavailable
	SampleCount int
	Diversity   float64 // minor/major receiver spread ratio in [0,1]
	Iterations  int

	ConfidencePct  float64
	Side           Side
	SideConfidence float64

	Fallback       bool
	FallbackReason error
	Method         string

	ObservedAt time.Time
	MeanRSSI   float64
	Channel    int
}

// Solver method names reported on Estimate.Method.
const (
	MethodLM       = "lm"
	MethodCentroid = "centroid"
)
