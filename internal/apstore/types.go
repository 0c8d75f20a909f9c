// Package apstore holds persisted access point positions and the confidence
// gate that decides whether a new estimate may replace a stored one.
package apstore

import (
	"context"
	"errors"
	"time"

	"github.com/banshee-data/aplocate/internal/fusion"
)

// State represents the lifecycle state of an access point record.
type State string

const (
	StateUnseen    State = "unseen"    // Never committed; never stored
	StateCandidate State = "candidate" // First committed estimate
	StateConfirmed State = "confirmed" // Replaced at least once by the gate
	StateStale     State = "stale"     // Derived at read time; not heard recently
)

// ErrNotFound is returned when no record exists for a BSSID.
var ErrNotFound = errors.New("access point not found")

// ErrGateConflict is returned by a store when the record changed between the
// gate's read and its write. Serialised updates make this unreachable in
// normal operation.
var ErrGateConflict = errors.New("gate conflict")

// APPosition is the persisted best-known position of one access point.
type APPosition struct {
	BSSID          string
	SSID           string
	Lat            float64
	Lon            float64
	Alt            *float64
	ErrM           float64
	CovR95M        float64
	ConfidencePct  float64
	Side           fusion.Side
	SideConfidence float64
	SampleCount    int
	State          State
	Updates        int // gate evaluations, committed or not
	LastRSSI       float64
	LastChannel    int
	LastSeen       time.Time // advances on every evaluation
	Updated        time.Time // changes only on commit
	Created        time.Time
}

// EffectiveState returns StateStale when the record has not been seen for
// longer than staleAfter, and the stored state otherwise.
func (p APPosition) EffectiveState(now time.Time, staleAfter time.Duration) State {
	if staleAfter > 0 && now.Sub(p.LastSeen) > staleAfter {
		return StateStale
	}
	return p.State
}

// HistoryEntry is one committed estimate. History is append-only.
type HistoryEntry struct {
	ID            int64
	BSSID         string
	CycleID       string
	Lat           float64
	Lon           float64
	Alt           *float64
	ErrM          float64
	ConfidencePct float64
	Side          fusion.Side
	SampleCount   int
	Fallback      bool
	Committed     time.Time
}

// Mutation is what an update function asks the store to persist. Record is
// always written; History is appended when non-nil.
type Mutation struct {
	Record  APPosition
	History *HistoryEntry
}

// UpdateFunc receives the current record (nil if none) and returns the
// mutation to persist. Returning an error aborts the update.
type UpdateFunc func(cur *APPosition) (Mutation, error)

// ListOptions filters List results.
type ListOptions struct {
	MinConfidence float64
	Limit         int // 0 means no limit
}

// Store persists access point positions. Update must run fn and persist its
// result atomically with respect to other updates of the same BSSID.
type Store interface {
	Get(ctx context.Context, bssid string) (*APPosition, error)
	List(ctx context.Context, opts ListOptions) ([]APPosition, error)
	History(ctx context.Context, bssid string, limit int) ([]HistoryEntry, error)
	Update(ctx context.Context, bssid string, fn UpdateFunc) error
}
