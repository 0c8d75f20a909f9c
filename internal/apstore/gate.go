package apstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/aplocate/internal/config"
	"github.com/banshee-data/aplocate/internal/fusion"
	"github.com/banshee-data/aplocate/internal/monitoring"
	"github.com/banshee-data/aplocate/internal/timeutil"
)

// Decision is the outcome of one gate evaluation.
type Decision string

const (
	DecisionInserted Decision = "inserted"
	DecisionReplaced Decision = "replaced"
	DecisionRejected Decision = "rejected"
)

// GateConfig holds the gate thresholds.
type GateConfig struct {
	// StaleOverride lets any estimate replace a record whose last commit is
	// older than this, regardless of confidence. Zero disables it.
	StaleOverride time.Duration
	// StaleAfter is how long a record may go unseen before reads report it
	// as StateStale.
	StaleAfter time.Duration
}

// GateConfigFromTuning builds a GateConfig from a loaded TuningConfig.
func GateConfigFromTuning(cfg *config.TuningConfig) GateConfig {
	return GateConfig{
		StaleOverride: cfg.GetStaleOverride(),
		StaleAfter:    cfg.GetStaleAfter(),
	}
}

// Outcome describes what the gate did with an estimate.
type Outcome struct {
	BSSID         string
	Decision      Decision
	StaleOverride bool // replaced only because the stored record was stale
	Record        APPosition
	Previous      *APPosition
}

// Committed reports whether the estimate was written as the new position.
func (o Outcome) Committed() bool {
	return o.Decision == DecisionInserted || o.Decision == DecisionReplaced
}

// Gate applies the improvement rule before committing an estimate. Evaluation
// for a given BSSID is serialised; different BSSIDs proceed in parallel.
type Gate struct {
	store Store
	cfg   GateConfig
	clock timeutil.Clock
	locks keyedMutex
}

// NewGate returns a Gate over store. A nil clock uses the real clock.
func NewGate(store Store, cfg GateConfig, clock timeutil.Clock) *Gate {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Gate{store: store, cfg: cfg, clock: clock}
}

// Config returns the gate thresholds.
func (g *Gate) Config() GateConfig {
	return g.cfg
}

// Apply evaluates est against the stored record for its BSSID.
//
// With no stored record the estimate is inserted. Otherwise it replaces the
// record only if its confidence is strictly higher, or if the record was last
// committed more than StaleOverride ago. Equal confidence never replaces.
// LastSeen advances on every evaluation; Updated changes only on commit.
func (g *Gate) Apply(ctx context.Context, est fusion.Estimate, cycleID string) (Outcome, error) {
	if est.BSSID == "" {
		return Outcome{}, fmt.Errorf("apply estimate: empty bssid")
	}
	unlock := g.locks.Lock(est.BSSID)
	defer unlock()

	now := g.clock.Now()
	seen := est.ObservedAt
	if seen.IsZero() {
		seen = now
	}

	out := Outcome{BSSID: est.BSSID}
	err := g.store.Update(ctx, est.BSSID, func(cur *APPosition) (Mutation, error) {
		if cur == nil {
			rec := fromEstimate(est)
			rec.State = StateCandidate
			rec.Updates = 1
			rec.LastSeen = seen
			rec.Updated = now
			rec.Created = now
			out.Decision = DecisionInserted
			out.Record = rec
			return Mutation{Record: rec, History: historyFor(est, cycleID, now)}, nil
		}

		prev := *cur
		out.Previous = &prev
		lastSeen := cur.LastSeen
		if seen.After(lastSeen) {
			lastSeen = seen
		}

		better := est.ConfidencePct > cur.ConfidencePct
		stale := g.cfg.StaleOverride > 0 && now.Sub(cur.Updated) > g.cfg.StaleOverride
		if !better && !stale {
			rec := *cur
			rec.LastSeen = lastSeen
			rec.Updates++
			out.Decision = DecisionRejected
			out.Record = rec
			return Mutation{Record: rec}, nil
		}

		rec := fromEstimate(est)
		rec.State = StateConfirmed
		rec.Updates = cur.Updates + 1
		rec.LastSeen = lastSeen
		rec.Updated = now
		rec.Created = cur.Created
		out.Decision = DecisionReplaced
		out.StaleOverride = !better
		out.Record = rec
		return Mutation{Record: rec, History: historyFor(est, cycleID, now)}, nil
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("apply estimate %s: %w", est.BSSID, err)
	}

	if out.StaleOverride {
		monitoring.Logf("[gate] %s: stale override, confidence %.1f -> %.1f (last commit %s ago)",
			est.BSSID, out.Previous.ConfidencePct, est.ConfidencePct, now.Sub(out.Previous.Updated).Round(time.Second))
	}
	return out, nil
}

func fromEstimate(est fusion.Estimate) APPosition {
	return APPosition{
		BSSID:          est.BSSID,
		SSID:           est.SSID,
		Lat:            est.Lat,
		Lon:            est.Lon,
		Alt:            est.Alt,
		ErrM:           est.AccuracyM,
		CovR95M:        est.CovR95M,
		ConfidencePct:  est.ConfidencePct,
		Side:           est.Side,
		SideConfidence: est.SideConfidence,
		SampleCount:    est.SampleCount,
		LastRSSI:       est.MeanRSSI,
		LastChannel:    est.Channel,
	}
}

func historyFor(est fusion.Estimate, cycleID string, now time.Time) *HistoryEntry {
	return &HistoryEntry{
		BSSID:         est.BSSID,
		CycleID:       cycleID,
		Lat:           est.Lat,
		Lon:           est.Lon,
		Alt:           est.Alt,
		ErrM:          est.AccuracyM,
		ConfidencePct: est.ConfidencePct,
		Side:          est.Side,
		SampleCount:   est.SampleCount,
		Fallback:      est.Fallback,
		Committed:     now,
	}
}

// keyedMutex hands out one mutex per key and drops it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until key is held and returns the matching unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.mu.Lock()
	return func() {
		m.mu.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
