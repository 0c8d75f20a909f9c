package api

import (
	"time"

	"github.com/banshee-data/aplocate/internal/apstore"
	"github.com/banshee-data/aplocate/internal/fusion"
	"github.com/banshee-data/aplocate/internal/pipeline"
	"github.com/banshee-data/aplocate/internal/version"
)

// APView is the JSON form of a stored position. State is the effective
// state at response time, so records not heard recently read as "stale".
type APView struct {
	BSSID          string        `json:"bssid"`
	SSID           string        `json:"ssid,omitempty"`
	Lat            float64       `json:"lat"`
	Lon            float64       `json:"lon"`
	Alt            *float64      `json:"alt_m,omitempty"`
	AccuracyM      float64       `json:"accuracy_m"`
	CovR95M        float64       `json:"cov_r95_m"`
	ConfidencePct  float64       `json:"confidence_pct"`
	Side           fusion.Side   `json:"side"`
	SideConfidence float64       `json:"side_confidence"`
	SampleCount    int           `json:"samples"`
	State          apstore.State `json:"state"`
	Updates        int           `json:"updates"`
	LastRSSI       float64       `json:"last_rssi"`
	LastChannel    int           `json:"channel,omitempty"`
	LastSeen       time.Time     `json:"last_seen"`
	Updated        time.Time     `json:"updated"`
	Created        time.Time     `json:"created"`
}

func newAPView(p apstore.APPosition, now time.Time, staleAfter time.Duration) APView {
	return APView{
		BSSID:          p.BSSID,
		SSID:           p.SSID,
		Lat:            p.Lat,
		Lon:            p.Lon,
		Alt:            p.Alt,
		AccuracyM:      p.ErrM,
		CovR95M:        p.CovR95M,
		ConfidencePct:  p.ConfidencePct,
		Side:           p.Side,
		SideConfidence: p.SideConfidence,
		SampleCount:    p.SampleCount,
		State:          p.EffectiveState(now, staleAfter),
		Updates:        p.Updates,
		LastRSSI:       p.LastRSSI,
		LastChannel:    p.LastChannel,
		LastSeen:       p.LastSeen.UTC(),
		Updated:        p.Updated.UTC(),
		Created:        p.Created.UTC(),
	}
}

type HistoryView struct {
	ID            int64       `json:"id"`
	CycleID       string      `json:"cycle_id"`
	Lat           float64     `json:"lat"`
	Lon           float64     `json:"lon"`
	Alt           *float64    `json:"alt_m,omitempty"`
	AccuracyM     float64     `json:"accuracy_m"`
	ConfidencePct float64     `json:"confidence_pct"`
	Side          fusion.Side `json:"side"`
	SampleCount   int         `json:"samples"`
	Fallback      bool        `json:"fallback"`
	Committed     time.Time   `json:"committed"`
}

func newHistoryView(h apstore.HistoryEntry) HistoryView {
	return HistoryView{
		ID:            h.ID,
		CycleID:       h.CycleID,
		Lat:           h.Lat,
		Lon:           h.Lon,
		Alt:           h.Alt,
		AccuracyM:     h.ErrM,
		ConfidencePct: h.ConfidencePct,
		Side:          h.Side,
		SampleCount:   h.SampleCount,
		Fallback:      h.Fallback,
		Committed:     h.Committed.UTC(),
	}
}

// CycleView summarises one fusion cycle. Estimates are reduced to a count.
type CycleView struct {
	CycleID        string    `json:"cycle_id"`
	At             time.Time `json:"at"`
	Commit         bool      `json:"commit"`
	Observations   int       `json:"observations"`
	Windows        int       `json:"windows"`
	Eligible       int       `json:"eligible"`
	Insufficient   int       `json:"insufficient"`
	Merged         int       `json:"merged"`
	StaleFixes     int       `json:"stale_fixes"`
	Estimates      int       `json:"estimates"`
	Fallbacks      int       `json:"fallbacks"`
	Inserted       int       `json:"inserted"`
	Replaced       int       `json:"replaced"`
	Rejected       int       `json:"rejected"`
	StaleOverrides int       `json:"stale_overrides"`
	Dropped        int       `json:"dropped"`
	DurationMs     float64   `json:"duration_ms"`
}

func newCycleView(rep pipeline.CycleReport, at time.Time) CycleView {
	return CycleView{
		CycleID:        rep.CycleID,
		At:             at.UTC(),
		Commit:         rep.Commit,
		Observations:   rep.Observations,
		Windows:        rep.Windows,
		Eligible:       rep.Eligible,
		Insufficient:   rep.Insufficient,
		Merged:         rep.Merged,
		StaleFixes:     rep.StaleFixes,
		Estimates:      len(rep.Estimates),
		Fallbacks:      rep.Fallbacks,
		Inserted:       rep.Inserted,
		Replaced:       rep.Replaced,
		Rejected:       rep.Rejected,
		StaleOverrides: rep.StaleOverrides,
		Dropped:        rep.Dropped,
		DurationMs:     float64(rep.Duration.Microseconds()) / 1e3,
	}
}

type StatusView struct {
	Version        version.Info `json:"version"`
	Now            time.Time    `json:"now"`
	Cycles         int64        `json:"cycles"`
	CycleErrors    int64        `json:"cycle_errors"`
	LastCycle      *CycleView   `json:"last_cycle,omitempty"`
	Positions      *int64       `json:"positions,omitempty"`
	HistoryEntries *int64       `json:"history_entries,omitempty"`
}
