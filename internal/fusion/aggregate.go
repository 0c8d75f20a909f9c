package fusion

import (
	"fmt"
	"math"
	"sort"
	"time"
)

type windowKey struct {
	bssid string
	epoch int64
}

// Aggregate groups a batch of observations into one Window per BSSID per
// sweep epoch. Output is sorted by BSSID then epoch and does not depend on
// input order. Ineligible windows are returned with Eligible=false.
func Aggregate(batch []Observation, cfg Config) []Window {
	if len(batch) == 0 {
		return nil
	}

	groups := make(map[windowKey][]Observation)
	for _, o := range batch {
		if o.BSSID == "" {
			continue
		}
		k := windowKey{bssid: o.BSSID, epoch: epochOf(o.TS, cfg.WindowDuration)}
		groups[k] = append(groups[k], o)
	}

	keys := make([]windowKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].bssid != keys[j].bssid {
			return keys[i].bssid < keys[j].bssid
		}
		return keys[i].epoch < keys[j].epoch
	})

	windows := make([]Window, 0, len(keys))
	for _, k := range keys {
		windows = append(windows, buildWindow(k.bssid, k.epoch, groups[k], cfg))
	}
	return windows
}

// MergeWindows combines two windows of the same BSSID, re-applying dedup and
// eligibility. The merged epoch is the earlier of the two.
func MergeWindows(a, b Window, cfg Config) (Window, error) {
	if a.BSSID != b.BSSID {
		return Window{}, fmt.Errorf("merge windows: bssid mismatch %q != %q", a.BSSID, b.BSSID)
	}
	var obs []Observation
	for _, w := range []Window{a, b} {
		obs = append(obs, w.Fixed...)
		obs = append(obs, w.Directional...)
		for _, e := range w.Excluded {
			obs = append(obs, e.Observation)
		}
	}
	epoch := a.Epoch
	if b.Epoch < epoch {
		epoch = b.Epoch
	}
	return buildWindow(a.BSSID, epoch, obs, cfg), nil
}

func epochOf(ts time.Time, d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	n := ts.UnixNano()
	e := n / int64(d)
	if n < 0 && n%int64(d) != 0 {
		e--
	}
	return e
}

func buildWindow(bssid string, epoch int64, obs []Observation, cfg Config) Window {
	w := Window{BSSID: bssid, Epoch: epoch}

	fixed := make(map[ReceiverID]Observation)
	directional := make(map[ReceiverID]Observation)
	for _, o := range obs {
		if w.Start.IsZero() || o.TS.Before(w.Start) {
			w.Start = o.TS
		}
		if o.TS.After(w.End) {
			w.End = o.TS
		}

		if o.ReceiverID.IsDirectional() {
			keepStrongest(directional, o)
			continue
		}
		if staleFix(o, cfg.MaxFixAge) {
			w.Excluded = append(w.Excluded, Exclusion{Observation: o, Reason: ErrStaleFix})
			continue
		}
		keepStrongest(fixed, o)
	}

	w.Fixed = sortedValues(fixed)
	w.Directional = sortedValues(directional)
	sort.Slice(w.Excluded, func(i, j int) bool {
		return lessObservation(w.Excluded[i].Observation, w.Excluded[j].Observation)
	})

	w.Reason = checkGeometry(w.Fixed, cfg)
	w.Eligible = w.Reason == nil
	return w
}

// keepStrongest retains the highest RSSI per receiver. Ties go to the later
// timestamp, then the lower channel, so the winner is order-independent.
func keepStrongest(m map[ReceiverID]Observation, o Observation) {
	cur, ok := m[o.ReceiverID]
	if !ok || strongerThan(o, cur) {
		m[o.ReceiverID] = o
	}
}

func strongerThan(a, b Observation) bool {
	if a.RSSI != b.RSSI {
		return a.RSSI > b.RSSI
	}
	if !a.TS.Equal(b.TS) {
		return a.TS.After(b.TS)
	}
	if a.Channel != b.Channel {
		return a.Channel < b.Channel
	}
	return a.SSID < b.SSID
}

func staleFix(o Observation, maxAge time.Duration) bool {
	if !o.Position.HasFix {
		return true
	}
	if maxAge <= 0 {
		return false
	}
	age := o.TS.Sub(o.Position.FixTS)
	if age < 0 {
		age = -age
	}
	return age > maxAge
}

func sortedValues(m map[ReceiverID]Observation) []Observation {
	out := make([]Observation, 0, len(m))
	for _, o := range m {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceiverID < out[j].ReceiverID })
	return out
}

func lessObservation(a, b Observation) bool {
	if a.ReceiverID != b.ReceiverID {
		return a.ReceiverID < b.ReceiverID
	}
	if !a.TS.Equal(b.TS) {
		return a.TS.Before(b.TS)
	}
	return a.RSSI < b.RSSI
}

func checkGeometry(fixed []Observation, cfg Config) error {
	minReceivers := cfg.MinReceivers
	if minReceivers < 3 {
		minReceivers = 3
	}
	if len(fixed) < minReceivers {
		return fmt.Errorf("%w: %d of %d fixed-channel receivers", ErrInsufficientGeometry, len(fixed), minReceivers)
	}
	s := receiverSpread(medianFrame(fixed), fixed)
	if s.Minor < math.Max(cfg.CollinearToleranceM, 1e-6) {
		return fmt.Errorf("%w: receivers collinear (minor spread %.2fm)", ErrInsufficientGeometry, s.Minor)
	}
	return nil
}
