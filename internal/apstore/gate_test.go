package apstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/aplocate/internal/config"
	"github.com/banshee-data/aplocate/internal/fusion"
	"github.com/banshee-data/aplocate/internal/monitoring"
	"github.com/banshee-data/aplocate/internal/timeutil"
)

var start = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

func estimate(bssid string, conf float64, observed time.Time) fusion.Estimate {
	return fusion.Estimate{
		BSSID:         bssid,
		SSID:          "office",
		Lat:           51.5 + conf/1e5,
		Lon:           -0.12,
		AccuracyM:     100 - conf,
		SampleCount:   4,
		ConfidencePct: conf,
		Side:          fusion.SideLeft,
		ObservedAt:    observed,
		MeanRSSI:      -61,
		Channel:       11,
	}
}

func newTestGate(t *testing.T) (*Gate, *MemoryStore, *timeutil.MockClock) {
	t.Helper()
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(nil) })
	store := NewMemoryStore()
	clock := timeutil.NewMockClock(start)
	gate := NewGate(store, GateConfig{StaleOverride: 24 * time.Hour, StaleAfter: 6 * time.Hour}, clock)
	return gate, store, clock
}

func TestGate_InsertWhenUnseen(t *testing.T) {
	gate, store, _ := newTestGate(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "aa:bb")
	require.ErrorIs(t, err, ErrNotFound)

	out, err := gate.Apply(ctx, estimate("aa:bb", 40, start), "cycle-1")
	require.NoError(t, err)
	assert.Equal(t, DecisionInserted, out.Decision)
	assert.True(t, out.Committed())
	assert.Nil(t, out.Previous)

	rec, err := store.Get(ctx, "aa:bb")
	require.NoError(t, err)
	assert.Equal(t, StateCandidate, rec.State)
	assert.Equal(t, 40.0, rec.ConfidencePct)
	assert.Equal(t, 1, rec.Updates)
	assert.Equal(t, -61.0, rec.LastRSSI)
	assert.Equal(t, 11, rec.LastChannel)
	assert.True(t, rec.Updated.Equal(start))
	assert.True(t, rec.Created.Equal(start))

	hist, err := store.History(ctx, "aa:bb", 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "cycle-1", hist[0].CycleID)
}

func TestGate_Idempotent(t *testing.T) {
	gate, store, clock := newTestGate(t)
	ctx := context.Background()
	est := estimate("aa:bb", 55, start)

	_, err := gate.Apply(ctx, est, "cycle-1")
	require.NoError(t, err)
	first, err := store.Get(ctx, "aa:bb")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	out, err := gate.Apply(ctx, est, "cycle-2")
	require.NoError(t, err)
	assert.Equal(t, DecisionRejected, out.Decision)
	assert.False(t, out.Committed())

	second, err := store.Get(ctx, "aa:bb")
	require.NoError(t, err)
	assert.True(t, second.Updated.Equal(first.Updated), "updated_ts must not change on a no-op")
	assert.Equal(t, first.ConfidencePct, second.ConfidencePct)
	assert.Equal(t, first.Lat, second.Lat)
	assert.Equal(t, first.Updates+1, second.Updates)

	hist, err := store.History(ctx, "aa:bb", 0)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestGate_ImprovementRule(t *testing.T) {
	tests := []struct {
		name     string
		stored   float64
		incoming float64
		want     Decision
	}{
		{name: "higher replaces", stored: 40, incoming: 60, want: DecisionReplaced},
		{name: "lower rejected", stored: 60, incoming: 40, want: DecisionRejected},
		{name: "equal rejected", stored: 50, incoming: 50, want: DecisionRejected},
		{name: "marginally higher replaces", stored: 50, incoming: 50.0001, want: DecisionReplaced},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate, store, clock := newTestGate(t)
			ctx := context.Background()
			_, err := gate.Apply(ctx, estimate("aa:bb", tt.stored, start), "c1")
			require.NoError(t, err)

			clock.Advance(time.Hour)
			out, err := gate.Apply(ctx, estimate("aa:bb", tt.incoming, clock.Now()), "c2")
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Decision)
			assert.False(t, out.StaleOverride)

			rec, err := store.Get(ctx, "aa:bb")
			require.NoError(t, err)
			assert.True(t, rec.LastSeen.Equal(clock.Now()), "last_seen advances on accept and reject")
			if tt.want == DecisionReplaced {
				assert.Equal(t, tt.incoming, rec.ConfidencePct)
				assert.Equal(t, StateConfirmed, rec.State)
				assert.True(t, rec.Updated.Equal(clock.Now()))
				assert.True(t, rec.Created.Equal(start))
			} else {
				assert.Equal(t, tt.stored, rec.ConfidencePct)
				assert.Equal(t, StateCandidate, rec.State)
				assert.True(t, rec.Updated.Equal(start))
			}
		})
	}
}

func TestGate_StaleOverrideReplacesHigherConfidence(t *testing.T) {
	gate, store, clock := newTestGate(t)
	ctx := context.Background()

	_, err := gate.Apply(ctx, estimate("aa:bb", 90, start), "c1")
	require.NoError(t, err)

	clock.Advance(25 * time.Hour)
	out, err := gate.Apply(ctx, estimate("aa:bb", 20, clock.Now()), "c2")
	require.NoError(t, err)
	assert.Equal(t, DecisionReplaced, out.Decision)
	assert.True(t, out.StaleOverride)
	require.NotNil(t, out.Previous)
	assert.Equal(t, 90.0, out.Previous.ConfidencePct)

	rec, err := store.Get(ctx, "aa:bb")
	require.NoError(t, err)
	assert.Equal(t, 20.0, rec.ConfidencePct)
	assert.True(t, rec.Updated.Equal(clock.Now()))
}

func TestGate_RejectionsDoNotResetStaleness(t *testing.T) {
	gate, store, clock := newTestGate(t)
	ctx := context.Background()

	_, err := gate.Apply(ctx, estimate("aa:bb", 90, start), "c1")
	require.NoError(t, err)

	// Rejected evaluations keep advancing last_seen but not updated_ts, so the
	// decay clock still runs from the last commit.
	for i := 0; i < 4; i++ {
		clock.Advance(5 * time.Hour)
		out, err := gate.Apply(ctx, estimate("aa:bb", 30, clock.Now()), "c")
		require.NoError(t, err)
		assert.Equal(t, DecisionRejected, out.Decision)
	}
	clock.Advance(5 * time.Hour)
	out, err := gate.Apply(ctx, estimate("aa:bb", 30, clock.Now()), "c")
	require.NoError(t, err)
	assert.Equal(t, DecisionReplaced, out.Decision)

	rec, err := store.Get(ctx, "aa:bb")
	require.NoError(t, err)
	assert.Equal(t, 6, rec.Updates)
}

func TestGate_LastSeenNeverMovesBackwards(t *testing.T) {
	gate, store, clock := newTestGate(t)
	ctx := context.Background()

	_, err := gate.Apply(ctx, estimate("aa:bb", 50, start.Add(time.Hour)), "c1")
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)
	_, err = gate.Apply(ctx, estimate("aa:bb", 10, start), "c2")
	require.NoError(t, err)

	rec, err := store.Get(ctx, "aa:bb")
	require.NoError(t, err)
	assert.True(t, rec.LastSeen.Equal(start.Add(time.Hour)))
}

func TestGate_ConcurrentSameBSSID(t *testing.T) {
	gate, store, _ := newTestGate(t)
	ctx := context.Background()

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conf := float64((i*37)%n) + 1
			_, err := gate.Apply(ctx, estimate("aa:bb", conf, start), fmt.Sprintf("c%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	rec, err := store.Get(ctx, "aa:bb")
	require.NoError(t, err)
	assert.Equal(t, float64(n), rec.ConfidencePct)
	assert.Equal(t, n, rec.Updates)

	hist, err := store.History(ctx, "aa:bb", 0)
	require.NoError(t, err)
	// History is newest first; committed confidence must strictly decrease
	// going back in time.
	for i := 1; i < len(hist); i++ {
		assert.Greater(t, hist[i-1].ConfidencePct, hist[i].ConfidencePct)
	}
}

func TestGate_EmptyBSSID(t *testing.T) {
	gate, _, _ := newTestGate(t)
	_, err := gate.Apply(context.Background(), fusion.Estimate{}, "c")
	assert.Error(t, err)
}

func TestEffectiveState(t *testing.T) {
	rec := APPosition{State: StateConfirmed, LastSeen: start}
	assert.Equal(t, StateConfirmed, rec.EffectiveState(start.Add(time.Hour), 6*time.Hour))
	assert.Equal(t, StateStale, rec.EffectiveState(start.Add(7*time.Hour), 6*time.Hour))
	assert.Equal(t, StateConfirmed, rec.EffectiveState(start.Add(700*time.Hour), 0))
}

func TestGateConfigFromTuning(t *testing.T) {
	cfg := GateConfigFromTuning(config.EmptyTuningConfig())
	assert.Equal(t, 7*24*time.Hour, cfg.StaleOverride)
	assert.Equal(t, 24*time.Hour, cfg.StaleAfter)
}
