package ingest

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/aplocate/internal/fsutil"
	"github.com/banshee-data/aplocate/internal/fusion"
	"github.com/banshee-data/aplocate/internal/monitoring"
	"github.com/banshee-data/aplocate/internal/timeutil"
)

const snapshotJSON = `{
  "ts": 1772366410.0,
  "gps": {
    "gps_ts_utc": "2026-03-01T12:00:09Z",
    "gps_lat": 52.2053, "gps_lon": 0.1218, "gps_alt": 14.5,
    "gps_speed_mps": 6.2, "gps_track_deg": 91.5,
    "gps_mode": 3, "gps_fix": "3D"
  },
  "observations": [
    {"ts": 1772366408.5, "node": "1", "bssid": "AA:BB:CC:00:00:01", "ssid": "cafe", "rssi": -61, "channel": 6},
    {"ts": 1772366409.0, "node": "left", "bssid": "aa:bb:cc:00:00:01", "ssid": "", "rssi": -58, "channel": "6"},
    {"ts": 1772366409.5, "node": "2", "bssid": "", "rssi": -70},
    {"ts": 1772366409.5, "node": "2", "bssid": "aa:bb:cc:00:00:02"}
  ]
}`

func TestParseSnapshot(t *testing.T) {
	snap, err := ParseSnapshot([]byte(snapshotJSON))
	require.NoError(t, err)

	obs := snap.Observations()
	require.Len(t, obs, 2)

	o := obs[0]
	assert.Equal(t, "aa:bb:cc:00:00:01", o.BSSID)
	assert.Equal(t, fusion.ReceiverID("1"), o.ReceiverID)
	assert.Equal(t, 6, o.Channel)
	assert.True(t, o.TS.Equal(time.Date(2026, 3, 1, 12, 0, 8, 500_000_000, time.UTC)))
	assert.True(t, o.Position.HasFix)
	assert.True(t, o.Position.HasAlt)
	assert.True(t, o.Position.HasTrack)
	assert.Equal(t, 14.5, o.Position.Alt)
	assert.Equal(t, 6.2, o.Position.SpeedMps)
	assert.True(t, o.Position.FixTS.Equal(time.Date(2026, 3, 1, 12, 0, 9, 0, time.UTC)))

	assert.Equal(t, fusion.ReceiverLeft, obs[1].ReceiverID)
	assert.Equal(t, 6, obs[1].Channel)

	_, err = ParseSnapshot([]byte("{"))
	assert.Error(t, err)
}

func TestSnapshotNoFix(t *testing.T) {
	snap, err := ParseSnapshot([]byte(`{"gps":{"gps_lat":1,"gps_lon":2,"gps_mode":0,"gps_fix":"NO FIX"},
		"observations":[{"ts":1,"node":"1","bssid":"x","rssi":-50}]}`))
	require.NoError(t, err)
	obs := snap.Observations()
	require.Len(t, obs, 1)
	assert.False(t, obs[0].Position.HasFix)
}

func TestSnapshotSource_ReturnsOnlyNewRecords(t *testing.T) {
	mem := fsutil.NewMemoryFileSystem()
	src := &SnapshotSource{Path: "/dev/shm/wifi_capture.json", FS: mem}
	ctx := context.Background()

	got, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Empty(t, got, "missing file is an empty batch")

	require.NoError(t, mem.WriteFile(src.Path, []byte(snapshotJSON), 0o644))
	got, err = src.Next(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = src.Next(ctx)
	require.NoError(t, err)
	assert.Empty(t, got, "same snapshot twice yields nothing new")

	require.NoError(t, mem.WriteFile(src.Path, []byte(`{"gps":{},"observations":[
		{"ts":1772366409.0,"node":"1","bssid":"old","rssi":-50},
		{"ts":1772366420.0,"node":"1","bssid":"new","rssi":-50}]}`), 0o644))
	got, err = src.Next(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].BSSID)

	require.NoError(t, mem.WriteFile(src.Path, []byte("not json"), 0o644))
	_, err = src.Next(ctx)
	assert.Error(t, err)
}

// rollingSnapshot renders the capture file as it looks at second now: the
// latest GPS fix plus every record captured up to then, one per second from
// second 1, each from a different node.
func rollingSnapshot(now int) string {
	const base = 1772366400 // 2026-03-01T12:00:00Z
	var recs []string
	for sec := 1; sec <= now && sec <= 9; sec += 2 {
		recs = append(recs, fmt.Sprintf(`{"ts":%d,"node":"%d","bssid":"aa:bb:cc:00:00:01","rssi":-60}`, base+sec, sec/2+1))
	}
	return fmt.Sprintf(`{"ts":%d,"gps":{"gps_ts_utc":%d,"gps_lat":%.5f,"gps_lon":0.1218,"gps_mode":2,"gps_fix":"2D"},
		"observations":[%s]}`, base+now, base+now, 52.2+float64(now)*1e-4, strings.Join(recs, ","))
}

func TestSnapshotSource_PairsRecordsWithNearestFix(t *testing.T) {
	mem := fsutil.NewMemoryFileSystem()
	src := &SnapshotSource{Path: "/dev/shm/wifi_capture.json", FS: mem}
	ctx := context.Background()

	for now := 0; now < 10; now++ {
		require.NoError(t, mem.WriteFile(src.Path, []byte(rollingSnapshot(now)), 0o644))
		require.NoError(t, src.Poll(ctx))
	}
	require.NoError(t, mem.WriteFile(src.Path, []byte(rollingSnapshot(10)), 0o644))
	batch, err := src.Next(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 5)

	for _, o := range batch {
		assert.True(t, o.Position.FixTS.Equal(o.TS), "record at %s paired with fix at %s", o.TS, o.Position.FixTS)
	}
	windows := fusion.Aggregate(batch, fusion.DefaultConfig())
	require.Len(t, windows, 1)
	assert.Zero(t, windows[0].StaleCount())
	assert.Len(t, windows[0].Fixed, 5)

	// Read once with only the latest fix, the older records would be stale.
	snap, err := ParseSnapshot([]byte(rollingSnapshot(10)))
	require.NoError(t, err)
	windows = fusion.Aggregate(snap.Observations(), fusion.DefaultConfig())
	require.Len(t, windows, 1)
	assert.Equal(t, 4, windows[0].StaleCount())
}

func TestSnapshotSource_NearestFixBounds(t *testing.T) {
	src := &SnapshotSource{}
	fallback := fusion.Position{Lat: 9}
	ts := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	assert.Equal(t, fallback, src.nearestFix(ts, fallback), "no history uses the current block")

	for _, sec := range []int{2, 4, 8} {
		src.rememberFix(fusion.Position{Lat: float64(sec), HasFix: true, FixTS: ts.Add(time.Duration(sec-5) * time.Second)})
	}
	src.rememberFix(fusion.Position{Lat: 99, HasFix: true, FixTS: ts.Add(-3 * time.Second)})
	src.rememberFix(fusion.Position{Lat: 98})
	require.Len(t, src.fixes, 3, "out of order and fixless blocks are ignored")

	at := func(sec int) float64 { return src.nearestFix(ts.Add(time.Duration(sec-5)*time.Second), fallback).Lat }
	assert.Equal(t, 2.0, at(0))
	assert.Equal(t, 4.0, at(5))
	assert.Equal(t, 8.0, at(7))
	assert.Equal(t, 8.0, at(20))

	for i := 0; i < maxFixHistory+10; i++ {
		src.rememberFix(fusion.Position{HasFix: true, FixTS: ts.Add(time.Duration(i+10) * time.Second)})
	}
	assert.Len(t, src.fixes, maxFixHistory)
}

func TestSnapshotSource_RunPollsOnClock(t *testing.T) {
	monitoring.SetLogger(nil)
	mem := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	src := &SnapshotSource{Path: "/dev/shm/wifi_capture.json", FS: mem, Clock: clock}
	require.NoError(t, mem.WriteFile(src.Path, []byte(rollingSnapshot(3)), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, time.Second) }()

	queued := func() int {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.pending)
	}
	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return queued() == 2
	}, 2*time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	batch, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, batch, 2)
}

func TestGPSFile(t *testing.T) {
	mem := fsutil.NewMemoryFileSystem()
	g := GPSFile{Path: "/tmp/gps.json", FS: mem}

	_, err := g.Position()
	assert.Error(t, err)

	require.NoError(t, mem.WriteFile(g.Path, []byte(`{"ts_utc":1772366400.25,"lat":52.2,"lon":0.12,
		"alt":9,"speed_mps":1.5,"mode":2,"fix":"2D","hdop":1.8}`), 0o644))
	pos, err := g.Position()
	require.NoError(t, err)
	assert.True(t, pos.HasFix)
	assert.False(t, pos.HasAlt, "altitude needs a 3D fix")
	assert.False(t, pos.HasTrack)
	assert.Equal(t, 1.8, pos.HDOP)
	assert.True(t, pos.FixTS.Equal(time.Date(2026, 3, 1, 12, 0, 0, 250_000_000, time.UTC)))
}
