package ingest

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/aplocate/internal/fusion"
	"github.com/banshee-data/aplocate/internal/monitoring"
	"github.com/banshee-data/aplocate/internal/timeutil"
)

type fakePort struct {
	io.Reader
	closed atomic.Bool
}

func (p *fakePort) Close() error {
	p.closed.Store(true)
	return nil
}

const probeOutput = `ets Jul 29 2019 12:21:46
{"bssid":"aa:bb:cc:00:00:01","ssid":"cafe","rssi":-61,"ch":6}
{"bssid":"aa:bb:cc:00:00:02","rssi":-72,"channel":11}
{"bssid":"broken"
{"ssid":"no-bssid","rssi":-50}
`

func TestSerialProbe_Monitor(t *testing.T) {
	monitoring.SetLogger(nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	buf := NewCaptureBuffer(10)
	probe := &SerialProbe{
		Device:    Device{Node: "3", Path: "/dev/ttyACM3"},
		Buffer:    buf,
		Positions: StaticPosition{Lat: 52.2, Lon: 0.12},
		Clock:     timeutil.NewMockClock(now),
	}

	err := probe.Monitor(context.Background(), &fakePort{Reader: strings.NewReader(probeOutput)})
	require.NoError(t, err)

	obs := buf.Drain()
	require.Len(t, obs, 2)
	assert.Equal(t, "aa:bb:cc:00:00:01", obs[0].BSSID)
	assert.Equal(t, fusion.ReceiverID("3"), obs[0].ReceiverID)
	assert.Equal(t, 6, obs[0].Channel)
	assert.Equal(t, 11, obs[1].Channel)
	assert.True(t, obs[0].TS.Equal(now))
	assert.True(t, obs[0].Position.HasFix)
	assert.True(t, obs[0].Position.FixTS.Equal(now), "static positions are stamped fresh")
}

func TestSerialProbe_MonitorCancelled(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	probe := &SerialProbe{
		Buffer:    NewCaptureBuffer(10),
		Positions: StaticPosition{},
		Clock:     timeutil.NewMockClock(time.Now()),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- probe.Monitor(ctx, &fakePort{Reader: pr}) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after cancel")
	}
}

func TestSerialProbe_RunReopensAfterFailure(t *testing.T) {
	monitoring.SetLogger(nil)
	var opens atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buf := NewCaptureBuffer(10)
	clock := timeutil.NewMockClock(time.Now())
	probe := &SerialProbe{
		Device:     Device{Node: "1", Path: "/dev/null"},
		Buffer:     buf,
		Positions:  StaticPosition{},
		Clock:      clock,
		RetryDelay: time.Millisecond,
		Open: func(path string, opts PortOptions) (Port, error) {
			if opens.Add(1) == 1 {
				return nil, errors.New("device busy")
			}
			return &fakePort{Reader: strings.NewReader(`{"bssid":"ap","rssi":-50}` + "\n")}, nil
		},
	}

	done := make(chan error, 1)
	go func() { done <- probe.Run(ctx) }()
	require.Eventually(t, func() bool {
		clock.Advance(time.Millisecond)
		return buf.Len() > 0
	}, 2*time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.GreaterOrEqual(t, opens.Load(), int32(2))
}

func TestSerialProbe_RunWaitsOnClock(t *testing.T) {
	monitoring.SetLogger(nil)
	var opens atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	probe := &SerialProbe{
		Device:     Device{Node: "1", Path: "/dev/ttyUSB0"},
		Buffer:     NewCaptureBuffer(10),
		Positions:  StaticPosition{},
		Clock:      clock,
		RetryDelay: time.Hour,
		Open: func(path string, opts PortOptions) (Port, error) {
			opens.Add(1)
			return nil, errors.New("device busy")
		},
	}

	done := make(chan error, 1)
	go func() { done <- probe.Run(ctx) }()
	require.Eventually(t, func() bool { return opens.Load() == 1 }, 2*time.Second, time.Millisecond)

	// The retry only happens once the injected clock passes the delay.
	require.Eventually(t, func() bool {
		clock.Advance(time.Hour)
		return opens.Load() >= 2
	}, 2*time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
