package ingest

import (
	"bufio"
	"context"
	"time"

	"github.com/banshee-data/aplocate/internal/fusion"
	"github.com/banshee-data/aplocate/internal/monitoring"
	"github.com/banshee-data/aplocate/internal/timeutil"
)

var logf = monitoring.Component("ingest")

// SerialProbe reads NDJSON frames from one probe and adds an observation per
// valid frame to a shared CaptureBuffer.
type SerialProbe struct {
	Device    Device
	Buffer    *CaptureBuffer
	Positions PositionProvider
	Clock     timeutil.Clock
	Open      Opener
	// RetryDelay is the pause before reopening a failed port.
	RetryDelay time.Duration
}

// NewSerialProbe returns a probe that opens real serial ports.
func NewSerialProbe(dev Device, buf *CaptureBuffer, positions PositionProvider) *SerialProbe {
	return &SerialProbe{
		Device:     dev,
		Buffer:     buf,
		Positions:  positions,
		Clock:      timeutil.RealClock{},
		Open:       OpenSerial,
		RetryDelay: 2 * time.Second,
	}
}

// Run keeps the port open until ctx is cancelled, reopening it after errors.
func (p *SerialProbe) Run(ctx context.Context) error {
	for {
		port, err := p.Open(p.Device.Path, p.Device.Options)
		if err != nil {
			logf("%s: open %s: %v", p.Device.Node, p.Device.Path, err)
		} else {
			err = p.Monitor(ctx, port)
			port.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				logf("%s: read %s: %v", p.Device.Node, p.Device.Path, err)
			}
		}

		if err := p.wait(ctx, p.RetryDelay); err != nil {
			return err
		}
	}
}

func (p *SerialProbe) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	clock := p.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	t := clock.NewTicker(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}

// Monitor reads lines from port until EOF, a read error or ctx cancellation.
// Invalid frames are skipped.
func (p *SerialProbe) Monitor(ctx context.Context, port Port) error {
	scan := bufio.NewScanner(port)

	lineChan := make(chan []byte)
	scanErrChan := make(chan error, 1)

	// The blocking Scan runs on its own goroutine so cancellation is observed
	// promptly; closing the port unblocks it.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			line := append([]byte(nil), scan.Bytes()...)
			select {
			case lineChan <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErrChan <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErrChan:
			return err
		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return err
				default:
					return nil
				}
			}
			p.handleLine(line)
		}
	}
}

func (p *SerialProbe) handleLine(line []byte) {
	frame, ok, err := ParseFrame(line)
	if err != nil || !ok {
		return
	}
	now := p.Clock.Now()
	pos, err := p.Positions.Position()
	if err != nil {
		logf("%s: position: %v", p.Device.Node, err)
	}
	if pos.HasFix && pos.FixTS.IsZero() {
		pos.FixTS = now
	}
	p.Buffer.Add(fusion.Observation{
		BSSID:      frame.BSSID,
		SSID:       frame.SSID,
		RSSI:       frame.RSSI,
		Channel:    frame.Channel,
		ReceiverID: p.Device.Node,
		TS:         now,
		Position:   pos,
	})
}
