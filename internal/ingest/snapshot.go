package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/aplocate/internal/fsutil"
	"github.com/banshee-data/aplocate/internal/fusion"
	"github.com/banshee-data/aplocate/internal/timeutil"
)

// DefaultSnapshotPoll is how often Run rereads the snapshot file. It stays
// well under the default stale-fix age so every record can be paired with a
// fix taken close to its own timestamp.
const DefaultSnapshotPoll = 500 * time.Millisecond

// maxFixHistory bounds the GPS fixes remembered across polls.
const maxFixHistory = 256

// Snapshot is the rolling capture file written by the capture service.
type Snapshot struct {
	TS      float64          `json:"ts"`
	GPS     GPSBlock         `json:"gps"`
	Records []snapshotRecord `json:"observations"`
}

type snapshotRecord struct {
	TS        float64         `json:"ts"`
	Node      string          `json:"node"`
	BSSID     string          `json:"bssid"`
	SSID      string          `json:"ssid"`
	RSSI      *float64        `json:"rssi"`
	Channel   json.RawMessage `json:"channel"`
	Frequency json.RawMessage `json:"frequency"`
}

// ParseSnapshot decodes a capture snapshot.
func ParseSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, nil
}

// Observations converts the snapshot, attaching the GPS block to every
// record. Records without a BSSID or RSSI are skipped.
func (s Snapshot) Observations() []fusion.Observation {
	pos := s.GPS.position()
	return s.observations(func(time.Time) fusion.Position { return pos })
}

func (s Snapshot) observations(fixAt func(time.Time) fusion.Position) []fusion.Observation {
	out := make([]fusion.Observation, 0, len(s.Records))
	for _, r := range s.Records {
		bssid := strings.ToLower(strings.TrimSpace(r.BSSID))
		if bssid == "" || r.RSSI == nil {
			continue
		}
		ts := unixSeconds(r.TS)
		o := fusion.Observation{
			BSSID:      bssid,
			SSID:       strings.TrimSpace(r.SSID),
			RSSI:       *r.RSSI,
			ReceiverID: nodeID(r.Node),
			TS:         ts,
			Position:   fixAt(ts),
		}
		if ch, ok := number(r.Channel); ok {
			o.Channel = int(ch)
		}
		out = append(out, o)
	}
	return out
}

// SnapshotSource polls a capture snapshot file. The file is rewritten many
// times between cycles and holds records spanning the whole interval, while
// its GPS block only describes the latest fix. The source therefore remembers
// the fixes it has seen and pairs each record with the one nearest its own
// timestamp. Each record is returned once, since consecutive snapshots
// overlap.
type SnapshotSource struct {
	Path  string
	FS    fsutil.FileSystem
	Clock timeutil.Clock

	mu        sync.Mutex
	watermark time.Time
	fixes     []fusion.Position // ordered by FixTS
	pending   []fusion.Observation
}

// NewSnapshotSource returns a source reading path from the OS filesystem.
func NewSnapshotSource(path string) *SnapshotSource {
	return &SnapshotSource{Path: path, FS: fsutil.OSFileSystem{}, Clock: timeutil.RealClock{}}
}

// Run polls the file every interval until ctx is cancelled, queueing new
// records for Next. Read errors are logged and polling continues.
func (s *SnapshotSource) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSnapshotPoll
	}
	clock := s.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if err := s.Poll(ctx); err != nil {
				logf("snapshot %s: %v", s.Path, err)
			}
		}
	}
}

// Poll reads the file once and queues records newer than any seen before.
// A missing file is not an error.
func (s *SnapshotSource) Poll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := s.FS.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read snapshot %s: %w", s.Path, err)
	}
	snap, err := ParseSnapshot(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current := snap.GPS.position()
	s.rememberFix(current)
	latest := s.watermark
	for _, o := range snap.observations(func(ts time.Time) fusion.Position { return s.nearestFix(ts, current) }) {
		if !o.TS.After(s.watermark) {
			continue
		}
		if o.TS.After(latest) {
			latest = o.TS
		}
		s.pending = append(s.pending, o)
	}
	s.watermark = latest
	return nil
}

// Next polls once more and returns every queued observation.
func (s *SnapshotSource) Next(ctx context.Context) ([]fusion.Observation, error) {
	if err := s.Poll(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out, nil
}

func (s *SnapshotSource) rememberFix(p fusion.Position) {
	if !p.HasFix {
		return
	}
	if n := len(s.fixes); n > 0 && !p.FixTS.After(s.fixes[n-1].FixTS) {
		return
	}
	s.fixes = append(s.fixes, p)
	if len(s.fixes) > maxFixHistory {
		s.fixes = append(s.fixes[:0], s.fixes[len(s.fixes)-maxFixHistory:]...)
	}
}

// nearestFix returns the remembered fix closest in time to ts, or fallback
// when none is known.
func (s *SnapshotSource) nearestFix(ts time.Time, fallback fusion.Position) fusion.Position {
	if len(s.fixes) == 0 {
		return fallback
	}
	i := sort.Search(len(s.fixes), func(i int) bool { return !s.fixes[i].FixTS.Before(ts) })
	switch {
	case i == 0:
		return s.fixes[0]
	case i == len(s.fixes):
		return s.fixes[i-1]
	}
	before, after := s.fixes[i-1], s.fixes[i]
	if ts.Sub(before.FixTS) <= after.FixTS.Sub(ts) {
		return before
	}
	return after
}
