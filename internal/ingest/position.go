package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/aplocate/internal/fsutil"
	"github.com/banshee-data/aplocate/internal/fusion"
)

// PositionProvider returns the receiver platform's latest position.
type PositionProvider interface {
	Position() (fusion.Position, error)
}

// StaticPosition is a fixed, always-fresh position for stationary probes.
// FixTS is stamped by the probe when the observation is taken.
type StaticPosition struct {
	Lat, Lon float64
	Alt      *float64
}

func (s StaticPosition) Position() (fusion.Position, error) {
	p := fusion.Position{Lat: s.Lat, Lon: s.Lon, HasFix: true}
	if s.Alt != nil {
		p.Alt = *s.Alt
		p.HasAlt = true
	}
	return p, nil
}

// GPSFile reads the JSON fix published by the GPS daemon.
type GPSFile struct {
	Path string
	FS   fsutil.FileSystem
}

type gpsFix struct {
	TSUTC    json.RawMessage `json:"ts_utc"`
	Lat      *float64        `json:"lat"`
	Lon      *float64        `json:"lon"`
	Alt      *float64        `json:"alt"`
	SpeedMps *float64        `json:"speed_mps"`
	TrackDeg *float64        `json:"track_deg_stable"`
	Mode     int             `json:"mode"`
	Fix      string          `json:"fix"`
	HDOP     *float64        `json:"hdop"`
}

func (g GPSFile) Position() (fusion.Position, error) {
	data, err := g.FS.ReadFile(g.Path)
	if err != nil {
		return fusion.Position{}, fmt.Errorf("read gps: %w", err)
	}
	var fix gpsFix
	if err := json.Unmarshal(data, &fix); err != nil {
		return fusion.Position{}, fmt.Errorf("decode gps: %w", err)
	}
	return GPSBlock{
		TSUTC:    fix.TSUTC,
		Lat:      fix.Lat,
		Lon:      fix.Lon,
		Alt:      fix.Alt,
		SpeedMps: fix.SpeedMps,
		TrackDeg: fix.TrackDeg,
		Mode:     fix.Mode,
		Fix:      fix.Fix,
		HDOP:     fix.HDOP,
	}.position(), nil
}

// GPSBlock is the GPS section of a capture snapshot.
type GPSBlock struct {
	TSUTC    json.RawMessage `json:"gps_ts_utc"`
	Lat      *float64        `json:"gps_lat"`
	Lon      *float64        `json:"gps_lon"`
	Alt      *float64        `json:"gps_alt"`
	SpeedMps *float64        `json:"gps_speed_mps"`
	TrackDeg *float64        `json:"gps_track_deg"`
	Mode     int             `json:"gps_mode"`
	Fix      string          `json:"gps_fix"`
	HDOP     *float64        `json:"gps_hdop"`
}

// position converts the block. Without a 2D fix HasFix is false, so every
// observation carrying it is excluded from geometry as a stale fix.
func (g GPSBlock) position() fusion.Position {
	var p fusion.Position
	if g.Lat == nil || g.Lon == nil || g.Mode < 2 || strings.EqualFold(strings.TrimSpace(g.Fix), "NO FIX") {
		return p
	}
	p.Lat, p.Lon = *g.Lat, *g.Lon
	if ts, ok := parseTimestamp(g.TSUTC); ok {
		p.FixTS = ts
		p.HasFix = true
	}
	if g.Alt != nil && g.Mode >= 3 {
		p.Alt = *g.Alt
		p.HasAlt = true
	}
	if g.SpeedMps != nil {
		p.SpeedMps = *g.SpeedMps
	}
	if g.TrackDeg != nil {
		p.TrackDeg = *g.TrackDeg
		p.HasTrack = true
	}
	if g.HDOP != nil {
		p.HDOP = *g.HDOP
	}
	return p
}

// parseTimestamp accepts RFC 3339 strings or unix seconds, as a number or a
// string.
func parseTimestamp(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC(), true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return unixSeconds(f), true
		}
		return time.Time{}, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return unixSeconds(f), true
	}
	return time.Time{}, false
}

func unixSeconds(f float64) time.Time {
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
