// Package export renders stored access point positions as GeoJSON.
package export

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"

	"github.com/banshee-data/aplocate/internal/apstore"
	"github.com/banshee-data/aplocate/internal/fsutil"
	"github.com/banshee-data/aplocate/internal/security"
)

// circleVertices is the number of vertices in an accuracy polygon.
const circleVertices = 32

// Options control what FeatureCollection emits.
type Options struct {
	Now        time.Time
	StaleAfter time.Duration
	// Circles adds a polygon feature per position approximating its
	// accuracy radius.
	Circles bool
}

// FeatureCollection returns one Point feature per position, in input order,
// with a bounding box covering all of them.
func FeatureCollection(positions []apstore.APPosition, opts Options) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	if len(positions) == 0 {
		return fc
	}

	points := make(orb.MultiPoint, 0, len(positions))
	for _, p := range positions {
		pt := orb.Point{p.Lon, p.Lat}
		points = append(points, pt)
		fc.Append(pointFeature(p, pt, opts))
		if opts.Circles {
			fc.Append(circleFeature(p, pt))
		}
	}
	fc.BBox = geojson.NewBBox(points.Bound())
	return fc
}

func pointFeature(p apstore.APPosition, pt orb.Point, opts Options) *geojson.Feature {
	f := geojson.NewFeature(pt)
	f.ID = p.BSSID
	f.Properties["bssid"] = p.BSSID
	f.Properties["ssid"] = p.SSID
	f.Properties["confidence_pct"] = round(p.ConfidencePct, 1)
	f.Properties["accuracy_m"] = round(p.ErrM, 2)
	f.Properties["cov_r95_m"] = round(p.CovR95M, 2)
	f.Properties["side"] = string(p.Side)
	f.Properties["side_confidence"] = round(p.SideConfidence, 3)
	f.Properties["samples"] = p.SampleCount
	f.Properties["state"] = string(p.EffectiveState(opts.Now, opts.StaleAfter))
	f.Properties["updates"] = p.Updates
	f.Properties["last_rssi"] = round(p.LastRSSI, 1)
	f.Properties["channel"] = p.LastChannel
	f.Properties["last_seen"] = p.LastSeen.UTC().Format(time.RFC3339)
	f.Properties["updated"] = p.Updated.UTC().Format(time.RFC3339)
	if p.Alt != nil {
		f.Properties["alt_m"] = round(*p.Alt, 2)
	}
	return f
}

func circleFeature(p apstore.APPosition, center orb.Point) *geojson.Feature {
	radius := p.ErrM
	if p.CovR95M > radius {
		radius = p.CovR95M
	}
	ring := make(orb.Ring, 0, circleVertices+1)
	for i := 0; i < circleVertices; i++ {
		bearing := 360 * float64(i) / circleVertices
		ring = append(ring, geo.PointAtBearingAndDistance(center, bearing, radius))
	}
	ring = append(ring, ring[0])

	f := geojson.NewFeature(orb.Polygon{ring})
	f.ID = p.BSSID + "#accuracy"
	f.Properties["bssid"] = p.BSSID
	f.Properties["radius_m"] = round(radius, 2)
	return f
}

// WriteFile marshals fc and writes it atomically to path, which must resolve
// inside dir.
func WriteFile(fsys fsutil.FileSystem, path, dir string, fc *geojson.FeatureCollection) error {
	if err := security.ValidatePathWithinDirectory(path, dir); err != nil {
		return err
	}
	data, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal geojson: %w", err)
	}
	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	return fsutil.WriteFileAtomic(fsys, path, data, os.FileMode(0o644))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
