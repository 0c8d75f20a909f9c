package fusion

import (
	"math"
	"time"
)

// Test geometry is laid out in metres east/north of a fixed origin.
const (
	testLat = 51.5007
	testLon = -0.1246
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PathLoss.RefRSSI = -40
	cfg.PathLoss.Exponent = 2.2
	return cfg
}

func geoAt(x, y float64) (lat, lon float64) {
	return newFrame(testLat, testLon).toGeo(x, y)
}

func enuOf(lat, lon float64) (x, y float64) {
	return newFrame(testLat, testLon).toENU(lat, lon)
}

// rssiAt inverts the path-loss model for a receiver d metres away.
func rssiAt(d float64, pl PathLoss) float64 {
	return pl.RefRSSI - 10*pl.Exponent*math.Log10(d)
}

type rx struct {
	id   string
	x, y float64
}

func fixedObs(bssid string, r rx, rssi float64, ts time.Time) Observation {
	lat, lon := geoAt(r.x, r.y)
	return Observation{
		BSSID:      bssid,
		SSID:       "cafe",
		RSSI:       rssi,
		Channel:    6,
		ReceiverID: ReceiverID(r.id),
		TS:         ts,
		Position: Position{
			Lat:    lat,
			Lon:    lon,
			FixTS:  ts,
			HasFix: true,
		},
	}
}

func sideObs(bssid string, id ReceiverID, rssi float64, ts time.Time) Observation {
	lat, lon := geoAt(0, 0)
	return Observation{
		BSSID:      bssid,
		RSSI:       rssi,
		Channel:    6,
		ReceiverID: id,
		TS:         ts,
		Position:   Position{Lat: lat, Lon: lon, FixTS: ts, HasFix: true, SpeedMps: 5},
	}
}

// ringObservations places n receivers on a circle of radius r around the
// access point at (apX, apY) and gives each the exact path-loss RSSI.
func ringObservations(bssid string, n int, radius, apX, apY float64, pl PathLoss) []Observation {
	out := make([]Observation, 0, n)
	for i := 0; i < n; i++ {
		a := 2 * math.Pi * float64(i) / float64(n)
		r := rx{id: string(rune('a' + i)), x: apX + radius*math.Cos(a), y: apY + radius*math.Sin(a)}
		out = append(out, fixedObs(bssid, r, rssiAt(radius, pl), t0.Add(time.Duration(i)*time.Second)))
	}
	return out
}

func exactObservations(bssid string, receivers []rx, apX, apY float64, pl PathLoss) []Observation {
	out := make([]Observation, 0, len(receivers))
	for i, r := range receivers {
		d := math.Hypot(r.x-apX, r.y-apY)
		out = append(out, fixedObs(bssid, r, rssiAt(d, pl), t0.Add(time.Duration(i)*time.Second)))
	}
	return out
}
