package fusion

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const earthRadiusM = 6378137.0

// enuFrame is a local east/north tangent plane. The equirectangular
// approximation is accurate to well under a metre over the few kilometres a
// window spans.
type enuFrame struct {
	lat0, lon0 float64
	cosLat0    float64
}

func newFrame(lat, lon float64) enuFrame {
	return enuFrame{lat0: lat, lon0: lon, cosLat0: math.Cos(lat * math.Pi / 180)}
}

// medianFrame centres the frame on the median receiver position.
func medianFrame(obs []Observation) enuFrame {
	lats := make([]float64, len(obs))
	lons := make([]float64, len(obs))
	for i, o := range obs {
		lats[i] = o.Position.Lat
		lons[i] = o.Position.Lon
	}
	return newFrame(median(lats), median(lons))
}

func (f enuFrame) toENU(lat, lon float64) (x, y float64) {
	x = earthRadiusM * f.cosLat0 * (lon - f.lon0) * math.Pi / 180
	y = earthRadiusM * (lat - f.lat0) * math.Pi / 180
	return x, y
}

func (f enuFrame) toGeo(x, y float64) (lat, lon float64) {
	lat = f.lat0 + y/earthRadiusM*180/math.Pi
	lon = f.lon0 + x/(earthRadiusM*f.cosLat0)*180/math.Pi
	return lat, lon
}

func median(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	return stat.Quantile(0.5, stat.Empirical, s, nil)
}

// DistanceM returns the great-circle distance in metres between two points.
func DistanceM(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(a)))
}

// spread is the standard deviation of a planar point set along its principal
// axes.
type spread struct {
	Major float64
	Minor float64
}

// Ratio is Minor/Major in [0,1]; zero when the set has no extent.
func (s spread) Ratio() float64 {
	if s.Major <= 0 {
		return 0
	}
	return math.Min(1, s.Minor/s.Major)
}

func planarSpread(xs, ys []float64) spread {
	n := len(xs)
	if n < 2 {
		return spread{}
	}
	data := make([]float64, 0, 2*n)
	for i := range xs {
		data = append(data, xs[i], ys[i])
	}
	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, mat.NewDense(n, 2, data), nil)

	var es mat.EigenSym
	if ok := es.Factorize(&cov, false); !ok {
		return spread{}
	}
	vals := es.Values(nil) // ascending
	return spread{
		Major: math.Sqrt(math.Max(0, vals[1])),
		Minor: math.Sqrt(math.Max(0, vals[0])),
	}
}

// receiverSpread projects the fixed observations into f and returns their
// planar spread.
func receiverSpread(f enuFrame, obs []Observation) spread {
	xs := make([]float64, len(obs))
	ys := make([]float64, len(obs))
	for i, o := range obs {
		xs[i], ys[i] = f.toENU(o.Position.Lat, o.Position.Lon)
	}
	return planarSpread(xs, ys)
}
