package fusion

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Internal numerical constants, not user-tunable.
const (
	// stepTolM ends the solve once an accepted step moves less than this.
	stepTolM = 1e-3
	// maxDamping is the damping at which the solve is treated as stationary.
	maxDamping = 1e12
	// r95Chi2 is the 95% chi-square quantile for two degrees of freedom.
	r95Chi2 = 5.991
)

// PathLoss is the log-distance propagation model d = 10^((P0 - rssi)/(10 n)).
type PathLoss struct {
	RefRSSI  float64 // P0, dBm at 1 m
	Exponent float64 // n
	MinRange float64
	MaxRange float64
}

// Range converts an RSSI to a distance in metres, clamped to
// [MinRange, MaxRange] when those are set.
func (p PathLoss) Range(rssi float64) float64 {
	n := p.Exponent
	if n <= 0 {
		n = 2
	}
	d := math.Pow(10, (p.RefRSSI-rssi)/(10*n))
	if p.MinRange > 0 && d < p.MinRange {
		d = p.MinRange
	}
	if p.MaxRange > 0 && d > p.MaxRange {
		d = p.MaxRange
	}
	return d
}

// sample is one fixed-channel constraint in the local frame.
type sample struct {
	obs    Observation
	x, y   float64
	z      float64
	rng    float64
	weight float64
}

// Solve estimates the access point position for an eligible window. The
// directional result only scales sample weights. Ineligible windows return
// ErrInsufficientGeometry. Divergence and near-degenerate geometry return a
// weighted-centroid estimate with Fallback set and a nil error.
func Solve(w Window, side DirectionalResult, cfg Config) (Estimate, error) {
	if !w.Eligible {
		if w.Reason != nil {
			return Estimate{}, w.Reason
		}
		return Estimate{}, ErrInsufficientGeometry
	}

	frame := medianFrame(w.Fixed)
	samples := buildSamples(w, frame, cfg)
	geom := receiverSpread(frame, w.Fixed)

	applySideWeights(samples, side, cfg)
	cx, cy := centroid(samples)

	est := Estimate{
		BSSID:       w.BSSID,
		SSID:        dominantSSID(w),
		SampleCount: len(samples),
		Diversity:   geom.Ratio(),
		ObservedAt:  w.End,
		MeanRSSI:    meanRSSI(w.Fixed),
		Channel:     dominantChannel(w.Fixed),
	}

	if geom.Minor < cfg.MinSpreadM || geom.Ratio() < cfg.DegenerateRatio {
		reason := fmt.Errorf("%w: near-degenerate geometry (minor %.2fm, ratio %.3f)", ErrSolverDivergence, geom.Minor, geom.Ratio())
		return fallback(est, frame, samples, cx, cy, reason, cfg), nil
	}

	dims := 2
	z0 := 0.0
	if verticalSpread(samples) >= cfg.MinVerticalSpreadM && cfg.MinVerticalSpreadM > 0 {
		dims = 3
		z0 = weightedMeanZ(samples)
	}

	p := []float64{cx, cy}
	if dims == 3 {
		p = append(p, z0)
	}
	res := levenbergMarquardt(samples, p, cfg)
	est.Iterations = res.iterations
	if !res.converged {
		return fallback(est, frame, samples, cx, cy, res.err, cfg), nil
	}

	est.Lat, est.Lon = frame.toGeo(res.p[0], res.p[1])
	if dims == 3 {
		alt := res.p[2]
		est.Alt = &alt
	}
	est.AccuracyM = math.Max(cfg.MinAccuracyM, rmsResidual(samples, res.p))
	est.CovR95M = res.r95
	est.Method = MethodLM
	return est, nil
}

func buildSamples(w Window, frame enuFrame, cfg Config) []sample {
	span := cfg.WindowDuration
	if span <= 0 {
		span = w.End.Sub(w.Start)
	}
	if span < time.Second {
		span = time.Second
	}

	out := make([]sample, len(w.Fixed))
	for i, o := range w.Fixed {
		x, y := frame.toENU(o.Position.Lat, o.Position.Lon)
		s := sample{obs: o, x: x, y: y, rng: cfg.PathLoss.Range(o.RSSI)}
		if o.Position.HasAlt {
			s.z = o.Position.Alt
		}

		strength := 0.1
		if rssiSpan := cfg.RSSICeilDbm - cfg.RSSIFloorDbm; rssiSpan > 0 {
			strength += clamp01((o.RSSI - cfg.RSSIFloorDbm) / rssiSpan)
		}
		age := w.End.Sub(o.TS)
		recency := 1 / (1 + age.Seconds()/span.Seconds())

		sigma := cfg.BaseSigmaM + cfg.SpeedSigmaK*o.Position.SpeedMps
		if o.Position.HDOP > 1 {
			sigma *= o.Position.HDOP
		}
		if sigma <= 0 {
			sigma = 1
		}
		s.weight = strength * recency / (sigma * sigma)
		out[i] = s
	}
	return out
}

// applySideWeights reduces the weight of samples whose receiver track puts
// the initial centroid on the opposite side from the resolved side. The
// factor is never below 1-SideDownweight, so no sample is excluded.
func applySideWeights(samples []sample, side DirectionalResult, cfg Config) {
	if side.Side != SideLeft && side.Side != SideRight {
		return
	}
	factor := 1 - clamp01(cfg.SideDownweight)*clamp01(side.Confidence)
	if factor <= 0 || factor >= 1 {
		return
	}
	cx, cy := centroid(samples)
	for i := range samples {
		pos := samples[i].obs.Position
		if !pos.HasTrack {
			continue
		}
		rad := pos.TrackDeg * math.Pi / 180
		hx, hy := math.Sin(rad), math.Cos(rad)
		vx, vy := cx-samples[i].x, cy-samples[i].y
		cross := hx*vy - hy*vx
		geomSide := SideLeft
		if cross < 0 {
			geomSide = SideRight
		}
		if cross != 0 && geomSide != side.Side {
			samples[i].weight *= factor
		}
	}
}

// centroid is the inverse-distance-weighted centroid of the receivers.
func centroid(samples []sample) (x, y float64) {
	var sx, sy, sw float64
	for _, s := range samples {
		u := s.weight / s.rng
		sx += u * s.x
		sy += u * s.y
		sw += u
	}
	if sw == 0 {
		return 0, 0
	}
	return sx / sw, sy / sw
}

func fallback(est Estimate, frame enuFrame, samples []sample, cx, cy float64, reason error, cfg Config) Estimate {
	est.Lat, est.Lon = frame.toGeo(cx, cy)
	est.Alt = nil
	est.AccuracyM = math.Max(cfg.MinAccuracyM, rmsResidual(samples, []float64{cx, cy}))
	est.CovR95M = 0
	est.Fallback = true
	est.FallbackReason = reason
	est.Method = MethodCentroid
	return est
}

func verticalSpread(samples []sample) float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, s := range samples {
		if !s.obs.Position.HasAlt {
			return 0
		}
		lo = math.Min(lo, s.z)
		hi = math.Max(hi, s.z)
	}
	if len(samples) == 0 {
		return 0
	}
	return hi - lo
}

func weightedMeanZ(samples []sample) float64 {
	zs := make([]float64, len(samples))
	ws := make([]float64, len(samples))
	for i, s := range samples {
		zs[i] = s.z
		ws[i] = s.weight
	}
	sw := floats.Sum(ws)
	if sw == 0 {
		return 0
	}
	return floats.Dot(zs, ws) / sw
}

func distanceTo(s sample, p []float64) (float64, []float64) {
	d := []float64{p[0] - s.x, p[1] - s.y}
	if len(p) == 3 {
		d = append(d, p[2]-s.z)
	}
	return floats.Norm(d, 2), d
}

func rmsResidual(samples []sample, p []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		dist, _ := distanceTo(s, p)
		r := dist - s.rng
		sum += r * r
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func weightedCost(samples []sample, p []float64) float64 {
	var cost float64
	for _, s := range samples {
		dist, _ := distanceTo(s, p)
		r := dist - s.rng
		cost += s.weight * r * r
	}
	return cost
}

type lmResult struct {
	p          []float64
	converged  bool
	iterations int
	r95        float64
	err        error
}

// normalEquations returns JᵀWJ and JᵀWr at p.
func normalEquations(samples []sample, p []float64) (*mat.SymDense, *mat.VecDense) {
	k := len(p)
	a := mat.NewSymDense(k, nil)
	g := mat.NewVecDense(k, nil)
	for _, s := range samples {
		dist, d := distanceTo(s, p)
		if dist < 1e-9 {
			continue
		}
		r := dist - s.rng
		for i := 0; i < k; i++ {
			ji := d[i] / dist
			g.SetVec(i, g.AtVec(i)+s.weight*ji*r)
			for j := i; j < k; j++ {
				jj := d[j] / dist
				a.SetSym(i, j, a.At(i, j)+s.weight*ji*jj)
			}
		}
	}
	return a, g
}

func levenbergMarquardt(samples []sample, p0 []float64, cfg Config) lmResult {
	k := len(p0)
	p := append([]float64(nil), p0...)
	cost := weightedCost(samples, p)
	lambda := cfg.InitialDamping
	if lambda <= 0 {
		lambda = 1e-3
	}
	limit := 10 * cfg.PathLoss.MaxRange
	if limit <= 0 {
		limit = 1e5
	}

	res := lmResult{}
	for it := 0; it < cfg.MaxIterations; it++ {
		res.iterations = it + 1

		a, g := normalEquations(samples, p)
		if mat.Norm(g, 2) < 1e-12 || cost < 1e-18 {
			res.converged = true
			break
		}

		var trace float64
		for i := 0; i < k; i++ {
			trace += a.At(i, i)
		}
		m := mat.NewSymDense(k, nil)
		m.CopySym(a)
		for i := 0; i < k; i++ {
			m.SetSym(i, i, a.At(i, i)+lambda*math.Max(a.At(i, i), 1e-6*trace/float64(k)))
		}

		var chol mat.Cholesky
		if ok := chol.Factorize(m); !ok {
			lambda *= 10
			if lambda > maxDamping {
				res.err = fmt.Errorf("%w: singular normal matrix", ErrSolverDivergence)
				return res
			}
			continue
		}
		var step mat.VecDense
		if err := chol.SolveVecTo(&step, g); err != nil {
			lambda *= 10
			continue
		}
		step.ScaleVec(-1, &step)

		next := make([]float64, k)
		for i := range next {
			next[i] = p[i] + step.AtVec(i)
		}
		nextCost := weightedCost(samples, next)

		if nextCost < cost {
			rel := (cost - nextCost) / cost
			p, cost = next, nextCost
			lambda = math.Max(lambda/10, 1e-12)
			if floats.Norm(p[:2], 2) > limit {
				res.err = fmt.Errorf("%w: estimate left the search region", ErrSolverDivergence)
				return res
			}
			if rel < cfg.ConvergenceTol || mat.Norm(&step, 2) < stepTolM {
				res.converged = true
				break
			}
			continue
		}

		lambda *= 10
		if lambda > maxDamping {
			// No descent direction remains: p is a stationary point.
			res.converged = true
			break
		}
	}

	if !res.converged {
		res.err = fmt.Errorf("%w: no convergence after %d iterations", ErrSolverDivergence, res.iterations)
		return res
	}
	res.p = p
	res.r95 = covarianceR95(samples, p)
	return res
}

// covarianceR95 returns sqrt(chi2_95 * λmax) of the horizontal block of
// (JᵀWJ)⁻¹, or 0 when the matrix cannot be inverted.
func covarianceR95(samples []sample, p []float64) float64 {
	a, _ := normalEquations(samples, p)
	var chol mat.Cholesky
	if ok := chol.Factorize(a); !ok {
		return 0
	}
	var cov mat.SymDense
	if err := chol.InverseTo(&cov); err != nil {
		return 0
	}
	xy := mat.NewSymDense(2, []float64{
		cov.At(0, 0), cov.At(0, 1),
		cov.At(1, 0), cov.At(1, 1),
	})
	var es mat.EigenSym
	if ok := es.Factorize(xy, false); !ok {
		return 0
	}
	vals := es.Values(nil)
	return math.Sqrt(r95Chi2 * math.Max(0, vals[len(vals)-1]))
}

func meanRSSI(obs []Observation) float64 {
	if len(obs) == 0 {
		return 0
	}
	v := make([]float64, len(obs))
	for i, o := range obs {
		v[i] = o.RSSI
	}
	return floats.Sum(v) / float64(len(v))
}

// dominantChannel returns the most common channel, lowest on ties.
func dominantChannel(obs []Observation) int {
	counts := make(map[int]int)
	for _, o := range obs {
		counts[o.Channel]++
	}
	best, bestN := 0, 0
	for ch, n := range counts {
		if n > bestN || (n == bestN && ch < best) {
			best, bestN = ch, n
		}
	}
	return best
}

// dominantSSID returns the most common non-empty SSID across the window,
// lexically smallest on ties.
func dominantSSID(w Window) string {
	counts := make(map[string]int)
	add := func(o Observation) {
		if o.SSID != "" {
			counts[o.SSID]++
		}
	}
	for _, o := range w.Fixed {
		add(o)
	}
	for _, o := range w.Directional {
		add(o)
	}
	best, bestN := "", 0
	for s, n := range counts {
		if n > bestN || (n == bestN && s < best) {
			best, bestN = s, n
		}
	}
	return best
}
