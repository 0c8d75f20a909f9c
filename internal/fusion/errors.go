package fusion

import "errors"

var (
	// ErrInsufficientGeometry means a window has too few distinct fixed-channel
	// receivers, or their positions are collinear. No estimate is produced.
	ErrInsufficientGeometry = errors.New("insufficient geometry")

	// ErrSolverDivergence means the iterative solve did not converge or the
	// geometry was too close to degenerate. A centroid fallback is returned.
	ErrSolverDivergence = errors.New("solver divergence")

	// ErrStaleFix marks an observation whose receiver fix is missing or older
	// than the configured maximum age. It is excluded from geometry only.
	ErrStaleFix = errors.New("stale position fix")

	// ErrAmbiguousSide is informational: both directional receivers heard the
	// access point within the side threshold.
	ErrAmbiguousSide = errors.New("ambiguous side")
)
