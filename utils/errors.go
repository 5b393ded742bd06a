package utils

import "github.com/pkg/errors"

// The error kinds shared across the SLAM core. Per-sample and per-scan kinds
// are local and never abort a stream; only ErrConfigInvalid is fatal.
var (
	// ErrOutOfOrder reports a timestamp monotonicity violation; the offending
	// sample or scan is dropped.
	ErrOutOfOrder = errors.New("timestamp out of order")

	// ErrNotReady reports a query made before any anchor exists or before the
	// required samples have arrived; the caller retries.
	ErrNotReady = errors.New("not ready")

	// ErrUnderconstrained reports insufficient correspondences, views, or
	// parallax; the operation is skipped.
	ErrUnderconstrained = errors.New("underconstrained")

	// ErrOutlier reports a matcher result violating outlier thresholds; the
	// constraint is not added.
	ErrOutlier = errors.New("outlier")

	// ErrMatcherFailure reports matcher non-convergence; never fatal.
	ErrMatcherFailure = errors.New("matcher failure")

	// ErrConfigInvalid reports missing or malformed configuration at startup.
	ErrConfigInvalid = errors.New("config invalid")

	// ErrExtrinsicsMissing reports an unavailable frame-to-frame transform;
	// the caller skips the affected measurement or retries later.
	ErrExtrinsicsMissing = errors.New("extrinsics missing")
)
