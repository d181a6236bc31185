package inn

import "errors"

// Sentinel errors. Functions wrap these with the failing call's name,
// match them with errors.Is.
var (
	// ErrShape is returned when an input has a rank or trailing shape
	// that the layer or distribution was not built for.
	ErrShape = errors.New("inn: invalid input shape")

	// ErrConfig is returned for invalid hyperparameters, e.g. an even
	// convolution kernel or a non-positive dimension.
	ErrConfig = errors.New("inn: invalid configuration")

	// ErrLipschitz is returned when a residual block's network cannot
	// guarantee a Lipschitz constant strictly below 1.
	ErrLipschitz = errors.New("inn: lipschitz bound must be below 1")

	// ErrNotConverged is returned when a fixed-point inversion exhausts
	// its iteration budget before reaching its tolerance.
	ErrNotConverged = errors.New("inn: fixed-point iteration did not converge")
)
