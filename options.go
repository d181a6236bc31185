package inn

import (
	"sync"

	"golang.org/x/exp/rand"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/inn/envconfig"
)

// Defaults for layer hyperparameters
const (
	DefaultEps        = 1e-8
	DefaultIterations = 1   // Hutchinson probes per log-det estimate
	DefaultTerms      = 10  // Power-series truncation order
	DefaultBeta       = 0.8 // Lipschitz target of residual networks
	DefaultWidth      = 8   // Hidden width multiplier of sub-networks
	DefaultKernel     = 3
	DefaultMaxIter    = 100 // Fixed-point iteration budget
	DefaultTolerance  = 1e-6
	DefaultCoeff      = 1.0 // Spectral norm target
)

// Option configures a layer at construction. Each constructor reads only
// the options it documents.
type Option func(*options)

type options struct {
	eps        float64
	clip       float64
	mask       *tensor.Dense
	positiveS  bool
	seed       uint64
	seeded     bool
	numIter    int
	numN       int
	beta       float64
	width      int
	kernel     int
	maxIter    int
	tol        float64
	activation Activation
	dropout    float64
	coeff      float64
	exact      bool
	powerIters int
}

func gatherOptions(opts []Option) *options {
	o := &options{
		eps:        DefaultEps,
		numIter:    DefaultIterations,
		numN:       DefaultTerms,
		beta:       DefaultBeta,
		width:      DefaultWidth,
		kernel:     DefaultKernel,
		maxIter:    DefaultMaxIter,
		tol:        DefaultTolerance,
		coeff:      DefaultCoeff,
		powerIters: envconfig.PowerIterations,
	}
	for _, opt := range opts {
		opt(o)
	}
	if !o.seeded {
		o.seed = nextSeed()
	}
	return o
}

// WithEps sets the numerical floor added before divisions and logs
func WithEps(eps float64) Option {
	return func(o *options) { o.eps = eps }
}

// WithClip soft-clamps coupling log-scales to [-clip, clip]
func WithClip(clip float64) Option {
	return func(o *options) { o.clip = clip }
}

// WithMask sets the coupling mask. The mask holds one sample's shape.
func WithMask(mask *tensor.Dense) Option {
	return func(o *options) { o.mask = mask }
}

// WithPositiveS stores the PLU diagonal as log(s), forcing s > 0
func WithPositiveS() Option {
	return func(o *options) { o.positiveS = true }
}

// WithSeed seeds the layer's random initialization and sampling
func WithSeed(seed uint64) Option {
	return func(o *options) {
		o.seed = seed
		o.seeded = true
	}
}

// WithIterations sets the number of independent probes of the log-det
// estimator
func WithIterations(n int) Option {
	return func(o *options) { o.numIter = n }
}

// WithTerms sets the power-series truncation order of the log-det
// estimator. Terms 1 through n-1 are summed.
func WithTerms(n int) Option {
	return func(o *options) { o.numN = n }
}

// WithBeta sets the Lipschitz target of a contractive network
func WithBeta(beta float64) Option {
	return func(o *options) { o.beta = beta }
}

// WithWidth sets the hidden width multiplier of sub-networks
func WithWidth(w int) Option {
	return func(o *options) { o.width = w }
}

// WithKernel sets the convolution kernel size
func WithKernel(k int) Option {
	return func(o *options) { o.kernel = k }
}

// WithSolver sets the fixed-point iteration budget and tolerance
func WithSolver(maxIter int, tol float64) Option {
	return func(o *options) {
		o.maxIter = maxIter
		o.tol = tol
	}
}

// WithActivation sets the nonlinearity of sub-networks
func WithActivation(a Activation) Option {
	return func(o *options) { o.activation = a }
}

// WithDropout sets the dropout probability applied in training mode
func WithDropout(p float64) Option {
	return func(o *options) { o.dropout = p }
}

// WithCoefficient sets the spectral norm target
func WithCoefficient(c float64) Option {
	return func(o *options) { o.coeff = c }
}

// WithExactNorm divides weights by sigma/c instead of max(1, sigma/c)
func WithExactNorm() Option {
	return func(o *options) { o.exact = true }
}

// WithPowerIterations sets the power-iteration steps per evaluation
func WithPowerIterations(n int) Option {
	return func(o *options) { o.powerIters = n }
}

var (
	seedMu  sync.Mutex
	seedRng *rand.Rand
)

// nextSeed draws a seed for a layer constructed without WithSeed.
// The sequence is reproducible under INN_SEED.
func nextSeed() uint64 {
	seedMu.Lock()
	defer seedMu.Unlock()

	if seedRng == nil {
		seedRng = rand.New(rand.NewSource(envconfig.Seed))
	}
	return seedRng.Uint64()
}
