package inn

import (
	"fmt"
	"log/slog"

	"golang.org/x/exp/rand"
	G "gorgonia.org/gorgonia"

	"github.com/samuelfneumann/inn/logutil"
)

// SNLinear is a Linear layer whose weight is divided by
// max(1, σ/c) before use, where σ is a power-iteration estimate of the
// weight's largest singular value and c the spectral norm target. With
// WithExactNorm the weight is divided by σ/c instead.
//
// The estimate is refined once per graph execution in training mode and
// held fixed in evaluation mode. SNLinear is not safe for concurrent
// execution.
type SNLinear struct {
	*Linear
	state      *powerIteration
	normalized *G.Node
}

// NewSNLinear returns a new SNLinear. It reads WithSeed,
// WithCoefficient, WithExactNorm and WithPowerIterations.
func NewSNLinear(g *G.ExprGraph, in, out int, opts ...Option) (*SNLinear,
	error) {
	o := gatherOptions(opts)
	if o.coeff <= 0 {
		return nil, fmt.Errorf("newSNLinear: expected coefficient > 0 but "+
			"got %v: %w", o.coeff, ErrConfig)
	}

	seeds := rand.New(rand.NewSource(o.seed))
	l, err := NewLinear(g, in, out, WithSeed(seeds.Uint64()))
	if err != nil {
		return nil, fmt.Errorf("newSNLinear: %w", err)
	}

	state := newPowerIteration(matrixOperator{rows: in, cols: out}, o.coeff,
		o.exact, o.powerIters, seeds.Uint64())
	scale, err := G.ApplyOp(newSpectralOp(state, 2), l.weight)
	if err != nil {
		return nil, fmt.Errorf("newSNLinear: %v", err)
	}
	normalized, err := G.HadamardDiv(l.weight, scale)
	if err != nil {
		return nil, fmt.Errorf("newSNLinear: %v", err)
	}

	s := &SNLinear{Linear: l, state: state, normalized: normalized}
	if err := s.bootstrap(); err != nil {
		return nil, fmt.Errorf("newSNLinear: %w", err)
	}

	return s, nil
}

// bootstrap runs one power-iteration step on the initial weights
func (s *SNLinear) bootstrap() error {
	w, err := float64s(s.weight.Value())
	if err != nil {
		return err
	}
	s.state.step(w)

	logutil.Trace("inn: spectral norm bootstrap", "shape", s.weight.Shape(),
		"sigma", s.state.sigma)
	return nil
}

func (s *SNLinear) Fwd(x *G.Node) (*G.Node, error) {
	return linear(x, s.normalized, s.bias)
}

// Sigma returns the latest estimate of the largest singular value of
// the unnormalized weight
func (s *SNLinear) Sigma() float64 { return s.state.sigma }

// Normalized returns the node of the rescaled weight
func (s *SNLinear) Normalized() *G.Node { return s.normalized }

func (s *SNLinear) SetTraining(training bool) { s.state.frozen = !training }

func (s *SNLinear) Training() bool { return !s.state.frozen }

// SNConv is a Conv layer whose kernel is rescaled like the weight of an
// SNLinear. The operator whose norm is estimated is the convolution
// itself, so estimates are kept per observed spatial size.
//
// SNConv is not safe for concurrent execution.
type SNConv struct {
	*Conv
	coeff  float64
	exact  bool
	iters  int
	seeds  *rand.Rand
	states map[[2]int]*snConvState
	last   *powerIteration

	training bool
}

type snConvState struct {
	iter       *powerIteration
	normalized *G.Node
}

// NewSNConv1d returns a new spectrally normalized convolution over
// sequences. It reads WithKernel, WithSeed, WithCoefficient,
// WithExactNorm and WithPowerIterations.
func NewSNConv1d(g *G.ExprGraph, in, out int, opts ...Option) (*SNConv,
	error) {
	return newSNConv(g, Sequence, in, out, opts)
}

// NewSNConv2d returns a new spectrally normalized convolution over
// grids. It reads WithKernel, WithSeed, WithCoefficient, WithExactNorm
// and WithPowerIterations.
func NewSNConv2d(g *G.ExprGraph, in, out int, opts ...Option) (*SNConv,
	error) {
	return newSNConv(g, Grid, in, out, opts)
}

func newSNConv(g *G.ExprGraph, kind Kind, in, out int,
	opts []Option) (*SNConv, error) {
	o := gatherOptions(opts)
	if o.coeff <= 0 {
		return nil, fmt.Errorf("newSNConv: expected coefficient > 0 but "+
			"got %v: %w", o.coeff, ErrConfig)
	}

	seeds := rand.New(rand.NewSource(o.seed))
	c, err := newConvLayer(g, kind, in, out, []Option{
		WithKernel(o.kernel),
		WithSeed(seeds.Uint64()),
	})
	if err != nil {
		return nil, fmt.Errorf("newSNConv: %w", err)
	}

	s := &SNConv{
		Conv:   c,
		coeff:  o.coeff,
		exact:  o.exact,
		iters:  o.powerIters,
		seeds:  seeds,
		states: make(map[[2]int]*snConvState),

		training: true,
	}

	// Bootstrap on a kernel-sized input
	kh, kw := kernelShape(kind, o.kernel)
	if _, err := s.state(kh, kw); err != nil {
		return nil, fmt.Errorf("newSNConv: %w", err)
	}

	slog.Debug("inn: spectral norm conv", "kind", kind, "in", in, "out",
		out, "kernel", o.kernel)
	return s, nil
}

// state returns the power iteration and normalized kernel for inputs
// of spatial size h×w, creating and bootstrapping them on first use
func (s *SNConv) state(h, w int) (*snConvState, error) {
	key := [2]int{h, w}
	if st, ok := s.states[key]; ok {
		return st, nil
	}

	kh, kw := s.weight.Shape()[2], s.weight.Shape()[3]
	op := convOperator{out: s.out, in: s.in, kh: kh, kw: kw, h: h, w: w}
	iter := newPowerIteration(op, s.coeff, s.exact, s.iters, s.seeds.Uint64())

	weights, err := float64s(s.weight.Value())
	if err != nil {
		return nil, err
	}
	iter.step(weights)
	iter.frozen = !s.training

	scale, err := G.ApplyOp(newSpectralOp(iter, 4), s.weight)
	if err != nil {
		return nil, err
	}
	normalized, err := G.HadamardDiv(s.weight, scale)
	if err != nil {
		return nil, err
	}

	logutil.Trace("inn: spectral norm bootstrap", "shape", s.weight.Shape(),
		"spatial", key, "sigma", iter.sigma)

	st := &snConvState{iter: iter, normalized: normalized}
	s.states[key] = st
	s.last = iter
	return st, nil
}

func (s *SNConv) Fwd(x *G.Node) (*G.Node, error) {
	if err := s.kind.check(x.Shape(), nil); err != nil {
		return nil, fmt.Errorf("fwd: %w", err)
	}

	h, w := spatial(s.kind, x.Shape())
	st, err := s.state(h, w)
	if err != nil {
		return nil, fmt.Errorf("fwd: %w", err)
	}
	s.last = st.iter

	return conv(x, st.normalized, s.bias, s.kind)
}

// Sigma returns the latest estimate of the operator norm of the
// unnormalized convolution for the most recently used spatial size
func (s *SNConv) Sigma() float64 { return s.last.sigma }

// SetTraining freezes or resumes the estimates of every spatial size
func (s *SNConv) SetTraining(training bool) {
	s.training = training
	for _, st := range s.states {
		st.iter.frozen = !training
	}
}

func (s *SNConv) Training() bool { return s.training }
