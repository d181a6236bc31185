package inn

import (
	"fmt"
	"log/slog"

	"golang.org/x/exp/rand"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/inn/logutil"
)

// ResidualBlock is an invertible residual layer y = x + g(x), where g
// is a contraction. The inverse has no closed form and is found by the
// fixed-point iteration x ← y - g(x). The log-determinant is estimated
// stochastically with LogDet.
type ResidualBlock struct {
	net  LipschitzBounded
	beta float64

	numIter int
	numN    int
	maxIter int
	tol     float64

	rng     *rand.Rand
	solvers map[string]*fixedPoint
}

// NewResidualBlock returns a ResidualBlock around net, which must
// report a Lipschitz bound below 1. It reads WithIterations, WithTerms,
// WithSolver and WithSeed.
func NewResidualBlock(net Network, opts ...Option) (*ResidualBlock,
	error) {
	o := gatherOptions(opts)

	bounded, ok := net.(LipschitzBounded)
	if !ok {
		return nil, fmt.Errorf("newResidualBlock: %T does not report a "+
			"lipschitz bound: %w", net, ErrLipschitz)
	}
	beta := bounded.LipschitzBound()
	if beta <= 0 || beta >= 1 {
		return nil, fmt.Errorf("newResidualBlock: network is %v-lipschitz: %w",
			beta, ErrLipschitz)
	}
	if o.numIter < 1 || o.numN < 2 {
		return nil, fmt.Errorf("newResidualBlock: expected at least 1 probe "+
			"and 2 terms but got %v and %v: %w", o.numIter, o.numN, ErrConfig)
	}
	if o.maxIter < 1 || o.tol < 0 {
		return nil, fmt.Errorf("newResidualBlock: invalid solver budget %v "+
			"with tolerance %v: %w", o.maxIter, o.tol, ErrConfig)
	}

	slog.Debug("inn: residual block", "beta", beta, "num_iter", o.numIter,
		"num_n", o.numN, "max_iter", o.maxIter, "tol", o.tol)
	return &ResidualBlock{
		net:     bounded,
		beta:    beta,
		numIter: o.numIter,
		numN:    o.numN,
		maxIter: o.maxIter,
		tol:     o.tol,
		rng:     rand.New(rand.NewSource(o.seed)),
		solvers: make(map[string]*fixedPoint),
	}, nil
}

// NewIResNet returns a ResidualBlock for inputs of the given shape
// around a default SNStack: fully connected for vectors, 1-D
// convolutional for sequences and 2-D convolutional for grids. It reads
// the options of NewSNStack and NewResidualBlock. WithBeta must be
// below 1.
func NewIResNet(g *G.ExprGraph, shape tensor.Shape,
	opts ...Option) (*ResidualBlock, error) {
	kind, err := KindOf(shape)
	if err != nil {
		return nil, fmt.Errorf("newIResNet: %w", err)
	}
	if o := gatherOptions(opts); o.beta >= 1 {
		return nil, fmt.Errorf("newIResNet: beta %v is not below 1: %w",
			o.beta, ErrLipschitz)
	}

	features := shape[len(shape)-1]
	if kind == Sequence || kind == Grid {
		features = shape[1]
	}

	net, err := NewSNStack(g, kind, features, opts...)
	if err != nil {
		return nil, fmt.Errorf("newIResNet: %w", err)
	}

	return NewResidualBlock(net, opts...)
}

// Forward returns x + g(x). The log-determinant is returned as nil,
// request it with LogDet.
func (r *ResidualBlock) Forward(x *G.Node) (y, logDet *G.Node, err error) {
	gx, err := r.net.Fwd(x)
	if err != nil {
		return nil, nil, fmt.Errorf("forward: %w", err)
	}
	if y, err = G.Add(x, gx); err != nil {
		return nil, nil, fmt.Errorf("forward: %v", err)
	}

	return y, nil, nil
}

// LogDet estimates the per-sample log-determinant of I + J_g(x) with
// the truncated power series
//
//	Σ_{k=1}^{n-1} (-1)^{k+1}/k · vᵀ J^k v
//
// averaged over independent standard normal probes v, which are
// redrawn on every graph execution. The estimate stays differentiable
// with respect to the network's learnables.
//
// Networks implementing Moder are built in evaluation mode, so no
// dropout enters the estimate. Spectral norm estimates are refined
// when the graph runs, as for Forward.
func (r *ResidualBlock) LogDet(x *G.Node) (*G.Node, error) {
	defer EvalMode(r.net)()

	g := x.Graph()
	gx, err := r.net.Fwd(x)
	if err != nil {
		return nil, fmt.Errorf("logDet: %w", err)
	}

	var sum *G.Node
	for i := 0; i < r.numIter; i++ {
		v, err := randn(x, r.rng.Uint64())
		if err != nil {
			return nil, fmt.Errorf("logDet: %v", err)
		}
		est, err := r.series(x, gx, v)
		if err != nil {
			return nil, fmt.Errorf("logDet: %w", err)
		}

		if sum == nil {
			sum = est
		} else if sum, err = G.Add(sum, est); err != nil {
			return nil, fmt.Errorf("logDet: %v", err)
		}
	}

	logutil.Trace("inn: log-det estimator", "probes", r.numIter, "terms",
		r.numN-1, "shape", x.Shape())
	return G.HadamardDiv(sum, constant(g, float64(r.numIter)))
}

// series returns Σ_{k=1}^{n-1} (-1)^{k+1}/k · vᵀ J^k v per sample for
// the probe v, where J is the Jacobian of gx with respect to x
func (r *ResidualBlock) series(x, gx, v *G.Node) (*G.Node, error) {
	g := x.Graph()
	batched := x.Dims() > 1

	var sum *G.Node
	w := v
	for k := 1; k < r.numN; k++ {
		var err error
		if w, err = vjp(gx, x, w); err != nil {
			return nil, fmt.Errorf("series: term %v: %w", k, err)
		}

		term, err := G.HadamardProd(w, v)
		if err != nil {
			return nil, fmt.Errorf("series: %v", err)
		}
		if term, err = SumSample(term, batched); err != nil {
			return nil, fmt.Errorf("series: %v", err)
		}
		coeff := 1.0 / float64(k)
		if k%2 == 0 {
			coeff = -coeff
		}
		if term, err = G.HadamardProd(term, constant(g, coeff)); err != nil {
			return nil, fmt.Errorf("series: %v", err)
		}

		if sum == nil {
			sum = term
		} else if sum, err = G.Add(sum, term); err != nil {
			return nil, fmt.Errorf("series: %v", err)
		}
	}

	return sum, nil
}

// Inverse unrolls the fixed-point iteration x ← y - g(x), starting at
// y, for the configured iteration budget. The error after n steps is
// at most beta^n/(1-beta) times the size of g(y). Use Solve to stop
// early at the configured tolerance.
//
// As in LogDet, evaluation mode applies while the nodes are built, not
// when the graph runs.
func (r *ResidualBlock) Inverse(y *G.Node) (*G.Node, error) {
	defer EvalMode(r.net)()

	x := y
	for i := 0; i < r.maxIter; i++ {
		gx, err := r.net.Fwd(x)
		if err != nil {
			return nil, fmt.Errorf("inverse: %w", err)
		}
		if x, err = G.Sub(y, gx); err != nil {
			return nil, fmt.Errorf("inverse: %v", err)
		}
	}

	return x, nil
}

// Solve inverts the block at the value y by running the fixed-point
// iteration until successive iterates differ by at most the configured
// tolerance in the max norm. If the iteration budget runs out first,
// the last iterate is returned along with ErrNotConverged.
//
// Solve evaluates the network in the graph holding its learnables and
// adds the nodes it needs there on first use for each shape of y.
func (r *ResidualBlock) Solve(y tensor.Tensor) (*tensor.Dense,
	FixedPointResult, error) {
	defer EvalMode(r.net)()

	learnables := r.net.Learnables()
	if len(learnables) == 0 {
		return nil, FixedPointResult{}, fmt.Errorf("solve: network has no "+
			"learnables to locate its graph: %w", ErrConfig)
	}

	key := fmt.Sprint(y.Shape())
	solver, ok := r.solvers[key]
	if !ok {
		var err error
		g := learnables[0].Graph()
		if solver, err = newFixedPoint(g, r.net, y.Shape()); err != nil {
			return nil, FixedPointResult{}, fmt.Errorf("solve: %w", err)
		}
		r.solvers[key] = solver
	}

	x, res, err := solver.solve(y, r.maxIter, r.tol)
	if err != nil {
		return x, res, fmt.Errorf("solve: %w", err)
	}

	return x, res, nil
}

// Beta returns the Lipschitz bound of the block's network
func (r *ResidualBlock) Beta() float64 { return r.beta }

// Net returns the block's network
func (r *ResidualBlock) Net() LipschitzBounded { return r.net }

func (r *ResidualBlock) Learnables() G.Nodes { return r.net.Learnables() }
