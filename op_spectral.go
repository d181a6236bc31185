package inn

import (
	"fmt"
	"hash"
	"math"
	"sync/atomic"

	"github.com/chewxy/hm"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

var spectralCounter uint64

// operator is a linear map parameterized by a weight tensor w
type operator interface {
	inSize() int
	outSize() int
	weightSize() int

	// apply writes A(v) to dst
	apply(w, v, dst []float64)

	// adjoint writes Aᵀ(u) to dst
	adjoint(w, u, dst []float64)

	// outer writes the gradient of uᵀA(v) with respect to w to dst
	outer(u, v, dst []float64)
}

// matrixOperator is a rows×cols matrix acting on vectors of size cols
type matrixOperator struct {
	rows, cols int
}

func (m matrixOperator) inSize() int  { return m.cols }
func (m matrixOperator) outSize() int { return m.rows }

func (m matrixOperator) weightSize() int { return m.rows * m.cols }

func (m matrixOperator) apply(w, v, dst []float64) {
	a := mat.NewDense(m.rows, m.cols, w)
	mat.NewVecDense(m.rows, dst).MulVec(a, mat.NewVecDense(m.cols, v))
}

func (m matrixOperator) adjoint(w, u, dst []float64) {
	a := mat.NewDense(m.rows, m.cols, w)
	mat.NewVecDense(m.cols, dst).MulVec(a.T(), mat.NewVecDense(m.rows, u))
}

func (m matrixOperator) outer(u, v, dst []float64) {
	mat.NewDense(m.rows, m.cols, dst).Outer(1, mat.NewVecDense(m.rows, u),
		mat.NewVecDense(m.cols, v))
}

// convOperator is a stride 1 cross-correlation with zero "same" padding
// of an (out, in, kh, kw) kernel over (in, h, w) inputs
type convOperator struct {
	out, in int
	kh, kw  int
	h, w    int
}

func (c convOperator) inSize() int  { return c.in * c.h * c.w }
func (c convOperator) outSize() int { return c.out * c.h * c.w }

func (c convOperator) weightSize() int { return c.out * c.in * c.kh * c.kw }

// each calls fn with the flat kernel, output and input index of every
// product term of the convolution
func (c convOperator) each(fn func(wi, ui, vi int)) {
	ph, pw := (c.kh-1)/2, (c.kw-1)/2
	for o := 0; o < c.out; o++ {
		for i := 0; i < c.in; i++ {
			for a := 0; a < c.kh; a++ {
				for b := 0; b < c.kw; b++ {
					wi := ((o*c.in+i)*c.kh+a)*c.kw + b
					for y := 0; y < c.h; y++ {
						sy := y + a - ph
						if sy < 0 || sy >= c.h {
							continue
						}
						for x := 0; x < c.w; x++ {
							sx := x + b - pw
							if sx < 0 || sx >= c.w {
								continue
							}
							fn(wi, (o*c.h+y)*c.w+x, (i*c.h+sy)*c.w+sx)
						}
					}
				}
			}
		}
	}
}

func (c convOperator) apply(w, v, dst []float64) {
	zero(dst)
	c.each(func(wi, ui, vi int) { dst[ui] += w[wi] * v[vi] })
}

func (c convOperator) adjoint(w, u, dst []float64) {
	zero(dst)
	c.each(func(wi, ui, vi int) { dst[vi] += w[wi] * u[ui] })
}

func (c convOperator) outer(u, v, dst []float64) {
	zero(dst)
	c.each(func(wi, ui, vi int) { dst[wi] += u[ui] * v[vi] })
}

func zero(s []float64) {
	for i := range s {
		s[i] = 0
	}
}

// powerIteration tracks estimates of the leading singular vectors of an
// operator across executions of a graph. Each step refines the
// estimates using the operator's current weights.
type powerIteration struct {
	op    operator
	u, v  []float64
	sigma float64

	coeff float64
	exact bool
	iters int

	// active records whether the last rescaling depended on sigma
	active bool

	// frozen skips refinement, reusing the current estimate
	frozen bool
}

func newPowerIteration(op operator, coeff float64, exact bool, iters int,
	seed uint64) *powerIteration {
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(seed)}

	u := make([]float64, op.outSize())
	for i := range u {
		u[i] = normal.Rand()
	}
	if n := floats.Norm(u, 2); n > 0 {
		floats.Scale(1/n, u)
	}

	if iters < 1 {
		iters = 1
	}

	return &powerIteration{
		op:    op,
		u:     u,
		v:     make([]float64, op.inSize()),
		coeff: coeff,
		exact: exact,
		iters: iters,
	}
}

// step runs the configured number of power-iteration steps on the
// weights w and returns the factor w must be divided by
func (p *powerIteration) step(w []float64) float64 {
	au := make([]float64, len(p.u))
	for i := 0; i < p.iters; i++ {
		p.op.adjoint(w, p.u, p.v)
		if n := floats.Norm(p.v, 2); n > 0 {
			floats.Scale(1/n, p.v)
		}

		p.op.apply(w, p.v, au)
		p.sigma = floats.Norm(au, 2)
		if p.sigma > 0 {
			copy(p.u, au)
			floats.Scale(1/p.sigma, p.u)
		}
	}

	return p.scale()
}

func (p *powerIteration) scale() float64 {
	ratio := p.sigma / p.coeff
	switch {
	case p.exact && ratio > 0:
		p.active = true
		return ratio
	case !p.exact && ratio > 1:
		p.active = true
		return ratio
	}

	p.active = false
	return 1
}

// spectralOp returns the factor a weight tensor must be divided by to
// bound the operator norm of its operator. Each execution advances the
// power iteration held in state unless it is frozen.
type spectralOp struct {
	id    uint64
	dims  int
	state *powerIteration
}

func newSpectralOp(state *powerIteration, dims int) *spectralOp {
	return &spectralOp{
		id:    atomic.AddUint64(&spectralCounter, 1),
		dims:  dims,
		state: state,
	}
}

func (s *spectralOp) Arity() int { return 1 }

func (s *spectralOp) Type() hm.Type {
	a := hm.TypeVariable('a')
	t := G.TensorType{Dims: s.dims, Of: a}
	return hm.NewFnType(t, a)
}

func (s *spectralOp) InferShape(inputs ...G.DimSizer) (tensor.Shape, error) {
	if err := CheckArity(s, len(inputs)); err != nil {
		return nil, fmt.Errorf("inferShape: %v", err)
	}
	return tensor.ScalarShape(), nil
}

func (s *spectralOp) ReturnsPtr() bool { return false }

func (s *spectralOp) CallsExtern() bool { return false }

func (s *spectralOp) OverwritesInput() int { return -1 }

func (s *spectralOp) String() string {
	return fmt.Sprintf("SpectralScale{id=%v}()", s.id)
}

func (s *spectralOp) WriteHash(h hash.Hash) { fmt.Fprint(h, s.String()) }

func (s *spectralOp) Hashcode() uint32 { return SimpleHash(s) }

func (s *spectralOp) DiffWRT(inputs int) []bool { return []bool{true} }

// SymDiff treats the singular vector estimates as constants
func (s *spectralOp) SymDiff(inputs G.Nodes, output, grad *G.Node) (G.Nodes,
	error) {
	if err := CheckArity(s, len(inputs)); err != nil {
		return nil, fmt.Errorf("symDiff: %v", err)
	}

	op := &spectralDiffOp{id: s.id, dims: s.dims, state: s.state}
	d, err := G.ApplyOp(op, inputs[0], grad)
	if err != nil {
		return nil, fmt.Errorf("symDiff: %v", err)
	}

	return G.Nodes{d}, nil
}

func (s *spectralOp) Do(inputs ...G.Value) (G.Value, error) {
	if err := CheckArity(s, len(inputs)); err != nil {
		return nil, fmt.Errorf("do: %v", err)
	}

	w, err := float64s(inputs[0])
	if err != nil {
		return nil, fmt.Errorf("do: %v", err)
	}
	if len(w) != s.state.op.weightSize() {
		return nil, fmt.Errorf("do: expected %v weights but got %v",
			s.state.op.weightSize(), len(w))
	}
	if math.IsNaN(floats.Sum(w)) {
		return nil, fmt.Errorf("do: weights contain NaN")
	}

	if s.state.frozen {
		return G.NewF64(s.state.scale()), nil
	}
	return G.NewF64(s.state.step(w)), nil
}

// spectralDiffOp computes grad·u·vᵀ/c, the gradient of the rescaling
// factor with respect to the weights, or zero when the factor did not
// depend on the weights
type spectralDiffOp struct {
	id    uint64
	dims  int
	state *powerIteration
}

func (s *spectralDiffOp) Arity() int { return 2 }

func (s *spectralDiffOp) Type() hm.Type {
	a := hm.TypeVariable('a')
	t := G.TensorType{Dims: s.dims, Of: a}
	return hm.NewFnType(t, a, t)
}

func (s *spectralDiffOp) InferShape(inputs ...G.DimSizer) (tensor.Shape,
	error) {
	if err := CheckArity(s, len(inputs)); err != nil {
		return nil, fmt.Errorf("inferShape: %v", err)
	}
	return inputs[0].(tensor.Shape).Clone(), nil
}

func (s *spectralDiffOp) ReturnsPtr() bool { return false }

func (s *spectralDiffOp) CallsExtern() bool { return false }

func (s *spectralDiffOp) OverwritesInput() int { return -1 }

func (s *spectralDiffOp) String() string {
	return fmt.Sprintf("SpectralScaleDiff{id=%v}()", s.id)
}

func (s *spectralDiffOp) WriteHash(h hash.Hash) { fmt.Fprint(h, s.String()) }

func (s *spectralDiffOp) Hashcode() uint32 { return SimpleHash(s) }

func (s *spectralDiffOp) DiffWRT(inputs int) []bool {
	return make([]bool, inputs)
}

func (s *spectralDiffOp) SymDiff(inputs G.Nodes, output, grad *G.Node) (
	G.Nodes, error) {
	return nil, fmt.Errorf("symDiff: %v is not differentiable", s)
}

func (s *spectralDiffOp) Do(inputs ...G.Value) (G.Value, error) {
	if err := CheckArity(s, len(inputs)); err != nil {
		return nil, fmt.Errorf("do: %v", err)
	}

	grad, err := scalar(inputs[1])
	if err != nil {
		return nil, fmt.Errorf("do: %v", err)
	}

	shape := inputs[0].Shape().Clone()
	out := make([]float64, shape.TotalSize())
	if s.state.active {
		s.state.op.outer(s.state.u, s.state.v, out)
		floats.Scale(grad/s.state.coeff, out)
	}

	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(out)), nil
}
