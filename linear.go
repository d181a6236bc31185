package inn

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// glorotUniform draws n weights from U(-a, a), a = √(6/(fanIn+fanOut))
func glorotUniform(n, fanIn, fanOut int, seed uint64) []float64 {
	a := math.Sqrt(6.0 / float64(fanIn+fanOut))
	dist := distuv.Uniform{Min: -a, Max: a, Src: rand.NewSource(seed)}

	w := make([]float64, n)
	for i := range w {
		w[i] = dist.Rand()
	}
	return w
}

// learnable adds a learnable float64 node holding data to g
func learnable(g *G.ExprGraph, name string, data []float64,
	shape ...int) *G.Node {
	t := tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))

	return G.NewTensor(
		g,
		tensor.Float64,
		len(shape),
		G.WithShape(shape...),
		G.WithName(Unique(name)),
		G.WithValue(t),
	)
}

// Linear is a fully connected layer computing x·W + b with W of shape
// (in, out). Inputs are (B, in) or a single (in) sample.
type Linear struct {
	in, out int
	weight  *G.Node
	bias    *G.Node
}

// NewLinear returns a Linear with Glorot-uniform weights and zero
// biases. It reads WithSeed.
func NewLinear(g *G.ExprGraph, in, out int, opts ...Option) (*Linear,
	error) {
	o := gatherOptions(opts)
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("newLinear: expected positive sizes but got "+
			"(%v, %v): %w", in, out, ErrConfig)
	}

	return newLinear(g, in, out, glorotUniform(in*out, in, out, o.seed)), nil
}

// newZeroLinear returns a Linear with zero weights and biases
func newZeroLinear(g *G.ExprGraph, in, out int) *Linear {
	return newLinear(g, in, out, make([]float64, in*out))
}

func newLinear(g *G.ExprGraph, in, out int, weights []float64) *Linear {
	return &Linear{
		in:     in,
		out:    out,
		weight: learnable(g, "linear_weight", weights, in, out),
		bias:   learnable(g, "linear_bias", make([]float64, out), 1, out),
	}
}

func (l *Linear) Fwd(x *G.Node) (*G.Node, error) {
	return linear(x, l.weight, l.bias)
}

func (l *Linear) Learnables() G.Nodes { return G.Nodes{l.weight, l.bias} }

// Weight returns the (in, out) weight node
func (l *Linear) Weight() *G.Node { return l.weight }

// linear computes x·w + b for x of shape (B, in) or (in)
func linear(x, w, b *G.Node) (*G.Node, error) {
	in, out := w.Shape()[0], w.Shape()[1]

	shape := x.Shape()
	unbatched := len(shape) == 1
	if (len(shape) != 1 && len(shape) != 2) || shape[len(shape)-1] != in {
		return nil, fmt.Errorf("linear: expected input of shape (B, %v) or "+
			"(%v) but got %v: %w", in, in, shape, ErrShape)
	}

	var err error
	if unbatched {
		if x, err = G.Reshape(x, tensor.Shape{1, in}); err != nil {
			return nil, fmt.Errorf("linear: %v", err)
		}
	}

	y, err := G.Mul(x, w)
	if err != nil {
		return nil, fmt.Errorf("linear: %v", err)
	}
	if y, err = G.BroadcastAdd(y, b, nil, []byte{0}); err != nil {
		return nil, fmt.Errorf("linear: %v", err)
	}

	if unbatched {
		return G.Reshape(y, tensor.Shape{out})
	}
	return y, nil
}
