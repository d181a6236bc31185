package inn

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Conv is a stride 1 convolution with zero "same" padding over
// sequences (B, C, L) or grids (B, C, H, W). Sequences are convolved as
// grids of height 1, so the kernel is always (out, in, kh, kw).
type Conv struct {
	kind    Kind
	in, out int
	kernel  int
	weight  *G.Node
	bias    *G.Node
}

// NewConv1d returns a convolution over sequences with Glorot-uniform
// weights and zero biases. It reads WithKernel and WithSeed.
func NewConv1d(g *G.ExprGraph, in, out int, opts ...Option) (*Conv, error) {
	return newConvLayer(g, Sequence, in, out, opts)
}

// NewConv2d returns a convolution over grids with Glorot-uniform
// weights and zero biases. It reads WithKernel and WithSeed.
func NewConv2d(g *G.ExprGraph, in, out int, opts ...Option) (*Conv, error) {
	return newConvLayer(g, Grid, in, out, opts)
}

func newConvLayer(g *G.ExprGraph, kind Kind, in, out int,
	opts []Option) (*Conv, error) {
	o := gatherOptions(opts)
	if err := checkConv(in, out, o.kernel); err != nil {
		return nil, fmt.Errorf("newConv: %w", err)
	}

	kh, kw := kernelShape(kind, o.kernel)
	area := kh * kw
	w := glorotUniform(out*in*area, in*area, out*area, o.seed)

	return newConv(g, kind, in, out, o.kernel, w), nil
}

// newZeroConv returns a Conv with zero weights and biases
func newZeroConv(g *G.ExprGraph, kind Kind, in, out, kernel int) (*Conv,
	error) {
	if err := checkConv(in, out, kernel); err != nil {
		return nil, fmt.Errorf("newZeroConv: %w", err)
	}

	kh, kw := kernelShape(kind, kernel)
	return newConv(g, kind, in, out, kernel, make([]float64, out*in*kh*kw)), nil
}

func newConv(g *G.ExprGraph, kind Kind, in, out, kernel int,
	weights []float64) *Conv {
	kh, kw := kernelShape(kind, kernel)

	return &Conv{
		kind:   kind,
		in:     in,
		out:    out,
		kernel: kernel,
		weight: learnable(g, "conv_weight", weights, out, in, kh, kw),
		bias:   learnable(g, "conv_bias", make([]float64, out), 1, out, 1, 1),
	}
}

func checkConv(in, out, kernel int) error {
	if in <= 0 || out <= 0 {
		return fmt.Errorf("expected positive channels but got (%v, %v): %w",
			in, out, ErrConfig)
	}
	if kernel <= 0 || kernel%2 != 1 {
		return fmt.Errorf("kernel size must be odd but got %v: %w", kernel,
			ErrConfig)
	}
	return nil
}

// kernelShape returns the spatial kernel shape for inputs of kind
func kernelShape(kind Kind, kernel int) (int, int) {
	if kind == Sequence {
		return 1, kernel
	}
	return kernel, kernel
}

func (c *Conv) Fwd(x *G.Node) (*G.Node, error) {
	return conv(x, c.weight, c.bias, c.kind)
}

func (c *Conv) Learnables() G.Nodes { return G.Nodes{c.weight, c.bias} }

// Weight returns the (out, in, kh, kw) kernel node
func (c *Conv) Weight() *G.Node { return c.weight }

// spatial returns the height and width x is convolved over
func spatial(kind Kind, shape tensor.Shape) (int, int) {
	if kind == Sequence {
		return 1, shape[2]
	}
	return shape[2], shape[3]
}

// conv convolves x of kind Sequence or Grid with the kernel w and adds
// the bias b
func conv(x, w, b *G.Node, kind Kind) (*G.Node, error) {
	out, in := w.Shape()[0], w.Shape()[1]
	kh, kw := w.Shape()[2], w.Shape()[3]

	shape := x.Shape()
	if err := kind.check(shape, nil); err != nil {
		return nil, fmt.Errorf("conv: %w", err)
	}
	if shape[1] != in {
		return nil, fmt.Errorf("conv: expected %v input channels but got "+
			"shape %v: %w", in, shape, ErrShape)
	}

	var err error
	if kind == Sequence {
		if x, err = G.Reshape(x, tensor.Shape{shape[0], in, 1, shape[2]}); err != nil {
			return nil, fmt.Errorf("conv: %v", err)
		}
	}

	y, err := G.Conv2d(
		x,
		w,
		tensor.Shape{kh, kw},
		[]int{(kh - 1) / 2, (kw - 1) / 2},
		[]int{1, 1},
		[]int{1, 1},
	)
	if err != nil {
		return nil, fmt.Errorf("conv: %v", err)
	}
	if y, err = G.BroadcastAdd(y, b, nil, []byte{0, 2, 3}); err != nil {
		return nil, fmt.Errorf("conv: %v", err)
	}

	if kind == Sequence {
		return G.Reshape(y, tensor.Shape{shape[0], out, shape[2]})
	}
	return y, nil
}
