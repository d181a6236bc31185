// Package inn provides invertible layers for normalizing flows built on
// Gorgonia expression graphs. Each layer maps its input to an output of
// the same size, can be inverted, and reports the log-determinant of its
// Jacobian.
package inn

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Repeat repeats each element of x repeats times along axis
func Repeat(x *G.Node, axis, repeats int) (*G.Node, error) {
	op, err := newRepeatOp(axis, repeats)
	if err != nil {
		return nil, fmt.Errorf("repeat: %v", err)
	}

	return G.ApplyOp(op, x)
}

// GELU computes the element-wise Gaussian error linear unit x·Φ(x)
func GELU(x *G.Node) (*G.Node, error) {
	return G.ApplyOp(newGeluOp(), x)
}

// Inverse computes the inverse of the square matrix w
func Inverse(w *G.Node) (*G.Node, error) {
	if !w.IsMatrix() || w.Shape()[0] != w.Shape()[1] {
		return nil, fmt.Errorf("inverse: expected a square matrix but got "+
			"shape %v: %w", w.Shape(), ErrShape)
	}

	return G.ApplyOp(newMatInverseOp(), w)
}

// SoftClamp smoothly bounds x to (-bound, bound) as bound·tanh(x/bound)
func SoftClamp(x *G.Node, bound float64) (*G.Node, error) {
	if bound <= 0 {
		return nil, fmt.Errorf("softClamp: expected bound > 0 but got %v: %w",
			bound, ErrConfig)
	}

	b := constant(x.Graph(), bound)
	out, err := G.HadamardDiv(x, b)
	if err != nil {
		return nil, fmt.Errorf("softClamp: %v", err)
	}
	if out, err = G.Tanh(out); err != nil {
		return nil, fmt.Errorf("softClamp: %v", err)
	}

	return G.HadamardProd(out, b)
}

// SumSample sums x over every axis but the batch axis, returning a
// vector with one entry per sample. Unbatched inputs are summed to a
// scalar.
func SumSample(x *G.Node, batched bool) (*G.Node, error) {
	if !batched {
		return G.Sum(x)
	}

	shape := x.Shape()
	if len(shape) == 1 {
		return x, nil
	}

	flat, err := G.Reshape(x, tensor.Shape{shape[0], tensor.Shape(shape[1:]).TotalSize()})
	if err != nil {
		return nil, fmt.Errorf("sumSample: %v", err)
	}

	return G.Sum(flat, 1)
}

// randn returns a node of standard normal noise with the shape of x,
// redrawn on every execution of the graph. The noise does not depend
// on the value of x.
func randn(x *G.Node, seed uint64) (*G.Node, error) {
	zeros := tensor.New(
		tensor.WithShape(x.Shape().Clone()...),
		tensor.Of(tensor.Float64),
	)
	template := x.Graph().Constant(zeros)

	return G.ApplyOp(newRandnOp(seed), template)
}

// constant adds the float64 scalar v to g
func constant(g *G.ExprGraph, v float64) *G.Node {
	return g.Constant(G.NewF64(v))
}

// sampleConstant adds t, which holds the shape of one sample, to g. For
// batched inputs a leading axis of size 1 is added so the constant can
// be broadcast over the batch.
func sampleConstant(g *G.ExprGraph, t *tensor.Dense, batched bool) *G.Node {
	shape := t.Shape().Clone()
	if batched {
		shape = append(tensor.Shape{1}, shape...)
	}

	data := make([]float64, t.Size())
	copy(data, t.Data().([]float64))
	v := tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))

	return g.Constant(v)
}

// mulSample multiplies x element-wise by a constant built with
// sampleConstant
func mulSample(x, c *G.Node, batched bool) (*G.Node, error) {
	if !batched {
		return G.HadamardProd(x, c)
	}
	return G.BroadcastHadamardProd(x, c, nil, []byte{0})
}
