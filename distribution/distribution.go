// Package distribution provides the base densities of normalizing
// flows. Densities are element-wise and factorize over every axis but
// the batch axis, so LogP returns one log-density per sample.
package distribution

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/inn"
)

// Distribution is a fully factorized probability density
type Distribution interface {
	// LogP returns the log-density of each sample in the batch x. x
	// must be (B, D), (B, C, L) or (B, C, H, W).
	LogP(x *G.Node) (*G.Node, error)

	// Sample returns a node of the given shape filled with independent
	// samples, redrawn every time the graph is executed. The first axis
	// of shape is taken as the batch axis. Sample is not
	// differentiable.
	Sample(g *G.ExprGraph, shape tensor.Shape) (*G.Node, error)
}

// checkBatch returns inn.ErrShape unless x is a batch of vectors,
// sequences or grids
func checkBatch(x *G.Node) error {
	kind, err := inn.KindOf(x.Shape())
	if err != nil {
		return err
	}
	if !kind.Batched() {
		return fmt.Errorf("expected a batch dimension but got shape %v: %w",
			x.Shape(), inn.ErrShape)
	}
	return nil
}

// fill returns a constant node of the given shape holding v everywhere
func fill(g *G.ExprGraph, v float64, shape tensor.Shape) *G.Node {
	data := make([]float64, shape.TotalSize())
	for i := range data {
		data[i] = v
	}

	t := tensor.New(tensor.WithShape(shape.Clone()...), tensor.WithBacking(data))
	return g.Constant(t)
}

// sampleShape splits shape into the number of samples and the shape of
// one sample. Samples of a rank 1 shape are drawn with shape (1).
func sampleShape(shape tensor.Shape) (int, tensor.Shape, error) {
	if len(shape) == 0 {
		return 0, nil, fmt.Errorf("cannot sample a scalar: %w", inn.ErrShape)
	}
	for _, d := range shape {
		if d <= 0 {
			return 0, nil, fmt.Errorf("expected positive dimensions but got "+
				"%v: %w", shape, inn.ErrShape)
		}
	}

	if len(shape) == 1 {
		return shape[0], tensor.Shape{1}, nil
	}
	return shape[0], tensor.Shape(shape[1:]).Clone(), nil
}

// draw samples a node of the given shape from family f with a constant
// location and scale
func draw(g *G.ExprGraph, f family, loc, scale float64, seed uint64,
	shape tensor.Shape) (*G.Node, error) {
	n, per, err := sampleShape(shape)
	if err != nil {
		return nil, err
	}

	op, err := newSampleOp(f, tensor.Float64, seed, n, per...)
	if err != nil {
		return nil, err
	}
	s, err := G.ApplyOp(op, fill(g, loc, per), fill(g, scale, per))
	if err != nil {
		return nil, err
	}

	if len(shape) == 1 {
		return G.Reshape(s, shape.Clone())
	}
	return s, nil
}
