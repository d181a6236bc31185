package inn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/inn/logutil"
)

// FixedPointResult reports how a fixed-point inversion ended
type FixedPointResult struct {
	// Iterations is the number of iterations run
	Iterations int

	// Residual is the max-norm distance between the last two iterates
	Residual float64

	// Converged is true if Residual reached the tolerance within the
	// iteration budget
	Converged bool
}

// fixedPoint evaluates a network eagerly on values bound to a
// placeholder node, using a machine compiled for just the nodes the
// network's output depends on
type fixedPoint struct {
	shape tensor.Shape
	in    *G.Node
	out   G.Value
	vm    G.VM
}

func newFixedPoint(g *G.ExprGraph, net Network,
	shape tensor.Shape) (*fixedPoint, error) {
	zeros := tensor.New(
		tensor.WithShape(shape.Clone()...),
		tensor.Of(tensor.Float64),
	)
	in := G.NewTensor(
		g,
		tensor.Float64,
		len(shape),
		G.WithShape(shape.Clone()...),
		G.WithName(Unique("fixed_point_iterate")),
		G.WithValue(zeros),
	)

	gx, err := net.Fwd(in)
	if err != nil {
		return nil, fmt.Errorf("newFixedPoint: %w", err)
	}
	if !gx.Shape().Eq(shape) {
		return nil, fmt.Errorf("newFixedPoint: network maps %v to %v: %w",
			shape, gx.Shape(), ErrShape)
	}

	f := &fixedPoint{shape: shape.Clone(), in: in}
	read := G.Read(gx, &f.out)
	f.vm = G.NewTapeMachine(g.SubgraphRoots(read))

	return f, nil
}

// solve iterates x ← y - g(x) from x = y
func (f *fixedPoint) solve(y tensor.Tensor, maxIter int,
	tol float64) (*tensor.Dense, FixedPointResult, error) {
	if !y.Shape().Eq(f.shape) {
		return nil, FixedPointResult{}, fmt.Errorf("solve: expected shape "+
			"%v but got %v: %w", f.shape, y.Shape(), ErrShape)
	}
	target, err := float64s(y)
	if err != nil {
		return nil, FixedPointResult{}, fmt.Errorf("solve: %v", err)
	}

	x := make([]float64, len(target))
	copy(x, target)
	next := make([]float64, len(target))

	var res FixedPointResult
	for res.Iterations < maxIter {
		iterate := tensor.New(
			tensor.WithShape(f.shape.Clone()...),
			tensor.WithBacking(x),
		)
		if err := G.Let(f.in, iterate); err != nil {
			return nil, res, fmt.Errorf("solve: %v", err)
		}
		if err := f.vm.RunAll(); err != nil {
			return nil, res, fmt.Errorf("solve: %v", err)
		}
		gx, err := float64s(f.out)
		if err != nil {
			return nil, res, fmt.Errorf("solve: %v", err)
		}
		for i := range next {
			next[i] = target[i] - gx[i]
		}
		f.vm.Reset()

		res.Iterations++
		res.Residual = floats.Distance(next, x, math.Inf(1))
		x, next = next, x

		if res.Residual <= tol {
			res.Converged = true
			break
		}
	}

	logutil.Trace("inn: fixed point", "iterations", res.Iterations,
		"residual", res.Residual, "converged", res.Converged)

	out := tensor.New(tensor.WithShape(f.shape.Clone()...), tensor.WithBacking(x))
	if !res.Converged {
		return out, res, fmt.Errorf("solve: residual %v after %v iterations: %w",
			res.Residual, res.Iterations, ErrNotConverged)
	}
	return out, res, nil
}
