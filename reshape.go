package inn

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Reshape is an invertible change of the per-sample shape. It does not
// change any values, so its log-determinant is zero.
type Reshape struct {
	in, out tensor.Shape
}

// NewReshape returns a Reshape from samples of shape in to samples of
// shape out. The two shapes exclude the batch axis and must hold the
// same number of elements.
func NewReshape(in, out tensor.Shape) (*Reshape, error) {
	if len(in) == 0 || len(out) == 0 {
		return nil, fmt.Errorf("newReshape: expected non-scalar shapes but "+
			"got %v and %v: %w", in, out, ErrShape)
	}
	if in.TotalSize() != out.TotalSize() {
		return nil, fmt.Errorf("newReshape: cannot reshape %v (size %v) to %v "+
			"(size %v): %w", in, in.TotalSize(), out, out.TotalSize(), ErrShape)
	}

	return &Reshape{in: in.Clone(), out: out.Clone()}, nil
}

// Forward reshapes a batch of samples of the input shape to the output
// shape. The log-determinant is nil, which means zero.
func (r *Reshape) Forward(x *G.Node) (y, logDet *G.Node, err error) {
	if y, err = reshapeBatch(x, r.in, r.out); err != nil {
		return nil, nil, fmt.Errorf("forward: %w", err)
	}
	return y, nil, nil
}

// Inverse reshapes a batch of samples of the output shape back to the
// input shape
func (r *Reshape) Inverse(y *G.Node) (*G.Node, error) {
	x, err := reshapeBatch(y, r.out, r.in)
	if err != nil {
		return nil, fmt.Errorf("inverse: %w", err)
	}
	return x, nil
}

// reshapeBatch reshapes x of shape (B, from...) to (B, to...)
func reshapeBatch(x *G.Node, from, to tensor.Shape) (*G.Node, error) {
	shape := x.Shape()
	if len(shape) != len(from)+1 || !tensor.Shape(shape[1:]).Eq(from) {
		return nil, fmt.Errorf("expected shape (B, %v) but got %v: %w",
			from, shape, ErrShape)
	}

	target := append(tensor.Shape{shape[0]}, to...)
	y, err := G.Reshape(x, target)
	if err != nil {
		return nil, err
	}
	return y, nil
}

// In returns the per-sample input shape
func (r *Reshape) In() tensor.Shape { return r.in.Clone() }

// Out returns the per-sample output shape
func (r *Reshape) Out() tensor.Shape { return r.out.Clone() }

func (r *Reshape) Learnables() G.Nodes { return nil }
