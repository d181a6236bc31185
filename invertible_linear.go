package inn

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// InvertibleLinear applies a PLU-parameterized matrix W to a batch of
// vectors, y = x·Wᵀ
type InvertibleLinear struct {
	mat *PLUMatrix
}

// NewInvertibleLinear returns an InvertibleLinear over dim features. It
// reads WithPositiveS, WithEps and WithSeed.
func NewInvertibleLinear(g *G.ExprGraph, dim int,
	opts ...Option) (*InvertibleLinear, error) {
	m, err := NewPLUMatrix(g, dim, opts...)
	if err != nil {
		return nil, fmt.Errorf("newInvertibleLinear: %w", err)
	}

	return &InvertibleLinear{mat: m}, nil
}

// Forward returns x·Wᵀ and the per-sample log-determinant
func (l *InvertibleLinear) Forward(x *G.Node) (y, logDet *G.Node,
	err error) {
	if y, err = l.apply(x, l.mat.W()); err != nil {
		return nil, nil, fmt.Errorf("forward: %w", err)
	}
	if logDet, err = l.LogDet(x); err != nil {
		return nil, nil, fmt.Errorf("forward: %w", err)
	}

	return y, logDet, nil
}

// Inverse returns y·(W⁻¹)ᵀ
func (l *InvertibleLinear) Inverse(y *G.Node) (*G.Node, error) {
	x, err := l.apply(y, l.mat.InverseW())
	if err != nil {
		return nil, fmt.Errorf("inverse: %w", err)
	}
	return x, nil
}

// LogDet returns log|det W| repeated over the batch axis of x, or as a
// scalar if x is a single sample
func (l *InvertibleLinear) LogDet(x *G.Node) (*G.Node, error) {
	if err := l.check(x); err != nil {
		return nil, fmt.Errorf("logDet: %w", err)
	}

	ld, err := l.mat.LogDet()
	if err != nil {
		return nil, fmt.Errorf("logDet: %w", err)
	}
	if x.Dims() == 1 {
		return ld, nil
	}

	if ld, err = G.Reshape(ld, tensor.Shape{1}); err != nil {
		return nil, fmt.Errorf("logDet: %v", err)
	}
	return Repeat(ld, 0, x.Shape()[0])
}

func (l *InvertibleLinear) check(x *G.Node) error {
	shape := x.Shape()
	if (len(shape) != 1 && len(shape) != 2) ||
		shape[len(shape)-1] != l.mat.Dim() {
		return fmt.Errorf("expected input of shape (B, %v) or (%v) but got "+
			"%v: %w", l.mat.Dim(), l.mat.Dim(), shape, ErrShape)
	}
	return nil
}

// apply returns x·mᵀ
func (l *InvertibleLinear) apply(x, m *G.Node) (*G.Node, error) {
	if err := l.check(x); err != nil {
		return nil, err
	}

	unbatched := x.Dims() == 1
	var err error
	if unbatched {
		if x, err = G.Reshape(x, tensor.Shape{1, l.mat.Dim()}); err != nil {
			return nil, err
		}
	}

	mt, err := G.Transpose(m)
	if err != nil {
		return nil, err
	}
	y, err := G.Mul(x, mt)
	if err != nil {
		return nil, err
	}

	if unbatched {
		return G.Reshape(y, tensor.Shape{l.mat.Dim()})
	}
	return y, nil
}

// Matrix returns the underlying PLUMatrix
func (l *InvertibleLinear) Matrix() *PLUMatrix { return l.mat }

func (l *InvertibleLinear) Learnables() G.Nodes { return l.mat.Learnables() }
