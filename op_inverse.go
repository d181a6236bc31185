package inn

import (
	"fmt"
	"hash"
	"math"

	"github.com/chewxy/hm"
	"gonum.org/v1/gonum/mat"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// matInverseOp computes the inverse of a square float64 matrix
type matInverseOp struct{}

func newMatInverseOp() *matInverseOp { return &matInverseOp{} }

func (m *matInverseOp) Arity() int { return 1 }

func (m *matInverseOp) Type() hm.Type {
	tt := G.TensorType{Dims: 2, Of: tensor.Float64}
	return hm.NewFnType(tt, tt)
}

func (m *matInverseOp) InferShape(inputs ...G.DimSizer) (tensor.Shape, error) {
	if err := CheckArity(m, len(inputs)); err != nil {
		return nil, fmt.Errorf("inferShape: %v", err)
	}

	shape := inputs[0].(tensor.Shape)
	if len(shape) != 2 || shape[0] != shape[1] {
		return nil, fmt.Errorf("inferShape: expected square matrix but "+
			"got shape %v", shape)
	}

	return shape.Clone(), nil
}

func (m *matInverseOp) ReturnsPtr() bool { return false }

func (m *matInverseOp) CallsExtern() bool { return false }

func (m *matInverseOp) OverwritesInput() int { return -1 }

func (m *matInverseOp) String() string { return "MatInverse()" }

func (m *matInverseOp) WriteHash(h hash.Hash) { fmt.Fprint(h, m.String()) }

func (m *matInverseOp) Hashcode() uint32 { return SimpleHash(m) }

func (m *matInverseOp) DiffWRT(inputs int) []bool { return []bool{true} }

// SymDiff returns -W⁻ᵀ·grad·W⁻ᵀ
func (m *matInverseOp) SymDiff(inputs G.Nodes, output, grad *G.Node) (G.Nodes,
	error) {
	if err := CheckArity(m, len(inputs)); err != nil {
		return nil, fmt.Errorf("symDiff: %v", err)
	}

	invT, err := G.Transpose(output)
	if err != nil {
		return nil, fmt.Errorf("symDiff: %v", err)
	}
	d, err := G.Mul(invT, grad)
	if err != nil {
		return nil, fmt.Errorf("symDiff: %v", err)
	}
	if d, err = G.Mul(d, invT); err != nil {
		return nil, fmt.Errorf("symDiff: %v", err)
	}
	if d, err = G.Neg(d); err != nil {
		return nil, fmt.Errorf("symDiff: %v", err)
	}

	return G.Nodes{d}, nil
}

func (m *matInverseOp) Do(inputs ...G.Value) (G.Value, error) {
	if err := CheckArity(m, len(inputs)); err != nil {
		return nil, fmt.Errorf("do: %v", err)
	}

	data, err := float64s(inputs[0])
	if err != nil {
		return nil, fmt.Errorf("do: %v", err)
	}
	n := inputs[0].Shape()[0]

	var inv mat.Dense
	if err := inv.Inverse(mat.NewDense(n, n, data)); err != nil {
		// Ill-conditioned but invertible matrices still yield a result
		if c, ok := err.(mat.Condition); !ok || math.IsInf(float64(c), 1) {
			return nil, fmt.Errorf("do: %v", err)
		}
	}

	out := make([]float64, n*n)
	copy(out, inv.RawMatrix().Data)

	return tensor.New(tensor.WithShape(n, n), tensor.WithBacking(out)), nil
}
