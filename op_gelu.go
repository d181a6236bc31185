package inn

import (
	"fmt"
	"hash"
	"math"

	"github.com/chewxy/hm"
	"github.com/chewxy/math32"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// geluLipschitz is the Lipschitz constant of GELU: the maximum of
// Φ(x) + xφ(x), attained at x = √2.
var geluLipschitz = normCdf(math.Sqrt2) + math.Sqrt2*normPdf(math.Sqrt2)

func normCdf(x float64) float64 { return 0.5 * (1 + math.Erf(x/math.Sqrt2)) }

func normPdf(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}

func normCdf32(x float32) float32 {
	return 0.5 * (1 + float32(math.Erf(float64(x)/math.Sqrt2)))
}

func normPdf32(x float32) float32 {
	return math32.Exp(-0.5*x*x) / math32.Sqrt(2*float32(math.Pi))
}

// geluOp computes the element-wise Gaussian error linear unit
// x·Φ(x), where Φ is the standard normal CDF.
type geluOp struct{}

func newGeluOp() *geluOp { return &geluOp{} }

func (e *geluOp) Arity() int { return 1 }

func (e *geluOp) Type() hm.Type {
	// op :: (Arithable a) => a -> a
	a := hm.TypeVariable('a')
	return hm.NewFnType(a, a)
}

func (e *geluOp) InferShape(inputs ...G.DimSizer) (tensor.Shape, error) {
	if err := CheckArity(e, len(inputs)); err != nil {
		return nil, fmt.Errorf("inferShape: %v", err)
	}
	if inputs[0] == nil {
		return nil, fmt.Errorf("inferShape: nil input")
	}

	return inputs[0].(tensor.Shape).Clone(), nil
}

func (e *geluOp) ReturnsPtr() bool { return false }

func (e *geluOp) CallsExtern() bool { return false }

func (e *geluOp) OverwritesInput() int { return -1 }

func (e *geluOp) String() string { return "GELU()" }

// WriteHash writes the hash of the receiver to a hash struct
func (e *geluOp) WriteHash(h hash.Hash) { fmt.Fprint(h, e.String()) }

// Hashcode returns the hash code of the receiver
func (e *geluOp) Hashcode() uint32 { return SimpleHash(e) }

func (e *geluOp) DiffWRT(inputs int) []bool { return []bool{true} }

func (e *geluOp) SymDiff(inputs G.Nodes, output, grad *G.Node) (G.Nodes,
	error) {
	if err := CheckArity(e, len(inputs)); err != nil {
		return nil, fmt.Errorf("symDiff: %v", err)
	}

	nodes := make(G.Nodes, 1)
	var err error
	nodes[0], err = G.ApplyOp(&geluDiffOp{}, inputs[0], grad)

	return nodes, err
}

func (e *geluOp) Do(inputs ...G.Value) (G.Value, error) {
	if err := checkTensors(e, inputs...); err != nil {
		return nil, fmt.Errorf("do: %v", err)
	}

	x := inputs[0].(tensor.Tensor)
	ret := tensor.New(tensor.WithShape(x.Shape().Clone()...), tensor.Of(x.Dtype()))

	switch x.Dtype() {
	case tensor.Float64:
		in, err := float64s(x)
		if err != nil {
			return nil, fmt.Errorf("do: %v", err)
		}
		out := ret.Data().([]float64)
		for i, elem := range in {
			out[i] = elem * normCdf(elem)
		}

	case tensor.Float32:
		in := materialize(x).Data().([]float32)
		out := ret.Data().([]float32)
		for i, elem := range in {
			out[i] = elem * normCdf32(elem)
		}

	default:
		return nil, fmt.Errorf("do: dtype %v unsupported", x.Dtype())
	}

	return ret, nil
}

// geluDiffOp computes grad·(Φ(x) + xφ(x)), the vector-Jacobian product
// of GELU at x.
type geluDiffOp struct{}

func (e *geluDiffOp) Arity() int { return 2 }

func (e *geluDiffOp) Type() hm.Type {
	a := hm.TypeVariable('a')
	return hm.NewFnType(a, a, a)
}

func (e *geluDiffOp) InferShape(inputs ...G.DimSizer) (tensor.Shape, error) {
	if err := CheckArity(e, len(inputs)); err != nil {
		return nil, fmt.Errorf("inferShape: %v", err)
	}
	return inputs[0].(tensor.Shape).Clone(), nil
}

func (e *geluDiffOp) ReturnsPtr() bool { return false }

func (e *geluDiffOp) CallsExtern() bool { return false }

func (e *geluDiffOp) OverwritesInput() int { return -1 }

func (e *geluDiffOp) String() string { return "GELUDiff()" }

func (e *geluDiffOp) WriteHash(h hash.Hash) { fmt.Fprint(h, e.String()) }

func (e *geluDiffOp) Hashcode() uint32 { return SimpleHash(e) }

// The VJP is itself differentiated when a log-det estimate built from
// it is part of a training cost.
func (e *geluDiffOp) DiffWRT(inputs int) []bool { return []bool{true, true} }

func (e *geluDiffOp) SymDiff(inputs G.Nodes, output, grad *G.Node) (G.Nodes,
	error) {
	if err := CheckArity(e, len(inputs)); err != nil {
		return nil, fmt.Errorf("symDiff: %v", err)
	}

	x, upstream := inputs[0], inputs[1]

	dx, err := G.ApplyOp(&geluHessOp{}, x, upstream, grad)
	if err != nil {
		return nil, fmt.Errorf("symDiff: %v", err)
	}
	dUpstream, err := G.ApplyOp(e, x, grad)
	if err != nil {
		return nil, fmt.Errorf("symDiff: %v", err)
	}

	return G.Nodes{dx, dUpstream}, nil
}

func (e *geluDiffOp) Do(inputs ...G.Value) (G.Value, error) {
	if err := checkTensors(e, inputs...); err != nil {
		return nil, fmt.Errorf("do: %v", err)
	}

	x := inputs[0].(tensor.Tensor)
	grad := inputs[1].(tensor.Tensor)
	ret := tensor.New(tensor.WithShape(x.Shape().Clone()...), tensor.Of(x.Dtype()))

	switch x.Dtype() {
	case tensor.Float64:
		in, err := float64s(x)
		if err != nil {
			return nil, fmt.Errorf("do: %v", err)
		}
		g, err := float64s(grad)
		if err != nil {
			return nil, fmt.Errorf("do: %v", err)
		}
		out := ret.Data().([]float64)
		for i, elem := range in {
			out[i] = g[i] * (normCdf(elem) + elem*normPdf(elem))
		}

	case tensor.Float32:
		in := materialize(x).Data().([]float32)
		g := materialize(grad).Data().([]float32)
		out := ret.Data().([]float32)
		for i, elem := range in {
			out[i] = g[i] * (normCdf32(elem) + elem*normPdf32(elem))
		}

	default:
		return nil, fmt.Errorf("do: dtype %v unsupported", x.Dtype())
	}

	return ret, nil
}

// geluHessOp computes grad·upstream·φ(x)·(2 - x²), the derivative of
// geluDiffOp with respect to x.
type geluHessOp struct{}

func (e *geluHessOp) Arity() int { return 3 }

func (e *geluHessOp) Type() hm.Type {
	a := hm.TypeVariable('a')
	return hm.NewFnType(a, a, a, a)
}

func (e *geluHessOp) InferShape(inputs ...G.DimSizer) (tensor.Shape, error) {
	if err := CheckArity(e, len(inputs)); err != nil {
		return nil, fmt.Errorf("inferShape: %v", err)
	}
	return inputs[0].(tensor.Shape).Clone(), nil
}

func (e *geluHessOp) ReturnsPtr() bool { return false }

func (e *geluHessOp) CallsExtern() bool { return false }

func (e *geluHessOp) OverwritesInput() int { return -1 }

func (e *geluHessOp) String() string { return "GELUHess()" }

func (e *geluHessOp) WriteHash(h hash.Hash) { fmt.Fprint(h, e.String()) }

func (e *geluHessOp) Hashcode() uint32 { return SimpleHash(e) }

func (e *geluHessOp) Do(inputs ...G.Value) (G.Value, error) {
	if err := checkTensors(e, inputs...); err != nil {
		return nil, fmt.Errorf("do: %v", err)
	}

	x, err := float64s(inputs[0])
	if err != nil {
		return nil, fmt.Errorf("do: %v", err)
	}
	upstream, err := float64s(inputs[1])
	if err != nil {
		return nil, fmt.Errorf("do: %v", err)
	}
	grad, err := float64s(inputs[2])
	if err != nil {
		return nil, fmt.Errorf("do: %v", err)
	}

	shape := inputs[0].(tensor.Tensor).Shape().Clone()
	out := make([]float64, len(x))
	for i, elem := range x {
		out[i] = grad[i] * upstream[i] * normPdf(elem) * (2 - elem*elem)
	}

	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(out)), nil
}

// checkTensors returns an error if inputs are not non-empty tensors of
// equal shape
func checkTensors(op G.Op, inputs ...G.Value) error {
	if err := CheckArity(op, len(inputs)); err != nil {
		return err
	}

	var shape tensor.Shape
	for i, in := range inputs {
		t, ok := in.(tensor.Tensor)
		if !ok {
			return fmt.Errorf("expected input %d to be a tensor, got %T",
				i, in)
		} else if t == nil {
			return fmt.Errorf("input %d is a nil tensor", i)
		} else if t.Size() == 0 {
			return fmt.Errorf("input %d is empty", i)
		}

		if shape == nil {
			shape = t.Shape()
		} else if !shape.Eq(t.Shape()) {
			return fmt.Errorf("expected equal shapes but got %v and %v",
				shape, t.Shape())
		}
	}

	return nil
}

// materialize returns a contiguous copy of t if t is a view
func materialize(t tensor.Tensor) tensor.Tensor {
	if d, ok := t.(*tensor.Dense); ok && d.IsMaterializable() {
		return d.Materialize()
	}
	return t
}
