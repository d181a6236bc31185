package distribution

import (
	"fmt"
	"hash"
	"sync/atomic"

	"github.com/chewxy/hm"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/inn"
)

// family is a location-scale family that sampleOp can draw from
type family byte

const (
	normalFamily family = iota
	laplaceFamily
)

func (f family) String() string {
	if f == laplaceFamily {
		return "Laplace"
	}
	return "Normal"
}

var sampleOpID uint64

// sampleOp draws numSamples samples from element-wise distributions with
// the location and scale given as its two inputs. Each op owns a seeded
// source, so every execution of the graph draws new values.
type sampleOp struct {
	id         uint64
	family     family
	dt         tensor.Dtype
	shape      tensor.Shape
	seed       uint64
	source     rand.Source
	numSamples int
}

func newSampleOp(f family, dt tensor.Dtype, seed uint64, numSamples int,
	shape ...int) (*sampleOp, error) {
	if dt != tensor.Float64 && dt != tensor.Float32 {
		return nil, fmt.Errorf("newSampleOp: dtype %v not supported", dt)
	}
	if numSamples <= 0 {
		return nil, fmt.Errorf("newSampleOp: expected a positive number of "+
			"samples but got %v: %w", numSamples, inn.ErrConfig)
	}
	if len(shape) == 0 {
		return nil, fmt.Errorf("newSampleOp: cannot sample with scalar "+
			"parameters: %w", inn.ErrShape)
	}

	return &sampleOp{
		id:         atomic.AddUint64(&sampleOpID, 1),
		family:     f,
		dt:         dt,
		shape:      tensor.Shape(shape).Clone(),
		seed:       seed,
		source:     rand.NewSource(seed),
		numSamples: numSamples,
	}, nil
}

func (s *sampleOp) Arity() int { return 2 }

func (s *sampleOp) Type() hm.Type {
	in := G.TensorType{Dims: s.shape.Dims(), Of: s.dt}
	out := G.TensorType{Dims: s.shape.Dims() + 1, Of: s.dt}

	return hm.NewFnType(in, in, out)
}

func (s *sampleOp) InferShape(...G.DimSizer) (tensor.Shape, error) {
	return append(tensor.Shape{s.numSamples}, s.shape...), nil
}

func (s *sampleOp) ReturnsPtr() bool { return false }

func (s *sampleOp) CallsExtern() bool { return false }

func (s *sampleOp) OverwritesInput() int { return -1 }

func (s *sampleOp) String() string {
	return fmt.Sprintf("%vSample{id=%v, seed=%v, n=%v, shape=%v}()",
		s.family, s.id, s.seed, s.numSamples, s.shape)
}

func (s *sampleOp) WriteHash(h hash.Hash) {
	fmt.Fprint(h, s.String())
}

func (s *sampleOp) Hashcode() uint32 {
	return inn.SimpleHash(s)
}

// Samples are not differentiable with respect to their parameters
func (s *sampleOp) DiffWRT(inputs int) []bool { return make([]bool, inputs) }

func (s *sampleOp) SymDiff(inputs G.Nodes, output, grad *G.Node) (G.Nodes,
	error) {
	return nil, fmt.Errorf("symDiff: %v is not differentiable", s)
}

func (s *sampleOp) Do(inputs ...G.Value) (G.Value, error) {
	if err := s.checkInputs(inputs...); err != nil {
		return nil, fmt.Errorf("do: %v", err)
	}

	loc, err := values(inputs[0])
	if err != nil {
		return nil, fmt.Errorf("do: %v", err)
	}
	scale, err := values(inputs[1])
	if err != nil {
		return nil, fmt.Errorf("do: %v", err)
	}

	size := len(loc)
	out := make([]float64, s.numSamples*size)
	for i := range loc {
		rnd := s.sampler(loc[i], scale[i])
		for j := 0; j < s.numSamples; j++ {
			out[j*size+i] = rnd()
		}
	}

	shape := append(tensor.Shape{s.numSamples}, s.shape...)
	if s.dt == tensor.Float32 {
		out32 := make([]float32, len(out))
		for i := range out {
			out32[i] = float32(out[i])
		}
		return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(out32)),
			nil
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(out)), nil
}

// sampler returns a function drawing from the op's family at the given
// location and scale
func (s *sampleOp) sampler(loc, scale float64) func() float64 {
	if s.family == laplaceFamily {
		return distuv.Laplace{Mu: loc, Scale: scale, Src: s.source}.Rand
	}
	return distuv.Normal{Mu: loc, Sigma: scale, Src: s.source}.Rand
}

func (s *sampleOp) checkInputs(inputs ...G.Value) error {
	if err := inn.CheckArity(s, len(inputs)); err != nil {
		return err
	}

	for i, name := range []string{"location", "scale"} {
		t, ok := inputs[i].(tensor.Tensor)
		if !ok || t == nil {
			return fmt.Errorf("cannot sample from nil %v", name)
		} else if t.Size() == 0 {
			return fmt.Errorf("cannot sample from empty %v tensor", name)
		} else if !t.Shape().Eq(s.shape) {
			return fmt.Errorf("expected %v to have shape %v but got %v",
				name, s.shape, t.Shape())
		} else if !t.Dtype().Eq(s.dt) {
			return fmt.Errorf("expected %v to have dtype %v but got %v",
				name, s.dt, t.Dtype())
		}
	}

	return nil
}

// values returns the elements of a float64 or float32 tensor as float64
func values(v G.Value) ([]float64, error) {
	t, ok := v.(tensor.Tensor)
	if !ok {
		return nil, fmt.Errorf("expected a tensor but got %T", v)
	}
	if !t.IsNativelyAccessible() {
		return nil, fmt.Errorf("tensor data is not natively accessible")
	}

	switch data := t.Data().(type) {
	case []float64:
		return data, nil
	case []float32:
		out := make([]float64, len(data))
		for i := range data {
			out[i] = float64(data[i])
		}
		return out, nil
	}
	return nil, fmt.Errorf("dtype %v not supported", t.Dtype())
}
