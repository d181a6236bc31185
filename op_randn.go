package inn

import (
	"fmt"
	"hash"
	"sync/atomic"

	"github.com/chewxy/hm"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

var randnCounter uint64

// randnOp fills a tensor shaped like its input with standard normal
// noise. A fresh draw is made each time the op is executed.
type randnOp struct {
	id   uint64 // keeps otherwise equal ops from being hash-consed
	seed uint64
	dist distuv.Normal
}

func newRandnOp(seed uint64) *randnOp {
	return &randnOp{
		id:   atomic.AddUint64(&randnCounter, 1),
		seed: seed,
		dist: distuv.Normal{
			Mu:    0.0,
			Sigma: 1.0,
			Src:   rand.NewSource(seed),
		},
	}
}

func (r *randnOp) Arity() int { return 1 }

func (r *randnOp) Type() hm.Type {
	a := hm.TypeVariable('a')
	return hm.NewFnType(a, a)
}

func (r *randnOp) InferShape(inputs ...G.DimSizer) (tensor.Shape, error) {
	if err := CheckArity(r, len(inputs)); err != nil {
		return nil, fmt.Errorf("inferShape: %v", err)
	}
	return inputs[0].(tensor.Shape).Clone(), nil
}

func (r *randnOp) ReturnsPtr() bool { return false }

func (r *randnOp) CallsExtern() bool { return false }

func (r *randnOp) OverwritesInput() int { return -1 }

func (r *randnOp) String() string {
	return fmt.Sprintf("Randn{id=%v, seed=%v}()", r.id, r.seed)
}

func (r *randnOp) WriteHash(h hash.Hash) { fmt.Fprint(h, r.String()) }

func (r *randnOp) Hashcode() uint32 { return SimpleHash(r) }

// Noise is independent of the input's value
func (r *randnOp) DiffWRT(inputs int) []bool { return make([]bool, inputs) }

func (r *randnOp) SymDiff(inputs G.Nodes, output, grad *G.Node) (G.Nodes,
	error) {
	return nil, fmt.Errorf("symDiff: %v is not differentiable", r)
}

func (r *randnOp) Do(inputs ...G.Value) (G.Value, error) {
	if err := CheckArity(r, len(inputs)); err != nil {
		return nil, fmt.Errorf("do: %v", err)
	}

	shape := inputs[0].Shape().Clone()
	out := make([]float64, shape.TotalSize())
	for i := range out {
		out[i] = r.dist.Rand()
	}

	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(out)), nil
}
