package inn

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func gelu(x float64) float64 { return x * normCdf(x) }

func TestGELU(t *testing.T) {
	const tolerance float64 = 1e-6
	const maxDims int = 5
	const minDims int = 1
	const maxDimSize int = 6

	shape := randInt(minDims+rand.Intn(maxDims-minDims), 1, maxDimSize)
	size := tensor.ProdInts(shape)
	backing := randF64(size, -4, 4)

	out := make([]float64, size)
	grad := make([]float64, size)
	for i, z := range backing {
		out[i] = gelu(z)

		// Central differences of the mean of GELU(x)
		const h = 1e-5
		grad[i] = (gelu(z+h) - gelu(z-h)) / (2 * h) / float64(size)
	}

	g := G.NewGraph()
	in := input(g, backing, shape...)
	computedNode, err := GELU(in)
	if err != nil {
		t.Fatal(err)
	}
	var computed G.Value
	G.Read(computedNode, &computed)

	mean := G.Must(G.Mean(computedNode))
	diff, err := G.Grad(mean, in)
	if err != nil {
		t.Fatal(err)
	}
	var computedDiff G.Value
	G.Read(diff[0], &computedDiff)

	run(t, g)

	checkClose(t, "gelu", data(t, computed), out, tolerance)
	checkClose(t, "gelu gradient", data(t, computedDiff), grad, tolerance)
}

func TestGELULipschitz(t *testing.T) {
	// The derivative of GELU peaks at √2 and is bounded below by its
	// minimum at -√2
	slope := func(x float64) float64 { return normCdf(x) + x*normPdf(x) }

	peak := 0.0
	for x := -6.0; x <= 6; x += 1e-3 {
		peak = math.Max(peak, math.Abs(slope(x)))
	}
	if peak > geluLipschitz || geluLipschitz-peak > 1e-5 {
		t.Errorf("expected lipschitz constant %v but got %v", peak,
			geluLipschitz)
	}
}

func TestInverse(t *testing.T) {
	const tolerance = 1e-8

	for n := 1; n <= 5; n++ {
		// Diagonally dominant, hence invertible
		w := randF64(n*n, -0.5, 0.5)
		for i := 0; i < n; i++ {
			w[i*n+i] += float64(n)
		}

		g := G.NewGraph()
		in := input(g, append([]float64(nil), w...), n, n)
		inv, err := Inverse(in)
		if err != nil {
			t.Fatal(err)
		}
		var invVal G.Value
		G.Read(inv, &invVal)

		cost := G.Must(G.Sum(inv))
		grads, err := G.Grad(cost, in)
		if err != nil {
			t.Fatal(err)
		}
		var gradVal G.Value
		G.Read(grads[0], &gradVal)

		run(t, g)

		var want mat.Dense
		if err := want.Inverse(mat.NewDense(n, n, w)); err != nil {
			t.Fatal(err)
		}
		checkClose(t, "inverse", data(t, invVal), want.RawMatrix().Data,
			tolerance)

		// d Σ W⁻¹ / dW = -W⁻ᵀ·1·1ᵀ·W⁻ᵀ
		ones := mat.NewDense(n, n, ones64(n*n))
		var wantGrad mat.Dense
		wantGrad.Product(want.T(), ones, want.T())
		wantGrad.Scale(-1, &wantGrad)
		checkClose(t, "inverse gradient", data(t, gradVal),
			wantGrad.RawMatrix().Data, tolerance)
	}
}

func TestInverseShape(t *testing.T) {
	g := G.NewGraph()
	in := input(g, make([]float64, 6), 2, 3)
	if _, err := Inverse(in); !errors.Is(err, ErrShape) {
		t.Errorf("expected ErrShape for a non-square matrix but got %v", err)
	}
}

func TestInverseSingular(t *testing.T) {
	g := G.NewGraph()
	in := input(g, []float64{1, 2, 2, 4}, 2, 2)
	if _, err := Inverse(in); err != nil {
		t.Fatal(err)
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err == nil {
		t.Error("expected an error inverting a singular matrix")
	}
}

func TestSoftClamp(t *testing.T) {
	const bound = 2.0

	backing := randF64(20, -50, 50)
	g := G.NewGraph()
	in := input(g, backing, 4, 5)
	c, err := SoftClamp(in, bound)
	if err != nil {
		t.Fatal(err)
	}
	var cVal G.Value
	G.Read(c, &cVal)
	run(t, g)

	want := make([]float64, len(backing))
	for i, v := range backing {
		want[i] = bound * math.Tanh(v/bound)
	}
	got := data(t, cVal)
	checkClose(t, "soft clamp", got, want, 1e-12)
	if floats.Max(got) >= bound || floats.Min(got) <= -bound {
		t.Errorf("expected values in (-%v, %v) but got %v", bound, bound, got)
	}

	if _, err := SoftClamp(in, 0); !errors.Is(err, ErrConfig) {
		t.Errorf("expected ErrConfig for bound 0 but got %v", err)
	}
}

func TestSumSample(t *testing.T) {
	for rank := 1; rank <= 4; rank++ {
		shape := randInt(rank, 1, 5)
		size := tensor.ProdInts(shape)
		backing := randF64(size, -1, 1)

		for _, batched := range []bool{false, true} {
			g := G.NewGraph()
			in := input(g, append([]float64(nil), backing...), shape...)
			s, err := SumSample(in, batched)
			if err != nil {
				t.Fatal(err)
			}
			var sVal G.Value
			G.Read(s, &sVal)
			run(t, g)

			var want []float64
			switch {
			case !batched:
				want = []float64{floats.Sum(backing)}
			case rank == 1:
				want = backing
			default:
				per := size / shape[0]
				for b := 0; b < shape[0]; b++ {
					want = append(want, floats.Sum(backing[b*per:(b+1)*per]))
				}
			}
			checkClose(t, "sum sample", data(t, sVal), want, 1e-12)
		}
	}
}

func TestRandn(t *testing.T) {
	g := G.NewGraph()
	x := input(g, make([]float64, 5000), 50, 100)
	n, err := randn(x, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !n.Shape().Eq(x.Shape()) {
		t.Errorf("expected shape %v but got %v", x.Shape(), n.Shape())
	}
	var nVal G.Value
	G.Read(n, &nVal)

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatal(err)
	}
	first := append([]float64(nil), data(t, nVal)...)
	vm.Reset()
	if err := vm.RunAll(); err != nil {
		t.Fatal(err)
	}

	if floats.Equal(first, data(t, nVal)) {
		t.Error("expected fresh noise on every execution")
	}
	mean, std := stat.MeanStdDev(first, nil)
	if math.Abs(mean) > 0.1 || math.Abs(std-1) > 0.1 {
		t.Errorf("expected standard normal noise but got mean %v and "+
			"stddev %v", mean, std)
	}
}
