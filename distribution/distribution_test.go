package distribution

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/inn"
)

const tol = 1e-9

// randShape returns a random batched shape of the given rank
func randShape(rank int) tensor.Shape {
	shape := make(tensor.Shape, rank)
	for i := range shape {
		shape[i] = 1 + rand.Intn(4)
	}
	return shape
}

func randF64(size int) []float64 {
	out := make([]float64, size)
	for i := range out {
		out[i] = rand.NormFloat64() * 2
	}
	return out
}

// expectedLogP sums logProb over each sample of the row-major data
func expectedLogP(data []float64, batch int, logProb func(float64) float64) []float64 {
	per := len(data) / batch
	out := make([]float64, batch)
	for b := 0; b < batch; b++ {
		for _, v := range data[b*per : (b+1)*per] {
			out[b] += logProb(v)
		}
	}
	return out
}

func TestLogP(t *testing.T) {
	normal, err := NewNormal(0.5, 1.5, 1)
	if err != nil {
		t.Fatal(err)
	}
	laplace, err := NewLaplace(-0.3, 0.7, 1)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		dist    Distribution
		logProb func(float64) float64
	}{
		{"Normal", normal, distuv.Normal{Mu: 0.5, Sigma: 1.5}.LogProb},
		{"StandardNormal", StandardNormal(1), distuv.UnitNormal.LogProb},
		{"Laplace", laplace, distuv.Laplace{Mu: -0.3, Scale: 0.7}.LogProb},
	}

	for _, test := range tests {
		for rank := 2; rank <= 4; rank++ {
			g := G.NewGraph()
			shape := randShape(rank)
			data := randF64(shape.TotalSize())
			x := G.NewTensor(g, tensor.Float64, rank, G.WithShape(shape...),
				G.WithValue(tensor.New(tensor.WithShape(shape...),
					tensor.WithBacking(data))))

			logP, err := test.dist.LogP(x)
			if err != nil {
				t.Fatalf("%v: %v", test.name, err)
			}
			if !logP.Shape().Eq(tensor.Shape{shape[0]}) {
				t.Errorf("%v: expected log density of shape (%v) but got %v",
					test.name, shape[0], logP.Shape())
			}

			var logPVal G.Value
			G.Read(logP, &logPVal)
			vm := G.NewTapeMachine(g)
			if err := vm.RunAll(); err != nil {
				t.Fatal(err)
			}
			vm.Close()

			got := logPVal.Data().([]float64)
			want := expectedLogP(data, shape[0], test.logProb)
			if !floats.EqualApprox(got, want, tol) {
				t.Errorf("%v: expected log density %v but got %v", test.name,
					want, got)
			}
		}
	}
}

func TestLogPShapeError(t *testing.T) {
	dists := []Distribution{StandardNormal(1)}
	laplace, err := NewLaplace(0, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	dists = append(dists, laplace)

	for _, d := range dists {
		for _, shape := range []tensor.Shape{{3}, {1, 2, 1, 2, 1}} {
			g := G.NewGraph()
			x := G.NewTensor(g, tensor.Float64, len(shape),
				G.WithShape(shape...), G.WithInit(G.Zeroes()))

			if _, err := d.LogP(x); !errors.Is(err, inn.ErrShape) {
				t.Errorf("%T: expected ErrShape for shape %v but got %v", d,
					shape, err)
			}
		}
	}
}

func TestNewInvalidScale(t *testing.T) {
	for _, scale := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		if _, err := NewNormal(0, scale, 1); !errors.Is(err, inn.ErrConfig) {
			t.Errorf("expected ErrConfig for stddev %v but got %v", scale, err)
		}
		if _, err := NewLaplace(0, scale, 1); !errors.Is(err, inn.ErrConfig) {
			t.Errorf("expected ErrConfig for scale %v but got %v", scale, err)
		}
	}
}

func TestSample(t *testing.T) {
	const n = 20000

	normal, err := NewNormal(2, 0.5, 7)
	if err != nil {
		t.Fatal(err)
	}
	laplace, err := NewLaplace(-1, 2, 7)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		dist     Distribution
		mean, sd float64
	}{
		{"Normal", normal, 2, 0.5},
		{"Laplace", laplace, -1, 2 * math.Sqrt2},
	}

	for _, test := range tests {
		g := G.NewGraph()
		shape := tensor.Shape{n, 2}
		s, err := test.dist.Sample(g, shape)
		if err != nil {
			t.Fatal(err)
		}
		if !s.Shape().Eq(shape) {
			t.Errorf("%v: expected samples of shape %v but got %v", test.name,
				shape, s.Shape())
		}

		var sVal G.Value
		G.Read(s, &sVal)
		vm := G.NewTapeMachine(g)
		if err := vm.RunAll(); err != nil {
			t.Fatal(err)
		}
		first := append([]float64(nil), sVal.Data().([]float64)...)
		vm.Reset()
		if err := vm.RunAll(); err != nil {
			t.Fatal(err)
		}
		second := sVal.Data().([]float64)
		vm.Close()

		if floats.Equal(first, second) {
			t.Errorf("%v: expected new samples on every execution", test.name)
		}

		mean, sd := stat.MeanStdDev(first, nil)
		if math.Abs(mean-test.mean) > 5*test.sd/math.Sqrt(n) {
			t.Errorf("%v: expected sample mean near %v but got %v", test.name,
				test.mean, mean)
		}
		if math.Abs(sd-test.sd) > 0.05*test.sd {
			t.Errorf("%v: expected sample stddev near %v but got %v", test.name,
				test.sd, sd)
		}
	}
}

func TestSampleRankOne(t *testing.T) {
	g := G.NewGraph()
	s, err := StandardNormal(3).Sample(g, tensor.Shape{5})
	if err != nil {
		t.Fatal(err)
	}
	if !s.Shape().Eq(tensor.Shape{5}) {
		t.Errorf("expected samples of shape (5) but got %v", s.Shape())
	}

	if _, err := StandardNormal(3).Sample(g, tensor.Shape{}); !errors.Is(err,
		inn.ErrShape) {
		t.Errorf("expected ErrShape sampling a scalar but got %v", err)
	}
}

func TestNormalRand(t *testing.T) {
	g := G.NewGraph()

	mean := G.NewTensor(g, tensor.Float64, 3, G.WithName("mean"),
		G.WithValue(tensor.New(
			tensor.WithShape(2, 2, 2),
			tensor.WithBacking([]float64{0, 1, 2, 3, 4, 5, 6, 7}),
		)))
	std := G.NewTensor(g, tensor.Float64, 3, G.WithName("std"),
		G.WithValue(tensor.New(
			tensor.WithShape(2, 2, 2),
			tensor.WithBacking([]float64{1e-6, 1e-6, 1e-6, 1e-6, 1e-6, 1e-6,
				1e-6, 1e-6}),
		)))

	for _, rnd := range []func(a, b *G.Node, seed uint64, n int) (*G.Node,
		error){NormalRand, LaplaceRand} {
		s, err := rnd(mean, std, 11, 3)
		if err != nil {
			t.Fatal(err)
		}
		if !s.Shape().Eq(tensor.Shape{3, 2, 2, 2}) {
			t.Errorf("expected shape (3, 2, 2, 2) but got %v", s.Shape())
		}

		var sampled G.Value
		G.Read(s, &sampled)
		vm := G.NewTapeMachine(g)
		if err := vm.RunAll(); err != nil {
			t.Fatal(err)
		}
		vm.Close()

		data := sampled.Data().([]float64)
		for i, v := range data {
			if math.Abs(v-float64(i%8)) > 1e-3 {
				t.Errorf("sample %v: expected %v but got %v", i, i%8, v)
			}
		}
	}

	if _, err := NormalRand(mean, std, 11, 0); !errors.Is(err, inn.ErrConfig) {
		t.Errorf("expected ErrConfig for 0 samples but got %v", err)
	}
}
