package inn

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// vecMat returns the row vector v times the row-major n×n matrix a
func vecMat(v, a []float64) []float64 {
	n := len(v)
	out := make([]float64, n)
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			out[j] += v[i] * a[i*n+j]
		}
	}
	return out
}

func TestRealNVPElementLogDet(t *testing.T) {
	const dim = 5

	mask := ParityMask(dim).Data().([]float64)
	a1 := randF64(dim*dim, -0.5, 0.5)
	a2 := randF64(dim*dim, -0.5, 0.5)
	x := randF64(dim, -1, 1)

	// forward mirrors the layer in plain Go
	forward := func(x []float64) ([]float64, float64) {
		bx := make([]float64, dim)
		for i := range x {
			bx[i] = mask[i] * x[i]
		}
		logS, shift := vecMat(bx, a1), vecMat(bx, a2)

		y := make([]float64, dim)
		ld := 0.0
		for i := range x {
			y[i] = mask[i]*x[i] + (1-mask[i])*(x[i]*math.Exp(logS[i])+shift[i])
			ld += (1 - mask[i]) * logS[i]
		}
		return y, ld
	}

	g := G.NewGraph()
	layer, err := NewRealNVPElement(g, tensor.Shape{dim},
		newLinear(g, dim, dim, append([]float64(nil), a1...)),
		newLinear(g, dim, dim, append([]float64(nil), a2...)))
	if err != nil {
		t.Fatal(err)
	}

	y, logDet, err := layer.Forward(input(g, append([]float64(nil), x...), dim))
	if err != nil {
		t.Fatal(err)
	}
	if !logDet.IsScalar() {
		t.Errorf("expected a scalar log-det for a single sample but got %v",
			logDet.Shape())
	}
	var yVal, ldVal G.Value
	G.Read(y, &yVal)
	G.Read(logDet, &ldVal)
	run(t, g)

	wantY, wantLD := forward(x)
	checkClose(t, "output", data(t, yVal), wantY, 1e-10)
	checkClose(t, "log-det", data(t, ldVal), []float64{wantLD}, 1e-10)

	// log|det J| by central differences
	const h = 1e-6
	jac := mat.NewDense(dim, dim, nil)
	for j := 0; j < dim; j++ {
		xp := append([]float64(nil), x...)
		xm := append([]float64(nil), x...)
		xp[j] += h
		xm[j] -= h
		yp, _ := forward(xp)
		ym, _ := forward(xm)
		for i := 0; i < dim; i++ {
			jac.Set(i, j, (yp[i]-ym[i])/(2*h))
		}
	}
	numeric, _ := mat.LogDet(jac)
	if math.Abs(numeric-data(t, ldVal)[0]) > 1e-6 {
		t.Errorf("expected log|det J| %v but got %v", numeric,
			data(t, ldVal)[0])
	}
}

// couplingCase builds a coupling layer over inputs of shape
type couplingCase struct {
	name  string
	build func(g *G.ExprGraph, shape tensor.Shape) (Layer, error)
}

// shapeNetwork returns a shape preserving network for inputs of shape
func shapeNetwork(g *G.ExprGraph, shape tensor.Shape, seed uint64) (Network,
	error) {
	kind, err := KindOf(shape)
	if err != nil {
		return nil, err
	}
	switch kind {
	case Unbatched, Vector:
		return NewMLP(g, shape[len(shape)-1], WithWidth(2), WithSeed(seed))
	default:
		return NewSNStack(g, kind, shape[1], WithWidth(2), WithSeed(seed),
			WithBeta(2))
	}
}

var couplingCases = []couplingCase{
	{"NICE", func(g *G.ExprGraph, shape tensor.Shape) (Layer, error) {
		m, err := shapeNetwork(g, shape, 1)
		if err != nil {
			return nil, err
		}
		return NewNICE(g, shape, m)
	}},
	{"RealNVPElement", func(g *G.ExprGraph, shape tensor.Shape) (Layer,
		error) {
		logS, err := shapeNetwork(g, shape, 2)
		if err != nil {
			return nil, err
		}
		shift, err := shapeNetwork(g, shape, 3)
		if err != nil {
			return nil, err
		}
		return NewRealNVPElement(g, shape, logS, shift)
	}},
	{"ClippedRealNVPElement", func(g *G.ExprGraph, shape tensor.Shape) (Layer,
		error) {
		logS, err := shapeNetwork(g, shape, 4)
		if err != nil {
			return nil, err
		}
		shift, err := shapeNetwork(g, shape, 5)
		if err != nil {
			return nil, err
		}
		return NewRealNVPElement(g, shape, logS, shift, WithClip(0.5))
	}},
	{"CombinedRealNVP", func(g *G.ExprGraph, shape tensor.Shape) (Layer,
		error) {
		logS, err := shapeNetwork(g, shape, 6)
		if err != nil {
			return nil, err
		}
		shift, err := shapeNetwork(g, shape, 7)
		if err != nil {
			return nil, err
		}
		return NewCombinedRealNVP(g, shape, logS, shift)
	}},
}

func TestCouplingRoundTrip(t *testing.T) {
	const tolerance = 1e-5

	shapes := []tensor.Shape{{6}, {3, 6}, {2, 2, 5}, {2, 2, 3, 3}}
	for _, c := range couplingCases {
		for _, shape := range shapes {
			x := randF64(shape.TotalSize(), -1, 1)

			g := G.NewGraph()
			layer, err := c.build(g, shape)
			if err != nil {
				t.Fatalf("%v %v: %v", c.name, shape, err)
			}

			in := input(g, append([]float64(nil), x...), shape...)
			y, logDet, err := layer.Forward(in)
			if err != nil {
				t.Fatalf("%v %v: %v", c.name, shape, err)
			}
			if !y.Shape().Eq(shape) {
				t.Errorf("%v: expected output shape %v but got %v", c.name,
					shape, y.Shape())
			}
			recovered, err := layer.Inverse(y)
			if err != nil {
				t.Fatalf("%v %v: %v", c.name, shape, err)
			}

			var xVal, ldVal G.Value
			G.Read(recovered, &xVal)
			if c.name == "NICE" {
				if logDet != nil {
					t.Errorf("expected a nil log-det from NICE")
				}
			} else {
				want := tensor.ScalarShape()
				if len(shape) > 1 {
					want = tensor.Shape{shape[0]}
				}
				if !logDet.Shape().Eq(want) {
					t.Errorf("%v: expected log-det of shape %v but got %v",
						c.name, want, logDet.Shape())
				}
				G.Read(logDet, &ldVal)
			}
			run(t, g)

			checkClose(t, c.name+" round trip", data(t, xVal), x, tolerance)
			if c.name == "ClippedRealNVPElement" {
				per := shape.TotalSize()
				if len(shape) > 1 {
					per /= shape[0]
				}
				// Odd indices are transformed
				changed := float64(per / 2)
				for _, ld := range data(t, ldVal) {
					if math.Abs(ld) >= 0.5*changed {
						t.Errorf("expected a clipped log-det but got %v", ld)
					}
				}
			}
		}
	}
}

func TestCombinedRealNVPMasks(t *testing.T) {
	for _, shape := range []tensor.Shape{{7}, {2, 3, 4}} {
		g := G.NewGraph()
		layer, err := couplingCases[3].build(g, shape)
		if err != nil {
			t.Fatal(err)
		}

		first, second := layer.(*CombinedRealNVP).Masks()
		a := first.Data().([]float64)
		b := second.Data().([]float64)
		for i := range a {
			if a[i]+b[i] != 1 || a[i]*b[i] != 0 {
				t.Errorf("masks are not complementary at %v: %v and %v", i,
					a[i], b[i])
			}
		}
	}
}

func TestCouplingInvalid(t *testing.T) {
	g := G.NewGraph()
	net, err := NewMLP(g, 4, WithWidth(1))
	if err != nil {
		t.Fatal(err)
	}
	shape := tensor.Shape{2, 4}

	_, err = NewNICE(g, shape, net, WithMask(ParityMask(5)))
	if !errors.Is(err, ErrShape) {
		t.Errorf("expected ErrShape for a mask of the wrong shape but got %v",
			err)
	}

	half := tensor.New(tensor.WithShape(4),
		tensor.WithBacking([]float64{1, 0.5, 0, 1}))
	_, err = NewRealNVPElement(g, shape, net, net, WithMask(half))
	if !errors.Is(err, ErrConfig) {
		t.Errorf("expected ErrConfig for a non-binary mask but got %v", err)
	}

	_, err = NewRealNVPElement(g, shape, net, net, WithClip(-1))
	if !errors.Is(err, ErrConfig) {
		t.Errorf("expected ErrConfig for a negative clip but got %v", err)
	}

	layer, err := NewNICE(g, shape, net)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := layer.Forward(input(g, make([]float64, 10), 2,
		5)); !errors.Is(err, ErrShape) {
		t.Errorf("expected ErrShape for an input of the wrong shape but "+
			"got %v", err)
	}

	// A network that changes the number of features cannot condition
	// a coupling layer
	wide := newLinear(g, 4, 6, make([]float64, 24))
	layer, err = NewNICE(g, shape, wide)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := layer.Forward(input(g, make([]float64, 8), 2,
		4)); !errors.Is(err, ErrShape) {
		t.Errorf("expected ErrShape for a shape changing network but got %v",
			err)
	}
}

func TestMasks(t *testing.T) {
	m := ParityMask(2, 3)
	if want := []float64{1, 0, 1, 0, 1, 0}; !floatsEqual(m.Data().([]float64),
		want) {
		t.Errorf("expected parity mask %v but got %v", want, m.Data())
	}

	comp, err := Complement(m)
	if err != nil {
		t.Fatal(err)
	}
	if !comp.Shape().Eq(m.Shape()) {
		t.Errorf("expected complement of shape %v but got %v", m.Shape(),
			comp.Shape())
	}
	if want := []float64{0, 1, 0, 1, 0, 1}; !floatsEqual(
		comp.Data().([]float64), want) {
		t.Errorf("expected complement %v but got %v", want, comp.Data())
	}

	if _, err := checkMask(m, tensor.Shape{3, 2}); !errors.Is(err, ErrShape) {
		t.Errorf("expected ErrShape but got %v", err)
	}
}

func floatsEqual(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
