package inn

import (
	"errors"
	"testing"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func TestReshape(t *testing.T) {
	const batch = 2

	r, err := NewReshape(tensor.Shape{2, 3}, tensor.Shape{6})
	if err != nil {
		t.Fatal(err)
	}
	if !r.In().Eq(tensor.Shape{2, 3}) || !r.Out().Eq(tensor.Shape{6}) {
		t.Errorf("expected (2, 3) to (6) but got %v to %v", r.In(), r.Out())
	}

	x := randF64(batch*6, -1, 1)
	g := G.NewGraph()
	in := input(g, append([]float64(nil), x...), batch, 2, 3)

	y, logDet, err := r.Forward(in)
	if err != nil {
		t.Fatal(err)
	}
	if logDet != nil {
		t.Error("expected a nil log-det")
	}
	if !y.Shape().Eq(tensor.Shape{batch, 6}) {
		t.Errorf("expected output shape (%v, 6) but got %v", batch, y.Shape())
	}
	back, err := r.Inverse(y)
	if err != nil {
		t.Fatal(err)
	}
	if !back.Shape().Eq(in.Shape()) {
		t.Errorf("expected shape %v but got %v", in.Shape(), back.Shape())
	}

	var yVal, backVal G.Value
	G.Read(y, &yVal)
	G.Read(back, &backVal)
	run(t, g)

	checkClose(t, "reshape", data(t, yVal), x, 0)
	checkClose(t, "round trip", data(t, backVal), x, 0)

	if _, _, err := r.Forward(y); !errors.Is(err, ErrShape) {
		t.Errorf("expected ErrShape for the wrong input shape but got %v", err)
	}
	if _, err := r.Inverse(in); !errors.Is(err, ErrShape) {
		t.Errorf("expected ErrShape for the wrong output shape but got %v", err)
	}
}

func TestReshapeInvalid(t *testing.T) {
	if _, err := NewReshape(tensor.Shape{2, 3}, tensor.Shape{5}); !errors.Is(
		err, ErrShape) {
		t.Errorf("expected ErrShape for mismatched sizes but got %v", err)
	}
	if _, err := NewReshape(tensor.Shape{}, tensor.Shape{1}); !errors.Is(err,
		ErrShape) {
		t.Errorf("expected ErrShape for a scalar shape but got %v", err)
	}
}
