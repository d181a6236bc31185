package inn

import (
	"math"
	"math/rand"
	"testing"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// randInt returns a random int slice of length size with values in
// [min, max)
func randInt(size int, min, max int) []int {
	slice := make([]int, size)
	for i := range slice {
		slice[i] = min + rand.Intn(max-min)
	}

	return slice
}

// randF64 returns a random float64 slice of length size with values in
// [min, max)
func randF64(size int, min, max float64) []float64 {
	slice := make([]float64, size)
	for i := range slice {
		slice[i] = min + rand.Float64()*(max-min)
	}

	return slice
}

// input adds a float64 input node holding data to g
func input(g *G.ExprGraph, data []float64, shape ...int) *G.Node {
	t := tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))

	return G.NewTensor(
		g,
		tensor.Float64,
		len(shape),
		G.WithShape(shape...),
		G.WithName(Unique("input")),
		G.WithValue(t),
	)
}

// run executes every node of g once
func run(t *testing.T, g *G.ExprGraph) {
	t.Helper()

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatal(err)
	}
}

// data returns the float64s held by v
func data(t *testing.T, v G.Value) []float64 {
	t.Helper()

	d, err := float64s(v)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

// checkClose reports every element of got that differs from want by
// more than tol
func checkClose(t *testing.T, what string, got, want []float64, tol float64) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("%v: expected %v elements but got %v", what, len(want),
			len(got))
	}
	for i := range got {
		if math.Abs(got[i]-want[i]) > tol || math.IsNaN(got[i]) {
			t.Errorf("%v: index %v \nexpected: %v \nreceived: %v", what, i,
				want[i], got[i])
		}
	}
}
