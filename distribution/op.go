package distribution

import (
	"fmt"

	G "gorgonia.org/gorgonia"
)

// NormalRand returns a node of numSamples samples from element-wise
// normal distributions, with shape (numSamples, mean.Shape()...). New
// samples are drawn on every execution of the graph.
func NormalRand(mean, stddev *G.Node, seed uint64,
	numSamples int) (*G.Node, error) {
	s, err := sample(normalFamily, mean, stddev, seed, numSamples)
	if err != nil {
		return nil, fmt.Errorf("normalRand: %w", err)
	}
	return s, nil
}

// LaplaceRand returns a node of numSamples samples from element-wise
// Laplace distributions, with shape (numSamples, loc.Shape()...). New
// samples are drawn on every execution of the graph.
func LaplaceRand(loc, scale *G.Node, seed uint64,
	numSamples int) (*G.Node, error) {
	s, err := sample(laplaceFamily, loc, scale, seed, numSamples)
	if err != nil {
		return nil, fmt.Errorf("laplaceRand: %w", err)
	}
	return s, nil
}

func sample(f family, loc, scale *G.Node, seed uint64,
	numSamples int) (*G.Node, error) {
	if loc.Dtype() != scale.Dtype() {
		return nil, fmt.Errorf("location and scale should have same dtype "+
			"but got %v and %v", loc.Dtype(), scale.Dtype())
	}
	if !loc.Shape().Eq(scale.Shape()) {
		return nil, fmt.Errorf("location and scale should have same shape "+
			"but got %v and %v", loc.Shape(), scale.Shape())
	}

	op, err := newSampleOp(f, loc.Dtype(), seed, numSamples, loc.Shape()...)
	if err != nil {
		return nil, err
	}

	return G.ApplyOp(op, loc, scale)
}
