package distribution

import (
	"fmt"
	"log/slog"
	"math"

	"golang.org/x/exp/rand"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/inn"
)

// Normal is an isotropic normal density, N(Mean, StdDev²) independently
// on every element of a sample
type Normal struct {
	Mean   float64
	StdDev float64

	rng *rand.Rand
}

// NewNormal returns a Normal. The seed drives Sample; each call to
// Sample draws a new seed from it.
func NewNormal(mean, stddev float64, seed uint64) (*Normal, error) {
	if stddev <= 0 || math.IsNaN(stddev) || math.IsInf(stddev, 0) {
		return nil, fmt.Errorf("newNormal: expected a positive finite "+
			"stddev but got %v: %w", stddev, inn.ErrConfig)
	}

	slog.Debug("inn: normal density", "mean", mean, "stddev", stddev)
	return &Normal{
		Mean:   mean,
		StdDev: stddev,
		rng:    rand.New(rand.NewSource(seed)),
	}, nil
}

// StandardNormal returns a Normal with zero mean and unit variance
func StandardNormal(seed uint64) *Normal {
	return &Normal{Mean: 0, StdDev: 1, rng: rand.New(rand.NewSource(seed))}
}

// LogP computes
//
//	Σ -½((x-μ)/σ)² - log σ - ½ log 2π
//
// over every element of each sample
func (n *Normal) LogP(x *G.Node) (*G.Node, error) {
	if err := checkBatch(x); err != nil {
		return nil, fmt.Errorf("logP: %w", err)
	}

	g := x.Graph()
	mean := g.Constant(G.NewF64(n.Mean))
	stddev := g.Constant(G.NewF64(n.StdDev))
	negativeHalf := g.Constant(G.NewF64(-0.5))
	norm := g.Constant(G.NewF64(math.Log(n.StdDev) + 0.5*math.Log(2*math.Pi)))

	z := G.Must(G.Sub(x, mean))
	z = G.Must(G.HadamardDiv(z, stddev))
	z = G.Must(G.Square(z))
	z = G.Must(G.HadamardProd(negativeHalf, z))
	z = G.Must(G.Sub(z, norm))

	logP, err := inn.SumSample(z, true)
	if err != nil {
		return nil, fmt.Errorf("logP: %v", err)
	}
	return logP, nil
}

func (n *Normal) Sample(g *G.ExprGraph, shape tensor.Shape) (*G.Node, error) {
	s, err := draw(g, normalFamily, n.Mean, n.StdDev, n.rng.Uint64(), shape)
	if err != nil {
		return nil, fmt.Errorf("sample: %w", err)
	}
	return s, nil
}
