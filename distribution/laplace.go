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

// Laplace is an isotropic Laplace density with location Mu and scale
// Scale on every element of a sample
type Laplace struct {
	Mu    float64
	Scale float64

	rng *rand.Rand
}

// NewLaplace returns a Laplace. The seed drives Sample.
func NewLaplace(mu, scale float64, seed uint64) (*Laplace, error) {
	if scale <= 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return nil, fmt.Errorf("newLaplace: expected a positive finite "+
			"scale but got %v: %w", scale, inn.ErrConfig)
	}

	slog.Debug("inn: laplace density", "mu", mu, "scale", scale)
	return &Laplace{Mu: mu, Scale: scale, rng: rand.New(rand.NewSource(seed))},
		nil
}

// LogP computes Σ -|x-μ|/b - log 2b over every element of each sample
func (l *Laplace) LogP(x *G.Node) (*G.Node, error) {
	if err := checkBatch(x); err != nil {
		return nil, fmt.Errorf("logP: %w", err)
	}

	g := x.Graph()
	mu := g.Constant(G.NewF64(l.Mu))
	scale := g.Constant(G.NewF64(l.Scale))
	norm := g.Constant(G.NewF64(math.Log(2 * l.Scale)))

	z := G.Must(G.Sub(x, mu))
	z = G.Must(G.Abs(z))
	z = G.Must(G.HadamardDiv(z, scale))
	z = G.Must(G.Neg(z))
	z = G.Must(G.Sub(z, norm))

	logP, err := inn.SumSample(z, true)
	if err != nil {
		return nil, fmt.Errorf("logP: %v", err)
	}
	return logP, nil
}

func (l *Laplace) Sample(g *G.ExprGraph, shape tensor.Shape) (*G.Node, error) {
	s, err := draw(g, laplaceFamily, l.Mu, l.Scale, l.rng.Uint64(), shape)
	if err != nil {
		return nil, fmt.Errorf("sample: %w", err)
	}
	return s, nil
}
