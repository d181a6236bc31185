package inn

import (
	"fmt"
	"log/slog"

	G "gorgonia.org/gorgonia"
)

// MuVar estimates the mean and variance of the featureIn - featureOut
// latent features split off a flow, conditioned on the featureOut
// features that are kept. The estimator is built on the first call to
// Forward from the kind of its input: linear for vectors, convolutional
// with a kernel of 3 for sequences and grids. Weights and biases start
// at zero, so initially mu = 0 and var = 1 + eps.
type MuVar struct {
	featureIn, featureOut int
	eps                   float64

	kind        Kind
	initialized bool
	mu, logVar  Network
}

// NewMuVar returns an uninitialized MuVar. It reads WithEps.
func NewMuVar(featureIn, featureOut int, opts ...Option) (*MuVar, error) {
	o := gatherOptions(opts)
	if featureOut <= 0 || featureIn <= featureOut {
		return nil, fmt.Errorf("newMuVar: expected feature_in > feature_out > 0 "+
			"but got (%v, %v): %w", featureIn, featureOut, ErrConfig)
	}

	return &MuVar{featureIn: featureIn, featureOut: featureOut, eps: o.eps}, nil
}

func (m *MuVar) initialize(y *G.Node) error {
	kind, err := KindOf(y.Shape())
	if err != nil {
		return err
	}

	g := y.Graph()
	latent := m.featureIn - m.featureOut
	switch kind {
	case Vector:
		m.mu = newZeroLinear(g, m.featureOut, latent)
		m.logVar = newZeroLinear(g, m.featureOut, latent)

	case Sequence, Grid:
		if m.mu, err = newZeroConv(g, kind, m.featureOut, latent,
			DefaultKernel); err != nil {
			return err
		}
		if m.logVar, err = newZeroConv(g, kind, m.featureOut, latent,
			DefaultKernel); err != nil {
			return err
		}

	default:
		return fmt.Errorf("cannot split features of a single sample %v: %w",
			y.Shape(), ErrShape)
	}

	slog.Debug("inn: muvar", "kind", kind, "feature_in", m.featureIn,
		"feature_out", m.featureOut)
	m.kind = kind
	m.initialized = true
	return nil
}

// Forward returns the latent mean and variance predicted from y along
// with the per-sample log-determinant -Σ log(var). y is (B, featureOut),
// (B, featureOut, L) or (B, featureOut, H, W) and must keep the kind of
// the first call.
func (m *MuVar) Forward(y *G.Node) (mu, variance, logDet *G.Node, err error) {
	if !m.initialized {
		if err := m.initialize(y); err != nil {
			return nil, nil, nil, fmt.Errorf("forward: %w", err)
		}
	}

	kind, err := KindOf(y.Shape())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("forward: %w", err)
	}
	if kind != m.kind {
		return nil, nil, nil, fmt.Errorf("forward: bound to %v inputs but "+
			"got %v input of shape %v: %w", m.kind, kind, y.Shape(), ErrShape)
	}
	if features := y.Shape()[1]; features != m.featureOut {
		return nil, nil, nil, fmt.Errorf("forward: expected %v features but "+
			"got shape %v: %w", m.featureOut, y.Shape(), ErrShape)
	}

	if mu, err = m.mu.Fwd(y); err != nil {
		return nil, nil, nil, fmt.Errorf("forward: %w", err)
	}
	logVar, err := m.logVar.Fwd(y)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("forward: %w", err)
	}

	if variance, err = G.Exp(logVar); err != nil {
		return nil, nil, nil, fmt.Errorf("forward: %v", err)
	}
	if variance, err = G.Add(variance, constant(y.Graph(), m.eps)); err != nil {
		return nil, nil, nil, fmt.Errorf("forward: %v", err)
	}

	logVariance, err := G.Log(variance)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("forward: %v", err)
	}
	if logDet, err = SumSample(logVariance, true); err != nil {
		return nil, nil, nil, fmt.Errorf("forward: %v", err)
	}
	if logDet, err = G.Neg(logDet); err != nil {
		return nil, nil, nil, fmt.Errorf("forward: %v", err)
	}

	return mu, variance, logDet, nil
}

// Initialized reports whether Forward has built the estimator
func (m *MuVar) Initialized() bool { return m.initialized }

// Kind returns the input kind the estimator was built for, or Unbatched
// before the first call to Forward
func (m *MuVar) Kind() Kind { return m.kind }

func (m *MuVar) Learnables() G.Nodes {
	if !m.initialized {
		return nil
	}
	return append(m.mu.Learnables(), m.logVar.Learnables()...)
}
