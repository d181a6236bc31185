package inn

import (
	"fmt"

	G "gorgonia.org/gorgonia"
)

// Layer is an invertible transform of a flow. Forward returns the
// transformed input and the per-sample log-determinant of its Jacobian.
// A nil log-determinant means either zero or, for an Estimator, that it
// must be requested separately.
type Layer interface {
	Forward(x *G.Node) (y, logDet *G.Node, err error)
	Inverse(y *G.Node) (*G.Node, error)
	Learnables() G.Nodes
}

// Estimator is a Layer whose log-determinant is too costly to compute
// in Forward
type Estimator interface {
	Layer
	LogDet(x *G.Node) (*G.Node, error)
}

// Base is the density a flow maps its inputs onto. LogP returns one
// log-density per sample.
type Base interface {
	LogP(x *G.Node) (*G.Node, error)
}

// Sequential composes layers into a flow over a base density
type Sequential struct {
	base   Base
	layers []Layer
}

// NewSequential returns a flow applying layers in order. base may be
// nil if LogLikelihood is never called.
func NewSequential(base Base, layers ...Layer) *Sequential {
	return &Sequential{base: base, layers: layers}
}

// Forward applies every layer in order, returning the output and the
// summed per-sample log-determinant. Estimator layers are asked for
// their log-determinant at their own input. If no layer contributes a
// log-determinant it is nil.
func (s *Sequential) Forward(x *G.Node) (y, logDet *G.Node, err error) {
	y = x
	for i, layer := range s.layers {
		in := y

		var ld *G.Node
		if y, ld, err = layer.Forward(in); err != nil {
			return nil, nil, fmt.Errorf("forward: layer %d: %w", i, err)
		}
		if est, ok := layer.(Estimator); ok && ld == nil {
			if ld, err = est.LogDet(in); err != nil {
				return nil, nil, fmt.Errorf("forward: layer %d: %w", i, err)
			}
		}

		if ld == nil {
			continue
		}
		if logDet == nil {
			logDet = ld
		} else if logDet, err = G.Add(logDet, ld); err != nil {
			return nil, nil, fmt.Errorf("forward: layer %d: %v", i, err)
		}
	}

	return y, logDet, nil
}

// Inverse applies the inverse of every layer in reverse order
func (s *Sequential) Inverse(y *G.Node) (*G.Node, error) {
	x := y
	for i := len(s.layers) - 1; i >= 0; i-- {
		var err error
		if x, err = s.layers[i].Inverse(x); err != nil {
			return nil, fmt.Errorf("inverse: layer %d: %w", i, err)
		}
	}
	return x, nil
}

// LogLikelihood returns the per-sample log-likelihood of x under the
// flow, the base log-density of the output plus the summed
// log-determinants
func (s *Sequential) LogLikelihood(x *G.Node) (*G.Node, error) {
	if s.base == nil {
		return nil, fmt.Errorf("logLikelihood: no base density: %w", ErrConfig)
	}

	z, logDet, err := s.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("logLikelihood: %w", err)
	}
	logP, err := s.base.LogP(z)
	if err != nil {
		return nil, fmt.Errorf("logLikelihood: %w", err)
	}
	if logDet == nil {
		return logP, nil
	}

	ll, err := G.Add(logP, logDet)
	if err != nil {
		return nil, fmt.Errorf("logLikelihood: %v", err)
	}
	return ll, nil
}

// Layers returns the flow's layers in order
func (s *Sequential) Layers() []Layer { return s.layers }

func (s *Sequential) Learnables() G.Nodes {
	var nodes G.Nodes
	for _, layer := range s.layers {
		nodes = append(nodes, layer.Learnables()...)
	}
	return uniqueNodes(nodes)
}
