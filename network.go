package inn

import (
	"fmt"
	"log/slog"

	"golang.org/x/exp/rand"
	G "gorgonia.org/gorgonia"
)

// Network is a sub-network used to condition a layer, e.g. the scale
// and shift networks of a coupling layer
type Network interface {
	Fwd(x *G.Node) (*G.Node, error)
	Learnables() G.Nodes
}

// LipschitzBounded is a Network with a known upper bound on its
// Lipschitz constant
type LipschitzBounded interface {
	Network
	LipschitzBound() float64
}

// Moder is implemented by networks that behave differently when
// training, e.g. by applying dropout
type Moder interface {
	SetTraining(training bool)
	Training() bool
}

// EvalMode switches every Moder in nets to evaluation mode. The
// returned function restores the modes the networks had before.
//
//	defer EvalMode(net)()
func EvalMode(nets ...Network) (restore func()) {
	type saved struct {
		m        Moder
		training bool
	}

	prev := make([]saved, 0, len(nets))
	for _, net := range nets {
		if m, ok := net.(Moder); ok {
			prev = append(prev, saved{m, m.Training()})
			m.SetTraining(false)
		}
	}

	return func() {
		for i := len(prev) - 1; i >= 0; i-- {
			prev[i].m.SetTraining(prev[i].training)
		}
	}
}

// Activation is an element-wise nonlinearity used between the layers
// of a sub-network
type Activation int

const (
	actUnset Activation = iota
	ActTanh
	ActReLU
	ActLeakyReLU
	ActSigmoid
	ActSELU
	ActGELU
)

const (
	leakyReLUSlope = 0.01
	seluScale      = 1.0507009873554805
	seluAlpha      = 1.6732632423543772
)

func (a Activation) String() string {
	switch a {
	case actUnset:
		return "Unset"
	case ActTanh:
		return "Tanh"
	case ActReLU:
		return "ReLU"
	case ActLeakyReLU:
		return "LeakyReLU"
	case ActSigmoid:
		return "Sigmoid"
	case ActSELU:
		return "SELU"
	case ActGELU:
		return "GELU"
	}
	return fmt.Sprintf("Activation(%d)", int(a))
}

// Lipschitz returns the Lipschitz constant of the activation
func (a Activation) Lipschitz() float64 {
	switch a {
	case ActSigmoid:
		return 0.25
	case ActSELU:
		return seluScale * seluAlpha
	case ActGELU:
		return geluLipschitz
	}
	return 1
}

func (a Activation) apply(x *G.Node) (*G.Node, error) {
	switch a {
	case ActTanh:
		return G.Tanh(x)
	case ActReLU:
		return G.Rectify(x)
	case ActLeakyReLU:
		return G.LeakyRelu(x, leakyReLUSlope)
	case ActSigmoid:
		return G.Sigmoid(x)
	case ActGELU:
		return GELU(x)
	case ActSELU:
		return selu(x)
	}
	return nil, fmt.Errorf("apply: unknown activation %v: %w", a, ErrConfig)
}

// selu computes λ(max(0, x) + α(exp(min(0, x)) - 1))
func selu(x *G.Node) (*G.Node, error) {
	g := x.Graph()

	pos, err := G.Rectify(x)
	if err != nil {
		return nil, err
	}
	neg, err := G.Neg(x)
	if err != nil {
		return nil, err
	}
	if neg, err = G.Rectify(neg); err != nil {
		return nil, err
	}
	if neg, err = G.Neg(neg); err != nil {
		return nil, err
	}
	if neg, err = G.Exp(neg); err != nil {
		return nil, err
	}
	if neg, err = G.Sub(neg, constant(g, 1)); err != nil {
		return nil, err
	}
	if neg, err = G.HadamardProd(neg, constant(g, seluAlpha)); err != nil {
		return nil, err
	}

	out, err := G.Add(pos, neg)
	if err != nil {
		return nil, err
	}
	return G.HadamardProd(out, constant(g, seluScale))
}

// MLP is a fully connected network with two hidden layers of width
// w·dim that maps dim features to dim features. Weights are
// Glorot-uniform and biases zero. Dropout, if set, is only applied in
// training mode.
type MLP struct {
	layers   []*Linear
	act      Activation
	dropout  float64
	training bool
}

// NewMLP returns a new MLP. It reads WithWidth, WithActivation
// (default ActSELU), WithDropout and WithSeed.
func NewMLP(g *G.ExprGraph, dim int, opts ...Option) (*MLP, error) {
	o := gatherOptions(opts)
	if dim <= 0 || o.width <= 0 {
		return nil, fmt.Errorf("newMLP: expected positive dim and width but "+
			"got %v and %v: %w", dim, o.width, ErrConfig)
	}
	if o.dropout < 0 || o.dropout >= 1 {
		return nil, fmt.Errorf("newMLP: dropout %v outside [0, 1): %w",
			o.dropout, ErrConfig)
	}
	act := o.activation
	if act == actUnset {
		act = ActSELU
	}

	hidden := o.width * dim
	sizes := [][2]int{{dim, hidden}, {hidden, hidden}, {hidden, dim}}
	seeds := rand.New(rand.NewSource(o.seed))

	m := &MLP{act: act, dropout: o.dropout, training: true}
	for _, size := range sizes {
		l, err := NewLinear(g, size[0], size[1], WithSeed(seeds.Uint64()))
		if err != nil {
			return nil, fmt.Errorf("newMLP: %w", err)
		}
		m.layers = append(m.layers, l)
	}

	slog.Debug("inn: mlp", "dim", dim, "hidden", hidden, "activation", act)
	return m, nil
}

func (m *MLP) Fwd(x *G.Node) (*G.Node, error) {
	var err error
	for i, l := range m.layers {
		if x, err = l.Fwd(x); err != nil {
			return nil, fmt.Errorf("fwd: %w", err)
		}
		if i == len(m.layers)-1 {
			break
		}

		if x, err = m.act.apply(x); err != nil {
			return nil, fmt.Errorf("fwd: %w", err)
		}
		if m.training && m.dropout > 0 {
			if x, err = G.Dropout(x, m.dropout); err != nil {
				return nil, fmt.Errorf("fwd: %v", err)
			}
		}
	}

	return x, nil
}

func (m *MLP) Learnables() G.Nodes {
	var nodes G.Nodes
	for _, l := range m.layers {
		nodes = append(nodes, l.Learnables()...)
	}
	return nodes
}

func (m *MLP) SetTraining(training bool) { m.training = training }

func (m *MLP) Training() bool { return m.training }

// SNStack is a stack of three spectrally normalized linear or
// convolutional layers separated by an activation. Its input is scaled
// by k = beta / (L_act² · c³) so that the stack is beta-Lipschitz, where
// L_act is the Lipschitz constant of the activation and c the spectral
// norm target of each layer.
type SNStack struct {
	kind     Kind
	beta     float64
	k        float64
	act      Activation
	layers   []Network
	training bool
}

// NewSNStack returns an SNStack for inputs of the given kind with
// features input features (Vector and Unbatched) or channels (Sequence
// and Grid). It reads WithBeta, WithWidth, WithKernel, WithActivation
// (default ActGELU), WithCoefficient, WithExactNorm,
// WithPowerIterations and WithSeed.
func NewSNStack(g *G.ExprGraph, kind Kind, features int,
	opts ...Option) (*SNStack, error) {
	o := gatherOptions(opts)
	if features <= 0 || o.width <= 0 {
		return nil, fmt.Errorf("newSNStack: expected positive features and "+
			"width but got %v and %v: %w", features, o.width, ErrConfig)
	}
	if o.beta <= 0 {
		return nil, fmt.Errorf("newSNStack: expected beta > 0 but got %v: %w",
			o.beta, ErrConfig)
	}
	if o.coeff <= 0 {
		return nil, fmt.Errorf("newSNStack: expected coefficient > 0 but "+
			"got %v: %w", o.coeff, ErrConfig)
	}
	if kind.Batched() && kind != Vector && o.kernel%2 != 1 {
		return nil, fmt.Errorf("newSNStack: kernel size must be odd but "+
			"got %v: %w", o.kernel, ErrConfig)
	}
	act := o.activation
	if act == actUnset {
		act = ActGELU
	}

	hidden := o.width * features
	sizes := [][2]int{{features, hidden}, {hidden, hidden}, {hidden, features}}
	seeds := rand.New(rand.NewSource(o.seed))

	s := &SNStack{
		kind:     kind,
		beta:     o.beta,
		act:      act,
		training: true,
	}
	l := act.Lipschitz()
	s.k = o.beta / (l * l * o.coeff * o.coeff * o.coeff)

	for _, size := range sizes {
		layerOpts := []Option{
			WithSeed(seeds.Uint64()),
			WithCoefficient(o.coeff),
			WithPowerIterations(o.powerIters),
			WithKernel(o.kernel),
		}
		if o.exact {
			layerOpts = append(layerOpts, WithExactNorm())
		}

		var layer Network
		var err error
		switch kind {
		case Unbatched, Vector:
			layer, err = NewSNLinear(g, size[0], size[1], layerOpts...)
		case Sequence:
			layer, err = NewSNConv1d(g, size[0], size[1], layerOpts...)
		case Grid:
			layer, err = NewSNConv2d(g, size[0], size[1], layerOpts...)
		default:
			err = fmt.Errorf("unknown kind %v: %w", kind, ErrConfig)
		}
		if err != nil {
			return nil, fmt.Errorf("newSNStack: %w", err)
		}
		s.layers = append(s.layers, layer)
	}

	slog.Debug("inn: spectral norm stack", "kind", kind, "features",
		features, "hidden", hidden, "beta", o.beta, "k", s.k)
	return s, nil
}

// NewSNFCN returns a fully connected SNStack over dim features
func NewSNFCN(g *G.ExprGraph, dim int, opts ...Option) (*SNStack, error) {
	return NewSNStack(g, Vector, dim, opts...)
}

// NewSNConv1dStack returns a 1-D convolutional SNStack over sequences
// with the given number of channels
func NewSNConv1dStack(g *G.ExprGraph, channels int,
	opts ...Option) (*SNStack, error) {
	return NewSNStack(g, Sequence, channels, opts...)
}

// NewSNConv2dStack returns a 2-D convolutional SNStack over grids with
// the given number of channels
func NewSNConv2dStack(g *G.ExprGraph, channels int,
	opts ...Option) (*SNStack, error) {
	return NewSNStack(g, Grid, channels, opts...)
}

func (s *SNStack) Fwd(x *G.Node) (*G.Node, error) {
	x, err := G.HadamardProd(x, constant(x.Graph(), s.k))
	if err != nil {
		return nil, fmt.Errorf("fwd: %v", err)
	}

	for i, l := range s.layers {
		if x, err = l.Fwd(x); err != nil {
			return nil, fmt.Errorf("fwd: %w", err)
		}
		if i < len(s.layers)-1 {
			if x, err = s.act.apply(x); err != nil {
				return nil, fmt.Errorf("fwd: %w", err)
			}
		}
	}

	return x, nil
}

func (s *SNStack) Learnables() G.Nodes {
	var nodes G.Nodes
	for _, l := range s.layers {
		nodes = append(nodes, l.Learnables()...)
	}
	return nodes
}

// LipschitzBound returns beta
func (s *SNStack) LipschitzBound() float64 { return s.beta }

// Kind returns the input kind the stack was built for
func (s *SNStack) Kind() Kind { return s.kind }

// Layers returns the spectrally normalized layers of the stack
func (s *SNStack) Layers() []Network { return s.layers }

// SetTraining sets the mode of the stack and of its layers
func (s *SNStack) SetTraining(training bool) {
	s.training = training
	for _, l := range s.layers {
		if m, ok := l.(Moder); ok {
			m.SetTraining(training)
		}
	}
}

func (s *SNStack) Training() bool { return s.training }
