package inn

import (
	"fmt"
	"log/slog"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// coupling holds the mask shared by the coupling layers. Features where
// the mask is 1 are kept, the rest are transformed conditioned on the
// kept features.
type coupling struct {
	kind   Kind
	sample tensor.Shape
	mask   *tensor.Dense

	keepMask   *G.Node
	changeMask *G.Node
}

func newCoupling(g *G.ExprGraph, shape tensor.Shape,
	mask *tensor.Dense) (*coupling, error) {
	kind, err := KindOf(shape)
	if err != nil {
		return nil, err
	}
	sample := kind.sampleShape(shape)

	if mask == nil {
		mask = ParityMask(sample...)
	}
	if mask, err = checkMask(mask, sample); err != nil {
		return nil, err
	}
	comp, err := Complement(mask)
	if err != nil {
		return nil, err
	}

	return &coupling{
		kind:       kind,
		sample:     sample,
		mask:       mask,
		keepMask:   sampleConstant(g, mask, kind.Batched()),
		changeMask: sampleConstant(g, comp, kind.Batched()),
	}, nil
}

func (c *coupling) check(x *G.Node) error {
	return c.kind.check(x.Shape(), c.sample)
}

// keep zeroes the transformed features of x
func (c *coupling) keep(x *G.Node) (*G.Node, error) {
	return mulSample(x, c.keepMask, c.kind.Batched())
}

// change zeroes the kept features of x
func (c *coupling) change(x *G.Node) (*G.Node, error) {
	return mulSample(x, c.changeMask, c.kind.Batched())
}

// condition applies net to x, checking the output keeps x's shape
func condition(net Network, x *G.Node) (*G.Node, error) {
	out, err := net.Fwd(x)
	if err != nil {
		return nil, err
	}
	if !out.Shape().Eq(x.Shape()) {
		return nil, fmt.Errorf("network output shape %v differs from input "+
			"shape %v: %w", out.Shape(), x.Shape(), ErrShape)
	}
	return out, nil
}

// Mask returns a copy of the layer's mask
func (c *coupling) Mask() *tensor.Dense {
	return c.mask.Clone().(*tensor.Dense)
}

// Kind returns the input kind the layer was built for
func (c *coupling) Kind() Kind { return c.kind }

// NICE is an additive coupling layer. With mask b it computes
//
//	h = x + (1-b)⊙m(b⊙x)
//	y = h + b⊙m((1-b)⊙h)
//
// which is volume preserving, so its log-determinant is 0.
type NICE struct {
	*coupling
	m Network
}

// NewNICE returns a NICE layer for inputs of the given shape. It reads
// WithMask.
func NewNICE(g *G.ExprGraph, shape tensor.Shape, m Network,
	opts ...Option) (*NICE, error) {
	o := gatherOptions(opts)
	c, err := newCoupling(g, shape, o.mask)
	if err != nil {
		return nil, fmt.Errorf("newNICE: %w", err)
	}

	slog.Debug("inn: nice", "shape", shape, "kind", c.kind)
	return &NICE{coupling: c, m: m}, nil
}

// Forward returns the transformed input. The log-determinant is
// returned as nil, meaning 0.
func (n *NICE) Forward(x *G.Node) (y, logDet *G.Node, err error) {
	if err := n.check(x); err != nil {
		return nil, nil, fmt.Errorf("forward: %w", err)
	}

	h, err := n.shift(x, n.keep, n.change)
	if err != nil {
		return nil, nil, fmt.Errorf("forward: %w", err)
	}
	y, err = n.shift(h, n.change, n.keep)
	if err != nil {
		return nil, nil, fmt.Errorf("forward: %w", err)
	}

	return y, nil, nil
}

// Inverse undoes Forward
func (n *NICE) Inverse(y *G.Node) (*G.Node, error) {
	if err := n.check(y); err != nil {
		return nil, fmt.Errorf("inverse: %w", err)
	}

	h, err := n.unshift(y, n.change, n.keep)
	if err != nil {
		return nil, fmt.Errorf("inverse: %w", err)
	}
	x, err := n.unshift(h, n.keep, n.change)
	if err != nil {
		return nil, fmt.Errorf("inverse: %w", err)
	}

	return x, nil
}

type maskFn func(*G.Node) (*G.Node, error)

// shift returns x + out(m(in(x)))
func (n *NICE) shift(x *G.Node, in, out maskFn) (*G.Node, error) {
	d, err := n.delta(x, in, out)
	if err != nil {
		return nil, err
	}
	return G.Add(x, d)
}

// unshift returns x - out(m(in(x)))
func (n *NICE) unshift(x *G.Node, in, out maskFn) (*G.Node, error) {
	d, err := n.delta(x, in, out)
	if err != nil {
		return nil, err
	}
	return G.Sub(x, d)
}

func (n *NICE) delta(x *G.Node, in, out maskFn) (*G.Node, error) {
	masked, err := in(x)
	if err != nil {
		return nil, err
	}
	d, err := condition(n.m, masked)
	if err != nil {
		return nil, err
	}
	return out(d)
}

// LogDet returns the log-determinant of the layer, which is always 0
func (n *NICE) LogDet() float64 { return 0 }

func (n *NICE) Learnables() G.Nodes { return n.m.Learnables() }

// RealNVPElement is a single affine coupling step. With mask b, scale
// network f_s and shift network f_t it computes
//
//	s = exp(f_s(b⊙x)), t = f_t(b⊙x)
//	y = b⊙x + (1-b)⊙(x⊙s + t)
//
// Only the transformed features contribute to the log-determinant,
// Σ (1-b)⊙f_s(b⊙x). If a clip is set, f_s is soft-clamped to
// (-clip, clip) before exponentiation.
type RealNVPElement struct {
	*coupling
	logS, t Network
	clip    float64
	eps     float64
}

// NewRealNVPElement returns a RealNVPElement for inputs of the given
// shape. It reads WithMask, WithClip and WithEps.
func NewRealNVPElement(g *G.ExprGraph, shape tensor.Shape, logS, t Network,
	opts ...Option) (*RealNVPElement, error) {
	o := gatherOptions(opts)
	if o.clip < 0 {
		return nil, fmt.Errorf("newRealNVPElement: expected clip >= 0 but "+
			"got %v: %w", o.clip, ErrConfig)
	}

	c, err := newCoupling(g, shape, o.mask)
	if err != nil {
		return nil, fmt.Errorf("newRealNVPElement: %w", err)
	}

	slog.Debug("inn: real nvp element", "shape", shape, "kind", c.kind,
		"clip", o.clip)
	return &RealNVPElement{
		coupling: c,
		logS:     logS,
		t:        t,
		clip:     o.clip,
		eps:      o.eps,
	}, nil
}

// params returns s, log(s) and t conditioned on the kept features bx
func (r *RealNVPElement) params(bx *G.Node) (s, logS, t *G.Node,
	err error) {
	if logS, err = condition(r.logS, bx); err != nil {
		return nil, nil, nil, err
	}
	if r.clip > 0 {
		if logS, err = SoftClamp(logS, r.clip); err != nil {
			return nil, nil, nil, err
		}
	}
	if s, err = G.Exp(logS); err != nil {
		return nil, nil, nil, err
	}
	if t, err = condition(r.t, bx); err != nil {
		return nil, nil, nil, err
	}

	return s, logS, t, nil
}

// Forward returns the transformed input and the per-sample
// log-determinant
func (r *RealNVPElement) Forward(x *G.Node) (y, logDet *G.Node, err error) {
	if err := r.check(x); err != nil {
		return nil, nil, fmt.Errorf("forward: %w", err)
	}

	bx, err := r.keep(x)
	if err != nil {
		return nil, nil, fmt.Errorf("forward: %v", err)
	}
	s, logS, t, err := r.params(bx)
	if err != nil {
		return nil, nil, fmt.Errorf("forward: %w", err)
	}

	affine, err := G.HadamardProd(x, s)
	if err != nil {
		return nil, nil, fmt.Errorf("forward: %v", err)
	}
	if affine, err = G.Add(affine, t); err != nil {
		return nil, nil, fmt.Errorf("forward: %v", err)
	}
	if affine, err = r.change(affine); err != nil {
		return nil, nil, fmt.Errorf("forward: %v", err)
	}
	if y, err = G.Add(bx, affine); err != nil {
		return nil, nil, fmt.Errorf("forward: %v", err)
	}

	changed, err := r.change(logS)
	if err != nil {
		return nil, nil, fmt.Errorf("forward: %v", err)
	}
	if logDet, err = SumSample(changed, r.kind.Batched()); err != nil {
		return nil, nil, fmt.Errorf("forward: %v", err)
	}

	return y, logDet, nil
}

// Inverse computes b⊙y + (1-b)⊙(y - t)/(s + eps), with s and t
// conditioned on b⊙y = b⊙x
func (r *RealNVPElement) Inverse(y *G.Node) (*G.Node, error) {
	if err := r.check(y); err != nil {
		return nil, fmt.Errorf("inverse: %w", err)
	}

	by, err := r.keep(y)
	if err != nil {
		return nil, fmt.Errorf("inverse: %v", err)
	}
	s, _, t, err := r.params(by)
	if err != nil {
		return nil, fmt.Errorf("inverse: %w", err)
	}

	num, err := G.Sub(y, t)
	if err != nil {
		return nil, fmt.Errorf("inverse: %v", err)
	}
	den, err := G.Add(s, constant(y.Graph(), r.eps))
	if err != nil {
		return nil, fmt.Errorf("inverse: %v", err)
	}
	q, err := G.HadamardDiv(num, den)
	if err != nil {
		return nil, fmt.Errorf("inverse: %v", err)
	}
	if q, err = r.change(q); err != nil {
		return nil, fmt.Errorf("inverse: %v", err)
	}

	return G.Add(by, q)
}

func (r *RealNVPElement) Learnables() G.Nodes {
	return uniqueNodes(r.logS.Learnables(), r.t.Learnables())
}

// CombinedRealNVP chains two RealNVPElements with complementary masks
// sharing the same scale and shift networks, so that every feature is
// transformed once
type CombinedRealNVP struct {
	first, second *RealNVPElement
}

// NewCombinedRealNVP returns a CombinedRealNVP for inputs of the given
// shape. It reads WithMask, which sets the mask of the first element,
// WithClip and WithEps.
func NewCombinedRealNVP(g *G.ExprGraph, shape tensor.Shape, logS,
	t Network, opts ...Option) (*CombinedRealNVP, error) {
	first, err := NewRealNVPElement(g, shape, logS, t, opts...)
	if err != nil {
		return nil, fmt.Errorf("newCombinedRealNVP: %w", err)
	}

	comp, err := Complement(first.mask)
	if err != nil {
		return nil, fmt.Errorf("newCombinedRealNVP: %v", err)
	}
	secondOpts := append(append([]Option{}, opts...), WithMask(comp))
	second, err := NewRealNVPElement(g, shape, logS, t, secondOpts...)
	if err != nil {
		return nil, fmt.Errorf("newCombinedRealNVP: %w", err)
	}

	return &CombinedRealNVP{first: first, second: second}, nil
}

// Forward applies both elements and returns the sum of their
// log-determinants
func (c *CombinedRealNVP) Forward(x *G.Node) (y, logDet *G.Node,
	err error) {
	h, ld1, err := c.first.Forward(x)
	if err != nil {
		return nil, nil, fmt.Errorf("forward: %w", err)
	}
	y, ld2, err := c.second.Forward(h)
	if err != nil {
		return nil, nil, fmt.Errorf("forward: %w", err)
	}
	if logDet, err = G.Add(ld1, ld2); err != nil {
		return nil, nil, fmt.Errorf("forward: %v", err)
	}

	return y, logDet, nil
}

// Inverse applies the inverses of both elements in reverse order
func (c *CombinedRealNVP) Inverse(y *G.Node) (*G.Node, error) {
	h, err := c.second.Inverse(y)
	if err != nil {
		return nil, fmt.Errorf("inverse: %w", err)
	}
	x, err := c.first.Inverse(h)
	if err != nil {
		return nil, fmt.Errorf("inverse: %w", err)
	}

	return x, nil
}

// Masks returns copies of the masks of the two elements
func (c *CombinedRealNVP) Masks() (*tensor.Dense, *tensor.Dense) {
	return c.first.Mask(), c.second.Mask()
}

func (c *CombinedRealNVP) Learnables() G.Nodes { return c.first.Learnables() }

// uniqueNodes concatenates node lists, dropping repeated nodes
func uniqueNodes(lists ...G.Nodes) G.Nodes {
	seen := make(map[*G.Node]bool)
	var out G.Nodes
	for _, list := range lists {
		for _, n := range list {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	return out
}
