package inn

import (
	"fmt"
	"log/slog"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// PLUMatrix parameterizes an invertible dim×dim matrix as
//
//	W = P·L·(U + diag(s))
//
// where P is a fixed permutation, L is unit lower triangular and U is
// strictly upper triangular. With WithPositiveS the diagonal is stored
// as log(s), so s > 0 and W is invertible for any parameter values.
// Otherwise s is stored directly and W is singular if an entry of s
// reaches 0, see Singular.
type PLUMatrix struct {
	dim       int
	positiveS bool
	eps       float64

	p          *G.Node // permutation
	eye        *G.Node
	lowerMask  *G.Node // strictly lower triangle
	upperMask  *G.Node // strictly upper triangle
	lRaw, uRaw *G.Node
	s          *G.Node // log(s) when positiveS

	w, inv *G.Node
}

// NewPLUMatrix returns a PLUMatrix initialized at a random orthogonal
// matrix. It reads WithPositiveS, WithEps and WithSeed.
func NewPLUMatrix(g *G.ExprGraph, dim int, opts ...Option) (*PLUMatrix,
	error) {
	o := gatherOptions(opts)
	if dim <= 0 {
		return nil, fmt.Errorf("newPLUMatrix: expected dim > 0 but got %v: %w",
			dim, ErrConfig)
	}

	p, l, u := orthogonalPLU(dim, o.seed)

	diag := make([]float64, dim)
	for i := range diag {
		diag[i] = u.At(i, i)
		if o.positiveS {
			diag[i] = math.Log(math.Abs(diag[i]))
		}
	}

	m := &PLUMatrix{
		dim:       dim,
		positiveS: o.positiveS,
		eps:       o.eps,
		p:         g.Constant(denseTensor(p)),
		eye:       g.Constant(denseTensor(eye(dim))),
		lowerMask: g.Constant(denseTensor(triangleMask(dim, true))),
		upperMask: g.Constant(denseTensor(triangleMask(dim, false))),
		lRaw:      learnable(g, "plu_l", strictTriangle(l, true), dim, dim),
		uRaw:      learnable(g, "plu_u", strictTriangle(u, false), dim, dim),
		s:         learnable(g, "plu_s", diag, dim),
	}

	var err error
	if m.w, err = m.buildW(); err != nil {
		return nil, fmt.Errorf("newPLUMatrix: %v", err)
	}
	if m.inv, err = Inverse(m.w); err != nil {
		return nil, fmt.Errorf("newPLUMatrix: %w", err)
	}

	slog.Debug("inn: plu matrix", "dim", dim, "positive_s", o.positiveS)
	return m, nil
}

// orthogonalPLU samples a random orthogonal matrix and returns its
// P, L, U factors
func orthogonalPLU(dim int, seed uint64) (p, l, u mat.Matrix) {
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(seed)}
	data := make([]float64, dim*dim)
	for i := range data {
		data[i] = normal.Rand()
	}

	var qr mat.QR
	qr.Factorize(mat.NewDense(dim, dim, data))
	var q, r mat.Dense
	qr.QTo(&q)
	qr.RTo(&r)

	// Fixing the signs of R's diagonal makes Q uniformly distributed
	for j := 0; j < dim; j++ {
		if r.At(j, j) < 0 {
			for i := 0; i < dim; i++ {
				q.Set(i, j, -q.At(i, j))
			}
		}
	}

	var lu mat.LU
	lu.Factorize(&q)
	var lt, ut mat.TriDense
	lu.LTo(&lt)
	lu.UTo(&ut)
	var perm mat.Dense
	perm.Permutation(dim, lu.Pivot(nil))

	// Depending on the swap convention, either perm or its transpose
	// recovers Q
	var prod, check mat.Dense
	prod.Mul(&lt, &ut)
	check.Mul(&perm, &prod)
	if !mat.EqualApprox(&check, &q, 1e-9) {
		var pt mat.Dense
		pt.CloneFrom(perm.T())
		return &pt, &lt, &ut
	}

	return &perm, &lt, &ut
}

func eye(n int) mat.Matrix {
	d := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		d.Set(i, i, 1)
	}
	return d
}

// triangleMask returns ones on the strictly lower (or upper) triangle
func triangleMask(n int, lower bool) mat.Matrix {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if (lower && j < i) || (!lower && j > i) {
				m.Set(i, j, 1)
			}
		}
	}
	return m
}

// strictTriangle returns the strictly lower (or upper) triangle of m in
// row-major order
func strictTriangle(m mat.Matrix, lower bool) []float64 {
	n, _ := m.Dims()
	out := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if (lower && j < i) || (!lower && j > i) {
				out[i*n+j] = m.At(i, j)
			}
		}
	}
	return out
}

func denseTensor(m mat.Matrix) *tensor.Dense {
	r, c := m.Dims()
	data := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			data = append(data, m.At(i, j))
		}
	}
	return tensor.New(tensor.WithShape(r, c), tensor.WithBacking(data))
}

// L returns the unit lower triangular factor
func (m *PLUMatrix) L() (*G.Node, error) {
	l, err := G.HadamardProd(m.lRaw, m.lowerMask)
	if err != nil {
		return nil, fmt.Errorf("l: %v", err)
	}
	return G.Add(l, m.eye)
}

// U returns the strictly upper triangular factor
func (m *PLUMatrix) U() (*G.Node, error) {
	return G.HadamardProd(m.uRaw, m.upperMask)
}

// S returns the diagonal of the upper triangular factor
func (m *PLUMatrix) S() (*G.Node, error) {
	if m.positiveS {
		return G.Exp(m.s)
	}
	return m.s, nil
}

func (m *PLUMatrix) buildW() (*G.Node, error) {
	l, err := m.L()
	if err != nil {
		return nil, err
	}
	u, err := m.U()
	if err != nil {
		return nil, err
	}
	s, err := m.S()
	if err != nil {
		return nil, err
	}

	row, err := G.Reshape(s, tensor.Shape{1, m.dim})
	if err != nil {
		return nil, err
	}
	diag, err := G.BroadcastHadamardProd(m.eye, row, nil, []byte{0})
	if err != nil {
		return nil, err
	}
	if u, err = G.Add(u, diag); err != nil {
		return nil, err
	}

	pl, err := G.Mul(m.p, l)
	if err != nil {
		return nil, err
	}
	return G.Mul(pl, u)
}

// W returns the matrix P·L·(U + diag(s))
func (m *PLUMatrix) W() *G.Node { return m.w }

// InverseW returns the explicit inverse of W
func (m *PLUMatrix) InverseW() *G.Node { return m.inv }

// LogDet returns log|det W|. This is Σ log(s) with WithPositiveS and
// Σ log(|s| + eps) otherwise.
func (m *PLUMatrix) LogDet() (*G.Node, error) {
	if m.positiveS {
		return G.Sum(m.s)
	}

	abs, err := G.Abs(m.s)
	if err != nil {
		return nil, fmt.Errorf("logDet: %v", err)
	}
	if abs, err = G.Add(abs, constant(m.s.Graph(), m.eps)); err != nil {
		return nil, fmt.Errorf("logDet: %v", err)
	}
	if abs, err = G.Log(abs); err != nil {
		return nil, fmt.Errorf("logDet: %v", err)
	}
	return G.Sum(abs)
}

// Singular reports whether the current diagonal makes W singular to
// within eps. This can only happen without WithPositiveS.
func (m *PLUMatrix) Singular() (bool, error) {
	if m.positiveS {
		return false, nil
	}

	s, err := float64s(m.s.Value())
	if err != nil {
		return false, fmt.Errorf("singular: %v", err)
	}
	for _, v := range s {
		if math.Abs(v) <= m.eps || math.IsNaN(v) {
			return true, nil
		}
	}
	return false, nil
}

// Dim returns the size of the matrix
func (m *PLUMatrix) Dim() int { return m.dim }

func (m *PLUMatrix) Learnables() G.Nodes {
	return G.Nodes{m.lRaw, m.uRaw, m.s}
}
