package inn

import (
	"fmt"

	G "gorgonia.org/gorgonia"
)

// vjp returns the vector-Jacobian product w·∂y/∂x as a node of x's
// shape.
//
// Unlike G.Backpropagate, vjp records nothing on the nodes it passes
// through: it calls each op's SymDiff directly. The same subgraph can
// therefore be pulled back any number of times with different
// cotangents, and the result can itself be differentiated by G.Grad.
func vjp(y, x, w *G.Node) (*G.Node, error) {
	if !w.Shape().Eq(y.Shape()) {
		return nil, fmt.Errorf("vjp: cotangent of shape %v for output of "+
			"shape %v: %w", w.Shape(), y.Shape(), ErrShape)
	}

	g := y.Graph()
	order, reaches := dependents(g, y, x)
	if !reaches[y] {
		return nil, fmt.Errorf("vjp: output does not depend on %v", x.Name())
	}

	grads := map[*G.Node]G.Nodes{y: {w}}
	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		if n == x {
			continue
		}

		grad, err := sumNodes(grads[n])
		if err != nil {
			return nil, fmt.Errorf("vjp: %v", err)
		}
		op, ok := n.Op().(G.SDOp)
		if !ok {
			return nil, fmt.Errorf("vjp: %v is not differentiable", n.Op())
		}

		children := childrenOf(g, n)
		diffs := op.DiffWRT(len(children))
		childGrads, err := op.SymDiff(children, n, grad)
		if err != nil {
			return nil, fmt.Errorf("vjp: %v: %v", n.Op(), err)
		}
		for j, child := range children {
			if j >= len(childGrads) || !diffs[j] || !reaches[child] ||
				childGrads[j] == nil {
				continue
			}
			grads[child] = append(grads[child], childGrads[j])
		}
	}

	out, err := sumNodes(grads[x])
	if err != nil {
		return nil, fmt.Errorf("vjp: %v", err)
	}
	return out, nil
}

// dependents returns the nodes between x and y in topological order,
// children first, and the set of nodes that depend on x
func dependents(g *G.ExprGraph, y, x *G.Node) (G.Nodes, map[*G.Node]bool) {
	reaches := make(map[*G.Node]bool)
	visited := make(map[*G.Node]bool)
	var order G.Nodes

	var visit func(n *G.Node) bool
	visit = func(n *G.Node) bool {
		if visited[n] {
			return reaches[n]
		}
		visited[n] = true

		if n == x {
			reaches[n] = true
		} else {
			for _, child := range childrenOf(g, n) {
				if visit(child) {
					reaches[n] = true
				}
			}
		}
		if reaches[n] {
			order = append(order, n)
		}
		return reaches[n]
	}
	visit(y)

	return order, reaches
}

// childrenOf returns the operands of n in order
func childrenOf(g *G.ExprGraph, n *G.Node) G.Nodes {
	it := g.From(n.ID())
	children := make(G.Nodes, 0, it.Len())
	for it.Next() {
		children = append(children, it.Node().(*G.Node))
	}
	return children
}

func sumNodes(nodes G.Nodes) (*G.Node, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("no gradient reached the node")
	}

	sum := nodes[0]
	for _, n := range nodes[1:] {
		var err error
		if sum, err = G.Add(sum, n); err != nil {
			return nil, err
		}
	}
	return sum, nil
}
