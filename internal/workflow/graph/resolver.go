// Package graph orders dependency-linked nodes with Kahn's algorithm.
package graph

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
)

// ErrCycle is returned when the edge set contains a cycle.
var ErrCycle = errors.New("dependency cycle detected")

// ErrUnknownNode is returned when an edge references a node that was not supplied.
var ErrUnknownNode = errors.New("edge references unknown node")

// Node is a vertex to be ordered. Position, Name and Tie break ordering ties
// among nodes that become ready at the same time, in that order.
type Node[K comparable] struct {
	Key      K
	Position int
	Name     string
	Tie      string
}

// Edge states that Node depends on DependsOn.
type Edge[K comparable] struct {
	Node      K
	DependsOn K
}

// CycleError lists the nodes that could not be ordered.
type CycleError[K comparable] struct {
	Unresolved []K
}

func (e *CycleError[K]) Error() string {
	return fmt.Sprintf("%v: %d node(s) unresolved %v", ErrCycle, len(e.Unresolved), e.Unresolved)
}

func (e *CycleError[K]) Unwrap() error {
	return ErrCycle
}

// Resolve returns the keys of nodes in an order where every node appears after
// all of its dependencies. The order is deterministic for a given input.
func Resolve[K comparable](nodes []Node[K], edges []Edge[K]) ([]K, error) {
	byKey := make(map[K]Node[K], len(nodes))
	for _, n := range nodes {
		byKey[n.Key] = n
	}

	inDegree := make(map[K]int, len(nodes))
	dependents := make(map[K][]K, len(nodes))
	seen := make(map[Edge[K]]struct{}, len(edges))
	for _, e := range edges {
		if _, ok := byKey[e.Node]; !ok {
			return nil, fmt.Errorf("%w: %v", ErrUnknownNode, e.Node)
		}
		if _, ok := byKey[e.DependsOn]; !ok {
			return nil, fmt.Errorf("%w: %v", ErrUnknownNode, e.DependsOn)
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		inDegree[e.Node]++
		dependents[e.DependsOn] = append(dependents[e.DependsOn], e.Node)
	}

	less := func(a, b K) int {
		na, nb := byKey[a], byKey[b]
		return cmp.Or(
			cmp.Compare(na.Position, nb.Position),
			cmp.Compare(na.Name, nb.Name),
			cmp.Compare(na.Tie, nb.Tie),
		)
	}

	ready := make([]K, 0, len(nodes))
	for _, n := range nodes {
		if inDegree[n.Key] == 0 {
			ready = append(ready, n.Key)
		}
	}

	order := make([]K, 0, len(nodes))
	for len(ready) > 0 {
		slices.SortFunc(ready, less)
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, d := range dependents[next] {
			inDegree[d]--
			if inDegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(order) < len(byKey) {
		placed := make(map[K]struct{}, len(order))
		for _, k := range order {
			placed[k] = struct{}{}
		}
		unresolved := make([]K, 0, len(byKey)-len(order))
		for _, n := range nodes {
			if _, ok := placed[n.Key]; !ok {
				unresolved = append(unresolved, n.Key)
			}
		}
		slices.SortFunc(unresolved, less)
		return nil, &CycleError[K]{Unresolved: unresolved}
	}

	return order, nil
}

// Prerequisites maps each node to the nodes it directly depends on.
func Prerequisites[K comparable](edges []Edge[K]) map[K][]K {
	out := make(map[K][]K)
	for _, e := range edges {
		out[e.Node] = append(out[e.Node], e.DependsOn)
	}
	return out
}

// Descendants returns every node that transitively depends on any of roots.
// Roots themselves are included.
func Descendants[K comparable](edges []Edge[K], roots ...K) map[K]struct{} {
	dependents := make(map[K][]K)
	for _, e := range edges {
		dependents[e.DependsOn] = append(dependents[e.DependsOn], e.Node)
	}

	out := make(map[K]struct{}, len(roots))
	stack := append([]K(nil), roots...)
	for len(stack) > 0 {
		k := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := out[k]; ok {
			continue
		}
		out[k] = struct{}{}
		stack = append(stack, dependents[k]...)
	}
	return out
}
