// Package graph walks the project version dependency relation in memory.
// A Graph is built from the full edge set once per scheduler pass and
// memoizes every closure it computes. It is not safe for concurrent use.
package graph

import (
	"errors"
	"fmt"

	"github.com/hashworks/deb-ci/controller/model"
)

var ErrCycle = errors.New("project version dependency cycle")

type Graph struct {
	deps map[int64][]int64
	memo map[int64][]int64
}

func New(edges []model.ProjectVersionDependency) *Graph {
	g := &Graph{
		deps: make(map[int64][]int64),
		memo: make(map[int64][]int64),
	}
	for _, edge := range edges {
		g.deps[edge.ProjectVersionId] = append(g.deps[edge.ProjectVersionId], edge.DependencyId)
	}
	return g
}

// Closure returns root followed by every project version it transitively
// depends on, breadth first in declaration order, without duplicates.
func (g *Graph) Closure(root int64) ([]int64, error) {
	if closure, ok := g.memo[root]; ok {
		return closure, nil
	}
	if err := g.Validate(root); err != nil {
		return nil, err
	}

	closure := []int64{root}
	seen := map[int64]bool{root: true}
	for i := 0; i < len(closure); i++ {
		for _, dep := range g.deps[closure[i]] {
			if !seen[dep] {
				seen[dep] = true
				closure = append(closure, dep)
			}
		}
	}

	g.memo[root] = closure
	return closure, nil
}

// Validate returns ErrCycle if a cycle is reachable from root.
func (g *Graph) Validate(root int64) error {
	// permanent: fully visited, no cycle below. temporary: on the stack.
	permanent := make(map[int64]bool)
	temporary := make(map[int64]bool)

	var visit func(id int64) error
	visit = func(id int64) error {
		if permanent[id] {
			return nil
		}
		if temporary[id] {
			return fmt.Errorf("%w involving project version %d", ErrCycle, id)
		}
		temporary[id] = true
		for _, dep := range g.deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		delete(temporary, id)
		permanent[id] = true
		return nil
	}

	return visit(root)
}
