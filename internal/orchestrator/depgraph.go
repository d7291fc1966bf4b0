package orchestrator

import (
	"fmt"
	"sort"

	"github.com/mcp-tower/tower/internal/config"
)

// dependencyGraph is a defense-in-depth cycle check over the catalog's
// declared dependencies, ported from the teacher's DependencyGraph.
// config.validateDescriptors already forbids cycles structurally (every
// dependency must have a strictly lower layer than its dependent), but
// Validate is kept as an explicit, independent check run at Bootstrap
// rather than trusting that invariant transitively.
type dependencyGraph struct {
	edges map[string][]string
}

func newDependencyGraph(servers map[string]config.ServerDescriptor) *dependencyGraph {
	g := &dependencyGraph{edges: make(map[string][]string, len(servers))}
	for name, desc := range servers {
		g.edges[name] = append([]string(nil), desc.Metadata.Dependencies...)
	}
	return g
}

// Validate returns an error naming the cycle if one exists.
func (g *dependencyGraph) Validate() error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(g.edges))

	names := make([]string, 0, len(g.edges))
	for n := range g.edges {
		names = append(names, n)
	}
	sort.Strings(names)

	var path []string
	var visit func(string) error
	visit = func(node string) error {
		switch state[node] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("orchestrator: dependency cycle detected: %v -> %s", append(path, node), node)
		}
		state[node] = visiting
		path = append(path, node)
		for _, dep := range g.edges[node] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[node] = done
		return nil
	}

	for _, n := range names {
		if err := visit(n); err != nil {
			return err
		}
	}
	return nil
}

// layers groups server names by ascending Metadata.Layer.
func layers(servers map[string]config.ServerDescriptor) [][]string {
	byLayer := make(map[int][]string)
	for name, desc := range servers {
		byLayer[desc.Metadata.Layer] = append(byLayer[desc.Metadata.Layer], name)
	}

	layerNums := make([]int, 0, len(byLayer))
	for l := range byLayer {
		layerNums = append(layerNums, l)
	}
	sort.Ints(layerNums)

	out := make([][]string, 0, len(layerNums))
	for _, l := range layerNums {
		names := byLayer[l]
		sort.Strings(names)
		out = append(out, names)
	}
	return out
}
