// Package chain sequences refresh, masking, and retention as a dependency
// graph and runs it on a schedule.
//
// Each cycle starts fresh: a node runs only when every upstream node succeeded
// in the same cycle. A failed or skipped node halts everything downstream, and
// the next trigger begins again at the root.
package chain

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/envsync/internal/model"
)

var (
	// ErrCycle is returned when node dependencies form a cycle.
	ErrCycle = errors.New("dependency cycle")

	// ErrUnknownNode is returned for a dependency or node name the graph lacks.
	ErrUnknownNode = errors.New("unknown node")
)

// Node is one stage of a chain cycle.
type Node interface {
	// Name returns the node's unique identifier.
	Name() string

	// Dependencies returns the nodes that must succeed first in the same cycle.
	Dependencies() []string

	// Run executes the stage and records its output on run. The returned
	// reason is a short human-readable account of what happened.
	Run(ctx context.Context, run *model.TaskChainRun) (reason string, err error)
}

// BaseNode implements Name and Dependencies. Embed it in concrete nodes.
type BaseNode struct {
	NodeName         string
	NodeDependencies []string
}

// Name returns the node's unique identifier.
func (n *BaseNode) Name() string {
	return n.NodeName
}

// Dependencies returns the names of nodes that must succeed first.
func (n *BaseNode) Dependencies() []string {
	if n.NodeDependencies == nil {
		return []string{}
	}
	return n.NodeDependencies
}

// Graph is a validated, acyclic set of nodes in execution order.
type Graph struct {
	nodes map[string]Node
	order []string
}

// NewGraph validates nodes and orders them topologically. Ties keep the
// order nodes were given in.
func NewGraph(nodes ...Node) (*Graph, error) {
	g := &Graph{nodes: make(map[string]Node, len(nodes))}
	given := make([]string, 0, len(nodes))
	for _, n := range nodes {
		name := n.Name()
		if name == "" {
			return nil, fmt.Errorf("build graph: node with empty name")
		}
		if _, dup := g.nodes[name]; dup {
			return nil, fmt.Errorf("build graph: duplicate node %q", name)
		}
		g.nodes[name] = n
		given = append(given, name)
	}
	for _, name := range given {
		for _, dep := range g.nodes[name].Dependencies() {
			if _, ok := g.nodes[dep]; !ok {
				return nil, fmt.Errorf("build graph: %s depends on %q: %w", name, dep, ErrUnknownNode)
			}
		}
	}

	// Kahn's algorithm over the given order.
	indegree := make(map[string]int, len(given))
	for _, name := range given {
		indegree[name] = len(g.nodes[name].Dependencies())
	}
	for len(g.order) < len(given) {
		progressed := false
		for _, name := range given {
			if indegree[name] != 0 || slices.Contains(g.order, name) {
				continue
			}
			g.order = append(g.order, name)
			progressed = true
			for _, other := range given {
				if slices.Contains(g.nodes[other].Dependencies(), name) {
					indegree[other]--
				}
			}
		}
		if !progressed {
			return nil, fmt.Errorf("build graph: %w among %v", ErrCycle, remaining(given, g.order))
		}
	}
	return g, nil
}

func remaining(all, done []string) []string {
	var out []string
	for _, n := range all {
		if !slices.Contains(done, n) {
			out = append(out, n)
		}
	}
	return out
}

// Order returns node names in execution order.
func (g *Graph) Order() []string {
	return slices.Clone(g.order)
}

// Node returns the named node.
func (g *Graph) Node(name string) (Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Roots returns the nodes without dependencies.
func (g *Graph) Roots() []string {
	var out []string
	for _, name := range g.order {
		if len(g.nodes[name].Dependencies()) == 0 {
			out = append(out, name)
		}
	}
	return out
}
