package recipe

import (
	"fmt"
	"sort"
	"strings"
)

// Graph is the directed dependency graph induced by a recipe's depends_on
// edges. It is a validation and introspection artifact: execution order is
// defined by step idx alone, never by the graph.
type Graph struct {
	// Nodes maps step names to their graph nodes.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Edges lists all dependency edges (from dependency to dependent).
	Edges []GraphEdge `json:"edges"`

	// Roots are the step names with no dependencies.
	Roots []string `json:"roots"`

	// Depth is the number of dependency levels.
	Depth int `json:"depth"`

	levels [][]string
}

// GraphNode is one step in the dependency graph.
type GraphNode struct {
	// Name is the step name.
	Name string `json:"name"`

	// Idx is the step's execution index.
	Idx int `json:"idx"`

	// Level is the dependency depth from the roots.
	Level int `json:"level"`

	// Dependencies are the steps this step depends on.
	Dependencies []string `json:"dependencies"`

	// Dependents are the steps that depend on this step.
	Dependents []string `json:"dependents"`
}

// GraphEdge is one dependency edge.
type GraphEdge struct {
	// From is the dependency (must run first).
	From string `json:"from"`

	// To is the dependent.
	To string `json:"to"`
}

// BuildGraph constructs the dependency graph for a validated recipe.
// It fails if the spec still contains dangling references or a cycle;
// run Validate first.
func BuildGraph(spec *RecipeSpec) (*Graph, error) {
	g := &Graph{
		Nodes: make(map[string]*GraphNode, len(spec.Steps)),
		Edges: make([]GraphEdge, 0),
		Roots: make([]string, 0),
	}

	for i := range spec.Steps {
		step := &spec.Steps[i]
		if _, exists := g.Nodes[step.Name]; exists {
			return nil, NewInternalError(
				fmt.Sprintf("duplicate step name in validated spec: %s", step.Name), nil)
		}
		g.Nodes[step.Name] = &GraphNode{
			Name:         step.Name,
			Idx:          step.Idx,
			Dependencies: make([]string, 0, len(step.DependsOn)),
			Dependents:   make([]string, 0),
		}
	}

	for i := range spec.Steps {
		step := &spec.Steps[i]
		node := g.Nodes[step.Name]
		for _, dep := range step.DependsOn {
			target, exists := g.Nodes[dep]
			if !exists {
				return nil, NewInternalError(
					fmt.Sprintf("step %s depends on unknown step %s", step.Name, dep), nil)
			}
			node.Dependencies = append(node.Dependencies, dep)
			target.Dependents = append(target.Dependents, step.Name)
			g.Edges = append(g.Edges, GraphEdge{From: dep, To: step.Name})
		}
	}

	if err := g.computeLevels(); err != nil {
		return nil, err
	}
	return g, nil
}

// computeLevels assigns dependency levels with Kahn's algorithm. Steps at
// the same level are mutually independent.
func (g *Graph) computeLevels() error {
	indegree := make(map[string]int, len(g.Nodes))
	for name, node := range g.Nodes {
		indegree[name] = len(node.Dependencies)
	}

	current := make([]string, 0)
	for name, degree := range indegree {
		if degree == 0 {
			current = append(current, name)
		}
	}
	sort.Strings(current)
	g.Roots = append(g.Roots, current...)

	processed := 0
	for len(current) > 0 {
		for _, name := range current {
			g.Nodes[name].Level = len(g.levels)
		}
		g.levels = append(g.levels, current)
		processed += len(current)

		next := make([]string, 0)
		for _, name := range current {
			for _, dependent := range g.Nodes[name].Dependents {
				indegree[dependent]--
				if indegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	if processed != len(g.Nodes) {
		return NewInternalError("dependency graph contains a cycle", nil)
	}

	g.Depth = len(g.levels)
	return nil
}

// Levels returns the dependency levels. Steps within one level have no
// dependency edges between them.
func (g *Graph) Levels() [][]string {
	return g.levels
}

// ToDOT renders the graph in Graphviz DOT format.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Recipe {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, names := range g.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, name := range names {
			node := g.Nodes[name]
			sb.WriteString(fmt.Sprintf("    %q [label=\"%s\\nidx=%d\"];\n",
				name, name, node.Idx))
		}
		sb.WriteString("  }\n\n")
	}

	for _, edge := range g.Edges {
		sb.WriteString(fmt.Sprintf("  %q -> %q;\n", edge.From, edge.To))
	}

	sb.WriteString("}\n")
	return sb.String()
}
