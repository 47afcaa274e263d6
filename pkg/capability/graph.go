package capability

import (
	"fmt"
	"sort"
	"strings"

	"github.com/domainkernel/domainkernel/pkg/engine"
)

// graphNode is one installed service in the dependency graph.
type graphNode struct {
	name     string
	seq      int
	mode     ActivationMode
	requires []string
}

// graphBuilder builds the service dependency graph, detects cycles and
// computes the start order.
type graphBuilder struct {
	// nodes maps capability names to their services
	nodes map[string]*graphNode

	// adjacencyList maps a provider to the services that require it
	adjacencyList map[string][]string

	// reverseAdjacencyList maps a service to the providers it requires
	reverseAdjacencyList map[string][]string

	// inDegree counts installed providers per service
	inDegree map[string]int
}

func newGraphBuilder(nodes []*graphNode) *graphBuilder {
	b := &graphBuilder{
		nodes:                make(map[string]*graphNode, len(nodes)),
		adjacencyList:        make(map[string][]string, len(nodes)),
		reverseAdjacencyList: make(map[string][]string, len(nodes)),
		inDegree:             make(map[string]int, len(nodes)),
	}
	for _, n := range nodes {
		b.nodes[n.name] = n
		b.inDegree[n.name] = 0
	}
	// Requirements on capabilities without an installed service do not
	// constrain ordering; resolution reports them separately.
	for _, n := range b.sorted() {
		for _, req := range n.requires {
			if _, ok := b.nodes[req]; !ok {
				continue
			}
			b.adjacencyList[req] = append(b.adjacencyList[req], n.name)
			b.reverseAdjacencyList[n.name] = append(b.reverseAdjacencyList[n.name], req)
			b.inDegree[n.name]++
		}
	}
	return b
}

// sorted returns nodes in registration order.
func (b *graphBuilder) sorted() []*graphNode {
	out := make([]*graphNode, 0, len(b.nodes))
	for _, n := range b.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// detectCycles uses depth-first search to find a dependency cycle.
func (b *graphBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, n := range b.sorted() {
		if visited[n.name] {
			continue
		}
		if cycle := b.detectCyclesUtil(n.name, visited, recStack, nil); cycle != nil {
			return engine.NewCapabilityCycleError(formatCycle(cycle))
		}
	}
	return nil
}

func (b *graphBuilder) detectCyclesUtil(name string, visited, recStack map[string]bool, path []string) []string {
	visited[name] = true
	recStack[name] = true
	path = append(path, name)

	for _, dependent := range b.adjacencyList[name] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					return append(append([]string(nil), path[i:]...), dependent)
				}
			}
		}
	}

	recStack[name] = false
	return nil
}

// topologicalOrder returns providers before dependents. Among services whose
// providers are all placed, the earliest registered goes first.
func (b *graphBuilder) topologicalOrder() []string {
	inDegree := make(map[string]int, len(b.inDegree))
	for name, d := range b.inDegree {
		inDegree[name] = d
	}

	var ready []*graphNode
	for _, n := range b.sorted() {
		if inDegree[n.name] == 0 {
			ready = append(ready, n)
		}
	}

	order := make([]string, 0, len(b.nodes))
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		order = append(order, next.name)

		for _, dependent := range b.adjacencyList[next.name] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, b.nodes[dependent])
				sort.SliceStable(ready, func(i, j int) bool { return ready[i].seq < ready[j].seq })
			}
		}
	}
	return order
}

// toDOT renders the graph in DOT format. Running services are filled.
func (b *graphBuilder) toDOT(states map[string]ServiceState) string {
	var sb strings.Builder

	sb.WriteString("digraph Services {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, n := range b.sorted() {
		color := "white"
		if states[n.name] == StateUp {
			color = "lightgreen"
		}
		sb.WriteString(fmt.Sprintf("  %q [label=\"%s\\n%s\", fillcolor=%q, style=\"filled,rounded\"];\n",
			n.name, n.name, n.mode, color))
	}
	sb.WriteString("\n")
	for _, n := range b.sorted() {
		for _, dependent := range b.adjacencyList[n.name] {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", n.name, dependent))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}
