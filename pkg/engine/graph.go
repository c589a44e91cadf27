package engine

import (
	"fmt"
	"reflect"
	"strings"
)

// TaskGraph is a mutable DAG of task nodes. Construction-time operations only
// ever add edges from existing nodes to new nodes, so the structure stays
// acyclic by construction. Once a graph is submitted or merged into another
// graph it is sealed and further construction is rejected.
//
// A task instance is attached to at most one node. Pointer-typed tasks are
// tracked by identity across the graph and everything merged or spliced
// into it; value-typed tasks are copied into each node.
//
// Methods that insert a single node (AddTask, AppendTask, AddTaskAfter)
// panic on misuse: a nil task, an invalid guard, a foreign predecessor, a
// sealed graph or a task that is already attached. These are programming
// errors in the code building the graph. Methods that merge graphs return
// an error, since whether two graphs overlap is only known when they meet.
type TaskGraph struct {
	nodes map[string]*TaskNode
	order []*TaskNode
	tasks map[Task]*TaskNode

	// sealed is set when the graph is owned by a job or was merged away.
	sealed bool
}

// NewTaskGraph creates an empty graph.
func NewTaskGraph() *TaskGraph {
	return &TaskGraph{
		nodes: make(map[string]*TaskNode),
		order: make([]*TaskNode, 0),
		tasks: make(map[Task]*TaskNode),
	}
}

// AddTask inserts a node with no predecessors.
func (g *TaskGraph) AddTask(task Task) *TaskNode {
	g.mustAccept(task)
	n := newTaskNode(task, GuardAllPredecessorsSucceeded)
	g.insert(n)
	return n
}

// AppendTask inserts a node whose predecessors are the graph's current
// frontier, i.e. every node without successors. On an empty graph the node
// becomes a root.
func (g *TaskGraph) AppendTask(task Task, guard TaskGuard) *TaskNode {
	g.mustAccept(task)
	n := newTaskNode(task, guard)
	frontier := g.Frontier()
	g.insert(n)
	for _, f := range frontier {
		f.addSuccessor(n)
	}
	return n
}

// AddTaskAfter inserts a node that runs after the given predecessors, which
// must belong to g. Without predecessors the node is a root.
func (g *TaskGraph) AddTaskAfter(task Task, guard TaskGuard, preds ...*TaskNode) *TaskNode {
	g.mustAccept(task)
	for _, p := range preds {
		if p == nil || g.nodes[p.id] != p {
			panic("engine: predecessor does not belong to this graph")
		}
	}
	n := newTaskNode(task, guard)
	g.insert(n)
	for _, p := range preds {
		p.addSuccessor(n)
	}
	return n
}

// AddTaskGraph merges every node of sub into g without new edges. The
// merged nodes run in parallel with whatever is already in g. sub is
// consumed and cannot be used again.
func (g *TaskGraph) AddTaskGraph(sub *TaskGraph) error {
	if err := g.checkMergeable(sub); err != nil {
		return err
	}
	g.absorb(sub)
	return nil
}

// AppendTaskGraph merges sub after g's current frontier: every root of sub
// gets the frontier as predecessors and guard as its guard. sub is consumed.
func (g *TaskGraph) AppendTaskGraph(sub *TaskGraph, guard TaskGuard) error {
	if err := g.checkMergeable(sub); err != nil {
		return err
	}
	if err := guard.Validate(); err != nil {
		return NewPermanentError("invalid guard", err).WithCode(ErrCodeValidation)
	}
	frontier := g.Frontier()
	roots := sub.Roots()
	g.absorb(sub)
	for _, r := range roots {
		r.guard = guard
		for _, f := range frontier {
			f.addSuccessor(r)
		}
	}
	return nil
}

func (g *TaskGraph) checkMergeable(sub *TaskGraph) error {
	switch {
	case g.sealed:
		return errGraphSealed()
	case sub == nil:
		return NewPermanentError("sub-graph is nil", nil).WithCode(ErrCodeValidation)
	case sub == g:
		return NewPermanentError("cannot merge a graph into itself", nil).WithCode(ErrCodeValidation)
	case sub.sealed:
		return NewPermanentError("sub-graph already attached", nil).WithCode(ErrCodeGraphAttached)
	}
	return g.checkDisjoint(sub)
}

// checkDisjoint rejects sub if it holds a task instance already attached
// to g.
func (g *TaskGraph) checkDisjoint(sub *TaskGraph) error {
	for t, n := range sub.tasks {
		if _, ok := g.tasks[t]; ok {
			return NewPermanentError(fmt.Sprintf("task %q is already attached to the graph", n.Name()), nil).
				WithCode(ErrCodeGraphAttached)
		}
	}
	return nil
}

func (g *TaskGraph) absorb(sub *TaskGraph) {
	for _, n := range sub.order {
		g.insert(n)
	}
	sub.sealed = true
}

func (g *TaskGraph) insert(n *TaskNode) {
	g.nodes[n.id] = n
	g.order = append(g.order, n)
	if key, ok := identity(n.task); ok {
		g.tasks[key] = n
	}
}

// mustAccept panics unless a node for task can be inserted.
func (g *TaskGraph) mustAccept(task Task) {
	if g.sealed {
		panic("engine: graph is sealed")
	}
	if task == nil {
		panic("engine: nil task")
	}
	if key, ok := identity(task); ok {
		if _, attached := g.tasks[key]; attached {
			panic(fmt.Sprintf("engine: task %q is already attached to the graph", task.Name()))
		}
	}
}

// identity returns the key a task instance is tracked by. Only pointer
// tasks have an identity; any other value is a fresh copy per node.
func identity(task Task) (Task, bool) {
	if task == nil || reflect.TypeOf(task).Kind() != reflect.Pointer {
		return nil, false
	}
	return task, true
}

func errGraphSealed() error {
	return NewPermanentError("graph is sealed", nil).WithCode(ErrCodeGraphAttached)
}

// Len returns the number of nodes.
func (g *TaskGraph) Len() int { return len(g.order) }

// Sealed reports whether the graph has been submitted or merged away.
func (g *TaskGraph) Sealed() bool { return g.sealed }

// Node returns the node with the given id.
func (g *TaskGraph) Node(id string) (*TaskNode, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns the nodes in insertion order.
func (g *TaskGraph) Nodes() []*TaskNode {
	return append([]*TaskNode(nil), g.order...)
}

// Roots returns nodes without predecessors.
func (g *TaskGraph) Roots() []*TaskNode {
	out := make([]*TaskNode, 0)
	for _, n := range g.order {
		if len(n.predecessors) == 0 {
			out = append(out, n)
		}
	}
	return out
}

// Frontier returns nodes without successors.
func (g *TaskGraph) Frontier() []*TaskNode {
	out := make([]*TaskNode, 0)
	for _, n := range g.order {
		if len(n.successors) == 0 {
			out = append(out, n)
		}
	}
	return out
}

// Ancestors returns the transitive upstream closure of n.
func (g *TaskGraph) Ancestors(n *TaskNode) []*TaskNode {
	return ancestorsOf(n)
}

// EligibleNodes returns every not-yet-running node whose guard is satisfied.
// It has no side effects.
func (g *TaskGraph) EligibleNodes() []*TaskNode {
	out := make([]*TaskNode, 0)
	for _, n := range g.order {
		if n.state == TaskStateNotRunning && n.evaluateGuard() == verdictRun {
			out = append(out, n)
		}
	}
	return out
}

// IsComplete reports whether every node has completed.
func (g *TaskGraph) IsComplete() bool {
	for _, n := range g.order {
		if n.state != TaskStateCompleted {
			return false
		}
	}
	return true
}

// AllSucceeded reports whether every node completed successfully.
func (g *TaskGraph) AllSucceeded() bool {
	for _, n := range g.order {
		if !n.hasSucceeded() {
			return false
		}
	}
	return true
}

// expand splices sub in place of meta: the roots of sub get exactly {meta}
// as predecessors and meta's previous successors now wait for sub's frontier.
// It returns the spliced nodes, or an error without touching g when sub
// reuses a task already attached to g. The caller holds the owning job's
// lock.
func (g *TaskGraph) expand(meta *TaskNode, sub *TaskGraph) ([]*TaskNode, error) {
	if sub == nil || sub.Len() == 0 {
		return nil, nil
	}
	if err := g.checkDisjoint(sub); err != nil {
		return nil, err
	}
	roots := sub.Roots()
	frontier := sub.Frontier()
	added := append([]*TaskNode(nil), sub.order...)
	g.absorb(sub)

	previous := append([]*TaskNode(nil), meta.successors...)
	for _, s := range previous {
		s.removePredecessor(meta)
		for _, f := range frontier {
			f.addSuccessor(s)
		}
	}
	for _, r := range roots {
		meta.addSuccessor(r)
	}
	return added, nil
}

// Validate checks edge symmetry and acyclicity.
func (g *TaskGraph) Validate() error {
	for _, n := range g.order {
		for _, s := range n.successors {
			if g.nodes[s.id] != s {
				return NewPermanentError(
					fmt.Sprintf("node %s has successor %s outside the graph", n.id, s.id), nil,
				).WithCode(ErrCodeValidation)
			}
			if !containsNode(s.predecessors, n) {
				return NewPermanentError(
					fmt.Sprintf("edge %s -> %s is not mirrored", n.id, s.id), nil,
				).WithCode(ErrCodeInternal)
			}
		}
	}
	if cycle := g.findCycle(); len(cycle) > 0 {
		names := make([]string, len(cycle))
		for i, n := range cycle {
			names[i] = n.Name()
		}
		return NewPermanentError(
			fmt.Sprintf("circular dependency detected: %s", strings.Join(names, " -> ")), nil,
		).WithCode(ErrCodeValidation)
	}
	return nil
}

// findCycle uses depth-first search to find a node reachable from itself.
func (g *TaskGraph) findCycle() []*TaskNode {
	const (
		white = iota
		grey
		black
	)
	color := make(map[*TaskNode]int, len(g.order))
	var path []*TaskNode
	var visit func(n *TaskNode) []*TaskNode
	visit = func(n *TaskNode) []*TaskNode {
		color[n] = grey
		path = append(path, n)
		for _, s := range n.successors {
			switch color[s] {
			case grey:
				for i, p := range path {
					if p == s {
						return append(append([]*TaskNode(nil), path[i:]...), s)
					}
				}
			case white:
				if c := visit(s); c != nil {
					return c
				}
			}
		}
		path = path[:len(path)-1]
		color[n] = black
		return nil
	}
	for _, n := range g.order {
		if color[n] == white {
			if c := visit(n); c != nil {
				return c
			}
		}
	}
	return nil
}

func containsNode(nodes []*TaskNode, target *TaskNode) bool {
	for _, n := range nodes {
		if n == target {
			return true
		}
	}
	return false
}

// Levels groups nodes by topological depth using Kahn's algorithm. Nodes on
// the same level have no ordering between them.
func (g *TaskGraph) Levels() [][]*TaskNode {
	inDegree := make(map[*TaskNode]int, len(g.order))
	current := make([]*TaskNode, 0)
	for _, n := range g.order {
		inDegree[n] = len(n.predecessors)
		if inDegree[n] == 0 {
			current = append(current, n)
		}
	}

	levels := make([][]*TaskNode, 0)
	for len(current) > 0 {
		levels = append(levels, current)
		next := make([]*TaskNode, 0)
		for _, n := range current {
			for _, s := range n.successors {
				inDegree[s]--
				if inDegree[s] == 0 {
					next = append(next, s)
				}
			}
		}
		current = next
	}
	return levels
}

// ToDOT generates a DOT format representation of the graph for visualization.
// The output can be rendered with Graphviz tools.
func (g *TaskGraph) ToDOT(title string) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("digraph %q {\n", title))
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, nodes := range g.Levels() {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, n := range nodes {
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\\n%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				n.id, n.Name(), n.state, stateColor(n)))
		}
		sb.WriteString("  }\n\n")
	}

	for _, n := range g.order {
		for _, s := range n.successors {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [%s];\n", n.id, s.id, guardStyle(s.guard)))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func stateColor(n *TaskNode) string {
	switch {
	case n.state != TaskStateCompleted:
		return "white"
	case n.skipped:
		return "lightgray"
	case n.succeeded:
		return "lightgreen"
	default:
		return "lightcoral"
	}
}

func guardStyle(g TaskGuard) string {
	switch g {
	case GuardAllPredecessorsCompleted:
		return "style=dotted, color=gray"
	case GuardAllAncestorsSucceeded:
		return "style=bold, color=black"
	default:
		return "style=solid, color=black"
	}
}
