package dag

import (
	"fmt"
	"strings"
)

// methodWhitelist is the recognized set of pure array/string/object/math/JSON
// operations; anything else reaching KindMethodCall is treated as an
// unrecognized, non-pure operation that still runs sandboxed but never fuses.
var methodWhitelist = map[string]bool{
	"filter": true, "map": true, "reduce": true, "flatMap": true,
	"find": true, "findIndex": true, "some": true, "every": true,
	"sort": true, "slice": true, "concat": true, "join": true,
	"split": true, "replace": true, "trim": true,
	"toLowerCase": true, "toUpperCase": true,
	"keys": true, "values": true, "entries": true,
	"parse": true, "stringify": true,
}

// CapabilityResolver resolves a capabilities.<name>(...) invocation to its
// registry fully-qualified tool id.
type CapabilityResolver func(name string) (fqn string, ok bool)

// Builder walks a pre-parsed AST and produces a LogicalDAG.
type Builder struct {
	// Code is the full source text the AST was parsed from; spans are sliced
	// out of it verbatim.
	Code string
	// ResolveCapability resolves capability invocations to a registry FQN.
	// May be nil, in which case capability calls fall back to
	// "capability:<name>".
	ResolveCapability CapabilityResolver

	nextID   int
	bindings map[string]string // varName -> producer logical node id
	nodes    []LogicalNode
	edges    []LogicalEdge
}

// Build walks root's top-level statements and returns the resulting logical
// DAG.
func (b *Builder) Build(root Node) (*LogicalDAG, error) {
	if root == nil {
		return nil, &BuildError{Cause: ErrParseError}
	}
	b.bindings = make(map[string]string)
	b.nodes = nil
	b.edges = nil
	b.nextID = 0

	prev := ""
	for _, stmt := range root.Children() {
		last, err := b.walkStatement(stmt, "", "")
		if err != nil {
			return nil, err
		}
		if last != "" {
			if prev != "" {
				b.addEdge(prev, last, EdgeSequence, "", "")
			}
			prev = last
		}
	}

	d := &LogicalDAG{Nodes: b.nodes, Edges: b.edges}
	if err := detectCycle(d); err != nil {
		return nil, err
	}
	return d, nil
}

func (b *Builder) newID(prefix string) string {
	b.nextID++
	return fmt.Sprintf("%s%d", prefix, b.nextID)
}

func (b *Builder) addEdge(from, to string, kind LogicalEdgeKind, outcome, prop string) {
	if from == "" || to == "" || from == to {
		return
	}
	b.edges = append(b.edges, LogicalEdge{From: from, To: to, Kind: kind, Outcome: outcome, Prop: prop})
}

// walkStatement classifies one statement node and returns the id of the
// logical node it produced (if any), wiring data-dependency edges from any
// variables it reads.
func (b *Builder) walkStatement(n Node, parentScope, forkGroup string) (string, error) {
	switch n.Kind() {
	case KindAssign:
		rhsID, err := b.walkStatement(firstOrNil(n.Args()), parentScope, forkGroup)
		if err != nil {
			return "", err
		}
		if rhsID != "" {
			b.bindings[n.AssignedName()] = rhsID
		}
		return rhsID, nil

	case KindCall:
		return b.walkCall(n, parentScope, forkGroup)

	case KindMethodCall:
		return b.walkMethodCall(n, parentScope, forkGroup)

	case KindLoop:
		return b.walkLoop(n)

	case KindDecision:
		return b.walkDecision(n, parentScope)

	case KindFanOut:
		return b.walkFanOut(n, parentScope)

	case KindIdent:
		// A bare reference; not itself a producer, but the caller resolves
		// its binding when wiring provides edges.
		return "", nil

	default:
		return "", nil
	}
}

func (b *Builder) walkCall(n Node, parentScope, forkGroup string) (string, error) {
	target := n.CallTarget()
	id := b.newID("n")
	var tool string
	switch {
	case strings.HasPrefix(target, "mcp."):
		parts := strings.SplitN(strings.TrimPrefix(target, "mcp."), ".", 2)
		if len(parts) == 2 {
			tool = parts[0] + ":" + parts[1]
		} else {
			tool = target
		}
	case strings.HasPrefix(target, "capabilities."):
		name := strings.TrimPrefix(target, "capabilities.")
		if b.ResolveCapability != nil {
			if fqn, ok := b.ResolveCapability(name); ok {
				tool = fqn
			}
		}
		if tool == "" {
			tool = "capability:" + name
		}
	default:
		tool = target
	}

	node := LogicalNode{
		ID:           id,
		Kind:         LogicalTask,
		NestingLevel: n.NestingLevel(),
		ParentScope:  parentScope,
		ForkGroup:    forkGroup,
		Task: &TaskNode{
			Tool:     tool,
			Inputs:   map[string]Span{},
			Position: len(b.nodes),
		},
	}
	b.nodes = append(b.nodes, node)
	b.wireArgDeps(id, n.Args())
	return id, nil
}

func (b *Builder) walkMethodCall(n Node, parentScope, forkGroup string) (string, error) {
	target := n.CallTarget()
	op := target
	if i := strings.LastIndex(target, "."); i >= 0 {
		op = target[i+1:]
	}
	pure := methodWhitelist[op]
	id := b.newID("n")
	span := n.Span()
	code := sliceSpan(b.Code, span)
	node := LogicalNode{
		ID:           id,
		Kind:         LogicalOperation,
		NestingLevel: n.NestingLevel(),
		ParentScope:  parentScope,
		ForkGroup:    forkGroup,
		Operation: &OperationNode{
			Tool:       "code:" + op,
			Code:       code,
			Pure:       pure,
			Executable: n.NestingLevel() == 0,
			Scope:      ScopeMinimal,
		},
	}
	b.nodes = append(b.nodes, node)
	b.wireArgDeps(id, n.Args())
	return id, nil
}

// wireArgDeps adds sequence+provides edges from each argument's producer
// node (resolved via variable bindings) to consumerID.
func (b *Builder) wireArgDeps(consumerID string, args []Node) {
	for _, a := range args {
		if a == nil {
			continue
		}
		if a.Kind() == KindIdent {
			if producer, ok := b.bindings[a.IdentName()]; ok {
				b.addEdge(producer, consumerID, EdgeSequence, "", a.IdentName())
				b.addEdge(producer, consumerID, EdgeProvides, "", a.IdentName())
			}
			continue
		}
		// Nested calls and method calls are walked as nodes of their own and
		// sequenced before the consumer; a nested method call's operation is
		// non-executable because its nesting level is above zero. Other
		// argument expressions (literals and the like) add no node.
		if a.Kind() == KindCall || a.Kind() == KindMethodCall {
			nestedID, _ := b.walkStatement(a, "", "")
			if nestedID != "" {
				b.addEdge(nestedID, consumerID, EdgeSequence, "", "")
			}
		}
	}
}

func (b *Builder) walkLoop(n Node) (string, error) {
	id := b.newID("loop")
	span := n.Span()
	var bodyTools []string
	seen := map[string]bool{}

	for _, stmt := range n.LoopBody() {
		childID, err := b.walkStatement(stmt, id, "")
		if err != nil {
			return "", err
		}
		if childID == "" {
			continue
		}
		b.addEdge(id, childID, EdgeLoopBody, "", "")
		tool := toolNameOf(b.nodeByID(childID))
		if tool != "" && !seen[tool] {
			seen[tool] = true
			bodyTools = append(bodyTools, tool)
		}
	}

	node := LogicalNode{
		ID:           id,
		Kind:         LogicalLoop,
		NestingLevel: n.NestingLevel(),
		Loop: &LoopNode{
			LoopType:  n.LoopKind(),
			Condition: sliceSpan(b.Code, n.LoopCondition()),
			BodyCode:  sliceSpan(b.Code, span),
			BodyTools: bodyTools,
		},
	}
	b.nodes = append(b.nodes, node)
	return id, nil
}

func (b *Builder) walkDecision(n Node, parentScope string) (string, error) {
	id := b.newID("dec")
	targets := map[string][]string{}

	for outcome, stmts := range n.Outcomes() {
		var chainFirst, prev string
		for _, stmt := range stmts {
			childID, err := b.walkStatement(stmt, parentScope, "")
			if err != nil {
				return "", err
			}
			if childID == "" {
				continue
			}
			if chainFirst == "" {
				chainFirst = childID
			}
			if prev != "" {
				b.addEdge(prev, childID, EdgeSequence, "", "")
			}
			prev = childID
		}
		if chainFirst != "" {
			b.addEdge(id, chainFirst, EdgeConditional, outcome, "")
			targets[outcome] = append(targets[outcome], chainFirst)
		}
	}

	node := LogicalNode{
		ID:           id,
		Kind:         LogicalDecision,
		NestingLevel: n.NestingLevel(),
		ParentScope:  parentScope,
		Decision: &DecisionNode{
			Condition:      sliceSpan(b.Code, n.DecisionCondition()),
			OutcomeTargets: targets,
		},
	}
	b.nodes = append(b.nodes, node)
	return id, nil
}

func (b *Builder) walkFanOut(n Node, parentScope string) (string, error) {
	group := b.newID("fork")
	var last string
	for _, branch := range n.FanOutBranches() {
		id, err := b.walkStatement(branch, parentScope, group)
		if err != nil {
			return "", err
		}
		if id != "" {
			last = id
		}
	}
	// The fan-out itself has no standalone logical node; its branches are
	// tagged with a shared ForkGroup so the fusion pass can recognize them
	// as fork-join siblings. The caller sequences off the last branch so a
	// downstream consumer still gets an ordering edge.
	return last, nil
}

func (b *Builder) nodeByID(id string) LogicalNode {
	for _, n := range b.nodes {
		if n.ID == id {
			return n
		}
	}
	return LogicalNode{}
}

func toolNameOf(n LogicalNode) string {
	switch n.Kind {
	case LogicalTask:
		if n.Task != nil {
			return n.Task.Tool
		}
	case LogicalOperation:
		if n.Operation != nil {
			return n.Operation.Tool
		}
	}
	return ""
}

func sliceSpan(code string, sp Span) string {
	if sp.Start < 0 || sp.End > len(code) || sp.Start > sp.End {
		return ""
	}
	return code[sp.Start:sp.End]
}

func firstOrNil(nodes []Node) Node {
	if len(nodes) == 0 {
		return nil
	}
	return nodes[0]
}

// detectCycle verifies the logical DAG is acyclic when contains edges are
// ignored.
func detectCycle(d *LogicalDAG) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(d.Nodes))
	adj := make(map[string][]string, len(d.Nodes))
	for _, e := range d.Edges {
		if e.Kind == EdgeContains {
			continue
		}
		adj[e.From] = append(adj[e.From], e.To)
	}

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, to := range adj[id] {
			switch color[to] {
			case gray:
				return &BuildError{NodeID: to, Cause: ErrInvalidDAG}
			case white:
				if err := visit(to); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, n := range d.Nodes {
		if color[n.ID] == white {
			if err := visit(n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
