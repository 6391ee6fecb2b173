// Package dag builds logical and physical task graphs from a pre-parsed AST.
// Parsing the guest language is explicitly someone else's job: this package
// only ever sees the small Node interface below.
package dag

// NodeKind tags an AST node the builder recognizes.
type NodeKind string

const (
	KindCall       NodeKind = "call"       // mcp.<server>.<tool>(args) or capabilities.<name>(args)
	KindMethodCall NodeKind = "method"     // whitelisted array/string/object/math/JSON method call
	KindLoop       NodeKind = "loop"
	KindDecision   NodeKind = "decision"
	KindFanOut     NodeKind = "fanout" // Promise.all([...])
	KindAssign     NodeKind = "assign"
	KindIdent      NodeKind = "ident"
	KindOther      NodeKind = "other"
)

// LoopKind enumerates the loop forms the builder abstracts.
type LoopKind string

const (
	LoopFor     LoopKind = "for"
	LoopForOf   LoopKind = "forOf"
	LoopForIn   LoopKind = "forIn"
	LoopWhile   LoopKind = "while"
	LoopDoWhile LoopKind = "doWhile"
)

// Span identifies a source substring by byte offsets into the original code.
type Span struct {
	Start int
	End   int
}

// Node is the opaque AST surface the DAG builder walks. A concrete parser
// implementation (outside this package's scope) produces a tree of these.
type Node interface {
	// Kind reports which recognized construct this node represents.
	Kind() NodeKind
	// Span returns the node's source extent, used to extract operation code
	// verbatim for sandboxed execution.
	Span() Span
	// Children returns the node's child nodes in source order.
	Children() []Node

	// CallTarget returns the dotted call target ("mcp.fs.readFile",
	// "capabilities.summarize", "arr.filter") for KindCall/KindMethodCall
	// nodes; empty otherwise.
	CallTarget() string
	// Args returns the node's argument sub-expressions, in order.
	Args() []Node

	// AssignedName returns the bound variable name for KindAssign nodes.
	AssignedName() string
	// IdentName returns the referenced variable name for KindIdent nodes.
	IdentName() string

	// LoopKind returns the loop form for KindLoop nodes.
	LoopKind() LoopKind
	// LoopBody returns the loop body's statements for KindLoop nodes.
	LoopBody() []Node
	// LoopCondition returns the loop's test-expression span for KindLoop nodes.
	LoopCondition() Span

	// DecisionCondition returns the test-expression span for KindDecision nodes.
	DecisionCondition() Span
	// Outcomes returns the decision's labeled branches ("true"/"false", or
	// switch-case labels) for KindDecision nodes.
	Outcomes() map[string][]Node

	// FanOutBranches returns the parallel branches for KindFanOut nodes.
	FanOutBranches() []Node

	// NestingLevel reports how many operation callbacks enclose this node; 0
	// at the workflow's top level.
	NestingLevel() int
}
