package dag

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeNode is a minimal Node implementation for tests; it models only the
// fields a given test case needs.
type fakeNode struct {
	kind         NodeKind
	span         Span
	children     []Node
	callTarget   string
	args         []Node
	assignedName string
	identName    string
	loopKind     LoopKind
	loopBody     []Node
	loopCond     Span
	decisionCond Span
	outcomes     map[string][]Node
	fanOut       []Node
	nesting      int
}

func (f *fakeNode) Kind() NodeKind                  { return f.kind }
func (f *fakeNode) Span() Span                      { return f.span }
func (f *fakeNode) Children() []Node                { return f.children }
func (f *fakeNode) CallTarget() string              { return f.callTarget }
func (f *fakeNode) Args() []Node                    { return f.args }
func (f *fakeNode) AssignedName() string            { return f.assignedName }
func (f *fakeNode) IdentName() string               { return f.identName }
func (f *fakeNode) LoopKind() LoopKind              { return f.loopKind }
func (f *fakeNode) LoopBody() []Node                { return f.loopBody }
func (f *fakeNode) LoopCondition() Span             { return f.loopCond }
func (f *fakeNode) DecisionCondition() Span         { return f.decisionCond }
func (f *fakeNode) Outcomes() map[string][]Node     { return f.outcomes }
func (f *fakeNode) FanOutBranches() []Node          { return f.fanOut }
func (f *fakeNode) NestingLevel() int               { return f.nesting }

func ident(name string) Node { return &fakeNode{kind: KindIdent, identName: name} }

func call(target string, args ...Node) Node {
	return &fakeNode{kind: KindCall, callTarget: target, args: args}
}

func method(target string, code string, args ...Node) Node {
	return &fakeNode{kind: KindMethodCall, callTarget: target, args: args, span: Span{0, len(code)}}
}

func assign(name string, rhs Node) Node {
	return &fakeNode{kind: KindAssign, assignedName: name, args: []Node{rhs}}
}

func TestBuildSingleMCPTask(t *testing.T) {
	root := &fakeNode{kind: KindOther, children: []Node{
		call("mcp.fs.readFile", ident("path")),
	}}
	b := &Builder{Code: "mcp.fs.readFile(path)"}
	ld, err := b.Build(root)
	require.NoError(t, err)
	require.Len(t, ld.Nodes, 1)
	require.Equal(t, LogicalTask, ld.Nodes[0].Kind)
	require.Equal(t, "fs:readFile", ld.Nodes[0].Task.Tool)
}

func TestBuildCapabilityResolution(t *testing.T) {
	root := &fakeNode{kind: KindOther, children: []Node{
		call("capabilities.summarize"),
	}}
	b := &Builder{
		Code: "capabilities.summarize()",
		ResolveCapability: func(name string) (string, bool) {
			require.Equal(t, "summarize", name)
			return "nlp:summarize_v2", true
		},
	}
	ld, err := b.Build(root)
	require.NoError(t, err)
	require.Equal(t, "nlp:summarize_v2", ld.Nodes[0].Task.Tool)
}

func TestBuildCapabilityUnresolvedFallsBack(t *testing.T) {
	root := &fakeNode{kind: KindOther, children: []Node{
		call("capabilities.mystery"),
	}}
	b := &Builder{Code: "capabilities.mystery()"}
	ld, err := b.Build(root)
	require.NoError(t, err)
	require.Equal(t, "capability:mystery", ld.Nodes[0].Task.Tool)
}

func TestBuildSequenceDependencyEdge(t *testing.T) {
	code := "const x = mcp.fs.readFile(p); mcp.fs.writeFile(x)"
	root := &fakeNode{kind: KindOther, children: []Node{
		assign("x", call("mcp.fs.readFile", ident("p"))),
		call("mcp.fs.writeFile", ident("x")),
	}}
	b := &Builder{Code: code}
	ld, err := b.Build(root)
	require.NoError(t, err)
	require.Len(t, ld.Nodes, 2)

	readID, writeID := ld.Nodes[0].ID, ld.Nodes[1].ID
	found := false
	for _, e := range ld.Edges {
		if e.From == readID && e.To == writeID && e.Kind == EdgeProvides {
			found = true
		}
	}
	require.True(t, found, "expected a provides edge from the producer to the consumer")
}

func TestBuildLoopAbstractsBody(t *testing.T) {
	root := &fakeNode{kind: KindOther, children: []Node{
		&fakeNode{
			kind:     KindLoop,
			loopKind: LoopForOf,
			span:     Span{0, 20},
			loopBody: []Node{
				call("mcp.fs.readFile", ident("item")),
				call("mcp.fs.readFile", ident("item2")),
			},
		},
	}}
	b := &Builder{Code: "for (const item of items) { mcp.fs.readFile(item); mcp.fs.readFile(item2); }"}
	ld, err := b.Build(root)
	require.NoError(t, err)

	var loopNode *LogicalNode
	for i := range ld.Nodes {
		if ld.Nodes[i].Kind == LogicalLoop {
			loopNode = &ld.Nodes[i]
		}
	}
	require.NotNil(t, loopNode)
	require.Equal(t, []string{"fs:readFile"}, loopNode.Loop.BodyTools, "duplicate body tool calls dedupe to one entry")
}

func TestBuildCyclicDependencyRejected(t *testing.T) {
	ld := &LogicalDAG{
		Nodes: []LogicalNode{
			{ID: "a", Kind: LogicalTask, Task: &TaskNode{Tool: "x:a"}},
			{ID: "b", Kind: LogicalTask, Task: &TaskNode{Tool: "x:b"}},
		},
		Edges: []LogicalEdge{
			{From: "a", To: "b", Kind: EdgeSequence},
			{From: "b", To: "a", Kind: EdgeSequence},
		},
	}
	err := detectCycle(ld)
	require.Error(t, err)
}

func TestFuseSequentialChain(t *testing.T) {
	code := "a.filter(f); a.map(g); a.join(',')"
	root := &fakeNode{kind: KindOther, children: []Node{
		method("arr.filter", "a.filter(f)"),
		method("arr.map", "a.map(g)"),
		method("arr.join", "a.join(',')"),
	}}
	b := &Builder{Code: code}
	ld, err := b.Build(root)
	require.NoError(t, err)
	// Sequence edges wire the three operations in source order already via
	// the top-level statement chaining in Build.
	require.Len(t, ld.Edges, 2)

	result, err := Fuse(ld)
	require.NoError(t, err)
	require.Len(t, result.Tasks, 1, "three chained pure ops fuse into one code_exec task")
	require.Equal(t, FusionSequential, result.Tasks[0].Metadata.FusionPattern)
	require.Equal(t, []string{"code:filter", "code:map", "code:join"}, result.Tasks[0].Metadata.LogicalTools)
}

func TestFuseNeverFusesExternalEffects(t *testing.T) {
	root := &fakeNode{kind: KindOther, children: []Node{
		call("mcp.fs.readFile", ident("p")),
		call("mcp.fs.writeFile", ident("p")),
	}}
	b := &Builder{Code: "mcp.fs.readFile(p); mcp.fs.writeFile(p)"}
	ld, err := b.Build(root)
	require.NoError(t, err)

	result, err := Fuse(ld)
	require.NoError(t, err)
	require.Len(t, result.Tasks, 2, "mcp calls never fuse")
	for _, task := range result.Tasks {
		require.Equal(t, PhysicalMCPCall, task.Kind)
	}
}

func TestFuseForkJoinGroup(t *testing.T) {
	root := &fakeNode{kind: KindOther, children: []Node{
		&fakeNode{kind: KindFanOut, fanOut: []Node{
			method("arr.filter", "a.filter(f)"),
			method("arr.map", "b.map(g)"),
		}},
	}}
	b := &Builder{Code: "Promise.all([a.filter(f), b.map(g)])"}
	ld, err := b.Build(root)
	require.NoError(t, err)

	result, err := Fuse(ld)
	require.NoError(t, err)
	require.Len(t, result.Tasks, 1)
	require.Equal(t, FusionForkJoin, result.Tasks[0].Metadata.FusionPattern)
}

func TestFuseLoopBecomesSingleTask(t *testing.T) {
	root := &fakeNode{kind: KindOther, children: []Node{
		&fakeNode{
			kind:     KindLoop,
			loopKind: LoopFor,
			span:     Span{0, 10},
			loopBody: []Node{
				call("mcp.fs.readFile", ident("i")),
			},
		},
	}}
	b := &Builder{Code: "for (...) { mcp.fs.readFile(i); }"}
	ld, err := b.Build(root)
	require.NoError(t, err)

	result, err := Fuse(ld)
	require.NoError(t, err)
	require.Len(t, result.Tasks, 1, "the loop body's call does not get its own physical task")
	require.Equal(t, []string{"fs:readFile"}, result.Tasks[0].Metadata.BodyTools)
}
