package astjson

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pml-systems/pml-gateway/internal/dag"
)

func TestParseSequentialMethodChain(t *testing.T) {
	doc := `{
		"kind": "other",
		"children": [
			{"kind": "method", "callTarget": "a.filter", "span": {"start": 0, "end": 12}},
			{"kind": "method", "callTarget": "a.map", "span": {"start": 13, "end": 22}}
		]
	}`
	root, err := Decoder{}.Parse(doc)
	require.NoError(t, err)
	require.Equal(t, dag.KindOther, root.Kind())
	require.Len(t, root.Children(), 2)
	require.Equal(t, "a.filter", root.Children()[0].CallTarget())
	require.Equal(t, dag.KindMethodCall, root.Children()[0].Kind())
}

func TestParseLoopAndFanOut(t *testing.T) {
	doc := `{
		"kind": "other",
		"children": [
			{
				"kind": "loop",
				"loopKind": "forOf",
				"loopBody": [{"kind": "call", "callTarget": "mcp.fs.readFile"}],
				"loopCondition": {"start": 1, "end": 5}
			},
			{
				"kind": "fanout",
				"fanOutBranches": [
					{"kind": "call", "callTarget": "mcp.fs.readFile"},
					{"kind": "call", "callTarget": "mcp.fs.writeFile"}
				]
			}
		]
	}`
	root, err := Decoder{}.Parse(doc)
	require.NoError(t, err)
	loop := root.Children()[0]
	require.Equal(t, dag.KindLoop, loop.Kind())
	require.Equal(t, dag.LoopForOf, loop.LoopKind())
	require.Len(t, loop.LoopBody(), 1)

	fanout := root.Children()[1]
	require.Equal(t, dag.KindFanOut, fanout.Kind())
	require.Len(t, fanout.FanOutBranches(), 2)
}

func TestParseDecisionOutcomes(t *testing.T) {
	doc := `{
		"kind": "other",
		"children": [{
			"kind": "decision",
			"decisionCondition": {"start": 0, "end": 3},
			"outcomes": {
				"true": [{"kind": "call", "callTarget": "mcp.fs.readFile"}],
				"false": [{"kind": "call", "callTarget": "mcp.fs.writeFile"}]
			}
		}]
	}`
	root, err := Decoder{}.Parse(doc)
	require.NoError(t, err)
	decision := root.Children()[0]
	require.Len(t, decision.Outcomes()["true"], 1)
	require.Len(t, decision.Outcomes()["false"], 1)
}

func TestParseInvalidJSONReturnsParseError(t *testing.T) {
	_, err := Decoder{}.Parse("not json")
	require.Error(t, err)
	require.True(t, errors.Is(err, dag.ErrParseError))
}

func TestBuilderAcceptsDecodedTree(t *testing.T) {
	doc := `{"kind": "other", "children": [
		{"kind": "method", "callTarget": "a.filter", "span": {"start": 0, "end": 9}},
		{"kind": "method", "callTarget": "a.join", "span": {"start": 10, "end": 18}}
	]}`
	root, err := Decoder{}.Parse(doc)
	require.NoError(t, err)

	b := &dag.Builder{Code: "a.filter(f); a.join(',')"}
	ld, err := b.Build(root)
	require.NoError(t, err)
	require.NotEmpty(t, ld.Nodes)
}
