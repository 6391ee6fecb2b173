// Package astjson adapts a structured JSON AST document into the
// dag.Node tree internal/dag's Builder walks. It is not a guest-language
// tokenizer: tokenizing and parsing the guest language itself is explicitly
// out of this gateway's scope (see internal/dag's own package doc). What
// this package bridges instead is the realistic shape of that boundary —
// an upstream parser (a separate process or library) hands the gateway an
// already-parsed tree, and in the absence of any one guest language this
// gateway standardizes on, that tree arrives JSON-encoded over the same
// wire pml:execute's other params travel on.
package astjson

import (
	"encoding/json"
	"fmt"

	"github.com/pml-systems/pml-gateway/internal/dag"
)

// wireNode is the on-the-wire shape of one AST node. Field names mirror
// dag.Node's accessor names so the mapping in toNode is a straight copy.
type wireNode struct {
	Kind              dag.NodeKind          `json:"kind"`
	Span              dag.Span              `json:"span"`
	Children          []wireNode            `json:"children"`
	CallTarget        string                `json:"callTarget"`
	Args              []wireNode            `json:"args"`
	AssignedName      string                `json:"assignedName"`
	IdentName         string                `json:"identName"`
	LoopKind          dag.LoopKind          `json:"loopKind"`
	LoopBody          []wireNode            `json:"loopBody"`
	LoopCondition     dag.Span              `json:"loopCondition"`
	DecisionCondition dag.Span              `json:"decisionCondition"`
	Outcomes          map[string][]wireNode `json:"outcomes"`
	FanOutBranches    []wireNode            `json:"fanOutBranches"`
	NestingLevel      int                   `json:"nestingLevel"`
}

// node is the decoded, in-memory tree satisfying dag.Node.
type node struct {
	kind              dag.NodeKind
	span              dag.Span
	children          []dag.Node
	callTarget        string
	args              []dag.Node
	assignedName      string
	identName         string
	loopKind          dag.LoopKind
	loopBody          []dag.Node
	loopCondition     dag.Span
	decisionCondition dag.Span
	outcomes          map[string][]dag.Node
	fanOutBranches    []dag.Node
	nestingLevel      int
}

func (n *node) Kind() dag.NodeKind               { return n.kind }
func (n *node) Span() dag.Span                   { return n.span }
func (n *node) Children() []dag.Node             { return n.children }
func (n *node) CallTarget() string                { return n.callTarget }
func (n *node) Args() []dag.Node                  { return n.args }
func (n *node) AssignedName() string              { return n.assignedName }
func (n *node) IdentName() string                 { return n.identName }
func (n *node) LoopKind() dag.LoopKind            { return n.loopKind }
func (n *node) LoopBody() []dag.Node              { return n.loopBody }
func (n *node) LoopCondition() dag.Span           { return n.loopCondition }
func (n *node) DecisionCondition() dag.Span       { return n.decisionCondition }
func (n *node) Outcomes() map[string][]dag.Node   { return n.outcomes }
func (n *node) FanOutBranches() []dag.Node        { return n.fanOutBranches }
func (n *node) NestingLevel() int                 { return n.nestingLevel }

func toNode(w wireNode) *node {
	n := &node{
		kind:              w.Kind,
		span:              w.Span,
		callTarget:        w.CallTarget,
		assignedName:      w.AssignedName,
		identName:         w.IdentName,
		loopKind:          w.LoopKind,
		loopCondition:     w.LoopCondition,
		decisionCondition: w.DecisionCondition,
		nestingLevel:      w.NestingLevel,
	}
	n.children = toNodes(w.Children)
	n.args = toNodes(w.Args)
	n.loopBody = toNodes(w.LoopBody)
	n.fanOutBranches = toNodes(w.FanOutBranches)
	if w.Outcomes != nil {
		n.outcomes = make(map[string][]dag.Node, len(w.Outcomes))
		for label, branch := range w.Outcomes {
			n.outcomes[label] = toNodes(branch)
		}
	}
	return n
}

func toNodes(ws []wireNode) []dag.Node {
	if len(ws) == 0 {
		return nil
	}
	out := make([]dag.Node, len(ws))
	for i, w := range ws {
		out[i] = toNode(w)
	}
	return out
}

// Decoder parses a JSON-encoded AST document into a dag.Node tree.
type Decoder struct{}

// Parse implements dispatcher.ASTParser. code must be a JSON object matching
// wireNode's shape, typically the root "other" node wrapping a workflow's
// top-level statements.
func (Decoder) Parse(code string) (dag.Node, error) {
	var w wireNode
	if err := json.Unmarshal([]byte(code), &w); err != nil {
		return nil, fmt.Errorf("%w: %s", dag.ErrParseError, err)
	}
	return toNode(w), nil
}
