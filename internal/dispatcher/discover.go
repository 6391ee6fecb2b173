package dispatcher

import (
	"context"
	"sort"
	"strings"

	"github.com/pml-systems/pml-gateway/internal/capability"
	"github.com/pml-systems/pml-gateway/internal/toolerr"
)

func (d *Dispatcher) handleDiscover(_ context.Context, params []byte) (any, *toolerr.RPCError) {
	req, errR := decodeParams[discoverParams](params)
	if errR != nil {
		return nil, errR
	}
	if req.Intent == "" {
		return nil, toolerr.NewRPCError(toolerr.CodeInvalidParams, "intent is required", nil)
	}

	minScore := 0.0
	wantKind := ""
	if req.Filter != nil {
		minScore = req.Filter.MinScore
		wantKind = req.Filter.Type
	}
	limit := req.Limit

	var items []discoverResultItem

	if wantKind != "tool" && d.Registry != nil {
		opts := capability.SearchOptions{MinScore: minScore}
		if limit > 0 {
			opts.Limit = limit
		}
		hits, err := d.Registry.Search(req.Intent, opts)
		if err != nil {
			return nil, toolerr.NewRPCError(toolerr.CodeInternalError, err.Error(), nil)
		}
		for _, h := range hits {
			items = append(items, discoverResultItem{
				Kind: "capability", ID: h.ID, Score: h.Score, Name: h.Name, ToolsUsed: h.ToolsUsed,
			})
		}
	}

	if wantKind != "capability" && d.Tools != nil {
		for _, td := range d.Tools.List() {
			score := keywordScore(req.Intent, td.FullID)
			if score < minScore {
				continue
			}
			items = append(items, discoverResultItem{Kind: "tool", ID: td.FullID, Score: score})
		}
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return discoverResult{Results: items}, nil
}

// keywordScore is a simple term-overlap score against a tool's full id, the
// same fallback idiom internal/capability's Search uses when no embedding
// scorer is configured — tool descriptors carry no free-text description in
// ToolDescriptor today, so id is all there is to match against.
func keywordScore(query, id string) float64 {
	if query == "" {
		return 0
	}
	terms := strings.Fields(strings.ToLower(query))
	idLower := strings.ToLower(id)
	var hits int
	for _, t := range terms {
		if strings.Contains(idLower, t) {
			hits++
		}
	}
	if len(terms) == 0 {
		return 0
	}
	return float64(hits) / float64(len(terms))
}
