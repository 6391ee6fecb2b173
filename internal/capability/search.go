package capability

import (
	"sort"
	"strings"
)

// SearchOptions configures Search.
type SearchOptions struct {
	// Include and Exclude restrict results to capability names whose
	// "namespace:" prefix matches one of Include and none of Exclude. Glob "*"/"**"
	// supported, mirroring the tool registry's federation filter.
	Include      []string
	Exclude      []string
	MinScore     float64
	Limit        int
	ToolsUsed    []string // when set, only capabilities using ALL of these tools
}

// Search ranks every stored capability against query using the configured
// Scorer (falling back to keyword relevance when none is set), applies
// namespace federation filtering, and returns the top results.
func (r *Registry) Search(query string, opts SearchOptions) ([]SearchResult, error) {
	all, err := r.store.All()
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(all))
	for _, c := range all {
		if !namespaceAllowed(c.Name, opts.Include, opts.Exclude) {
			continue
		}
		if !hasAllTools(c.ToolsUsed, opts.ToolsUsed) {
			continue
		}
		score := r.score(query, c)
		if score < opts.MinScore {
			continue
		}
		results = append(results, SearchResult{
			Kind:      "capability",
			ID:        c.ID,
			Name:      c.Name,
			Intent:    c.Intent,
			Score:     score,
			ToolsUsed: c.ToolsUsed,
		})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

func (r *Registry) score(query string, c Capability) float64 {
	if r.scorer != nil {
		return r.scorer.Score(query, c)
	}
	return keywordRelevance(query, c)
}

// keywordRelevance is the default Scorer fallback: a term-overlap score over
// name and intent, weighted like the tool registry's ComputeKeywordRelevance.
func keywordRelevance(query string, c Capability) float64 {
	if query == "" {
		return 0
	}
	terms := strings.Fields(strings.ToLower(query))
	nameLower := strings.ToLower(c.Name)
	intentLower := strings.ToLower(c.Intent)

	var score, max float64
	for _, term := range terms {
		max += 3
		if strings.Contains(nameLower, term) {
			score += 3
		}
		max += 2
		if strings.Contains(intentLower, term) {
			score += 2
		}
	}
	if max == 0 {
		return 0
	}
	return score / max
}

func hasAllTools(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if !set[t] {
			return false
		}
	}
	return true
}

// namespaceAllowed applies Include/Exclude glob patterns to a capability's
// "namespace:action" name, same semantics as the tool registry's federation
// filter: exclude wins over include, and an empty Include admits everything
// not excluded.
func namespaceAllowed(name string, include, exclude []string) bool {
	namespace := name
	if i := strings.Index(name, ":"); i >= 0 {
		namespace = name[:i]
	}
	for _, pattern := range exclude {
		if matchGlob(pattern, namespace) {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, pattern := range include {
		if matchGlob(pattern, namespace) {
			return true
		}
	}
	return false
}

// matchGlob supports "*" (any sequence) and exact match, sufficient for
// namespace segments which contain no path separators.
func matchGlob(pattern, name string) bool {
	if pattern == "*" || pattern == "**" || pattern == name {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	return false
}
