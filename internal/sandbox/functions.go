package sandbox

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// allowedFunctions returns the JS-spelled operation names the DAG builder's
// extracted code may call but expr-lang does not name natively (it already
// provides filter/map/reduce/find/findIndex/some/every/sort as closure-style
// builtins, left untouched and covered instead by guard's whitelist). These
// are the remaining operations from the whitelist: string casing, JSON,
// object-shape helpers, and the flatMap/concat/slice array helpers.
func allowedFunctions() map[string]func(params ...any) (any, error) {
	return map[string]func(params ...any) (any, error){
		"toLowerCase": func(params ...any) (any, error) { return strCase(params, strings.ToLower) },
		"toUpperCase": func(params ...any) (any, error) { return strCase(params, strings.ToUpper) },
		"trim":        func(params ...any) (any, error) { return strCase(params, strings.TrimSpace) },
		"split":       fnSplit,
		"join":        fnJoin,
		"replace":     fnReplace,
		"keys":        fnKeys,
		"values":      fnValues,
		"entries":     fnEntries,
		"parse":       fnParse,
		"stringify":   fnStringify,
		"flatMap":     fnFlatMap,
		"concat":      fnConcat,
		"slice":       fnSlice,
	}
}

func strCase(params []any, f func(string) string) (any, error) {
	s, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("expected string argument, got %T", params[0])
	}
	return f(s), nil
}

func fnSplit(params ...any) (any, error) {
	s, _ := params[0].(string)
	sep, _ := params[1].(string)
	parts := strings.Split(s, sep)
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out, nil
}

func fnJoin(params ...any) (any, error) {
	arr, ok := params[0].([]any)
	if !ok {
		return nil, fmt.Errorf("join expects an array, got %T", params[0])
	}
	sep := ","
	if len(params) > 1 {
		if s, ok := params[1].(string); ok {
			sep = s
		}
	}
	parts := make([]string, len(arr))
	for i, v := range arr {
		parts[i] = fmt.Sprintf("%v", v)
	}
	return strings.Join(parts, sep), nil
}

func fnReplace(params ...any) (any, error) {
	s, _ := params[0].(string)
	old, _ := params[1].(string)
	new, _ := params[2].(string)
	return strings.ReplaceAll(s, old, new), nil
}

func fnKeys(params ...any) (any, error) {
	m, ok := params[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("keys expects an object, got %T", params[0])
	}
	out := make([]any, 0, len(m))
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	for _, k := range ks {
		out = append(out, k)
	}
	return out, nil
}

func fnValues(params ...any) (any, error) {
	m, ok := params[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("values expects an object, got %T", params[0])
	}
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	out := make([]any, 0, len(m))
	for _, k := range ks {
		out = append(out, m[k])
	}
	return out, nil
}

func fnEntries(params ...any) (any, error) {
	m, ok := params[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("entries expects an object, got %T", params[0])
	}
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	out := make([]any, 0, len(m))
	for _, k := range ks {
		out = append(out, []any{k, m[k]})
	}
	return out, nil
}

func fnParse(params ...any) (any, error) {
	s, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("parse expects a string, got %T", params[0])
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return v, nil
}

func fnStringify(params ...any) (any, error) {
	b, err := json.Marshal(params[0])
	if err != nil {
		return nil, fmt.Errorf("stringify: %w", err)
	}
	return string(b), nil
}

func fnFlatMap(params ...any) (any, error) {
	arr, ok := params[0].([]any)
	if !ok {
		return nil, fmt.Errorf("flatMap expects an array, got %T", params[0])
	}
	var out []any
	for _, v := range arr {
		if nested, ok := v.([]any); ok {
			out = append(out, nested...)
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func fnConcat(params ...any) (any, error) {
	var out []any
	for _, p := range params {
		arr, ok := p.([]any)
		if !ok {
			out = append(out, p)
			continue
		}
		out = append(out, arr...)
	}
	return out, nil
}

func fnSlice(params ...any) (any, error) {
	arr, ok := params[0].([]any)
	if !ok {
		return nil, fmt.Errorf("slice expects an array, got %T", params[0])
	}
	start, end := 0, len(arr)
	if len(params) > 1 {
		if i, ok := toInt(params[1]); ok {
			start = i
		}
	}
	if len(params) > 2 {
		if i, ok := toInt(params[2]); ok {
			end = i
		}
	}
	if start < 0 {
		start = 0
	}
	if end > len(arr) {
		end = len(arr)
	}
	if start > end {
		return []any{}, nil
	}
	return arr[start:end], nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
