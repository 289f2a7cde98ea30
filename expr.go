package flume

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// The {{ … }} expression mini-language resolves node parameter strings
// against the live execution context at node-execution time:
//
//	$json.path           value from the first input item
//	$input.first().path  equivalent to $json
//	$input.all()         the full current input sequence
//	$('Name').item.json.path  value from a named prior node's first output item
//	$tokens.name         value from the context token bag
//	identifier           initialData.body first, then first input item
//
// Paths accept mixed dot and bracketed-string notation: a.b["c"].d.
//
// This is distinct from {{UPPER_NAME}} parameter placeholders, which the
// template preparer substitutes before execution (see template.go).

var (
	interpRe   = regexp.MustCompile(`\{\{([\s\S]*?)\}\}`)
	nodeRefRe  = regexp.MustCompile(`^\$\(\s*['"]([^'"]*)['"]\s*\)`)
	identRe    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	pathSegRe  = regexp.MustCompile(`^(?:\.?([A-Za-z_$][A-Za-z0-9_$]*)|\[\s*"((?:[^"\\]|\\.)*)"\s*\]|\[\s*'((?:[^'\\]|\\.)*)'\s*\]|\[\s*(\d+)\s*\])`)
	funcCallRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\(\s*\)`)
)

// HasExpression reports whether s contains at least one {{ … }} span.
func HasExpression(s string) bool {
	return interpRe.MatchString(s)
}

// Evaluate resolves every {{ … }} span in s against the execution context and
// the current node input.
//
// If s is exactly one interpolation (optionally prefixed with "=", which is
// stripped), the evaluated value is returned with its original type. Otherwise
// each span is evaluated and spliced into the surrounding text as a string;
// undefined values splice as the empty string.
func Evaluate(s string, exec *Execution, input []Item) any {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "=") {
		trimmed = strings.TrimSpace(trimmed[1:])
	}

	if loc := interpRe.FindStringIndex(trimmed); loc != nil && loc[0] == 0 && loc[1] == len(trimmed) {
		inner := trimmed[2 : len(trimmed)-2]
		v, _ := evalExpression(inner, exec, input)
		return v
	}

	return interpRe.ReplaceAllStringFunc(s, func(span string) string {
		inner := span[2 : len(span)-2]
		v, ok := evalExpression(inner, exec, input)
		if !ok || v == nil {
			return ""
		}
		return Stringify(v)
	})
}

// EvaluateTree applies Evaluate to every string leaf of a parameter tree,
// returning a new tree. Non-string leaves pass through unchanged.
func EvaluateTree(v any, exec *Execution, input []Item) any {
	switch t := v.(type) {
	case string:
		if HasExpression(t) {
			return Evaluate(t, exec, input)
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = EvaluateTree(child, exec, input)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = EvaluateTree(child, exec, input)
		}
		return out
	default:
		return v
	}
}

// Stringify renders an evaluated value for splicing into surrounding text.
// Objects and arrays render as JSON, never as a language-specific tag.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case int, int64:
		return fmt.Sprintf("%d", t)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// evalExpression resolves a single interpolation body. The second return is
// false when the expression is undefined in this context.
func evalExpression(expr string, exec *Execution, input []Item) (any, bool) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, false
	}

	switch {
	case expr == "$json" || strings.HasPrefix(expr, "$json.") || strings.HasPrefix(expr, "$json["):
		return resolvePath(firstInputJSON(input), expr[len("$json"):])

	case strings.HasPrefix(expr, "$input."):
		return evalInput(expr[len("$input."):], input)

	case strings.HasPrefix(expr, "$("):
		return evalNodeRef(expr, exec)

	case expr == "$tokens" || strings.HasPrefix(expr, "$tokens.") || strings.HasPrefix(expr, "$tokens["):
		return evalTokens(expr[len("$tokens"):], exec)

	case identRe.MatchString(expr):
		return evalIdentifier(expr, exec, input)
	}

	// Dotted identifier chains fall through to the bare-identifier lookup on
	// the head segment, then path traversal on the rest.
	if m := pathSegRe.FindStringSubmatch(expr); m != nil && m[1] != "" && !strings.HasPrefix(expr, "$") {
		head, ok := evalIdentifier(m[1], exec, input)
		if !ok {
			return nil, false
		}
		return resolvePath(head, expr[len(m[0]):])
	}

	return nil, false
}

// evalInput handles $input.first() and $input.all().
func evalInput(rest string, input []Item) (any, bool) {
	m := funcCallRe.FindStringSubmatch(rest)
	if m == nil {
		return nil, false
	}
	path := rest[len(m[0]):]
	switch m[1] {
	case "first":
		return resolvePath(firstInputJSON(input), path)
	case "all":
		if path == "" {
			return input, true
		}
		return resolvePath(input, path)
	}
	return nil, false
}

// evalNodeRef handles $('Name') with an optional .item.json.path tail. The
// referenced node's committed output is read through exec.Outputs, which holds
// every output under both name and ID.
func evalNodeRef(expr string, exec *Execution) (any, bool) {
	m := nodeRefRe.FindStringSubmatch(expr)
	if m == nil {
		return nil, false
	}
	items, ok := exec.Output(m[1])
	if !ok || len(items) == 0 {
		return nil, false
	}
	path := expr[len(m[0]):]
	path = strings.TrimPrefix(path, ".item")
	return resolvePath(items[0], path)
}

// evalTokens resolves $tokens and $tokens.name.
func evalTokens(path string, exec *Execution) (any, bool) {
	if path == "" {
		return exec.Tokens, true
	}
	bag := make(map[string]any, len(exec.Tokens))
	for k, v := range exec.Tokens {
		bag[k] = v
	}
	return resolvePath(bag, path)
}

// evalIdentifier looks a bare identifier up in initialData.body, then in the
// first input item's json.
func evalIdentifier(name string, exec *Execution, input []Item) (any, bool) {
	if exec != nil {
		if init, ok := exec.InitialData.(map[string]any); ok {
			if body, ok := init["body"].(map[string]any); ok {
				if v, has := body[name]; has {
					return v, true
				}
			}
		}
	}
	if j, ok := firstInputJSON(input).(map[string]any); ok {
		if v, has := j[name]; has {
			return v, true
		}
	}
	return nil, false
}

// firstInputJSON returns the json payload of the first input item, or nil.
func firstInputJSON(input []Item) any {
	if len(input) == 0 {
		return nil
	}
	return input[0].JSON
}

// resolvePath traverses a value by a mixed dot/bracket path like
// `.a.b["c"][0]`. An empty path returns the value itself. An Item resolves to
// its json payload unless the next segment is "json" (which is consumed), so
// $json-style references work on items and on raw trees alike.
func resolvePath(v any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	for path != "" {
		m := pathSegRe.FindStringSubmatch(path)
		if m == nil {
			return nil, false
		}
		seg := m[1]
		if seg == "" {
			seg = m[2]
		}
		if seg == "" {
			seg = m[3]
		}
		path = path[len(m[0]):]

		if it, ok := v.(Item); ok {
			if seg == "json" {
				v = it.JSON
				continue
			}
			v = it.JSON
		}

		if m[4] != "" {
			idx, err := strconv.Atoi(m[4])
			if err != nil {
				return nil, false
			}
			next, ok := indexValue(v, idx)
			if !ok {
				return nil, false
			}
			v = next
			continue
		}

		obj, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		next, has := obj[seg]
		if !has {
			return nil, false
		}
		v = next
	}

	if it, ok := v.(Item); ok {
		return it.JSON, true
	}
	return v, true
}

func indexValue(v any, idx int) (any, bool) {
	switch t := v.(type) {
	case []any:
		if idx < 0 || idx >= len(t) {
			return nil, false
		}
		return t[idx], true
	case []Item:
		if idx < 0 || idx >= len(t) {
			return nil, false
		}
		return t[idx], true
	}
	return nil, false
}
