// Package template resolves the narrow ${...} reference grammar used in step
// configs and sub-workflow wiring. Three forms exist: a bare variable name, a
// stepName.dot.path into a step output, and "lhs || fallback" where the
// fallback is a literal or another expression. This is deliberately not an
// expression language.
package template

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Scope provides the two namespaces references resolve against.
type Scope interface {
	// Variable returns a flat variable by name.
	Variable(name string) (any, bool)
	// StepOutput returns a step's whole output by step name.
	StepOutput(name string) (any, bool)
}

// Resolver evaluates ${...} references against a Scope.
type Resolver struct {
	scope Scope
}

// NewResolver creates a resolver over scope.
func NewResolver(scope Scope) *Resolver {
	return &Resolver{scope: scope}
}

// Resolve evaluates s. When the whole string is a single ${...} the resolved
// value keeps its type (nil when undefined); any other string is returned
// unchanged.
func (r *Resolver) Resolve(s string) any {
	expr, ok := wholeExpression(s)
	if !ok {
		return s
	}
	val, _ := r.eval(expr)
	return val
}

// ResolveValue walks maps and slices, resolving every string leaf.
func (r *Resolver) ResolveValue(v any) any {
	switch typed := v.(type) {
	case string:
		return r.Resolve(typed)
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, inner := range typed {
			out[k] = r.ResolveValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, inner := range typed {
			out[i] = r.ResolveValue(inner)
		}
		return out
	default:
		return v
	}
}

// Lookup resolves a bare reference expression (no ${} wrapper) and reports
// whether it was defined.
func (r *Resolver) Lookup(expr string) (any, bool) {
	return r.eval(strings.TrimSpace(expr))
}

// wholeExpression reports whether s is exactly one ${...} and returns the
// inner expression.
func wholeExpression(s string) (string, bool) {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return "", false
	}
	inner := s[2 : len(s)-1]
	// A second opener means interpolation, which this grammar does not do.
	if strings.Contains(inner, "${") {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

// eval evaluates one expression. The second return is false when the
// expression is undefined in scope.
func (r *Resolver) eval(expr string) (any, bool) {
	if lhs, fallback, found := strings.Cut(expr, "||"); found {
		val, ok := r.eval(strings.TrimSpace(lhs))
		if ok {
			return val, true
		}
		return r.evalFallback(strings.TrimSpace(fallback))
	}
	return r.resolveReference(expr)
}

// evalFallback evaluates the right side of "||": a literal when recognizable,
// otherwise another expression.
func (r *Resolver) evalFallback(s string) (any, bool) {
	if val, ok := ParseLiteral(s); ok {
		return val, true
	}
	return r.eval(s)
}

// ParseLiteral recognizes the narrow fallback literal set: true/false, [],
// numbers, and quoted strings.
func ParseLiteral(s string) (any, bool) {
	switch s {
	case "true":
		return true, true
	case "false":
		return false, true
	case "[]":
		return []any{}, true
	}

	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1], true
		}
	}

	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, true
	}
	return nil, false
}

// resolveReference resolves a bare name or dotted path. Step outputs take
// precedence over variables; a flat variable with the full dotted key is the
// last resort.
func (r *Resolver) resolveReference(ref string) (any, bool) {
	head, rest, dotted := strings.Cut(ref, ".")

	if !dotted {
		if val, ok := r.scope.Variable(ref); ok {
			return val, true
		}
		if val, ok := r.scope.StepOutput(ref); ok {
			return val, true
		}
		return nil, false
	}

	if base, ok := r.scope.StepOutput(head); ok {
		return navigate(base, rest)
	}
	if base, ok := r.scope.Variable(head); ok {
		return navigate(base, rest)
	}
	if val, ok := r.scope.Variable(ref); ok {
		return val, true
	}
	return nil, false
}

// navigate follows a dot path into an arbitrary value via its JSON form.
func navigate(base any, path string) (any, bool) {
	data, err := json.Marshal(base)
	if err != nil {
		return nil, false
	}
	result := gjson.GetBytes(data, path)
	if !result.Exists() {
		return nil, false
	}
	return result.Value(), true
}
