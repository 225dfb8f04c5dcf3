package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/multiagent/ma/cmd/agentd/template"
)

// EvaluateCondition decides whether a step should run. Conditions accept an
// optional ${...} wrapper and support ==, != and plain truthiness of a single
// reference. Comparison is loose in the JavaScript sense: "true"/"false"
// strings equal their booleans and numeric strings compare as numbers.
// An undefined reference is falsy and not equal to any value.
func EvaluateCondition(cond string, ec *Context) (bool, error) {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return true, nil
	}

	if inner, ok := stripWrapper(cond); ok {
		cond = inner
	}

	resolver := template.NewResolver(ec)

	if lhs, rhs, found := strings.Cut(cond, "=="); found {
		l, lok := evalOperand(resolver, strings.TrimSpace(lhs))
		rVal, rok := evalOperand(resolver, strings.TrimSpace(rhs))
		if !lok || !rok {
			return false, nil
		}
		return looseEqual(l, rVal), nil
	}

	if lhs, rhs, found := strings.Cut(cond, "!="); found {
		l, lok := evalOperand(resolver, strings.TrimSpace(lhs))
		rVal, rok := evalOperand(resolver, strings.TrimSpace(rhs))
		if !lok || !rok {
			// An undefined operand is not equal to anything, so != holds.
			return true, nil
		}
		return !looseEqual(l, rVal), nil
	}

	val, ok := resolver.Lookup(cond)
	if !ok {
		return false, nil
	}
	return truthy(val), nil
}

func stripWrapper(s string) (string, bool) {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") && !strings.Contains(s[2:len(s)-1], "${") {
		return strings.TrimSpace(s[2 : len(s)-1]), true
	}
	return "", false
}

// evalOperand resolves one side of a comparison: a recognized literal first,
// then a scope reference.
func evalOperand(resolver *template.Resolver, s string) (any, bool) {
	if val, ok := template.ParseLiteral(s); ok {
		return val, true
	}
	return resolver.Lookup(s)
}

// looseEqual compares with JavaScript-like coercion.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return false
	}

	if an, aok := asNumber(a); aok {
		if bn, bok := asNumber(b); bok {
			return an == bn
		}
	}

	if ab, aok := asBool(a); aok {
		if bb, bok := asBool(b); bok {
			return ab == bb
		}
	}

	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

// truthy follows JavaScript truthiness for the value types that appear in
// step outputs.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return true
	default:
		return true
	}
}
