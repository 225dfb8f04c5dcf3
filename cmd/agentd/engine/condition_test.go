package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multiagent/ma/common/logger"
	"github.com/multiagent/ma/common/transport"
)

func conditionContext(t *testing.T, vars map[string]any, outputs map[string]any) *Context {
	t.Helper()
	ec := NewContext("wf-cond", "proj", "", "main", transport.NewMemory(logger.Discard()), logger.Discard())
	for k, v := range vars {
		ec.SetVariable(k, v)
	}
	for k, v := range outputs {
		ec.SetStepOutput(k, v)
	}
	return ec
}

func TestEvaluateCondition(t *testing.T) {
	ec := conditionContext(t,
		map[string]any{
			"enabled":   true,
			"disabled":  false,
			"count":     int64(3),
			"zero":      int64(0),
			"name":      "review",
			"empty":     "",
			"items":     []any{"a"},
			"no_items":  []any{},
			"threshold": "5",
		},
		map[string]any{
			"qa": map[string]any{"status": "pass", "retries": float64(2)},
		},
	)

	cases := []struct {
		name string
		cond string
		want bool
	}{
		{"empty condition runs", "", true},
		{"truthy bool", "enabled", true},
		{"falsy bool", "disabled", false},
		{"wrapped reference", "${enabled}", true},
		{"nonzero number", "count", true},
		{"zero number", "zero", false},
		{"nonempty string", "name", true},
		{"empty string", "empty", false},
		{"nonempty slice", "items", true},
		{"empty slice", "no_items", false},
		{"undefined is falsy", "never_set", false},

		{"equal strings", "name == 'review'", true},
		{"unequal strings", "name == 'qa'", false},
		{"not equal", "name != 'qa'", true},
		{"bool vs string bool", "enabled == 'true'", true},
		{"number vs numeric string", "threshold == 5", true},
		{"step output dotted path", "${qa.status == 'pass'}", true},
		{"step output number", "qa.retries == 2", true},

		{"undefined equals nothing", "never_set == 'x'", false},
		{"undefined equals false literal fails too", "never_set == false", false},
		{"undefined not-equal holds", "never_set != 'x'", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := EvaluateCondition(tc.cond, ec)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got, "condition %q", tc.cond)
		})
	}
}

func TestEvaluateConditionFallbackInside(t *testing.T) {
	ec := conditionContext(t, map[string]any{"present": false}, nil)

	// The fallback fires only for undefined references, so a present false
	// stays false.
	got, err := EvaluateCondition("${present || true}", ec)
	require.NoError(t, err)
	assert.False(t, got)

	got, err = EvaluateCondition("${missing || true}", ec)
	require.NoError(t, err)
	assert.True(t, got)
}
