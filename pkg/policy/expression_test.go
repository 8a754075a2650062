package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exprContext() *EvalContext {
	return &EvalContext{
		Decision: map[string]any{
			"id":     "dec-1",
			"action": map[string]any{"type": "financial:transfer"},
		},
		Actor: map[string]any{"role": "engineer", "trusted": true},
		Extra: map[string]any{"amount": float64(5000), "region": "eu"},
	}
}

func TestExpressionComparisons(t *testing.T) {
	cases := []struct {
		expr string
		want bool
	}{
		{"extra.amount < 1000", false},
		{"extra.amount >= 5000", true},
		{"extra.amount > 4999", true},
		{"extra.amount <= 5000", true},
		{"extra.amount == 5000", true},
		{"extra.amount != 5000", false},
		{`extra.region == "eu"`, true},
		{`extra.region != "us"`, true},
		{`actor.role == "engineer"`, true},
		{"actor.trusted == true", true},
		{"actor.trusted != false", true},
		{`decision.action.type == "financial:transfer"`, true},
	}

	ev := NewExpressionEvaluator()
	for _, tc := range cases {
		got, err := ev.Evaluate(context.Background(), tc.expr, exprContext())
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
}

func TestExpressionUnresolvedPath(t *testing.T) {
	ev := NewExpressionEvaluator()

	// Absent values never satisfy an ordering and only equal null.
	cases := []struct {
		expr string
		want bool
	}{
		{"extra.missing > 10", false},
		{"extra.missing < 10", false},
		{"extra.missing == 10", false},
		{"extra.missing != 10", true},
		{"extra.missing == null", true},
		{"extra.missing", false},
	}
	for _, tc := range cases {
		got, err := ev.Evaluate(context.Background(), tc.expr, exprContext())
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
}

func TestExpressionBarePathTruthiness(t *testing.T) {
	ev := NewExpressionEvaluator()

	got, err := ev.Evaluate(context.Background(), "actor.trusted", exprContext())
	require.NoError(t, err)
	assert.True(t, got)

	got, err = ev.Evaluate(context.Background(), "extra.region", exprContext())
	require.NoError(t, err)
	assert.True(t, got)
}

func TestExpressionLiteralParsing(t *testing.T) {
	assert.Equal(t, literal{kind: "string", str: "x y"}, parseLiteral(`"x y"`))
	assert.Equal(t, "number", parseLiteral("42.5").kind)
	assert.Equal(t, "bool", parseLiteral("true").kind)
	assert.Equal(t, "null", parseLiteral("null").kind)
	// Unquoted non-numeric falls back to raw string.
	assert.Equal(t, literal{kind: "string", str: "eu-west"}, parseLiteral("eu-west"))
}

func TestExpressionMalformed(t *testing.T) {
	ev := NewExpressionEvaluator()
	_, err := ev.Evaluate(context.Background(), "", exprContext())
	assert.Error(t, err)
	_, err = ev.Evaluate(context.Background(), ">= 10", exprContext())
	assert.Error(t, err)
}

func TestExpressionOperatorInsideQuotes(t *testing.T) {
	ev := NewExpressionEvaluator()
	ec := &EvalContext{Extra: map[string]any{"note": "a>b"}}
	got, err := ev.Evaluate(context.Background(), `extra.note == "a>b"`, ec)
	require.NoError(t, err)
	assert.True(t, got)
}
