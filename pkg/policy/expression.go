package policy

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// FormatExpression is the built-in declarative rule format: a single
// comparison of a dotted context path against a literal, e.g.
// "extra.amount < 1000" or `actor.role == "admin"`.
const FormatExpression = "expression"

// operator scan order matters: two-character operators first.
var operators = []string{">=", "<=", "!=", "==", ">", "<"}

// ExpressionEvaluator evaluates the "expression" format.
//
// Literal parsing: quoted strings are strings, numerics are numbers,
// true/false/null are boolean/null, anything else is a raw string. An
// unresolved path evaluates as an absent value: falsy on its own, unequal to
// every literal, and outside every ordering.
type ExpressionEvaluator struct{}

// NewExpressionEvaluator returns the built-in evaluator.
func NewExpressionEvaluator() *ExpressionEvaluator {
	return &ExpressionEvaluator{}
}

// Format implements Evaluator.
func (e *ExpressionEvaluator) Format() string { return FormatExpression }

// Evaluate implements Evaluator.
func (e *ExpressionEvaluator) Evaluate(_ context.Context, expression string, ec *EvalContext) (bool, error) {
	expr := strings.TrimSpace(expression)
	if expr == "" {
		return false, fmt.Errorf("empty expression")
	}

	for _, op := range operators {
		idx := indexOfOperator(expr, op)
		if idx < 0 {
			continue
		}
		lhs := strings.TrimSpace(expr[:idx])
		rhs := strings.TrimSpace(expr[idx+len(op):])
		if lhs == "" || rhs == "" {
			return false, fmt.Errorf("malformed expression %q", expression)
		}
		value, resolved := resolvePath(ec, lhs)
		literal := parseLiteral(rhs)
		return compare(value, resolved, op, literal), nil
	}

	// Bare path: truthiness of the resolved value.
	value, resolved := resolvePath(ec, expr)
	if !resolved {
		return false, nil
	}
	return truthy(value), nil
}

// indexOfOperator finds op outside of quoted literals.
func indexOfOperator(expr, op string) int {
	inQuote := false
	for i := 0; i+len(op) <= len(expr); i++ {
		if expr[i] == '"' {
			inQuote = !inQuote
			continue
		}
		if !inQuote && strings.HasPrefix(expr[i:], op) {
			// Avoid matching ">" inside ">=" etc.
			if (op == ">" || op == "<") && i+1 < len(expr) && expr[i+1] == '=' {
				continue
			}
			if op == "==" && i > 0 && (expr[i-1] == '!' || expr[i-1] == '<' || expr[i-1] == '>') {
				continue
			}
			return i
		}
	}
	return -1
}

// resolvePath walks a dotted path rooted at decision/actor/contexts/extra.
func resolvePath(ec *EvalContext, path string) (any, bool) {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return nil, false
	}
	cur := any(ec.Root(parts[0]))
	if cur == nil || isNilMap(cur) {
		return nil, false
	}
	for _, part := range parts[1:] {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		next, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func isNilMap(v any) bool {
	m, ok := v.(map[string]any)
	return ok && m == nil
}

// literal is a parsed right-hand side.
type literal struct {
	kind string // "string" | "number" | "bool" | "null"
	str  string
	num  float64
	b    bool
}

func parseLiteral(raw string) literal {
	if len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"' {
		return literal{kind: "string", str: raw[1 : len(raw)-1]}
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return literal{kind: "number", num: n}
	}
	switch raw {
	case "true":
		return literal{kind: "bool", b: true}
	case "false":
		return literal{kind: "bool", b: false}
	case "null":
		return literal{kind: "null"}
	}
	return literal{kind: "string", str: raw}
}

func compare(value any, resolved bool, op string, lit literal) bool {
	if !resolved {
		// Absent values equal nothing except null, differ from everything
		// except null, and never satisfy an ordering.
		switch op {
		case "==":
			return lit.kind == "null"
		case "!=":
			return lit.kind != "null"
		}
		return false
	}

	switch lit.kind {
	case "number":
		n, ok := asNumber(value)
		if !ok {
			return op == "!="
		}
		switch op {
		case "==":
			return n == lit.num
		case "!=":
			return n != lit.num
		case ">":
			return n > lit.num
		case "<":
			return n < lit.num
		case ">=":
			return n >= lit.num
		case "<=":
			return n <= lit.num
		}
	case "bool":
		b, ok := value.(bool)
		if !ok {
			return op == "!="
		}
		switch op {
		case "==":
			return b == lit.b
		case "!=":
			return b != lit.b
		}
		return false
	case "null":
		isNull := value == nil
		switch op {
		case "==":
			return isNull
		case "!=":
			return !isNull
		}
		return false
	case "string":
		s, ok := value.(string)
		if !ok {
			return op == "!="
		}
		switch op {
		case "==":
			return s == lit.str
		case "!=":
			return s != lit.str
		case ">":
			return s > lit.str
		case "<":
			return s < lit.str
		case ">=":
			return s >= lit.str
		case "<=":
			return s <= lit.str
		}
	}
	return false
}

func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	}
	return 0, false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	}
	return true
}
