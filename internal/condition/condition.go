// Package condition implements the small predicate language shared by
// conditional document rules and event-handler filters, plus the dot-path
// payload lookup used for handler parameter mapping.
//
// Grammar:
//
//	expr   := "exists" path | "!exists" path | path op value
//	op     := "==" | "!=" | ">" | ">=" | "<" | "<="
//	path   := dot-separated keys into a flat payload
//	value  := a scalar; compared numerically when both sides parse as numbers
//
// Expressions are parsed once at load time into a Predicate and evaluated many
// times.
package condition

import (
	"fmt"
	"strconv"
	"strings"
)

// Op is a comparison operator.
type Op string

const (
	OpEq        Op = "eq"
	OpNeq       Op = "neq"
	OpGt        Op = "gt"
	OpGte       Op = "gte"
	OpLt        Op = "lt"
	OpLte       Op = "lte"
	OpExists    Op = "exists"
	OpNotExists Op = "not_exists"
)

var symbolOps = []struct {
	symbol string
	op     Op
}{
	// longest symbols first so ">=" is not read as ">".
	{"==", OpEq},
	{"!=", OpNeq},
	{">=", OpGte},
	{"<=", OpLte},
	{">", OpGt},
	{"<", OpLt},
}

// Predicate is a parsed condition expression.
type Predicate struct {
	Path  string
	Op    Op
	Value string
}

// Parse compiles an expression into a Predicate.
func Parse(expr string) (Predicate, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return Predicate{}, fmt.Errorf("empty condition")
	}
	if rest, ok := strings.CutPrefix(s, "!exists "); ok {
		return existsPredicate(rest, OpNotExists)
	}
	if rest, ok := strings.CutPrefix(s, "exists "); ok {
		return existsPredicate(rest, OpExists)
	}
	for _, cand := range symbolOps {
		idx := strings.Index(s, cand.symbol)
		if idx < 0 {
			continue
		}
		path := strings.TrimSpace(s[:idx])
		value := strings.TrimSpace(s[idx+len(cand.symbol):])
		if path == "" {
			return Predicate{}, fmt.Errorf("condition %q: missing path", expr)
		}
		if value == "" {
			return Predicate{}, fmt.Errorf("condition %q: missing value", expr)
		}
		return Predicate{Path: path, Op: cand.op, Value: unquote(value)}, nil
	}
	return Predicate{}, fmt.Errorf("condition %q: no operator", expr)
}

func existsPredicate(rest string, op Op) (Predicate, error) {
	path := strings.TrimSpace(rest)
	if path == "" {
		return Predicate{}, fmt.Errorf("exists condition: missing path")
	}
	return Predicate{Path: path, Op: op}, nil
}

func unquote(v string) string {
	if len(v) >= 2 && ((v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'')) {
		return v[1 : len(v)-1]
	}
	return v
}

// Eval applies the predicate to a payload.
func (p Predicate) Eval(payload map[string]any) bool {
	val, ok := Resolve(payload, p.Path)
	switch p.Op {
	case OpExists:
		return ok
	case OpNotExists:
		return !ok
	}
	if !ok {
		return false
	}
	return Compare(p.Op, val, p.Value)
}

// Resolve walks a dot path through nested maps. The final element may be any
// scalar; intermediate elements must be maps.
func Resolve(payload map[string]any, path string) (any, bool) {
	if payload == nil || path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var cur any = payload
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Compare applies op to an actual payload value and an expected scalar from the
// expression. Both sides are compared numerically when they parse as numbers;
// ordering operators on non-numeric values are false.
func Compare(op Op, actual any, expected string) bool {
	actualStr := Stringify(actual)
	af, aerr := strconv.ParseFloat(actualStr, 64)
	ef, eerr := strconv.ParseFloat(expected, 64)
	numeric := aerr == nil && eerr == nil
	switch op {
	case OpEq:
		if numeric {
			return af == ef
		}
		return actualStr == expected
	case OpNeq:
		if numeric {
			return af != ef
		}
		return actualStr != expected
	case OpGt:
		return numeric && af > ef
	case OpGte:
		return numeric && af >= ef
	case OpLt:
		return numeric && af < ef
	case OpLte:
		return numeric && af <= ef
	}
	return false
}

// Stringify renders a payload scalar the way the expression language sees it.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprintf("%v", t)
	}
}
