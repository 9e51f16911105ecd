package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrInvalidCondition = errors.New("invalid condition")

// Operator is a condition tree operator.
type Operator string

const (
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpAnd          Operator = "and"
	OpOr           Operator = "or"
	OpNot          Operator = "!"
	OpIn           Operator = "in"
	OpContains     Operator = "contains"
	OpSome         Operator = "some"
	OpAdd          Operator = "+"
	OpSubtract     Operator = "-"
	OpMultiply     Operator = "*"
	OpDivide       Operator = "/"
	OpVar          Operator = "var"
	OpAlways       Operator = "always"
)

var knownOperators = map[Operator]struct{}{
	OpEqual: {}, OpNotEqual: {}, OpLess: {}, OpLessEqual: {}, OpGreater: {}, OpGreaterEqual: {},
	OpAnd: {}, OpOr: {}, OpNot: {}, OpIn: {}, OpContains: {}, OpSome: {},
	OpAdd: {}, OpSubtract: {}, OpMultiply: {}, OpDivide: {}, OpVar: {}, OpAlways: {},
}

// Operators lists the supported operators in a stable order.
func Operators() []Operator {
	ops := make([]Operator, 0, len(knownOperators))
	for op := range knownOperators {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}

// Condition is a parsed condition tree. The zero value always matches.
type Condition struct {
	root node
	raw  json.RawMessage
}

type node interface {
	eval(data any) (any, error)
}

// ParseCondition parses a JsonLogic-style tree once. Unknown operators and
// malformed arity are rejected here so that they never reach Evaluate.
// An empty payload, null or {} yields a condition that always matches.
func ParseCondition(payload []byte) (Condition, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("{}")) {
		return Condition{raw: json.RawMessage(`{"always":true}`), root: alwaysNode{value: true}}, nil
	}

	tree, err := DecodeJSON(trimmed)
	if err != nil {
		return Condition{}, fmt.Errorf("%w: %v", ErrInvalidCondition, err)
	}
	root, err := parseNode(tree)
	if err != nil {
		return Condition{}, err
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, trimmed); err != nil {
		return Condition{}, fmt.Errorf("%w: %v", ErrInvalidCondition, err)
	}
	return Condition{root: root, raw: compact.Bytes()}, nil
}

// MustParseCondition is ParseCondition for literals in tests and seeds.
func MustParseCondition(payload string) Condition {
	c, err := ParseCondition([]byte(payload))
	if err != nil {
		panic(err)
	}
	return c
}

// Always returns a condition that evaluates to value.
func Always(value bool) Condition {
	return Condition{
		root: alwaysNode{value: value},
		raw:  json.RawMessage(fmt.Sprintf(`{"always":%t}`, value)),
	}
}

// Evaluate is pure and total over well-formed trees: it returns a wrapped
// ErrInvalidCondition for typing errors such as arithmetic on strings.
func (c Condition) Evaluate(data any) (bool, error) {
	if c.root == nil {
		return true, nil
	}
	value, err := c.root.eval(data)
	if err != nil {
		return false, err
	}
	return Truthy(value), nil
}

// Raw returns the compact JSON form of the tree.
func (c Condition) Raw() json.RawMessage {
	if len(c.raw) == 0 {
		return json.RawMessage(`{"always":true}`)
	}
	return c.raw
}

func (c Condition) MarshalJSON() ([]byte, error) {
	return c.Raw(), nil
}

func (c *Condition) UnmarshalJSON(payload []byte) error {
	parsed, err := ParseCondition(payload)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func parseNode(value any) (node, error) {
	switch v := value.(type) {
	case map[string]any:
		if len(v) != 1 {
			return nil, fmt.Errorf("%w: operator object must have exactly one key, got %d", ErrInvalidCondition, len(v))
		}
		for key, args := range v {
			return parseOperator(Operator(key), args)
		}
	case []any:
		items := make([]node, 0, len(v))
		for _, item := range v {
			parsed, err := parseNode(item)
			if err != nil {
				return nil, err
			}
			items = append(items, parsed)
		}
		return listNode{items: items}, nil
	}
	return literalNode{value: value}, nil
}

func parseOperator(op Operator, rawArgs any) (node, error) {
	if _, ok := knownOperators[op]; !ok {
		return nil, fmt.Errorf("%w: unknown operator %q", ErrInvalidCondition, op)
	}

	switch op {
	case OpVar:
		return parseVar(rawArgs)
	case OpAlways:
		b, ok := rawArgs.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: always takes a boolean", ErrInvalidCondition)
		}
		return alwaysNode{value: b}, nil
	}

	list, ok := rawArgs.([]any)
	if !ok {
		list = []any{rawArgs}
	}
	args := make([]node, 0, len(list))
	for _, item := range list {
		parsed, err := parseNode(item)
		if err != nil {
			return nil, err
		}
		args = append(args, parsed)
	}

	switch op {
	case OpEqual, OpNotEqual, OpGreater, OpGreaterEqual, OpIn, OpContains:
		if len(args) != 2 {
			return nil, arityError(op, "2", len(args))
		}
		if op == OpIn || op == OpContains {
			return membershipNode{op: op, left: args[0], right: args[1]}, nil
		}
		return compareNode{op: op, args: args}, nil
	case OpLess, OpLessEqual:
		if len(args) != 2 && len(args) != 3 {
			return nil, arityError(op, "2 or 3", len(args))
		}
		return compareNode{op: op, args: args}, nil
	case OpAnd, OpOr:
		if len(args) == 0 {
			return nil, arityError(op, "at least 1", 0)
		}
		return logicNode{op: op, args: args}, nil
	case OpNot:
		if len(args) != 1 {
			return nil, arityError(op, "1", len(args))
		}
		return notNode{arg: args[0]}, nil
	case OpSome:
		if len(args) != 2 {
			return nil, arityError(op, "2", len(args))
		}
		return someNode{source: args[0], predicate: args[1]}, nil
	case OpAdd, OpMultiply:
		if len(args) == 0 {
			return nil, arityError(op, "at least 1", 0)
		}
		return arithmeticNode{op: op, args: args}, nil
	case OpSubtract:
		if len(args) != 1 && len(args) != 2 {
			return nil, arityError(op, "1 or 2", len(args))
		}
		return arithmeticNode{op: op, args: args}, nil
	case OpDivide:
		if len(args) != 2 {
			return nil, arityError(op, "2", len(args))
		}
		return arithmeticNode{op: op, args: args}, nil
	}

	return nil, fmt.Errorf("%w: unsupported operator %q", ErrInvalidCondition, op)
}

func parseVar(rawArgs any) (node, error) {
	var path any = rawArgs
	var fallback node
	if list, ok := rawArgs.([]any); ok {
		if len(list) == 0 || len(list) > 2 {
			return nil, arityError(OpVar, "1 or 2", len(list))
		}
		path = list[0]
		if len(list) == 2 {
			parsed, err := parseNode(list[1])
			if err != nil {
				return nil, err
			}
			fallback = parsed
		}
	}

	switch p := path.(type) {
	case string:
		return varNode{path: p, fallback: fallback}, nil
	case json.Number:
		return varNode{path: p.String(), fallback: fallback}, nil
	default:
		return nil, fmt.Errorf("%w: var path must be a string", ErrInvalidCondition)
	}
}

func arityError(op Operator, want string, got int) error {
	return fmt.Errorf("%w: %q takes %s arguments, got %d", ErrInvalidCondition, op, want, got)
}

type literalNode struct{ value any }

func (n literalNode) eval(any) (any, error) { return n.value, nil }

type listNode struct{ items []node }

func (n listNode) eval(data any) (any, error) {
	out := make([]any, 0, len(n.items))
	for _, item := range n.items {
		value, err := item.eval(data)
		if err != nil {
			return nil, err
		}
		out = append(out, value)
	}
	return out, nil
}

type alwaysNode struct{ value bool }

func (n alwaysNode) eval(any) (any, error) { return n.value, nil }

type varNode struct {
	path     string
	fallback node
}

func (n varNode) eval(data any) (any, error) {
	value, ok := Lookup(data, n.path)
	if ok {
		return value, nil
	}
	if n.fallback != nil {
		return n.fallback.eval(data)
	}
	return Missing{}, nil
}

type logicNode struct {
	op   Operator
	args []node
}

func (n logicNode) eval(data any) (any, error) {
	for _, arg := range n.args {
		value, err := arg.eval(data)
		if err != nil {
			return nil, err
		}
		truthy := Truthy(value)
		if n.op == OpAnd && !truthy {
			return false, nil
		}
		if n.op == OpOr && truthy {
			return true, nil
		}
	}
	return n.op == OpAnd, nil
}

type notNode struct{ arg node }

func (n notNode) eval(data any) (any, error) {
	value, err := n.arg.eval(data)
	if err != nil {
		return nil, err
	}
	return !Truthy(value), nil
}

type compareNode struct {
	op   Operator
	args []node
}

func (n compareNode) eval(data any) (any, error) {
	values := make([]any, 0, len(n.args))
	for _, arg := range n.args {
		value, err := arg.eval(data)
		if err != nil {
			return nil, err
		}
		values = append(values, value)
	}

	switch n.op {
	case OpEqual:
		return ValuesEqual(values[0], values[1]), nil
	case OpNotEqual:
		return !ValuesEqual(values[0], values[1]), nil
	}

	for i := 0; i+1 < len(values); i++ {
		cmp, ok, err := order(values[i], values[i+1])
		if err != nil {
			return nil, err
		}
		if !ok {
			return false, nil
		}
		var holds bool
		switch n.op {
		case OpLess:
			holds = cmp < 0
		case OpLessEqual:
			holds = cmp <= 0
		case OpGreater:
			holds = cmp > 0
		case OpGreaterEqual:
			holds = cmp >= 0
		}
		if !holds {
			return false, nil
		}
	}
	return true, nil
}

// order compares two values for the ordering operators. Null or missing
// operands make the comparison false rather than an error; ISO dates
// compare as strings.
func order(left, right any) (int, bool, error) {
	if left == nil || right == nil || IsMissing(left) || IsMissing(right) {
		return 0, false, nil
	}
	if isNumber(left) || isNumber(right) {
		l, lok := AsDecimal(left, false)
		r, rok := AsDecimal(right, false)
		if !lok || !rok {
			return 0, false, fmt.Errorf("%w: cannot order %T and %T", ErrInvalidCondition, left, right)
		}
		return l.Cmp(r), true, nil
	}
	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		l, lerr := decimal.NewFromString(ls)
		r, rerr := decimal.NewFromString(rs)
		if lerr == nil && rerr == nil {
			return l.Cmp(r), true, nil
		}
		return strings.Compare(ls, rs), true, nil
	}
	return 0, false, fmt.Errorf("%w: cannot order %T and %T", ErrInvalidCondition, left, right)
}

type membershipNode struct {
	op          Operator
	left, right node
}

func (n membershipNode) eval(data any) (any, error) {
	left, err := n.left.eval(data)
	if err != nil {
		return nil, err
	}
	right, err := n.right.eval(data)
	if err != nil {
		return nil, err
	}

	needle, haystack := left, right
	if n.op == OpContains {
		needle, haystack = right, left
	}

	if haystack == nil || IsMissing(haystack) {
		return false, nil
	}
	if s, ok := haystack.(string); ok {
		sub, ok := needle.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %q on a string needs a string operand", ErrInvalidCondition, n.op)
		}
		return strings.Contains(s, sub), nil
	}
	list, ok := asList(haystack)
	if !ok {
		return nil, fmt.Errorf("%w: %q needs a list or string, got %T", ErrInvalidCondition, n.op, haystack)
	}
	for _, item := range list {
		if ValuesEqual(needle, item) {
			return true, nil
		}
	}
	return false, nil
}

// someNode evaluates predicate against each element of source; var paths
// inside the predicate resolve relative to the element.
type someNode struct {
	source, predicate node
}

func (n someNode) eval(data any) (any, error) {
	source, err := n.source.eval(data)
	if err != nil {
		return nil, err
	}
	if source == nil || IsMissing(source) {
		return false, nil
	}
	list, ok := asList(source)
	if !ok {
		return nil, fmt.Errorf("%w: some needs a list, got %T", ErrInvalidCondition, source)
	}
	for _, item := range list {
		value, err := n.predicate.eval(item)
		if err != nil {
			return nil, err
		}
		if Truthy(value) {
			return true, nil
		}
	}
	return false, nil
}

type arithmeticNode struct {
	op   Operator
	args []node
}

func (n arithmeticNode) eval(data any) (any, error) {
	operands := make([]decimal.Decimal, 0, len(n.args))
	for _, arg := range n.args {
		value, err := arg.eval(data)
		if err != nil {
			return nil, err
		}
		d, ok := AsDecimal(value, false)
		if !ok {
			return nil, fmt.Errorf("%w: %q operand %v is not numeric", ErrInvalidCondition, n.op, value)
		}
		operands = append(operands, d)
	}

	switch n.op {
	case OpAdd:
		sum := decimal.Zero
		for _, d := range operands {
			sum = sum.Add(d)
		}
		return sum, nil
	case OpMultiply:
		product := decimal.NewFromInt(1)
		for _, d := range operands {
			product = product.Mul(d)
		}
		return product, nil
	case OpSubtract:
		if len(operands) == 1 {
			return operands[0].Neg(), nil
		}
		return operands[0].Sub(operands[1]), nil
	case OpDivide:
		if operands[1].IsZero() {
			return nil, fmt.Errorf("%w: division by zero", ErrInvalidCondition)
		}
		return operands[0].Div(operands[1]), nil
	}
	return nil, fmt.Errorf("%w: unsupported arithmetic operator %q", ErrInvalidCondition, n.op)
}
