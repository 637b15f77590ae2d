// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: August 2026
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package filterexpr implements the boolean mini-language used by filter
// rules. Expressions are compiled once and evaluated against a flat context
// bag of dotted names. There is intentionally no escape hatch into host
// execution: the only operations are comparisons, boolean combinators, list
// membership and guarded regular expression matching.
//
// Grammar:
//
//	expr    := or
//	or      := and (("or"|"||") and)*
//	and     := not (("and"|"&&") not)*
//	not     := ("not"|"!")? cmp
//	cmp     := value ( ("=="|"eq"|"!="|"ne"|">"|"<"|">="|"<=") value
//	                 | "in" array
//	                 | "matches" "(" value ")" )?
//	value   := STRING | NUMBER | "true" | "false" | IDENT | "(" expr ")"
//	array   := "[" (value ("," value)*)? "]"
package filterexpr

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/errs"
)

// Error wraps every parse and evaluation failure in this package.
var Error = errs.Class("filter expression")

// Evaluation limits for the matches() operator.
const (
	maxPatternLen       = 1000
	maxBoundedQuants    = 20
	maxMatchInputLen    = 10000
	matchSoftBudget     = 100 * time.Millisecond
	maxExpressionTokens = 512
)

// Program is a compiled expression.
type Program struct {
	src  string
	root node
}

// Compile parses src into an evaluable Program.
func Compile(src string) (*Program, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	if len(toks) > maxExpressionTokens {
		return nil, Error.New("expression too large (%d tokens)", len(toks))
	}
	p := &parser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tEOF {
		return nil, Error.New("unexpected %s after expression", p.peek().kind)
	}
	return &Program{src: src, root: root}, nil
}

// Source returns the original expression text.
func (p *Program) Source() string { return p.src }

// Eval evaluates the program against the context bag and reports whether the
// result is truthy. Unknown identifiers resolve to nil, which compares as the
// empty string and is falsy.
func (p *Program) Eval(bag map[string]any) (bool, error) {
	v, err := p.root.eval(bag)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tEOF {
		p.pos++
	}
	return t
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: opOr, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tAnd {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: opAnd, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.peek().kind == tNot {
		p.next()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notNode{inner: inner}, nil
	}
	return p.parseCmp()
}

func (p *parser) parseCmp() (node, error) {
	left, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	switch p.peek().kind {
	case tEq, tNe, tGt, tLt, tGe, tLe:
		op := p.next().kind
		right, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		return &cmpNode{op: op, left: left, right: right}, nil
	case tIn:
		p.next()
		arr, err := p.parseArray()
		if err != nil {
			return nil, err
		}
		return &inNode{left: left, items: arr}, nil
	case tMatches:
		p.next()
		if p.next().kind != tLParen {
			return nil, Error.New("matches requires '('")
		}
		pat, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tRParen {
			return nil, Error.New("matches missing ')'")
		}
		m := &matchNode{left: left, pattern: pat}
		// Literal patterns are validated and compiled eagerly so a bad
		// pattern fails at Compile rather than per request.
		if lit, ok := pat.(*literalNode); ok {
			s, _ := lit.value.(string)
			re, err := compilePattern(s)
			if err != nil {
				return nil, err
			}
			m.compiled = re
		}
		return m, nil
	}
	return left, nil
}

func (p *parser) parseArray() ([]node, error) {
	if p.next().kind != tLBracket {
		return nil, Error.New("expected '['")
	}
	var items []node
	if p.peek().kind == tRBracket {
		p.next()
		return items, nil
	}
	for {
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		items = append(items, v)
		switch p.next().kind {
		case tComma:
			continue
		case tRBracket:
			return items, nil
		default:
			return nil, Error.New("expected ',' or ']' in array")
		}
	}
}

func (p *parser) parseValue() (node, error) {
	t := p.next()
	switch t.kind {
	case tString:
		return &literalNode{value: t.text}, nil
	case tNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, Error.New("bad number %q", t.text)
		}
		return &literalNode{value: f}, nil
	case tTrue:
		return &literalNode{value: true}, nil
	case tFalse:
		return &literalNode{value: false}, nil
	case tIdent:
		return &identNode{name: t.text}, nil
	case tLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tRParen {
			return nil, Error.New("missing ')'")
		}
		return inner, nil
	default:
		return nil, Error.New("unexpected %s at %d", t.kind, t.pos)
	}
}

// AST

type node interface {
	eval(bag map[string]any) (any, error)
}

type literalNode struct{ value any }

func (n *literalNode) eval(map[string]any) (any, error) { return n.value, nil }

type identNode struct{ name string }

func (n *identNode) eval(bag map[string]any) (any, error) {
	if v, ok := bag[n.name]; ok {
		return v, nil
	}
	return nil, nil
}

type binOp int

const (
	opAnd binOp = iota
	opOr
)

type binaryNode struct {
	op          binOp
	left, right node
}

func (n *binaryNode) eval(bag map[string]any) (any, error) {
	l, err := n.left.eval(bag)
	if err != nil {
		return nil, err
	}
	if n.op == opAnd {
		if !truthy(l) {
			return false, nil
		}
	} else if truthy(l) {
		return true, nil
	}
	r, err := n.right.eval(bag)
	if err != nil {
		return nil, err
	}
	return truthy(r), nil
}

type notNode struct{ inner node }

func (n *notNode) eval(bag map[string]any) (any, error) {
	v, err := n.inner.eval(bag)
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

type cmpNode struct {
	op          tokenKind
	left, right node
}

func (n *cmpNode) eval(bag map[string]any) (any, error) {
	l, err := n.left.eval(bag)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(bag)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case tEq:
		return valueEqual(l, r), nil
	case tNe:
		return !valueEqual(l, r), nil
	}
	lf, lok := toNumber(l)
	rf, rok := toNumber(r)
	if !lok || !rok {
		return nil, Error.New("numeric comparison with non-numeric operand")
	}
	switch n.op {
	case tGt:
		return lf > rf, nil
	case tLt:
		return lf < rf, nil
	case tGe:
		return lf >= rf, nil
	case tLe:
		return lf <= rf, nil
	}
	return nil, Error.New("unknown comparison")
}

type inNode struct {
	left  node
	items []node
}

func (n *inNode) eval(bag map[string]any) (any, error) {
	l, err := n.left.eval(bag)
	if err != nil {
		return nil, err
	}
	for _, item := range n.items {
		v, err := item.eval(bag)
		if err != nil {
			return nil, err
		}
		if valueEqual(l, v) {
			return true, nil
		}
	}
	return false, nil
}

type matchNode struct {
	left     node
	pattern  node
	compiled *regexp.Regexp
}

func (n *matchNode) eval(bag map[string]any) (any, error) {
	l, err := n.left.eval(bag)
	if err != nil {
		return nil, err
	}
	re := n.compiled
	if re == nil {
		pv, err := n.pattern.eval(bag)
		if err != nil {
			return nil, err
		}
		re, err = compilePattern(toString(pv))
		if err != nil {
			return nil, err
		}
	}
	input := toString(l)
	if len(input) > maxMatchInputLen {
		input = input[:maxMatchInputLen]
	}
	start := time.Now()
	matched := re.MatchString(input)
	if time.Since(start) > matchSoftBudget {
		return nil, Error.New("regex evaluation exceeded %s budget", matchSoftBudget)
	}
	return matched, nil
}

// compilePattern applies the ReDoS guards before handing the pattern to
// regexp. Go's RE2 engine has no catastrophic backtracking, but the guards
// are kept so that expressions stay portable across evaluator backends.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, Error.New("empty regex pattern")
	}
	if len(pattern) > maxPatternLen {
		return nil, Error.New("regex pattern exceeds %d chars", maxPatternLen)
	}
	for _, shape := range []string{"+)+", "*)*", "+)*", "*)+", "+)?+", "})+", "})*", "]+)+", "]*)*"} {
		if strings.Contains(pattern, shape) {
			return nil, Error.New("regex pattern rejected: nested quantifier shape %q", shape)
		}
	}
	if strings.Count(pattern, "{") > maxBoundedQuants {
		return nil, Error.New("regex pattern rejected: more than %d bounded quantifiers", maxBoundedQuants)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, Error.New("bad regex pattern: %v", err)
	}
	return re, nil
}

// Coercions. Comparisons are value-equal if both operands are equal after
// coercion via their string form; numeric comparisons coerce to number.

func valueEqual(a, b any) bool {
	if af, aok := toNumber(a); aok {
		if bf, bok := toNumber(b); bok {
			return af == bf
		}
	}
	return toString(a) == toString(b)
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case string:
		return t != "" && t != "false" && t != "0"
	default:
		return false
	}
}
