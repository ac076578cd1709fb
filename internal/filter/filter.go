// Package filter implements the membership-filter expression language: a
// small typed expression tree over user attributes with boolean
// composition, evaluated purely and totally. A test that references an
// attribute the user does not carry is false; only syntactically invalid
// expressions fail, and they fail at parse time.
//
// The grammar, loosest binding first:
//
//	expr     = andExpr { "or" andExpr }
//	andExpr  = unary { "and" unary }
//	unary    = "not" unary | "(" expr ")" | test
//	test     = attr ( "==" | "!=" | "contains" | "<" | "<=" | ">" | ">=" ) literal
//	         | literal "in" attr
//
// Bare words on the right-hand side of a test are literals, so both
// `type contains manager` and `type contains "manager"` work.
package filter

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/chansync-io/chansync-ce/internal/model"
)

// EvalError reports an invalid filter expression, naming the expression
// and, when known, the group or channel that declared it.
type EvalError struct {
	Expr  string
	Owner string
	Pos   int
	Msg   string
}

func (e *EvalError) Error() string {
	if e.Owner != "" {
		return fmt.Sprintf("filter %q (%s): %s at position %d", e.Expr, e.Owner, e.Msg, e.Pos)
	}
	return fmt.Sprintf("filter %q: %s at position %d", e.Expr, e.Msg, e.Pos)
}

// Expr is a parsed filter expression node.
type Expr interface {
	Match(u *model.User) bool
	String() string
}

type andExpr struct{ left, right Expr }

func (e *andExpr) Match(u *model.User) bool { return e.left.Match(u) && e.right.Match(u) }
func (e *andExpr) String() string           { return "(" + e.left.String() + " and " + e.right.String() + ")" }

type orExpr struct{ left, right Expr }

func (e *orExpr) Match(u *model.User) bool { return e.left.Match(u) || e.right.Match(u) }
func (e *orExpr) String() string           { return "(" + e.left.String() + " or " + e.right.String() + ")" }

type notExpr struct{ inner Expr }

func (e *notExpr) Match(u *model.User) bool { return !e.inner.Match(u) }
func (e *notExpr) String() string           { return "not " + e.inner.String() }

// cmpExpr is a single attribute test.
type cmpExpr struct {
	attr  string
	op    string // ==, !=, contains, in, <, <=, >, >=
	value string
}

func (e *cmpExpr) String() string {
	if e.op == "in" {
		return fmt.Sprintf("%q in %s", e.value, e.attr)
	}
	return fmt.Sprintf("%s %s %q", e.attr, e.op, e.value)
}

func (e *cmpExpr) Match(u *model.User) bool {
	switch e.op {
	case "in", "contains":
		list := u.AttrList(e.attr)
		if list == nil {
			// contains also works as substring over scalar attributes;
			// AttrList covers scalars, so nil means truly absent.
			return false
		}
		for _, v := range list {
			if e.op == "in" && v == e.value {
				return true
			}
			if e.op == "contains" && strings.Contains(v, e.value) {
				return true
			}
		}
		return false
	}

	got, ok := u.Attr(e.attr)
	if !ok {
		return false
	}
	switch e.op {
	case "==":
		return got == e.value
	case "!=":
		return got != e.value
	case "<", "<=", ">", ">=":
		return ordered(got, e.value, e.op)
	}
	return false
}

// ordered compares numerically when both sides parse as numbers, falling
// back to lexicographic comparison.
func ordered(a, b, op string) bool {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	var cmp int
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			cmp = -1
		case fa > fb:
			cmp = 1
		}
	} else {
		cmp = strings.Compare(a, b)
	}
	switch op {
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	}
	return false
}

var (
	cacheMu sync.RWMutex
	cache   = map[string]Expr{}
)

// Parse compiles a filter expression, caching the result so repeated
// evaluation of the same expression does not re-parse.
func Parse(expr string) (Expr, error) {
	cacheMu.RLock()
	e, ok := cache[expr]
	cacheMu.RUnlock()
	if ok {
		return e, nil
	}

	toks, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{expr: expr, toks: toks}
	e, err = p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, &EvalError{Expr: expr, Pos: t.pos, Msg: fmt.Sprintf("unexpected %q", t.text)}
	}

	cacheMu.Lock()
	cache[expr] = e
	cacheMu.Unlock()
	return e, nil
}

// Check validates an expression's syntax, attributing errors to owner
// (the declaring group or channel).
func Check(expr, owner string) error {
	if _, err := Parse(expr); err != nil {
		if ee, ok := err.(*EvalError); ok {
			return &EvalError{Expr: ee.Expr, Owner: owner, Pos: ee.Pos, Msg: ee.Msg}
		}
		return err
	}
	return nil
}

// Evaluate returns the users matching expr, sorted by identity key. The
// result is independent of the iteration order of the input map.
func Evaluate(expr string, users map[string]*model.User) ([]*model.User, error) {
	e, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	matched := make([]*model.User, 0)
	for _, key := range model.SortedKeys(users) {
		if e.Match(users[key]) {
			matched = append(matched, users[key])
		}
	}
	return matched, nil
}

type parser struct {
	expr string
	toks []token
	i    int
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) advance() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) fail(t token, format string, args ...any) error {
	return &EvalError{Expr: p.expr, Pos: t.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &orExpr{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &andExpr{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Expr, error) {
	switch t := p.peek(); t.kind {
	case tokNot:
		p.advance()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notExpr{inner: inner}, nil
	case tokLParen:
		p.advance()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if t := p.peek(); t.kind != tokRParen {
			return nil, p.fail(t, "expected ')'")
		}
		p.advance()
		return inner, nil
	}
	return p.parseTest()
}

func (p *parser) parseTest() (Expr, error) {
	t := p.advance()
	switch t.kind {
	case tokIdent:
		// attr <op> literal, or attr "contains" literal
		op := p.advance()
		switch op.kind {
		case tokOp, tokContains:
			opText := op.text
			if op.kind == tokContains {
				opText = "contains"
			}
			val := p.advance()
			if val.kind != tokIdent && val.kind != tokString && val.kind != tokNumber {
				return nil, p.fail(val, "expected comparison value")
			}
			return &cmpExpr{attr: t.text, op: opText, value: val.text}, nil
		case tokIn:
			// ident used as a literal on the left of "in"
			attr := p.advance()
			if attr.kind != tokIdent {
				return nil, p.fail(attr, "expected attribute name after 'in'")
			}
			return &cmpExpr{attr: attr.text, op: "in", value: t.text}, nil
		}
		return nil, p.fail(op, "expected comparison operator")
	case tokString, tokNumber:
		op := p.advance()
		if op.kind != tokIn {
			return nil, p.fail(op, "expected 'in' after literal")
		}
		attr := p.advance()
		if attr.kind != tokIdent {
			return nil, p.fail(attr, "expected attribute name after 'in'")
		}
		return &cmpExpr{attr: attr.text, op: "in", value: t.text}, nil
	}
	return nil, p.fail(t, "expected attribute test")
}

// CacheSize reports how many distinct expressions are currently compiled,
// exposed for tests.
func CacheSize() int {
	cacheMu.RLock()
	defer cacheMu.RUnlock()
	return len(cache)
}

// Sort orders users by identity key in place, for callers that need a
// deterministic order over an arbitrary slice.
func Sort(users []*model.User) {
	sort.Slice(users, func(i, j int) bool { return users[i].Key < users[j].Key })
}
