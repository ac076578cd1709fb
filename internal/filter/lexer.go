package filter

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokOp     // == != < <= > >=
	tokLParen // (
	tokRParen // )
	tokAnd
	tokOr
	tokNot
	tokContains
	tokIn
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

var keywords = map[string]tokenKind{
	"and":      tokAnd,
	"or":       tokOr,
	"not":      tokNot,
	"contains": tokContains,
	"in":       tokIn,
}

type lexer struct {
	input string
	pos   int
}

func (l *lexer) errorf(pos int, format string, args ...any) error {
	return &EvalError{Expr: l.input, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.input) && unicode.IsSpace(rune(l.input[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.input[l.pos]

	switch {
	case c == '(':
		l.pos++
		return token{kind: tokLParen, text: "(", pos: start}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen, text: ")", pos: start}, nil
	case c == '"' || c == '\'':
		quote := c
		l.pos++
		var sb strings.Builder
		for l.pos < len(l.input) && l.input[l.pos] != quote {
			if l.input[l.pos] == '\\' && l.pos+1 < len(l.input) {
				l.pos++
			}
			sb.WriteByte(l.input[l.pos])
			l.pos++
		}
		if l.pos >= len(l.input) {
			return token{}, l.errorf(start, "unterminated string")
		}
		l.pos++ // closing quote
		return token{kind: tokString, text: sb.String(), pos: start}, nil
	case c == '=' || c == '!' || c == '<' || c == '>':
		op := string(c)
		l.pos++
		if l.pos < len(l.input) && l.input[l.pos] == '=' {
			op += "="
			l.pos++
		}
		if op == "=" || op == "!" {
			return token{}, l.errorf(start, "unexpected %q (did you mean %q?)", op, op+"=")
		}
		return token{kind: tokOp, text: op, pos: start}, nil
	case isIdentStart(c):
		for l.pos < len(l.input) && isIdentPart(l.input[l.pos]) {
			l.pos++
		}
		word := l.input[start:l.pos]
		if kind, ok := keywords[strings.ToLower(word)]; ok {
			return token{kind: kind, text: word, pos: start}, nil
		}
		return token{kind: tokIdent, text: word, pos: start}, nil
	case c >= '0' && c <= '9':
		for l.pos < len(l.input) && (isIdentPart(l.input[l.pos]) || l.input[l.pos] == '.') {
			l.pos++
		}
		return token{kind: tokNumber, text: l.input[start:l.pos], pos: start}, nil
	}
	return token{}, l.errorf(start, "unexpected character %q", string(c))
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9') || c == '-' || c == '.' || c == '@'
}

func tokenize(input string) ([]token, error) {
	l := &lexer{input: input}
	var toks []token
	for {
		t, err := l.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, t)
		if t.kind == tokEOF {
			return toks, nil
		}
	}
}
