package tracepoint

import (
	"errors"
	"fmt"
	"path"
	"strconv"
)

// ErrFilterParse reports a filter expression that does not lex, parse
// or resolve against the event's fields.
var ErrFilterParse = errors.New("invalid filter expression")

// filter is a compiled predicate over assembled records. Matching runs
// on the firing path.
type filter struct {
	src  string
	pred predicate
}

func (f *filter) match(data []byte) bool { return f.pred(data) }

type predicate func(data []byte) bool

type tokKind uint8

const (
	tokIdent tokKind = iota
	tokNumber
	tokString
	tokOp
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
	tokEOF
)

type token struct {
	kind tokKind
	text string
}

func isWordByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' || c == '_'
}

func lexFilter(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen})
			i++
		case c == '&':
			if i+1 >= len(src) || src[i+1] != '&' {
				return nil, fmt.Errorf("stray %q at offset %d: %w", "&", i, ErrFilterParse)
			}
			toks = append(toks, token{kind: tokAnd})
			i += 2
		case c == '|':
			if i+1 >= len(src) || src[i+1] != '|' {
				return nil, fmt.Errorf("stray %q at offset %d: %w", "|", i, ErrFilterParse)
			}
			toks = append(toks, token{kind: tokOr})
			i += 2
		case c == '!':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{kind: tokOp, text: "!="})
				i += 2
			} else {
				toks = append(toks, token{kind: tokNot})
				i++
			}
		case c == '=':
			if i+1 >= len(src) || src[i+1] != '=' {
				return nil, fmt.Errorf("stray %q at offset %d: %w", "=", i, ErrFilterParse)
			}
			toks = append(toks, token{kind: tokOp, text: "=="})
			i += 2
		case c == '<' || c == '>':
			op := string(c)
			i++
			if i < len(src) && src[i] == '=' {
				op += "="
				i++
			}
			toks = append(toks, token{kind: tokOp, text: op})
		case c == '~':
			toks = append(toks, token{kind: tokOp, text: "~"})
			i++
		case c == '"' || c == '\'':
			quote := c
			j := i + 1
			for j < len(src) && src[j] != quote {
				j++
			}
			if j == len(src) {
				return nil, fmt.Errorf("unterminated string at offset %d: %w", i, ErrFilterParse)
			}
			toks = append(toks, token{kind: tokString, text: src[i+1 : j]})
			i = j + 1
		case c == '-' || isWordByte(c):
			j := i
			if c == '-' {
				j++
			}
			for j < len(src) && isWordByte(src[j]) {
				j++
			}
			word := src[i:j]
			kind := tokIdent
			if c == '-' || c >= '0' && c <= '9' {
				kind = tokNumber
			}
			toks = append(toks, token{kind: kind, text: word})
			i = j
		default:
			return nil, fmt.Errorf("unexpected byte %q at offset %d: %w", string(c), i, ErrFilterParse)
		}
	}
	return append(toks, token{kind: tokEOF}), nil
}

type filterParser struct {
	format *Format
	toks   []token
	pos    int
}

// compileFilter builds a predicate from the classic event filter
// grammar: comparisons on field names joined by &&, || and !, with
// parentheses, == != < <= > >= on numbers and == != ~ on strings.
func compileFilter(format *Format, src string) (*filter, error) {
	toks, err := lexFilter(src)
	if err != nil {
		return nil, err
	}
	p := &filterParser{format: format, toks: toks}
	pred, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("trailing input after expression: %w", ErrFilterParse)
	}
	return &filter{src: src, pred: pred}, nil
}

func (p *filterParser) peek() token { return p.toks[p.pos] }

func (p *filterParser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *filterParser) parseOr() (predicate, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l := left
		left = func(data []byte) bool { return l(data) || right(data) }
	}
	return left, nil
}

func (p *filterParser) parseAnd() (predicate, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l := left
		left = func(data []byte) bool { return l(data) && right(data) }
	}
	return left, nil
}

func (p *filterParser) parseUnary() (predicate, error) {
	switch p.peek().kind {
	case tokNot:
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return func(data []byte) bool { return !inner(data) }, nil
	case tokLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis: %w", ErrFilterParse)
		}
		return inner, nil
	default:
		return p.parseCmp()
	}
}

func (p *filterParser) parseCmp() (predicate, error) {
	name := p.next()
	if name.kind != tokIdent {
		return nil, fmt.Errorf("expected a field name, got %q: %w", name.text, ErrFilterParse)
	}
	field, ok := p.format.Field(name.text)
	if !ok {
		return nil, fmt.Errorf("no field %q: %w", name.text, ErrFilterParse)
	}

	op := p.next()
	if op.kind != tokOp {
		return nil, fmt.Errorf("expected an operator after %q: %w", name.text, ErrFilterParse)
	}

	val := p.next()
	if field.Kind == FieldString {
		if val.kind != tokString && val.kind != tokIdent && val.kind != tokNumber {
			return nil, fmt.Errorf("expected a string for %q: %w", name.text, ErrFilterParse)
		}
		return stringCmp(field, op.text, val.text)
	}
	if val.kind != tokNumber {
		return nil, fmt.Errorf("expected a number for %q: %w", name.text, ErrFilterParse)
	}
	n, err := strconv.ParseInt(val.text, 0, 64)
	if err != nil {
		return nil, fmt.Errorf("bad number %q: %w", val.text, ErrFilterParse)
	}
	return numberCmp(field, op.text, n)
}

func stringCmp(f Field, op, want string) (predicate, error) {
	switch op {
	case "==":
		return func(data []byte) bool {
			s, ok := f.Str(data)
			return ok && s == want
		}, nil
	case "!=":
		return func(data []byte) bool {
			s, ok := f.Str(data)
			return ok && s != want
		}, nil
	case "~":
		return func(data []byte) bool {
			s, ok := f.Str(data)
			if !ok {
				return false
			}
			m, err := path.Match(want, s)
			return err == nil && m
		}, nil
	}
	return nil, fmt.Errorf("operator %q does not apply to strings: %w", op, ErrFilterParse)
}

func numberCmp(f Field, op string, want int64) (predicate, error) {
	var cmp func(int64) bool
	switch op {
	case "==":
		cmp = func(v int64) bool { return v == want }
	case "!=":
		cmp = func(v int64) bool { return v != want }
	case "<":
		cmp = func(v int64) bool { return v < want }
	case "<=":
		cmp = func(v int64) bool { return v <= want }
	case ">":
		cmp = func(v int64) bool { return v > want }
	case ">=":
		cmp = func(v int64) bool { return v >= want }
	default:
		return nil, fmt.Errorf("operator %q does not apply to numbers: %w", op, ErrFilterParse)
	}
	return func(data []byte) bool {
		v, ok := f.Int(data)
		return ok && cmp(v)
	}, nil
}
