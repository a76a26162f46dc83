package route

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// node is a boolean expression over an event.
type node interface {
	eval(ev fields) (bool, error)
}

type andNode struct{ left, right node }
type orNode struct{ left, right node }
type notNode struct{ inner node }

// cmpNode compares a field with a literal.
type cmpNode struct {
	path []string
	op   Operator
	lit  interface{}
	re   *regexp.Regexp // compiled once for OpMatches
}

// -----------------------------------------------------------------------
// Tokenizer
// -----------------------------------------------------------------------

type tokenKind int

const (
	tokWord   tokenKind = iota // field path or keyword
	tokOp                      // ==, !=, >=, <=, >, <
	tokString                  // "…" or '…'
	tokNumber                  // 42 | 3.14 | -1
	tokBool                    // true | false
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
	tokEOF
)

type token struct {
	kind tokenKind
	val  string
	pos  int
}

var punct = map[byte]tokenKind{
	'(': tokLParen,
	')': tokRParen,
	'[': tokLBracket,
	']': tokRBracket,
	',': tokComma,
}

func isWordChar(c byte) bool {
	return c == '_' || c == '.' || unicode.IsLetter(rune(c)) || unicode.IsDigit(rune(c))
}

func tokenize(src string) ([]token, error) {
	var tokens []token
	for i := 0; i < len(src); {
		ch := src[i]
		switch {
		case unicode.IsSpace(rune(ch)):
			i++
		case punct[ch] != tokWord:
			tokens = append(tokens, token{punct[ch], string(ch), i})
			i++
		case ch == '=' || ch == '!' || ch == '<' || ch == '>':
			end := i + 1
			if end < len(src) && src[end] == '=' {
				end++
			}
			op := src[i:end]
			if op == "=" || op == "!" {
				return nil, fmt.Errorf("unexpected %q at position %d", op, i)
			}
			tokens = append(tokens, token{tokOp, op, i})
			i = end
		case ch == '"' || ch == '\'':
			var b strings.Builder
			j := i + 1
			for ; j < len(src) && src[j] != ch; j++ {
				if src[j] == '\\' && j+1 < len(src) {
					j++
				}
				b.WriteByte(src[j])
			}
			if j >= len(src) {
				return nil, fmt.Errorf("unterminated string starting at position %d", i)
			}
			tokens = append(tokens, token{tokString, b.String(), i})
			i = j + 1
		case unicode.IsDigit(rune(ch)) || (ch == '-' && i+1 < len(src) && unicode.IsDigit(rune(src[i+1]))):
			j := i + 1
			for j < len(src) && (unicode.IsDigit(rune(src[j])) || src[j] == '.') {
				j++
			}
			tokens = append(tokens, token{tokNumber, src[i:j], i})
			i = j
		case unicode.IsLetter(rune(ch)) || ch == '_':
			j := i
			for j < len(src) && isWordChar(src[j]) {
				j++
			}
			word := src[i:j]
			kind := tokWord
			if lw := strings.ToLower(word); lw == "true" || lw == "false" {
				kind, word = tokBool, lw
			}
			tokens = append(tokens, token{kind, word, i})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", ch, i)
		}
	}
	return append(tokens, token{kind: tokEOF, pos: len(src)}), nil
}

// -----------------------------------------------------------------------
// Recursive-descent parser
// -----------------------------------------------------------------------

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	t := p.tokens[p.pos]
	p.pos++
	return t
}

func (p *parser) keyword(kw string) bool {
	t := p.peek()
	if t.kind == tokWord && strings.EqualFold(t.val, kw) {
		p.pos++
		return true
	}
	return false
}

func parse(src string) (node, error) {
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at position %d", t.val, t.pos)
	}
	return n, nil
}

// or = and { "OR" and }
func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &orNode{left, right}
	}
	return left, nil
}

// and = unary { "AND" unary }
func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &andNode{left, right}
	}
	return left, nil
}

// unary = "NOT" unary | "(" or ")" | comparison
func (p *parser) parseUnary() (node, error) {
	if p.keyword("NOT") {
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{inner}, nil
	}
	if p.peek().kind == tokLParen {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if t := p.next(); t.kind != tokRParen {
			return nil, fmt.Errorf("expected \")\" at position %d, got %q", t.pos, t.val)
		}
		return inner, nil
	}
	return p.parseComparison()
}

// comparison = field operator literal
func (p *parser) parseComparison() (node, error) {
	t := p.next()
	if t.kind != tokWord {
		return nil, fmt.Errorf("expected field name at position %d, got %q", t.pos, t.val)
	}
	n := &cmpNode{path: strings.Split(t.val, ".")}

	opTok := p.next()
	switch {
	case opTok.kind == tokOp:
		n.op = Operator(opTok.val)
	case opTok.kind == tokWord && isKeywordOp(opTok.val):
		n.op = Operator(strings.ToLower(opTok.val))
	default:
		return nil, fmt.Errorf("expected operator after %q at position %d, got %q", t.val, opTok.pos, opTok.val)
	}

	var err error
	if n.op == OpIn {
		n.lit, err = p.parseList()
	} else {
		n.lit, err = p.parseLiteral()
	}
	if err != nil {
		return nil, err
	}

	if n.op == OpMatches {
		pattern, ok := n.lit.(string)
		if !ok {
			return nil, fmt.Errorf("matches needs a string pattern, got %v", n.lit)
		}
		if n.re, err = regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
	}
	return n, nil
}

func isKeywordOp(w string) bool {
	switch Operator(strings.ToLower(w)) {
	case OpContains, OpMatches, OpIn:
		return true
	}
	return false
}

func (p *parser) parseLiteral() (interface{}, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return t.val, nil
	case tokBool:
		return t.val == "true", nil
	case tokNumber:
		f, err := strconv.ParseFloat(t.val, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at position %d", t.val, t.pos)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("expected a literal at position %d, got %q", t.pos, t.val)
	}
}

// list = "[" literal { "," literal } "]"
func (p *parser) parseList() ([]interface{}, error) {
	if t := p.next(); t.kind != tokLBracket {
		return nil, fmt.Errorf("expected \"[\" at position %d, got %q", t.pos, t.val)
	}
	var items []interface{}
	for {
		lit, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		items = append(items, lit)
		switch t := p.next(); t.kind {
		case tokComma:
		case tokRBracket:
			return items, nil
		default:
			return nil, fmt.Errorf("expected \",\" or \"]\" at position %d, got %q", t.pos, t.val)
		}
	}
}
