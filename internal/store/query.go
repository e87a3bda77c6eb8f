package store

import (
	"fmt"
	"regexp"
	"strings"
)

// wordRegex matches word characters for search indexing.
var wordRegex = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// Query is a parsed boolean search expression. The grammar follows the
// PostgreSQL to_tsquery operators so that every store rejects the same
// inputs: terms combined with & (and), | (or), ! (not) and parentheses.
// Two terms with no operator between them are a syntax error.
type Query interface {
	Match(words map[string]struct{}) bool
}

type termQuery string

func (q termQuery) Match(words map[string]struct{}) bool {
	_, ok := words[string(q)]
	return ok
}

type andQuery struct{ left, right Query }

func (q andQuery) Match(words map[string]struct{}) bool {
	return q.left.Match(words) && q.right.Match(words)
}

type orQuery struct{ left, right Query }

func (q orQuery) Match(words map[string]struct{}) bool {
	return q.left.Match(words) || q.right.Match(words)
}

type notQuery struct{ inner Query }

func (q notQuery) Match(words map[string]struct{}) bool {
	return !q.inner.Match(words)
}

// ParseQuery parses a search expression. Errors wrap ErrInvalidQuery.
func ParseQuery(expr string) (Query, error) {
	tokens, err := lexQuery(expr)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidQuery)
	}
	p := &queryParser{tokens: tokens}
	q, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("%w: syntax error at %q", ErrInvalidQuery, p.tokens[p.pos])
	}
	return q, nil
}

// RewriteConjunctive joins the whitespace-separated terms of expr with the
// and operator: "hello world" becomes "hello & world".
func RewriteConjunctive(expr string) string {
	return strings.Join(strings.Fields(expr), " & ")
}

// Words returns the normalized word set of text.
func Words(text string) map[string]struct{} {
	found := wordRegex.FindAllString(strings.ToLower(text), -1)
	words := make(map[string]struct{}, len(found))
	for _, w := range found {
		words[w] = struct{}{}
	}
	return words
}

func lexQuery(expr string) ([]string, error) {
	var tokens []string
	var term strings.Builder
	flush := func() error {
		if term.Len() == 0 {
			return nil
		}
		raw := term.String()
		term.Reset()
		normalized := strings.Join(wordRegex.FindAllString(strings.ToLower(raw), -1), "")
		if normalized == "" {
			return fmt.Errorf("%w: unsupported term %q", ErrInvalidQuery, raw)
		}
		tokens = append(tokens, normalized)
		return nil
	}

	for _, r := range expr {
		switch {
		case r == '&' || r == '|' || r == '!' || r == '(' || r == ')':
			if err := flush(); err != nil {
				return nil, err
			}
			tokens = append(tokens, string(r))
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if err := flush(); err != nil {
				return nil, err
			}
		default:
			term.WriteRune(r)
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return tokens, nil
}

func isOperator(tok string) bool {
	return tok == "&" || tok == "|" || tok == "!" || tok == "(" || tok == ")"
}

type queryParser struct {
	tokens []string
	pos    int
}

func (p *queryParser) peek() string {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return ""
}

func (p *queryParser) parseOr() (Query, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek() == "|" {
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orQuery{left, right}
	}
	return left, nil
}

func (p *queryParser) parseAnd() (Query, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek() == "&" {
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andQuery{left, right}
	}
	return left, nil
}

func (p *queryParser) parseUnary() (Query, error) {
	tok := p.peek()
	switch {
	case tok == "":
		return nil, fmt.Errorf("%w: unexpected end of expression", ErrInvalidQuery)
	case tok == "!":
		p.pos++
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notQuery{inner}, nil
	case tok == "(":
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek() != ")" {
			return nil, fmt.Errorf("%w: missing closing parenthesis", ErrInvalidQuery)
		}
		p.pos++
		return inner, nil
	case isOperator(tok):
		return nil, fmt.Errorf("%w: syntax error at %q", ErrInvalidQuery, tok)
	}
	p.pos++
	return termQuery(tok), nil
}
