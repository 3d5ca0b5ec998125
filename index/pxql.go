// PxQL grammar: the structured query language form accepted alongside
// the simple string and object forms. No library in the example pack
// ships a ready-made query grammar, so this is built directly on
// participle/v2 (already a go.mod dependency) the way its own grammar
// examples define a lexer plus a tagged-struct grammar.
//
// <query> := <term> ( <connector> <term> )*
// <term>  := "(" <query> ")" | <condition>
// <condition> := Ident ("==" | "=~" | "!~" | "<=" | ">=" | "=" | "<" | ">") (String | Ident | Number)
//
// Mixing "&"/"&&" and "|"/"||" within the same unparenthesized run is
// rejected: parenthesize to disambiguate precedence instead of relying
// on an implicit binding order.
package index

import (
	"context"
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

var pxqlLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "String", Pattern: `"(\\.|[^"])*"`},
	{Name: "Op", Pattern: `==|=~|!~|<=|>=|&&|\|\||[=<>&|]`},
	{Name: "Punct", Pattern: `[()]`},
	{Name: "Number", Pattern: `-?\d+(\.\d+)?`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_.]*`},
})

type pxqlQuery struct {
	Left *pxqlTerm  `parser:"@@"`
	Rest []*pxqlRHS `parser:"@@*"`
}

type pxqlRHS struct {
	Op   string    `parser:"@(\"&&\" | \"&\" | \"||\" | \"|\")"`
	Term *pxqlTerm `parser:"@@"`
}

type pxqlTerm struct {
	Group     *pxqlQuery     `parser:"( \"(\" @@ \")\""`
	Condition *pxqlCondition `parser:"| @@ )"`
}

type pxqlCondition struct {
	Column string `parser:"@Ident"`
	Op     string `parser:"@(\"==\" | \"=~\" | \"!~\" | \"<=\" | \">=\" | \"=\" | \"<\" | \">\")"`
	Value  string `parser:"@(String | Ident | Number)"`
}

var pxqlParser = participle.MustBuild[pxqlQuery](
	participle.Lexer(pxqlLexer),
	participle.Elide("Whitespace"),
	participle.UseLookahead(2),
)

func isAndOp(op string) bool { return op == "&" || op == "&&" }
func isOrOp(op string) bool  { return op == "|" || op == "||" }

// ParsePxQL parses a PxQL expression into the same Expr tree the
// simple and structured forms produce.
func ParsePxQL(src string) (*Expr, error) {
	q, err := pxqlParser.ParseString("", src)
	if err != nil {
		return nil, fmt.Errorf("index: pxql parse error: %w", err)
	}
	return queryToExpr(q)
}

func queryToExpr(q *pxqlQuery) (*Expr, error) {
	left, err := termToExpr(q.Left)
	if err != nil {
		return nil, err
	}
	if len(q.Rest) == 0 {
		return left, nil
	}
	hasAnd, hasOr := false, false
	for _, rhs := range q.Rest {
		hasAnd = hasAnd || isAndOp(rhs.Op)
		hasOr = hasOr || isOrOp(rhs.Op)
	}
	if hasAnd && hasOr {
		return nil, fmt.Errorf("index: ambiguous mix of & and | operators; use parentheses to group")
	}
	mode := ModeAnd
	if hasOr {
		mode = ModeOr
	}
	g := &Expr{Mode: mode, Children: []*Expr{left}}
	for _, rhs := range q.Rest {
		child, err := termToExpr(rhs.Term)
		if err != nil {
			return nil, err
		}
		g.Children = append(g.Children, child)
	}
	return g, nil
}

func termToExpr(t *pxqlTerm) (*Expr, error) {
	if t.Group != nil {
		return queryToExpr(t.Group)
	}
	return conditionToExpr(t.Condition), nil
}

func conditionToExpr(c *pxqlCondition) *Expr {
	value := strings.Trim(c.Value, `"`)
	switch c.Op {
	case "=", "==":
		if strings.Contains(value, " ") {
			return &Expr{Field: c.Column, Phrase: strings.Fields(strings.ToLower(value))}
		}
		return &Expr{Field: c.Column, Word: strings.ToLower(value)}
	case "=~":
		return &Expr{Field: c.Column, RangeOp: "=~", RangeVal: value}
	case "!~":
		return &Expr{Field: c.Column, RangeOp: "=~", RangeVal: value, Negate: true}
	default:
		return &Expr{Field: c.Column, RangeOp: c.Op, RangeVal: value}
	}
}

// SearchPxQL runs a PxQL query and returns matching record ids.
func (ix *Indexer) SearchPxQL(ctx context.Context, query string) ([]string, error) {
	e, err := ParsePxQL(query)
	if err != nil {
		return nil, err
	}
	set, err := ix.Eval(ctx, e)
	if err != nil {
		return nil, err
	}
	return idsOf(set), nil
}
