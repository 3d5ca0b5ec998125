// Query parsing and evaluation (spec §4.5.4-§4.5.6): three accepted
// forms collapse to one Expr tree, which a single evaluator walks to
// produce a set of matching record ids. The merge rule is uniform
// across forms: within a group, the first child is OR'd into an empty
// accumulator regardless of its stated connector, and every later
// child is unioned, intersected, or subtracted depending on whether it
// is OR'd, AND'd, or negated.
package index

import (
	"context"
	"fmt"
	"strings"
)

// mode values for a group Expr.
const (
	ModeOr  = "or"
	ModeAnd = "and"
)

// Expr is either a leaf (word, phrase, or range test) or a group of
// child Exprs combined left-to-right per Mode.
type Expr struct {
	Field    string
	Word     string
	Phrase   []string
	RangeOp  string
	RangeVal string
	Negate   bool

	Mode     string
	Children []*Expr
}

func (e *Expr) isLeaf() bool { return e.Mode == "" }

// Criterion is one entry of the structured query form.
type Criterion struct {
	Field  string `json:"field"`
	Value  string `json:"value"`
	Op     string `json:"op"`   // "", "=", "==", "=~", "!~", "<", "<=", ">", ">="
	Negate bool   `json:"negate"`
}

// StructuredQuery is the object form described in §4.5.4.
type StructuredQuery struct {
	Mode     string      `json:"mode"` // "and" | "or"
	Criteria []Criterion `json:"criteria"`
}

// FromStructured builds an Expr tree from the structured query form.
func FromStructured(q StructuredQuery) *Expr {
	mode := q.Mode
	if mode == "" {
		mode = ModeAnd
	}
	g := &Expr{Mode: mode}
	for _, c := range q.Criteria {
		leaf := criterionToLeaf(c)
		g.Children = append(g.Children, leaf)
	}
	return g
}

func criterionToLeaf(c Criterion) *Expr {
	op := c.Op
	switch op {
	case "", "=", "==":
		if strings.Contains(c.Value, " ") {
			return &Expr{Field: c.Field, Phrase: strings.Fields(strings.ToLower(c.Value)), Negate: c.Negate}
		}
		return &Expr{Field: c.Field, Word: strings.ToLower(c.Value), Negate: c.Negate}
	case "=~", "!~":
		return &Expr{Field: c.Field, RangeOp: "=~", RangeVal: c.Value, Negate: c.Negate || op == "!~"}
	default:
		return &Expr{Field: c.Field, RangeOp: op, RangeVal: c.Value, Negate: c.Negate}
	}
}

// ParseSimple parses the simple query string form: whitespace
// separated terms, "field:word" sets the active field for subsequent
// bare terms until the next "field:" prefix, a leading "-" negates a
// term, and "quoted phrases" become literal adjacency tests.
func ParseSimple(q string, defaultField string) (*Expr, error) {
	terms, err := splitSimpleTerms(q)
	if err != nil {
		return nil, err
	}
	g := &Expr{Mode: ModeAnd}
	field := defaultField
	for _, term := range terms {
		negate := false
		if strings.HasPrefix(term, "-") {
			negate = true
			term = term[1:]
		}
		if idx := strings.IndexByte(term, ':'); idx > 0 && !strings.HasPrefix(term, `"`) {
			field = term[:idx]
			term = term[idx+1:]
		}
		if term == "" {
			field = defaultField
			continue
		}
		if strings.HasPrefix(term, `"`) && strings.HasSuffix(term, `"`) && len(term) >= 2 {
			phrase := strings.Fields(strings.ToLower(term[1 : len(term)-1]))
			g.Children = append(g.Children, &Expr{Field: field, Phrase: phrase, Negate: negate})
			continue
		}
		g.Children = append(g.Children, &Expr{Field: field, Word: strings.ToLower(term), Negate: negate})
	}
	return g, nil
}

// splitSimpleTerms tokenizes on whitespace while keeping double-quoted
// phrases (which may contain spaces) intact as single terms.
func splitSimpleTerms(q string) ([]string, error) {
	var terms []string
	var b strings.Builder
	inQuote := false
	flush := func() {
		if b.Len() > 0 {
			terms = append(terms, b.String())
			b.Reset()
		}
	}
	for _, r := range q {
		switch {
		case r == '"':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == ' ' && !inQuote:
			flush()
		default:
			b.WriteRune(r)
		}
	}
	if inQuote {
		return nil, fmt.Errorf("index: unterminated quoted phrase in %q", q)
	}
	flush()
	return terms, nil
}

// orderChildren arranges a group's children sub-groups first, then
// positive leaf tasks, then negated leaf tasks (spec §4.5.5), so
// evaluation order never depends on how the query text wrote them:
// a negated term written before its positive sibling must still
// subtract from the positive set rather than seed the accumulator.
func orderChildren(children []*Expr) []*Expr {
	var groups, positives, negatives []*Expr
	for _, c := range children {
		switch {
		case !c.isLeaf():
			groups = append(groups, c)
		case c.Negate:
			negatives = append(negatives, c)
		default:
			positives = append(positives, c)
		}
	}
	ordered := make([]*Expr, 0, len(children))
	ordered = append(ordered, groups...)
	ordered = append(ordered, positives...)
	ordered = append(ordered, negatives...)
	return ordered
}

// Eval walks an Expr tree against the indexer's postings and returns
// the set of matching record ids.
func (ix *Indexer) Eval(ctx context.Context, e *Expr) (map[string]bool, error) {
	if e.isLeaf() {
		return ix.evalLeaf(ctx, e)
	}
	var acc map[string]bool
	for i, child := range orderChildren(e.Children) {
		set, err := ix.Eval(ctx, child)
		if err != nil {
			return nil, err
		}
		switch {
		case i == 0:
			acc = set // first task always runs as or into the empty accumulator
		case child.Negate:
			acc = subtract(acc, set)
		case e.Mode == ModeAnd:
			acc = intersect(acc, set)
		default:
			acc = union(acc, set)
		}
	}
	if acc == nil {
		acc = map[string]bool{}
	}
	return acc, nil
}

func (ix *Indexer) evalLeaf(ctx context.Context, e *Expr) (map[string]bool, error) {
	switch {
	case len(e.Phrase) > 0:
		return ix.phraseMatch(ctx, e.Field, e.Phrase)
	case e.RangeOp == "=~":
		fd, ok := ix.fieldDef(e.Field)
		if !ok {
			return nil, fmt.Errorf("index: unknown field %q", e.Field)
		}
		return ix.regexMatch(ctx, fd, e.RangeVal)
	case e.RangeOp != "":
		fd, ok := ix.fieldDef(e.Field)
		if !ok {
			return nil, fmt.Errorf("index: unknown field %q", e.Field)
		}
		return ix.rangeMatch(ctx, fd, e.RangeOp, e.RangeVal)
	default:
		return ix.matchingIDs(ctx, e.Field, e.Word)
	}
}

func (ix *Indexer) fieldDef(id string) (FieldDef, bool) {
	for _, f := range ix.cfg.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return FieldDef{}, false
}

func intersect(a, b map[string]bool) map[string]bool {
	out := map[string]bool{}
	small, big := a, b
	if len(b) < len(a) {
		small, big = b, a
	}
	for id := range small {
		if big[id] {
			out[id] = true
		}
	}
	return out
}

func union(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool, len(a)+len(b))
	for id := range a {
		out[id] = true
	}
	for id := range b {
		out[id] = true
	}
	return out
}

func subtract(a, b map[string]bool) map[string]bool {
	out := map[string]bool{}
	for id := range a {
		if !b[id] {
			out[id] = true
		}
	}
	return out
}

// Search runs a simple-string query and returns matching record ids.
func (ix *Indexer) Search(ctx context.Context, query, defaultField string) ([]string, error) {
	e, err := ParseSimple(query, defaultField)
	if err != nil {
		return nil, err
	}
	set, err := ix.Eval(ctx, e)
	if err != nil {
		return nil, err
	}
	return idsOf(set), nil
}

// SearchStructured runs the structured query object form.
func (ix *Indexer) SearchStructured(ctx context.Context, q StructuredQuery) ([]string, error) {
	set, err := ix.Eval(ctx, FromStructured(q))
	if err != nil {
		return nil, err
	}
	return idsOf(set), nil
}

func idsOf(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
