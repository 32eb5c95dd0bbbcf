package predicate

import "github.com/lsst/qserv/internal/valueexpr"

// TermKind distinguishes BoolTerm variants.
type TermKind int

const (
	TermOr TermKind = iota
	TermAnd
	TermFactor
	TermPass
	TermUnknown
	TermValueExpr
)

// FactorTerm is one (possibly negated) predicate inside a BoolFactor's
// conjunction list.
type FactorTerm struct {
	Negated   bool
	Predicate *Predicate
}

// BoolTerm is the WHERE-clause DAG's internal-node sum type: it nests
// recursively through Terms for OrTerm/AndTerm, carries a flat predicate
// list for BoolFactor, or falls back to verbatim text for syntax the algebra
// doesn't model structurally.
type BoolTerm struct {
	Kind TermKind

	// TermOr / TermAnd
	Terms []*BoolTerm

	// TermFactor
	Factors []FactorTerm

	// TermPass / TermUnknown: verbatim token text, preserved so an
	// unrecognized construct still round-trips through Render.
	Text string

	// TermValueExpr: a bare value expression used as a boolean (e.g. a
	// function call returning a truth value).
	Value *valueexpr.ValueExpr
}

// NewOrTerm builds an OrTerm over the given children.
func NewOrTerm(terms ...*BoolTerm) *BoolTerm {
	return &BoolTerm{Kind: TermOr, Terms: terms}
}

// NewAndTerm builds an AndTerm over the given children.
func NewAndTerm(terms ...*BoolTerm) *BoolTerm {
	return &BoolTerm{Kind: TermAnd, Terms: terms}
}

// NewBoolFactor builds a BoolFactor conjunction of (possibly negated)
// predicates.
func NewBoolFactor(factors ...FactorTerm) *BoolTerm {
	return &BoolTerm{Kind: TermFactor, Factors: factors}
}

// NewPassTerm builds a PassTerm carrying verbatim source text.
func NewPassTerm(text string) *BoolTerm {
	return &BoolTerm{Kind: TermPass, Text: text}
}

// NewUnknownTerm builds an UnknownTerm for input the factory couldn't
// classify at all; it still carries its source text for round-tripping.
func NewUnknownTerm(text string) *BoolTerm {
	return &BoolTerm{Kind: TermUnknown, Text: text}
}

// NewValueExprTerm builds a BoolTerm wrapping a bare value expression.
func NewValueExprTerm(v *valueexpr.ValueExpr) *BoolTerm {
	return &BoolTerm{Kind: TermValueExpr, Value: v}
}

// RenderTo emits this term's SQL text into qt. AndTerm and OrTerm children
// are joined with their connective keyword; a BoolFactor's predicates are
// implicitly ANDed (SQL's factor-level conjunction), each possibly prefixed
// with NOT.
func (t *BoolTerm) RenderTo(qt *QueryTemplate) {
	if t == nil {
		return
	}
	switch t.Kind {
	case TermOr:
		renderJoined(qt, t.Terms, "OR")
	case TermAnd:
		renderJoined(qt, t.Terms, "AND")
	case TermFactor:
		for i, f := range t.Factors {
			if i > 0 {
				qt.Append("AND")
			}
			if f.Negated {
				qt.Append("NOT")
			}
			f.Predicate.RenderTo(qt)
		}
	case TermPass, TermUnknown:
		qt.AppendRendered(t.Text)
	case TermValueExpr:
		qt.AppendRendered(t.Value.Render())
	}
}

// renderJoined renders each child term, interposing connective between
// consecutive children. A single nested term is rendered without the
// connective keyword since there's nothing to join it to.
func renderJoined(qt *QueryTemplate, terms []*BoolTerm, connective string) {
	for i, term := range terms {
		if i > 0 {
			qt.Append(connective)
		}
		term.RenderTo(qt)
	}
}

// Render is a convenience wrapper returning the rendered string directly.
func (t *BoolTerm) Render() string {
	qt := NewQueryTemplate()
	t.RenderTo(qt)
	return qt.String()
}

// Clone performs a deep copy; no predicate or value-expr pointer is shared
// with t.
func (t *BoolTerm) Clone() *BoolTerm {
	if t == nil {
		return nil
	}
	c := &BoolTerm{Kind: t.Kind, Text: t.Text}
	if t.Terms != nil {
		c.Terms = make([]*BoolTerm, len(t.Terms))
		for i, child := range t.Terms {
			c.Terms[i] = child.Clone()
		}
	}
	if t.Factors != nil {
		c.Factors = make([]FactorTerm, len(t.Factors))
		for i, f := range t.Factors {
			c.Factors[i] = FactorTerm{Negated: f.Negated, Predicate: f.Predicate.Clone()}
		}
	}
	c.Value = t.Value.Clone()
	return c
}

// CopySyntax performs a shallow copy: nested terms, factors, and the value
// expression are reference-shared with t, so an in-place rewrite of a shared
// subtree is visible through every CopySyntax-derived copy.
func (t *BoolTerm) CopySyntax() *BoolTerm {
	if t == nil {
		return nil
	}
	c := *t
	if t.Terms != nil {
		c.Terms = append([]*BoolTerm(nil), t.Terms...)
	}
	if t.Factors != nil {
		c.Factors = append([]FactorTerm(nil), t.Factors...)
	}
	return &c
}

// FindColumnRefs appends every column reference transitively reachable from
// this term into out.
func (t *BoolTerm) FindColumnRefs(out *[]valueexpr.ColumnRef) {
	if t == nil {
		return
	}
	for _, child := range t.Terms {
		child.FindColumnRefs(out)
	}
	for _, f := range t.Factors {
		f.Predicate.FindColumnRefs(out)
	}
	t.Value.FindColumnRefs(out)
}

// FindValueExprs appends every value expression transitively reachable from
// this term into out.
func (t *BoolTerm) FindValueExprs(out *[]*valueexpr.ValueExpr) {
	if t == nil {
		return
	}
	for _, child := range t.Terms {
		child.FindValueExprs(out)
	}
	for _, f := range t.Factors {
		f.Predicate.FindValueExprs(out)
	}
	if t.Value != nil {
		*out = append(*out, t.Value)
	}
}

// Equal reports structural equality by variant tag and children.
func (t *BoolTerm) Equal(o *BoolTerm) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.Kind != o.Kind {
		return false
	}
	switch t.Kind {
	case TermOr, TermAnd:
		if len(t.Terms) != len(o.Terms) {
			return false
		}
		for i := range t.Terms {
			if !t.Terms[i].Equal(o.Terms[i]) {
				return false
			}
		}
		return true
	case TermFactor:
		if len(t.Factors) != len(o.Factors) {
			return false
		}
		for i := range t.Factors {
			if t.Factors[i].Negated != o.Factors[i].Negated {
				return false
			}
			if !t.Factors[i].Predicate.Equal(o.Factors[i].Predicate) {
				return false
			}
		}
		return true
	case TermPass, TermUnknown:
		return t.Text == o.Text
	case TermValueExpr:
		return t.Value.Equal(o.Value)
	default:
		return false
	}
}
