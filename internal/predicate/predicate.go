package predicate

import (
	"fmt"

	"github.com/lsst/qserv/internal/valueexpr"
)

// Kind distinguishes Predicate variants.
type Kind int

const (
	KindComp Kind = iota
	KindBetween
	KindIn
	KindLike
	KindNull
	KindGeneric
)

// compOperators is the exact set of comparison operators LookupOp accepts.
var compOperators = map[string]bool{
	"=": true, "<": true, ">": true, "<=": true, ">=": true, "<>": true, "!=": true,
}

// LookupOp validates an ASCII comparison-operator string, returning an error
// for anything outside {=, <, >, <=, >=, <>, !=}. The operator string itself
// is both the lookup key and the rendered token.
func LookupOp(s string) (string, error) {
	if !compOperators[s] {
		return "", fmt.Errorf("predicate: unsupported comparison operator %q", s)
	}
	return s, nil
}

// normalizeOp maps the two ways to spell "not equal" onto one canonical form
// so that Equal treats "!=" and "<>" as the same operator.
func normalizeOp(op string) string {
	if op == "!=" {
		return "<>"
	}
	return op
}

// Predicate is the leaf of the WHERE DAG: a refinement of BoolFactorTerm with
// one active variant selected by Kind.
type Predicate struct {
	Kind Kind

	// KindComp
	Left  *valueexpr.ValueExpr
	Op    string
	Right *valueexpr.ValueExpr

	// KindBetween
	Min *valueexpr.ValueExpr
	Max *valueexpr.ValueExpr

	// KindIn
	InList []*valueexpr.ValueExpr

	// KindLike
	Pattern *valueexpr.ValueExpr

	// KindBetween / KindIn / KindLike / KindNull
	Not bool

	// KindGeneric: verbatim text for a predicate the algebra does not model
	// structurally but still must round-trip (e.g. a vendor extension).
	Generic string
}

// NewComp builds a CompPredicate, validating op via LookupOp.
func NewComp(left *valueexpr.ValueExpr, op string, right *valueexpr.ValueExpr) (*Predicate, error) {
	validated, err := LookupOp(op)
	if err != nil {
		return nil, err
	}
	return &Predicate{Kind: KindComp, Left: left, Op: validated, Right: right}, nil
}

// NewBetween builds a BetweenPredicate.
func NewBetween(left, min, max *valueexpr.ValueExpr, not bool) *Predicate {
	return &Predicate{Kind: KindBetween, Left: left, Min: min, Max: max, Not: not}
}

// NewIn builds an InPredicate.
func NewIn(left *valueexpr.ValueExpr, list []*valueexpr.ValueExpr, not bool) *Predicate {
	return &Predicate{Kind: KindIn, Left: left, InList: list, Not: not}
}

// NewLike builds a LikePredicate.
func NewLike(left, pattern *valueexpr.ValueExpr, not bool) *Predicate {
	return &Predicate{Kind: KindLike, Left: left, Pattern: pattern, Not: not}
}

// NewNull builds a NullPredicate.
func NewNull(left *valueexpr.ValueExpr, not bool) *Predicate {
	return &Predicate{Kind: KindNull, Left: left, Not: not}
}

// NewGeneric builds a GenericPredicate carrying verbatim source text.
func NewGeneric(text string) *Predicate {
	return &Predicate{Kind: KindGeneric, Generic: text}
}

// RenderTo emits this predicate's SQL text into qt.
func (p *Predicate) RenderTo(qt *QueryTemplate) {
	if p == nil {
		return
	}
	switch p.Kind {
	case KindComp:
		qt.AppendRendered(p.Left.Render())
		qt.Append(p.Op)
		qt.AppendRendered(p.Right.Render())
	case KindBetween:
		qt.AppendRendered(p.Left.Render())
		if p.Not {
			qt.Append("NOT")
		}
		qt.Append("BETWEEN")
		qt.AppendRendered(p.Min.Render())
		qt.Append("AND")
		qt.AppendRendered(p.Max.Render())
	case KindIn:
		qt.AppendRendered(p.Left.Render())
		if p.Not {
			qt.Append("NOT")
		}
		qt.Append("IN")
		qt.Append("(")
		for i, v := range p.InList {
			if i > 0 {
				qt.Append(",")
			}
			qt.AppendRendered(v.Render())
		}
		qt.Append(")")
	case KindLike:
		qt.AppendRendered(p.Left.Render())
		if p.Not {
			qt.Append("NOT")
		}
		qt.Append("LIKE")
		qt.AppendRendered(p.Pattern.Render())
	case KindNull:
		qt.AppendRendered(p.Left.Render())
		qt.Append("IS")
		if p.Not {
			qt.Append("NOT")
		}
		qt.Append("NULL")
	case KindGeneric:
		qt.AppendRendered(p.Generic)
	}
}

// Render is a convenience wrapper returning the rendered string directly.
func (p *Predicate) Render() string {
	qt := NewQueryTemplate()
	p.RenderTo(qt)
	return qt.String()
}

// Clone performs a deep copy; the clone shares no operand pointers with p.
func (p *Predicate) Clone() *Predicate {
	if p == nil {
		return nil
	}
	c := &Predicate{Kind: p.Kind, Op: p.Op, Not: p.Not, Generic: p.Generic}
	c.Left = p.Left.Clone()
	c.Right = p.Right.Clone()
	c.Min = p.Min.Clone()
	c.Max = p.Max.Clone()
	c.Pattern = p.Pattern.Clone()
	if p.InList != nil {
		c.InList = make([]*valueexpr.ValueExpr, len(p.InList))
		for i, v := range p.InList {
			c.InList[i] = v.Clone()
		}
	}
	return c
}

// CopySyntax performs a shallow copy, preserving operand reference identity
// so in-place operand substitution by a rewrite pass is observable through
// either copy.
func (p *Predicate) CopySyntax() *Predicate {
	if p == nil {
		return nil
	}
	c := *p
	if p.InList != nil {
		c.InList = append([]*valueexpr.ValueExpr(nil), p.InList...)
	}
	return &c
}

// FindColumnRefs appends every column reference transitively reachable from
// this predicate into out.
func (p *Predicate) FindColumnRefs(out *[]valueexpr.ColumnRef) {
	if p == nil {
		return
	}
	p.Left.FindColumnRefs(out)
	p.Right.FindColumnRefs(out)
	p.Min.FindColumnRefs(out)
	p.Max.FindColumnRefs(out)
	p.Pattern.FindColumnRefs(out)
	for _, v := range p.InList {
		v.FindColumnRefs(out)
	}
}

// FindValueExprs appends every value expression transitively reachable from
// this predicate into out.
func (p *Predicate) FindValueExprs(out *[]*valueexpr.ValueExpr) {
	if p == nil {
		return
	}
	for _, v := range []*valueexpr.ValueExpr{p.Left, p.Right, p.Min, p.Max, p.Pattern} {
		if v != nil {
			*out = append(*out, v)
		}
	}
	*out = append(*out, p.InList...)
}

// Equal reports structural equality by variant tag and children, normalizing
// "!=" and "<>" to the same comparison operator.
func (p *Predicate) Equal(o *Predicate) bool {
	if p == nil || o == nil {
		return p == o
	}
	if p.Kind != o.Kind || p.Not != o.Not {
		return false
	}
	switch p.Kind {
	case KindComp:
		return normalizeOp(p.Op) == normalizeOp(o.Op) && p.Left.Equal(o.Left) && p.Right.Equal(o.Right)
	case KindBetween:
		return p.Left.Equal(o.Left) && p.Min.Equal(o.Min) && p.Max.Equal(o.Max)
	case KindIn:
		if len(p.InList) != len(o.InList) || !p.Left.Equal(o.Left) {
			return false
		}
		for i := range p.InList {
			if !p.InList[i].Equal(o.InList[i]) {
				return false
			}
		}
		return true
	case KindLike:
		return p.Left.Equal(o.Left) && p.Pattern.Equal(o.Pattern)
	case KindNull:
		return p.Left.Equal(o.Left)
	case KindGeneric:
		return p.Generic == o.Generic
	default:
		return false
	}
}
