// Package valueexpr holds the leaf operand primitives the predicate algebra
// builds on: column references and value expressions.
package valueexpr

import "strings"

// ColumnRef identifies a column, optionally qualified by database and table.
type ColumnRef struct {
	Db     string
	Table  string
	Column string
}

// String renders the column reference the way it would appear in SQL text:
// only the qualifiers that are present are emitted, dot-joined.
func (c ColumnRef) String() string {
	parts := make([]string, 0, 3)
	if c.Db != "" {
		parts = append(parts, c.Db)
	}
	if c.Table != "" {
		parts = append(parts, c.Table)
	}
	parts = append(parts, c.Column)
	return strings.Join(parts, ".")
}

// Equal reports structural equality between two column references.
func (c ColumnRef) Equal(o ColumnRef) bool {
	return c.Db == o.Db && c.Table == o.Table && c.Column == o.Column
}

// Kind distinguishes ValueExpr variants.
type Kind int

const (
	KindColumnRef Kind = iota
	KindLiteral
	KindFunction
	KindStar
)

// ValueExpr is a sum type over the operand forms a predicate can carry:
// a column reference, a literal, a function call over nested operands, or
// the unqualified star used by COUNT(*)-style aggregates.
type ValueExpr struct {
	Kind     Kind
	Column   ColumnRef
	Literal  string
	FuncName string
	Args     []*ValueExpr
}

// NewColumnRef builds a ValueExpr wrapping a column reference.
func NewColumnRef(ref ColumnRef) *ValueExpr {
	return &ValueExpr{Kind: KindColumnRef, Column: ref}
}

// NewLiteral builds a ValueExpr wrapping a literal token, stored verbatim
// (the caller is responsible for quoting string literals before this point;
// rendering never adds or strips quotes it didn't put there).
func NewLiteral(text string) *ValueExpr {
	return &ValueExpr{Kind: KindLiteral, Literal: text}
}

// NewFunction builds a ValueExpr wrapping a function call over operands.
func NewFunction(name string, args ...*ValueExpr) *ValueExpr {
	return &ValueExpr{Kind: KindFunction, FuncName: name, Args: args}
}

// NewStar builds the unqualified "*" ValueExpr.
func NewStar() *ValueExpr {
	return &ValueExpr{Kind: KindStar}
}

// Render emits this operand's SQL text.
func (v *ValueExpr) Render() string {
	if v == nil {
		return ""
	}
	switch v.Kind {
	case KindColumnRef:
		return v.Column.String()
	case KindLiteral:
		return v.Literal
	case KindStar:
		return "*"
	case KindFunction:
		parts := make([]string, len(v.Args))
		for i, a := range v.Args {
			parts[i] = a.Render()
		}
		return v.FuncName + "(" + strings.Join(parts, ", ") + ")"
	default:
		return ""
	}
}

// Clone returns a deep, fully disjoint copy.
func (v *ValueExpr) Clone() *ValueExpr {
	if v == nil {
		return nil
	}
	c := &ValueExpr{
		Kind:     v.Kind,
		Column:   v.Column,
		Literal:  v.Literal,
		FuncName: v.FuncName,
	}
	if v.Args != nil {
		c.Args = make([]*ValueExpr, len(v.Args))
		for i, a := range v.Args {
			c.Args[i] = a.Clone()
		}
	}
	return c
}

// FindColumnRefs appends every column reference transitively reachable from
// this operand into out.
func (v *ValueExpr) FindColumnRefs(out *[]ColumnRef) {
	if v == nil {
		return
	}
	switch v.Kind {
	case KindColumnRef:
		*out = append(*out, v.Column)
	case KindFunction:
		for _, a := range v.Args {
			a.FindColumnRefs(out)
		}
	}
}

// Equal reports structural equality by variant tag and contents.
func (v *ValueExpr) Equal(o *ValueExpr) bool {
	if v == nil || o == nil {
		return v == o
	}
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindColumnRef:
		return v.Column.Equal(o.Column)
	case KindLiteral:
		return v.Literal == o.Literal
	case KindStar:
		return true
	case KindFunction:
		if v.FuncName != o.FuncName || len(v.Args) != len(o.Args) {
			return false
		}
		for i := range v.Args {
			if !v.Args[i].Equal(o.Args[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
