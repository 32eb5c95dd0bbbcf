package predicate

import (
	"fmt"

	"github.com/lsst/qserv/internal/valueexpr"
)

// ParseNode is the minimal shape BoolTermFactory needs from an upstream
// parse tree: a node kind plus whatever that kind needs to become a
// BoolTerm or Predicate. Only the fields a given kind actually reads are
// populated by the caller; the rest are left zero.
type ParseNode struct {
	Kind string

	// OR_TERM / AND_TERM
	Children []ParseNode

	// BOOL_FACTOR
	Factors []ParseFactor

	// COMP_PREDICATE / BETWEEN_PREDICATE / IN_PREDICATE / LIKE_PREDICATE /
	// NULL_PREDICATE
	Left  *valueexpr.ValueExpr
	Op    string
	Right *valueexpr.ValueExpr
	Min   *valueexpr.ValueExpr
	Max   *valueexpr.ValueExpr
	List  []*valueexpr.ValueExpr
	Not   bool

	// VALUE_EXPR_TERM
	Value *valueexpr.ValueExpr

	// PASS_TERM / anything unrecognized: verbatim source text.
	Text string
}

// ParseFactor mirrors FactorTerm at the ParseNode level: a possibly negated
// predicate node inside a BOOL_FACTOR.
type ParseFactor struct {
	Negated bool
	Node    ParseNode
}

// unsupportedKinds enumerates parse-node kinds the algebra does not model.
// The factory fails fast on these rather than degrading them to a PassTerm,
// since their semantics are too structural to approximate as opaque text.
var unsupportedKinds = map[string]bool{
	"QUANTIFIED_COMP_PREDICATE": true,
	"MATCH_PREDICATE":           true,
	"OVERLAPS_PREDICATE":        true,
}

// BoolTermFactory converts a generic parse tree into the BoolTerm/Predicate
// algebra, dispatching on each node's grammar-rule tag.
type BoolTermFactory struct{}

// NewBoolTermFactory returns a stateless factory; it holds no fields because
// nothing about the conversion depends on factory-instance state, only on
// the node being imported.
func NewBoolTermFactory() *BoolTermFactory {
	return &BoolTermFactory{}
}

// Import converts a parse node into a BoolTerm, or returns an error for a
// kind in unsupportedKinds.
func (f *BoolTermFactory) Import(node ParseNode) (*BoolTerm, error) {
	if unsupportedKinds[node.Kind] {
		return nil, fmt.Errorf("predicate: unsupported construct %s", node.Kind)
	}
	switch node.Kind {
	case "OR_TERM":
		children, err := f.importAll(node.Children)
		if err != nil {
			return nil, err
		}
		return NewOrTerm(children...), nil
	case "AND_TERM":
		children, err := f.importAll(node.Children)
		if err != nil {
			return nil, err
		}
		return NewAndTerm(children...), nil
	case "BOOL_FACTOR":
		factors := make([]FactorTerm, len(node.Factors))
		for i, pf := range node.Factors {
			pred, err := f.importPredicate(pf.Node)
			if err != nil {
				return nil, err
			}
			factors[i] = FactorTerm{Negated: pf.Negated, Predicate: pred}
		}
		return NewBoolFactor(factors...), nil
	case "VALUE_EXPR_TERM":
		return NewValueExprTerm(node.Value), nil
	case "PASS_TERM":
		return NewPassTerm(node.Text), nil
	case "COMP_PREDICATE", "BETWEEN_PREDICATE", "IN_PREDICATE", "LIKE_PREDICATE", "NULL_PREDICATE":
		pred, err := f.importPredicate(node)
		if err != nil {
			return nil, err
		}
		return NewBoolFactor(FactorTerm{Predicate: pred}), nil
	default:
		// Unrecognized but not explicitly unsupported: carry the source
		// text through unchanged rather than losing it.
		return NewUnknownTerm(node.Text), nil
	}
}

func (f *BoolTermFactory) importAll(nodes []ParseNode) ([]*BoolTerm, error) {
	out := make([]*BoolTerm, len(nodes))
	for i, n := range nodes {
		term, err := f.Import(n)
		if err != nil {
			return nil, err
		}
		out[i] = term
	}
	return out, nil
}

func (f *BoolTermFactory) importPredicate(node ParseNode) (*Predicate, error) {
	if unsupportedKinds[node.Kind] {
		return nil, fmt.Errorf("predicate: unsupported construct %s", node.Kind)
	}
	switch node.Kind {
	case "COMP_PREDICATE":
		return NewComp(node.Left, node.Op, node.Right)
	case "BETWEEN_PREDICATE":
		return NewBetween(node.Left, node.Min, node.Max, node.Not), nil
	case "IN_PREDICATE":
		return NewIn(node.Left, node.List, node.Not), nil
	case "LIKE_PREDICATE":
		return NewLike(node.Left, node.Right, node.Not), nil
	case "NULL_PREDICATE":
		return NewNull(node.Left, node.Not), nil
	default:
		return NewGeneric(node.Text), nil
	}
}
