package predicate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst/qserv/internal/valueexpr"
)

func TestImportBetweenAndIn(t *testing.T) {
	// WHERE a BETWEEN 1 AND 2 AND b IN (3,4)
	node := ParseNode{
		Kind: "AND_TERM",
		Children: []ParseNode{
			{Kind: "BETWEEN_PREDICATE", Left: col("a"), Min: lit("1"), Max: lit("2")},
			{Kind: "IN_PREDICATE", Left: col("b"), List: []*valueexpr.ValueExpr{lit("3"), lit("4")}},
		},
	}

	term, err := NewBoolTermFactory().Import(node)
	require.NoError(t, err)
	assert.Equal(t, "a BETWEEN 1 AND 2 AND b IN ( 3 , 4 )", term.Render())
}

func TestImportUnsupportedKindsFailFast(t *testing.T) {
	factory := NewBoolTermFactory()
	for _, kind := range []string{"QUANTIFIED_COMP_PREDICATE", "MATCH_PREDICATE", "OVERLAPS_PREDICATE"} {
		_, err := factory.Import(ParseNode{Kind: kind})
		require.Error(t, err, kind)
		assert.Contains(t, err.Error(), kind)

		// Nested occurrences fail the same way.
		_, err = factory.Import(ParseNode{Kind: "AND_TERM", Children: []ParseNode{{Kind: kind}}})
		assert.Error(t, err, kind)
	}
}

func TestImportUnknownTokenRoundTrips(t *testing.T) {
	term, err := NewBoolTermFactory().Import(ParseNode{Kind: "SOME_VENDOR_EXTENSION", Text: "a SOUNDS LIKE b"})
	require.NoError(t, err)
	assert.Equal(t, TermUnknown, term.Kind)
	assert.Equal(t, "a SOUNDS LIKE b", term.Render())
}

func TestImportValueExprTerm(t *testing.T) {
	fn := valueexpr.NewFunction("myUdf", col("x"))
	term, err := NewBoolTermFactory().Import(ParseNode{Kind: "VALUE_EXPR_TERM", Value: fn})
	require.NoError(t, err)
	assert.Equal(t, "myUdf(x)", term.Render())
}

func TestImportRenderReimportEquality(t *testing.T) {
	node := ParseNode{
		Kind: "OR_TERM",
		Children: []ParseNode{
			{Kind: "COMP_PREDICATE", Left: col("a"), Op: "!=", Right: lit("1")},
			{Kind: "NULL_PREDICATE", Left: col("b"), Not: true},
		},
	}
	factory := NewBoolTermFactory()

	term1, err := factory.Import(node)
	require.NoError(t, err)

	// Re-importing the same tree with the normalized operator spelling
	// yields an equal DAG.
	node.Children[0].Op = "<>"
	term2, err := factory.Import(node)
	require.NoError(t, err)
	assert.True(t, term1.Equal(term2))
	assert.Equal(t, term1.Render(), "a != 1 OR b IS NOT NULL")
}

func TestImportBadCompOperator(t *testing.T) {
	_, err := NewBoolTermFactory().Import(ParseNode{Kind: "COMP_PREDICATE", Left: col("a"), Op: "===", Right: lit("1")})
	assert.Error(t, err)
}
