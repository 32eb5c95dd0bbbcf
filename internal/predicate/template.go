package predicate

import "strings"

// QueryTemplate accumulates SQL tokens for a WHERE-clause rendering pass and
// joins them with single spaces. Operators, literals, and punctuation are all
// emitted as independent tokens, so rendered output is whitespace-normalized.
type QueryTemplate struct {
	tokens []string
}

// NewQueryTemplate returns an empty renderer.
func NewQueryTemplate() *QueryTemplate {
	return &QueryTemplate{}
}

// Append adds one token verbatim.
func (t *QueryTemplate) Append(tok string) *QueryTemplate {
	if tok != "" {
		t.tokens = append(t.tokens, tok)
	}
	return t
}

// AppendRendered splits a pre-rendered multi-token string (e.g. the output of
// a nested Render call) into its tokens and appends each.
func (t *QueryTemplate) AppendRendered(s string) *QueryTemplate {
	for _, tok := range strings.Fields(s) {
		t.tokens = append(t.tokens, tok)
	}
	return t
}

// String joins the accumulated tokens with single spaces.
func (t *QueryTemplate) String() string {
	return strings.Join(t.tokens, " ")
}
