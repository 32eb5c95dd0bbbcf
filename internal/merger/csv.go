// Package merger streams decoded worker-response fragments into the user
// query's result table through a bulk loader speaking the
// LOAD DATA LOCAL INFILE dialect: tab-separated columns, newline-separated
// rows, \N for null, single-quoted strings with a backslash escape set.
package merger

import (
	"fmt"
	"strings"
)

const (
	// ColumnSeparator and RowSeparator frame the bulk-load stream.
	ColumnSeparator = "\t"
	RowSeparator    = "\n"

	// NullToken is the literal a null cell emits.
	NullToken = `\N`
)

var escaper = strings.NewReplacer(
	`\`, `\\`,
	"\x00", `\0`,
	"\b", `\b`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
	"\x1a", `\Z`,
)

// Escape rewrites b so that the bulk loader reads it back verbatim. The
// escape set covers the backslash itself plus every byte that would
// otherwise collide with the stream framing: NUL, backspace, newline,
// carriage return, tab, and ^Z.
func Escape(b string) string {
	return escaper.Replace(b)
}

// Unescape inverts Escape.
func Unescape(s string) (string, error) {
	var out strings.Builder
	out.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			out.WriteByte(c)
			continue
		}
		i++
		if i >= len(s) {
			return "", fmt.Errorf("merger: dangling escape at end of input")
		}
		switch s[i] {
		case '\\':
			out.WriteByte('\\')
		case '0':
			out.WriteByte(0x00)
		case 'b':
			out.WriteByte('\b')
		case 'n':
			out.WriteByte('\n')
		case 'r':
			out.WriteByte('\r')
		case 't':
			out.WriteByte('\t')
		case 'Z':
			out.WriteByte(0x1a)
		default:
			return "", fmt.Errorf("merger: unknown escape \\%c", s[i])
		}
	}
	return out.String(), nil
}

// encodeCell renders one cell in the bulk-load dialect. String columns are
// wrapped in single quotes after escaping; everything else is emitted bare.
func encodeCell(data string, isNull, isString bool) string {
	if isNull {
		return NullToken
	}
	if isString {
		return "'" + Escape(data) + "'"
	}
	return Escape(data)
}
