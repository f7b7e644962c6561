package catalog

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeName folds a drug name into its lookup key: NFKC, Unicode case
// folding, trimmed, inner whitespace collapsed to a single space.
// "  Trastuzumab EMTANSINE " and "trastuzumab emtansine" share a key.
func NormalizeName(name string) string {
	s := norm.NFKC.String(name)
	// cases.Caser is stateful and not safe for concurrent use
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}
