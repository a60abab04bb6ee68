package diff

import (
	"github.com/pmezard/go-difflib/difflib"
)

// Unified returns a unified diff of two texts with three lines of
// context. Identical inputs yield an empty string.
func Unified(a, b []byte, fromLabel, toLabel string) (string, error) {
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(a)),
		B:        difflib.SplitLines(string(b)),
		FromFile: fromLabel,
		ToFile:   toLabel,
		Context:  3,
	})
}
