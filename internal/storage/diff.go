package storage

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

func computeDiff(name string, previous, current []byte) string {
	if string(previous) == string(current) {
		return ""
	}

	d := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(previous)),
		B:        difflib.SplitLines(string(current)),
		FromFile: "a/" + name,
		ToFile:   "b/" + name,
		Context:  3,
	}

	res, err := difflib.GetUnifiedDiffString(d)
	if err != nil {
		return strings.TrimSpace(string(current))
	}

	return strings.TrimSpace(res)
}
