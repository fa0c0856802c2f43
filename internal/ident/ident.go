// Package ident quotes SQL identifiers for embedding into generated
// statements. Values — literals, WKT strings, scalar filter matches — must
// never pass through here; they travel as bound parameters.
package ident

import "strings"

// Quote returns name wrapped in double quotes with any embedded double
// quote doubled, e.g. `tree"s` becomes `"tree""s"`.
func Quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
