package ingest

import (
	"strings"

	"github.com/armon/go-radix"
)

// Allowlist admits senders by exact number or by "prefix*" entries. An
// empty allowlist admits everyone.
type Allowlist struct {
	exact    *radix.Tree
	prefixes *radix.Tree
}

func NewAllowlist(entries []string) *Allowlist {
	a := &Allowlist{exact: radix.New(), prefixes: radix.New()}
	for _, e := range entries {
		e = normalizeNumber(e)
		if e == "" {
			continue
		}
		if p, ok := strings.CutSuffix(e, "*"); ok {
			a.prefixes.Insert(p, struct{}{})
			continue
		}
		a.exact.Insert(e, struct{}{})
	}
	return a
}

// Allows reports whether number may talk to the relay.
func (a *Allowlist) Allows(number string) bool {
	if a.Len() == 0 {
		return true
	}
	number = normalizeNumber(number)
	if _, ok := a.exact.Get(number); ok {
		return true
	}
	_, _, ok := a.prefixes.LongestPrefix(number)
	return ok
}

func (a *Allowlist) Len() int { return a.exact.Len() + a.prefixes.Len() }

// normalizeNumber drops formatting so "+57 314-000" matches "57314000".
func normalizeNumber(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '+', ' ', '-', '(', ')':
			return -1
		}
		return r
	}, strings.TrimSpace(s))
}
