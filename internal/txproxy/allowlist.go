package txproxy

import (
	"sort"
	"strings"
)

// Allowlist is the set of contract methods the proxy will sign for.
// Entries are "Contract:method" pairs; matching is case-insensitive.
// An empty allowlist denies everything.
type Allowlist struct {
	entries map[string]struct{}
}

// NewAllowlist builds an allowlist from config entries. Malformed
// entries (no colon) are ignored.
func NewAllowlist(pairs []string) *Allowlist {
	entries := make(map[string]struct{}, len(pairs))
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" || !strings.Contains(pair, ":") {
			continue
		}
		entries[strings.ToLower(pair)] = struct{}{}
	}
	return &Allowlist{entries: entries}
}

// Allowed reports whether the proxy may sign calls to contract.method.
func (a *Allowlist) Allowed(contract, method string) bool {
	if a == nil || contract == "" || method == "" {
		return false
	}
	key := strings.ToLower(contract) + ":" + strings.ToLower(method)
	_, ok := a.entries[key]
	return ok
}

// Entries returns the normalized allowlist, sorted.
func (a *Allowlist) Entries() []string {
	out := make([]string, 0, len(a.entries))
	for e := range a.entries {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}
