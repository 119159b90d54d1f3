package model

import "strings"

// Portal capabilities. Capabilities are "<area>:<resource>:<action>" strings
// and role policies may grant a whole area with a trailing wildcard.
const (
	CapRegisterSelf = "registration:self:edit"
	CapViewDrafts   = "registration:drafts:view"
	CapPurgeDrafts  = "registration:drafts:purge"
)

// CapabilitySet is the set of capabilities granted to a user.
type CapabilitySet map[string]bool

// Has reports whether the set grants cap, either exactly or through a
// wildcard entry such as "registration:*" or "*".
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] {
		return true
	}
	for pattern, granted := range cs {
		if granted && matchWildcard(pattern, cap) {
			return true
		}
	}
	return false
}

// HasAll returns true if every capability is granted.
func (cs CapabilitySet) HasAll(caps ...string) bool {
	for _, c := range caps {
		if !cs.Has(c) {
			return false
		}
	}
	return true
}

func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	prefix, ok := strings.CutSuffix(pattern, "*")
	if !ok || !strings.HasSuffix(prefix, ":") {
		return false
	}
	return strings.HasPrefix(cap, prefix)
}

// CapabilityResolver resolves the full capability set for a request context.
type CapabilityResolver interface {
	Resolve(rctx *RequestContext) (CapabilitySet, error)
}
