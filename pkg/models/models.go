package models

import "sort"

// Role identifies a reader population. Values are validated against the
// active policy before use; see policy.ParseRole.
type Role string

const (
	// RolePublic is readable by every validated caller. It is a tag on
	// content, never an elevation target.
	RolePublic Role = "public"

	// RoleRestricted is the sentinel tag applied to chunks that reached the
	// index without any tag. No grant set includes it by default, so
	// untagged content is unreadable rather than world-readable.
	RoleRestricted Role = "restricted"
)

// AccessScope is the set of role tags one validated request may read.
// It is built once per request by the policy resolver and never widened
// afterwards.
type AccessScope struct {
	roles map[Role]struct{}
}

// NewAccessScope builds a scope from the given roles. Callers outside the
// policy package should obtain scopes from policy.Store.ResolveScope.
func NewAccessScope(roles ...Role) AccessScope {
	set := make(map[Role]struct{}, len(roles))
	for _, r := range roles {
		if r == "" {
			continue
		}
		set[r] = struct{}{}
	}
	return AccessScope{roles: set}
}

// Contains reports whether the scope includes the role.
func (s AccessScope) Contains(role Role) bool {
	_, ok := s.roles[role]
	return ok
}

// Allows reports whether a chunk with the given tags is readable under this
// scope: at least one tag must be in scope. An empty tag set is treated as
// RoleRestricted.
func (s AccessScope) Allows(tags []Role) bool {
	if len(tags) == 0 {
		return s.Contains(RoleRestricted)
	}
	for _, t := range tags {
		if s.Contains(t) {
			return true
		}
	}
	return false
}

// Roles returns the scope members sorted, for stable serialization.
func (s AccessScope) Roles() []Role {
	out := make([]Role, 0, len(s.roles))
	for r := range s.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Size returns the number of roles in scope.
func (s AccessScope) Size() int { return len(s.roles) }

// Chunk is one retrievable unit of corpus content as admitted to a caller.
type Chunk struct {
	ID      string  `json:"id"`
	Content string  `json:"content"`
	Tags    []Role  `json:"tags"`
	Score   float64 `json:"score"`
}

// RetrievalResult is the only view of index output that leaves the gateway.
// Chunks keep the index's relative ranking; RejectedCount covers hits the
// index returned but local re-verification refused.
type RetrievalResult struct {
	Chunks        []Chunk  `json:"chunks"`
	RejectedCount int      `json:"rejected_count"`
	RejectedIDs   []string `json:"rejected_ids,omitempty"`
}

// Error taxonomy codes on the wire. Auth codes map one-to-one to
// auth.AuthError values; the rest cover the outer HTTP surface.
const (
	CodeAuthMalformed        = "auth_malformed"
	CodeAuthBadSignature     = "auth_bad_signature"
	CodeAuthExpired          = "auth_expired"
	CodeAuthUnknownRole      = "auth_unknown_role"
	CodeRetrievalUnavailable = "retrieval_unavailable"
	CodeRateLimited          = "rate_limited"
	CodeBadRequest           = "bad_request"
)
