package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"scopegate/pkg/models"
)

// Policy maps each known caller role to the set of content tags it may read.
// A Policy value is immutable after construction; the Store below owns the
// active pointer.
type Policy struct {
	grants map[models.Role]map[models.Role]struct{}
}

// New builds a policy from the given grant map. Every caller role implicitly
// reads its own tag plus "public"; extra grants (group or hierarchy
// memberships) are additive. "public" is a valid caller role whose scope is
// exactly {public}; granting it anything beyond that is an error, so a
// public login can never be configured into elevation.
func New(grants map[models.Role][]models.Role) (*Policy, error) {
	p := &Policy{grants: make(map[models.Role]map[models.Role]struct{}, len(grants))}
	for role, extra := range grants {
		role = models.Role(strings.TrimSpace(string(role)))
		if role == "" {
			return nil, fmt.Errorf("policy: empty role name")
		}
		if role == models.RolePublic {
			for _, g := range extra {
				if strings.TrimSpace(string(g)) != "" {
					return nil, fmt.Errorf("policy: %q cannot be granted extra tags", models.RolePublic)
				}
			}
			p.grants[role] = map[models.Role]struct{}{models.RolePublic: {}}
			continue
		}
		set := map[models.Role]struct{}{
			role:              {},
			models.RolePublic: {},
		}
		for _, g := range extra {
			g = models.Role(strings.TrimSpace(string(g)))
			if g == "" {
				continue
			}
			set[g] = struct{}{}
		}
		p.grants[role] = set
	}
	return p, nil
}

// Default returns the built-in role set mirroring the corpus tags the
// ingestion pipeline produces.
func Default() *Policy {
	p, _ := New(map[models.Role][]models.Role{
		"hr":              nil,
		"engineering":     nil,
		models.RolePublic: nil,
	})
	return p
}

// Parse reads a policy from a spec string of the form
// "role1;role2:grantA|grantB;role3". An empty spec yields Default.
func Parse(spec string) (*Policy, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Default(), nil
	}
	grants := map[models.Role][]models.Role{}
	for _, part := range strings.Split(spec, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, rest, _ := strings.Cut(part, ":")
		role := models.Role(strings.TrimSpace(name))
		var extra []models.Role
		for _, g := range strings.Split(rest, "|") {
			g = strings.TrimSpace(g)
			if g != "" {
				extra = append(extra, models.Role(g))
			}
		}
		grants[role] = extra
	}
	if len(grants) == 0 {
		return nil, fmt.Errorf("policy: spec %q has no roles", spec)
	}
	return New(grants)
}

// ParseRole validates a raw role claim against the known caller roles.
// Unknown roles fail closed: they never map to "public" or any default.
func (p *Policy) ParseRole(raw string) (models.Role, error) {
	role := models.Role(strings.TrimSpace(raw))
	if role == "" {
		return "", fmt.Errorf("policy: empty role")
	}
	if _, ok := p.grants[role]; !ok {
		return "", fmt.Errorf("policy: unknown role %q", role)
	}
	return role, nil
}

// ResolveScope maps a validated caller role to its access scope. The scope
// always contains the role itself and "public", plus any configured grants,
// and is never empty.
func (p *Policy) ResolveScope(role models.Role) (models.AccessScope, error) {
	set, ok := p.grants[role]
	if !ok {
		return models.AccessScope{}, fmt.Errorf("policy: unknown role %q", role)
	}
	roles := make([]models.Role, 0, len(set))
	for r := range set {
		roles = append(roles, r)
	}
	return models.NewAccessScope(roles...), nil
}

// Roles lists the known caller roles, sorted.
func (p *Policy) Roles() []models.Role {
	out := make([]models.Role, 0, len(p.grants))
	for r := range p.grants {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Store holds the active policy behind an atomic pointer. Reload replaces
// the whole value so concurrent readers never observe a half-applied change.
type Store struct {
	active atomic.Pointer[Policy]
}

func NewStore(p *Policy) *Store {
	if p == nil {
		p = Default()
	}
	s := &Store{}
	s.active.Store(p)
	return s
}

// Active returns the current policy. The returned value must be treated as
// read-only.
func (s *Store) Active() *Policy {
	return s.active.Load()
}

// Replace swaps in a new policy atomically. A nil policy is ignored.
func (s *Store) Replace(p *Policy) {
	if p == nil {
		return
	}
	s.active.Store(p)
}
