package auth

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// SigningKey is one HMAC secret in the rotation set.
type SigningKey struct {
	Kid    string
	Secret []byte
}

// KeySet is an immutable, ordered set of signing keys. The first key is the
// current one; the rest are previous keys still accepted during rotation.
type KeySet struct {
	keys []SigningKey
	byID map[string]SigningKey
}

func NewKeySet(keys ...SigningKey) (*KeySet, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("auth: key set requires at least one key")
	}
	set := &KeySet{byID: make(map[string]SigningKey, len(keys))}
	for _, k := range keys {
		k.Kid = strings.TrimSpace(k.Kid)
		if k.Kid == "" {
			return nil, fmt.Errorf("auth: key without kid")
		}
		if len(k.Secret) == 0 {
			return nil, fmt.Errorf("auth: key %q has empty secret", k.Kid)
		}
		if _, dup := set.byID[k.Kid]; dup {
			return nil, fmt.Errorf("auth: duplicate kid %q", k.Kid)
		}
		set.keys = append(set.keys, k)
		set.byID[k.Kid] = k
	}
	return set, nil
}

// ParseKeySpec reads a rotation set from "kid1:secret1,kid2:secret2".
// A bare secret with no colon becomes kid "v1".
func ParseKeySpec(spec string) (*KeySet, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("auth: empty key spec")
	}
	var keys []SigningKey
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kid, secret, found := strings.Cut(part, ":")
		if !found {
			secret = kid
			kid = "v1"
		}
		keys = append(keys, SigningKey{Kid: strings.TrimSpace(kid), Secret: []byte(secret)})
	}
	return NewKeySet(keys...)
}

// Current returns the signing key used for newly minted tokens.
func (s *KeySet) Current() SigningKey { return s.keys[0] }

// Lookup returns the key for a kid, if present.
func (s *KeySet) Lookup(kid string) (SigningKey, bool) {
	k, ok := s.byID[kid]
	return k, ok
}

// All returns the keys in rotation order. The slice must not be mutated.
func (s *KeySet) All() []SigningKey { return s.keys }

// Keyring holds the active key set behind an atomic pointer, so rotation is
// a whole-value swap and readers never see a partial set.
type Keyring struct {
	active atomic.Pointer[KeySet]
}

func NewKeyring(set *KeySet) *Keyring {
	r := &Keyring{}
	r.active.Store(set)
	return r
}

func (r *Keyring) Active() *KeySet { return r.active.Load() }

func (r *Keyring) Replace(set *KeySet) {
	if set == nil {
		return
	}
	r.active.Store(set)
}
