package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"scopegate/pkg/models"
	"scopegate/pkg/policy"
)

// AuthError is the typed failure of token validation. Code is stable and
// matches the wire taxonomy in pkg/models.
type AuthError struct {
	Code    string
	Message string
}

func (e *AuthError) Error() string { return e.Code + ": " + e.Message }

func errMalformed(msg string) *AuthError {
	return &AuthError{Code: models.CodeAuthMalformed, Message: msg}
}

// Identity is the validated caller extracted from a token. It carries no
// scope; scope resolution is the policy resolver's job.
type Identity struct {
	Subject   string
	Role      models.Role
	ExpiresAt time.Time
}

// Claims is the token payload. Tokens are HS256 compact JWTs with a single
// role claim.
type Claims struct {
	Sub  string `json:"sub"`
	Role string `json:"role"`
	Iat  int64  `json:"iat,omitempty"`
	Exp  int64  `json:"exp"`
}

// Validator verifies signed tokens against the active key rotation set and
// the active role policy. Validate is pure over token, clock and the two
// atomic snapshots; it performs no I/O.
type Validator struct {
	Keys   *Keyring
	Policy *policy.Store
}

// Validate checks signature, expiry and role claim, in that order, and
// fails closed on each. Unknown roles are a distinct failure from bad
// credentials so operators can tell the two apart.
func (v *Validator) Validate(raw string, now time.Time) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, errMalformed("empty token")
	}
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return Identity{}, errMalformed("token must have three segments")
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Identity{}, errMalformed("header is not base64url")
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Identity{}, errMalformed("payload is not base64url")
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Identity{}, errMalformed("signature is not base64url")
	}
	var header struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return Identity{}, errMalformed("header is not JSON")
	}
	if strings.ToUpper(header.Alg) != "HS256" {
		return Identity{}, errMalformed("unsupported alg")
	}

	if !v.verifySignature(parts[0]+"."+parts[1], header.Kid, sig) {
		return Identity{}, &AuthError{Code: models.CodeAuthBadSignature, Message: "signature verification failed"}
	}

	var claims Claims
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return Identity{}, errMalformed("claims are not JSON")
	}
	if strings.TrimSpace(claims.Sub) == "" {
		return Identity{}, errMalformed("sub claim required")
	}
	if claims.Exp == 0 {
		return Identity{}, errMalformed("exp claim required")
	}
	if now.Unix() >= claims.Exp {
		return Identity{}, &AuthError{Code: models.CodeAuthExpired, Message: "token expired"}
	}
	role, err := v.Policy.Active().ParseRole(claims.Role)
	if err != nil {
		return Identity{}, &AuthError{Code: models.CodeAuthUnknownRole, Message: "role claim not recognized"}
	}
	return Identity{
		Subject:   claims.Sub,
		Role:      role,
		ExpiresAt: time.Unix(claims.Exp, 0).UTC(),
	}, nil
}

// verifySignature tries the key named by kid, or every key in the rotation
// set when the header has no kid. A previous key that still verifies keeps
// in-flight tokens valid across a rotation.
func (v *Validator) verifySignature(signingInput, kid string, sig []byte) bool {
	set := v.Keys.Active()
	if set == nil {
		return false
	}
	candidates := set.All()
	if kid = strings.TrimSpace(kid); kid != "" {
		key, ok := set.Lookup(kid)
		if !ok {
			return false
		}
		candidates = []SigningKey{key}
	}
	for _, key := range candidates {
		mac := hmac.New(sha256.New, key.Secret)
		_, _ = mac.Write([]byte(signingInput))
		if hmac.Equal(sig, mac.Sum(nil)) {
			return true
		}
	}
	return false
}

// Sign mints a compact HS256 token for the given claims. Production token
// issuance is an external collaborator; this exists for scopectl and tests.
func Sign(claims Claims, key SigningKey) (string, error) {
	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	if key.Kid != "" {
		header["kid"] = key.Kid
	}
	headerRaw, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	payloadRaw, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	signingInput := base64.RawURLEncoding.EncodeToString(headerRaw) + "." + base64.RawURLEncoding.EncodeToString(payloadRaw)
	mac := hmac.New(sha256.New, key.Secret)
	_, _ = mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}
