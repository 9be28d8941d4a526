package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"scopegate/pkg/models"
	"scopegate/pkg/policy"
)

func middlewareHarness(t *testing.T) (*Validator, *policy.Store, SigningKey) {
	t.Helper()
	v, key := testValidator(t)
	return v, v.Policy, key
}

func TestMiddlewarePassesIdentityAndScope(t *testing.T) {
	v, policies, key := middlewareHarness(t)
	now := time.Now().UTC()
	token := mintToken(t, key, Claims{Sub: "u-1", Role: "engineering", Exp: now.Add(time.Minute).Unix()})

	var seen RequestAuth
	handler := Middleware(v, policies, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ra, ok := RequestAuthFromContext(r.Context())
		if !ok {
			t.Error("request auth missing from context")
		}
		seen = ra
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/retrieve", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if seen.Identity.Subject != "u-1" {
		t.Fatalf("identity: %+v", seen.Identity)
	}
	if !seen.Scope.Contains("engineering") || !seen.Scope.Contains(models.RolePublic) {
		t.Fatalf("scope: %v", seen.Scope.Roles())
	}
	if seen.Scope.Size() != 2 {
		t.Fatalf("scope widened beyond role+public: %v", seen.Scope.Roles())
	}
}

func TestMiddlewareRejections(t *testing.T) {
	v, policies, key := middlewareHarness(t)
	now := time.Now().UTC()

	cases := []struct {
		name   string
		header string
		status int
		code   string
	}{
		{"no header", "", http.StatusUnauthorized, models.CodeAuthMalformed},
		{"not bearer", "Basic abc", http.StatusUnauthorized, models.CodeAuthMalformed},
		{
			"expired",
			"Bearer " + mintToken(t, key, Claims{Sub: "u-1", Role: "hr", Exp: now.Add(-time.Minute).Unix()}),
			http.StatusUnauthorized, models.CodeAuthExpired,
		},
		{
			"unknown role",
			"Bearer " + mintToken(t, key, Claims{Sub: "u-1", Role: "intern-unknown", Exp: now.Add(time.Minute).Unix()}),
			http.StatusForbidden, models.CodeAuthUnknownRole,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var denied []string
			handler := Middleware(v, policies, func(code string) { denied = append(denied, code) })(
				http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					t.Error("handler must not run on auth failure")
				}))
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/retrieve", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("status=%d, want %d (body=%s)", rec.Code, tc.status, rec.Body.String())
			}
			var body struct {
				Error struct {
					Code string `json:"code"`
				} `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Error.Code != tc.code {
				t.Fatalf("code=%q, want %q", body.Error.Code, tc.code)
			}
			if len(denied) != 1 || denied[0] != tc.code {
				t.Fatalf("deny hook calls: %v", denied)
			}
		})
	}
}
