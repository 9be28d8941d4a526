package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"scopegate/pkg/audit"
	"scopegate/pkg/auth"
	"scopegate/pkg/policy"
)

func TestRunRequiresCommand(t *testing.T) {
	var buf bytes.Buffer
	if err := run(nil, &buf); err == nil {
		t.Fatal("expected error with no command")
	}
	if !strings.Contains(buf.String(), "scopectl commands") {
		t.Fatalf("usage not printed: %s", buf.String())
	}
	if err := run([]string{"frobnicate"}, &buf); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestMintTokenValidates(t *testing.T) {
	var buf bytes.Buffer
	err := run([]string{"token", "--sub", "alice", "--role", "engineering", "--keys", "v1:sekrit"}, &buf)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	raw := strings.TrimSpace(buf.String())

	set, err := auth.ParseKeySpec("v1:sekrit")
	if err != nil {
		t.Fatal(err)
	}
	v := &auth.Validator{Keys: auth.NewKeyring(set), Policy: policy.NewStore(policy.Default())}
	identity, err := v.Validate(raw, time.Now().UTC())
	if err != nil {
		t.Fatalf("minted token rejected: %v", err)
	}
	if identity.Subject != "alice" || identity.Role != "engineering" {
		t.Fatalf("identity = %+v", identity)
	}
}

func TestMintTokenMissingArgs(t *testing.T) {
	var buf bytes.Buffer
	if err := run([]string{"token", "--role", "engineering", "--keys", "v1:s"}, &buf); err == nil {
		t.Fatal("expected error without sub")
	}
	t.Setenv("AUTH_KEYS", "")
	if err := run([]string{"token", "--sub", "a", "--role", "engineering"}, &buf); err == nil {
		t.Fatal("expected error without keys")
	}
}

func TestQueryHitsGateway(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/api/retrieve" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["query"] != "where is the runbook" {
			t.Errorf("query = %v", req["query"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"chunks":[],"rejected_count":0}`))
	}))
	defer ts.Close()

	var buf bytes.Buffer
	err := run([]string{"query", "--addr", ts.URL, "--token", "tok", "--query", "where is the runbook"}, &buf)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if !strings.Contains(buf.String(), "rejected_count") {
		t.Fatalf("response not printed: %s", buf.String())
	}
}

func TestQueryReportsGatewayError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":"auth_unknown_role","message":"token rejected"}}`))
	}))
	defer ts.Close()

	var buf bytes.Buffer
	err := run([]string{"query", "--addr", ts.URL, "--token", "tok", "--query", "q"}, &buf)
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("expected status error, got %v", err)
	}
	if !strings.Contains(buf.String(), "auth_unknown_role") {
		t.Fatalf("error body not shown: %s", buf.String())
	}
}

func TestFingerprintMatchesAuditRecords(t *testing.T) {
	var buf bytes.Buffer
	if err := run([]string{"fingerprint", "--query", "salary bands", "--salt", "pepper"}, &buf); err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	got := strings.TrimSpace(buf.String())
	if got != audit.Fingerprint("salary bands", []byte("pepper")) {
		t.Fatalf("fingerprint mismatch: %q", got)
	}
	if strings.Contains(got, "salary") {
		t.Fatal("fingerprint leaks query text")
	}
}

func TestMetricsCommand(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/metrics" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"outcomes":{"admitted":3}}`))
	}))
	defer ts.Close()

	var buf bytes.Buffer
	if err := run([]string{"metrics", "--addr", ts.URL}, &buf); err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if !strings.Contains(buf.String(), "admitted") {
		t.Fatalf("metrics not printed: %s", buf.String())
	}
}

func TestMainExitsNonZero(t *testing.T) {
	origExit := osExit
	defer func() { osExit = origExit }()
	var code int
	osExit = func(c int) { code = c }

	origArgs := make([]string, len(osArgs))
	copy(origArgs, osArgs)
	osArgs = []string{"scopectl"}
	defer func() { osArgs = origArgs }()

	main()
	if code != 1 {
		t.Fatalf("exit code = %d", code)
	}
}
