package auth

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestVaultKeyLoaderLoad(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "tok" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if r.URL.Path != "/v1/secret/data/scopegate/signing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		v1 := base64.StdEncoding.EncodeToString([]byte("old-secret"))
		v2 := base64.StdEncoding.EncodeToString([]byte("new-secret"))
		_, _ = w.Write([]byte(`{"data":{"data":{"v1":"` + v1 + `","v2":"` + v2 + `"}}}`))
	}))
	defer srv.Close()

	loader := VaultKeyLoader{
		Addr:       srv.URL,
		Token:      "tok",
		SecretPath: "scopegate/signing",
	}
	set, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if set.Current().Kid != "v2" || string(set.Current().Secret) != "new-secret" {
		t.Fatalf("newest kid should rotate first, got %+v", set.Current())
	}
	if _, ok := set.Lookup("v1"); !ok {
		t.Fatal("previous key missing from rotation set")
	}
}

func TestVaultKeyLoaderNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	loader := VaultKeyLoader{Addr: srv.URL, Token: "tok", SecretPath: "missing"}
	if _, err := loader.Load(context.Background()); err == nil {
		t.Fatal("expected error for missing secret")
	}
}

func TestVaultKeyLoaderRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		secret := base64.StdEncoding.EncodeToString([]byte("s"))
		_, _ = w.Write([]byte(`{"data":{"data":{"v1":"` + secret + `"}}}`))
	}))
	defer srv.Close()
	loader := VaultKeyLoader{
		Addr:       srv.URL,
		Token:      "tok",
		SecretPath: "p",
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}
	set, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("Load after retry: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
	if set.Current().Kid != "v1" {
		t.Fatalf("unexpected key set: %+v", set.Current())
	}
}

func TestVaultKeyLoaderConfigErrors(t *testing.T) {
	cases := []VaultKeyLoader{
		{Token: "tok", SecretPath: "p"},
		{Addr: "http://localhost:8200", SecretPath: "p"},
		{Addr: "http://localhost:8200", Token: "tok"},
	}
	for i, loader := range cases {
		if _, err := loader.Load(context.Background()); err == nil {
			t.Errorf("case %d: expected config error", i)
		}
	}
}
