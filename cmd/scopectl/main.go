package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"scopegate/pkg/audit"
	"scopegate/pkg/auth"
	"scopegate/pkg/httpx"
)

// Testable variables for main()
var (
	osExit = os.Exit
	osArgs = os.Args
)

func main() {
	if err := run(osArgs[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "token":
		return mintToken(args[1:], out)
	case "query":
		return runQuery(args[1:], out)
	case "fingerprint":
		return fingerprint(args[1:], out)
	case "metrics":
		return fetchMetrics(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "scopectl commands:")
	fmt.Fprintln(out, "  token --sub alice --role engineering --keys v1:secret [--ttl 1h]")
	fmt.Fprintln(out, "  query --addr http://localhost:8080 --token <jwt> --query \"...\" [--top-k 5]")
	fmt.Fprintln(out, "  fingerprint --query \"...\" [--salt <salt>]")
	fmt.Fprintln(out, "  metrics --addr http://localhost:8080")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// mintToken signs a short-lived HS256 token with the current key of the
// given key spec. Meant for local testing and operator smoke checks, not
// for issuing production credentials.
func mintToken(args []string, out io.Writer) error {
	fs := newFlagSet("token")
	sub := fs.String("sub", "", "subject")
	role := fs.String("role", "", "role claim")
	keys := fs.String("keys", os.Getenv("AUTH_KEYS"), "key spec, kid:secret[,kid:secret...]")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sub == "" || *role == "" {
		return errors.New("sub and role required")
	}
	if *keys == "" {
		return errors.New("keys required (flag or AUTH_KEYS)")
	}
	set, err := auth.ParseKeySpec(*keys)
	if err != nil {
		return fmt.Errorf("parse keys: %w", err)
	}
	now := time.Now().UTC()
	token, err := auth.Sign(auth.Claims{
		Sub:  *sub,
		Role: *role,
		Iat:  now.Unix(),
		Exp:  now.Add(*ttl).Unix(),
	}, set.Current())
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	fmt.Fprintln(out, token)
	return nil
}

func runQuery(args []string, out io.Writer) error {
	fs := newFlagSet("query")
	addr := fs.String("addr", "http://localhost:8080", "gateway address")
	token := fs.String("token", "", "bearer token")
	query := fs.String("query", "", "query text")
	topK := fs.Int("top-k", 0, "max results")
	timeout := fs.Duration("timeout", 10*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *token == "" || *query == "" {
		return errors.New("token and query required")
	}
	body, err := json.Marshal(map[string]any{"query": *query, "top_k": *topK})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	status, resp, err := httpx.RequestJSON(ctx, http.DefaultClient, http.MethodPost,
		*addr+"/api/retrieve", body,
		map[string]string{"Authorization": "Bearer " + *token}, 1, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	fmt.Fprintln(out, string(prettyJSON(resp)))
	if status != http.StatusOK {
		return fmt.Errorf("gateway returned %d", status)
	}
	return nil
}

// fingerprint reproduces the salted query hash written to audit records, so
// an operator can correlate a known query with its trail.
func fingerprint(args []string, out io.Writer) error {
	fs := newFlagSet("fingerprint")
	query := fs.String("query", "", "query text")
	salt := fs.String("salt", os.Getenv("AUDIT_HASH_SALT"), "deployment salt")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *query == "" {
		return errors.New("query required")
	}
	fmt.Fprintln(out, audit.Fingerprint(*query, []byte(*salt)))
	return nil
}

func fetchMetrics(args []string, out io.Writer) error {
	fs := newFlagSet("metrics")
	addr := fs.String("addr", "http://localhost:8080", "gateway address")
	timeout := fs.Duration("timeout", 10*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	status, resp, err := httpx.RequestJSON(ctx, http.DefaultClient, http.MethodGet,
		*addr+"/metrics", nil, nil, 1, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("gateway returned %d", status)
	}
	fmt.Fprintln(out, string(prettyJSON(resp)))
	return nil
}

func prettyJSON(raw []byte) []byte {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return raw
	}
	return pretty
}
