package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// VaultKeyLoader fetches the token-signing rotation set from a Vault KV v2
// secret. The secret's data is a map of kid to base64 secret; kids sort
// descending so "v3" rotates ahead of "v2". Key management itself stays an
// external collaborator; this only reads the current set.
type VaultKeyLoader struct {
	Client     *http.Client
	Addr       string
	Token      string
	Namespace  string
	Mount      string
	SecretPath string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

func (l VaultKeyLoader) Load(ctx context.Context) (*KeySet, error) {
	addr := strings.TrimRight(strings.TrimSpace(l.Addr), "/")
	if addr == "" {
		return nil, errors.New("vault addr required")
	}
	if strings.TrimSpace(l.Token) == "" {
		return nil, errors.New("vault token required")
	}
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	mount := strings.Trim(l.Mount, "/")
	if mount == "" {
		mount = "secret"
	}
	path := strings.Trim(l.SecretPath, "/")
	if path == "" {
		return nil, errors.New("vault secret path required")
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	retries := l.MaxRetries
	if retries < 0 {
		retries = 0
	}
	endpoint := addr + "/v1/" + mount + "/data/" + path

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
		if err != nil {
			cancel()
			return nil, err
		}
		req.Header.Set("X-Vault-Token", l.Token)
		if strings.TrimSpace(l.Namespace) != "" {
			req.Header.Set("X-Vault-Namespace", l.Namespace)
		}
		resp, err := client.Do(req)
		if err != nil {
			cancel()
			lastErr = err
			if attempt < retries && l.RetryDelay > 0 {
				time.Sleep(l.RetryDelay)
				continue
			}
			break
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		cancel()
		if readErr != nil {
			lastErr = readErr
			if attempt < retries && l.RetryDelay > 0 {
				time.Sleep(l.RetryDelay)
				continue
			}
			break
		}
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("signing key secret %q not found in vault", path)
		}
		if resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("vault key lookup failed status=%d", resp.StatusCode)
			if attempt < retries && l.RetryDelay > 0 {
				time.Sleep(l.RetryDelay)
				continue
			}
			break
		}
		return parseVaultKeySet(body)
	}
	if lastErr == nil {
		lastErr = errors.New("vault key lookup failed")
	}
	return nil, lastErr
}

func parseVaultKeySet(body []byte) (*KeySet, error) {
	var payload struct {
		Data struct {
			Data map[string]string `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("invalid vault response: %w", err)
	}
	if len(payload.Data.Data) == 0 {
		return nil, errors.New("vault secret has no signing keys")
	}
	kids := make([]string, 0, len(payload.Data.Data))
	for kid := range payload.Data.Data {
		kids = append(kids, kid)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(kids)))
	keys := make([]SigningKey, 0, len(kids))
	for _, kid := range kids {
		raw := strings.TrimSpace(payload.Data.Data[kid])
		if raw == "" {
			continue
		}
		secret, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("signing key %q decode failed: %w", kid, err)
		}
		keys = append(keys, SigningKey{Kid: kid, Secret: secret})
	}
	return NewKeySet(keys...)
}
