package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"scopegate/pkg/audit"
	"scopegate/pkg/auth"
	"scopegate/pkg/httpx"
	"scopegate/pkg/models"
	"scopegate/pkg/retrieval"
	"scopegate/pkg/stream"
)

type retrieveRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

type retrieveResponse struct {
	RequestID string         `json:"request_id"`
	Subject   string         `json:"subject"`
	Role      models.Role    `json:"role"`
	Chunks    []models.Chunk `json:"chunks"`
	Rejected  int            `json:"rejected_count"`
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	ra, ok := auth.RequestAuthFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, models.CodeAuthMalformed, "unauthenticated")
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req retrieveRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, models.CodeBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		httpx.Error(w, http.StatusBadRequest, models.CodeBadRequest, "query required")
		return
	}
	if s.MaxTopK > 0 && req.TopK > s.MaxTopK {
		req.TopK = s.MaxTopK
	}
	if blocked, retryAfter := s.checkRateLimit(r, ra.Identity.Subject); blocked {
		s.Metrics.IncReason(models.CodeRateLimited)
		s.emitDenied(ra, models.CodeRateLimited, audit.Fingerprint(req.Query, s.AuditSalt))
		w.Header().Set("Retry-After", retryAfter)
		httpx.Error(w, http.StatusTooManyRequests, models.CodeRateLimited, "rate limit exceeded")
		return
	}

	q, err := retrieval.NewScopedQuery(ra.Identity.Subject, req.Query, ra.Scope, req.TopK)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, models.CodeBadRequest, err.Error())
		return
	}
	// One deadline covers search, retries and re-verification together, so a
	// slow index cannot stretch a request past what the caller signed up for.
	ctx := r.Context()
	if s.RetrieveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.RetrieveTimeout)
		defer cancel()
	}
	start := time.Now()
	result, err := s.Gateway.Retrieve(ctx, q)
	s.Metrics.ObserveVerifyLatency(time.Since(start))
	if err != nil {
		if errors.Is(err, retrieval.ErrUnavailable) {
			httpx.Error(w, http.StatusServiceUnavailable, models.CodeRetrievalUnavailable, "retrieval backend unavailable")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, models.CodeRetrievalUnavailable, "retrieval failed")
		return
	}
	chunks := result.Chunks
	if chunks == nil {
		chunks = []models.Chunk{}
	}
	httpx.WriteJSON(w, http.StatusOK, retrieveResponse{
		RequestID: uuid.NewString(),
		Subject:   ra.Identity.Subject,
		Role:      ra.Identity.Role,
		Chunks:    chunks,
		Rejected:  result.RejectedCount,
	})
}

// onAuthDeny is the middleware hook for rejected credentials: metered and
// written to the audit trail before the 4xx leaves the building.
func (s *Server) onAuthDeny(code string) {
	s.Metrics.IncReason(code)
	s.Metrics.IncOutcomeReason(audit.OutcomeDenied, code)
	s.Metrics.IncOutcome(audit.OutcomeDenied)
	s.Audit.Emit(audit.Record{
		ID:         uuid.NewString(),
		At:         time.Now().UTC(),
		Outcome:    audit.OutcomeDenied,
		ReasonCode: code,
	})
}

func (s *Server) emitDenied(ra auth.RequestAuth, code, fingerprint string) {
	s.Metrics.IncOutcome(audit.OutcomeDenied)
	s.Metrics.IncOutcomeReason(audit.OutcomeDenied, code)
	s.Audit.Emit(audit.Record{
		ID:               uuid.NewString(),
		At:               time.Now().UTC(),
		Subject:          ra.Identity.Subject,
		Scope:            ra.Scope.Roles(),
		QueryFingerprint: fingerprint,
		Outcome:          audit.OutcomeDenied,
		ReasonCode:       code,
	})
}

// checkRateLimit applies the per-subject window. Falls open when no limiter
// is configured; availability of the limiter never blocks retrieval.
func (s *Server) checkRateLimit(r *http.Request, subject string) (bool, string) {
	if !s.RateLimitEnabled || s.RateLimiter == nil || s.RateLimitPerMin <= 0 {
		return false, ""
	}
	if subject == "" {
		subject = "anonymous"
	}
	key := "retrieve:" + subject + ":" + clientIP(r)
	decision := s.RateLimiter.Allow(key, s.RateLimitPerMin)
	if decision.Allowed {
		return false, ""
	}
	retryAfter := time.Until(decision.ResetAt)
	if retryAfter < 0 {
		retryAfter = 0
	}
	secs := int(retryAfter.Seconds()) + 1
	return true, strconv.Itoa(secs)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// streamEvents feeds the operational event stream (scope violations, policy
// reloads) to a connected operator over websocket.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, models.CodeRetrievalUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func (s *Server) reloadPolicyHandler(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuthorized(r) {
		httpx.Error(w, http.StatusForbidden, models.CodeBadRequest, "admin token required")
		return
	}
	pol, err := s.ReloadPolicy()
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, models.CodeBadRequest, err.Error())
		return
	}
	s.Policies.Replace(pol)
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent("policy_reloaded", map[string]any{
			"roles": pol.Roles(),
		}))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "roles": pol.Roles()})
}

func (s *Server) reloadKeysHandler(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuthorized(r) {
		httpx.Error(w, http.StatusForbidden, models.CodeBadRequest, "admin token required")
		return
	}
	set, err := s.ReloadKeys(r.Context())
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, models.CodeBadRequest, err.Error())
		return
	}
	s.Keys.Replace(set)
	kids := make([]string, 0, len(set.All()))
	for _, k := range set.All() {
		kids = append(kids, k.Kid)
	}
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent("keys_reloaded", map[string]any{"kids": kids}))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "kids": kids})
}

// adminAuthorized gates the reload endpoints. With no token configured the
// endpoints are disabled outright instead of open.
func (s *Server) adminAuthorized(r *http.Request) bool {
	if strings.TrimSpace(s.AdminToken) == "" {
		return false
	}
	return r.Header.Get("X-Admin-Token") == s.AdminToken
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack forwards to the underlying writer so the websocket upgrade on
// /api/events still works behind the metrics middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, models.CodeBadRequest, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, models.CodeBadRequest, "invalid request body")
	return nil, false
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
