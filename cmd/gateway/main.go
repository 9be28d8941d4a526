package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"scopegate/pkg/audit"
	"scopegate/pkg/auth"
	"scopegate/pkg/hardening"
	"scopegate/pkg/httpx"
	"scopegate/pkg/index"
	"scopegate/pkg/metrics"
	"scopegate/pkg/policy"
	"scopegate/pkg/ratelimit"
	"scopegate/pkg/retrieval"
	"scopegate/pkg/store"
	"scopegate/pkg/stream"
	"scopegate/pkg/telemetry"
)

// Server holds the wired dependencies for the retrieval gateway. Policy and
// keys live behind atomic stores so admin reloads swap them whole without a
// restart.
type Server struct {
	Gateway   *retrieval.Gateway
	Validator *auth.Validator
	Policies  *policy.Store
	Keys      *auth.Keyring
	Audit     *audit.Emitter
	AuditSalt []byte
	Metrics   *metrics.Registry
	Events    *stream.Hub

	RateLimiter      ratelimit.Limiter
	RateLimitEnabled bool
	RateLimitPerMin  int

	MaxRequestBodyBytes int64
	MaxTopK             int
	RetrieveTimeout     time.Duration

	AdminToken   string
	ReloadPolicy func() (*policy.Policy, error)
	ReloadKeys   func(ctx context.Context) (*auth.KeySet, error)
}

type serverInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type serverOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type serverOpenSinkFunc func(ctx context.Context) (audit.Sink, func(), error)
type serverListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openRedisFnG   = store.NewRedis
	openSinkFnG    = openAuditSink
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	_ = godotenv.Load()
	if err := runGateway(initTelemetryG, openRedisFnG, openSinkFnG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry serverInitTelemetryFunc,
	openRedis serverOpenRedisFunc,
	openSink serverOpenSinkFunc,
	listen serverListenFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gateway",
		Environment:           env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		IndexBackend:          env("INDEX_BACKEND", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "AUDIT_HASH_SALT", Value: env("AUDIT_HASH_SALT", "")},
		},
	}); err != nil {
		return err
	}

	loadPolicy := policyLoader()
	pol, err := loadPolicy()
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	policies := policy.NewStore(pol)

	loadKeys := keyLoader()
	keySet, err := loadKeys(ctx)
	if err != nil {
		return fmt.Errorf("keys: %w", err)
	}
	keyring := auth.NewKeyring(keySet)

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	sink, closeSink, err := openSink(ctx)
	if err != nil {
		return fmt.Errorf("audit sink: %w", err)
	}
	if closeSink != nil {
		defer closeSink()
	}
	emitter := audit.NewEmitter(sink,
		envInt("AUDIT_BUFFER", 1024),
		time.Millisecond*time.Duration(envInt("AUDIT_SINK_TIMEOUT_MS", 2000)),
	)
	defer emitter.Close()

	searcher, err := buildSearcher()
	if err != nil {
		return fmt.Errorf("index: %w", err)
	}

	auditSalt := []byte(env("AUDIT_HASH_SALT", ""))
	reg := metrics.NewRegistry()
	events := stream.NewHub()

	s := &Server{
		Gateway: &retrieval.Gateway{
			Index:            searcher,
			Tags:             buildTagSource(cache),
			Audit:            emitter,
			AuditSalt:        auditSalt,
			Metrics:          reg,
			Events:           events,
			SearchRetries:    envInt("INDEX_RETRIES", 2),
			SearchRetryDelay: time.Millisecond * time.Duration(envInt("INDEX_RETRY_DELAY_MS", 50)),
		},
		Validator:           &auth.Validator{Keys: keyring, Policy: policies},
		Policies:            policies,
		Keys:                keyring,
		Audit:               emitter,
		AuditSalt:           auditSalt,
		Metrics:             reg,
		Events:              events,
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMin:     envInt("RATE_LIMIT_PER_MINUTE", 120),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		MaxTopK:             envInt("MAX_TOP_K", 50),
		RetrieveTimeout:     envDurationSec("RETRIEVE_TIMEOUT_SEC", 10),
		AdminToken:          env("ADMIN_RELOAD_TOKEN", ""),
		ReloadPolicy:        loadPolicy,
		ReloadKeys:          loadKeys,
	}
	rateLimitWindow := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	r.Post("/admin/policy/reload", s.reloadPolicyHandler)
	r.Post("/admin/keys/reload", s.reloadKeysHandler)

	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(s.Validator, s.Policies, s.onAuthDeny))
	authRouter.Post("/api/retrieve", s.handleRetrieve)
	authRouter.Get("/api/events", s.streamEvents)
	r.Mount("/", authRouter)

	go s.auditGaugeLoop(context.Background())

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

// policyLoader reads the role grant table from POLICY_SPEC or POLICY_FILE.
// The returned closure is also the reload path, so a changed file takes
// effect on the next admin reload.
func policyLoader() func() (*policy.Policy, error) {
	return func() (*policy.Policy, error) {
		if spec := strings.TrimSpace(env("POLICY_SPEC", "")); spec != "" {
			return policy.Parse(spec)
		}
		if path := strings.TrimSpace(env("POLICY_FILE", "")); path != "" {
			raw, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read POLICY_FILE: %w", err)
			}
			return policy.Parse(strings.TrimSpace(string(raw)))
		}
		return policy.Default(), nil
	}
}

// keyLoader prefers Vault when configured, else the AUTH_KEYS spec.
func keyLoader() func(ctx context.Context) (*auth.KeySet, error) {
	return func(ctx context.Context) (*auth.KeySet, error) {
		if addr := strings.TrimSpace(env("VAULT_ADDR", "")); addr != "" {
			loader := auth.VaultKeyLoader{
				Client:     http.DefaultClient,
				Addr:       addr,
				Token:      env("VAULT_TOKEN", ""),
				Namespace:  env("VAULT_NAMESPACE", ""),
				Mount:      env("VAULT_KV_MOUNT", "secret"),
				SecretPath: env("VAULT_KEY_PATH", "scopegate/signing-keys"),
				Timeout:    time.Millisecond * time.Duration(envInt("VAULT_TIMEOUT_MS", 1500)),
				MaxRetries: envInt("VAULT_RETRIES", 1),
				RetryDelay: time.Millisecond * time.Duration(envInt("VAULT_RETRY_DELAY_MS", 100)),
			}
			return loader.Load(ctx)
		}
		spec := env("AUTH_KEYS", "")
		if strings.TrimSpace(spec) == "" {
			return nil, errors.New("AUTH_KEYS or VAULT_ADDR required")
		}
		return auth.ParseKeySpec(spec)
	}
}

// buildSearcher picks the similarity index backend. "memory" serves local
// runs; "qdrant" is the production engine.
func buildSearcher() (index.Searcher, error) {
	backend := strings.ToLower(strings.TrimSpace(env("INDEX_BACKEND", "memory")))
	switch backend {
	case "", "memory":
		return index.NewMemoryIndex(), nil
	case "qdrant":
		url := strings.TrimSpace(env("QDRANT_URL", "http://localhost:6333"))
		collection := strings.TrimSpace(env("QDRANT_COLLECTION", "chunks"))
		if url == "" || collection == "" {
			return nil, errors.New("QDRANT_URL and QDRANT_COLLECTION required for qdrant backend")
		}
		client := telemetry.InstrumentClient(&http.Client{
			Timeout: time.Millisecond * time.Duration(envInt("INDEX_TIMEOUT_MS", 3000)),
		})
		return &index.QdrantSearcher{
			Client:     client,
			URL:        url,
			APIKey:     env("QDRANT_API_KEY", ""),
			Collection: collection,
			Embedder: &index.OpenAIEmbedder{
				Client:  client,
				BaseURL: env("EMBEDDER_BASE_URL", ""),
				APIKey:  env("EMBEDDER_API_KEY", ""),
				Model:   env("EMBEDDER_MODEL", ""),
			},
		}, nil
	default:
		return nil, fmt.Errorf("unknown INDEX_BACKEND %q", backend)
	}
}

var openTagPool = func(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	return pgxpool.New(ctx, dsn)
}

// buildTagSource wires the authoritative tag store when one is configured.
// Without TAG_DB_URL the index's own payload tags are the only source,
// which is acceptable only when the same pipeline owns both.
func buildTagSource(cache store.Cache) retrieval.TagSource {
	dsn := strings.TrimSpace(env("TAG_DB_URL", ""))
	if dsn == "" {
		return nil
	}
	pool, err := openTagPool(context.Background(), dsn)
	if err != nil {
		log.Printf("tag authority unavailable at startup: %v", err)
		return nil
	}
	var src retrieval.TagSource = &retrieval.PostgresTagSource{DB: pool}
	if cache != nil {
		src = &retrieval.CachedTagSource{
			Source: src,
			Cache:  cache,
			TTL:    envDurationSec("TAG_CACHE_TTL_SEC", 60),
		}
	}
	return src
}

// openAuditSink selects the audit destination: "line" (stderr NDJSON),
// "postgres", or "kafka".
func openAuditSink(ctx context.Context) (audit.Sink, func(), error) {
	backend := strings.ToLower(strings.TrimSpace(env("AUDIT_SINK", "line")))
	switch backend {
	case "", "line":
		return &audit.LineSink{W: os.Stderr}, nil, nil
	case "postgres":
		pool, err := store.NewPostgresPool(ctx)
		if err != nil {
			return nil, nil, err
		}
		if _, err := pool.Exec(ctx, audit.PostgresSchema); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("audit schema: %w", err)
		}
		return &audit.PostgresSink{DB: pool}, pool.Close, nil
	case "kafka":
		brokers := strings.Split(env("KAFKA_BROKERS", "localhost:9092"), ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		sink := audit.NewKafkaSink(brokers, env("KAFKA_AUDIT_TOPIC", "scopegate.audit"))
		return sink, func() { _ = sink.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown AUDIT_SINK %q", backend)
	}
}

// auditGaugeLoop surfaces emitter drop and sink error counts so saturation
// is visible even though Emit itself never reports it to callers.
func (s *Server) auditGaugeLoop(ctx context.Context) {
	ticker := time.NewTicker(envDurationSec("AUDIT_GAUGE_INTERVAL_SEC", 15))
	defer ticker.Stop()
	var lastDropped int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dropped := s.Audit.Dropped()
			s.Metrics.SetGauge("audit_dropped", float64(dropped))
			s.Metrics.SetGauge("audit_sink_errors", float64(s.Audit.SinkErrors()))
			if dropped > lastDropped && s.Events != nil {
				s.Events.Publish(stream.NewEvent("audit_dropped", map[string]any{
					"dropped_total": dropped,
					"delta":         dropped - lastDropped,
				}))
			}
			lastDropped = dropped
		}
	}
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
