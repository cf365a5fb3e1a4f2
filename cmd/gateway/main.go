package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/iodzaMonk/acquisitions/pkg/admission"
	"github.com/iodzaMonk/acquisitions/pkg/audit"
	"github.com/iodzaMonk/acquisitions/pkg/events"
	"github.com/iodzaMonk/acquisitions/pkg/hardening"
	"github.com/iodzaMonk/acquisitions/pkg/httpx"
	"github.com/iodzaMonk/acquisitions/pkg/metrics"
	"github.com/iodzaMonk/acquisitions/pkg/models"
	"github.com/iodzaMonk/acquisitions/pkg/store"
	"github.com/iodzaMonk/acquisitions/pkg/stream"
	"github.com/iodzaMonk/acquisitions/pkg/telemetry"
)

type Server struct {
	Users               usersStore
	Audit               auditStore
	Gate                *admission.Pipeline
	Metrics             *metrics.Registry
	Events              *stream.Hub
	Publisher           eventPublisher
	AuthSecret          string
	TokenTTL            time.Duration
	CookieSecure        bool
	TrustedProxyCIDRs   []*net.IPNet
	MaxRequestBodyBytes int64
}

type usersStore interface {
	List(ctx context.Context) ([]models.User, error)
	GetByID(ctx context.Context, id int) (models.User, error)
	GetByEmail(ctx context.Context, email string) (models.User, error)
	Create(ctx context.Context, name, email, passwordHash, role string) (models.User, error)
	Update(ctx context.Context, id int, upd models.UserUpdate) (models.User, error)
	Delete(ctx context.Context, id int) error
}

type auditStore interface {
	Append(ctx context.Context, rec audit.Record) error
	Recent(ctx context.Context, limit int) ([]audit.Record, error)
}

type eventPublisher interface {
	Publish(ctx context.Context, evt stream.Event) error
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
) error {
	_ = godotenv.Load()

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	authSecret := env("JWT_SECRET", "")
	if authSecret == "" {
		return errors.New("JWT_SECRET is required")
	}

	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "gateway",
		Environment:        env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity: env("STRICT_PROD_SECURITY", ""),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:   env("REDIS_TLS_INSECURE", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		CookieSecure:       env("COOKIE_SECURE", ""),
		JWTSecret:          authSecret,
	}); err != nil {
		return fmt.Errorf("hardening: %w", err)
	}

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	var gateStore admission.StateStore
	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, using in-memory rule state: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
		gateStore = admission.NewRedisStore(redisClient)
	} else {
		gateStore = admission.NewMemoryStore()
	}

	gateCfg := gateConfigFromEnv()
	auditSalt := env("AUDIT_HASH_SALT", "")
	auditRedact := strings.EqualFold(strings.TrimSpace(env("AUDIT_REDACT", "false")), "true")
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}

	s := &Server{
		Users:               &store.Users{DB: pool},
		Audit:               &audit.Writer{DB: pool, HashSalt: []byte(auditSalt), Redact: auditRedact},
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		AuthSecret:          authSecret,
		TokenTTL:            envDurationSec("TOKEN_TTL_SEC", 86400),
		CookieSecure:        env("COOKIE_SECURE", "false") == "true",
		TrustedProxyCIDRs:   parseCIDRs(env("TRUSTED_PROXY_CIDRS", "")),
		MaxRequestBodyBytes: maxRequestBodyBytes,
	}
	s.Gate = buildGate(gateCfg, gateStore, s.Metrics)

	if brokers := splitList(env("SECURITY_EVENTS_BROKERS", "")); len(brokers) > 0 {
		publisher, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: brokers,
			Topic:   env("SECURITY_EVENTS_TOPIC", "security-events"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer func() { _ = publisher.Close() }()
		s.Publisher = publisher
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]any{
			"status":             "ok",
			"service":            "gateway",
			"stream_subscribers": s.Events.Subscribers(),
			"stream_dropped":     s.Events.Dropped(),
		})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	api := chi.NewRouter()
	api.Use(s.admissionMiddleware)
	api.Post("/auth/sign-up", s.handleSignUp)
	api.Post("/auth/sign-in", s.handleSignIn)
	api.Post("/auth/sign-out", s.handleSignOut)
	api.Get("/users", s.handleListUsers)
	api.Get("/users/{id}", s.handleGetUser)
	api.Put("/users/{id}", s.handleUpdateUser)
	api.Delete("/users/{id}", s.handleDeleteUser)
	api.Get("/security/events", s.handleListSecurityEvents)
	api.Get("/events", s.streamEvents)
	r.Mount("/api", api)

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

// buildGate assembles the four-rule chain with shield hits and rule
// faults wired into the metrics registry.
func buildGate(cfg admission.Config, gateStore admission.StateStore, reg *metrics.Registry) *admission.Pipeline {
	rules := []admission.Rule{
		admission.NewShieldRule(cfg.ShieldMode, reg.IncShieldHit),
		admission.NewBotRule(cfg.BotAllow),
		&admission.WindowRule{Store: gateStore, Interval: cfg.WindowInterval, Max: cfg.WindowMax},
		&admission.BucketRule{Store: gateStore, RefillRate: cfg.BucketRefill, Interval: cfg.BucketInterval, Capacity: cfg.BucketCapacity},
	}
	return admission.NewPipeline(rules,
		admission.WithFailMode(cfg.FailMode),
		admission.WithFaultHook(func(rule string, err error) {
			reg.IncGateFault(rule)
			log.Printf("admission rule %s fault: %v", rule, err)
		}),
	)
}

func gateConfigFromEnv() admission.Config {
	cfg := admission.DefaultConfig()
	cfg.ShieldMode = env("SHIELD_MODE", cfg.ShieldMode)
	if allow := splitList(env("BOT_ALLOW_CATEGORIES", "")); len(allow) > 0 {
		cfg.BotAllow = allow
	}
	cfg.WindowInterval = envDurationSec("WINDOW_INTERVAL_SEC", int(cfg.WindowInterval/time.Second))
	cfg.WindowMax = envInt("WINDOW_MAX", cfg.WindowMax)
	cfg.BucketRefill = envInt("BUCKET_REFILL_RATE", cfg.BucketRefill)
	cfg.BucketInterval = envDurationSec("BUCKET_INTERVAL_SEC", int(cfg.BucketInterval/time.Second))
	cfg.BucketCapacity = envInt("BUCKET_CAPACITY", cfg.BucketCapacity)
	// Default is fail-open: an unavailable rule-state store must not take
	// the API down. Deployments opt into fail-closed explicitly.
	if strings.EqualFold(strings.TrimSpace(env("ADMISSION_FAIL_MODE", "open")), "closed") {
		cfg.FailMode = admission.FailClosed
	} else {
		cfg.FailMode = admission.FailOpen
	}
	return cfg
}

func splitList(raw string) []string {
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

func parseCIDRs(raw string) []*net.IPNet {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]*net.IPNet, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			if _, cidr, err := net.ParseCIDR(part); err == nil {
				out = append(out, cidr)
			}
			continue
		}
		ip := net.ParseIP(part)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
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
