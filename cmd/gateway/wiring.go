package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"docuhub-gateway/auth"
	authdomain "docuhub-gateway/auth/domain"
	authinfra "docuhub-gateway/auth/infra"
	"docuhub-gateway/auth/session"
	"docuhub-gateway/auth/token"
	"docuhub-gateway/config"
	"docuhub-gateway/failure"
	"docuhub-gateway/logging"
	"docuhub-gateway/metrics"
	"docuhub-gateway/middleware/ratelimit/domain"
	"docuhub-gateway/middleware/ratelimit/infra"
	"docuhub-gateway/middleware/ratelimit/infra/resp"
	"docuhub-gateway/requestid"
)

type sessionDeps struct {
	store authdomain.RefreshStore
	audit authdomain.AuditRecorder
	db    *sqlx.DB
}

func (s sessionDeps) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

// openSessions escolhe o store de refresh tokens e o gravador de auditoria.
func openSessions(ctx context.Context, cfg *config.Config, logger *zap.Logger) (sessionDeps, error) {
	var deps sessionDeps

	if cfg.Database.Driver == config.DriverMemory {
		logger.Warn("session_store_in_memory", zap.String("hint", "refresh tokens are lost on restart"))
		deps.store = authinfra.NewMemoryStore()
	} else {
		db, err := authinfra.OpenDB(ctx, cfg.Database)
		if err != nil {
			return deps, err
		}
		if err := authinfra.Migrate(ctx, db.DB, cfg.Database.Driver); err != nil {
			_ = db.Close()
			return deps, err
		}
		deps.db = db
		deps.store = authinfra.NewSQLStore(db)
	}

	switch {
	case !cfg.Audit.Enabled:
		deps.audit = authdomain.NopAuditRecorder{}
	case deps.db != nil:
		deps.audit = authinfra.MultiAuditRecorder{
			authinfra.NewSQLAuditRecorder(deps.db),
			authinfra.NewLogAuditRecorder(logger),
		}
	default:
		deps.audit = authinfra.NewLogAuditRecorder(logger)
	}
	return deps, nil
}

type limiterDeps struct {
	backend domain.Backend
	stats   domain.StatsStore
	closers []func() error
}

func (l limiterDeps) Close() {
	for _, c := range l.closers {
		_ = c()
	}
}

// buildLimiter monta o backend de rate limit. Os backends remotos ficam atrás do
// FallbackBackend com a janela local, que também é a única opção em "memory".
func buildLimiter(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (limiterDeps, error) {
	rl := cfg.RateLimit
	var deps limiterDeps

	local := infra.NewStore(rl.Requests, rl.Window)
	local.StartJanitor(ctx)

	// go-redis: contador (backend goredis) e/ou estatísticas.
	var rdb *redis.Client
	if rl.Backend == config.BackendGoRedis || (rl.StatsEnabled && rl.Backend != config.BackendMemory) {
		client, err := infra.NewRedisClient(rl.RedisURL, rl.RemoteTimeout)
		if err != nil {
			return deps, fmt.Errorf("redis url: %w", err)
		}
		rdb = client
		deps.closers = append(deps.closers, client.Close)
	}

	stats := infra.MultiStatsStore{infra.NewMetricsStatsStore(m)}
	if rl.StatsEnabled {
		if rdb != nil {
			stats = append(stats, infra.NewRedisStatsStore(rdb,
				infra.WithStatsPrefix(rl.StatsPrefix),
				infra.WithStatsTTL(rl.StatsTTL),
				infra.WithStatsTrackKeys(rl.StatsTrackKeys),
			))
		} else {
			stats = append(stats, infra.NewMemoryStatsStore(infra.WithTrackKeys(rl.StatsTrackKeys)))
		}
	}
	deps.stats = stats

	var counter domain.Counter
	switch rl.Backend {
	case config.BackendMemory:
		deps.backend = local
		return deps, nil
	case config.BackendRedis:
		client, err := resp.NewFromURL(rl.RedisURL,
			resp.WithDialTimeout(rl.RemoteTimeout),
			resp.WithIOTimeout(rl.RemoteTimeout),
		)
		if err != nil {
			return deps, fmt.Errorf("redis url: %w", err)
		}
		counter = client
	case config.BackendGoRedis:
		counter = infra.NewRedisCounter(rdb)
	default:
		return deps, fmt.Errorf("unknown rate limit backend %q", rl.Backend)
	}

	remote := infra.NewRemoteBackend(counter, rl.Requests, rl.Window,
		infra.WithKeyPrefix(rl.KeyPrefix),
		infra.WithRemoteTimeout(rl.RemoteTimeout),
		infra.WithBackendName(rl.Backend),
	)
	deps.backend = infra.NewFallbackBackend(remote, local,
		infra.WithFallbackLogger(logger.Named("ratelimit")),
		infra.WithFallbackObserver(m),
		infra.WithProbeInterval(rl.ProbeInterval),
	)
	return deps, nil
}

func newRouter(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics, codec *token.Codec, ledger *session.Ledger) (*gin.Engine, error) {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestid.Middleware(), logging.GinMiddleware(logger.Named("http")))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(m.Handler()))

	tenants := auth.TenantPolicy{Enforced: cfg.Auth.TenancyEnforced, Default: cfg.Auth.DefaultTenantID}
	api := r.Group("/api/v1")
	auth.NewHandler(auth.HandlerOptions{
		Sessions:  ledger,
		Verifier:  codec,
		Roles:     cfg.Auth.Roles,
		IssuerKey: cfg.Auth.IssuerKey,
		Tenants:   tenants,
		Observer:  m,
	}).Register(api)

	if cfg.UpstreamURL == "" {
		logger.Warn("docs_proxy_disabled", zap.String("reason", "UPSTREAM_URL is empty"))
		return r, nil
	}
	target, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid UPSTREAM_URL: %w", err)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxyLog := logger.Named("proxy")
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		proxyLog.Error("proxy_error", zap.String("path", r.URL.Path), zap.Error(err))
		failure.WriteJSON(w, failure.New("bad_gateway", http.StatusBadGateway, "upstream unavailable"))
	}

	docs := r.Group("/docs", auth.Bearer(codec, m, tenants))
	// o codec já recusa papéis fora de AUTH_ROLES; a guarda só entra quando
	// DOCS_ROLES restringe mais.
	if len(cfg.Auth.DocsRoles) > 0 {
		docs.Use(auth.RequireRoles(m, cfg.Auth.DocsRoles...))
	}
	docs.Any("/*path", gin.WrapH(proxy))
	return r, nil
}
