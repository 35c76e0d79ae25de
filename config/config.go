// Package config carrega a configuração do gateway a partir de variáveis de ambiente
// (e de um .env opcional), aplica defaults e valida o resultado.
//
// A configuração é montada uma vez na subida do processo; nenhuma parte do core
// relê variáveis de ambiente depois disso.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Backends de rate limit aceitos em RATE_LIMIT_BACKEND.
const (
	BackendMemory  = "memory"
	BackendRedis   = "redis"
	BackendGoRedis = "goredis"
)

// Drivers de persistência aceitos em DB_DRIVER.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Env         string `validate:"oneof=development production test"`
	ListenAddr  string `validate:"required"`
	UpstreamURL string `validate:"omitempty,url"`

	Log         LogConfig
	Auth        AuthConfig
	Audit       AuditConfig
	RateLimit   RateLimitConfig
	Concurrency ConcurrencyConfig
	Database    DatabaseConfig
}

type LogConfig struct {
	Level  string
	Format string `validate:"oneof=json console"`
}

type AuthConfig struct {
	Secret          string        `validate:"required,min=16"`
	AccessTTL       time.Duration `validate:"gt=0"`
	RefreshTTL      time.Duration `validate:"gt=0"`
	RotationEnabled bool
	ReuseDetection  bool
	Roles           []string `validate:"required,min=1,dive,required"`
	// IssuerKey protege POST /auth/token. Vazio desliga a rota.
	IssuerKey string
	// DocsRoles restringe /docs a um subconjunto de Roles. Vazio: qualquer papel válido.
	DocsRoles []string `validate:"dive,required"`
	// TenancyEnforced rejeita tokens sem tenant; desligado, vale DefaultTenantID.
	TenancyEnforced bool
	DefaultTenantID string `validate:"max=128"`
}

type AuditConfig struct {
	Enabled    bool
	StrictMode bool
}

type RateLimitConfig struct {
	Enabled       bool
	Requests      int           `validate:"gt=0"`
	Window        time.Duration `validate:"gt=0"`
	Backend       string        `validate:"oneof=memory redis goredis"`
	RedisURL      string        `validate:"required_unless=Backend memory"`
	RemoteTimeout time.Duration `validate:"gt=0"`
	// ProbeInterval limita a frequência com que o backend remoto é re-testado
	// depois de uma falha.
	ProbeInterval time.Duration `validate:"gte=0"`
	KeyPrefix     string
	KeyHeader     string
	TrustXFF      bool
	RetryAfter    time.Duration
	AddHeaders    bool

	StatsEnabled   bool
	StatsPrefix    string
	StatsTTL       time.Duration
	StatsTrackKeys bool
}

type ConcurrencyConfig struct {
	Max            int `validate:"gte=0"`
	AcquireTimeout time.Duration
}

type DatabaseConfig struct {
	Driver       string `validate:"oneof=memory postgres sqlite"`
	DSN          string `validate:"required_unless=Driver memory"`
	MaxOpenConns int
	MaxIdleConns int
}

// Load lê .env (se existir) e o ambiente, aplica defaults e valida.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	cfg := fromViper(v)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{
		Env:         v.GetString("ENV"),
		ListenAddr:  v.GetString("LISTEN_ADDR"),
		UpstreamURL: v.GetString("UPSTREAM_URL"),
	}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Auth = AuthConfig{
		Secret:          v.GetString("JWT_SECRET"),
		AccessTTL:       parseDuration(v.GetString("JWT_TTL"), 15*time.Minute),
		RefreshTTL:      parseDuration(v.GetString("REFRESH_TOKEN_TTL"), 30*24*time.Hour),
		RotationEnabled: v.GetBool("REFRESH_ROTATION_ENABLED"),
		ReuseDetection:  v.GetBool("REFRESH_REUSE_DETECTION"),
		Roles:           splitAndTrim(v.GetString("AUTH_ROLES")),
		IssuerKey:       v.GetString("AUTH_ISSUER_KEY"),
		DocsRoles:       splitAndTrim(v.GetString("DOCS_ROLES")),
		TenancyEnforced: v.GetBool("TENANCY_ENFORCED"),
		DefaultTenantID: strings.TrimSpace(v.GetString("DEFAULT_TENANT_ID")),
	}

	cfg.Audit = AuditConfig{
		Enabled:    v.GetBool("AUDIT_ENABLED"),
		StrictMode: v.GetBool("AUDIT_STRICT_MODE"),
	}

	cfg.RateLimit = RateLimitConfig{
		Enabled:        v.GetBool("RATE_ENABLED"),
		Requests:       v.GetInt("RATE_LIMIT_REQUESTS"),
		Window:         parseDuration(v.GetString("RATE_LIMIT_WINDOW"), time.Minute),
		Backend:        strings.ToLower(strings.TrimSpace(v.GetString("RATE_LIMIT_BACKEND"))),
		RedisURL:       v.GetString("RATE_LIMIT_REDIS_URL"),
		RemoteTimeout:  parseDuration(v.GetString("RATE_LIMIT_REMOTE_TIMEOUT"), time.Second),
		ProbeInterval:  parseDuration(v.GetString("RATE_LIMIT_PROBE_INTERVAL"), 5*time.Second),
		KeyPrefix:      v.GetString("RATE_LIMIT_KEY_PREFIX"),
		KeyHeader:      v.GetString("RATE_KEY_HEADER"),
		TrustXFF:       v.GetBool("TRUST_XFF"),
		RetryAfter:     parseDuration(v.GetString("RETRY_AFTER"), time.Second),
		AddHeaders:     v.GetBool("ADD_RATELIMIT_HEADERS"),
		StatsEnabled:   v.GetBool("RATE_STATS_ENABLED"),
		StatsPrefix:    v.GetString("RATE_STATS_PREFIX"),
		StatsTTL:       parseDuration(v.GetString("RATE_STATS_TTL"), 24*time.Hour),
		StatsTrackKeys: v.GetBool("RATE_STATS_TRACK_KEYS"),
	}

	cfg.Concurrency = ConcurrencyConfig{
		Max:            v.GetInt("CONCURRENCY_MAX"),
		AcquireTimeout: parseDuration(v.GetString("CONCURRENCY_TIMEOUT"), 2*time.Second),
	}

	cfg.Database = DatabaseConfig{
		Driver:       strings.ToLower(strings.TrimSpace(v.GetString("DB_DRIVER"))),
		DSN:          v.GetString("DB_DSN"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("UPSTREAM_URL", "")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_TTL", "15m")
	v.SetDefault("REFRESH_TOKEN_TTL", "720h")
	v.SetDefault("REFRESH_ROTATION_ENABLED", true)
	v.SetDefault("REFRESH_REUSE_DETECTION", true)
	v.SetDefault("AUTH_ROLES", "admin,user")
	v.SetDefault("AUTH_ISSUER_KEY", "")
	v.SetDefault("DOCS_ROLES", "")
	v.SetDefault("TENANCY_ENFORCED", false)
	v.SetDefault("DEFAULT_TENANT_ID", "default")

	v.SetDefault("AUDIT_ENABLED", true)
	v.SetDefault("AUDIT_STRICT_MODE", false)

	v.SetDefault("RATE_ENABLED", true)
	v.SetDefault("RATE_LIMIT_REQUESTS", 120)
	v.SetDefault("RATE_LIMIT_WINDOW", "60s")
	v.SetDefault("RATE_LIMIT_BACKEND", BackendMemory)
	v.SetDefault("RATE_LIMIT_REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("RATE_LIMIT_REMOTE_TIMEOUT", "1s")
	v.SetDefault("RATE_LIMIT_PROBE_INTERVAL", "5s")
	v.SetDefault("RATE_LIMIT_KEY_PREFIX", "rate:")
	v.SetDefault("RATE_KEY_HEADER", "")
	v.SetDefault("TRUST_XFF", false)
	v.SetDefault("RETRY_AFTER", "1s")
	v.SetDefault("ADD_RATELIMIT_HEADERS", false)
	v.SetDefault("RATE_STATS_ENABLED", false)
	v.SetDefault("RATE_STATS_PREFIX", "ratelimit:stats")
	v.SetDefault("RATE_STATS_TTL", "24h")
	v.SetDefault("RATE_STATS_TRACK_KEYS", false)

	v.SetDefault("CONCURRENCY_MAX", 100)
	v.SetDefault("CONCURRENCY_TIMEOUT", "2s")

	v.SetDefault("DB_DRIVER", DriverSQLite)
	v.SetDefault("DB_DSN", "file:docuhub.db?_pragma=busy_timeout(5000)")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
}

var validate = validator.New()

// Validate checa regras estruturais (tags) e regras cruzadas.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed on %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, r := range cfg.Auth.DocsRoles {
		if !slices.Contains(cfg.Auth.Roles, r) {
			return fmt.Errorf("invalid config: DOCS_ROLES entry %q is not in AUTH_ROLES", r)
		}
	}
	if !cfg.Auth.TenancyEnforced && cfg.Auth.DefaultTenantID == "" {
		return errors.New("invalid config: DEFAULT_TENANT_ID is required when TENANCY_ENFORCED is false")
	}
	if cfg.Database.Driver == DriverSQLite && cfg.Database.MaxOpenConns != 1 {
		// sqlite serializa escrita; mais de uma conexão só gera SQLITE_BUSY.
		cfg.Database.MaxOpenConns = 1
	}
	return nil
}

// IsProduction indica se o processo roda com ENV=production.
func (c *Config) IsProduction() bool { return c.Env == EnvProduction }

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
