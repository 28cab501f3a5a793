package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Store backends selectable through configuration.
const (
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Rate limit principal key modes.
const (
	KeyModeEmail   = "email"
	KeyModeEmailIP = "email_ip"
)

// Password hashing algorithms.
const (
	HashBcrypt   = "bcrypt"
	HashArgon2id = "argon2id"
)

// MinSecretLength is the minimum accepted length of the token signing secret in bytes.
const MinSecretLength = 32

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database     DatabaseConfig
	Redis        RedisConfig
	JWT          JWTConfig
	Password     PasswordConfig
	RateLimit    RateLimitConfig
	Session      SessionConfig
	CSRF         CSRFConfig
	CORS         CORSConfig
	Log          LogConfig
	Audit        AuditConfig
	StoreTimeout time.Duration
}

type DatabaseConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Name           string
	SSLMode        string
	MaxOpenConns   int
	MaxIdleConns   int
	MigrateOnStart bool
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// JWTConfig holds the signing secret and token lifetimes. Secret must never be logged.
type JWTConfig struct {
	Secret     string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	ClockSkew  time.Duration
}

// PasswordConfig tunes the password hashing work factor.
type PasswordConfig struct {
	Algorithm      string
	BcryptCost     int
	Argon2Time     uint32
	Argon2MemoryKB uint32
}

// RateLimitConfig configures failed-login throttling and the coarse per-IP request throttle.
type RateLimitConfig struct {
	MaxAttempts       int
	Window            time.Duration
	KeyMode           string
	Store             string
	RequestsPerMinute int
}

// SessionConfig selects the refresh session registry backend.
type SessionConfig struct {
	Store         string
	SweepInterval time.Duration
}

// CSRFConfig toggles double-submit CSRF protection for cookie-bearing browser clients.
type CSRFConfig struct {
	Enabled bool
	Secret  string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// AuditConfig sizes the asynchronous audit writer.
type AuditConfig struct {
	Enabled bool
	Workers int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = strings.TrimRight(v.GetString("API_PREFIX"), "/")
	cfg.StoreTimeout = parseDuration(v.GetString("STORE_TIMEOUT"), 3*time.Second)

	cfg.Database = DatabaseConfig{
		Host:           v.GetString("DB_HOST"),
		Port:           v.GetInt("DB_PORT"),
		User:           v.GetString("DB_USER"),
		Password:       v.GetString("DB_PASSWORD"),
		Name:           v.GetString("DB_NAME"),
		SSLMode:        v.GetString("DB_SSL_MODE"),
		MaxOpenConns:   v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns:   v.GetInt("DB_MAX_IDLE_CONNS"),
		MigrateOnStart: v.GetBool("MIGRATE_ON_START"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:     v.GetString("JWT_SECRET"),
		Issuer:     v.GetString("JWT_ISSUER"),
		AccessTTL:  parseDuration(v.GetString("ACCESS_TOKEN_TTL"), 15*time.Minute),
		RefreshTTL: parseDuration(v.GetString("REFRESH_TOKEN_TTL"), 7*24*time.Hour),
		ClockSkew:  parseDuration(v.GetString("JWT_CLOCK_SKEW"), 5*time.Second),
	}

	cfg.Password = PasswordConfig{
		Algorithm:      strings.ToLower(v.GetString("PASSWORD_HASH_ALGORITHM")),
		BcryptCost:     v.GetInt("HASH_COST"),
		Argon2Time:     v.GetUint32("ARGON2_TIME"),
		Argon2MemoryKB: v.GetUint32("ARGON2_MEMORY_KIB"),
	}

	cfg.RateLimit = RateLimitConfig{
		MaxAttempts:       v.GetInt("RATE_LIMIT_MAX_ATTEMPTS"),
		Window:            parseDuration(v.GetString("RATE_LIMIT_WINDOW"), 15*time.Minute),
		KeyMode:           strings.ToLower(v.GetString("RATE_LIMIT_KEY_MODE")),
		Store:             strings.ToLower(v.GetString("RATE_LIMIT_STORE")),
		RequestsPerMinute: v.GetInt("REQUEST_RATE_LIMIT_PER_MINUTE"),
	}

	cfg.Session = SessionConfig{
		Store:         strings.ToLower(v.GetString("SESSION_STORE")),
		SweepInterval: parseDuration(v.GetString("SESSION_SWEEP_INTERVAL"), time.Hour),
	}

	cfg.CSRF = CSRFConfig{
		Enabled: v.GetBool("CSRF_ENABLED"),
		Secret:  v.GetString("CSRF_SECRET"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Audit = AuditConfig{
		Enabled: v.GetBool("AUDIT_ENABLED"),
		Workers: v.GetInt("AUDIT_WORKERS"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations the service must not start with.
func (c *Config) Validate() error {
	if len(c.JWT.Secret) < MinSecretLength {
		return fmt.Errorf("JWT_SECRET must be set and at least %d bytes long", MinSecretLength)
	}
	if c.JWT.AccessTTL <= 0 || c.JWT.RefreshTTL <= 0 {
		return errors.New("token TTLs must be positive")
	}
	if c.JWT.AccessTTL >= c.JWT.RefreshTTL {
		return errors.New("ACCESS_TOKEN_TTL must be shorter than REFRESH_TOKEN_TTL")
	}

	switch c.Password.Algorithm {
	case HashBcrypt, HashArgon2id:
	default:
		return fmt.Errorf("unsupported PASSWORD_HASH_ALGORITHM %q", c.Password.Algorithm)
	}

	if c.RateLimit.MaxAttempts <= 0 {
		return errors.New("RATE_LIMIT_MAX_ATTEMPTS must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return errors.New("RATE_LIMIT_WINDOW must be positive")
	}
	switch c.RateLimit.KeyMode {
	case KeyModeEmail, KeyModeEmailIP:
	default:
		return fmt.Errorf("unsupported RATE_LIMIT_KEY_MODE %q", c.RateLimit.KeyMode)
	}
	switch c.RateLimit.Store {
	case StoreRedis, StoreMemory:
	default:
		return fmt.Errorf("unsupported RATE_LIMIT_STORE %q", c.RateLimit.Store)
	}

	switch c.Session.Store {
	case StoreRedis, StorePostgres:
	default:
		return fmt.Errorf("unsupported SESSION_STORE %q", c.Session.Store)
	}

	if c.CSRF.Enabled && len(c.CSRF.Secret) < MinSecretLength {
		return fmt.Errorf("CSRF_SECRET must be at least %d bytes when CSRF_ENABLED is set", MinSecretLength)
	}

	return nil
}

// UsesRedis reports whether any configured component needs a Redis connection.
func (c *Config) UsesRedis() bool {
	return c.Session.Store == StoreRedis || c.RateLimit.Store == StoreRedis
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "")
	v.SetDefault("STORE_TIMEOUT", "3s")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "auth_gateway")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("MIGRATE_ON_START", true)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_ISSUER", "auth-gateway")
	v.SetDefault("ACCESS_TOKEN_TTL", "15m")
	v.SetDefault("REFRESH_TOKEN_TTL", "168h")
	v.SetDefault("JWT_CLOCK_SKEW", "5s")

	v.SetDefault("PASSWORD_HASH_ALGORITHM", HashBcrypt)
	v.SetDefault("HASH_COST", 12)
	v.SetDefault("ARGON2_TIME", 3)
	v.SetDefault("ARGON2_MEMORY_KIB", 64*1024)

	v.SetDefault("RATE_LIMIT_MAX_ATTEMPTS", 5)
	v.SetDefault("RATE_LIMIT_WINDOW", "15m")
	v.SetDefault("RATE_LIMIT_KEY_MODE", KeyModeEmail)
	v.SetDefault("RATE_LIMIT_STORE", StoreRedis)
	v.SetDefault("REQUEST_RATE_LIMIT_PER_MINUTE", 60)

	v.SetDefault("SESSION_STORE", StoreRedis)
	v.SetDefault("SESSION_SWEEP_INTERVAL", "1h")

	v.SetDefault("CSRF_ENABLED", false)
	v.SetDefault("CSRF_SECRET", "")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("AUDIT_ENABLED", true)
	v.SetDefault("AUDIT_WORKERS", 2)
}

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
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
