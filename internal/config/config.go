package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the service configuration. Values come from REGISTER_*
// environment variables, optionally seeded from a .env file.
type Config struct {
	Environment  string
	HTTPAddr     string
	BondFile     string
	MaxBodyBytes int64
	IPAllowlist  []string

	Archive ArchiveConfig
	Redis   RedisConfig
	NATS    NATSConfig
	S3      S3Config
	Auth    AuthConfig
	TLS     TLSConfig
}

type ArchiveConfig struct {
	Driver      string // sqlite, postgres or none
	SQLitePath  string
	DatabaseURL string
}

type RedisConfig struct {
	Addr           string
	Password       string
	RateLimitRPS   float64
	RateLimitBurst int
}

type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

type S3Config struct {
	Bucket         string
	Region         string
	Endpoint       string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
	Prefix         string
	ExportKeyID    string
	ExportKey      string // 64 hex chars; empty disables sealing
}

type AuthConfig struct {
	Issuer         string
	Audience       string
	SigningKeyFile string
	TokenTTL       time.Duration
}

type TLSConfig struct {
	CertFile     string
	KeyFile      string
	ClientCAFile string
}

func defaults() Config {
	return Config{
		Environment:  "development",
		HTTPAddr:     ":8080",
		MaxBodyBytes: 1 << 20,
		Archive:      ArchiveConfig{Driver: "sqlite", SQLitePath: "register.db"},
		Redis:        RedisConfig{RateLimitRPS: 20, RateLimitBurst: 40},
		NATS:         NATSConfig{SubjectPrefix: "register"},
		S3:           S3Config{Region: "us-east-1", ExportKeyID: "export-1"},
		Auth:         AuthConfig{Issuer: "bond-register", Audience: "bond-register", TokenTTL: 15 * time.Minute},
	}
}

// Load reads .env if present, applies the environment over defaults and
// validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	setStr(&cfg.Environment, "APP_ENV")
	setStr(&cfg.HTTPAddr, "REGISTER_HTTP_ADDR")
	setStr(&cfg.BondFile, "REGISTER_BOND_FILE")
	setInt64(&cfg.MaxBodyBytes, "REGISTER_MAX_BODY_BYTES")
	setStringSlice(&cfg.IPAllowlist, "REGISTER_IP_ALLOWLIST")

	setStr(&cfg.Archive.Driver, "REGISTER_ARCHIVE_DRIVER")
	setStr(&cfg.Archive.SQLitePath, "REGISTER_SQLITE_PATH")
	setStr(&cfg.Archive.DatabaseURL, "REGISTER_DATABASE_URL")

	setStr(&cfg.Redis.Addr, "REGISTER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REGISTER_REDIS_PASSWORD")
	setFloat64(&cfg.Redis.RateLimitRPS, "REGISTER_RATE_LIMIT_RPS")
	setInt(&cfg.Redis.RateLimitBurst, "REGISTER_RATE_LIMIT_BURST")

	setStr(&cfg.NATS.URL, "REGISTER_NATS_URL")
	setStr(&cfg.NATS.SubjectPrefix, "REGISTER_NATS_SUBJECT_PREFIX")

	setStr(&cfg.S3.Bucket, "REGISTER_S3_BUCKET")
	setStr(&cfg.S3.Region, "REGISTER_S3_REGION")
	setStr(&cfg.S3.Endpoint, "REGISTER_S3_ENDPOINT")
	setStr(&cfg.S3.AccessKey, "REGISTER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "REGISTER_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "REGISTER_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "REGISTER_S3_PREFIX")
	setStr(&cfg.S3.ExportKeyID, "REGISTER_EXPORT_KEY_ID")
	setStr(&cfg.S3.ExportKey, "REGISTER_EXPORT_KEY")

	setStr(&cfg.Auth.Issuer, "REGISTER_JWT_ISSUER")
	setStr(&cfg.Auth.Audience, "REGISTER_JWT_AUDIENCE")
	setStr(&cfg.Auth.SigningKeyFile, "REGISTER_JWT_SIGNING_KEY_FILE")
	setDuration(&cfg.Auth.TokenTTL, "REGISTER_JWT_TTL")

	setStr(&cfg.TLS.CertFile, "REGISTER_TLS_CERT_FILE")
	setStr(&cfg.TLS.KeyFile, "REGISTER_TLS_KEY_FILE")
	setStr(&cfg.TLS.ClientCAFile, "REGISTER_TLS_CLIENT_CA_FILE")
}

// Production reports whether the stricter production rules apply.
func (c *Config) Production() bool {
	return c.Environment == "production" || c.Environment == "staging"
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var missing []string
	if c.HTTPAddr == "" {
		missing = append(missing, "REGISTER_HTTP_ADDR")
	}
	if c.BondFile == "" {
		missing = append(missing, "REGISTER_BOND_FILE")
	}
	switch c.Archive.Driver {
	case "sqlite":
		if c.Archive.SQLitePath == "" {
			missing = append(missing, "REGISTER_SQLITE_PATH")
		}
	case "postgres":
		if c.Archive.DatabaseURL == "" {
			missing = append(missing, "REGISTER_DATABASE_URL")
		}
	case "none":
	default:
		return fmt.Errorf("REGISTER_ARCHIVE_DRIVER must be sqlite, postgres or none, got %q", c.Archive.Driver)
	}
	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}

	if c.Production() {
		if c.Redis.Addr == "" {
			missing = append(missing, "REGISTER_REDIS_ADDR")
		}
		if c.Auth.SigningKeyFile == "" {
			missing = append(missing, "REGISTER_JWT_SIGNING_KEY_FILE")
		}
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			missing = append(missing, "REGISTER_TLS_CERT_FILE", "REGISTER_TLS_KEY_FILE")
		}
		if len(missing) > 0 {
			return errors.New("missing required environment variables for " + c.Environment + ": " + strings.Join(missing, ", "))
		}
	}

	if c.MaxBodyBytes <= 0 {
		return errors.New("REGISTER_MAX_BODY_BYTES must be positive")
	}
	if c.Redis.RateLimitRPS <= 0 || c.Redis.RateLimitBurst <= 0 {
		return errors.New("rate limit rps and burst must be positive")
	}
	if c.S3.ExportKey != "" {
		if k, err := hex.DecodeString(c.S3.ExportKey); err != nil || len(k) != 32 {
			return errors.New("REGISTER_EXPORT_KEY must be 64 hex characters")
		}
	}
	return nil
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}
