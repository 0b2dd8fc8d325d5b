package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Record store backends selectable through RECORD_STORE.
const (
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreBolt     = "bolt"
)

// Config contains runtime configuration values.
type Config struct {
	Environment           string
	HTTPPort              string
	IssuerURI             string
	DatabaseURL           string
	RecordStore           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	BoltPath              string
	IDPermanenceKey       []byte
	SigningKeyFile        string
	AccessTokenTTL        time.Duration
	IDTokenTTL            time.Duration
	AuthCodeTTL           time.Duration
	PARTTL                time.Duration
	MaxSharingDuration    time.Duration
	RefreshTokenBytes     int
	UpdateClaimsOnRefresh bool
	PurgeInterval         time.Duration
	ConsentAPIKey         string
	ConsentUIURL          string
	ClientsFile           string
	VerifySectorDocuments bool
	ServiceName           string
	RateLimitRPM          int
	TelemetryEndpoint     string
	TelemetryInsecure     bool
	LogFile               string
	LogMaxSizeMB          int
	LogMaxBackups         int
	LogMaxAgeDays         int
	CORSAllowedOrigins    []string
	CORSAllowedMethods    []string
	CORSAllowedHeaders    []string
	CORSAllowCredentials  bool
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	issuer := strings.TrimRight(strings.TrimSpace(os.Getenv("ISSUER_URI")), "/")
	if issuer == "" {
		return Config{}, fmt.Errorf("ISSUER_URI is required")
	}

	rawKey := strings.TrimSpace(os.Getenv("ID_PERMANENCE_KEY"))
	if rawKey == "" {
		return Config{}, fmt.Errorf("ID_PERMANENCE_KEY is required")
	}
	idKey, err := base64.StdEncoding.DecodeString(rawKey)
	if err != nil {
		return Config{}, fmt.Errorf("ID_PERMANENCE_KEY must be base64: %w", err)
	}
	if len(idKey) < 32 {
		return Config{}, fmt.Errorf("ID_PERMANENCE_KEY must decode to at least 32 bytes")
	}

	cfg := Config{
		Environment:           getEnv("APP_ENV", "development"),
		HTTPPort:              getEnv("HTTP_PORT", "8080"),
		IssuerURI:             issuer,
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RecordStore:           strings.ToLower(getEnv("RECORD_STORE", StorePostgres)),
		RedisAddr:             getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               getInt("REDIS_DB", 0),
		BoltPath:              getEnv("BOLT_PATH", "dataholder.db"),
		IDPermanenceKey:       idKey,
		SigningKeyFile:        os.Getenv("SIGNING_KEY_FILE"),
		AccessTokenTTL:        getDuration("ACCESS_TOKEN_TTL", 5*time.Minute),
		IDTokenTTL:            getDuration("ID_TOKEN_TTL", 5*time.Minute),
		AuthCodeTTL:           getDuration("AUTH_CODE_TTL", time.Minute),
		PARTTL:                getDuration("PAR_TTL", 90*time.Second),
		MaxSharingDuration:    getDuration("MAX_SHARING_DURATION", 365*24*time.Hour),
		RefreshTokenBytes:     getInt("REFRESH_TOKEN_BYTES", 32),
		UpdateClaimsOnRefresh: getBool("UPDATE_CLAIMS_ON_REFRESH", false),
		PurgeInterval:         getDuration("PURGE_INTERVAL", time.Minute),
		ConsentAPIKey:         os.Getenv("CONSENT_API_KEY"),
		ConsentUIURL:          os.Getenv("CONSENT_UI_URL"),
		ClientsFile:           os.Getenv("CLIENTS_FILE"),
		VerifySectorDocuments: getBool("VERIFY_SECTOR_DOCUMENTS", false),
		ServiceName:           getEnv("SERVICE_NAME", "valora-dataholder"),
		RateLimitRPM:          getInt("RATE_LIMIT_RPM", 600),
		TelemetryEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:     getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		LogFile:               os.Getenv("LOG_FILE"),
		LogMaxSizeMB:          getInt("LOG_MAX_SIZE_MB", 100),
		LogMaxBackups:         getInt("LOG_MAX_BACKUPS", 5),
		LogMaxAgeDays:         getInt("LOG_MAX_AGE_DAYS", 30),
		CORSAllowedOrigins:    getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:    getList("CORS_ALLOWED_METHODS", []string{"GET", "OPTIONS"}),
		CORSAllowedHeaders:    getList("CORS_ALLOWED_HEADERS", []string{"Content-Type"}),
		CORSAllowCredentials:  getBool("CORS_ALLOW_CREDENTIALS", false),
	}

	// Clients and the default record store live in Postgres.
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	switch cfg.RecordStore {
	case StorePostgres, StoreRedis, StoreBolt:
	default:
		return Config{}, fmt.Errorf("RECORD_STORE must be one of postgres, redis, bolt")
	}

	// Every issued artifact must expire.
	for _, ttl := range []struct {
		name  string
		value time.Duration
	}{
		{"ACCESS_TOKEN_TTL", cfg.AccessTokenTTL},
		{"ID_TOKEN_TTL", cfg.IDTokenTTL},
		{"AUTH_CODE_TTL", cfg.AuthCodeTTL},
		{"PAR_TTL", cfg.PARTTL},
	} {
		if ttl.value <= 0 {
			return Config{}, fmt.Errorf("%s must be positive, got %s", ttl.name, ttl.value)
		}
	}

	if cfg.RefreshTokenBytes < 32 {
		cfg.RefreshTokenBytes = 32
	}

	return cfg, nil
}

// IsProduction reports whether the service runs with production defaults.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
