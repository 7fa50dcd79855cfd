package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config aggregates runtime configuration used across the service.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Auth      AuthConfig      `yaml:"auth"`
	Model     ModelConfig     `yaml:"model"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Upload    UploadConfig    `yaml:"upload"`
	Storage   StorageConfig   `yaml:"storage"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Valkey    ValkeyConfig    `yaml:"valkey"`
}

// HTTPConfig controls server level behavior.
type HTTPConfig struct {
	Address        string          `yaml:"address"`
	ReadTimeout    time.Duration   `yaml:"readTimeout"`
	WriteTimeout   time.Duration   `yaml:"writeTimeout"`
	AllowedOrigins []string        `yaml:"allowedOrigins"`
	RateLimits     RateLimitConfig `yaml:"rateLimits"`
}

// RateLimitConfig carries per-route-class request budgets (requests per minute).
type RateLimitConfig struct {
	Enabled  bool `yaml:"enabled"`
	Standard int  `yaml:"standard"`
	Chat     int  `yaml:"chat"`
	Upload   int  `yaml:"upload"`
	Admin    int  `yaml:"admin"`
}

// AuthConfig controls authentication settings.
type AuthConfig struct {
	JWTSecret        string        `yaml:"jwtSecret"`
	AccessTokenTTL   time.Duration `yaml:"accessTokenTtl"`
	RefreshTokenTTL  time.Duration `yaml:"refreshTokenTtl"`
	MaxLoginFailures int           `yaml:"maxLoginFailures"`
	LockoutDuration  time.Duration `yaml:"lockoutDuration"`
	TokenCacheTTL    time.Duration `yaml:"tokenCacheTtl"`
	OIDC             OIDCConfig    `yaml:"oidc"`
}

// OIDCConfig holds settings for the optional external issuer login.
type OIDCConfig struct {
	Enabled              bool   `yaml:"enabled"`
	IssuerURL            string `yaml:"issuerUrl"`
	ClientID             string `yaml:"clientId"`
	ClientSecret         string `yaml:"clientSecret"`
	RedirectURL          string `yaml:"redirectUrl"`
	PostLoginRedirectURL string `yaml:"postLoginRedirectUrl"`
}

// ModelConfig contains completion and embedding provider settings.
type ModelConfig struct {
	APIKey           string        `yaml:"apiKey"`
	BaseURL          string        `yaml:"baseUrl"`
	DefaultName      string        `yaml:"defaultName"`
	EmbeddingModel   string        `yaml:"embeddingModel"`
	EmbeddingDim     int           `yaml:"embeddingDim"`
	ContextWindow    int           `yaml:"contextWindow"`
	Temperature      float32       `yaml:"temperature"`
	IdleTimeout      time.Duration `yaml:"idleTimeout"`
	SecondaryEnabled bool          `yaml:"secondaryEnabled"`
	SecondaryBaseURL string        `yaml:"secondaryBaseUrl"`
}

// RetrievalConfig drives similarity search defaults.
type RetrievalConfig struct {
	DefaultK                 int     `yaml:"defaultK"`
	MaxK                     int     `yaml:"maxK"`
	SimilarityThreshold      float64 `yaml:"similarityThreshold"`
	ReservedCompletionTokens int     `yaml:"reservedCompletionTokens"`
}

// ChunkingConfig controls the document splitter.
type ChunkingConfig struct {
	TargetChars  int `yaml:"targetChars"`
	OverlapChars int `yaml:"overlapChars"`
	MinChars     int `yaml:"minChars"`
}

// IngestConfig drives the background worker pool.
type IngestConfig struct {
	MaxRetries    int           `yaml:"maxRetries"`
	BackoffBase   time.Duration `yaml:"backoffBase"`
	BackoffCap    time.Duration `yaml:"backoffCap"`
	Parallelism   int           `yaml:"parallelism"`
	QueueCapacity int           `yaml:"queueCapacity"`
}

// UploadConfig bounds the two-phase upload flow.
type UploadConfig struct {
	MaxFileMB int           `yaml:"maxFileMb"`
	TTL       time.Duration `yaml:"ttl"`
}

// StorageConfig configures object storage for uploads.
type StorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
}

// PostgresConfig contains DSN and pooling settings.
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"maxConns"`
	MinConns int32  `yaml:"minConns"`
}

// ValkeyConfig contains connection information for the queue and KV overrides.
type ValkeyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads configuration from a YAML file and environment variables.
func Load() (*Config, error) {
	cfg := defaultConfig()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := hydrateFromFile(cfg, path); err != nil {
			return nil, err
		}
	} else if _, err := os.Stat("configs/config.yaml"); err == nil {
		if err := hydrateFromFile(cfg, "configs/config.yaml"); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // streaming endpoints manage their own deadlines
			RateLimits: RateLimitConfig{
				Enabled:  true,
				Standard: 100,
				Chat:     20,
				Upload:   10,
				Admin:    50,
			},
		},
		Auth: AuthConfig{
			AccessTokenTTL:   time.Hour,
			RefreshTokenTTL:  30 * 24 * time.Hour,
			MaxLoginFailures: 5,
			LockoutDuration:  15 * time.Minute,
			TokenCacheTTL:    60 * time.Second,
		},
		Model: ModelConfig{
			BaseURL:        "https://api.openai.com/v1",
			DefaultName:    "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
			EmbeddingDim:   1536,
			ContextWindow:  128000,
			Temperature:    0.2,
			IdleTimeout:    120 * time.Second,
		},
		Retrieval: RetrievalConfig{
			DefaultK:                 5,
			MaxK:                     50,
			SimilarityThreshold:      0.0,
			ReservedCompletionTokens: 1024,
		},
		Chunking: ChunkingConfig{
			TargetChars:  1000,
			OverlapChars: 200,
			MinChars:     50,
		},
		Ingest: IngestConfig{
			MaxRetries:    5,
			BackoffBase:   time.Second,
			BackoffCap:    30 * time.Second,
			Parallelism:   2,
			QueueCapacity: 1024,
		},
		Upload: UploadConfig{
			MaxFileMB: 32,
			TTL:       24 * time.Hour,
		},
	}
}

func hydrateFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	setString(&cfg.HTTP.Address, "HTTP_ADDRESS")
	setDuration(&cfg.HTTP.ReadTimeout, "HTTP_READ_TIMEOUT")
	setDuration(&cfg.HTTP.WriteTimeout, "HTTP_WRITE_TIMEOUT")
	if v := os.Getenv("HTTP_ALLOWED_ORIGINS"); v != "" {
		cfg.HTTP.AllowedOrigins = splitAndTrim(v)
	}
	setInt(&cfg.HTTP.RateLimits.Standard, "RATE_LIMIT_STANDARD")
	setInt(&cfg.HTTP.RateLimits.Chat, "RATE_LIMIT_CHAT")
	setInt(&cfg.HTTP.RateLimits.Upload, "RATE_LIMIT_UPLOAD")
	setInt(&cfg.HTTP.RateLimits.Admin, "RATE_LIMIT_ADMIN")

	setString(&cfg.Auth.JWTSecret, "AUTH_JWT_SECRET")
	setDuration(&cfg.Auth.AccessTokenTTL, "AUTH_ACCESS_TOKEN_TTL")
	setDuration(&cfg.Auth.RefreshTokenTTL, "AUTH_REFRESH_TOKEN_TTL")
	setString(&cfg.Auth.OIDC.IssuerURL, "AUTH_OIDC_ISSUER_URL")
	setString(&cfg.Auth.OIDC.ClientID, "AUTH_OIDC_CLIENT_ID")
	setString(&cfg.Auth.OIDC.ClientSecret, "AUTH_OIDC_CLIENT_SECRET")
	setString(&cfg.Auth.OIDC.RedirectURL, "AUTH_OIDC_REDIRECT_URL")

	setString(&cfg.Model.APIKey, "LLM_API_KEY")
	setString(&cfg.Model.BaseURL, "LLM_BASE_URL")
	setString(&cfg.Model.DefaultName, "LLM_MODEL")
	setString(&cfg.Model.EmbeddingModel, "LLM_EMBEDDING_MODEL")
	setInt(&cfg.Model.EmbeddingDim, "LLM_EMBEDDING_DIM")
	setInt(&cfg.Model.ContextWindow, "LLM_CONTEXT_WINDOW")

	setInt(&cfg.Retrieval.DefaultK, "RETRIEVAL_DEFAULT_K")
	setInt(&cfg.Chunking.TargetChars, "CHUNKING_TARGET_CHARS")
	setInt(&cfg.Chunking.OverlapChars, "CHUNKING_OVERLAP_CHARS")
	setInt(&cfg.Ingest.MaxRetries, "INGEST_MAX_RETRIES")
	setDuration(&cfg.Ingest.BackoffBase, "INGEST_BACKOFF_BASE")
	setInt(&cfg.Ingest.Parallelism, "INGEST_PARALLELISM")
	setInt(&cfg.Upload.MaxFileMB, "UPLOAD_MAX_FILE_MB")
	setDuration(&cfg.Upload.TTL, "UPLOAD_TTL")

	setString(&cfg.Storage.Endpoint, "STORAGE_ENDPOINT")
	setString(&cfg.Storage.AccessKey, "STORAGE_ACCESS_KEY")
	setString(&cfg.Storage.SecretKey, "STORAGE_SECRET_KEY")
	setString(&cfg.Storage.Bucket, "STORAGE_BUCKET")
	setString(&cfg.Storage.Region, "STORAGE_REGION")

	setString(&cfg.Postgres.DSN, "POSTGRES_DSN")
	setString(&cfg.Valkey.Addr, "VALKEY_ADDR")
	if v := os.Getenv("VALKEY_ENABLED"); v != "" {
		cfg.Valkey.Enabled = v == "true" || v == "1"
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.HTTP.Address == "" {
		return errors.New("http.address cannot be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 || c.Auth.RefreshTokenTTL <= 0 {
		return errors.New("auth token TTLs must be positive")
	}
	if c.Auth.TokenCacheTTL > 60*time.Second {
		return errors.New("auth.tokenCacheTtl must not exceed 60s")
	}
	if c.Chunking.TargetChars <= 0 {
		return errors.New("chunking.targetChars must be positive")
	}
	if c.Chunking.OverlapChars < 0 || c.Chunking.OverlapChars >= c.Chunking.TargetChars {
		return errors.New("chunking.overlapChars must be within [0, targetChars)")
	}
	if c.Ingest.QueueCapacity <= 0 {
		return errors.New("ingest.queueCapacity must be positive")
	}
	if c.Retrieval.MaxK <= 0 {
		return errors.New("retrieval.maxK must be positive")
	}
	return nil
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func setDuration(dst *time.Duration, env string) {
	if v := os.Getenv(env); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			*dst = parsed
		}
	}
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
