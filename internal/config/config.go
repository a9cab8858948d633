package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Discogs   DiscogsConfig
	Analysis  AnalysisConfig
	R2        R2Config
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type RateLimitConfig struct {
	AnalyzePerHour int
}

// DiscogsConfig drives the rate-limited API client. Token is the shared
// fallback personal access token; per-request tokens override it.
type DiscogsConfig struct {
	BaseURL          string
	Token            string
	UserAgent        string
	RequestDelay     time.Duration
	ThrottleCooldown time.Duration
	MaxRetries       int
}

// AnalysisConfig drives the pipeline itself.
type AnalysisConfig struct {
	PageSize         int
	ProgressInterval int // persist item progress every N items
	JobRetention     time.Duration
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("DISCOGS_TOKEN")
	readSecret("JWT_SECRET")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("ratelimit.analyze_per_hour", "RATELIMIT_ANALYZE_PER_HOUR")
	_ = viper.BindEnv("discogs.base_url", "DISCOGS_BASE_URL")
	_ = viper.BindEnv("discogs.token", "DISCOGS_TOKEN")
	_ = viper.BindEnv("discogs.user_agent", "DISCOGS_USER_AGENT")
	_ = viper.BindEnv("discogs.request_delay_ms", "DISCOGS_REQUEST_DELAY_MS")
	_ = viper.BindEnv("discogs.throttle_cooldown_s", "DISCOGS_THROTTLE_COOLDOWN_S")
	_ = viper.BindEnv("discogs.max_retries", "DISCOGS_MAX_RETRIES")
	_ = viper.BindEnv("analysis.page_size", "ANALYSIS_PAGE_SIZE")
	_ = viper.BindEnv("analysis.progress_interval", "ANALYSIS_PROGRESS_INTERVAL")
	_ = viper.BindEnv("analysis.job_retention_h", "ANALYSIS_JOB_RETENTION_H")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "")
	viper.SetDefault("ratelimit.analyze_per_hour", 10)

	// Discogs asks for ~1 req/s with personal tokens; 1.5s spacing plus a
	// 60s lockout on 429 keeps well inside that.
	viper.SetDefault("discogs.base_url", "https://api.discogs.com")
	viper.SetDefault("discogs.user_agent", "VinylAtlas/1.0 +https://vinylatlas.example")
	viper.SetDefault("discogs.request_delay_ms", 1500)
	viper.SetDefault("discogs.throttle_cooldown_s", 60)
	viper.SetDefault("discogs.max_retries", 3)

	viper.SetDefault("analysis.page_size", 50)
	viper.SetDefault("analysis.progress_interval", 5)
	viper.SetDefault("analysis.job_retention_h", 24)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     viper.GetString("server.port"),
			Env:      viper.GetString("server.env"),
			LogLevel: viper.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: viper.GetString("jwt.secret"),
		},
		RateLimit: RateLimitConfig{
			AnalyzePerHour: viper.GetInt("ratelimit.analyze_per_hour"),
		},
		Discogs: DiscogsConfig{
			BaseURL:          viper.GetString("discogs.base_url"),
			Token:            viper.GetString("discogs.token"),
			UserAgent:        viper.GetString("discogs.user_agent"),
			RequestDelay:     time.Duration(viper.GetInt("discogs.request_delay_ms")) * time.Millisecond,
			ThrottleCooldown: time.Duration(viper.GetInt("discogs.throttle_cooldown_s")) * time.Second,
			MaxRetries:       viper.GetInt("discogs.max_retries"),
		},
		Analysis: AnalysisConfig{
			PageSize:         viper.GetInt("analysis.page_size"),
			ProgressInterval: viper.GetInt("analysis.progress_interval"),
			JobRetention:     time.Duration(viper.GetInt("analysis.job_retention_h")) * time.Hour,
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
	}

	return cfg, nil
}
