package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPPort       string
	LogMode        string
	LogLevel       string
	LogRedact      bool
	LogHashSalt    string
	CORSOrigins    []string
	MaxUploadBytes int64

	DatabaseDriver string
	DatabaseURL    string

	ModelBackend    string // "gemini" or "vertex"
	GeminiAPIKey    string
	GCPProject      string
	GCPLocation     string
	ChatModel       string
	ChatFallback    string // optional second model tried once after retries
	EmbeddingModel  string
	ModelTimeout    time.Duration
	ModelMaxRetries int

	BingAPIKey    string
	BingEndpoint  string
	SearchTimeout time.Duration
	SearchResults int

	AuthMode         string // "oidc" or "hmac"
	JWTSecret        string
	OIDCDiscoveryURL string
	OIDCIssuer       string
	OIDCAudience     string
	JWKSTimeout      time.Duration

	VectorBackend    string // "memory" or "qdrant"
	QdrantHost       string
	QdrantPort       int
	QdrantCollection string
	EmbeddingDim     int

	RedisAddr string

	PricePer1KTokens float64
	RetrievalTopK    int
	ChunkSize        int
	ChunkOverlap     int
	HistoryLimit     int
	RecencyKeywords  []string
	SessionIdleTTL   time.Duration
	GroupRosterFile  string
}

var AppConfig Config

func LoadConfig() {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	AppConfig = FromEnv()
	if err := AppConfig.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
}

// FromEnv reads the configuration from the process environment without
// validating it.
func FromEnv() Config {
	return Config{
		HTTPPort:       getEnv("HTTP_PORT", "8000"),
		LogMode:        getEnv("LOG_MODE", "dev"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogRedact:      getEnvAsBool("LOG_REDACTION_ENABLED", true),
		LogHashSalt:    getEnv("LOG_HASH_SALT", ""),
		CORSOrigins:    getEnvAsList("CORS_ORIGINS", []string{"http://localhost:3000"}),
		MaxUploadBytes: int64(getEnvAsInt("MAX_UPLOAD_BYTES", 25<<20)),

		DatabaseDriver: getEnv("DATABASE_DRIVER", "sqlite3"),
		DatabaseURL:    getEnv("DATABASE_URL", "ragchat.db"),

		ModelBackend:    strings.ToLower(getEnv("MODEL_BACKEND", "gemini")),
		GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),
		GCPProject:      getEnv("GOOGLE_CLOUD_PROJECT", ""),
		GCPLocation:     getEnv("GOOGLE_CLOUD_LOCATION", "us-central1"),
		ChatModel:       getEnv("CHAT_MODEL", "gemini-1.5-flash-latest"),
		ChatFallback:    getEnv("CHAT_FALLBACK_MODEL", ""),
		EmbeddingModel:  getEnv("EMBEDDING_MODEL", "text-embedding-004"),
		ModelTimeout:    getEnvAsDuration("MODEL_TIMEOUT", 60*time.Second),
		ModelMaxRetries: getEnvAsInt("MODEL_MAX_RETRIES", 2),

		BingAPIKey:    getEnv("BING_SEARCH_API_KEY", ""),
		BingEndpoint:  getEnv("BING_SEARCH_ENDPOINT", "https://api.bing.microsoft.com/v7.0/search"),
		SearchTimeout: getEnvAsDuration("SEARCH_TIMEOUT", 15*time.Second),
		SearchResults: getEnvAsInt("SEARCH_RESULTS", 3),

		AuthMode:         strings.ToLower(getEnv("AUTH_MODE", "oidc")),
		JWTSecret:        getEnv("JWT_SECRET", ""),
		OIDCDiscoveryURL: getEnv("OIDC_DISCOVERY_URL", ""),
		OIDCIssuer:       getEnv("OIDC_ISSUER", ""),
		OIDCAudience:     getEnv("OIDC_AUDIENCE", ""),
		JWKSTimeout:      getEnvAsDuration("JWKS_TIMEOUT", 10*time.Second),

		VectorBackend:    strings.ToLower(getEnv("VECTOR_BACKEND", "memory")),
		QdrantHost:       getEnv("QDRANT_HOST", "localhost"),
		QdrantPort:       getEnvAsInt("QDRANT_PORT", 6334),
		QdrantCollection: getEnv("QDRANT_COLLECTION", "session_chunks"),
		EmbeddingDim:     getEnvAsInt("EMBEDDING_DIM", 768),

		RedisAddr: getEnv("REDIS_ADDR", ""),

		PricePer1KTokens: getEnvAsFloat("PRICE_PER_1K_TOKENS", 0.06),
		RetrievalTopK:    getEnvAsInt("RETRIEVAL_TOP_K", 20),
		ChunkSize:        getEnvAsInt("CHUNK_SIZE", 2000),
		ChunkOverlap:     getEnvAsInt("CHUNK_OVERLAP", 500),
		HistoryLimit:     getEnvAsInt("HISTORY_LIMIT", 15),
		RecencyKeywords:  getEnvAsList("RECENCY_KEYWORDS", []string{"latest", "current", "new"}),
		SessionIdleTTL:   getEnvAsDuration("SESSION_IDLE_TTL", 0),
		GroupRosterFile:  getEnv("GROUP_ROSTER_FILE", ""),
	}
}

func (c Config) Validate() error {
	switch c.ModelBackend {
	case "gemini":
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY environment variable is required")
		}
	case "vertex":
		if c.GCPProject == "" {
			return fmt.Errorf("GOOGLE_CLOUD_PROJECT environment variable is required")
		}
	default:
		return fmt.Errorf("unknown MODEL_BACKEND %q", c.ModelBackend)
	}

	switch c.AuthMode {
	case "hmac":
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET environment variable is required")
		}
	case "oidc":
		if c.OIDCDiscoveryURL == "" || c.OIDCAudience == "" {
			return fmt.Errorf("OIDC_DISCOVERY_URL and OIDC_AUDIENCE are required")
		}
	default:
		return fmt.Errorf("unknown AUTH_MODE %q", c.AuthMode)
	}

	switch c.DatabaseDriver {
	case "sqlite3", "mysql":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}

	switch c.VectorBackend {
	case "memory", "qdrant":
	default:
		return fmt.Errorf("unknown VECTOR_BACKEND %q", c.VectorBackend)
	}

	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("CHUNK_OVERLAP (%d) must be smaller than CHUNK_SIZE (%d)", c.ChunkOverlap, c.ChunkSize)
	}
	if c.PricePer1KTokens < 0 {
		return fmt.Errorf("PRICE_PER_1K_TOKENS must not be negative")
	}
	return nil
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(strings.TrimSpace(valueStr)); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(strings.TrimSpace(valueStr), 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	switch strings.ToLower(strings.TrimSpace(getEnv(key, ""))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := strings.TrimSpace(getEnv(key, ""))
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	// bare integers are seconds
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if strings.TrimSpace(valueStr) == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
