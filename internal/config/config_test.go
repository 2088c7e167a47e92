package config

import (
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("PRICE_PER_1K_TOKENS", "")
	t.Setenv("RECENCY_KEYWORDS", "")
	t.Setenv("SESSION_IDLE_TTL", "")

	cfg := FromEnv()
	if cfg.PricePer1KTokens != 0.06 {
		t.Fatalf("price: want=0.06 got=%v", cfg.PricePer1KTokens)
	}
	if cfg.RetrievalTopK != 20 {
		t.Fatalf("top k: want=20 got=%d", cfg.RetrievalTopK)
	}
	if len(cfg.RecencyKeywords) != 3 || cfg.RecencyKeywords[0] != "latest" {
		t.Fatalf("keywords: got=%v", cfg.RecencyKeywords)
	}
	if cfg.SessionIdleTTL != 0 {
		t.Fatalf("idle ttl: want=0 got=%v", cfg.SessionIdleTTL)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("RECENCY_KEYWORDS", "today, breaking ,")
	t.Setenv("MODEL_TIMEOUT", "45")
	t.Setenv("SESSION_IDLE_TTL", "2h")

	cfg := FromEnv()
	if len(cfg.RecencyKeywords) != 2 || cfg.RecencyKeywords[1] != "breaking" {
		t.Fatalf("keywords: got=%q", cfg.RecencyKeywords)
	}
	if cfg.ModelTimeout != 45*time.Second {
		t.Fatalf("model timeout: want=45s got=%v", cfg.ModelTimeout)
	}
	if cfg.SessionIdleTTL != 2*time.Hour {
		t.Fatalf("idle ttl: want=2h got=%v", cfg.SessionIdleTTL)
	}
}

func TestValidate(t *testing.T) {
	base := Config{
		ModelBackend:   "gemini",
		GeminiAPIKey:   "k",
		AuthMode:       "hmac",
		JWTSecret:      "s",
		DatabaseDriver: "sqlite3",
		VectorBackend:  "memory",
		ChunkSize:      2000,
		ChunkOverlap:   500,
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	cases := map[string]func(c *Config){
		"missing api key":   func(c *Config) { c.GeminiAPIKey = "" },
		"unknown backend":   func(c *Config) { c.ModelBackend = "other" },
		"missing secret":    func(c *Config) { c.JWTSecret = "" },
		"oidc without url":  func(c *Config) { c.AuthMode = "oidc" },
		"bad driver":        func(c *Config) { c.DatabaseDriver = "postgres" },
		"bad vector":        func(c *Config) { c.VectorBackend = "faiss" },
		"overlap too large": func(c *Config) { c.ChunkOverlap = 2000 },
		"negative price":    func(c *Config) { c.PricePer1KTokens = -1 },
	}
	for name, mutate := range cases {
		c := base
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestParseRoster(t *testing.T) {
	r, err := ParseRoster([]byte("groups:\n  platform:\n    - Ada Lovelace\n  data:\n    - Grace Hopper\n"))
	if err != nil {
		t.Fatalf("ParseRoster: %v", err)
	}
	if len(r.Groups["platform"]) != 1 || r.Groups["data"][0] != "Grace Hopper" {
		t.Fatalf("groups: got=%v", r.Groups)
	}

	empty, err := LoadRoster("")
	if err != nil || len(empty.Groups) != 0 {
		t.Fatalf("LoadRoster empty: got=%v err=%v", empty, err)
	}
}
