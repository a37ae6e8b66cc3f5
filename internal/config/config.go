package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/garnizeh/volunteer-match/pkg/ollama"
)

// Providers understood by oracle.provider.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Trigger modes understood by scoring.mode.
const (
	ModeInline = "inline"
	ModeQueue  = "queue"
)

const insecureJWTSecret = "supersecretkey"

type Config struct {
	Addr           string        `yaml:"addr"`
	JWTSecret      string        `yaml:"jwt_secret"`
	APITimeout     time.Duration `yaml:"timeout"`
	DatabasePath   string        `yaml:"database_path"`
	MigrateOnStart bool          `yaml:"migrate_on_start"`
	Oracle         OracleConfig  `yaml:"oracle"`
	Ollama         ollama.Config `yaml:"ollama"`
	OpenAI         OpenAIConfig  `yaml:"openai"`
	Gemini         GeminiConfig  `yaml:"gemini"`
	Scoring        ScoringConfig `yaml:"scoring"`
	Notify         NotifyConfig  `yaml:"notify"`
	Ranking        RankingConfig `yaml:"ranking"`
}

type OracleConfig struct {
	Provider            string        `yaml:"provider"`
	Model               string        `yaml:"model"`
	Timeout             time.Duration `yaml:"timeout"`
	MaxResumeChars      int           `yaml:"max_resume_chars"`
	MaxOpportunityChars int           `yaml:"max_opportunity_chars"`
}

type OpenAIConfig struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float32 `yaml:"temperature"`
}

type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
}

type ScoringConfig struct {
	Mode        string        `yaml:"mode"`
	Concurrency int           `yaml:"concurrency"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	Workers     int           `yaml:"workers"`
}

type NotifyConfig struct {
	AMQPURL string `yaml:"amqp_url"`
	Queue   string `yaml:"queue"`
}

type RankingConfig struct {
	MatchesLimit    int `yaml:"matches_limit"`
	CandidatesLimit int `yaml:"candidates_limit"`
}

func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		Addr:           getEnv("MATCH_ADDR", ":8080"),
		JWTSecret:      getEnv("MATCH_JWT_SECRET", insecureJWTSecret),
		APITimeout:     15 * time.Second,
		DatabasePath:   getEnv("MATCH_DATABASE_PATH", "match.db"),
		MigrateOnStart: getEnvBool("MATCH_MIGRATE_ON_START", true),
		Oracle: OracleConfig{
			Provider: getEnv("MATCH_ORACLE_PROVIDER", ProviderOllama),
			Model:    getEnv("MATCH_ORACLE_MODEL", ""),
		},
		Ollama: ollama.DefaultConfig(),
		OpenAI: OpenAIConfig{
			APIKey:  getEnv("MATCH_OPENAI_API_KEY", ""),
			BaseURL: getEnv("MATCH_OPENAI_BASE_URL", ""),
		},
		Gemini: GeminiConfig{APIKey: getEnv("MATCH_GEMINI_API_KEY", "")},
		Scoring: ScoringConfig{
			Mode: getEnv("MATCH_SCORING_MODE", ModeInline),
		},
		Notify: NotifyConfig{AMQPURL: getEnv("MATCH_AMQP_URL", "")},
	}
	cfg.Ollama.BaseURL = getEnv("MATCH_OLLAMA_BASE_URL", cfg.Ollama.BaseURL)

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		if err := dec.Decode(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Validate fills defaults for unset values and rejects unusable settings.
func (c *Config) Validate() error {
	env := strings.ToLower(os.Getenv("MATCH_ENV"))
	if c.JWTSecret == "" {
		return errors.New("jwt_secret is required")
	}
	if c.JWTSecret == insecureJWTSecret && env != "development" {
		return errors.New("jwt_secret uses the built-in default; set MATCH_JWT_SECRET or run with MATCH_ENV=development")
	}
	if c.DatabasePath == "" {
		return errors.New("database_path is required")
	}
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.APITimeout <= 0 {
		c.APITimeout = 15 * time.Second
	}

	switch c.Oracle.Provider {
	case "":
		c.Oracle.Provider = ProviderOllama
	case ProviderOllama, ProviderOpenAI, ProviderGemini:
	default:
		return fmt.Errorf("oracle.provider %q is not one of ollama, openai, gemini", c.Oracle.Provider)
	}
	if c.Oracle.Model == "" {
		switch c.Oracle.Provider {
		case ProviderOpenAI:
			c.Oracle.Model = "gpt-4o-mini"
		case ProviderGemini:
			c.Oracle.Model = "gemini-2.0-flash"
		default:
			c.Oracle.Model = "llama3"
		}
	}
	if c.Oracle.Timeout <= 0 {
		c.Oracle.Timeout = 60 * time.Second
	}
	if c.Oracle.MaxResumeChars <= 0 {
		c.Oracle.MaxResumeChars = 2000
	}
	if c.Oracle.MaxOpportunityChars <= 0 {
		c.Oracle.MaxOpportunityChars = 1500
	}
	if c.Oracle.Provider == ProviderOpenAI && c.OpenAI.APIKey == "" {
		return errors.New("openai.api_key is required when oracle.provider is openai")
	}
	if c.Oracle.Provider == ProviderGemini && c.Gemini.APIKey == "" {
		return errors.New("gemini.api_key is required when oracle.provider is gemini")
	}

	def := ollama.DefaultConfig()
	if c.Ollama.BaseURL == "" {
		c.Ollama.BaseURL = def.BaseURL
	}
	if c.Ollama.Timeout <= 0 {
		c.Ollama.Timeout = def.Timeout
	}
	if c.Ollama.CircuitFailureThreshold <= 0 {
		c.Ollama.CircuitFailureThreshold = def.CircuitFailureThreshold
	}
	if c.Ollama.CircuitReset <= 0 {
		c.Ollama.CircuitReset = def.CircuitReset
	}

	if c.OpenAI.MaxTokens <= 0 {
		c.OpenAI.MaxTokens = 2100
	}
	if c.OpenAI.Temperature <= 0 {
		c.OpenAI.Temperature = 0.7
	}

	switch c.Scoring.Mode {
	case "":
		c.Scoring.Mode = ModeInline
	case ModeInline, ModeQueue:
	default:
		return fmt.Errorf("scoring.mode %q is not one of inline, queue", c.Scoring.Mode)
	}
	if c.Scoring.Concurrency <= 0 {
		c.Scoring.Concurrency = 4
	}
	if c.Scoring.MaxAttempts <= 0 {
		c.Scoring.MaxAttempts = 3
	}
	if c.Scoring.Backoff <= 0 {
		c.Scoring.Backoff = 500 * time.Millisecond
	}
	if c.Scoring.Workers <= 0 {
		c.Scoring.Workers = 2
	}

	if c.Notify.Queue == "" {
		c.Notify.Queue = "candidate_status"
	}
	if c.Ranking.MatchesLimit <= 0 {
		c.Ranking.MatchesLimit = 5
	}
	if c.Ranking.CandidatesLimit <= 0 {
		c.Ranking.CandidatesLimit = 10
	}

	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return def
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
