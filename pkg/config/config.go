package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Storage     StorageConfig     `json:"storage"`
	Extraction  ExtractionConfig  `json:"extraction"`
	Retrieval   RetrievalConfig   `json:"retrieval"`
	Embedding   EmbeddingConfig   `json:"embedding"`
	Responder   ResponderConfig   `json:"responder"`
	Gateway     GatewayConfig     `json:"gateway"`
	Channels    ChannelsConfig    `json:"channels"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Logging     LoggingConfig     `json:"logging"`
	mu          sync.RWMutex
}

type StorageConfig struct {
	DBPath       string `json:"db_path" env:"DOTMEMORY_STORAGE_DB_PATH"`
	IndexDir     string `json:"index_dir" env:"DOTMEMORY_STORAGE_INDEX_DIR"`
	IndexEnabled bool   `json:"index_enabled" env:"DOTMEMORY_STORAGE_INDEX_ENABLED"`
	IndexTimeout int    `json:"index_timeout_ms" env:"DOTMEMORY_STORAGE_INDEX_TIMEOUT_MS"`
}

type ExtractionConfig struct {
	MinConfidence       float64 `json:"min_confidence" env:"DOTMEMORY_EXTRACTION_MIN_CONFIDENCE"`
	DuplicateSimilarity float64 `json:"duplicate_similarity" env:"DOTMEMORY_EXTRACTION_DUPLICATE_SIMILARITY"`
}

type WeightsConfig struct {
	Recency    float64 `json:"recency" env:"DOTMEMORY_RETRIEVAL_WEIGHTS_RECENCY"`
	Confidence float64 `json:"confidence" env:"DOTMEMORY_RETRIEVAL_WEIGHTS_CONFIDENCE"`
	Access     float64 `json:"access" env:"DOTMEMORY_RETRIEVAL_WEIGHTS_ACCESS"`
	Similarity float64 `json:"similarity" env:"DOTMEMORY_RETRIEVAL_WEIGHTS_SIMILARITY"`
}

type RetrievalConfig struct {
	Weights            WeightsConfig `json:"weights"`
	MaxMemories        int           `json:"max_memories" env:"DOTMEMORY_RETRIEVAL_MAX_MEMORIES"`
	TypeCap            int           `json:"type_cap" env:"DOTMEMORY_RETRIEVAL_TYPE_CAP"`
	HalfLifeTurns      float64       `json:"half_life_turns" env:"DOTMEMORY_RETRIEVAL_HALF_LIFE_TURNS"`
	RecencyFloor       float64       `json:"recency_floor" env:"DOTMEMORY_RETRIEVAL_RECENCY_FLOOR"`
	AccessSaturation   int           `json:"access_saturation" env:"DOTMEMORY_RETRIEVAL_ACCESS_SATURATION"`
	NeutralSimilarity  float64       `json:"neutral_similarity" env:"DOTMEMORY_RETRIEVAL_NEUTRAL_SIMILARITY"`
	FullScanLimit      int           `json:"full_scan_limit" env:"DOTMEMORY_RETRIEVAL_FULL_SCAN_LIMIT"`
	CandidateLimit     int           `json:"candidate_limit" env:"DOTMEMORY_RETRIEVAL_CANDIDATE_LIMIT"`
	RecentWindow       int           `json:"recent_window" env:"DOTMEMORY_RETRIEVAL_RECENT_WINDOW"`
	CriticalConfidence float64       `json:"critical_confidence" env:"DOTMEMORY_RETRIEVAL_CRITICAL_CONFIDENCE"`
	MinScore           float64       `json:"min_score" env:"DOTMEMORY_RETRIEVAL_MIN_SCORE"`
}

type EmbeddingConfig struct {
	Provider   string `json:"provider" env:"DOTMEMORY_EMBEDDING_PROVIDER"` // chargram | hash | openai | ollama | none
	Model      string `json:"model" env:"DOTMEMORY_EMBEDDING_MODEL"`
	Dimensions int    `json:"dimensions" env:"DOTMEMORY_EMBEDDING_DIMENSIONS"`
	APIKey     string `json:"api_key" env:"DOTMEMORY_EMBEDDING_API_KEY"`
	APIBase    string `json:"api_base" env:"DOTMEMORY_EMBEDDING_API_BASE"`
	TimeoutMS  int    `json:"timeout_ms" env:"DOTMEMORY_EMBEDDING_TIMEOUT_MS"`
	CacheSize  int64  `json:"cache_size" env:"DOTMEMORY_EMBEDDING_CACHE_SIZE"`
}

type ResponderConfig struct {
	Provider  string `json:"provider" env:"DOTMEMORY_RESPONDER_PROVIDER"` // template | openai | anthropic
	Model     string `json:"model" env:"DOTMEMORY_RESPONDER_MODEL"`
	APIKey    string `json:"api_key" env:"DOTMEMORY_RESPONDER_API_KEY"`
	APIBase   string `json:"api_base" env:"DOTMEMORY_RESPONDER_API_BASE"`
	Proxy     string `json:"proxy,omitempty" env:"DOTMEMORY_RESPONDER_PROXY"`
	MaxTokens int    `json:"max_tokens" env:"DOTMEMORY_RESPONDER_MAX_TOKENS"`
	TimeoutMS int    `json:"timeout_ms" env:"DOTMEMORY_RESPONDER_TIMEOUT_MS"`
}

type GatewayConfig struct {
	Host string `json:"host" env:"DOTMEMORY_GATEWAY_HOST"`
	Port int    `json:"port" env:"DOTMEMORY_GATEWAY_PORT"`
}

type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord"`
}

type DiscordConfig struct {
	Enabled   bool                `json:"enabled" env:"DOTMEMORY_CHANNELS_DISCORD_ENABLED"`
	Token     string              `json:"token" env:"DOTMEMORY_CHANNELS_DISCORD_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"DOTMEMORY_CHANNELS_DISCORD_ALLOW_FROM"`
}

type MaintenanceConfig struct {
	Enabled  bool   `json:"enabled" env:"DOTMEMORY_MAINTENANCE_ENABLED"`
	Schedule string `json:"schedule" env:"DOTMEMORY_MAINTENANCE_SCHEDULE"`
}

type LoggingConfig struct {
	Level string `json:"level" env:"DOTMEMORY_LOGGING_LEVEL"`
	JSON  bool   `json:"json" env:"DOTMEMORY_LOGGING_JSON"`
}

func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DBPath:       "~/.dotmemory/memory.db",
			IndexDir:     "~/.dotmemory/index",
			IndexEnabled: true,
			IndexTimeout: 250,
		},
		Extraction: ExtractionConfig{
			MinConfidence:       0.6,
			DuplicateSimilarity: 0.92,
		},
		Retrieval: RetrievalConfig{
			Weights: WeightsConfig{
				Recency:    0.3,
				Confidence: 0.4,
				Access:     0.2,
				Similarity: 0.1,
			},
			MaxMemories:        5,
			TypeCap:            2,
			HalfLifeTurns:      60,
			RecencyFloor:       0.05,
			AccessSaturation:   5,
			NeutralSimilarity:  0.5,
			FullScanLimit:      500,
			CandidateLimit:     100,
			RecentWindow:       50,
			CriticalConfidence: 0.85,
		},
		Embedding: EmbeddingConfig{
			Provider:   "chargram",
			Dimensions: 384,
			TimeoutMS:  750,
			CacheSize:  4096,
		},
		Responder: ResponderConfig{
			Provider:  "template",
			MaxTokens: 1024,
			TimeoutMS: 60000,
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				AllowFrom: FlexibleStringSlice{},
			},
		},
		Maintenance: MaintenanceConfig{
			Enabled:  true,
			Schedule: "*/30 * * * *",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads the JSON file at path over the defaults and then applies
// DOTMEMORY_* environment overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate reports every setting that would make the pipeline misbehave.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	w := c.Retrieval.Weights
	if w.Recency < 0 || w.Confidence < 0 || w.Access < 0 || w.Similarity < 0 {
		errs = append(errs, errors.New("retrieval.weights must be non-negative"))
	}
	if sum := w.Recency + w.Confidence + w.Access + w.Similarity; math.Abs(sum-1) > 1e-6 {
		errs = append(errs, fmt.Errorf("retrieval.weights must sum to 1, got %.4f", sum))
	}
	if c.Retrieval.TypeCap < 1 {
		errs = append(errs, errors.New("retrieval.type_cap must be at least 1"))
	}
	if c.Retrieval.MaxMemories < 1 {
		errs = append(errs, errors.New("retrieval.max_memories must be at least 1"))
	}
	if c.Retrieval.RecencyFloor < 0 || c.Retrieval.RecencyFloor >= 1 {
		errs = append(errs, errors.New("retrieval.recency_floor must be in [0, 1)"))
	}
	if c.Retrieval.CriticalConfidence < 0 || c.Retrieval.CriticalConfidence > 1 {
		errs = append(errs, errors.New("retrieval.critical_confidence must be in [0, 1]"))
	}
	if c.Extraction.MinConfidence < 0 || c.Extraction.MinConfidence > 1 {
		errs = append(errs, errors.New("extraction.min_confidence must be in [0, 1]"))
	}
	if c.Extraction.DuplicateSimilarity <= 0 || c.Extraction.DuplicateSimilarity > 1 {
		errs = append(errs, errors.New("extraction.duplicate_similarity must be in (0, 1]"))
	}
	if c.Embedding.TimeoutMS <= 0 {
		errs = append(errs, errors.New("embedding.timeout_ms must be positive"))
	}
	if c.Responder.TimeoutMS <= 0 {
		errs = append(errs, errors.New("responder.timeout_ms must be positive"))
	}
	if c.Storage.IndexTimeout <= 0 {
		errs = append(errs, errors.New("storage.index_timeout_ms must be positive"))
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port %d out of range", c.Gateway.Port))
	}
	if c.Maintenance.Enabled && !gronx.New().IsValid(c.Maintenance.Schedule) {
		errs = append(errs, fmt.Errorf("maintenance.schedule %q is not a valid cron expression", c.Maintenance.Schedule))
	}
	if c.Channels.Discord.Enabled && strings.TrimSpace(c.Channels.Discord.Token) == "" {
		errs = append(errs, errors.New("channels.discord.token is required when discord is enabled"))
	}
	return errors.Join(errs...)
}

func (c *Config) DBPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Storage.DBPath)
}

func (c *Config) IndexDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Storage.IndexDir)
}

func (c *Config) GatewayAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port)
}

func (c *Config) EmbeddingTimeout() time.Duration {
	return time.Duration(c.Embedding.TimeoutMS) * time.Millisecond
}

func (c *Config) ResponderTimeout() time.Duration {
	return time.Duration(c.Responder.TimeoutMS) * time.Millisecond
}

func (c *Config) IndexTimeout() time.Duration {
	return time.Duration(c.Storage.IndexTimeout) * time.Millisecond
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
