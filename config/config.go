// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the process configuration. The config
// is constructed once at startup and passed down explicitly; nothing in the
// core reads it from ambient global state.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"axonflow/agentcore/shared/fault"
)

// Config is the full process configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Models    ModelsConfig    `yaml:"models"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Memory    MemoryConfig    `yaml:"memory"`
	Budget    BudgetConfig    `yaml:"budget"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Workers   WorkersConfig   `yaml:"workers"`
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`
	RequestDeadline time.Duration `yaml:"request_deadline"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// DatabaseConfig configures the Postgres connection.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig configures the Redis connection used for rate limiting.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig configures bearer-token verification.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// ModelEndpoint describes one inference endpoint.
type ModelEndpoint struct {
	Provider string `yaml:"provider"` // anthropic, bedrock, ollama, mock
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
	Region   string `yaml:"region"`
}

// ModelsConfig maps tiers to endpoints.
type ModelsConfig struct {
	Light     ModelEndpoint `yaml:"light"`
	Standard  ModelEndpoint `yaml:"standard"`
	Heavy     ModelEndpoint `yaml:"heavy"`
	Embedding ModelEndpoint `yaml:"embedding"`

	// EmbeddingDimensions must match the embedding endpoint output width.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`

	// EscalationConfidence is the specialist confidence below which the
	// router escalates one tier.
	EscalationConfidence float64 `yaml:"escalation_confidence"`
}

// RetrievalConfig tunes the hybrid search engine.
type RetrievalConfig struct {
	VectorTopK     int     `yaml:"vector_top_k"`
	RerankTopN     int     `yaml:"rerank_top_n"`
	FinalK         int     `yaml:"final_k"`
	SemanticWeight float64 `yaml:"hybrid_semantic_weight"`
	LexicalWeight  float64 `yaml:"hybrid_lexical_weight"`
	RRFSmoothing   int     `yaml:"rrf_smoothing"`
	FeedbackGain   float64 `yaml:"feedback_gain"`
}

// MemoryConfig tunes the memory service.
type MemoryConfig struct {
	RecallTopK     int           `yaml:"recall_top_k"`
	DecayAfter     time.Duration `yaml:"decay_after"`
	DecayFactor    float64       `yaml:"decay_factor"`
	KAnonymity     int           `yaml:"k_anonymity"`
	SharingEnabled bool          `yaml:"sharing_enabled"`
}

// BudgetConfig sets per-tenant token budget defaults.
type BudgetConfig struct {
	TokenBudgetDaily   int64 `yaml:"token_budget_daily"`
	TokenBudgetMonthly int64 `yaml:"token_budget_monthly"`
}

// PipelineConfig tunes the reasoning pipeline.
type PipelineConfig struct {
	// HistoryTokens bounds the message history loaded in the observe phase.
	HistoryTokens int `yaml:"history_tokens"`

	// GoalLimit bounds the active goals attached to an observation.
	GoalLimit int `yaml:"goal_limit"`
}

// ApprovalConfig tunes the write gateway.
type ApprovalConfig struct {
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	AutoApproveLow  bool          `yaml:"auto_approve_low"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// WorkersConfig tunes the background worker pool.
type WorkersConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	QueueSize       int           `yaml:"queue_size"`
	ChunkSizeTokens int           `yaml:"chunk_size_tokens"`
	ChunkOverlap    int           `yaml:"chunk_overlap_tokens"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`
	DecayInterval   time.Duration `yaml:"decay_interval"`
}

// CacheConfig tunes the connector proxy cache.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// RateLimitConfig tunes per-principal rate limiting.
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"`
}

// Default returns the configuration defaults applied before file and
// environment overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownGrace:   20 * time.Second,
			RequestDeadline: 60 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Models: ModelsConfig{
			EmbeddingDimensions:  768,
			EscalationConfidence: 0.4,
		},
		Retrieval: RetrievalConfig{
			VectorTopK:     10,
			RerankTopN:     20,
			FinalK:         5,
			SemanticWeight: 0.5,
			LexicalWeight:  0.5,
			RRFSmoothing:   60,
			FeedbackGain:   0.05,
		},
		Memory: MemoryConfig{
			RecallTopK:  5,
			DecayAfter:  14 * 24 * time.Hour,
			DecayFactor: 0.9,
			KAnonymity:  3,
		},
		Budget: BudgetConfig{
			TokenBudgetDaily:   1_000_000,
			TokenBudgetMonthly: 20_000_000,
		},
		Pipeline: PipelineConfig{
			HistoryTokens: 4000,
			GoalLimit:     5,
		},
		Approval: ApprovalConfig{
			DefaultTimeout: 24 * time.Hour,
			SweepInterval:  time.Minute,
		},
		Workers: WorkersConfig{
			Concurrency:     4,
			QueueSize:       256,
			ChunkSizeTokens: 512,
			ChunkOverlap:    64,
			MetricsInterval: 30 * time.Second,
			DecayInterval:   time.Hour,
		},
		Cache: CacheConfig{
			TTL:        5 * time.Minute,
			MaxEntries: 1024,
		},
		RateLimit: RateLimitConfig{
			PerMinute: 120,
		},
	}
}

// Load reads the YAML file at path (optional), applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fault.Wrap(fault.KindValidation, "config_unreadable", "cannot read config file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fault.Wrap(fault.KindValidation, "config_malformed", "cannot parse config file", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides selected fields from the environment. Secrets are
// expected through the environment in container deployments.
func applyEnv(cfg *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		if cfg.Models.Heavy.APIKey == "" {
			cfg.Models.Heavy.APIKey = v
		}
		if cfg.Models.Standard.APIKey == "" {
			cfg.Models.Standard.APIKey = v
		}
		if cfg.Models.Light.APIKey == "" {
			cfg.Models.Light.APIKey = v
		}
	}
	if v := os.Getenv("EMBEDDING_DIMENSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Models.EmbeddingDimensions = n
		}
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers.Concurrency = n
		}
	}
}

// Validate enforces the recognized option ranges.
func (c *Config) Validate() error {
	if c.Models.EmbeddingDimensions <= 0 {
		return fault.Validation("embedding_dimensions_invalid", "embedding_dimensions", "must be positive")
	}
	if c.Workers.ChunkSizeTokens < 64 || c.Workers.ChunkSizeTokens > 2048 {
		return fault.Validation("chunk_size_out_of_range", "chunk_size_tokens", "must be in [64, 2048]")
	}
	if c.Workers.ChunkOverlap < 0 || c.Workers.ChunkOverlap > 256 {
		return fault.Validation("chunk_overlap_out_of_range", "chunk_overlap_tokens", "must be in [0, 256]")
	}
	if c.Workers.ChunkOverlap >= c.Workers.ChunkSizeTokens {
		return fault.Validation("chunk_overlap_too_large", "chunk_overlap_tokens", "must be smaller than chunk_size_tokens")
	}
	if c.Retrieval.VectorTopK < 0 || c.Retrieval.VectorTopK > 20 {
		return fault.Validation("vector_top_k_out_of_range", "vector_top_k", "must be in [0, 20]")
	}
	if c.Retrieval.SemanticWeight < 0 || c.Retrieval.SemanticWeight > 1 {
		return fault.Validation("semantic_weight_out_of_range", "hybrid_semantic_weight", "must be in [0, 1]")
	}
	if c.Retrieval.LexicalWeight < 0 || c.Retrieval.LexicalWeight > 1 {
		return fault.Validation("lexical_weight_out_of_range", "hybrid_lexical_weight", "must be in [0, 1]")
	}
	if c.Workers.Concurrency < 1 || c.Workers.Concurrency > 32 {
		return fault.Validation("worker_concurrency_out_of_range", "background_worker_concurrency", "must be in [1, 32]")
	}
	if c.Memory.RecallTopK < 0 || c.Memory.RecallTopK > 20 {
		return fault.Validation("recall_top_k_out_of_range", "recall_top_k", "must be in [0, 20]")
	}
	if c.Memory.KAnonymity < 1 {
		return fault.Validation("k_anonymity_invalid", "k_anonymity", "must be at least 1")
	}
	if c.RateLimit.PerMinute < 0 {
		return fault.Validation("rate_limit_negative", "rate_limit_per_minute", "must be non-negative")
	}
	return nil
}
