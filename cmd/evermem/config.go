// Copyright 2026 The EverMemOS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/zhisenyang/EverMemOS/internal/log"
	"github.com/zhisenyang/EverMemOS/pkg/llm"
	"github.com/zhisenyang/EverMemOS/pkg/llm/anthropic"
	"github.com/zhisenyang/EverMemOS/pkg/llm/bedrock"
	"github.com/zhisenyang/EverMemOS/pkg/llm/factory"
	"github.com/zhisenyang/EverMemOS/pkg/profile"
	"github.com/zhisenyang/EverMemOS/pkg/retrieval"
	"github.com/zhisenyang/EverMemOS/pkg/storage"
)

// DefaultConfigFileName is the config file looked up in the current
// directory and ~/.evermem/ (evermem.yaml).
const DefaultConfigFileName = "evermem"

// Config is the CLI configuration, assembled from flags, EVERMEM_*
// environment variables, and an optional evermem.yaml.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Storage   StorageConfig   `mapstructure:"storage"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Retention RetentionConfig `mapstructure:"retention"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
}

// LoggingConfig controls CLI logging.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `mapstructure:"level"`

	// Format is console or json.
	Format string `mapstructure:"format"`
}

// StorageConfig selects the profile store backend.
type StorageConfig struct {
	// Backend is memory, sqlite, postgres, or mysql.
	Backend string `mapstructure:"backend"`

	// DSN is the database connection string (a file path for sqlite).
	DSN string `mapstructure:"dsn"`
}

// LLMConfig selects and configures the LLM provider.
type LLMConfig struct {
	// Provider is anthropic or bedrock.
	Provider string `mapstructure:"provider"`

	// APIKey authenticates the anthropic provider. Falls back to
	// ANTHROPIC_API_KEY, then EVERMEM_LLM_API_KEY.
	APIKey string `mapstructure:"api_key"`

	// Model is the anthropic model identifier.
	Model string `mapstructure:"model"`

	// MaxTokens bounds each completion. Zero uses the provider default.
	MaxTokens int `mapstructure:"max_tokens"`

	// BedrockModelID, BedrockRegion, and BedrockProfile configure the
	// bedrock provider.
	BedrockModelID string `mapstructure:"bedrock_model_id"`
	BedrockRegion  string `mapstructure:"bedrock_region"`
	BedrockProfile string `mapstructure:"bedrock_profile"`
}

// RetrievalConfig tunes the fusion engine and the reference indices.
type RetrievalConfig struct {
	// ChannelLimit widens the per-channel candidate pull beyond TopK so
	// fusion ranks more than it keeps. Zero pulls exactly TopK.
	ChannelLimit int `mapstructure:"channel_limit"`

	// EmbeddingDims is the hashing embedder dimensionality.
	EmbeddingDims int `mapstructure:"embedding_dims"`

	// RerankEndpoint enables the cross-encoder reranker for agentic
	// search. Empty keeps the local overlap reranker.
	RerankEndpoint string `mapstructure:"rerank_endpoint"`
	RerankModel    string `mapstructure:"rerank_model"`
	RerankAPIKey   string `mapstructure:"rerank_api_key"`
}

// RetentionConfig schedules profile history pruning.
type RetentionConfig struct {
	// Schedule is a standard 5-field cron spec.
	Schedule string `mapstructure:"schedule"`

	// KeepPerUser protects the newest N records per user from pruning.
	KeepPerUser int `mapstructure:"keep_per_user"`

	// MaxAgeDays prunes records older than this many days.
	MaxAgeDays int `mapstructure:"max_age_days"`
}

// PipelineConfig tunes the profile manager.
type PipelineConfig struct {
	// MinConfidence is the discrimination acceptance floor, inclusive.
	MinConfidence float64 `mapstructure:"min_confidence"`

	// BatchSize bounds concurrent units per batch.
	BatchSize int `mapstructure:"batch_size"`

	// MaxRetries bounds extraction and merge attempts.
	MaxRetries int `mapstructure:"max_retries"`

	// UseContext embeds recent units in the judgment prompt.
	UseContext bool `mapstructure:"use_context"`

	// Versioning writes a history record per observable merge.
	Versioning bool `mapstructure:"versioning"`
}

// LoadConfig loads configuration from file, environment, and defaults.
func LoadConfig(cfgFile string) (*Config, error) {
	setDefaults()

	if cfgFile != "" {
		// Use config file from flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in standard locations
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".evermem"))
		}
		viper.SetConfigName(DefaultConfigFileName)
		viper.SetConfigType("yaml")
	}

	// Read config file (if it exists)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file %s: %w", viper.ConfigFileUsed(), err)
		}
		// Config file not found; using defaults + env vars + flags
	}

	// Bind environment variables
	viper.SetEnvPrefix("EVERMEM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Unmarshal config
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &config, nil
}

// setDefaults sets default configuration values.
func setDefaults() {
	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")

	// Storage defaults
	viper.SetDefault("storage.backend", "sqlite")
	viper.SetDefault("storage.dsn", "evermem.db")

	// LLM defaults
	viper.SetDefault("llm.provider", "anthropic")
	viper.SetDefault("llm.api_key", "")
	viper.SetDefault("llm.model", anthropic.DefaultModel)
	viper.SetDefault("llm.max_tokens", 0)
	viper.SetDefault("llm.bedrock_model_id", bedrock.DefaultModelID)
	viper.SetDefault("llm.bedrock_region", bedrock.DefaultRegion)
	viper.SetDefault("llm.bedrock_profile", "")

	// Retrieval defaults
	viper.SetDefault("retrieval.channel_limit", 0)
	viper.SetDefault("retrieval.embedding_dims", retrieval.DefaultEmbeddingDims)
	viper.SetDefault("retrieval.rerank_endpoint", "")
	viper.SetDefault("retrieval.rerank_model", retrieval.DefaultRerankModel)
	viper.SetDefault("retrieval.rerank_api_key", "")

	// Retention defaults
	viper.SetDefault("retention.schedule", "0 3 * * *")
	viper.SetDefault("retention.keep_per_user", storage.DefaultKeepPerUser)
	viper.SetDefault("retention.max_age_days", 90)

	// Pipeline defaults
	viper.SetDefault("pipeline.min_confidence", profile.DefaultMinConfidence)
	viper.SetDefault("pipeline.batch_size", profile.DefaultBatchSize)
	viper.SetDefault("pipeline.max_retries", profile.DefaultMaxRetries)
	viper.SetDefault("pipeline.use_context", true)
	viper.SetDefault("pipeline.versioning", true)
}

// openStore creates the configured profile store.
func (c *Config) openStore() (storage.Store, error) {
	return storage.NewStore(storage.Config{
		Backend: c.Storage.Backend,
		DSN:     c.Storage.DSN,
		Logger:  log.Logger(),
	})
}

// buildProvider creates the configured LLM provider. provider and model
// override the config when non-empty (the --provider/--model flags).
func (c *Config) buildProvider(provider, model string) (llm.Provider, error) {
	if provider == "" {
		provider = c.LLM.Provider
	}

	anthropicModel := c.LLM.Model
	bedrockModel := c.LLM.BedrockModelID
	if model != "" {
		anthropicModel = model
		bedrockModel = model
	}

	return factory.NewProvider(factory.Config{
		Provider: provider,
		Anthropic: anthropic.Config{
			APIKey:    c.LLM.APIKey,
			Model:     anthropicModel,
			MaxTokens: c.LLM.MaxTokens,
		},
		Bedrock: bedrock.Config{
			ModelID:   bedrockModel,
			Region:    c.LLM.BedrockRegion,
			Profile:   c.LLM.BedrockProfile,
			MaxTokens: c.LLM.MaxTokens,
		},
	})
}

// managerConfig builds the pipeline manager configuration.
func (c *Config) managerConfig() profile.ManagerConfig {
	cfg := profile.DefaultManagerConfig()
	cfg.MinConfidence = c.Pipeline.MinConfidence
	cfg.BatchSize = c.Pipeline.BatchSize
	cfg.MaxRetries = c.Pipeline.MaxRetries
	cfg.UseContext = c.Pipeline.UseContext
	cfg.Versioning = c.Pipeline.Versioning
	cfg.Logger = log.Logger()
	return cfg
}

// retentionConfig builds the pruning job configuration over the store.
func (c *Config) retentionConfig(pruner storage.HistoryPruner) storage.RetentionConfig {
	return storage.RetentionConfig{
		Schedule:    c.Retention.Schedule,
		KeepPerUser: c.Retention.KeepPerUser,
		MaxAge:      time.Duration(c.Retention.MaxAgeDays) * 24 * time.Hour,
		Store:       pruner,
		Logger:      log.Logger(),
	}
}
