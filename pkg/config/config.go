package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	SQLite     SQLiteConfig
	Redis      RedisConfig
	Milvus     MilvusConfig
	LLM        LLMConfig
	Retrieval  RetrievalConfig
	Escalation EscalationConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	TTLSec   int
}

type MilvusConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
}

type LLMConfig struct {
	Provider       string
	Model          string
	APIKey         string
	Temperature    float32
	MaxTokens      int
	TimeoutSec     int
	EmbeddingModel string
	EmbeddingDim   int
}

// RetrievalConfig carries the pipeline defaults; a tenant settings row may
// override the thresholds and weights per tenant.
type RetrievalConfig struct {
	TopK                int
	SourceTopK          int
	SourceTimeoutSec    int
	EnableVector        bool
	VectorTopK          int
	VectorThreshold     float64
	RetrievalWeight     float64
	LLMWeight           float64
	FallbackThreshold   float64
	EscalationThreshold float64
	FallbackMessage     string
}

type EscalationConfig struct {
	AssignRetries int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/supportrag")

	viper.SetEnvPrefix("CHATBOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 30)
	viper.SetDefault("server.bodyLimit", 10485760)

	viper.SetDefault("sqlite.path", "./data/supportrag.db")

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.ttlSec", 3600)

	viper.SetDefault("milvus.endpoint", "localhost:19530")
	viper.SetDefault("milvus.collectionName", "kb_chunks")
	viper.SetDefault("milvus.vectorDim", 1536)

	viper.SetDefault("llm.provider", "openai")
	viper.SetDefault("llm.model", "gpt-4")
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.maxTokens", 1024)
	viper.SetDefault("llm.timeoutSec", 30)
	viper.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	viper.SetDefault("llm.embeddingDim", 1536)

	viper.SetDefault("retrieval.topK", 3)
	viper.SetDefault("retrieval.sourceTopK", 5)
	viper.SetDefault("retrieval.sourceTimeoutSec", 5)
	viper.SetDefault("retrieval.enableVector", true)
	viper.SetDefault("retrieval.vectorTopK", 3)
	viper.SetDefault("retrieval.vectorThreshold", 0.6)
	viper.SetDefault("retrieval.retrievalWeight", 0.5)
	viper.SetDefault("retrieval.llmWeight", 0.5)
	viper.SetDefault("retrieval.fallbackThreshold", 0.4)
	viper.SetDefault("retrieval.escalationThreshold", 0.7)
	viper.SetDefault("retrieval.fallbackMessage",
		"I'm not confident I can answer that accurately. Could you rephrase the question, or I can forward it to one of our experts?")

	viper.SetDefault("escalation.assignRetries", 3)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
