package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig
	CRAG    CRAGConfig
	Milvus  MilvusConfig
	Neo4j   Neo4jConfig
	SQLite  SQLiteConfig
	Redis   RedisConfig
	LLM     LLMConfig
	Web     WebConfig
	Logging LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

// CRAGConfig is the tuning surface of the corrective loop. Profile presets
// fill these in; explicit values override the preset.
type CRAGConfig struct {
	Profile                 string
	QualityThreshold        float64
	MaxIterations           int
	MinImprovementFloor     float64
	PerCallTimeoutSec       float64
	ParallelProcessingLimit int
	TrustFloor              float64
	ResultCacheTTLSec       int
}

type MilvusConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
}

type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type LLMConfig struct {
	Provider       string
	Model          string
	JudgeModel     string
	APIKey         string
	Temperature    float32
	MaxTokens      int
	EmbeddingModel string
	EmbeddingDim   int
}

type WebConfig struct {
	Enabled    bool
	MaxResults int
	TimeoutSec int
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
	viper.AddConfigPath("/etc/crag-agent")

	viper.SetEnvPrefix("CRAG")
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

	ApplyProfile(&config.CRAG)
	if err := validateCRAG(config.CRAG); err != nil {
		return nil, err
	}

	return &config, nil
}

// ApplyProfile fills zero-valued CRAG options from the named profile preset.
// Explicitly configured values win over the preset.
func ApplyProfile(c *CRAGConfig) {
	preset, ok := profiles[c.Profile]
	if !ok {
		preset = profiles["balanced"]
	}

	if c.QualityThreshold == 0 {
		c.QualityThreshold = preset.QualityThreshold
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = preset.MaxIterations
	}
	if c.MinImprovementFloor == 0 {
		c.MinImprovementFloor = preset.MinImprovementFloor
	}
	if c.PerCallTimeoutSec == 0 {
		c.PerCallTimeoutSec = preset.PerCallTimeoutSec
	}
	if c.ParallelProcessingLimit == 0 {
		c.ParallelProcessingLimit = preset.ParallelProcessingLimit
	}
	if c.TrustFloor == 0 {
		c.TrustFloor = preset.TrustFloor
	}
}

var profiles = map[string]CRAGConfig{
	"fast": {
		QualityThreshold:        0.65,
		MaxIterations:           2,
		MinImprovementFloor:     0.02,
		PerCallTimeoutSec:       10,
		ParallelProcessingLimit: 8,
		TrustFloor:              0.3,
	},
	"balanced": {
		QualityThreshold:        0.75,
		MaxIterations:           3,
		MinImprovementFloor:     0.02,
		PerCallTimeoutSec:       20,
		ParallelProcessingLimit: 4,
		TrustFloor:              0.4,
	},
	"thorough": {
		QualityThreshold:        0.85,
		MaxIterations:           4,
		MinImprovementFloor:     0.01,
		PerCallTimeoutSec:       45,
		ParallelProcessingLimit: 2,
		TrustFloor:              0.5,
	},
}

func validateCRAG(c CRAGConfig) error {
	if c.QualityThreshold <= 0 || c.QualityThreshold > 1 {
		return fmt.Errorf("crag.qualityThreshold must be in (0,1], got %v", c.QualityThreshold)
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("crag.maxIterations must be >= 1, got %d", c.MaxIterations)
	}
	if c.MinImprovementFloor < 0 {
		return fmt.Errorf("crag.minImprovementFloor must be >= 0, got %v", c.MinImprovementFloor)
	}
	if c.ParallelProcessingLimit < 1 {
		return fmt.Errorf("crag.parallelProcessingLimit must be >= 1, got %d", c.ParallelProcessingLimit)
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 60)
	viper.SetDefault("server.writeTimeout", 60)
	viper.SetDefault("server.bodyLimit", 10485760)

	viper.SetDefault("crag.profile", "balanced")
	viper.SetDefault("crag.resultCacheTTLSec", 300)

	viper.SetDefault("milvus.endpoint", "localhost:19530")
	viper.SetDefault("milvus.collectionName", "crag_passages")
	viper.SetDefault("milvus.vectorDim", 1536)

	viper.SetDefault("neo4j.uri", "bolt://localhost:7687")
	viper.SetDefault("neo4j.username", "neo4j")
	viper.SetDefault("neo4j.password", "password")
	viper.SetDefault("neo4j.database", "neo4j")

	viper.SetDefault("sqlite.path", "./data/crag.db")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("llm.provider", "openai")
	viper.SetDefault("llm.model", "gpt-4")
	viper.SetDefault("llm.judgeModel", "gpt-4o-mini")
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.maxTokens", 2048)
	viper.SetDefault("llm.embeddingModel", "text-embedding-3-large")
	viper.SetDefault("llm.embeddingDim", 1536)

	viper.SetDefault("web.enabled", true)
	viper.SetDefault("web.maxResults", 5)
	viper.SetDefault("web.timeoutSec", 10)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
