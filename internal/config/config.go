package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Neo4j          Neo4jConfig          `mapstructure:"neo4j"`
	Kafka          KafkaConfig          `mapstructure:"kafka"`
	Auth           AuthConfig           `mapstructure:"auth"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Recommendation RecommendationConfig `mapstructure:"recommendation"`
	Ratings        RatingsConfig        `mapstructure:"ratings"`
	Monitoring     MonitoringConfig     `mapstructure:"monitoring"`
	Security       SecurityConfig       `mapstructure:"security"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL            string        `mapstructure:"url"`
	MaxConnections int           `mapstructure:"max_connections"`
	MaxIdleTime    time.Duration `mapstructure:"max_idle_time"`
	MaxLifetime    time.Duration `mapstructure:"max_lifetime"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type RedisConfig struct {
	Hot  RedisInstanceConfig `mapstructure:"hot"`
	Warm RedisInstanceConfig `mapstructure:"warm"`
}

type RedisInstanceConfig struct {
	URL        string        `mapstructure:"url"`
	MaxRetries int           `mapstructure:"max_retries"`
	PoolSize   int           `mapstructure:"pool_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type Neo4jConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
	Topics  struct {
		RatingsChanged    string `mapstructure:"ratings_changed"`
		RatingsChangedDLQ string `mapstructure:"ratings_changed_dlq"`
		SnapshotEvents    string `mapstructure:"snapshot_events"`
	} `mapstructure:"topics"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

type AuthConfig struct {
	Enabled   bool            `mapstructure:"enabled"`
	JWTSecret string          `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration   `mapstructure:"token_ttl"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	// APIKeys maps an API key to its tier (free, premium, enterprise).
	APIKeys map[string]string `mapstructure:"api_keys"`
}

type RateLimitConfig struct {
	Default int           `mapstructure:"default"`
	Premium int           `mapstructure:"premium"`
	Window  time.Duration `mapstructure:"window"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RecommendationConfig struct {
	// Strategy is one of cosine, pearson, pretrained.
	Strategy       string           `mapstructure:"strategy"`
	KNeighbors     int              `mapstructure:"k_neighbors"`
	NResults       int              `mapstructure:"n_results"`
	MaxKNeighbors  int              `mapstructure:"max_k_neighbors"`
	MaxNResults    int              `mapstructure:"max_n_results"`
	// MinCommonItems is the smallest number of co-rated items Pearson
	// correlates; at least 2.
	MinCommonItems int              `mapstructure:"min_common_items"`
	MaxBatchSize   int              `mapstructure:"max_batch_size"`
	Model          ModelConfig      `mapstructure:"model"`
	Precompute     PrecomputeConfig `mapstructure:"precompute"`
	Caching        CachingConfig    `mapstructure:"caching"`
}

// ModelConfig locates the pre-trained neighbor model used by the
// pretrained strategy.
type ModelConfig struct {
	// Source is one of postgres, file.
	Source string `mapstructure:"source"`
	Path   string `mapstructure:"path"`
}

type PrecomputeConfig struct {
	Enabled bool `mapstructure:"enabled"`
	K       int  `mapstructure:"k"`
	Workers int  `mapstructure:"workers"`
}

type CachingConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	NeighborsTTL       time.Duration `mapstructure:"neighbors_ttl"`
	RecommendationsTTL time.Duration `mapstructure:"recommendations_ttl"`
	BreakerFailures    uint32        `mapstructure:"breaker_failures"`
	BreakerOpenTimeout time.Duration `mapstructure:"breaker_open_timeout"`
}

type RatingsConfig struct {
	// Source is one of postgres, neo4j, file.
	Source       string        `mapstructure:"source"`
	FilePath     string        `mapstructure:"file_path"`
	IncludeUsers bool          `mapstructure:"include_users"`
	ScaleMin     float64       `mapstructure:"scale_min"`
	ScaleMax     float64       `mapstructure:"scale_max"`
	LoadTimeout  time.Duration `mapstructure:"load_timeout"`
}

type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPath string `mapstructure:"metrics_path"`
}

type SecurityConfig struct {
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

func Load() (*Config, error) {
	return LoadFrom(viper.New(), "./config", ".")
}

// LoadFrom reads app.yaml from the first matching path into v, then applies
// defaults and environment overrides.
func LoadFrom(v *viper.Viper, paths ...string) (*Config, error) {
	v.SetConfigName("app")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	setDefaults(v)

	// Environment variable overrides
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional, continue with env vars and defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects settings the recommendation pipeline cannot run with.
func (c *Config) Validate() error {
	r := c.Recommendation

	switch r.Strategy {
	case "cosine", "pearson", "pretrained":
	default:
		return fmt.Errorf("recommendation.strategy: unsupported value %q", r.Strategy)
	}
	if r.KNeighbors < 1 || r.NResults < 1 {
		return fmt.Errorf("recommendation defaults must be positive (k_neighbors=%d, n_results=%d)", r.KNeighbors, r.NResults)
	}
	if r.MaxKNeighbors < r.KNeighbors || r.MaxNResults < r.NResults {
		return fmt.Errorf("recommendation limits must not be below the defaults")
	}
	if r.MinCommonItems < 2 {
		return fmt.Errorf("recommendation.min_common_items must be at least 2, got %d", r.MinCommonItems)
	}
	if r.MaxBatchSize < 1 {
		return fmt.Errorf("recommendation.max_batch_size must be positive")
	}
	if r.Precompute.Enabled && r.Precompute.K < 1 {
		return fmt.Errorf("recommendation.precompute.k must be positive")
	}

	switch c.Ratings.Source {
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for the postgres source")
		}
	case "neo4j":
		if c.Neo4j.URL == "" {
			return fmt.Errorf("neo4j.url is required for the neo4j source")
		}
	case "file":
		if c.Ratings.FilePath == "" {
			return fmt.Errorf("ratings.file_path is required for the file source")
		}
	default:
		return fmt.Errorf("ratings.source: unsupported value %q", c.Ratings.Source)
	}
	if r.Strategy == "pretrained" {
		switch r.Model.Source {
		case "postgres":
			if c.Database.URL == "" {
				return fmt.Errorf("database.url is required for a postgres neighbor model")
			}
		case "file":
			if r.Model.Path == "" {
				return fmt.Errorf("recommendation.model.path is required for a file neighbor model")
			}
		default:
			return fmt.Errorf("recommendation.model.source: unsupported value %q", r.Model.Source)
		}
	}
	if c.Ratings.ScaleMin <= 0 || c.Ratings.ScaleMax <= c.Ratings.ScaleMin {
		return fmt.Errorf("ratings scale must be positive and non-empty (%v..%v)", c.Ratings.ScaleMin, c.Ratings.ScaleMax)
	}

	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "development")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Database defaults
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.max_idle_time", "15m")
	v.SetDefault("database.max_lifetime", "1h")
	v.SetDefault("database.connect_timeout", "10s")

	// Redis defaults
	v.SetDefault("redis.hot.url", "")
	v.SetDefault("redis.warm.url", "")
	v.SetDefault("redis.hot.max_retries", 3)
	v.SetDefault("redis.hot.pool_size", 10)
	v.SetDefault("redis.hot.timeout", "5s")
	v.SetDefault("redis.warm.max_retries", 3)
	v.SetDefault("redis.warm.pool_size", 5)
	v.SetDefault("redis.warm.timeout", "10s")

	// Neo4j defaults
	v.SetDefault("neo4j.url", "")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "")

	// Kafka defaults
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "neighborly")
	v.SetDefault("kafka.topics.ratings_changed", "ratings-changed")
	v.SetDefault("kafka.topics.ratings_changed_dlq", "ratings-changed-dlq")
	v.SetDefault("kafka.topics.snapshot_events", "snapshot-events")
	v.SetDefault("kafka.max_retries", 3)
	v.SetDefault("kafka.retry_delay", "1s")

	// Auth defaults
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("auth.rate_limit.default", 1000)
	v.SetDefault("auth.rate_limit.premium", 10000)
	v.SetDefault("auth.rate_limit.window", "1h")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	// Recommendation defaults
	v.SetDefault("recommendation.strategy", "cosine")
	v.SetDefault("recommendation.k_neighbors", 10)
	v.SetDefault("recommendation.n_results", 5)
	v.SetDefault("recommendation.max_k_neighbors", 200)
	v.SetDefault("recommendation.max_n_results", 100)
	v.SetDefault("recommendation.min_common_items", 2)
	v.SetDefault("recommendation.max_batch_size", 50)
	v.SetDefault("recommendation.model.source", "postgres")
	v.SetDefault("recommendation.model.path", "")
	v.SetDefault("recommendation.precompute.enabled", false)
	v.SetDefault("recommendation.precompute.k", 10)
	v.SetDefault("recommendation.precompute.workers", 4)

	// Caching defaults
	v.SetDefault("recommendation.caching.enabled", true)
	v.SetDefault("recommendation.caching.neighbors_ttl", "1h")
	v.SetDefault("recommendation.caching.recommendations_ttl", "15m")
	v.SetDefault("recommendation.caching.breaker_failures", 5)
	v.SetDefault("recommendation.caching.breaker_open_timeout", "30s")

	// Ratings source defaults
	v.SetDefault("ratings.source", "postgres")
	v.SetDefault("ratings.file_path", "")
	v.SetDefault("ratings.include_users", true)
	v.SetDefault("ratings.scale_min", 1.0)
	v.SetDefault("ratings.scale_max", 5.0)
	v.SetDefault("ratings.load_timeout", "2m")

	// Monitoring defaults
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.metrics_path", "/metrics")

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("security.cors.allowed_headers", []string{"*"})
}
