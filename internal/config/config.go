package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Redis       RedisConfig       `yaml:"redis"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Auth        AuthConfig        `yaml:"auth"`
	Matchmaking MatchmakingConfig `yaml:"matchmaking"`
	Ranking     RankingConfig     `yaml:"ranking"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConnections  int           `yaml:"max_connections"`
	MinConnections  int           `yaml:"min_connections"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// KafkaConfig holds the settlement feed configuration
type KafkaConfig struct {
	Brokers        []string      `yaml:"brokers"`
	Topic          string        `yaml:"topic"`
	GroupID        string        `yaml:"group_id"`
	Enabled        bool          `yaml:"enabled"`
	FlushFrequency time.Duration `yaml:"flush_frequency"`
}

// AuthConfig holds session token configuration
type AuthConfig struct {
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// MatchmakingConfig holds queue scan and room formation configuration
type MatchmakingConfig struct {
	Interval         time.Duration `yaml:"interval"`
	RatingThreshold  int           `yaml:"rating_threshold"`
	Variants         []int         `yaml:"variants"`
	PieceBatch       int           `yaml:"piece_batch"`
	SettleRetries    int           `yaml:"settle_retries"`
	SettleRetryDelay time.Duration `yaml:"settle_retry_delay"`
}

// RankingConfig holds ranking cache configuration
type RankingConfig struct {
	SyncEnabled  bool          `yaml:"sync_enabled"`
	SyncInterval time.Duration `yaml:"sync_interval"`
	DefaultLimit int           `yaml:"default_limit"`
	MaxLimit     int           `yaml:"max_limit"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 100
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 10
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}

	// PostgreSQL defaults
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 50
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 5
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "game-settlements"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "ranking-consumer"
	}
	if c.Kafka.FlushFrequency == 0 {
		c.Kafka.FlushFrequency = 100 * time.Millisecond
	}

	// Auth defaults
	if c.Auth.SessionTTL == 0 {
		c.Auth.SessionTTL = 24 * time.Hour
	}

	// Matchmaking defaults
	if c.Matchmaking.Interval == 0 {
		c.Matchmaking.Interval = 5 * time.Second
	}
	if c.Matchmaking.RatingThreshold == 0 {
		c.Matchmaking.RatingThreshold = 150
	}
	if len(c.Matchmaking.Variants) == 0 {
		c.Matchmaking.Variants = []int{1}
	}
	if c.Matchmaking.PieceBatch == 0 {
		c.Matchmaking.PieceBatch = 50
	}
	if c.Matchmaking.SettleRetries == 0 {
		c.Matchmaking.SettleRetries = 3
	}
	if c.Matchmaking.SettleRetryDelay == 0 {
		c.Matchmaking.SettleRetryDelay = 500 * time.Millisecond
	}

	// Ranking defaults
	if c.Ranking.SyncInterval == 0 {
		c.Ranking.SyncInterval = 30 * time.Minute
	}
	if c.Ranking.DefaultLimit == 0 {
		c.Ranking.DefaultLimit = 10
	}
	if c.Ranking.MaxLimit == 0 {
		c.Ranking.MaxLimit = 100
	}
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Ranking.SyncEnabled = true
	return cfg
}
