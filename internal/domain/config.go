package domain

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete claimscore configuration.
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`
	Auth   AuthConfig   `yaml:"auth"`

	// Scoring pipeline
	Scoring   ScoringConfig   `yaml:"scoring"`
	Repricing RepricingConfig `yaml:"repricing"`
	Training  TrainingConfig  `yaml:"training"`
	ModelBank ModelBankConfig `yaml:"modelBank"`

	// Component configurations
	Repository RepositoryConfig `yaml:"repository"`
	Cache      CacheConfig      `yaml:"cache"`
	EventBus   EventBusConfig   `yaml:"eventBus"`

	// Observability
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	ReadTimeout   int    `yaml:"readTimeout"`  // seconds
	WriteTimeout  int    `yaml:"writeTimeout"` // seconds
	MaxUploadSize int64  `yaml:"maxUploadSize"`
	Async         bool   `yaml:"async"` // run the bus worker for async ingest
}

// AuthConfig configures bearer token verification. An empty secret disables auth.
type AuthConfig struct {
	JWTSecret string `yaml:"jwtSecret"`
	Issuer    string `yaml:"issuer"`
}

// ScoringConfig holds risk score settings.
type ScoringConfig struct {
	HighRiskThreshold float64 `yaml:"highRiskThreshold"`
	Parallelism       int     `yaml:"parallelism"`
}

// RepricingConfig holds the repricing table.
type RepricingConfig struct {
	DefaultRate float64            `yaml:"defaultRate"`
	Rates       map[string]float64 `yaml:"rates"`
}

// TrainingConfig holds model bank training settings.
type TrainingConfig struct {
	// AutoTrain retrains after every processed batch.
	AutoTrain bool  `yaml:"autoTrain"`
	Seed      int64 `yaml:"seed"`

	// Outlier detector
	Contamination float64 `yaml:"contamination"`
	Trees         int     `yaml:"trees"`
	MaxSamples    int     `yaml:"maxSamples"`

	// Weak-label classifier
	BoostRounds       int     `yaml:"boostRounds"`
	BoostDepth        int     `yaml:"boostDepth"`
	BoostLearningRate float64 `yaml:"boostLearningRate"`

	// Reconstruction detector
	Epochs       int     `yaml:"epochs"`
	BatchSize    int     `yaml:"batchSize"`
	LearningRate float64 `yaml:"learningRate"`

	// HistoryLimit caps how many stored claims a manual retrain reads.
	HistoryLimit int `yaml:"historyLimit"`
}

// ModelBankConfig holds model bank retention settings.
type ModelBankConfig struct {
	Retain int `yaml:"retain"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ServiceName  string `yaml:"serviceName"`
	ExporterType string `yaml:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `yaml:"endpoint"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns a default single-node configuration
// backed by SQLite, an in-memory cache and channels.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          8080,
			ReadTimeout:   30,
			WriteTimeout:  120,
			MaxUploadSize: 16 << 20,
		},
		Scoring: ScoringConfig{
			HighRiskThreshold: 70,
			Parallelism:       8,
		},
		Repricing: RepricingConfig{
			DefaultRate: 0.15,
			Rates: map[string]float64{
				"99213": 0.20,
				"97110": 0.25,
			},
		},
		Training: TrainingConfig{
			AutoTrain:         true,
			Seed:              42,
			Contamination:     0.1,
			Trees:             100,
			MaxSamples:        256,
			BoostRounds:       100,
			BoostDepth:        3,
			BoostLearningRate: 0.3,
			Epochs:            50,
			BatchSize:         32,
			LearningRate:      0.001,
			HistoryLimit:      50000,
		},
		ModelBank: ModelBankConfig{
			Retain: 5,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./claimscore.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 1000,
			LocalTTL:     5 * time.Minute,
			ReportTTL:    time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "claimscore",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// ProductionConfig returns a configuration backed by PostgreSQL, Redis and NATS.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "claimscore",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		ReportTTL:      time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueue:         "claimscore-workers",
	}
	cfg.Server.Async = true
	cfg.Tracing.Enabled = true
	return cfg
}

// Validate rejects settings outside their recognized ranges.
func (c *Config) Validate() error {
	var errs []error
	t := c.Training
	if !(t.Contamination > 0 && t.Contamination < 1) {
		errs = append(errs, fmt.Errorf("training.contamination must be in (0, 1), got %v", t.Contamination))
	}
	if t.Trees <= 0 {
		errs = append(errs, fmt.Errorf("training.trees must be positive, got %d", t.Trees))
	}
	if t.MaxSamples <= 0 {
		errs = append(errs, fmt.Errorf("training.maxSamples must be positive, got %d", t.MaxSamples))
	}
	if t.BoostRounds <= 0 || t.BoostDepth <= 0 {
		errs = append(errs, fmt.Errorf("training.boostRounds and training.boostDepth must be positive"))
	}
	if !(t.BoostLearningRate > 0 && t.BoostLearningRate <= 1) {
		errs = append(errs, fmt.Errorf("training.boostLearningRate must be in (0, 1], got %v", t.BoostLearningRate))
	}
	if t.Epochs <= 0 {
		errs = append(errs, fmt.Errorf("training.epochs must be positive, got %d", t.Epochs))
	}
	if t.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("training.batchSize must be positive, got %d", t.BatchSize))
	}
	if !(t.LearningRate > 0) {
		errs = append(errs, fmt.Errorf("training.learningRate must be positive, got %v", t.LearningRate))
	}
	if !validRate(c.Repricing.DefaultRate) {
		errs = append(errs, fmt.Errorf("repricing.defaultRate must be in [0, 1], got %v", c.Repricing.DefaultRate))
	}
	for code, rate := range c.Repricing.Rates {
		if !validRate(rate) {
			errs = append(errs, fmt.Errorf("repricing.rates[%s] must be in [0, 1], got %v", code, rate))
		}
	}
	if s := c.Scoring.HighRiskThreshold; !(s >= 0 && s <= 100) {
		errs = append(errs, fmt.Errorf("scoring.highRiskThreshold must be in [0, 100], got %v", s))
	}
	if c.ModelBank.Retain < 1 {
		errs = append(errs, fmt.Errorf("modelBank.retain must be at least 1, got %d", c.ModelBank.Retain))
	}
	return errors.Join(errs...)
}

func validRate(r float64) bool {
	return r >= 0 && r <= 1
}
