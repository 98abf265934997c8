// Package domain defines the core interfaces and types for claimscore.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Processed claim operations. SaveClaims upserts by claim ID.
	SaveClaims(ctx context.Context, claims []*ProcessedClaim) error
	GetClaim(ctx context.Context, claimID string) (*ProcessedClaim, error)
	ListClaims(ctx context.Context, filter ClaimFilter) ([]*ProcessedClaim, int, error)

	// Batch records
	SaveBatch(ctx context.Context, batch *Batch) error
	GetBatch(ctx context.Context, batchID string) (*Batch, error)

	// Rule configuration operations
	SaveRuleConfig(ctx context.Context, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context) ([]*RuleConfig, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// ClaimFilter narrows ListClaims. A zero Limit returns every match.
type ClaimFilter struct {
	MinRiskScore *float64
	ServiceCode  string
	Limit        int
	Offset       int
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `yaml:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgresHost"`
	PostgresPort     int    `yaml:"postgresPort"`
	PostgresUser     string `yaml:"postgresUser"`
	PostgresPassword string `yaml:"postgresPassword"`
	PostgresDB       string `yaml:"postgresDB"`
	PostgresSSLMode  string `yaml:"postgresSSLMode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}
