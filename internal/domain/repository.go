// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for bill persistence.
type Repository interface {
	// Bill operations
	SaveBill(ctx context.Context, bill *Bill, report *AnomalyReport) error
	GetBill(ctx context.Context, billID string) (*Bill, *AnomalyReport, error)
	ListBills(ctx context.Context) ([]*Bill, error)
	ListBillsByCategory(ctx context.Context, category string) ([]*Bill, error)
	ListDueSoon(ctx context.Context, days int) ([]*Bill, error)
	ListAnomalies(ctx context.Context) ([]*Bill, error)
	UpdatePaymentStatus(ctx context.Context, billID string, status string) error
	Summary(ctx context.Context) (*Summary, error)

	// Screening rule operations
	SaveRuleConfig(ctx context.Context, rule *RuleConfig) error
	ListRuleConfigs(ctx context.Context) ([]*RuleConfig, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
