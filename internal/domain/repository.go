// Package domain defines the core interfaces and types for the UEBA scoring service.
package domain

import (
	"context"
	"time"
)

// HistoryStore is the append-only transaction ledger plus the mutable
// user-profile store. Per-request reads go through a Session.
type HistoryStore interface {
	// Session acquires a scoped store handle. Callers must Close it on every path.
	Session(ctx context.Context) (Session, error)

	// User operations
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, userID string) (*User, error)
	ListUserIDs(ctx context.Context) ([]string, error)

	// Read-side transaction queries
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	SearchTransactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, int, error)
	ListAnomalies(ctx context.Context, minRisk float64, limit int) ([]*Transaction, error)
	RiskOverTime(ctx context.Context, filter TransactionFilter, since time.Time, bucket time.Duration) ([]RiskPoint, error)
	Catalog(ctx context.Context) (*Catalog, error)

	// Analyst actions
	SaveAction(ctx context.Context, action *AnalystAction) error
	ListActions(ctx context.Context, userID string, limit int) ([]*AnalystAction, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Session is a store handle pinned to one connection for the lifetime of a
// scoring request or a refresh batch.
type Session interface {
	// GetUserProfile returns ErrNotFound for an unknown user.
	GetUserProfile(ctx context.Context, userID string) (*UserProfile, error)

	// LatestTransaction returns nil, nil when the user has no history.
	LatestTransaction(ctx context.Context, userID string) (*Transaction, error)

	CountSince(ctx context.Context, userID string, since time.Time) (int, error)
	SumByTypeSince(ctx context.Context, userID string, txType TransactionType, since time.Time) (float64, error)
	DeviceCountriesSince(ctx context.Context, device string, since time.Time, limit int) ([]string, error)

	// MedianAmountSince returns false when the user has no rows in the window.
	MedianAmountSince(ctx context.Context, userID string, since time.Time) (float64, bool, error)

	InsertTransaction(ctx context.Context, tx *Transaction) error

	// Batch scope
	UserHistory(ctx context.Context, userID string) ([]*Transaction, error)
	PatchUserProfile(ctx context.Context, userID string, patch ProfilePatch) error

	Close() error
}

// RiskPoint is the average final risk of one time bucket.
type RiskPoint struct {
	Bucket  time.Time `json:"bucket"`
	AvgRisk float64   `json:"avg_risk"`
	Count   int       `json:"n"`
}

// Catalog lists the distinct filter values present in the ledger.
type Catalog struct {
	Countries []string `json:"countries"`
	Types     []string `json:"types"`
	Users     []User   `json:"users"`
}

// RepositoryConfig holds configuration for history store initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `mapstructure:"driver" json:"driver"`

	// SQLite specific
	SQLitePath string `mapstructure:"sqlite_path" json:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `mapstructure:"postgres_host" json:"postgresHost"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgresPort"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgresUser"`
	PostgresPassword string `mapstructure:"postgres_password" json:"-"`
	PostgresDB       string `mapstructure:"postgres_db" json:"postgresDb"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode" json:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `mapstructure:"max_open_conns" json:"maxOpenConns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" json:"maxIdleConns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" json:"connMaxLifetime"`
}
