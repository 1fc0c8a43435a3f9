// ./internal/state/db.go
package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"
)

// DB is a global database connection pool.
var DB *sql.DB

// DBConfig holds database connection parameters.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string // "disable", "require", "verify-full", etc.
}

// InitDB initializes the database connection pool.
func InitDB(cfg DBConfig) error {
	psqlInfo := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	var err error
	DB, err = sql.Open("postgres", psqlInfo)
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}

	DB.SetMaxOpenConns(25)
	DB.SetMaxIdleConns(25)
	DB.SetConnMaxLifetime(5 * time.Minute)

	err = DB.Ping()
	if err != nil {
		DB.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Msg("Successfully connected to the PostgreSQL database!")
	return nil
}

// CloseDB closes the database connection pool.
func CloseDB() {
	if DB != nil {
		log.Info().Msg("Closing database connection...")
		if err := DB.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing database connection")
		}
	}
}

// EnsureSchema applies the necessary DDL to create tables if they don't exist.
func EnsureSchema() error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	schemaSQL := `
		-- One row per (program, account, interval): the audit trail every
		-- reconciliation window sums over. The primary key makes re-running
		-- an interval an upsert instead of a duplicate.
		CREATE TABLE IF NOT EXISTS allocation_records (
			program VARCHAR(255) NOT NULL,
			account VARCHAR(255) NOT NULL,
			interval_at TIMESTAMPTZ NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (program, account, interval_at)
		);
		CREATE INDEX IF NOT EXISTS idx_allocation_records_program_interval
			ON allocation_records(program, interval_at DESC);

		-- Running per-account totals for cumulative-mode programs. The
		-- last_interval_at column guards the merge so a retried run cannot
		-- fold the same interval in twice.
		CREATE TABLE IF NOT EXISTS allocation_totals (
			program VARCHAR(255) NOT NULL,
			account VARCHAR(255) NOT NULL,
			total DOUBLE PRECISION NOT NULL,
			last_interval_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (program, account)
		);

		-- Per-program progress marker, advanced only after all of a run's
		-- allocation writes have landed.
		CREATE TABLE IF NOT EXISTS checkpoints (
			program VARCHAR(255) PRIMARY KEY,
			last_interval_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		-- One row per run for operational visibility and the web API.
		CREATE TABLE IF NOT EXISTS run_summaries (
			summary_id SERIAL PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL,
			program VARCHAR(255) NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL,
			interval_at TIMESTAMPTZ NOT NULL,
			account_count INTEGER NOT NULL,
			eligible_count INTEGER NOT NULL,
			total_weight DOUBLE PRECISION NOT NULL,
			budget DOUBLE PRECISION NOT NULL,
			total_allocated DOUBLE PRECISION NOT NULL,
			status VARCHAR(32) NOT NULL,
			reconcile_diff DOUBLE PRECISION NOT NULL DEFAULT 0,
			healthy BOOLEAN NOT NULL DEFAULT TRUE,
			error_message TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_run_summaries_program_started
			ON run_summaries(program, started_at DESC);
	`
	_, err := DB.Exec(schemaSQL)
	if err != nil {
		return fmt.Errorf("failed to execute schema DDL: %w", err)
	}
	log.Info().Msg("Database schema ensured.")
	return nil
}

// TestDBConnection tests if the database connection is healthy
func TestDBConnection() error {
	if DB == nil {
		return fmt.Errorf("database connection is nil")
	}

	// Use a short timeout context for health checks
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := DB.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	return nil
}
