// Package migrations provides SQL migration generation for the event log
// and projection infrastructure tables.
package migrations

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config configures migration generation.
type Config struct {
	// OutputFolder is the directory where the migration file will be written
	OutputFolder string

	// OutputFilename is the name of the migration file
	OutputFilename string

	// EventsTable is the name of the events table
	EventsTable string

	// LogHeadsTable is the name of the global position counter table
	LogHeadsTable string

	// AggregateHeadsTable is the name of the aggregate sequence tracking table
	AggregateHeadsTable string

	// StatesTable is the name of the projection states table
	StatesTable string

	// LocksTable is the name of the projection locks table
	LocksTable string

	// FailedEventsTable is the name of the projection failed events table
	FailedEventsTable string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	timestamp := time.Now().Format("20060102150405")
	return Config{
		OutputFolder:        "migrations",
		OutputFilename:      fmt.Sprintf("%s_init_event_log.sql", timestamp),
		EventsTable:         "events",
		LogHeadsTable:       "log_heads",
		AggregateHeadsTable: "aggregate_heads",
		StatesTable:         "projection_states",
		LocksTable:          "projection_locks",
		FailedEventsTable:   "projection_failed_events",
	}
}

// GeneratePostgres generates a PostgreSQL migration file.
func GeneratePostgres(config *Config) error {
	return writeMigration(config, PostgresSQL(config))
}

// GenerateSQLite generates a SQLite migration file.
func GenerateSQLite(config *Config) error {
	return writeMigration(config, SQLiteSQL(config))
}

// GenerateMySQL generates a MySQL migration file.
func GenerateMySQL(config *Config) error {
	return writeMigration(config, MySQLSQL(config))
}

func writeMigration(config *Config, sql string) error {
	if err := os.MkdirAll(config.OutputFolder, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder: %w", err)
	}

	outputPath := filepath.Join(config.OutputFolder, config.OutputFilename)
	if err := os.WriteFile(outputPath, []byte(sql), 0o600); err != nil {
		return fmt.Errorf("failed to write migration file: %w", err)
	}
	return nil
}

// PostgresSQL returns the PostgreSQL DDL for all infrastructure tables.
func PostgresSQL(config *Config) string {
	return fmt.Sprintf(`-- Event Log Infrastructure Migration
-- Generated: %s

-- Events table stores all domain events in append-only fashion.
-- (position, in_tx_order) is the total order; the unique constraint on
-- (instance_id, aggregate_type, aggregate_id, sequence) enforces
-- optimistic concurrency.
CREATE TABLE IF NOT EXISTS %[2]s (
    position BIGINT NOT NULL,
    in_tx_order INT NOT NULL,
    instance_id TEXT NOT NULL,
    aggregate_type TEXT NOT NULL,
    aggregate_id TEXT NOT NULL,
    sequence BIGINT NOT NULL,
    event_type TEXT NOT NULL,
    creator TEXT NOT NULL,
    owner TEXT NOT NULL,
    payload BYTEA,
    event_id UUID NOT NULL UNIQUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    PRIMARY KEY (position, in_tx_order),
    UNIQUE (instance_id, aggregate_type, aggregate_id, sequence)
);

-- Index for projection catch-up reads
CREATE INDEX IF NOT EXISTS idx_%[2]s_catchup
    ON %[2]s (instance_id, position, in_tx_order);

-- Index for event type queries
CREATE INDEX IF NOT EXISTS idx_%[2]s_event_type
    ON %[2]s (instance_id, event_type, position);

-- Log heads table holds the single global position counter.
-- Position assignment locks this row, serializing commits so position
-- order equals commit order.
CREATE TABLE IF NOT EXISTS %[3]s (
    id INT PRIMARY KEY CHECK (id = 1),
    position BIGINT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- Seed the head row so position assignment can always lock it.
INSERT INTO %[3]s (id, position) VALUES (1, 0)
ON CONFLICT (id) DO NOTHING;

-- Aggregate heads table tracks the current sequence of each aggregate.
-- Provides O(1) sequence lookup for push operations.
CREATE TABLE IF NOT EXISTS %[4]s (
    instance_id TEXT NOT NULL,
    aggregate_type TEXT NOT NULL,
    aggregate_id TEXT NOT NULL,
    sequence BIGINT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    PRIMARY KEY (instance_id, aggregate_type, aggregate_id)
);

-- Projection states table tracks the resume position of each projection
-- plus the optional exact identity of the last applied event.
CREATE TABLE IF NOT EXISTS %[5]s (
    projection_name TEXT PRIMARY KEY,
    position BIGINT NOT NULL DEFAULT 0,
    position_offset INT NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    event_timestamp TIMESTAMPTZ,
    instance_id TEXT,
    aggregate_type TEXT,
    aggregate_id TEXT,
    sequence BIGINT
);

-- Projection locks table holds the lease of each horizontally scaled
-- projection. expires_at is a unix-millisecond lease expiry.
CREATE TABLE IF NOT EXISTS %[6]s (
    projection_name TEXT PRIMARY KEY,
    locker_id TEXT NOT NULL,
    expires_at BIGINT NOT NULL
);

-- Projection failed events table is the append-only reduce failure log.
CREATE TABLE IF NOT EXISTS %[7]s (
    projection_name TEXT NOT NULL,
    position BIGINT NOT NULL,
    in_tx_order INT NOT NULL,
    aggregate_type TEXT NOT NULL,
    aggregate_id TEXT NOT NULL,
    sequence BIGINT NOT NULL,
    error TEXT NOT NULL,
    failed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    retry_count INT NOT NULL DEFAULT 0,

    PRIMARY KEY (projection_name, position, in_tx_order)
);
`,
		time.Now().Format(time.RFC3339),
		config.EventsTable,
		config.LogHeadsTable,
		config.AggregateHeadsTable,
		config.StatesTable,
		config.LocksTable,
		config.FailedEventsTable,
	)
}

// SQLiteSQL returns the SQLite DDL for all infrastructure tables.
func SQLiteSQL(config *Config) string {
	return fmt.Sprintf(`-- Event Log Infrastructure Migration
-- Generated: %s

CREATE TABLE IF NOT EXISTS %[2]s (
    position INTEGER NOT NULL,
    in_tx_order INTEGER NOT NULL,
    instance_id TEXT NOT NULL,
    aggregate_type TEXT NOT NULL,
    aggregate_id TEXT NOT NULL,
    sequence INTEGER NOT NULL,
    event_type TEXT NOT NULL,
    creator TEXT NOT NULL,
    owner TEXT NOT NULL,
    payload BLOB,
    event_id TEXT NOT NULL UNIQUE,
    created_at TEXT NOT NULL,

    PRIMARY KEY (position, in_tx_order),
    UNIQUE (instance_id, aggregate_type, aggregate_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_%[2]s_catchup
    ON %[2]s (instance_id, position, in_tx_order);

CREATE INDEX IF NOT EXISTS idx_%[2]s_event_type
    ON %[2]s (instance_id, event_type, position);

CREATE TABLE IF NOT EXISTS %[3]s (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    position INTEGER NOT NULL,
    updated_at TEXT NOT NULL
);

INSERT OR IGNORE INTO %[3]s (id, position, updated_at)
VALUES (1, 0, datetime('now'));

CREATE TABLE IF NOT EXISTS %[4]s (
    instance_id TEXT NOT NULL,
    aggregate_type TEXT NOT NULL,
    aggregate_id TEXT NOT NULL,
    sequence INTEGER NOT NULL,
    updated_at TEXT NOT NULL,

    PRIMARY KEY (instance_id, aggregate_type, aggregate_id)
);

CREATE TABLE IF NOT EXISTS %[5]s (
    projection_name TEXT PRIMARY KEY,
    position INTEGER NOT NULL DEFAULT 0,
    position_offset INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL,
    event_timestamp TEXT,
    instance_id TEXT,
    aggregate_type TEXT,
    aggregate_id TEXT,
    sequence INTEGER
);

CREATE TABLE IF NOT EXISTS %[6]s (
    projection_name TEXT PRIMARY KEY,
    locker_id TEXT NOT NULL,
    expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS %[7]s (
    projection_name TEXT NOT NULL,
    position INTEGER NOT NULL,
    in_tx_order INTEGER NOT NULL,
    aggregate_type TEXT NOT NULL,
    aggregate_id TEXT NOT NULL,
    sequence INTEGER NOT NULL,
    error TEXT NOT NULL,
    failed_at TEXT NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,

    PRIMARY KEY (projection_name, position, in_tx_order)
);
`,
		time.Now().Format(time.RFC3339),
		config.EventsTable,
		config.LogHeadsTable,
		config.AggregateHeadsTable,
		config.StatesTable,
		config.LocksTable,
		config.FailedEventsTable,
	)
}

// MySQLSQL returns the MySQL DDL for all infrastructure tables.
func MySQLSQL(config *Config) string {
	return fmt.Sprintf(`-- Event Log Infrastructure Migration
-- Generated: %s

CREATE TABLE IF NOT EXISTS %[2]s (
    position BIGINT NOT NULL,
    in_tx_order INT NOT NULL,
    instance_id VARCHAR(255) NOT NULL,
    aggregate_type VARCHAR(255) NOT NULL,
    aggregate_id VARCHAR(255) NOT NULL,
    sequence BIGINT NOT NULL,
    event_type VARCHAR(255) NOT NULL,
    creator VARCHAR(255) NOT NULL,
    owner VARCHAR(255) NOT NULL,
    payload LONGBLOB,
    event_id CHAR(36) NOT NULL,
    created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),

    PRIMARY KEY (position, in_tx_order),
    UNIQUE KEY uniq_%[2]s_event_id (event_id),
    UNIQUE KEY uniq_%[2]s_sequence (instance_id, aggregate_type, aggregate_id, sequence),
    KEY idx_%[2]s_catchup (instance_id, position, in_tx_order),
    KEY idx_%[2]s_event_type (instance_id, event_type, position)
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS %[3]s (
    id INT PRIMARY KEY,
    position BIGINT NOT NULL,
    updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6)
) ENGINE=InnoDB;

INSERT IGNORE INTO %[3]s (id, position) VALUES (1, 0);

CREATE TABLE IF NOT EXISTS %[4]s (
    instance_id VARCHAR(255) NOT NULL,
    aggregate_type VARCHAR(255) NOT NULL,
    aggregate_id VARCHAR(255) NOT NULL,
    sequence BIGINT NOT NULL,
    updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),

    PRIMARY KEY (instance_id, aggregate_type, aggregate_id)
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS %[5]s (
    projection_name VARCHAR(255) PRIMARY KEY,
    position BIGINT NOT NULL DEFAULT 0,
    position_offset INT NOT NULL DEFAULT 0,
    updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
    event_timestamp TIMESTAMP(6) NULL,
    instance_id VARCHAR(255) NULL,
    aggregate_type VARCHAR(255) NULL,
    aggregate_id VARCHAR(255) NULL,
    sequence BIGINT NULL
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS %[6]s (
    projection_name VARCHAR(255) PRIMARY KEY,
    locker_id CHAR(36) NOT NULL,
    expires_at BIGINT NOT NULL
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS %[7]s (
    projection_name VARCHAR(255) NOT NULL,
    position BIGINT NOT NULL,
    in_tx_order INT NOT NULL,
    aggregate_type VARCHAR(255) NOT NULL,
    aggregate_id VARCHAR(255) NOT NULL,
    sequence BIGINT NOT NULL,
    error TEXT NOT NULL,
    failed_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
    retry_count INT NOT NULL DEFAULT 0,

    PRIMARY KEY (projection_name, position, in_tx_order)
) ENGINE=InnoDB;
`,
		time.Now().Format(time.RFC3339),
		config.EventsTable,
		config.LogHeadsTable,
		config.AggregateHeadsTable,
		config.StatesTable,
		config.LocksTable,
		config.FailedEventsTable,
	)
}
