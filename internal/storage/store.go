// Package storage defines the Store interface for flow progress records and
// submission history. Three backends are provided: in-memory (tests and
// ephemeral runs), SQLite (default, zero-config) and PostgreSQL.
//
// The store is a record of what happened. Live flow state is owned by the
// session registry and is never rebuilt from these records.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the unified persistence interface for tutorbox.
type Store interface {
	Flows() FlowStore
	Submissions() SubmissionStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("memory", "sqlite" or "postgres").
	Driver() string
}

// FlowStore persists one record per flow instance.
type FlowStore interface {
	// UpsertFlow inserts or updates the record keyed by FlowID.
	UpsertFlow(ctx context.Context, rec *FlowRecord) error
	GetFlow(ctx context.Context, flowID string) (*FlowRecord, error)
	// LatestFlow returns the most recently started flow for (sessionID, slug).
	LatestFlow(ctx context.Context, sessionID, slug string) (*FlowRecord, error)
	// ListFlows returns a session's flows, newest first.
	ListFlows(ctx context.Context, sessionID string) ([]FlowRecord, error)
}

// SubmissionStore is append-only submission history.
type SubmissionStore interface {
	AppendSubmission(ctx context.Context, rec *SubmissionRecord) error
	// ListSubmissions returns a flow's submissions in order. Limit defaults to 100.
	ListSubmissions(ctx context.Context, flowID string, limit int) ([]SubmissionRecord, error)
}

// FlowRecord is the persisted view of a flow instance.
type FlowRecord struct {
	FlowID    string     `json:"flow_id"`
	SessionID string     `json:"session_id"`
	Slug      string     `json:"slug"`
	SandboxID string     `json:"sandbox_id,omitempty"`
	Cursor    int        `json:"cursor"`
	Total     int        `json:"total"`
	Completed bool       `json:"completed"`
	EndReason string     `json:"end_reason,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// SubmissionRecord is one evaluated submission.
type SubmissionRecord struct {
	ID        uuid.UUID     `json:"id"`
	FlowID    string        `json:"flow_id"`
	SessionID string        `json:"session_id"`
	Slug      string        `json:"slug"`
	StepIndex int           `json:"step_index"`
	StepName  string        `json:"step_name"`
	Input     string        `json:"input"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ExitCode  int           `json:"exit_code"`
	TimedOut  bool          `json:"timed_out"`
	Advanced  bool          `json:"advanced"`
	Hint      string        `json:"hint,omitempty"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}

// DefaultHistoryLimit bounds ListSubmissions when no limit is given.
const DefaultHistoryLimit = 100

// Config holds storage configuration for driver selection.
type Config struct {
	Driver   string         `json:"driver" yaml:"driver"` // "sqlite" (default), "postgres" or "memory"
	SQLite   SQLiteConfig   `json:"sqlite" yaml:"sqlite"`
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from workspace.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"`
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// DriverMemory is the in-memory driver name.
const DriverMemory = "memory"
