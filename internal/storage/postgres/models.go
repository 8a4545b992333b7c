package postgres

import (
	"time"

	"github.com/google/uuid"
)

// FlowModel maps to the "flows" table. One row per flow instance.
type FlowModel struct {
	ID        string    `gorm:"type:varchar(64);primaryKey"`
	SessionID string    `gorm:"type:varchar(255);not null;index:idx_flows_session_slug,priority:1"`
	Slug      string    `gorm:"type:varchar(128);not null;index:idx_flows_session_slug,priority:2"`
	SandboxID string    `gorm:"type:varchar(128)"`
	Cursor    int       `gorm:"not null;default:0"`
	Total     int       `gorm:"not null"`
	Completed bool      `gorm:"not null;default:false"`
	EndReason string    `gorm:"type:varchar(64)"`
	StartedAt time.Time `gorm:"not null;index"`
	UpdatedAt time.Time
	EndedAt   *time.Time
}

func (FlowModel) TableName() string { return "flows" }

// SubmissionModel maps to the "submissions" table. Append-only.
type SubmissionModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	FlowID     string    `gorm:"type:varchar(64);not null;index:idx_submissions_flow_created,priority:1"`
	SessionID  string    `gorm:"type:varchar(255);not null;index"`
	Slug       string    `gorm:"type:varchar(128);not null"`
	StepIndex  int       `gorm:"not null"`
	StepName   string    `gorm:"type:varchar(128)"`
	Input      string    `gorm:"type:text"`
	Stdout     string    `gorm:"type:text"`
	Stderr     string    `gorm:"type:text"`
	ExitCode   int       `gorm:"not null"`
	TimedOut   bool      `gorm:"not null;default:false"`
	Advanced   bool      `gorm:"not null;default:false"`
	Hint       string    `gorm:"type:text"`
	DurationMS int64     `gorm:"not null;default:0"`
	CreatedAt  time.Time `gorm:"not null;index:idx_submissions_flow_created,priority:2"`
}

func (SubmissionModel) TableName() string { return "submissions" }

// Models lists every table in migration order. Shared with the SQLite backend.
func Models() []any {
	return []any{
		&FlowModel{},
		&SubmissionModel{},
	}
}
