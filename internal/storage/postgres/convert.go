package postgres

import (
	"time"

	"github.com/jkaninda/tutorbox/internal/storage"
)

// --- Flow ---

func toFlowModel(r *storage.FlowRecord) FlowModel {
	return FlowModel{
		ID:        r.FlowID,
		SessionID: r.SessionID,
		Slug:      r.Slug,
		SandboxID: r.SandboxID,
		Cursor:    r.Cursor,
		Total:     r.Total,
		Completed: r.Completed,
		EndReason: r.EndReason,
		StartedAt: r.StartedAt,
		UpdatedAt: r.UpdatedAt,
		EndedAt:   r.EndedAt,
	}
}

func toFlowDomain(m *FlowModel) storage.FlowRecord {
	return storage.FlowRecord{
		FlowID:    m.ID,
		SessionID: m.SessionID,
		Slug:      m.Slug,
		SandboxID: m.SandboxID,
		Cursor:    m.Cursor,
		Total:     m.Total,
		Completed: m.Completed,
		EndReason: m.EndReason,
		StartedAt: m.StartedAt,
		UpdatedAt: m.UpdatedAt,
		EndedAt:   m.EndedAt,
	}
}

// --- Submission ---

func toSubmissionModel(r *storage.SubmissionRecord) SubmissionModel {
	return SubmissionModel{
		ID:         r.ID,
		FlowID:     r.FlowID,
		SessionID:  r.SessionID,
		Slug:       r.Slug,
		StepIndex:  r.StepIndex,
		StepName:   r.StepName,
		Input:      r.Input,
		Stdout:     r.Stdout,
		Stderr:     r.Stderr,
		ExitCode:   r.ExitCode,
		TimedOut:   r.TimedOut,
		Advanced:   r.Advanced,
		Hint:       r.Hint,
		DurationMS: r.Duration.Milliseconds(),
		CreatedAt:  r.CreatedAt,
	}
}

func toSubmissionDomain(m *SubmissionModel) storage.SubmissionRecord {
	return storage.SubmissionRecord{
		ID:        m.ID,
		FlowID:    m.FlowID,
		SessionID: m.SessionID,
		Slug:      m.Slug,
		StepIndex: m.StepIndex,
		StepName:  m.StepName,
		Input:     m.Input,
		Stdout:    m.Stdout,
		Stderr:    m.Stderr,
		ExitCode:  m.ExitCode,
		TimedOut:  m.TimedOut,
		Advanced:  m.Advanced,
		Hint:      m.Hint,
		Duration:  time.Duration(m.DurationMS) * time.Millisecond,
		CreatedAt: m.CreatedAt,
	}
}
