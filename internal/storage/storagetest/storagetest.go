// Package storagetest holds behavior tests shared by every storage.Store backend.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/tutorbox/internal/storage"
)

// Run exercises store against the behavior every backend must provide.
func Run(t *testing.T, store storage.Store) {
	t.Helper()
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	t.Run("FlowUpsert", func(t *testing.T) { testFlowUpsert(t, store) })
	t.Run("FlowLatestAndList", func(t *testing.T) { testFlowLatestAndList(t, store) })
	t.Run("FlowNotFound", func(t *testing.T) { testFlowNotFound(t, store) })
	t.Run("SubmissionHistory", func(t *testing.T) { testSubmissionHistory(t, store) })
}

func newSession() string { return "s-" + uuid.NewString()[:8] }

func testFlowUpsert(t *testing.T, store storage.Store) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := &storage.FlowRecord{
		FlowID:    uuid.NewString(),
		SessionID: newSession(),
		Slug:      "simple_bash",
		SandboxID: "vsh-1",
		Total:     2,
		StartedAt: start,
		UpdatedAt: start,
	}
	if err := store.Flows().UpsertFlow(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ended := start.Add(5 * time.Minute)
	rec.Cursor = 2
	rec.Completed = true
	rec.EndReason = "evicted"
	rec.UpdatedAt = ended
	rec.EndedAt = &ended
	if err := store.Flows().UpsertFlow(ctx, rec); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := store.Flows().GetFlow(ctx, rec.FlowID)
	if err != nil {
		t.Fatalf("GetFlow: %v", err)
	}
	if got.Cursor != 2 || !got.Completed || got.EndReason != "evicted" {
		t.Errorf("record = %+v", got)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(ended) {
		t.Errorf("ended_at = %v, want %v", got.EndedAt, ended)
	}
	if got.SessionID != rec.SessionID || got.Slug != "simple_bash" || got.Total != 2 {
		t.Errorf("identity columns changed: %+v", got)
	}
}

func testFlowLatestAndList(t *testing.T, store storage.Store) {
	ctx := context.Background()
	session := newSession()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	var ids []string
	for i, slug := range []string{"simple_bash", "quoting", "simple_bash"} {
		rec := &storage.FlowRecord{
			FlowID:    uuid.NewString(),
			SessionID: session,
			Slug:      slug,
			Total:     2,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.Flows().UpsertFlow(ctx, rec); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, rec.FlowID)
	}
	// Another session's flow must not leak in.
	if err := store.Flows().UpsertFlow(ctx, &storage.FlowRecord{
		FlowID: uuid.NewString(), SessionID: newSession(), Slug: "simple_bash",
		Total: 2, StartedAt: base.Add(time.Hour), UpdatedAt: base.Add(time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	latest, err := store.Flows().LatestFlow(ctx, session, "simple_bash")
	if err != nil {
		t.Fatalf("LatestFlow: %v", err)
	}
	if latest.FlowID != ids[2] {
		t.Errorf("latest = %s, want %s", latest.FlowID, ids[2])
	}

	list, err := store.Flows().ListFlows(ctx, session)
	if err != nil {
		t.Fatalf("ListFlows: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("ListFlows = %d records, want 3", len(list))
	}
	if list[0].FlowID != ids[2] || list[2].FlowID != ids[0] {
		t.Errorf("ListFlows not newest first: %s, %s, %s", list[0].FlowID, list[1].FlowID, list[2].FlowID)
	}
}

func testFlowNotFound(t *testing.T, store storage.Store) {
	ctx := context.Background()
	if _, err := store.Flows().GetFlow(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetFlow err = %v, want ErrNotFound", err)
	}
	if _, err := store.Flows().LatestFlow(ctx, newSession(), "simple_bash"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("LatestFlow err = %v, want ErrNotFound", err)
	}
}

func testSubmissionHistory(t *testing.T, store storage.Store) {
	ctx := context.Background()
	flowID := uuid.NewString()
	session := newSession()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// Appended out of order; history is ordered by time.
	for _, i := range []int{2, 0, 1} {
		rec := &storage.SubmissionRecord{
			FlowID:    flowID,
			SessionID: session,
			Slug:      "simple_bash",
			StepIndex: i,
			StepName:  fmt.Sprintf("Step%d", i+1),
			Input:     fmt.Sprintf("echo %d", i),
			Stdout:    fmt.Sprintf("%d\n", i),
			Advanced:  i == 1,
			Duration:  15 * time.Millisecond,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := store.Submissions().AppendSubmission(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
		if rec.ID == uuid.Nil {
			t.Error("AppendSubmission did not assign an ID")
		}
	}

	subs, err := store.Submissions().ListSubmissions(ctx, flowID, 0)
	if err != nil {
		t.Fatalf("ListSubmissions: %v", err)
	}
	if len(subs) != 3 {
		t.Fatalf("submissions = %d, want 3", len(subs))
	}
	for i, s := range subs {
		if s.StepIndex != i {
			t.Errorf("subs[%d].StepIndex = %d", i, s.StepIndex)
		}
	}
	if !subs[1].Advanced || subs[1].Duration != 15*time.Millisecond || subs[1].Input != "echo 1" {
		t.Errorf("subs[1] = %+v", subs[1])
	}

	limited, err := store.Submissions().ListSubmissions(ctx, flowID, 2)
	if err != nil || len(limited) != 2 {
		t.Errorf("limited = %d, %v", len(limited), err)
	}

	none, err := store.Submissions().ListSubmissions(ctx, uuid.NewString(), 0)
	if err != nil || len(none) != 0 {
		t.Errorf("unknown flow = %d, %v", len(none), err)
	}
}
