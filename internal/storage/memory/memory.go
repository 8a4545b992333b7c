// Package memory implements storage.Store in process memory. Records are
// lost on exit; used for tests and for runs with persistence disabled.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jkaninda/tutorbox/internal/storage"
)

// Store implements storage.Store with maps guarded by a mutex.
type Store struct {
	mu          sync.RWMutex
	flows       map[string]storage.FlowRecord
	submissions map[string][]storage.SubmissionRecord
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		flows:       make(map[string]storage.FlowRecord),
		submissions: make(map[string][]storage.SubmissionRecord),
	}
}

func (s *Store) Flows() storage.FlowStore             { return flowStore{s} }
func (s *Store) Submissions() storage.SubmissionStore { return submissionStore{s} }

func (s *Store) Migrate(context.Context) error { return nil }
func (s *Store) Ping(context.Context) error    { return nil }
func (s *Store) Close() error                  { return nil }
func (s *Store) Driver() string                { return storage.DriverMemory }

type flowStore struct{ s *Store }

func (f flowStore) UpsertFlow(_ context.Context, rec *storage.FlowRecord) error {
	if rec.FlowID == "" {
		return fmt.Errorf("upserting flow: empty flow id")
	}
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if prev, ok := f.s.flows[rec.FlowID]; ok {
		// Identity columns are fixed at insert.
		updated := *rec
		updated.SessionID, updated.Slug, updated.StartedAt = prev.SessionID, prev.Slug, prev.StartedAt
		f.s.flows[rec.FlowID] = updated
		return nil
	}
	f.s.flows[rec.FlowID] = *rec
	return nil
}

func (f flowStore) GetFlow(_ context.Context, flowID string) (*storage.FlowRecord, error) {
	f.s.mu.RLock()
	defer f.s.mu.RUnlock()
	rec, ok := f.s.flows[flowID]
	if !ok {
		return nil, fmt.Errorf("getting flow %s: %w", flowID, storage.ErrNotFound)
	}
	return &rec, nil
}

func (f flowStore) LatestFlow(ctx context.Context, sessionID, slug string) (*storage.FlowRecord, error) {
	recs, _ := f.ListFlows(ctx, sessionID)
	for i := range recs {
		if recs[i].Slug == slug {
			return &recs[i], nil
		}
	}
	return nil, fmt.Errorf("getting latest flow %s/%s: %w", sessionID, slug, storage.ErrNotFound)
}

func (f flowStore) ListFlows(_ context.Context, sessionID string) ([]storage.FlowRecord, error) {
	f.s.mu.RLock()
	recs := make([]storage.FlowRecord, 0)
	for _, rec := range f.s.flows {
		if rec.SessionID == sessionID {
			recs = append(recs, rec)
		}
	}
	f.s.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].StartedAt.After(recs[j].StartedAt) })
	return recs, nil
}

type submissionStore struct{ s *Store }

func (ss submissionStore) AppendSubmission(_ context.Context, rec *storage.SubmissionRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	ss.s.submissions[rec.FlowID] = append(ss.s.submissions[rec.FlowID], *rec)
	return nil
}

func (ss submissionStore) ListSubmissions(_ context.Context, flowID string, limit int) ([]storage.SubmissionRecord, error) {
	if limit <= 0 {
		limit = storage.DefaultHistoryLimit
	}
	ss.s.mu.RLock()
	recs := append([]storage.SubmissionRecord(nil), ss.s.submissions[flowID]...)
	ss.s.mu.RUnlock()

	sort.SliceStable(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
