package auth

import (
	"context"
	"testing"
	"time"

	"civic311/config"
	"civic311/core/store"
)

type memSessionStore struct {
	sessions map[string]store.SessionRecord
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: map[string]store.SessionRecord{}}
}

func (m *memSessionStore) SaveSession(_ context.Context, rec *store.SessionRecord) error {
	m.sessions[rec.ID] = *rec
	return nil
}

func (m *memSessionStore) GetSession(_ context.Context, id string) (*store.SessionRecord, error) {
	rec, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *memSessionStore) UpdateActivity(_ context.Context, id string, seenAt time.Time, ttl time.Duration) error {
	rec, ok := m.sessions[id]
	if !ok {
		return nil
	}
	rec.LastSeenAt = seenAt
	rec.ExpiresAt = seenAt.Add(ttl)
	m.sessions[id] = rec
	return nil
}

func (m *memSessionStore) DeleteSession(_ context.Context, id string) error {
	delete(m.sessions, id)
	return nil
}

func (m *memSessionStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for id, rec := range m.sessions {
		if rec.ExpiresAt.Before(now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func newTestManager(ttl time.Duration) (*SessionManager, *memSessionStore) {
	ms := newMemSessionStore()
	cfg := &config.AppConfig{SessionTTL: ttl}
	return NewSessionManager(ms, cfg, nil), ms
}

func TestCreateAndValidate(t *testing.T) {
	mgr, _ := newTestManager(time.Hour)
	ctx := context.Background()
	member := &store.StaffMember{Username: "jsmith", Role: "agent"}

	rec, err := mgr.Create(ctx, member, "10.0.0.1", "cli/1.0")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.ID == "" || rec.Username != "jsmith" || rec.Role != "agent" {
		t.Fatalf("created session = %+v", rec)
	}
	if got := rec.ExpiresAt.Sub(rec.CreatedAt); got != time.Hour {
		t.Fatalf("ttl = %v, want 1h", got)
	}

	live, err := mgr.Validate(ctx, rec.ID)
	if err != nil || live == nil {
		t.Fatalf("validate: %v %v", live, err)
	}
	if missing, err := mgr.Validate(ctx, "no-such-id"); err != nil || missing != nil {
		t.Fatalf("unknown id: %v %v", missing, err)
	}
	if blank, err := mgr.Validate(ctx, ""); err != nil || blank != nil {
		t.Fatalf("blank id: %v %v", blank, err)
	}
}

func TestValidateDeletesExpiredSession(t *testing.T) {
	mgr, ms := newTestManager(time.Hour)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	ms.sessions["old"] = store.SessionRecord{ID: "old", Username: "a", Role: "viewer", ExpiresAt: past}

	rec, err := mgr.Validate(ctx, "old")
	if err != nil || rec != nil {
		t.Fatalf("expired session validated: %v %v", rec, err)
	}
	if _, ok := ms.sessions["old"]; ok {
		t.Fatalf("expired session not purged")
	}
}

func TestSessionTTLIsCapped(t *testing.T) {
	mgr, _ := newTestManager(48 * time.Hour)
	rec, err := mgr.Create(context.Background(), &store.StaffMember{Username: "a", Role: "viewer"}, "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := rec.ExpiresAt.Sub(rec.CreatedAt); got != 12*time.Hour {
		t.Fatalf("ttl = %v, want capped 12h", got)
	}
}

func TestSessionFromContext(t *testing.T) {
	if SessionFromContext(context.Background()) != nil {
		t.Fatalf("empty context produced a session")
	}
	want := &store.SessionRecord{ID: "s", Username: "jsmith", Role: "agent"}
	ctx := context.WithValue(context.Background(), SessionContextKey, want)
	if got := SessionFromContext(ctx); got != want {
		t.Fatalf("got %+v", got)
	}
}
