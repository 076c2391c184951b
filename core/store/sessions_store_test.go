package store

import (
	"context"
	"testing"
	"time"
)

func TestSessionLifecycle(t *testing.T) {
	ss := NewSessionsStore(openTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	rec := &SessionRecord{
		ID:         "sess-1",
		Username:   "jsmith",
		Role:       "agent",
		IP:         "10.0.0.1",
		CreatedAt:  now,
		LastSeenAt: now,
		ExpiresAt:  now.Add(time.Hour),
	}
	if err := ss.SaveSession(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := ss.GetSession(ctx, "sess-1")
	if err != nil || got == nil {
		t.Fatalf("get: %v %v", got, err)
	}
	if got.Username != "jsmith" || got.Role != "agent" {
		t.Fatalf("got %+v", got)
	}

	seen := now.Add(30 * time.Minute)
	if err := ss.UpdateActivity(ctx, "sess-1", seen, 2*time.Hour); err != nil {
		t.Fatalf("activity: %v", err)
	}
	got, _ = ss.GetSession(ctx, "sess-1")
	if got.ExpiresAt.Before(now.Add(2 * time.Hour)) {
		t.Fatalf("expiry not extended: %v", got.ExpiresAt)
	}

	if err := ss.DeleteSession(ctx, "sess-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err = ss.GetSession(ctx, "sess-1")
	if err != nil || got != nil {
		t.Fatalf("deleted session still readable: %v %v", got, err)
	}
}

func TestDeleteExpiredKeepsLiveSessions(t *testing.T) {
	ss := NewSessionsStore(openTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	stale := &SessionRecord{ID: "stale", Username: "a", Role: "viewer", CreatedAt: now.Add(-3 * time.Hour), LastSeenAt: now.Add(-3 * time.Hour), ExpiresAt: now.Add(-time.Hour)}
	live := &SessionRecord{ID: "live", Username: "b", Role: "viewer", CreatedAt: now, LastSeenAt: now, ExpiresAt: now.Add(time.Hour)}
	for _, rec := range []*SessionRecord{stale, live} {
		if err := ss.SaveSession(ctx, rec); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	n, err := ss.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if got, _ := ss.GetSession(ctx, "live"); got == nil {
		t.Fatalf("live session swept")
	}
	if got, _ := ss.GetSession(ctx, "stale"); got != nil {
		t.Fatalf("stale session survived")
	}
}
