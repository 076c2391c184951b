package auth

import (
	"context"

	"civic311/config"
	"civic311/core/store"
	"civic311/core/utils"
	"github.com/gofrs/uuid/v5"
)

type SessionManager struct {
	store  store.SessionStore
	cfg    *config.AppConfig
	logger *utils.Logger
}

func NewSessionManager(sessions store.SessionStore, cfg *config.AppConfig, logger *utils.Logger) *SessionManager {
	return &SessionManager{store: sessions, cfg: cfg, logger: logger}
}

func (m *SessionManager) Create(ctx context.Context, member *store.StaffMember, ip, userAgent string) (*store.SessionRecord, error) {
	id := uuid.Must(uuid.NewV4()).String()
	now := utils.NowUTC()
	rec := &store.SessionRecord{
		ID:         id,
		Username:   member.Username,
		Role:       member.Role,
		IP:         ip,
		UserAgent:  userAgent,
		CreatedAt:  now,
		LastSeenAt: now,
		ExpiresAt:  now.Add(m.cfg.EffectiveSessionTTL()),
	}
	if err := m.store.SaveSession(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Validate returns the live session for id, or nil when absent or expired.
// Expired rows are deleted on sight.
func (m *SessionManager) Validate(ctx context.Context, id string) (*store.SessionRecord, error) {
	if id == "" {
		return nil, nil
	}
	rec, err := m.store.GetSession(ctx, id)
	if err != nil || rec == nil {
		return nil, err
	}
	if utils.NowUTC().After(rec.ExpiresAt) {
		_ = m.store.DeleteSession(ctx, id)
		return nil, nil
	}
	return rec, nil
}

func (m *SessionManager) Refresh(ctx context.Context, id string) error {
	return m.store.UpdateActivity(ctx, id, utils.NowUTC(), m.cfg.EffectiveSessionTTL())
}

func (m *SessionManager) Delete(ctx context.Context, id string) error {
	return m.store.DeleteSession(ctx, id)
}

func (m *SessionManager) Sweep(ctx context.Context) {
	if n, err := m.store.DeleteExpired(ctx, utils.NowUTC()); err != nil {
		m.logger.Errorf("session sweep: %v", err)
	} else if n > 0 {
		m.logger.Infof("session sweep removed %d expired sessions", n)
	}
}

type contextKey string

// SessionContextKey carries the authenticated *store.SessionRecord.
const SessionContextKey contextKey = "civic311.session"

func SessionFromContext(ctx context.Context) *store.SessionRecord {
	if v := ctx.Value(SessionContextKey); v != nil {
		if sr, ok := v.(*store.SessionRecord); ok {
			return sr
		}
	}
	return nil
}
