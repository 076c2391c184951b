package handlers

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"civic311/config"
	"civic311/core/auth"
	"civic311/core/store"
	"civic311/core/utils"
)

const sessionCookie = "civic311_session"

type AuthHandler struct {
	cfg      *config.AppConfig
	staff    store.ReferenceStore
	sessions *auth.SessionManager
	logger   *utils.Logger
}

func NewAuthHandler(cfg *config.AppConfig, staff store.ReferenceStore, sessions *auth.SessionManager, logger *utils.Logger) *AuthHandler {
	return &AuthHandler{cfg: cfg, staff: staff, sessions: sessions, logger: logger}
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	username := strings.ToLower(strings.TrimSpace(payload.Username))
	member, err := h.staff.GetStaffByUsername(r.Context(), username)
	if err != nil || member == nil || !member.Active {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if ok, err := auth.VerifyPassword(payload.Password, member.PasswordHash); err != nil || !ok {
		h.logger.Warnf("login failed for %s", username)
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	ip, _, _ := net.SplitHostPort(r.RemoteAddr)
	rec, err := h.sessions.Create(r.Context(), member, ip, r.UserAgent())
	if err != nil {
		h.logger.Errorf("create session: %v", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    rec.ID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  rec.ExpiresAt,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"token":    rec.ID,
		"username": member.Username,
		"role":     member.Role,
	})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if sr := currentSession(r); sr != nil {
		_ = h.sessions.Delete(r.Context(), sr.ID)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Expires:  time.Unix(0, 0),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	sr := currentSession(r)
	if sr == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	member, err := h.staff.GetStaffByUsername(r.Context(), sr.Username)
	if err != nil || member == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, member)
}
