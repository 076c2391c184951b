package handlers

import (
	"encoding/json"
	"net/http"

	"civic311/core/auth"
	"civic311/core/store"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func currentSession(r *http.Request) *store.SessionRecord {
	return auth.SessionFromContext(r.Context())
}
