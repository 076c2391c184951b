package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"civic311/core/console"
	"civic311/core/utils"
)

type ConsoleHandler struct {
	engine *console.Engine
	logger *utils.Logger
}

func NewConsoleHandler(engine *console.Engine, logger *utils.Logger) *ConsoleHandler {
	return &ConsoleHandler{engine: engine, logger: logger}
}

func (h *ConsoleHandler) viewer(r *http.Request) console.Viewer {
	sr := currentSession(r)
	if sr == nil {
		return console.Viewer{}
	}
	viewer := console.Viewer{Username: sr.Username}
	for _, member := range h.engine.Cache().Staff() {
		if strings.EqualFold(member.Username, sr.Username) {
			viewer.DepartmentIDs = member.DepartmentIDs
			break
		}
	}
	return viewer
}

func viewStateFromQuery(r *http.Request) console.ViewState {
	q := r.URL.Query()
	departmentID, _ := strconv.ParseInt(q.Get("department_id"), 10, 64)
	vs := console.ViewState{
		Workspace:       console.ParseWorkspace(q.Get("workspace")),
		Query:           q.Get("q"),
		DepartmentID:    departmentID,
		ServiceCategory: strings.TrimSpace(q.Get("category")),
		PriorityBand:    strings.ToLower(strings.TrimSpace(q.Get("band"))),
		Assignment:      console.AssignmentAll,
	}
	switch strings.ToLower(strings.TrimSpace(q.Get("assignment"))) {
	case "me":
		vs.Assignment = console.AssignmentMe
	case "department":
		vs.Assignment = console.AssignmentDepartment
	}
	return vs
}

func (h *ConsoleHandler) Status(w http.ResponseWriter, r *http.Request) {
	syncer := h.engine.Syncer()
	var lastError string
	if err := syncer.LastError(); err != nil {
		lastError = err.Error()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"loading":         syncer.Loading(),
		"loaded":          syncer.Loaded(),
		"last_error":      lastError,
		"last_refresh_at": syncer.LastRefreshAt(),
		"generation":      h.engine.Store().Generation(),
		"count":           h.engine.Store().Len(),
	})
}

// Load runs the blocking initial aggregate fetch. It is all-or-nothing and
// retried only by calling it again.
func (h *ConsoleHandler) Load(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.InitialLoad(r.Context()); err != nil {
		if errors.Is(err, console.ErrLoadInProgress) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		h.logger.Errorf("initial load: %v", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"loaded": true,
		"count":  h.engine.Store().Len(),
	})
}

func (h *ConsoleHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Syncer().Refresh(r.Context()); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": h.engine.Store().Len()})
}

func (h *ConsoleHandler) Queue(w http.ResponseWriter, r *http.Request) {
	view := h.engine.View(viewStateFromQuery(r), h.viewer(r))
	if view.Items == nil {
		view.Items = []console.Incident{}
	}
	if view.NeedsReview == nil {
		view.NeedsReview = []console.Incident{}
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *ConsoleHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Dashboard(h.viewer(r)))
}

func (h *ConsoleHandler) MapFeed(w http.ResponseWriter, r *http.Request) {
	enabled := map[int64]bool{}
	if raw := strings.TrimSpace(r.URL.Query().Get("layers")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64); err == nil {
				enabled[id] = true
			}
		}
	}
	feed := h.engine.MapFeed(viewStateFromQuery(r), h.viewer(r), enabled)
	writeJSON(w, http.StatusOK, feed)
}

func (h *ConsoleHandler) OpenDetail(w http.ResponseWriter, r *http.Request) {
	sr := currentSession(r)
	if sr == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	detail, err := h.engine.OpenDetail(r.Context(), sr.ID, urlParam(r, "reg_no"))
	if err != nil {
		if errors.Is(err, console.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		h.logger.Errorf("open detail: %v", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *ConsoleHandler) CloseDetail(w http.ResponseWriter, r *http.Request) {
	sr := currentSession(r)
	if sr == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	h.engine.CloseDetail(sr.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *ConsoleHandler) SetDraft(w http.ResponseWriter, r *http.Request) {
	sr := currentSession(r)
	if sr == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var draft console.Patch
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	h.engine.SetDraft(sr.ID, &draft)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Patch applies a triage mutation optimistically: the snapshot shows the new
// value immediately and rolls back if the records API rejects it.
func (h *ConsoleHandler) Patch(w http.ResponseWriter, r *http.Request) {
	sr := currentSession(r)
	if sr == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var patch console.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	updated, err := h.engine.ApplyOptimistic(r.Context(), sr.ID, urlParam(r, "reg_no"), patch)
	if err != nil {
		if errors.Is(err, console.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *ConsoleHandler) AcceptPriority(w http.ResponseWriter, r *http.Request) {
	sr := currentSession(r)
	if sr == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	updated, err := h.engine.AcceptAISuggestion(r.Context(), sr.ID, urlParam(r, "reg_no"))
	if err != nil {
		if errors.Is(err, console.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if errors.Is(err, console.ErrNoAISuggestion) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *ConsoleHandler) AddComment(w http.ResponseWriter, r *http.Request) {
	sr := currentSession(r)
	if sr == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var payload struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(payload.Body) == "" {
		http.Error(w, "comment body required", http.StatusBadRequest)
		return
	}
	comment, err := h.engine.AddComment(r.Context(), sr.ID, payload.Body)
	if err != nil {
		if errors.Is(err, console.ErrNotFound) {
			http.Error(w, "no open detail", http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

// Restore rebuilds the view from a persisted location path, reopening the
// selected detail when the path names one.
func (h *ConsoleHandler) Restore(w http.ResponseWriter, r *http.Request) {
	sr := currentSession(r)
	if sr == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, selected, err := console.ParseLocation(r.URL.Query().Get("path"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	view := h.engine.View(console.ViewState{Workspace: ws}, h.viewer(r))
	resp := map[string]any{
		"workspace": ws,
		"view":      view,
		"location":  console.FormatLocation(ws, selected),
	}
	if selected != "" {
		detail, err := h.engine.OpenDetail(r.Context(), sr.ID, selected)
		if err == nil {
			resp["detail"] = detail
		} else if !errors.Is(err, console.ErrNotFound) {
			h.logger.Warnf("restore detail %s: %v", selected, err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
