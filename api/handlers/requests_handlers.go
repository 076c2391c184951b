package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"civic311/config"
	"civic311/core/store"
	"civic311/core/utils"
)

type RequestsHandler struct {
	cfg    *config.AppConfig
	store  store.RequestsStore
	logger *utils.Logger
}

func NewRequestsHandler(cfg *config.AppConfig, rs store.RequestsStore, logger *utils.Logger) *RequestsHandler {
	return &RequestsHandler{cfg: cfg, store: rs, logger: logger}
}

var validStatus = map[string]struct{}{
	store.StatusOpen:       {},
	store.StatusInProgress: {},
	store.StatusClosed:     {},
}

var validSubstatus = map[string]struct{}{
	store.SubstatusResolved:   {},
	store.SubstatusNoAction:   {},
	store.SubstatusThirdParty: {},
}

// Submit accepts an unauthenticated resident report. Triage fields are not
// writable here.
func (h *RequestsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Description  string            `json:"description"`
		Address      string            `json:"address"`
		Lat          *float64          `json:"lat"`
		Long         *float64          `json:"long"`
		ServiceCode  string            `json:"service_code"`
		MediaURLs    []string          `json:"media_urls"`
		CustomFields map[string]string `json:"custom_fields"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	description := strings.TrimSpace(payload.Description)
	if description == "" {
		http.Error(w, "description required", http.StatusBadRequest)
		return
	}
	if (payload.Lat == nil) != (payload.Long == nil) {
		http.Error(w, "lat and long must be set together", http.StatusBadRequest)
		return
	}
	req := &store.Request{
		Description:  description,
		Address:      strings.TrimSpace(payload.Address),
		Lat:          payload.Lat,
		Long:         payload.Long,
		ServiceCode:  strings.TrimSpace(payload.ServiceCode),
		MediaURLs:    payload.MediaURLs,
		CustomFields: payload.CustomFields,
	}
	if _, err := h.store.CreateRequest(r.Context(), req, h.cfg.Requests.RegNoFormat); err != nil {
		h.logger.Errorf("create request: %v", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// Track is the resident-facing status lookup by registration number. It
// returns a reduced view without triage fields.
func (h *RequestsHandler) Track(w http.ResponseWriter, r *http.Request) {
	req, err := h.store.GetRequest(r.Context(), urlParam(r, "reg_no"))
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if req == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reg_no":           req.RegNo,
		"status":           req.Status,
		"closed_substatus": req.ClosedSubstatus,
		"requested_at":     req.RequestedAt,
		"updated_at":       req.UpdatedAt,
	})
}

func (h *RequestsHandler) List(w http.ResponseWriter, r *http.Request) {
	includeArchived := r.URL.Query().Get("include_archived") == "1"
	items, err := h.store.ListRequests(r.Context(), includeArchived)
	if err != nil {
		h.logger.Errorf("list requests: %v", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []store.Request{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *RequestsHandler) Get(w http.ResponseWriter, r *http.Request) {
	req, err := h.store.GetRequest(r.Context(), urlParam(r, "reg_no"))
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if req == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// Patch applies a partial triage update. The expected version comes from the
// body or an If-Match header; zero means last-write-wins.
func (h *RequestsHandler) Patch(w http.ResponseWriter, r *http.Request) {
	sr := currentSession(r)
	if sr == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var payload struct {
		store.RequestPatch
		Version int `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if payload.Status != nil {
		st := strings.ToLower(strings.TrimSpace(*payload.Status))
		if _, ok := validStatus[st]; !ok {
			http.Error(w, "invalid status", http.StatusBadRequest)
			return
		}
		payload.Status = &st
	}
	if payload.ClosedSubstatus != nil {
		sub := strings.ToLower(strings.TrimSpace(*payload.ClosedSubstatus))
		if _, ok := validSubstatus[sub]; !ok {
			http.Error(w, "invalid substatus", http.StatusBadRequest)
			return
		}
		payload.ClosedSubstatus = &sub
	}
	expected := payload.Version
	if expected == 0 {
		if hdr := strings.Trim(strings.TrimSpace(r.Header.Get("If-Match")), "\""); hdr != "" {
			if v, err := strconv.Atoi(hdr); err == nil {
				expected = v
			}
		}
	}
	updated, err := h.store.ApplyPatch(r.Context(), urlParam(r, "reg_no"), payload.RequestPatch, sr.Username, expected)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			http.Error(w, "version conflict", http.StatusConflict)
			return
		}
		if errors.Is(err, store.ErrInvalidScore) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Errorf("patch request: %v", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if updated == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *RequestsHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	req, err := h.store.GetRequest(r.Context(), urlParam(r, "reg_no"))
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if req == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	entries, err := h.store.ListAudit(r.Context(), req.ID)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []store.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *RequestsHandler) ListComments(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(urlParam(r, "id"), 10, 64)
	req, err := h.store.GetRequestByID(r.Context(), id)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if req == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	comments, err := h.store.ListComments(r.Context(), req.ID)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if comments == nil {
		comments = []store.Comment{}
	}
	writeJSON(w, http.StatusOK, comments)
}

func (h *RequestsHandler) AddComment(w http.ResponseWriter, r *http.Request) {
	sr := currentSession(r)
	if sr == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id, _ := strconv.ParseInt(urlParam(r, "id"), 10, 64)
	req, err := h.store.GetRequestByID(r.Context(), id)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if req == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	var payload struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	body := strings.TrimSpace(payload.Body)
	if body == "" {
		http.Error(w, "comment body required", http.StatusBadRequest)
		return
	}
	comment := &store.Comment{
		RequestID:  req.ID,
		AuthorType: store.ActorStaff,
		AuthorName: sr.Username,
		Body:       body,
	}
	if _, err := h.store.AddComment(r.Context(), comment); err != nil {
		h.logger.Errorf("add comment: %v", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}
