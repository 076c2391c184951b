package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"civic311/core/auth"
	"civic311/core/store"
	"civic311/core/utils"
)

type ReferenceHandler struct {
	store  store.ReferenceStore
	logger *utils.Logger
}

func NewReferenceHandler(rs store.ReferenceStore, logger *utils.Logger) *ReferenceHandler {
	return &ReferenceHandler{store: rs, logger: logger}
}

func (h *ReferenceHandler) ListServices(w http.ResponseWriter, r *http.Request) {
	items, err := h.store.ListServices(r.Context())
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []store.Service{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *ReferenceHandler) SaveService(w http.ResponseWriter, r *http.Request) {
	var svc store.Service
	if err := json.NewDecoder(r.Body).Decode(&svc); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	svc.Code = strings.TrimSpace(svc.Code)
	svc.Name = strings.TrimSpace(svc.Name)
	if svc.Code == "" || svc.Name == "" {
		http.Error(w, "code and name required", http.StatusBadRequest)
		return
	}
	if err := h.store.UpsertService(r.Context(), &svc); err != nil {
		h.logger.Errorf("save service: %v", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (h *ReferenceHandler) ListDepartments(w http.ResponseWriter, r *http.Request) {
	items, err := h.store.ListDepartments(r.Context())
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []store.Department{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *ReferenceHandler) CreateDepartment(w http.ResponseWriter, r *http.Request) {
	var dep store.Department
	if err := json.NewDecoder(r.Body).Decode(&dep); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	dep.Name = strings.TrimSpace(dep.Name)
	if dep.Name == "" {
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}
	id, err := h.store.CreateDepartment(r.Context(), &dep)
	if err != nil {
		h.logger.Errorf("create department: %v", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	dep.ID = id
	writeJSON(w, http.StatusCreated, dep)
}

func (h *ReferenceHandler) ListStaff(w http.ResponseWriter, r *http.Request) {
	items, err := h.store.ListStaff(r.Context())
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []store.StaffMember{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *ReferenceHandler) CreateStaff(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Username      string  `json:"username"`
		FullName      string  `json:"full_name"`
		Password      string  `json:"password"`
		Role          string  `json:"role"`
		DepartmentIDs []int64 `json:"department_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	username := strings.TrimSpace(payload.Username)
	if username == "" || payload.Password == "" {
		http.Error(w, "username and password required", http.StatusBadRequest)
		return
	}
	role := strings.ToLower(strings.TrimSpace(payload.Role))
	if role == "" {
		role = "viewer"
	}
	hash, err := auth.HashPassword(payload.Password)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	member := &store.StaffMember{
		Username:      username,
		FullName:      strings.TrimSpace(payload.FullName),
		PasswordHash:  hash,
		Role:          role,
		DepartmentIDs: payload.DepartmentIDs,
		Active:        true,
	}
	if _, err := h.store.CreateStaff(r.Context(), member); err != nil {
		h.logger.Errorf("create staff: %v", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, member)
}

func (h *ReferenceHandler) ListMapLayers(w http.ResponseWriter, r *http.Request) {
	items, err := h.store.ListMapLayers(r.Context())
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []store.MapLayer{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *ReferenceHandler) AddMapLayer(w http.ResponseWriter, r *http.Request) {
	var layer store.MapLayer
	if err := json.NewDecoder(r.Body).Decode(&layer); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	layer.Name = strings.TrimSpace(layer.Name)
	if layer.Name == "" || strings.TrimSpace(layer.GeoJSON) == "" {
		http.Error(w, "name and geojson required", http.StatusBadRequest)
		return
	}
	id, err := h.store.AddMapLayer(r.Context(), &layer)
	if err != nil {
		h.logger.Errorf("add map layer: %v", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	layer.ID = id
	writeJSON(w, http.StatusCreated, layer)
}

func (h *ReferenceHandler) GetMapConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.store.GetMapConfig(r.Context())
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *ReferenceHandler) SaveMapConfig(w http.ResponseWriter, r *http.Request) {
	var cfg store.MapConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := h.store.SaveMapConfig(r.Context(), &cfg); err != nil {
		h.logger.Errorf("save map config: %v", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}
