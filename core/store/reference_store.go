package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

type Service struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
	Active   bool   `json:"active"`
}

type Department struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type StaffMember struct {
	ID            int64     `json:"id"`
	Username      string    `json:"username"`
	FullName      string    `json:"full_name,omitempty"`
	PasswordHash  string    `json:"-"`
	Role          string    `json:"role"`
	DepartmentIDs []int64   `json:"department_ids,omitempty"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type MapLayer struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	GeoJSON string `json:"geojson"`
}

type MapConfig struct {
	TileKey         string  `json:"tile_key"`
	BoundaryGeoJSON string  `json:"boundary_geojson"`
	CenterLat       float64 `json:"center_lat"`
	CenterLong      float64 `json:"center_long"`
	DefaultZoom     int     `json:"default_zoom"`
}

type ReferenceStore interface {
	ListServices(ctx context.Context) ([]Service, error)
	UpsertService(ctx context.Context, svc *Service) error

	ListDepartments(ctx context.Context) ([]Department, error)
	CreateDepartment(ctx context.Context, dep *Department) (int64, error)

	ListStaff(ctx context.Context) ([]StaffMember, error)
	GetStaffByUsername(ctx context.Context, username string) (*StaffMember, error)
	CreateStaff(ctx context.Context, member *StaffMember) (int64, error)

	ListMapLayers(ctx context.Context) ([]MapLayer, error)
	AddMapLayer(ctx context.Context, layer *MapLayer) (int64, error)

	GetMapConfig(ctx context.Context) (*MapConfig, error)
	SaveMapConfig(ctx context.Context, cfg *MapConfig) error
}

type referenceStore struct {
	db *sql.DB
}

func NewReferenceStore(db *sql.DB) ReferenceStore {
	return &referenceStore{db: db}
}

func (s *referenceStore) ListServices(ctx context.Context) ([]Service, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT code, name, category, active FROM services ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Service
	for rows.Next() {
		var svc Service
		var active int
		if err := rows.Scan(&svc.Code, &svc.Name, &svc.Category, &active); err != nil {
			return nil, err
		}
		svc.Active = active == 1
		res = append(res, svc)
	}
	return res, rows.Err()
}

func (s *referenceStore) UpsertService(ctx context.Context, svc *Service) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO services(code, name, category, active) VALUES(?,?,?,?)
		ON CONFLICT (code) DO UPDATE SET name=excluded.name, category=excluded.category, active=excluded.active`,
		strings.TrimSpace(svc.Code), strings.TrimSpace(svc.Name), strings.TrimSpace(svc.Category), boolToInt(svc.Active))
	return err
}

func (s *referenceStore) ListDepartments(ctx context.Context) ([]Department, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, email FROM departments ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Department
	for rows.Next() {
		var dep Department
		if err := rows.Scan(&dep.ID, &dep.Name, &dep.Email); err != nil {
			return nil, err
		}
		res = append(res, dep)
	}
	return res, rows.Err()
}

func (s *referenceStore) CreateDepartment(ctx context.Context, dep *Department) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO departments(name, email) VALUES(?,?)`,
		strings.TrimSpace(dep.Name), strings.TrimSpace(dep.Email))
	if err != nil {
		return 0, err
	}
	id, _ := res.LastInsertId()
	dep.ID = id
	return id, nil
}

func (s *referenceStore) ListStaff(ctx context.Context) ([]StaffMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, full_name, password_hash, role, department_ids, active, created_at, updated_at
		FROM staff WHERE active=1 ORDER BY username ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []StaffMember
	for rows.Next() {
		member, err := scanStaff(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, member)
	}
	return res, rows.Err()
}

func (s *referenceStore) GetStaffByUsername(ctx context.Context, username string) (*StaffMember, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, full_name, password_hash, role, department_ids, active, created_at, updated_at
		FROM staff WHERE username=?`, strings.TrimSpace(username))
	member, err := scanStaff(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &member, nil
}

func (s *referenceStore) CreateStaff(ctx context.Context, member *StaffMember) (int64, error) {
	now := time.Now().UTC()
	if strings.TrimSpace(member.Role) == "" {
		member.Role = "agent"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO staff(username, full_name, password_hash, role, department_ids, active, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?)`,
		strings.TrimSpace(member.Username), strings.TrimSpace(member.FullName), member.PasswordHash,
		member.Role, idsToJSON(member.DepartmentIDs), boolToInt(member.Active), now, now)
	if err != nil {
		return 0, err
	}
	id, _ := res.LastInsertId()
	member.ID = id
	member.CreatedAt = now
	member.UpdatedAt = now
	return id, nil
}

func (s *referenceStore) ListMapLayers(ctx context.Context) ([]MapLayer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, kind, geojson FROM map_layers ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []MapLayer
	for rows.Next() {
		var layer MapLayer
		if err := rows.Scan(&layer.ID, &layer.Name, &layer.Kind, &layer.GeoJSON); err != nil {
			return nil, err
		}
		res = append(res, layer)
	}
	return res, rows.Err()
}

func (s *referenceStore) AddMapLayer(ctx context.Context, layer *MapLayer) (int64, error) {
	if strings.TrimSpace(layer.Kind) == "" {
		layer.Kind = "overlay"
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO map_layers(name, kind, geojson) VALUES(?,?,?)`,
		strings.TrimSpace(layer.Name), layer.Kind, layer.GeoJSON)
	if err != nil {
		return 0, err
	}
	id, _ := res.LastInsertId()
	layer.ID = id
	return id, nil
}

func (s *referenceStore) GetMapConfig(ctx context.Context) (*MapConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tile_key, boundary_geojson, center_lat, center_long, default_zoom FROM map_config WHERE id=1`)
	var cfg MapConfig
	if err := row.Scan(&cfg.TileKey, &cfg.BoundaryGeoJSON, &cfg.CenterLat, &cfg.CenterLong, &cfg.DefaultZoom); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &MapConfig{BoundaryGeoJSON: "{}", DefaultZoom: 13}, nil
		}
		return nil, err
	}
	return &cfg, nil
}

func (s *referenceStore) SaveMapConfig(ctx context.Context, cfg *MapConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO map_config(id, tile_key, boundary_geojson, center_lat, center_long, default_zoom)
		VALUES(1,?,?,?,?,?)
		ON CONFLICT (id) DO UPDATE SET tile_key=excluded.tile_key, boundary_geojson=excluded.boundary_geojson,
			center_lat=excluded.center_lat, center_long=excluded.center_long, default_zoom=excluded.default_zoom`,
		cfg.TileKey, cfg.BoundaryGeoJSON, cfg.CenterLat, cfg.CenterLong, cfg.DefaultZoom)
	return err
}

func scanStaff(row rowScanner) (StaffMember, error) {
	var member StaffMember
	var deptRaw string
	var active int
	if err := row.Scan(&member.ID, &member.Username, &member.FullName, &member.PasswordHash, &member.Role,
		&deptRaw, &active, &member.CreatedAt, &member.UpdatedAt); err != nil {
		return member, err
	}
	member.Active = active == 1
	_ = json.Unmarshal([]byte(deptRaw), &member.DepartmentIDs)
	return member, nil
}

func idsToJSON(ids []int64) string {
	if len(ids) == 0 {
		return "[]"
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "[]"
	}
	return string(b)
}
