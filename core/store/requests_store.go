package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ErrConflict     = errors.New("conflict")
	ErrInvalidScore = errors.New("manual priority score out of range [1,10]")
)

const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusClosed     = "closed"
)

const (
	SubstatusResolved   = "resolved"
	SubstatusNoAction   = "no_action"
	SubstatusThirdParty = "third_party"
)

const (
	ActorResident = "resident"
	ActorStaff    = "staff"
)

type Request struct {
	ID                   int64         `json:"id"`
	RegNo                string        `json:"reg_no"`
	Status               string        `json:"status"`
	ClosedSubstatus      string        `json:"closed_substatus,omitempty"`
	Description          string        `json:"description"`
	Address              string        `json:"address,omitempty"`
	Lat                  *float64      `json:"lat,omitempty"`
	Long                 *float64      `json:"long,omitempty"`
	ServiceCode          string        `json:"service_code,omitempty"`
	RequestedAt          time.Time     `json:"requested_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
	AssignedDepartmentID *int64        `json:"assigned_department_id,omitempty"`
	AssignedTo           string        `json:"assigned_to,omitempty"`
	ManualPriorityScore  *float64      `json:"manual_priority_score,omitempty"`
	AIAnalysis           *AIAnalysis   `json:"ai_analysis,omitempty"`
	MediaURLs            []string      `json:"media_urls,omitempty"`
	CustomFields         map[string]string `json:"custom_fields,omitempty"`
	Flagged              bool          `json:"flagged"`
	MatchedAssetID       string        `json:"matched_asset_id,omitempty"`
	Version              int           `json:"version"`
	ArchivedAt           *time.Time    `json:"archived_at,omitempty"`
}

type AIAnalysis struct {
	PriorityScore      *float64        `json:"priority_score,omitempty"`
	QualitativeSummary string          `json:"qualitative_summary,omitempty"`
	SafetyFlags        []string        `json:"safety_flags,omitempty"`
	SimilarReports     []SimilarReport `json:"similar_reports,omitempty"`
}

type SimilarReport struct {
	RegNo       string  `json:"reg_no"`
	Similarity  float64 `json:"similarity"`
	Description string  `json:"description,omitempty"`
}

type AuditEntry struct {
	ID        int64             `json:"id"`
	RequestID int64             `json:"request_id"`
	Action    string            `json:"action"`
	OldValue  string            `json:"old_value,omitempty"`
	NewValue  string            `json:"new_value,omitempty"`
	ActorType string            `json:"actor_type"`
	ActorName string            `json:"actor_name,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type Comment struct {
	ID         int64     `json:"id"`
	RequestID  int64     `json:"request_id"`
	AuthorType string    `json:"author_type"`
	AuthorName string    `json:"author_name,omitempty"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

// RequestPatch carries a partial update. Nil pointer means "leave unchanged".
// AssignedDepartmentID of 0 clears the assignment; AssignedTo of "" clears
// the assignee.
type RequestPatch struct {
	Status               *string   `json:"status,omitempty"`
	ClosedSubstatus      *string   `json:"closed_substatus,omitempty"`
	Description          *string   `json:"description,omitempty"`
	Address              *string   `json:"address,omitempty"`
	AssignedDepartmentID *int64    `json:"assigned_department_id,omitempty"`
	AssignedTo           *string   `json:"assigned_to,omitempty"`
	ManualPriorityScore  *float64  `json:"manual_priority_score,omitempty"`
	Flagged              *bool     `json:"flagged,omitempty"`
}

type RequestsStore interface {
	CreateRequest(ctx context.Context, req *Request, regFormat string) (int64, error)
	GetRequest(ctx context.Context, regNo string) (*Request, error)
	GetRequestByID(ctx context.Context, id int64) (*Request, error)
	ListRequests(ctx context.Context, includeArchived bool) ([]Request, error)
	ApplyPatch(ctx context.Context, regNo string, patch RequestPatch, actorName string, expectedVersion int) (*Request, error)

	ListAudit(ctx context.Context, requestID int64) ([]AuditEntry, error)
	AddAudit(ctx context.Context, entry *AuditEntry) (int64, error)

	ListComments(ctx context.Context, requestID int64) ([]Comment, error)
	AddComment(ctx context.Context, comment *Comment) (int64, error)

	ListArchivable(ctx context.Context, closedBefore time.Time) ([]Request, error)
	ArchiveRequest(ctx context.Context, id int64, at time.Time) error
}

type requestsStore struct {
	db *sql.DB
}

func NewRequestsStore(db *sql.DB) RequestsStore {
	return &requestsStore{db: db}
}

const requestColumns = `id, reg_no, status, closed_substatus, description, address, lat, long, service_code,
	requested_at, updated_at, assigned_department_id, assigned_to, manual_priority_score, ai_analysis,
	media_urls, custom_fields, flagged, matched_asset_id, version, archived_at`

func (s *requestsStore) CreateRequest(ctx context.Context, req *Request, regFormat string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	if strings.TrimSpace(req.RegNo) == "" {
		seq, err := s.nextRegSeqTx(ctx, tx, now.Year())
		if err != nil {
			tx.Rollback()
			return 0, err
		}
		req.RegNo = buildRegNo(regFormat, now.Year(), seq)
	}
	if strings.TrimSpace(req.Status) == "" {
		req.Status = StatusOpen
	}
	if req.Version <= 0 {
		req.Version = 1
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = now
	}
	req.UpdatedAt = now
	res, err := tx.ExecContext(ctx, `
		INSERT INTO requests(reg_no, status, closed_substatus, description, address, lat, long, service_code,
			requested_at, updated_at, assigned_department_id, assigned_to, manual_priority_score, ai_analysis,
			media_urls, custom_fields, flagged, matched_asset_id, version, archived_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,NULL)`,
		req.RegNo, req.Status, strings.TrimSpace(req.ClosedSubstatus), req.Description, strings.TrimSpace(req.Address),
		nullableFloat(req.Lat), nullableFloat(req.Long), strings.TrimSpace(req.ServiceCode),
		req.RequestedAt, req.UpdatedAt, nullableID(req.AssignedDepartmentID), strings.TrimSpace(req.AssignedTo),
		nullableFloat(req.ManualPriorityScore), aiToJSON(req.AIAnalysis),
		stringsToJSON(req.MediaURLs), fieldsToJSON(req.CustomFields), boolToInt(req.Flagged),
		strings.TrimSpace(req.MatchedAssetID), req.Version)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	id, _ := res.LastInsertId()
	req.ID = id
	actor := req.AssignedTo
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO request_audit(request_id, action, old_value, new_value, actor_type, actor_name, extra, created_at)
		VALUES(?,?,?,?,?,?,?,?)`,
		id, "submitted", "", req.Status, ActorResident, actor, "{}", req.RequestedAt); err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *requestsStore) GetRequest(ctx context.Context, regNo string) (*Request, error) {
	if strings.TrimSpace(regNo) == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE reg_no=?`, regNo)
	return scanRequestRow(row)
}

func (s *requestsStore) GetRequestByID(ctx context.Context, id int64) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id)
	return scanRequestRow(row)
}

func (s *requestsStore) ListRequests(ctx context.Context, includeArchived bool) ([]Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests`
	if !includeArchived {
		query += ` WHERE archived_at IS NULL`
	}
	query += ` ORDER BY requested_at DESC, id DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// ApplyPatch updates the subset of fields present in patch, appends one audit
// entry per changed field, and returns the canonical updated row. A positive
// expectedVersion enforces optimistic concurrency; zero means last write wins.
func (s *requestsStore) ApplyPatch(ctx context.Context, regNo string, patch RequestPatch, actorName string, expectedVersion int) (*Request, error) {
	current, err := s.GetRequest(ctx, regNo)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}
	if expectedVersion > 0 && current.Version != expectedVersion {
		return nil, ErrConflict
	}
	now := time.Now().UTC()
	var sets []string
	var args []any
	var audits []AuditEntry
	record := func(action, oldVal, newVal string, extra map[string]string) {
		audits = append(audits, AuditEntry{
			RequestID: current.ID,
			Action:    action,
			OldValue:  oldVal,
			NewValue:  newVal,
			ActorType: ActorStaff,
			ActorName: actorName,
			Extra:     extra,
			CreatedAt: now,
		})
	}
	if patch.Status != nil && *patch.Status != current.Status {
		sets = append(sets, "status=?")
		args = append(args, *patch.Status)
		var extra map[string]string
		if *patch.Status == StatusClosed {
			sub := current.ClosedSubstatus
			if patch.ClosedSubstatus != nil {
				sub = strings.TrimSpace(*patch.ClosedSubstatus)
			}
			if sub != "" {
				extra = map[string]string{"substatus": sub}
			}
		}
		record("status_change", current.Status, *patch.Status, extra)
		if *patch.Status != StatusClosed && patch.ClosedSubstatus == nil {
			sets = append(sets, "closed_substatus=''")
		}
	}
	if patch.ClosedSubstatus != nil && strings.TrimSpace(*patch.ClosedSubstatus) != current.ClosedSubstatus {
		sub := strings.TrimSpace(*patch.ClosedSubstatus)
		sets = append(sets, "closed_substatus=?")
		args = append(args, sub)
		// A status change already carries the substatus in its extra map.
		if patch.Status == nil || *patch.Status == current.Status {
			record("substatus_change", current.ClosedSubstatus, sub, nil)
		}
	}
	if patch.Description != nil && *patch.Description != current.Description {
		sets = append(sets, "description=?")
		args = append(args, *patch.Description)
		record("description_change", current.Description, *patch.Description, nil)
	}
	if patch.Address != nil && *patch.Address != current.Address {
		sets = append(sets, "address=?")
		args = append(args, strings.TrimSpace(*patch.Address))
		record("address_change", current.Address, *patch.Address, nil)
	}
	if patch.AssignedDepartmentID != nil {
		oldVal := formatID(current.AssignedDepartmentID)
		if *patch.AssignedDepartmentID == 0 {
			if current.AssignedDepartmentID != nil {
				sets = append(sets, "assigned_department_id=NULL")
				record("assigned_department", oldVal, "", nil)
			}
		} else if current.AssignedDepartmentID == nil || *current.AssignedDepartmentID != *patch.AssignedDepartmentID {
			sets = append(sets, "assigned_department_id=?")
			args = append(args, *patch.AssignedDepartmentID)
			record("assigned_department", oldVal, strconv.FormatInt(*patch.AssignedDepartmentID, 10), nil)
		}
	}
	if patch.AssignedTo != nil && strings.TrimSpace(*patch.AssignedTo) != current.AssignedTo {
		sets = append(sets, "assigned_to=?")
		args = append(args, strings.TrimSpace(*patch.AssignedTo))
		record("assigned_to", current.AssignedTo, strings.TrimSpace(*patch.AssignedTo), nil)
	}
	if patch.ManualPriorityScore != nil {
		score := *patch.ManualPriorityScore
		if score < 1 || score > 10 {
			return nil, fmt.Errorf("score %v: %w", score, ErrInvalidScore)
		}
		if current.ManualPriorityScore == nil || *current.ManualPriorityScore != score {
			sets = append(sets, "manual_priority_score=?")
			args = append(args, score)
			record("priority_change", formatFloat(current.ManualPriorityScore), strconv.FormatFloat(score, 'f', -1, 64), nil)
		}
	}
	if patch.Flagged != nil && *patch.Flagged != current.Flagged {
		sets = append(sets, "flagged=?")
		args = append(args, boolToInt(*patch.Flagged))
		record("flagged", strconv.FormatBool(current.Flagged), strconv.FormatBool(*patch.Flagged), nil)
	}
	if len(sets) == 0 {
		return current, nil
	}
	sets = append(sets, "updated_at=?", "version=version+1")
	args = append(args, now, current.ID, current.Version)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE requests SET `+strings.Join(sets, ", ")+` WHERE id=? AND version=?`, args...)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		tx.Rollback()
		return nil, ErrConflict
	}
	for _, entry := range audits {
		extra := "{}"
		if len(entry.Extra) > 0 {
			if b, err := json.Marshal(entry.Extra); err == nil {
				extra = string(b)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO request_audit(request_id, action, old_value, new_value, actor_type, actor_name, extra, created_at)
			VALUES(?,?,?,?,?,?,?,?)`,
			entry.RequestID, entry.Action, entry.OldValue, entry.NewValue, entry.ActorType, entry.ActorName, extra, entry.CreatedAt); err != nil {
			tx.Rollback()
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetRequest(ctx, regNo)
}

func (s *requestsStore) ListAudit(ctx context.Context, requestID int64) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, action, old_value, new_value, actor_type, actor_name, extra, created_at
		FROM request_audit WHERE request_id=? ORDER BY created_at ASC, id ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var extraRaw string
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Action, &e.OldValue, &e.NewValue, &e.ActorType, &e.ActorName, &extraRaw, &e.CreatedAt); err != nil {
			return nil, err
		}
		if strings.TrimSpace(extraRaw) != "" && extraRaw != "{}" {
			_ = json.Unmarshal([]byte(extraRaw), &e.Extra)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (s *requestsStore) AddAudit(ctx context.Context, entry *AuditEntry) (int64, error) {
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	extra := "{}"
	if len(entry.Extra) > 0 {
		if b, err := json.Marshal(entry.Extra); err == nil {
			extra = string(b)
		}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO request_audit(request_id, action, old_value, new_value, actor_type, actor_name, extra, created_at)
		VALUES(?,?,?,?,?,?,?,?)`,
		entry.RequestID, strings.TrimSpace(entry.Action), entry.OldValue, entry.NewValue, entry.ActorType, entry.ActorName, extra, entry.CreatedAt)
	if err != nil {
		return 0, err
	}
	id, _ := res.LastInsertId()
	entry.ID = id
	return id, nil
}

func (s *requestsStore) ListComments(ctx context.Context, requestID int64) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, author_type, author_name, body, created_at
		FROM request_comments WHERE request_id=? ORDER BY created_at ASC, id ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Comment
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.RequestID, &c.AuthorType, &c.AuthorName, &c.Body, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (s *requestsStore) AddComment(ctx context.Context, comment *Comment) (int64, error) {
	now := time.Now().UTC()
	comment.CreatedAt = now
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO request_comments(request_id, author_type, author_name, body, created_at)
		VALUES(?,?,?,?,?)`,
		comment.RequestID, comment.AuthorType, comment.AuthorName, comment.Body, now)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	id, _ := res.LastInsertId()
	comment.ID = id
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO request_audit(request_id, action, old_value, new_value, actor_type, actor_name, extra, created_at)
		VALUES(?,?,?,?,?,?,?,?)`,
		comment.RequestID, "comment_added", "", comment.Body, comment.AuthorType, comment.AuthorName, "{}", now); err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *requestsStore) ListArchivable(ctx context.Context, closedBefore time.Time) ([]Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE status=? AND archived_at IS NULL AND flagged=0 AND updated_at < ?
		ORDER BY updated_at ASC`, StatusClosed, closedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

func (s *requestsStore) ArchiveRequest(ctx context.Context, id int64, at time.Time) error {
	at = at.UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE requests SET archived_at=?, version=version+1
		WHERE id=? AND archived_at IS NULL AND flagged=0`, at, id)
	if err != nil {
		tx.Rollback()
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		tx.Rollback()
		return ErrConflict
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO request_audit(request_id, action, old_value, new_value, actor_type, actor_name, extra, created_at)
		VALUES(?,?,?,?,?,?,?,?)`,
		id, "archived", "", "", ActorStaff, "retention", "{}", at); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *requestsStore) nextRegSeqTx(ctx context.Context, tx *sql.Tx, year int) (int64, error) {
	var seq int64
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO request_reg_counters(year, seq)
		VALUES(?,1)
		ON CONFLICT (year)
		DO UPDATE SET seq = request_reg_counters.seq + 1
		RETURNING seq
	`, year).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

var seqToken = regexp.MustCompile(`\{seq(?::(\d+))?\}`)

func buildRegNo(format string, year int, seq int64) string {
	if strings.TrimSpace(format) == "" {
		format = "REQ-{year}-{seq:05}"
	}
	out := strings.ReplaceAll(format, "{year}", strconv.Itoa(year))
	out = seqToken.ReplaceAllStringFunc(out, func(token string) string {
		m := seqToken.FindStringSubmatch(token)
		if len(m) == 2 && m[1] != "" {
			width, _ := strconv.Atoi(m[1])
			if width > 0 {
				return fmt.Sprintf("%0*d", width, seq)
			}
		}
		return strconv.FormatInt(seq, 10)
	})
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequestRow(row *sql.Row) (*Request, error) {
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &req, nil
}

func scanRequest(row rowScanner) (Request, error) {
	var req Request
	var lat, long, manual sql.NullFloat64
	var dept sql.NullInt64
	var archived sql.NullTime
	var aiRaw, mediaRaw, fieldsRaw string
	var flagged int
	if err := row.Scan(&req.ID, &req.RegNo, &req.Status, &req.ClosedSubstatus, &req.Description, &req.Address,
		&lat, &long, &req.ServiceCode, &req.RequestedAt, &req.UpdatedAt, &dept, &req.AssignedTo,
		&manual, &aiRaw, &mediaRaw, &fieldsRaw, &flagged, &req.MatchedAssetID, &req.Version, &archived); err != nil {
		return req, err
	}
	if lat.Valid {
		req.Lat = &lat.Float64
	}
	if long.Valid {
		req.Long = &long.Float64
	}
	if manual.Valid {
		req.ManualPriorityScore = &manual.Float64
	}
	if dept.Valid {
		req.AssignedDepartmentID = &dept.Int64
	}
	if archived.Valid {
		req.ArchivedAt = &archived.Time
	}
	req.Flagged = flagged == 1
	req.AIAnalysis = parseAI(aiRaw)
	_ = json.Unmarshal([]byte(mediaRaw), &req.MediaURLs)
	_ = json.Unmarshal([]byte(fieldsRaw), &req.CustomFields)
	return req, nil
}

func parseAI(raw string) *AIAnalysis {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var ai AIAnalysis
	if err := json.Unmarshal([]byte(raw), &ai); err != nil {
		return nil
	}
	return &ai
}

func aiToJSON(ai *AIAnalysis) string {
	if ai == nil {
		return ""
	}
	b, err := json.Marshal(ai)
	if err != nil {
		return ""
	}
	return string(b)
}

func stringsToJSON(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func fieldsToJSON(fields map[string]string) string {
	if len(fields) == 0 {
		return "{}"
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatID(id *int64) string {
	if id == nil {
		return ""
	}
	return strconv.FormatInt(*id, 10)
}

func formatFloat(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}
