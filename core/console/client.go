package console

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

var ErrNotFound = errors.New("not found")

// Patch mirrors the records API partial-update body. Nil means unchanged.
type Patch struct {
	Status               *string  `json:"status,omitempty"`
	ClosedSubstatus      *string  `json:"closed_substatus,omitempty"`
	Description          *string  `json:"description,omitempty"`
	Address              *string  `json:"address,omitempty"`
	AssignedDepartmentID *int64   `json:"assigned_department_id,omitempty"`
	AssignedTo           *string  `json:"assigned_to,omitempty"`
	ManualPriorityScore  *float64 `json:"manual_priority_score,omitempty"`
	Flagged              *bool    `json:"flagged,omitempty"`
}

// RecordsClient is the engine's only window onto the authoritative backend.
type RecordsClient interface {
	ListIncidents(ctx context.Context) ([]Incident, error)
	GetIncident(ctx context.Context, externalID string) (*Incident, error)
	PatchIncident(ctx context.Context, externalID string, patch Patch) (*Incident, error)
	ListAudit(ctx context.Context, externalID string) ([]AuditEntry, error)
	ListComments(ctx context.Context, internalID int64) ([]Comment, error)
	AddComment(ctx context.Context, internalID int64, body string) (*Comment, error)

	ListServices(ctx context.Context) ([]Service, error)
	ListDepartments(ctx context.Context) ([]Department, error)
	ListStaff(ctx context.Context) ([]StaffMember, error)
	ListMapLayers(ctx context.Context) ([]MapLayer, error)
	GetMapConfig(ctx context.Context) (*MapConfig, error)
}

// HTTPRecordsClient talks to the records API over HTTP. The auth token is the
// staff session id, forwarded as a bearer header.
type HTTPRecordsClient struct {
	base   *url.URL
	token  string
	client *http.Client
}

func NewHTTPRecordsClient(baseURL, token string, timeout time.Duration) (*HTTPRecordsClient, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPRecordsClient{
		base:   base,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (c *HTTPRecordsClient) ListIncidents(ctx context.Context) ([]Incident, error) {
	var list []Incident
	if err := c.getJSON(ctx, "/api/requests", &list); err != nil {
		return nil, err
	}
	for i := range list {
		list[i] = normalizeIncident(list[i])
	}
	return list, nil
}

func (c *HTTPRecordsClient) GetIncident(ctx context.Context, externalID string) (*Incident, error) {
	var inc Incident
	if err := c.getJSON(ctx, "/api/requests/"+url.PathEscape(externalID), &inc); err != nil {
		return nil, err
	}
	inc = normalizeIncident(inc)
	return &inc, nil
}

func (c *HTTPRecordsClient) PatchIncident(ctx context.Context, externalID string, patch Patch) (*Incident, error) {
	body, err := json.Marshal(patch)
	if err != nil {
		return nil, err
	}
	var inc Incident
	if err := c.doJSON(ctx, http.MethodPatch, "/api/requests/"+url.PathEscape(externalID), body, &inc); err != nil {
		return nil, err
	}
	inc = normalizeIncident(inc)
	return &inc, nil
}

func (c *HTTPRecordsClient) ListAudit(ctx context.Context, externalID string) ([]AuditEntry, error) {
	var list []AuditEntry
	if err := c.getJSON(ctx, "/api/requests/"+url.PathEscape(externalID)+"/audit", &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *HTTPRecordsClient) ListComments(ctx context.Context, internalID int64) ([]Comment, error) {
	var list []Comment
	if err := c.getJSON(ctx, "/api/requests/id/"+strconv.FormatInt(internalID, 10)+"/comments", &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *HTTPRecordsClient) AddComment(ctx context.Context, internalID int64, body string) (*Comment, error) {
	payload, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return nil, err
	}
	var comment Comment
	if err := c.doJSON(ctx, http.MethodPost, "/api/requests/id/"+strconv.FormatInt(internalID, 10)+"/comments", payload, &comment); err != nil {
		return nil, err
	}
	return &comment, nil
}

func (c *HTTPRecordsClient) ListServices(ctx context.Context) ([]Service, error) {
	var list []Service
	if err := c.getJSON(ctx, "/api/reference/services", &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *HTTPRecordsClient) ListDepartments(ctx context.Context) ([]Department, error) {
	var list []Department
	if err := c.getJSON(ctx, "/api/reference/departments", &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *HTTPRecordsClient) ListStaff(ctx context.Context) ([]StaffMember, error) {
	var list []StaffMember
	if err := c.getJSON(ctx, "/api/reference/staff", &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *HTTPRecordsClient) ListMapLayers(ctx context.Context) ([]MapLayer, error) {
	var list []MapLayer
	if err := c.getJSON(ctx, "/api/reference/map/layers", &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *HTTPRecordsClient) GetMapConfig(ctx context.Context) (*MapConfig, error) {
	var cfg MapConfig
	if err := c.getJSON(ctx, "/api/reference/map/config", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *HTTPRecordsClient) getJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

func (c *HTTPRecordsClient) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	ref, err := url.Parse(path)
	if err != nil {
		return err
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.ResolveReference(ref).String(), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("records api %s %s: %s: %s", method, path, resp.Status, snippet)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
