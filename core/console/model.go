// Package console holds the incident synchronization and derived-view engine
// behind the staff console: the in-session canonical snapshot of the request
// collection, the refresh scheduler with optimistic local mutations, and the
// pure functions that derive the list, map, dashboard, and timeline surfaces.
package console

import (
	"sort"
	"strings"
	"time"
)

// Incident is the console's view of a service request, decoded from the
// records API. Optional analysis input is normalized at the fetch boundary
// (see normalizeIncident) rather than trusted as-is.
type Incident struct {
	InternalID           int64             `json:"id"`
	ExternalID           string            `json:"reg_no"`
	Status               string            `json:"status"`
	ClosedSubstatus      string            `json:"closed_substatus,omitempty"`
	Description          string            `json:"description"`
	Address              string            `json:"address,omitempty"`
	Lat                  *float64          `json:"lat,omitempty"`
	Long                 *float64          `json:"long,omitempty"`
	ServiceCode          string            `json:"service_code,omitempty"`
	RequestedAt          time.Time         `json:"requested_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
	AssignedDepartmentID *int64            `json:"assigned_department_id,omitempty"`
	AssignedTo           string            `json:"assigned_to,omitempty"`
	ManualPriorityScore  *float64          `json:"manual_priority_score,omitempty"`
	AIAnalysis           *AIAnalysis       `json:"ai_analysis,omitempty"`
	MediaURLs            []string          `json:"media_urls,omitempty"`
	CustomFields         map[string]string `json:"custom_fields,omitempty"`
	Flagged              bool              `json:"flagged"`
	MatchedAssetID       string            `json:"matched_asset_id,omitempty"`
	Version              int               `json:"version"`
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
	Action    string            `json:"action"`
	OldValue  string            `json:"old_value,omitempty"`
	NewValue  string            `json:"new_value,omitempty"`
	ActorType string            `json:"actor_type"`
	ActorName string            `json:"actor_name,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
	Timestamp time.Time         `json:"created_at"`
}

type Comment struct {
	ID         int64     `json:"id"`
	AuthorType string    `json:"author_type"`
	AuthorName string    `json:"author_name,omitempty"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

type Service struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
}

type Department struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type StaffMember struct {
	Username      string  `json:"username"`
	FullName      string  `json:"full_name,omitempty"`
	DepartmentIDs []int64 `json:"department_ids,omitempty"`
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

// Viewer identifies the staff member the derived views are ranked for.
type Viewer struct {
	Username      string
	DepartmentIDs []int64
}

func (v Viewer) inDepartment(id *int64) bool {
	if id == nil {
		return false
	}
	for _, d := range v.DepartmentIDs {
		if d == *id {
			return true
		}
	}
	return false
}

// normalizeIncident validates the loosely-controlled analysis payload once,
// at the fetch boundary: scores outside [1,10] are dropped, safety flags are
// deduplicated, and similar reports without a positive similarity vanish.
func normalizeIncident(inc Incident) Incident {
	if inc.ManualPriorityScore != nil {
		if s := *inc.ManualPriorityScore; s < 1 || s > 10 {
			inc.ManualPriorityScore = nil
		}
	}
	if inc.AIAnalysis == nil {
		return inc
	}
	ai := *inc.AIAnalysis
	if ai.PriorityScore != nil {
		if s := *ai.PriorityScore; s < 1 || s > 10 {
			ai.PriorityScore = nil
		}
	}
	if len(ai.SafetyFlags) > 0 {
		seen := map[string]struct{}{}
		var flags []string
		for _, f := range ai.SafetyFlags {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			if _, ok := seen[f]; ok {
				continue
			}
			seen[f] = struct{}{}
			flags = append(flags, f)
		}
		sort.Strings(flags)
		ai.SafetyFlags = flags
	}
	if len(ai.SimilarReports) > 0 {
		var reports []SimilarReport
		for _, r := range ai.SimilarReports {
			if r.Similarity <= 0 || strings.TrimSpace(r.RegNo) == "" {
				continue
			}
			reports = append(reports, r)
		}
		ai.SimilarReports = reports
	}
	if ai.PriorityScore == nil && ai.QualitativeSummary == "" && len(ai.SafetyFlags) == 0 && len(ai.SimilarReports) == 0 {
		inc.AIAnalysis = nil
		return inc
	}
	inc.AIAnalysis = &ai
	return inc
}
