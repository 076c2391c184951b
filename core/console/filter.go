package console

import "strings"

type Workspace string

const (
	WorkspaceActive     Workspace = "active"      // status = open
	WorkspaceInProgress Workspace = "in_progress" // status = in_progress
	WorkspaceResolved   Workspace = "resolved"    // status = closed
	WorkspaceAll        Workspace = "all"
)

func ParseWorkspace(raw string) Workspace {
	switch Workspace(strings.ToLower(strings.TrimSpace(raw))) {
	case WorkspaceInProgress:
		return WorkspaceInProgress
	case WorkspaceResolved:
		return WorkspaceResolved
	case WorkspaceAll:
		return WorkspaceAll
	default:
		return WorkspaceActive
	}
}

func (w Workspace) matches(status string) bool {
	switch w {
	case WorkspaceActive:
		return status == "open"
	case WorkspaceInProgress:
		return status == "in_progress"
	case WorkspaceResolved:
		return status == "closed"
	default:
		return true
	}
}

type AssignmentFilter string

const (
	AssignmentAll        AssignmentFilter = "all"
	AssignmentMe         AssignmentFilter = "me"         // bucket 0
	AssignmentDepartment AssignmentFilter = "department" // bucket 0 or 1
)

// ViewState is the ephemeral filter state of one console surface. It is never
// persisted; views recompute wholesale from the snapshot on every change.
type ViewState struct {
	Workspace       Workspace
	Query           string
	DepartmentID    int64 // 0 means any
	ServiceCategory string
	Assignment      AssignmentFilter
	PriorityBand    string // "", high, medium, low
}

// View is the output of one compilation: the main ranked list plus the
// needs-priority-review partition, mutually consistent because both come from
// the same snapshot and predicates.
type View struct {
	Items       []Incident `json:"items"`
	NeedsReview []Incident `json:"needs_review"`
}

// ServiceCatalog resolves service codes for the text and category predicates.
type ServiceCatalog map[string]Service

func (c ServiceCatalog) name(code string) string {
	if svc, ok := c[code]; ok {
		return svc.Name
	}
	return ""
}

func (c ServiceCatalog) category(code string) string {
	if svc, ok := c[code]; ok {
		return svc.Category
	}
	return ""
}

// Compile applies every active predicate (all AND-combined) to the snapshot
// and orders the survivors for the viewer. It is a pure function of its
// arguments: identical inputs yield an identical ordered output.
func Compile(snapshot []Incident, vs ViewState, viewer Viewer, catalog ServiceCatalog) View {
	query := strings.ToLower(strings.TrimSpace(vs.Query))
	var kept []Incident
	for _, inc := range snapshot {
		if !vs.Workspace.matches(inc.Status) {
			continue
		}
		if query != "" && !matchesQuery(inc, query, catalog) {
			continue
		}
		if vs.DepartmentID != 0 {
			if inc.AssignedDepartmentID == nil || *inc.AssignedDepartmentID != vs.DepartmentID {
				continue
			}
		}
		if vs.ServiceCategory != "" && !strings.EqualFold(catalog.category(inc.ServiceCode), vs.ServiceCategory) {
			continue
		}
		switch vs.Assignment {
		case AssignmentMe:
			if Bucket(inc, viewer) != BucketMine {
				continue
			}
		case AssignmentDepartment:
			if Bucket(inc, viewer) > BucketDepartment {
				continue
			}
		}
		if vs.PriorityBand != "" && PriorityBand(EffectivePriority(inc)) != vs.PriorityBand {
			continue
		}
		kept = append(kept, inc)
	}
	ranked, review := Partition(kept, viewer)
	return View{Items: ranked, NeedsReview: review}
}

func matchesQuery(inc Incident, query string, catalog ServiceCatalog) bool {
	if strings.Contains(strings.ToLower(inc.ExternalID), query) {
		return true
	}
	if strings.Contains(strings.ToLower(inc.Description), query) {
		return true
	}
	if strings.Contains(strings.ToLower(inc.Address), query) {
		return true
	}
	return strings.Contains(strings.ToLower(catalog.name(inc.ServiceCode)), query)
}
