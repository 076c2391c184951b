package console

import (
	"fmt"
	"time"
)

// TimelineItem is one rendered lifecycle step. Entries keep their stored
// order; only a missing leading "submitted" step is ever synthesized.
type TimelineItem struct {
	Entry       AuditEntry `json:"entry"`
	Label       string     `json:"label"`
	Synthesized bool       `json:"synthesized,omitempty"`
	Latest      bool       `json:"latest,omitempty"`
}

// BuildTimeline reconstructs the human-readable lifecycle of one incident
// from its append-only audit log. The result is never empty: when the raw log
// lacks a submitted entry, one is synthesized at requestedAt and placed first.
func BuildTimeline(entries []AuditEntry, requestedAt time.Time) []TimelineItem {
	hasSubmitted := false
	for _, e := range entries {
		if e.Action == "submitted" {
			hasSubmitted = true
			break
		}
	}
	items := make([]TimelineItem, 0, len(entries)+1)
	if !hasSubmitted {
		synth := AuditEntry{
			Action:    "submitted",
			ActorType: "resident",
			Timestamp: requestedAt,
		}
		items = append(items, TimelineItem{Entry: synth, Label: actionLabel(synth), Synthesized: true})
	}
	for _, e := range entries {
		items = append(items, TimelineItem{Entry: e, Label: actionLabel(e)})
	}
	items[len(items)-1].Latest = true
	return items
}

var substatusLabels = map[string]string{
	"resolved":    "resolved",
	"no_action":   "closed with no action taken",
	"third_party": "referred to a third party",
}

func actionLabel(e AuditEntry) string {
	switch e.Action {
	case "submitted":
		return "Request submitted"
	case "status_change":
		return statusChangeLabel(e)
	case "substatus_change":
		if sub, ok := substatusLabels[e.NewValue]; ok {
			return fmt.Sprintf("Closure reclassified: %s", sub)
		}
		return "Closure reclassified"
	case "assigned_to":
		switch {
		case e.OldValue == "" && e.NewValue != "":
			return fmt.Sprintf("Assigned to %s", e.NewValue)
		case e.NewValue == "":
			return "Unassigned"
		default:
			return fmt.Sprintf("Reassigned from %s to %s", e.OldValue, e.NewValue)
		}
	case "assigned_department":
		if e.NewValue == "" {
			return "Removed from department queue"
		}
		return fmt.Sprintf("Routed to department %s", e.NewValue)
	case "priority_change":
		return fmt.Sprintf("Priority set to %s", e.NewValue)
	case "comment_added":
		return "Comment added"
	case "description_change":
		return "Description updated"
	case "address_change":
		return "Address updated"
	case "flagged":
		if e.NewValue == "true" {
			return "Placed under legal hold"
		}
		return "Legal hold released"
	case "archived":
		return "Archived by retention policy"
	default:
		// Unrecognized kinds render verbatim rather than breaking the view.
		return e.Action
	}
}

func statusChangeLabel(e AuditEntry) string {
	if e.OldValue == "closed" && e.NewValue != "closed" {
		return "Request reopened"
	}
	if e.NewValue == "closed" {
		if sub, ok := substatusLabels[e.Extra["substatus"]]; ok {
			return fmt.Sprintf("Request closed: %s", sub)
		}
		return "Request closed"
	}
	if e.NewValue == "in_progress" {
		return "Work started"
	}
	return fmt.Sprintf("Status changed from %s to %s", e.OldValue, e.NewValue)
}
