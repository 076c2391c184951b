package console

import "sort"

// Assignment buckets, most relevant first.
const (
	BucketMine       = 0 // assigned to the viewer
	BucketDepartment = 1 // viewer's department, nobody assigned yet
	BucketOther      = 2
)

// Bucket ranks an incident's relevance to the viewer.
func Bucket(inc Incident, viewer Viewer) int {
	if inc.AssignedTo != "" && inc.AssignedTo == viewer.Username {
		return BucketMine
	}
	if inc.AssignedTo == "" && viewer.inDepartment(inc.AssignedDepartmentID) {
		return BucketDepartment
	}
	return BucketOther
}

// rankLess is the total sort order for the main list: bucket ascending,
// effective priority descending, requested time descending, external id
// ascending as the deterministic final tiebreak.
func rankLess(a, b Incident, viewer Viewer) bool {
	ba, bb := Bucket(a, viewer), Bucket(b, viewer)
	if ba != bb {
		return ba < bb
	}
	pa, pb := EffectivePriority(a), EffectivePriority(b)
	if pa != pb {
		return pa > pb
	}
	if !a.RequestedAt.Equal(b.RequestedAt) {
		return a.RequestedAt.After(b.RequestedAt)
	}
	return a.ExternalID < b.ExternalID
}

// Rank sorts list in place in the viewer's total order.
func Rank(list []Incident, viewer Viewer) {
	sort.SliceStable(list, func(i, j int) bool {
		return rankLess(list[i], list[j], viewer)
	})
}

// Partition splits a filtered set into the priority-ranked list and the
// "needs priority review" list. Review items are ordered by recency only;
// their unconfirmed scores deliberately play no part.
func Partition(list []Incident, viewer Viewer) (ranked, needsReview []Incident) {
	for _, inc := range list {
		if NeedsPriorityReview(inc) {
			needsReview = append(needsReview, inc)
		} else {
			ranked = append(ranked, inc)
		}
	}
	Rank(ranked, viewer)
	sort.SliceStable(needsReview, func(i, j int) bool {
		a, b := needsReview[i], needsReview[j]
		if !a.RequestedAt.Equal(b.RequestedAt) {
			return a.RequestedAt.After(b.RequestedAt)
		}
		return a.ExternalID < b.ExternalID
	})
	return ranked, needsReview
}
