package console

// DefaultPriority is the effective score when neither staff nor analysis
// supplied one.
const DefaultPriority = 5.0

const (
	BandHigh   = "high"
	BandMedium = "medium"
	BandLow    = "low"
)

// EffectivePriority resolves the single priority value for an incident.
// Precedence is strict and total: manual staff input beats the analysis
// suggestion, which beats the default.
func EffectivePriority(inc Incident) float64 {
	if inc.ManualPriorityScore != nil {
		return *inc.ManualPriorityScore
	}
	if inc.AIAnalysis != nil && inc.AIAnalysis.PriorityScore != nil {
		return *inc.AIAnalysis.PriorityScore
	}
	return DefaultPriority
}

// PriorityBand buckets a score: high >= 8, medium [5,8), low < 5.
func PriorityBand(score float64) string {
	switch {
	case score >= 8:
		return BandHigh
	case score >= 5:
		return BandMedium
	default:
		return BandLow
	}
}

// NeedsPriorityReview reports whether an incident carries an unconfirmed
// analysis score with no manual override. Such incidents are kept out of the
// priority-ranked order so an unreviewed suggestion cannot dominate triage.
func NeedsPriorityReview(inc Incident) bool {
	return inc.ManualPriorityScore == nil &&
		inc.AIAnalysis != nil && inc.AIAnalysis.PriorityScore != nil
}
