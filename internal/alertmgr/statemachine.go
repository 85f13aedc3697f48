package alertmgr

import "github.com/sentrystack/siemcore/internal/model"

// The alert lifecycle has two terminal states (resolved, suppressed)
// and no automatic decay — every transition is operator- or
// filter-driven, checked against a per-subject mutex before it lands.

// canTransition reports whether from -> to is a legal lifecycle move.
// Transitions to the same state are always legal
// (idempotent) except out of a terminal state, which accepts only the
// identity transition.
func canTransition(from, to model.AlertStatus) bool {
	if from == to {
		return true
	}
	if isTerminal(from) {
		return false
	}
	switch from {
	case model.AlertOpen:
		return to == model.AlertInvestigating || to == model.AlertResolved || to == model.AlertSuppressed
	case model.AlertInvestigating:
		return to == model.AlertResolved || to == model.AlertSuppressed
	default:
		return false
	}
}

// isTerminal reports whether status can never transition further.
func isTerminal(status model.AlertStatus) bool {
	return status == model.AlertResolved || status == model.AlertSuppressed
}
