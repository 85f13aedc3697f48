package alertmgr

import "github.com/sentrystack/siemcore/internal/model"

// severityFor maps a risk score to its human-facing tier.
func severityFor(risk float64) model.Severity {
	switch {
	case risk < 0.4:
		return model.SeverityLow
	case risk < 0.6:
		return model.SeverityMedium
	case risk < 0.85:
		return model.SeverityHigh
	default:
		return model.SeverityCritical
	}
}

// severityRank orders severities for the "never downgrade" dedup
// invariant: alert dedup is monotone.
func severityRank(s model.Severity) int {
	switch s {
	case model.SeverityLow:
		return 0
	case model.SeverityMedium:
		return 1
	case model.SeverityHigh:
		return 2
	case model.SeverityCritical:
		return 3
	default:
		return -1
	}
}
