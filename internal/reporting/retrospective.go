// Package reporting summarizes a flow's attempt history into a
// retrospective report: which providers were tried, how they failed, and
// how often fallback stepped in.
package reporting

import (
	"time"

	"github.com/yourorg/payment-flow-orchestrator/internal/fallback"
)

// Retrospective summarizes the attempts of one payment flow.
type Retrospective struct {
	TotalAttempts  int            `json:"totalAttempts"`
	AutoFallbacks  int            `json:"autoFallbacks"`
	ProviderUsage  map[string]int `json:"providerUsage"`
	ErrorBreakdown map[string]int `json:"errorBreakdown"`
	FirstFailureAt time.Time      `json:"firstFailureAt,omitempty"`
	LastFailureAt  time.Time      `json:"lastFailureAt,omitempty"`
	FinalStatus    string         `json:"finalStatus"`
}

// GenerateRetrospective builds a report from the fallback audit trail and
// the flow's final state tag.
func GenerateRetrospective(attempts []fallback.FailedAttempt, finalStatus string) *Retrospective {
	report := &Retrospective{
		ProviderUsage:  make(map[string]int),
		ErrorBreakdown: make(map[string]int),
		FinalStatus:    finalStatus,
	}

	for _, a := range attempts {
		report.TotalAttempts++
		if a.WasAutoFallback {
			report.AutoFallbacks++
		}
		report.ProviderUsage[a.Provider]++
		if a.Error != nil {
			report.ErrorBreakdown[string(a.Error.Code)]++
		}
		if report.FirstFailureAt.IsZero() || a.Timestamp.Before(report.FirstFailureAt) {
			report.FirstFailureAt = a.Timestamp
		}
		if a.Timestamp.After(report.LastFailureAt) {
			report.LastFailureAt = a.Timestamp
		}
	}
	return report
}
