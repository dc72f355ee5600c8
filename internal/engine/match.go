package engine

import (
	"log"
	"strings"

	"taxbridge/internal/domain"
)

// Category keyword sets for obligation matching. The upstream API exposes
// no stable enum for obligation types, only display names, so membership
// is decided by case-insensitive substring against names seen in practice.
var categoryKeywords = map[domain.Flow][]string{
	domain.FlowNil:      {"vat", "paye", "income tax", "mri"},
	domain.FlowRental:   {"mri", "rental"},
	domain.FlowTurnover: {"turnover tax"},
}

// CategoryKeywords returns the keyword set used to decide whether a
// taxpayer holds an obligation for the given flow.
func CategoryKeywords(flow domain.Flow) []string {
	return categoryKeywords[flow]
}

// MatchObligation filters the obligation set by the flow's keywords and
// returns the first match. When more than one record matches, the first
// one wins and an ambiguous-match warning is logged; the loose heuristic
// is inherited from the upstream naming convention.
func MatchObligation(records []domain.ObligationRecord, flow domain.Flow, logger *log.Logger) (domain.ObligationRecord, bool) {
	keywords := categoryKeywords[flow]
	var matches []domain.ObligationRecord
	for _, rec := range records {
		name := strings.ToLower(rec.Name)
		for _, kw := range keywords {
			if strings.Contains(name, kw) {
				matches = append(matches, rec)
				break
			}
		}
	}
	if len(matches) == 0 {
		return domain.ObligationRecord{}, false
	}
	if len(matches) > 1 && logger != nil {
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = m.Name
		}
		logger.Printf("ambiguous obligation match for flow %s: %s (using first)", flow, strings.Join(names, ", "))
	}
	return matches[0], true
}
