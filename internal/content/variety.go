// Package content assembles the inputs for the external content generator
// and normalizes what comes back. It owns the variety selection logic: each
// subscription carries four rolling windows of recently used content shapes,
// and the requester biases the next issue away from anything used in the
// last four.
package content

import (
	"slices"

	"coachletter/internal/types"
)

// Candidate pattern tags per dimension. Order matters: pickFresh walks the
// list and takes the first tag absent from the recent window. The tags are
// part of the generator contract; the generator echoes its actual choice
// back in ChosenPatterns.
var (
	openerCandidates = []string{"question", "story", "stat", "challenge", "direct"}

	subjectCandidates = []string{"curiosity", "how_to", "name_drop", "number", "direct"}

	quoteSourceCandidates = []string{"research", "leader", "athlete", "artist", "proverb"}
)

// Fixed fallbacks when every candidate in a dimension was recently used.
// Falling back is preferred over failing the delivery.
const (
	defaultOpener      = "direct"
	defaultSubject     = "direct"
	defaultQuoteSource = "research"
)

// pickFresh returns the first candidate not present in the recent window,
// or fallback when the window has exhausted every candidate.
func pickFresh(candidates []string, recent []string, fallback string) string {
	for _, c := range candidates {
		if !slices.Contains(recent, c) {
			return c
		}
	}
	return fallback
}

// buildHints derives the variety directives for the next issue from the
// subscription's current windows and the deterministic featured pick.
func buildHints(v types.VarietyState, featuredCollaborator string) types.VarietyHints {
	return types.VarietyHints{
		PreferredOpener:      pickFresh(openerCandidates, v.OpenerPatterns, defaultOpener),
		PreferredSubject:     pickFresh(subjectCandidates, v.SubjectPatterns, defaultSubject),
		PreferredQuoteSource: pickFresh(quoteSourceCandidates, v.QuoteSources, defaultQuoteSource),
		FeaturedCollaborator: featuredCollaborator,
		RecentOpeners:        v.OpenerPatterns,
		RecentSubjects:       v.SubjectPatterns,
		RecentQuoteSources:   v.QuoteSources,
	}
}
