package content

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"coachletter/internal/types"
)

// maxSubjectLength clamps subject lines to what mail clients display.
const maxSubjectLength = 120

// Requester assembles generator inputs (profile, cumulative delivery index,
// variety directives), invokes the external generator, and sanitizes the
// result. Selection is deterministic: the featured collaborator is
// deliveryIndex mod len(collaborators), never random, so behavior is
// reproducible and testable.
type Requester struct {
	generator types.ContentGenerator
	timeout   time.Duration
	logger    *slog.Logger
}

// NewRequester creates a Requester. timeout bounds each generator call; a
// timeout is treated like any other dependency failure by the caller.
func NewRequester(generator types.ContentGenerator, timeout time.Duration, logger *slog.Logger) *Requester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Requester{generator: generator, timeout: timeout, logger: logger}
}

// NextContent produces the personalized content for the subscription's next
// delivery. deliveryIndex is 1-based for coaching (the issue this send would
// become) and 0 for welcome.
//
// The generator's ChosenPatterns are the authoritative shape tags; when the
// generator omits one, the hint that was sent is recorded instead so the
// variety windows never go stale.
func (r *Requester) NextContent(ctx context.Context, sub *types.Subscription, profile *types.RecipientProfile) (types.GeneratedContent, error) {
	deliveryIndex := 0
	if sub.SeriesKind == types.SeriesCoaching {
		deliveryIndex = sub.DeliveryCount + 1
	}

	hints := buildHints(sub.Variety, featuredCollaborator(profile, deliveryIndex))

	genCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	generated, err := r.generator.Generate(genCtx, *profile, deliveryIndex, hints)
	if err != nil {
		return types.GeneratedContent{}, fmt.Errorf("content: generating issue %d for subscription %s: %w",
			deliveryIndex, sub.ID, err)
	}

	generated = sanitize(generated)
	generated.Patterns = reconcilePatterns(generated.Patterns, hints)

	if generated.SubjectLine == "" || len(generated.BodySections) == 0 {
		return types.GeneratedContent{}, types.NewAppError(types.ErrCodeUpstreamContentGenerator,
			"generator returned empty content", nil)
	}

	r.logger.DebugContext(ctx, "content generated",
		"subscription_id", sub.ID,
		"delivery_index", deliveryIndex,
		"opener", generated.Patterns.Opener,
		"featured_collaborator", generated.Patterns.FeaturedCollaborator,
	)

	return generated, nil
}

// featuredCollaborator picks the collaborator to feature using
// deliveryIndex mod N over the recipient's ordered list. Returns "" when no
// collaborators are configured; the due pass skips such subscriptions
// before a send is attempted.
func featuredCollaborator(profile *types.RecipientProfile, deliveryIndex int) string {
	if len(profile.Collaborators) == 0 {
		return ""
	}
	return profile.Collaborators[deliveryIndex%len(profile.Collaborators)].Name
}

// reconcilePatterns backfills tags the generator omitted with the hints that
// were sent. Shape classification is part of the generator contract, not
// inferred from the text afterwards.
func reconcilePatterns(p types.ChosenPatterns, hints types.VarietyHints) types.ChosenPatterns {
	if p.Opener == "" {
		p.Opener = hints.PreferredOpener
	}
	if p.Subject == "" {
		p.Subject = hints.PreferredSubject
	}
	if p.QuoteSource == "" {
		p.QuoteSource = hints.PreferredQuoteSource
	}
	if p.FeaturedCollaborator == "" {
		p.FeaturedCollaborator = hints.FeaturedCollaborator
	}
	return p
}

// sanitize normalizes generator output: control characters stripped,
// whitespace collapsed in the subject, subject clamped, empty sections
// dropped.
func sanitize(c types.GeneratedContent) types.GeneratedContent {
	c.SubjectLine = clampSubject(cleanLine(c.SubjectLine))

	sections := make([]string, 0, len(c.BodySections))
	for _, s := range c.BodySections {
		s = strings.TrimSpace(stripControl(s))
		if s != "" {
			sections = append(sections, s)
		}
	}
	c.BodySections = sections
	return c
}

// cleanLine strips control characters and collapses runs of whitespace into
// single spaces.
func cleanLine(s string) string {
	return strings.Join(strings.Fields(stripControl(s)), " ")
}

// stripControl removes non-printable characters, keeping newlines and tabs.
func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// clampSubject truncates a subject line to maxSubjectLength runes.
func clampSubject(s string) string {
	runes := []rune(s)
	if len(runes) <= maxSubjectLength {
		return s
	}
	return string(runes[:maxSubjectLength])
}
