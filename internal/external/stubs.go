package external

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"coachletter/internal/types"
)

// ---------------------------------------------------------------------------
// Stub Implementations
//
// Stubs let the daemon boot in local mode without real provider credentials.
// They log all actions and return predictable, safe values.
// ---------------------------------------------------------------------------

// StubEmailProvider implements types.EmailProvider by logging the send and
// returning a fake message ID. Used when ENVIRONMENT=local.
type StubEmailProvider struct {
	logger *slog.Logger
}

// NewStubEmailProvider creates a new StubEmailProvider.
func NewStubEmailProvider(logger *slog.Logger) *StubEmailProvider {
	return &StubEmailProvider{logger: logger}
}

func (s *StubEmailProvider) Send(ctx context.Context, input types.SendInput) (string, error) {
	s.logger.InfoContext(ctx, "stub: send email",
		"to", input.ToAddress,
		"subject", input.SubjectLine,
		"body_bytes", len(input.Body),
	)
	return fmt.Sprintf("msg_stub_%s", strings.ToLower(input.ToAddress)), nil
}

// StubContentGenerator implements types.ContentGenerator with fixed template
// text that honors the variety hints, so local runs still exercise the
// pattern bookkeeping downstream.
type StubContentGenerator struct {
	logger *slog.Logger
}

// NewStubContentGenerator creates a new StubContentGenerator.
func NewStubContentGenerator(logger *slog.Logger) *StubContentGenerator {
	return &StubContentGenerator{logger: logger}
}

func (s *StubContentGenerator) Generate(ctx context.Context, profile types.RecipientProfile, deliveryIndex int, hints types.VarietyHints) (types.GeneratedContent, error) {
	s.logger.InfoContext(ctx, "stub: generate letter",
		"recipient", profile.RecipientID,
		"delivery_index", deliveryIndex,
		"opener", hints.PreferredOpener,
	)

	strength := "your strengths"
	if len(profile.RankedStrengths) > 0 {
		strength = profile.RankedStrengths[0]
	}

	return types.GeneratedContent{
		SubjectLine: fmt.Sprintf("Letter %d for %s", deliveryIndex, profile.DisplayName),
		BodySections: []string{
			fmt.Sprintf("Hi %s, here is a reflection on %s.", profile.DisplayName, strength),
			"This is stub content generated for local development.",
		},
		Patterns: types.ChosenPatterns{
			Opener:               hints.PreferredOpener,
			FeaturedCollaborator: hints.FeaturedCollaborator,
			Subject:              hints.PreferredSubject,
			QuoteSource:          hints.PreferredQuoteSource,
		},
	}, nil
}
