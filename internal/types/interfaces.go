package types

import "context"

// EmailProvider is the external delivery provider boundary. Semantics are
// at-least-once: a returned error does not guarantee the message was not
// delivered. Implementations must honor ctx cancellation and deadlines.
type EmailProvider interface {
	// Send transmits one message and returns the provider's opaque message ID.
	Send(ctx context.Context, input SendInput) (string, error)
}

// ContentGenerator is the external AI content-generation boundary. It is
// consumed as an opaque function returning structured content fields; it may
// fail or time out and is treated as an ordinary dependency failure.
type ContentGenerator interface {
	// Generate produces the personalized content for one delivery.
	// deliveryIndex is 1-based for the coaching series and 0 for welcome.
	// hints carry the variety directives; the returned content must include
	// explicit ChosenPatterns tags.
	Generate(ctx context.Context, profile RecipientProfile, deliveryIndex int, hints VarietyHints) (GeneratedContent, error)
}

// VarietyHints are the anti-repetition directives passed to the content
// generator: the preferred pattern per dimension (selected away from the
// recent windows) plus the recent values themselves for context.
type VarietyHints struct {
	PreferredOpener      string   `json:"preferred_opener"`
	PreferredSubject     string   `json:"preferred_subject"`
	PreferredQuoteSource string   `json:"preferred_quote_source"`
	FeaturedCollaborator string   `json:"featured_collaborator"`
	RecentOpeners        []string `json:"recent_openers,omitempty"`
	RecentSubjects       []string `json:"recent_subjects,omitempty"`
	RecentQuoteSources   []string `json:"recent_quote_sources,omitempty"`
}

// ProfileStore is the read-only recipient/profile collaborator.
type ProfileStore interface {
	GetProfile(ctx context.Context, recipientID string) (*RecipientProfile, error)
}

// BodyRenderer turns generated body sections into the final message body.
// HTML rendering lives outside this subsystem; implementations here are
// expected to be trivial (plain-text joining) or injected by the caller.
type BodyRenderer interface {
	Render(content GeneratedContent) (string, error)
}
