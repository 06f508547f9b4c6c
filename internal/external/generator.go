package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"coachletter/internal/config"
	"coachletter/internal/types"
)

// GeneratorClientConfig holds the settings for creating a GeneratorClient.
type GeneratorClientConfig struct {
	APIKey  types.SecretString
	BaseURL string
	Logger  *slog.Logger
}

// GeneratorClient implements types.ContentGenerator against the letter
// composition service. The service is treated as an opaque dependency: it
// receives the profile and variety directives and returns structured content
// fields, and any failure or timeout surfaces as an ordinary upstream error.
type GeneratorClient struct {
	base    *BaseClient
	apiKey  types.SecretString
	baseURL string
	logger  *slog.Logger
}

// compile-time interface check
var _ types.ContentGenerator = (*GeneratorClient)(nil)

// NewGeneratorClient creates a GeneratorClient from the generator config.
func NewGeneratorClient(httpClient *http.Client, cfg config.GeneratorConfig, logger *slog.Logger) *GeneratorClient {
	base := NewBaseClient(
		httpClient,
		"generator",
		DefaultRetryPolicy(),
		"Coachletter/1.0",
		types.ErrCodeUpstreamContentGenerator,
	)

	return NewGeneratorClientWithBase(base, GeneratorClientConfig{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Logger:  logger,
	})
}

// NewGeneratorClientWithBase creates a GeneratorClient with a pre-configured
// BaseClient, for tests that need to control retry behavior.
func NewGeneratorClientWithBase(base *BaseClient, cfg GeneratorClientConfig) *GeneratorClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &GeneratorClient{
		base:    base,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		logger:  logger,
	}
}

// generateRequest is the POST /v1/letters request body.
type generateRequest struct {
	Recipient     generateRecipient      `json:"recipient"`
	DeliveryIndex int                    `json:"delivery_index"`
	Hints         types.VarietyHints     `json:"hints"`
	Collaborators []generateCollaborator `json:"collaborators,omitempty"`
}

type generateRecipient struct {
	DisplayName     string   `json:"display_name"`
	RankedStrengths []string `json:"ranked_strengths"`
}

type generateCollaborator struct {
	Name        string `json:"name"`
	TopStrength string `json:"top_strength"`
}

// generateResponse is the generator's success body. Pattern tags are part of
// the contract: the service reports which pattern it actually used per
// dimension rather than leaving callers to infer them from prose.
type generateResponse struct {
	SubjectLine  string               `json:"subject_line"`
	BodySections []string             `json:"body_sections"`
	Patterns     types.ChosenPatterns `json:"patterns"`
}

// Generate requests one personalized letter. deliveryIndex is 1-based for
// the coaching series and 0 for the welcome letter.
func (g *GeneratorClient) Generate(ctx context.Context, profile types.RecipientProfile, deliveryIndex int, hints types.VarietyHints) (types.GeneratedContent, error) {
	reqBody := generateRequest{
		Recipient: generateRecipient{
			DisplayName:     profile.DisplayName,
			RankedStrengths: profile.RankedStrengths,
		},
		DeliveryIndex: deliveryIndex,
		Hints:         hints,
	}
	for _, c := range profile.Collaborators {
		reqBody.Collaborators = append(reqBody.Collaborators, generateCollaborator{
			Name:        c.Name,
			TopStrength: c.TopStrength,
		})
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return types.GeneratedContent{}, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to marshal letter generation payload",
			err,
		)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/letters", bytes.NewReader(body))
	if err != nil {
		return types.GeneratedContent{}, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to create letter generation request",
			err,
		)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey.Unmask())

	start := time.Now()
	resp, err := g.base.Do(req)
	if err != nil {
		return types.GeneratedContent{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return types.GeneratedContent{}, types.NewAppError(
			types.ErrCodeUpstreamContentGenerator,
			fmt.Sprintf("content generator returned status %d", resp.StatusCode),
			fmt.Errorf("generator error: %s", strings.TrimSpace(string(detail))),
		)
	}

	var genResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return types.GeneratedContent{}, types.NewAppError(
			types.ErrCodeUpstreamContentGenerator,
			"content generator returned an unparseable response",
			err,
		)
	}

	g.logger.DebugContext(ctx, "letter generated",
		"delivery_index", deliveryIndex,
		"sections", len(genResp.BodySections),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return types.GeneratedContent{
		SubjectLine:  genResp.SubjectLine,
		BodySections: genResp.BodySections,
		Patterns:     genResp.Patterns,
	}, nil
}
