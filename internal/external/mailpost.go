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

// MailpostClientConfig holds the settings for creating a MailpostClient.
type MailpostClientConfig struct {
	APIKey      types.SecretString
	BaseURL     string // override for testing
	FromAddress string
	FromName    string
	Logger      *slog.Logger
}

// MailpostClient implements types.EmailProvider against the Mailpost v1
// transactional API. All requests are routed through BaseClient so they pick
// up circuit breaking, transport retries, and error mapping.
type MailpostClient struct {
	base        *BaseClient
	apiKey      types.SecretString
	baseURL     string
	fromAddress string
	fromName    string
	logger      *slog.Logger
}

// compile-time interface check
var _ types.EmailProvider = (*MailpostClient)(nil)

// NewMailpostClient creates a MailpostClient from the provider config.
func NewMailpostClient(httpClient *http.Client, cfg config.ProviderConfig, logger *slog.Logger) *MailpostClient {
	base := NewBaseClient(
		httpClient,
		"mailpost",
		DefaultRetryPolicy(),
		"Coachletter/1.0",
		types.ErrCodeUpstreamEmailProvider,
	)

	return newMailpostClient(base, MailpostClientConfig{
		APIKey:      cfg.APIKey,
		BaseURL:     cfg.BaseURL,
		FromAddress: cfg.FromAddress,
		FromName:    cfg.FromName,
		Logger:      logger,
	})
}

// NewMailpostClientWithBase creates a MailpostClient with a pre-configured
// BaseClient. Useful in tests to disable retries or inject a sleep func.
func NewMailpostClientWithBase(base *BaseClient, cfg MailpostClientConfig) *MailpostClient {
	return newMailpostClient(base, cfg)
}

func newMailpostClient(base *BaseClient, cfg MailpostClientConfig) *MailpostClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MailpostClient{
		base:        base,
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		fromAddress: cfg.FromAddress,
		fromName:    cfg.FromName,
		logger:      logger,
	}
}

// mailpostMessagePayload is the POST /v1/messages request body.
type mailpostMessagePayload struct {
	From     mailpostAddress `json:"from"`
	To       mailpostAddress `json:"to"`
	Subject  string          `json:"subject"`
	TextBody string          `json:"text_body"`
}

type mailpostAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// mailpostErrorResponse is the JSON error body returned by Mailpost.
type mailpostErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Send transmits one plain-text email and returns the provider message ID
// (from the X-Mailpost-Id response header) on success.
//
// Error mapping:
//   - 403 Forbidden -> types.ErrCodeRecipientBlocked (suppression list; permanent)
//   - 429 -> handled by BaseClient (retry + ErrCodeUpstreamRateLimited)
//   - 5xx -> handled by BaseClient (retry + ErrCodeUpstreamEmailProvider)
//   - other 4xx -> types.ErrCodeUpstreamEmailProvider
func (m *MailpostClient) Send(ctx context.Context, input types.SendInput) (string, error) {
	payload := mailpostMessagePayload{
		From:     mailpostAddress{Email: m.fromAddress, Name: m.fromName},
		To:       mailpostAddress{Email: input.ToAddress, Name: input.ToName},
		Subject:  input.SubjectLine,
		TextBody: input.Body,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to marshal mailpost message payload",
			err,
		)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to create mailpost send request",
			err,
		)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey.Unmask())

	start := time.Now()
	resp, err := m.base.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		msgID := resp.Header.Get("X-Mailpost-Id")
		m.logger.DebugContext(ctx, "email accepted by provider",
			"message_id", msgID,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return msgID, nil
	}

	return "", m.handleErrorResponse(ctx, resp)
}

// handleErrorResponse reads a Mailpost error body and maps the status code to
// a domain error. 403 means the recipient is on the provider's suppression
// list; that is a permanent condition and must not be retried.
func (m *MailpostClient) handleErrorResponse(ctx context.Context, resp *http.Response) error {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamEmailProvider,
			fmt.Sprintf("mailpost returned status %d and response body was unreadable", resp.StatusCode),
			readErr,
		)
	}

	var mpErr mailpostErrorResponse
	errMsg := string(body)
	if jsonErr := json.Unmarshal(body, &mpErr); jsonErr == nil && mpErr.Error.Message != "" {
		errMsg = mpErr.Error.Message
	}

	if resp.StatusCode == http.StatusForbidden {
		m.logger.WarnContext(ctx, "recipient blocked by provider", "detail", errMsg)
		return types.NewAppError(
			types.ErrCodeRecipientBlocked,
			"recipient address is suppressed by the email provider",
			fmt.Errorf("mailpost 403: %s", errMsg),
		)
	}

	return types.NewAppError(
		types.ErrCodeUpstreamEmailProvider,
		fmt.Sprintf("mailpost rejected the message with status %d", resp.StatusCode),
		fmt.Errorf("mailpost error: %s", errMsg),
	)
}
