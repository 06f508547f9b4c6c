package external

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"coachletter/internal/types"
)

// newTestMailpostClient wires a MailpostClient to the given test server with
// retries disabled so each Send maps to exactly one HTTP call.
func newTestMailpostClient(t *testing.T, serverURL string) *MailpostClient {
	t.Helper()
	base := NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"test-mailpost",
		RetryPolicy{MaxRetries: 0, MinWait: time.Millisecond, MaxWait: time.Millisecond},
		"Coachletter-Test/1.0",
		types.ErrCodeUpstreamEmailProvider,
		WithSleepFunc(noopSleep),
	)
	return NewMailpostClientWithBase(base, MailpostClientConfig{
		APIKey:      types.SecretString("test-api-key"),
		BaseURL:     serverURL,
		FromAddress: "coach@example.com",
		FromName:    "Coach Letters",
	})
}

func sendInput() types.SendInput {
	return types.SendInput{
		ToAddress:   "maya@example.com",
		ToName:      "Maya",
		SubjectLine: "Your strengths this week",
		Body:        "Hello Maya.\n\nLead with Strategic today.",
	}
}

func TestMailpostSend_Success(t *testing.T) {
	var gotPath, gotAuth string
	var gotPayload mailpostMessagePayload

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &gotPayload); err != nil {
			t.Errorf("failed to decode payload: %v", err)
		}
		w.Header().Set("X-Mailpost-Id", "mp_abc123")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := newTestMailpostClient(t, server.URL)

	msgID, err := client.Send(context.Background(), sendInput())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if msgID != "mp_abc123" {
		t.Errorf("expected message ID 'mp_abc123', got '%s'", msgID)
	}
	if gotPath != "/v1/messages" {
		t.Errorf("expected path /v1/messages, got %s", gotPath)
	}
	if gotAuth != "Bearer test-api-key" {
		t.Errorf("expected bearer auth header, got '%s'", gotAuth)
	}
	if gotPayload.From.Email != "coach@example.com" || gotPayload.From.Name != "Coach Letters" {
		t.Errorf("unexpected from address: %+v", gotPayload.From)
	}
	if gotPayload.To.Email != "maya@example.com" || gotPayload.To.Name != "Maya" {
		t.Errorf("unexpected to address: %+v", gotPayload.To)
	}
	if gotPayload.Subject != "Your strengths this week" {
		t.Errorf("unexpected subject: %s", gotPayload.Subject)
	}
	if gotPayload.TextBody == "" {
		t.Error("expected text_body to be populated")
	}
}

func TestMailpostSend_403MapsToRecipientBlocked(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":"suppressed","message":"address on suppression list"}}`))
	}))
	defer server.Close()

	client := newTestMailpostClient(t, server.URL)

	_, err := client.Send(context.Background(), sendInput())
	if err == nil {
		t.Fatal("expected error for 403, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T: %v", err, err)
	}
	if appErr.Code != types.ErrCodeRecipientBlocked {
		t.Errorf("expected %s, got %s", types.ErrCodeRecipientBlocked, appErr.Code)
	}
	if !types.IsPermanentSendError(err) {
		t.Error("403 should classify as a permanent send error")
	}
}

func TestMailpostSend_Other4xxMapsToProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":{"code":"invalid_address","message":"to.email is malformed"}}`))
	}))
	defer server.Close()

	client := newTestMailpostClient(t, server.URL)

	_, err := client.Send(context.Background(), sendInput())
	if err == nil {
		t.Fatal("expected error for 422, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T: %v", err, err)
	}
	if appErr.Code != types.ErrCodeUpstreamEmailProvider {
		t.Errorf("expected %s, got %s", types.ErrCodeUpstreamEmailProvider, appErr.Code)
	}
	if types.IsPermanentSendError(err) {
		t.Error("422 should not classify as a permanent send error")
	}
}

func TestMailpostSend_NonJSONErrorBodyStillMapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("not json at all"))
	}))
	defer server.Close()

	client := newTestMailpostClient(t, server.URL)

	_, err := client.Send(context.Background(), sendInput())
	if err == nil {
		t.Fatal("expected error for 400, got nil")
	}

	if code := types.CodeOf(err); code != types.ErrCodeUpstreamEmailProvider {
		t.Errorf("expected %s, got %s", types.ErrCodeUpstreamEmailProvider, code)
	}
}

func TestMailpostSend_5xxSurfacesProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestMailpostClient(t, server.URL)

	_, err := client.Send(context.Background(), sendInput())
	if err == nil {
		t.Fatal("expected error for 502, got nil")
	}

	if code := types.CodeOf(err); code != types.ErrCodeUpstreamEmailProvider {
		t.Errorf("expected %s, got %s", types.ErrCodeUpstreamEmailProvider, code)
	}
}

func TestMailpostSend_TrimsTrailingSlashInBaseURL(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("X-Mailpost-Id", "mp_1")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := newTestMailpostClient(t, server.URL+"/")

	if _, err := client.Send(context.Background(), sendInput()); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if gotPath != "/v1/messages" {
		t.Errorf("expected path /v1/messages, got %s", gotPath)
	}
}
