package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"payment-reconciler/internal/config"
)

const defaultTimeoutMs = 10_000

// Notification is the transport contract: the engine depends on this
// signature only, not on template content or delivery mechanics.
type Notification struct {
	Event          string         `json:"event"`
	RecipientEmail string         `json:"recipient_email"`
	RecipientName  string         `json:"recipient_name,omitempty"`
	Data           map[string]any `json:"data"`
	Priority       string         `json:"priority"`
}

// SendError carries the transport status code so the dispatcher can decide
// whether to retry. 4xx-class responses are not retryable.
type SendError struct {
	StatusCode int
	Status     string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("error response: %s", e.Status)
}

func (e *SendError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

type Sender struct {
	client *http.Client
	url    string
	tokens *TokenSource
	logger *slog.Logger
}

func NewSender(cfg config.NotificationTransport, logger *slog.Logger) *Sender {
	timeoutMs := cfg.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defaultTimeoutMs
	}
	client := &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond}

	return &Sender{
		client: client,
		url:    cfg.URL,
		tokens: NewTokenSource(cfg, client),
		logger: logger,
	}
}

// Send delivers one notification and returns the transport-assigned id.
func (s *Sender) Send(ctx context.Context, notification Notification) (string, error) {
	payload, err := json.Marshal(notification)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := s.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("fetching transport token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	if resp.StatusCode >= 400 {
		s.logger.ErrorContext(ctx, "Notification transport returned error",
			"status", resp.Status, "event", notification.Event, "recipient", notification.RecipientEmail)
		return "", &SendError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	var sendResp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &sendResp); err != nil {
		// Transport accepted the notification; a missing id is not a
		// delivery failure.
		s.logger.WarnContext(ctx, "Could not decode notification response", "error", err)
		return "", nil
	}

	return sendResp.ID, nil
}
