package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"payment-reconciler/internal/config"
)

const tokenExpiryMargin = 30 * time.Second

// TokenSource caches the notification transport's bearer token for its
// lifetime. Concurrent callers hitting an expired token share one in-flight
// refresh.
type TokenSource struct {
	cfg    config.NotificationTransport
	client *http.Client
	group  singleflight.Group

	mu        sync.Mutex
	token     string
	expiresAt time.Time

	now func() time.Time
}

func NewTokenSource(cfg config.NotificationTransport, client *http.Client) *TokenSource {
	return &TokenSource{
		cfg:    cfg,
		client: client,
		now:    time.Now,
	}
}

func (t *TokenSource) Token(ctx context.Context) (string, error) {
	if t.cfg.TokenURL == "" {
		return "", nil
	}

	t.mu.Lock()
	if t.token != "" && t.now().Before(t.expiresAt.Add(-tokenExpiryMargin)) {
		token := t.token
		t.mu.Unlock()
		return token, nil
	}
	t.mu.Unlock()

	value, err, _ := t.group.Do("token", func() (any, error) {
		return t.fetch(ctx)
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

func (t *TokenSource) fetch(ctx context.Context) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"client_id":     t.cfg.ClientID,
		"client_secret": t.cfg.ClientSecret,
		"grant_type":    "client_credentials",
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.TokenURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("token endpoint returned %s", resp.Status)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(respBody, &tokenResp); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}

	t.mu.Lock()
	t.token = tokenResp.AccessToken
	t.expiresAt = t.now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	t.mu.Unlock()

	return tokenResp.AccessToken, nil
}
