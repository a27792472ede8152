package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"payment-reconciler/internal/config"
)

const defaultReplayWindowSec = 300

// Verifier checks webhook authenticity. The HMAC is computed over the raw
// request body, never over re-serialized JSON. Pure validation, no side
// effects.
type Verifier struct {
	secret       []byte
	apiKey       string
	replayWindow time.Duration
	production   bool
	logger       *slog.Logger
	now          func() time.Time
}

func NewVerifier(cfg config.Gateway, production bool, logger *slog.Logger) *Verifier {
	window := cfg.ReplayWindowSec
	if window <= 0 {
		window = defaultReplayWindowSec
	}

	return &Verifier{
		secret:       []byte(cfg.WebhookSecret),
		apiKey:       cfg.APIKey,
		replayWindow: time.Duration(window) * time.Second,
		production:   production,
		logger:       logger,
		now:          time.Now,
	}
}

// Verify reports whether the signature header authenticates the raw body.
func (v *Verifier) Verify(rawBody []byte, signatureHeader string) bool {
	if len(v.secret) == 0 {
		if v.production {
			v.logger.Error("No webhook secret configured, rejecting webhook")
			return false
		}
		// Local-development escape hatch. Deploying without a secret means
		// accepting unsigned webhooks.
		v.logger.Warn("No webhook secret configured, accepting webhook without verification")
		return true
	}

	if signatureHeader == "" {
		return false
	}

	digest, timestamp := parseHeader(signatureHeader)
	if digest == "" {
		return false
	}

	if timestamp != "" {
		if !v.fresh(timestamp) {
			v.logger.Warn("Webhook signature timestamp outside replay window", "t", timestamp)
			return false
		}
	} else {
		v.logger.Warn("Webhook signature has no timestamp component, replay window not enforced")
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(rawBody)
	expected := mac.Sum(nil)

	return digestMatches(digest, expected)
}

// VerifyAPIKey is the alternate trust channel for gateways that cannot sign.
func (v *Verifier) VerifyAPIKey(headerKey string) bool {
	if v.apiKey == "" || headerKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(headerKey), []byte(v.apiKey)) == 1
}

func (v *Verifier) fresh(timestamp string) bool {
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	age := v.now().Sub(time.Unix(unix, 0))
	if age < 0 {
		age = -age
	}
	return age <= v.replayWindow
}

// parseHeader extracts the digest and optional timestamp from either a bare
// digest header or a compound "t=...,v1=..." header.
func parseHeader(header string) (digest, timestamp string) {
	if !strings.Contains(header, "=") {
		return strings.TrimSpace(header), ""
	}

	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch strings.ToLower(key) {
		case "v1", "sha256":
			digest = value
		case "t":
			timestamp = value
		}
	}

	if digest == "" && !strings.Contains(header, ",") {
		// A lone base64 digest may contain '=' padding.
		digest = strings.TrimSpace(header)
	}

	return digest, timestamp
}

// digestMatches compares the provided digest against the expected MAC under
// both hex and base64 encodings, since senders vary.
func digestMatches(provided string, expected []byte) bool {
	if decoded, err := hex.DecodeString(provided); err == nil {
		if subtle.ConstantTimeCompare(decoded, expected) == 1 {
			return true
		}
	}
	if decoded, err := base64.StdEncoding.DecodeString(provided); err == nil {
		if subtle.ConstantTimeCompare(decoded, expected) == 1 {
			return true
		}
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(provided); err == nil {
		if subtle.ConstantTimeCompare(decoded, expected) == 1 {
			return true
		}
	}
	return false
}
