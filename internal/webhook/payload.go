package webhook

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Event is the parsed inbound webhook. Transient, lives only for the duration
// of one request.
type Event struct {
	References    []string
	GatewayIDs    []string
	RawStatuses   []string
	FailureReason string
	Raw           []byte
}

// Extraction rules per logical field, applied in order against the top-level
// object and the nested "data" object. Gateways disagree on field names; the
// rule lists keep that variability out of the business logic.
var (
	referenceFields = []string{"order_id", "reference", "transaction_reference"}
	gatewayIDFields = []string{"transaction_id", "gateway_transaction_id", "transid"}
	statusFields    = []string{"status", "payment_status", "event_type", "event", "type"}
)

// Parse decodes the raw body and extracts candidate references, gateway ids
// and status strings.
func Parse(rawBody []byte) (*Event, error) {
	var payload map[string]any
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, fmt.Errorf("unmarshalling webhook body: %w", err)
	}

	scopes := []map[string]any{payload}
	if data, ok := payload["data"].(map[string]any); ok {
		scopes = append(scopes, data)
	}

	event := &Event{Raw: rawBody}
	event.References = collect(scopes, referenceFields)
	event.GatewayIDs = collect(scopes, gatewayIDFields)
	event.RawStatuses = collect(scopes, statusFields)

	if reason := firstString(scopes, "failure_reason"); reason != "" {
		event.FailureReason = reason
	}

	return event, nil
}

func collect(scopes []map[string]any, fields []string) []string {
	var values []string
	seen := make(map[string]struct{})
	for _, scope := range scopes {
		for _, field := range fields {
			value := stringValue(scope[field])
			if value == "" {
				continue
			}
			if _, dup := seen[value]; dup {
				continue
			}
			seen[value] = struct{}{}
			values = append(values, value)
		}
	}
	return values
}

func firstString(scopes []map[string]any, field string) string {
	for _, scope := range scopes {
		if value := stringValue(scope[field]); value != "" {
			return value
		}
	}
	return ""
}

func stringValue(v any) string {
	switch value := v.(type) {
	case string:
		return strings.TrimSpace(value)
	case float64:
		// Gateways occasionally send numeric ids.
		return strconv.FormatFloat(value, 'f', -1, 64)
	default:
		return ""
	}
}
