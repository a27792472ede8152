package notify

import "strings"

// IdempotencyKey derives the deterministic ledger key for one notification:
// event type + order/transaction id + recipient, normalized. Identical events
// always produce identical keys, whatever process computes them.
func IdempotencyKey(event, referenceID, recipient string) string {
	parts := []string{
		strings.ToLower(strings.TrimSpace(event)),
		strings.ToLower(strings.TrimSpace(referenceID)),
		strings.ToLower(strings.TrimSpace(recipient)),
	}
	return strings.Join(parts, ":")
}
