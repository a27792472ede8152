package webhook

import (
	"strings"

	"payment-reconciler/internal/reconcile"
)

var (
	successStatuses = statusSet("SUCCESS", "SUCCEEDED", "COMPLETED", "APPROVED", "PAID", "SETTLED", "SUCCESSFUL")
	pendingStatuses = statusSet("PENDING", "PROCESSING", "AWAITING", "QUEUED")
	cancelStatuses  = statusSet("CANCELLED", "CANCELED")
	failedStatuses  = statusSet("FAILED", "DECLINED", "ERROR", "REJECTED", "TIMEOUT")
)

func statusSet(statuses ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(statuses))
	for _, s := range statuses {
		set[s] = struct{}{}
	}
	return set
}

// Normalize maps the first non-empty raw status candidate onto an outcome.
// Unknown vendor statuses are Unhandled, never an error: treating them as
// failures would trigger pointless gateway retries.
func Normalize(rawStatuses []string) reconcile.Outcome {
	for _, raw := range rawStatuses {
		status := strings.ToUpper(strings.TrimSpace(raw))
		if status == "" {
			continue
		}
		switch {
		case member(successStatuses, status):
			return reconcile.OutcomeSuccess
		case member(pendingStatuses, status):
			return reconcile.OutcomePending
		case member(cancelStatuses, status):
			return reconcile.OutcomeCancelled
		case member(failedStatuses, status):
			return reconcile.OutcomeFailed
		}
		return reconcile.OutcomeUnhandled
	}
	return reconcile.OutcomeUnhandled
}

func member(set map[string]struct{}, status string) bool {
	_, ok := set[status]
	return ok
}
