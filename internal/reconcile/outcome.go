package reconcile

// Outcome is the canonical classification of a gateway status string,
// produced by the webhook status normalizer.
type Outcome int

const (
	OutcomeUnhandled Outcome = iota
	OutcomeSuccess
	OutcomePending
	OutcomeCancelled
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomePending:
		return "pending"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	default:
		return "unhandled"
	}
}
