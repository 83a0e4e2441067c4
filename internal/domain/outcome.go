package domain

// OutcomeKind is the typed result of one orchestration cycle.
type OutcomeKind string

const (
	OutcomeCached    OutcomeKind = "served_from_cache"
	OutcomeGenerated OutcomeKind = "freshly_generated"
	OutcomeDegraded  OutcomeKind = "degraded"
	OutcomeFailed    OutcomeKind = "failed"
)

// Outcome is what the coordinator returns to its caller.
type Outcome struct {
	Kind           OutcomeKind
	ConversationID string
	Sequence       int64
	Answer         string
	Fingerprint    Fingerprint
	Sources        []FragmentRef
	// Degradations lists the reason codes of context sources that failed or
	// timed out. A timed-out source may still have contributed the fragments
	// it returned before its deadline.
	Degradations []string
	Metadata     GenerationMetadata
	// Reason is the failure reason code; empty unless Kind is OutcomeFailed.
	Reason string
}

// TurnResult is what the conversation writer persists next to the turn.
type TurnResult struct {
	Answer      string
	Fingerprint Fingerprint
	Provenance  []FragmentRef
	Outcome     OutcomeKind
	Metadata    GenerationMetadata
}
