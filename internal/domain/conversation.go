package domain

import (
	"slices"
	"time"
)

// Caller is the already-authenticated identity handed over by the auth layer.
type Caller struct {
	ID     string
	Scopes []string
}

// HasScope reports whether the caller was granted scope.
func (c Caller) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// ConversationTurn is one inbound user message. It is treated as immutable once
// orchestration begins.
type ConversationTurn struct {
	ConversationID string
	Sequence       int64
	Message        string
	Timestamp      time.Time
	Caller         Caller
}

// WithSequence returns a copy of t carrying seq.
func (t ConversationTurn) WithSequence(seq int64) ConversationTurn {
	t.Sequence = seq
	if t.Caller.Scopes != nil {
		t.Caller.Scopes = slices.Clone(t.Caller.Scopes)
	}
	return t
}

// FragmentRef is the provenance kept for a context fragment that fed an answer.
type FragmentRef struct {
	Source Source  `json:"source"`
	Origin string  `json:"origin"`
	Score  float64 `json:"score"`
}

// TurnRecord is a single persisted exchange. Records are append-only and keyed
// by (ConversationID, Sequence).
type TurnRecord struct {
	ConversationID   string
	Sequence         int64
	CallerID         string
	UserMessage      string
	Response         string
	Provenance       []FragmentRef
	Fingerprint      Fingerprint
	Outcome          OutcomeKind
	Model            string
	PromptTokens     int
	CompletionTokens int
	CreatedAt        time.Time
}
