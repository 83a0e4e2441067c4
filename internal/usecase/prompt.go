package usecase

import (
	"fmt"
	"strings"

	"chat-orchestrator/internal/domain"
)

const defaultSystemPrompt = "You are a helpful assistant. Answer using the numbered context when it is relevant and say so when it is not."

// buildPromptMessages assembles the system instructions, the ranked context
// and the user message. Identical inputs always produce identical messages.
func buildPromptMessages(systemPrompt string, fragments []domain.ContextFragment, message string) []domain.ChatMessage {
	systemPrompt = strings.TrimSpace(systemPrompt)
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	return []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: systemPrompt},
		{Role: domain.RoleSystem, Content: buildContextPrompt(fragments)},
		{Role: domain.RoleUser, Content: strings.TrimSpace(message)},
	}
}

func buildContextPrompt(fragments []domain.ContextFragment) string {
	if len(fragments) == 0 {
		return "Context:\nNo context is available for this question. Answer from general knowledge."
	}
	var b strings.Builder
	b.WriteString("Context:")
	for i, f := range fragments {
		fmt.Fprintf(&b, "\n[%d] (%s: %s) %s", i+1, f.Source, originOrUnknown(f.Origin), normalizePromptInput(f.Text))
	}
	return b.String()
}

func originOrUnknown(origin string) string {
	if origin = strings.TrimSpace(origin); origin == "" {
		return "unknown"
	}
	return origin
}

func normalizePromptInput(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}
