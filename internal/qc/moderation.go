package qc

import (
	"context"
	"strings"
)

// KeywordModerator is a local policy screen matching banned terms in the
// narration script. Production deployments layer a provider moderation call
// behind the same interface.
type KeywordModerator struct {
	banned []string
}

// NewKeywordModerator builds a moderator from a banned-term list.
func NewKeywordModerator(terms []string) *KeywordModerator {
	normalized := make([]string, 0, len(terms))
	for _, term := range terms {
		trimmed := strings.ToLower(strings.TrimSpace(term))
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return &KeywordModerator{banned: normalized}
}

// Moderate flags content whose script contains any banned term.
func (m *KeywordModerator) Moderate(_ context.Context, input ModerationInput) (ModerationVerdict, error) {
	script := strings.ToLower(input.Script)
	var categories []string
	for _, term := range m.banned {
		if strings.Contains(script, term) {
			categories = append(categories, term)
		}
	}
	return ModerationVerdict{Flagged: len(categories) > 0, Categories: categories}, nil
}

// NopModerator approves everything. Used when no moderation collaborator is
// configured.
type NopModerator struct{}

func (NopModerator) Moderate(context.Context, ModerationInput) (ModerationVerdict, error) {
	return ModerationVerdict{}, nil
}
