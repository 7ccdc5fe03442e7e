package domain

import (
	"fmt"
	"strings"
)

// ProviderKind identifies which LLM provider backs the pipeline. The set is
// closed: unknown kinds are a construction-time error, never a silent default.
type ProviderKind string

const (
	ProviderGemini ProviderKind = "gemini"
	ProviderOpenAI ProviderKind = "openai"
	ProviderOllama ProviderKind = "ollama"
)

// ParseProviderKind validates a configured provider kind.
func ParseProviderKind(s string) (ProviderKind, error) {
	switch k := ProviderKind(s); k {
	case ProviderGemini, ProviderOpenAI, ProviderOllama:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unknown provider kind %q", ErrInvalidConfig, s)
	}
}

// Scope returns the persistence scope for this provider and embedding model.
// Index snapshots and ledgers are keyed by it so switching providers never
// silently reuses another provider's state.
func (k ProviderKind) Scope(embeddingModel string) string {
	sanitized := strings.NewReplacer("/", "-", ":", "-", " ", "-").Replace(embeddingModel)
	return string(k) + "-" + sanitized
}
