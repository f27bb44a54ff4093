package types

import "strings"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one prior conversation turn handed to a provider.
type Message struct {
	Role string
	Text string
}

// Prompt is a provider-neutral generation request. System holds the fixed
// instruction plus retrieved context; History holds prior turns, oldest first.
type Prompt struct {
	System  string
	History []Message
	Input   string
}

// Render flattens the prompt into one transcript for providers that only
// accept a single text input.
func (p Prompt) Render(includeSystem bool) string {
	var b strings.Builder
	if includeSystem {
		if system := strings.TrimSpace(p.System); system != "" {
			b.WriteString(system)
			b.WriteString("\n\n")
		}
	}
	if len(p.History) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, m := range p.History {
			b.WriteString(roleLabel(m.Role))
			b.WriteString(": ")
			b.WriteString(strings.TrimSpace(m.Text))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString(roleLabel(RoleUser))
	b.WriteString(": ")
	b.WriteString(strings.TrimSpace(p.Input))

	return b.String()
}

func roleLabel(role string) string {
	if role == RoleAssistant {
		return "Assistant"
	}
	return "User"
}

// SamplingConfig carries the per-call generation settings.
type SamplingConfig struct {
	Model       string
	// Temperature is nil when the provider default applies; zero is sent as zero.
	Temperature *float64
	MaxTokens   int
}

// PromptResult is the normalized provider response payload.
type PromptResult struct {
	Text     string
	Metadata PromptMetadata
}

// PromptMetadata carries provider/model identity and optional usage accounting.
type PromptMetadata struct {
	Provider string
	Model    string
	Usage    *TokenUsage
}

// TokenUsage captures token accounting across providers.
type TokenUsage struct {
	InputTokens         int64
	OutputTokens        int64
	TotalTokens         int64
	ReasoningTokens     int64
	CacheCreationTokens int64
	CacheReadTokens     int64
}

// IsZero reports whether all token counters are unset/zero.
func (u TokenUsage) IsZero() bool {
	return u.InputTokens == 0 &&
		u.OutputTokens == 0 &&
		u.TotalTokens == 0 &&
		u.ReasoningTokens == 0 &&
		u.CacheCreationTokens == 0 &&
		u.CacheReadTokens == 0
}
