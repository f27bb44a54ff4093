package reply

import (
	"embed"
	"fmt"
	"strconv"
	"strings"

	"replybot/pkg/conversation"
	providertypes "replybot/pkg/provider/types"
	"replybot/pkg/retrieval"
)

//go:embed templates/*.md
var templatesFS embed.FS

const defaultTemplate = "system"

// LoadSystemPrompt returns override when it is set, otherwise the embedded
// default instruction.
func LoadSystemPrompt(override string) (string, error) {
	if override = strings.TrimSpace(override); override != "" {
		return override, nil
	}

	content, err := templatesFS.ReadFile("templates/" + defaultTemplate + ".md")
	if err != nil {
		return "", fmt.Errorf("load %s prompt template: %w", defaultTemplate, err)
	}

	system := strings.TrimSpace(string(content))
	if system == "" {
		return "", fmt.Errorf("prompt template %q is empty", defaultTemplate)
	}

	return system, nil
}

// buildPrompt assembles the provider prompt. The context block is cut to
// budget runes; history keeps at most maxTurns of the newest turns.
func buildPrompt(system, text string, passages retrieval.Context, history []conversation.Turn, budget, maxTurns int) providertypes.Prompt {
	var b strings.Builder
	b.WriteString(system)

	if block := contextBlock(passages, budget); block != "" {
		b.WriteString("\n\nReference information:\n")
		b.WriteString(block)
	}

	if maxTurns > 0 && len(history) > maxTurns {
		history = history[len(history)-maxTurns:]
	}
	messages := make([]providertypes.Message, 0, len(history))
	for _, turn := range history {
		role := providertypes.RoleUser
		if turn.Role == conversation.RoleAssistant {
			role = providertypes.RoleAssistant
		}
		messages = append(messages, providertypes.Message{Role: role, Text: turn.Text})
	}

	return providertypes.Prompt{
		System:  strings.TrimSpace(b.String()),
		History: messages,
		Input:   strings.TrimSpace(text),
	}
}

func contextBlock(passages retrieval.Context, budget int) string {
	if len(passages) == 0 || budget <= 0 {
		return ""
	}

	var b strings.Builder
	for i, p := range passages {
		text := strings.TrimSpace(p.Text)
		if text == "" {
			continue
		}
		b.WriteString("[")
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString("] ")
		if title := strings.TrimSpace(p.Source["title"]); title != "" {
			b.WriteString(title)
			b.WriteString(": ")
		}
		b.WriteString(text)
		b.WriteString("\n")
	}

	return truncateRunes(strings.TrimSpace(b.String()), budget)
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return strings.TrimSpace(string(runes[:limit]))
}
