package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"replybot/pkg/config"
	providerfantasy "replybot/pkg/provider/fantasy"
	"replybot/pkg/provider/moonshot"
	provideropenai "replybot/pkg/provider/openai"
	"replybot/pkg/provider/opencode"
	providertypes "replybot/pkg/provider/types"
)

// ErrNotConfigured means no generation provider was selected.
var ErrNotConfigured = errors.New("generation provider not configured")

// Completer produces text for a prompt.
type Completer interface {
	Complete(ctx context.Context, prompt providertypes.Prompt, sampling providertypes.SamplingConfig) (providertypes.PromptResult, error)
}

type Client interface {
	Completer
	Health(ctx context.Context) error
}

func New(cfg *config.Config) (Client, error) {
	providerID := strings.ToLower(strings.TrimSpace(cfg.Generation.Provider))

	slog.Default().With("component", "provider.factory").Debug("Resolving provider client", "provider", providerID)

	switch providerID {
	case "", "none":
		return nil, ErrNotConfigured
	case "opencode":
		return opencode.New(cfg)
	case "openai":
		return provideropenai.New(cfg)
	case "fantasy":
		return providerfantasy.New(cfg)
	case "moonshot":
		return moonshot.New(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", providerID)
	}
}
