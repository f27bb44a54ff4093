// Package reply turns a message, retrieved context and recent turns into a
// reply. When generation is unavailable it answers with a fixed fallback
// text instead of failing.
package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"replybot/pkg/conversation"
	"replybot/pkg/provider"
	providertypes "replybot/pkg/provider/types"
	"replybot/pkg/retrieval"
)

type Reason string

const (
	ReasonNotConfigured Reason = "not_configured"
	ReasonTimeout       Reason = "timeout"
	ReasonError         Reason = "error"
	ReasonEmpty         Reason = "empty"
)

type Reply struct {
	Text         string
	UsedFallback bool
	Reason       Reason
	Metadata     providertypes.PromptMetadata
	Err          error
}

type Options struct {
	FallbackText      string
	SystemPrompt      string
	Sampling          providertypes.SamplingConfig
	Timeout           time.Duration
	ContextCharBudget int
	// HistoryTurns caps how many prior turns go into the prompt.
	HistoryTurns int
}

type Generator struct {
	completer provider.Completer
	system    string
	fallback  string
	sampling  providertypes.SamplingConfig
	timeout   time.Duration
	budget    int
	turns     int
	log       *slog.Logger
}

// NewGenerator builds a generator. A nil completer is valid and makes every
// reply the fallback text.
func NewGenerator(completer provider.Completer, opts Options, log *slog.Logger) (*Generator, error) {
	if log == nil {
		log = slog.Default()
	}
	fallback := strings.TrimSpace(opts.FallbackText)
	if fallback == "" {
		return nil, errors.New("reply: fallback text is required")
	}
	system, err := LoadSystemPrompt(opts.SystemPrompt)
	if err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.ContextCharBudget <= 0 {
		opts.ContextCharBudget = 2000
	}

	return &Generator{
		completer: completer,
		system:    system,
		fallback:  fallback,
		sampling:  opts.Sampling,
		timeout:   opts.Timeout,
		budget:    opts.ContextCharBudget,
		turns:     opts.HistoryTurns,
		log:       log.With("component", "reply.generator"),
	}, nil
}

// Configured reports whether a completer is wired.
func (g *Generator) Configured() bool {
	return g.completer != nil
}

func (g *Generator) Generate(ctx context.Context, text string, passages retrieval.Context, history []conversation.Turn) Reply {
	if g.completer == nil {
		return g.fallbackReply(ReasonNotConfigured, provider.ErrNotConfigured)
	}

	prompt := buildPrompt(g.system, text, passages, history, g.budget, g.turns)
	startedAt := time.Now()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type completion struct {
		result providertypes.PromptResult
		err    error
	}
	done := make(chan completion, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- completion{err: fmt.Errorf("reply: completer panicked: %v", rec)}
			}
		}()
		result, err := g.completer.Complete(ctx, prompt, g.sampling)
		done <- completion{result: result, err: err}
	}()

	var res completion
	select {
	case res = <-done:
	case <-ctx.Done():
		return g.fallbackReply(ReasonTimeout, ctx.Err())
	}

	if res.err != nil {
		if errors.Is(res.err, context.DeadlineExceeded) {
			return g.fallbackReply(ReasonTimeout, res.err)
		}
		return g.fallbackReply(ReasonError, res.err)
	}

	reply := strings.TrimSpace(res.result.Text)
	if reply == "" {
		return g.fallbackReply(ReasonEmpty, nil)
	}

	g.log.Debug("Reply generated",
		"duration_ms", time.Since(startedAt).Milliseconds(),
		"provider", res.result.Metadata.Provider,
		"model", res.result.Metadata.Model,
		"passages", len(passages),
		"history_turns", len(prompt.History),
	)

	return Reply{Text: reply, Metadata: res.result.Metadata}
}

func (g *Generator) fallbackReply(reason Reason, err error) Reply {
	if reason == ReasonNotConfigured {
		g.log.Debug("Using fallback reply", "reason", reason)
	} else {
		g.log.Warn("Using fallback reply", "reason", reason, "error", err)
	}
	return Reply{Text: g.fallback, UsedFallback: true, Reason: reason, Err: err}
}
