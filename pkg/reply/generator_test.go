package reply

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"replybot/pkg/conversation"
	providertypes "replybot/pkg/provider/types"
	"replybot/pkg/retrieval"
)

const fallbackText = "Sorry, please contact our team."

type fakeCompleter struct {
	calls  atomic.Int32
	text   string
	err    error
	block  chan struct{}
	prompt providertypes.Prompt
	sample providertypes.SamplingConfig
}

func (f *fakeCompleter) Complete(ctx context.Context, prompt providertypes.Prompt, sampling providertypes.SamplingConfig) (providertypes.PromptResult, error) {
	f.calls.Add(1)
	f.prompt = prompt
	f.sample = sampling
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return providertypes.PromptResult{}, f.err
	}
	return providertypes.PromptResult{Text: f.text, Metadata: providertypes.PromptMetadata{Provider: "fake", Model: "m"}}, nil
}

func newTestGenerator(t *testing.T, completer *fakeCompleter, opts Options) *Generator {
	t.Helper()
	opts.FallbackText = fallbackText
	var g *Generator
	var err error
	if completer == nil {
		g, err = NewGenerator(nil, opts, nil)
	} else {
		g, err = NewGenerator(completer, opts, nil)
	}
	if err != nil {
		t.Fatalf("NewGenerator error: %v", err)
	}
	return g
}

func TestGenerateUnconfiguredAlwaysFallsBack(t *testing.T) {
	g := newTestGenerator(t, nil, Options{})

	for _, text := range []string{"hola", "", "what are your hours?", strings.Repeat("x", 5000)} {
		reply := g.Generate(context.Background(), text, nil, nil)
		if !reply.UsedFallback || reply.Text != fallbackText || reply.Reason != ReasonNotConfigured {
			t.Fatalf("reply = %+v, want not_configured fallback", reply)
		}
	}
	if g.Configured() {
		t.Fatal("expected unconfigured generator")
	}
}

func TestGenerateUsesCompleter(t *testing.T) {
	temperature := 0.2
	completer := &fakeCompleter{text: "  Abrimos de 9 a 5.  "}
	g := newTestGenerator(t, completer, Options{
		Sampling:     providertypes.SamplingConfig{Model: "m", Temperature: &temperature},
		HistoryTurns: 1,
	})

	passages := retrieval.Context{
		{Text: "Hours: 9 to 5 weekdays.", Score: 0.9, Source: map[string]string{"title": "FAQ"}},
	}
	history := []conversation.Turn{
		{Role: conversation.RoleUser, Text: "old"},
		{Role: conversation.RoleAssistant, Text: "hola!"},
	}

	reply := g.Generate(context.Background(), "horarios?", passages, history)
	if reply.UsedFallback {
		t.Fatalf("unexpected fallback: %+v", reply)
	}
	if reply.Text != "Abrimos de 9 a 5." {
		t.Fatalf("text = %q", reply.Text)
	}
	if reply.Metadata.Provider != "fake" {
		t.Fatalf("metadata = %+v", reply.Metadata)
	}

	if completer.prompt.Input != "horarios?" {
		t.Fatalf("input = %q", completer.prompt.Input)
	}
	if !strings.Contains(completer.prompt.System, "[1] FAQ: Hours: 9 to 5 weekdays.") {
		t.Fatalf("system prompt missing context block: %q", completer.prompt.System)
	}
	if len(completer.prompt.History) != 1 || completer.prompt.History[0].Role != providertypes.RoleAssistant {
		t.Fatalf("history = %+v", completer.prompt.History)
	}
	if completer.sample.Temperature == nil || *completer.sample.Temperature != 0.2 {
		t.Fatalf("temperature = %v", completer.sample.Temperature)
	}
}

func TestGenerateFallbackReasons(t *testing.T) {
	tests := []struct {
		name      string
		completer *fakeCompleter
		want      Reason
	}{
		{name: "error", completer: &fakeCompleter{err: errors.New("500")}, want: ReasonError},
		{name: "empty", completer: &fakeCompleter{text: " \n\t "}, want: ReasonEmpty},
		{name: "deadline error", completer: &fakeCompleter{err: context.DeadlineExceeded}, want: ReasonTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGenerator(t, tt.completer, Options{})
			reply := g.Generate(context.Background(), "hola", nil, nil)
			if !reply.UsedFallback || reply.Reason != tt.want || reply.Text != fallbackText {
				t.Fatalf("reply = %+v, want %s fallback", reply, tt.want)
			}
		})
	}
}

func TestGenerateAbandonsSlowCompleter(t *testing.T) {
	completer := &fakeCompleter{text: "late", block: make(chan struct{})}
	t.Cleanup(func() { close(completer.block) })

	g := newTestGenerator(t, completer, Options{Timeout: 20 * time.Millisecond})

	start := time.Now()
	reply := g.Generate(context.Background(), "hola", nil, nil)
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("generate did not honor its timeout")
	}
	if !reply.UsedFallback || reply.Reason != ReasonTimeout {
		t.Fatalf("reply = %+v, want timeout fallback", reply)
	}
}

func TestNewGeneratorRequiresFallback(t *testing.T) {
	if _, err := NewGenerator(nil, Options{FallbackText: "  "}, nil); err == nil {
		t.Fatal("expected error for blank fallback text")
	}
}
