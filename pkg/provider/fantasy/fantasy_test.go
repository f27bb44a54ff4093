package fantasy

import (
	"context"
	"errors"
	"testing"

	core "charm.land/fantasy"

	"replybot/pkg/config"
	providertypes "replybot/pkg/provider/types"
)

type fakeLanguageModelProvider struct {
	model     core.LanguageModel
	err       error
	lastID    string
	callCount int
}

func (f *fakeLanguageModelProvider) LanguageModel(ctx context.Context, modelID string) (core.LanguageModel, error) {
	f.callCount++
	f.lastID = modelID
	if f.err != nil {
		return nil, f.err
	}

	return f.model, nil
}

type fakeLanguageModel struct{}

func (f *fakeLanguageModel) Generate(context.Context, core.Call) (*core.Response, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLanguageModel) Stream(context.Context, core.Call) (core.StreamResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLanguageModel) GenerateObject(context.Context, core.ObjectCall) (*core.ObjectResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLanguageModel) StreamObject(context.Context, core.ObjectCall) (core.ObjectStreamResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLanguageModel) Provider() string { return "openai" }
func (f *fakeLanguageModel) Model() string    { return "gpt-5.2" }

func TestNewRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	cfg := &config.Config{}
	cfg.Generation.Model = "openai/gpt-5.2"

	if _, err := New(cfg); err == nil {
		t.Fatal("expected missing api key error")
	}
}

func TestNewRequiresModel(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	if _, err := New(&config.Config{}); err == nil {
		t.Fatal("expected missing model error")
	}
}

func TestNormalizeOpenAIModel(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "plain model", input: "gpt-5.2", want: "gpt-5.2"},
		{name: "openai prefixed", input: "openai/gpt-5.2", want: "gpt-5.2"},
		{name: "non openai prefixed", input: "anthropic/claude", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeOpenAIModel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("normalizeOpenAIModel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("normalizeOpenAIModel(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestHealthResolvesConfiguredModel(t *testing.T) {
	provider := &fakeLanguageModelProvider{model: &fakeLanguageModel{}}
	client := &Client{provider: provider, modelID: "gpt-5.2"}

	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("Health error: %v", err)
	}
	if provider.callCount != 1 || provider.lastID != "gpt-5.2" {
		t.Fatalf("calls = %d, model = %q", provider.callCount, provider.lastID)
	}
}

func TestCompleteBuildsCallFromPrompt(t *testing.T) {
	provider := &fakeLanguageModelProvider{model: &fakeLanguageModel{}}
	var got core.AgentCall
	client := &Client{
		provider: provider,
		modelID:  "gpt-5.2",
		generate: func(_ context.Context, _ core.LanguageModel, call core.AgentCall) (*core.AgentResult, error) {
			got = call
			return &core.AgentResult{
				Response: core.Response{
					Content: core.ResponseContent{core.TextContent{Text: "  Abrimos a las 9.  "}},
				},
				TotalUsage: core.Usage{InputTokens: 12, OutputTokens: 4, TotalTokens: 16},
			}, nil
		},
	}

	temperature := 0.2
	result, err := client.Complete(context.Background(), providertypes.Prompt{
		System: "You answer questions about the shelter.",
		History: []providertypes.Message{
			{Role: providertypes.RoleUser, Text: "hola"},
			{Role: providertypes.RoleAssistant, Text: "hola, en que te ayudo?"},
		},
		Input: "a que hora abren?",
	}, providertypes.SamplingConfig{Model: "openai/gpt-4o-mini", Temperature: &temperature, MaxTokens: 300})
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}

	if result.Text != "Abrimos a las 9." {
		t.Fatalf("text = %q", result.Text)
	}
	if result.Metadata.Model != "gpt-4o-mini" || provider.lastID != "gpt-4o-mini" {
		t.Fatalf("model = %q / %q, want gpt-4o-mini", result.Metadata.Model, provider.lastID)
	}
	if result.Metadata.Usage == nil || result.Metadata.Usage.TotalTokens != 16 {
		t.Fatalf("usage = %+v", result.Metadata.Usage)
	}

	if got.Prompt != "a que hora abren?" {
		t.Fatalf("prompt = %q", got.Prompt)
	}
	if len(got.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(got.Messages))
	}
	if got.Messages[0].Role != core.MessageRoleSystem ||
		got.Messages[1].Role != core.MessageRoleUser ||
		got.Messages[2].Role != core.MessageRoleAssistant {
		t.Fatalf("unexpected roles: %v %v %v", got.Messages[0].Role, got.Messages[1].Role, got.Messages[2].Role)
	}
	if got.Temperature == nil || *got.Temperature != 0.2 {
		t.Fatalf("temperature = %v", got.Temperature)
	}
	if got.MaxOutputTokens == nil || *got.MaxOutputTokens != 300 {
		t.Fatalf("max output tokens = %v", got.MaxOutputTokens)
	}
}

func TestCompleteEmptyOutput(t *testing.T) {
	client := &Client{
		provider: &fakeLanguageModelProvider{model: &fakeLanguageModel{}},
		modelID:  "gpt-5.2",
		generate: func(context.Context, core.LanguageModel, core.AgentCall) (*core.AgentResult, error) {
			return &core.AgentResult{Response: core.Response{Content: core.ResponseContent{core.TextContent{Text: "   "}}}}, nil
		},
	}

	result, err := client.Complete(context.Background(), providertypes.Prompt{Input: "hola"}, providertypes.SamplingConfig{})
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if result.Text != "" {
		t.Fatalf("text = %q, want empty", result.Text)
	}
	if _, err := client.Complete(context.Background(), providertypes.Prompt{}, providertypes.SamplingConfig{}); err == nil {
		t.Fatal("expected error for empty input")
	}
}

func TestExtractText(t *testing.T) {
	content := core.ResponseContent{
		core.ReasoningContent{Text: "ignore me"},
		core.TextContent{Text: "  first  "},
		core.TextContent{Text: ""},
		core.TextContent{Text: "second"},
	}

	got := extractText(content)
	if got != "first\nsecond" {
		t.Fatalf("extractText() = %q", got)
	}
}
