package reply

import (
	"strings"
	"testing"
	"unicode/utf8"

	"replybot/pkg/retrieval"
)

func TestLoadSystemPrompt(t *testing.T) {
	system, err := LoadSystemPrompt("")
	if err != nil {
		t.Fatalf("LoadSystemPrompt error: %v", err)
	}
	if !strings.Contains(system, "messaging assistant") {
		t.Fatalf("unexpected embedded prompt: %q", system)
	}

	override, err := LoadSystemPrompt("  Be terse.  ")
	if err != nil || override != "Be terse." {
		t.Fatalf("override = %q, err = %v", override, err)
	}
}

func TestContextBlockRespectsBudget(t *testing.T) {
	passages := retrieval.Context{
		{Text: strings.Repeat("á", 300)},
		{Text: strings.Repeat("b", 300)},
	}

	block := contextBlock(passages, 100)
	if n := utf8.RuneCountInString(block); n > 100 {
		t.Fatalf("block has %d runes, want <= 100", n)
	}
	if !strings.HasPrefix(block, "[1] ") {
		t.Fatalf("block = %q", block)
	}
	if strings.Contains(block, "[2]") {
		t.Fatal("second passage should be cut by the budget")
	}
}

func TestBuildPromptWithoutContext(t *testing.T) {
	prompt := buildPrompt("system", " hola ", nil, nil, 100, 5)
	if prompt.System != "system" || prompt.Input != "hola" || len(prompt.History) != 0 {
		t.Fatalf("prompt = %+v", prompt)
	}
}
