package types

import "testing"

func TestPromptRender(t *testing.T) {
	p := Prompt{
		System: "Be brief.",
		History: []Message{
			{Role: RoleUser, Text: "hola"},
			{Role: RoleAssistant, Text: " hola! "},
		},
		Input: " horarios? ",
	}

	want := "Be brief.\n\nConversation so far:\nUser: hola\nAssistant: hola!\n\nUser: horarios?"
	if got := p.Render(true); got != want {
		t.Fatalf("Render(true) = %q, want %q", got, want)
	}

	if got := (Prompt{System: "ignored", Input: "hi"}).Render(false); got != "User: hi" {
		t.Fatalf("Render(false) = %q", got)
	}
}
