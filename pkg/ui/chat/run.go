// Package chat is the terminal reply simulator: each line typed is sent
// through the real pipeline as an inbound message and the delivered reply,
// with its run annotations, is shown back.
package chat

import (
	"context"
	"fmt"

	"replybot/pkg/pipeline"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// SendFunc runs one simulated inbound message through the pipeline.
type SendFunc func(ctx context.Context, text string) pipeline.Outcome

// SessionInfo is shown in the simulator header.
type SessionInfo struct {
	Sender   string
	Channel  string
	Provider string
	Model    string
}

func RunSimulator(ctx context.Context, send SendFunc, info SessionInfo) error {
	program := tea.NewProgram(newModel(ctx, send, info), tea.WithMouseCellMotion())
	if _, err := program.Run(); err != nil {
		return err
	}

	fmt.Println(renderGoodbyeBanner())
	return nil
}

func renderGoodbyeBanner() string {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("230")).
		Background(lipgloss.Color("24")).
		Padding(1, 2)

	return style.Render("replybot simulator closed")
}
