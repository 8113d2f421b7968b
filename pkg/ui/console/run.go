package console

import (
	"context"
	"fmt"

	"botcore/pkg/bus"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Run drives the terminal view until the user quits or ctx ends. events
// may be nil when lifecycle events should not be shown.
func Run(ctx context.Context, adapter *Adapter, events <-chan bus.Event) error {
	model := newModel(ctx, adapter, adapter.Outbound(), events)
	program := tea.NewProgram(model, tea.WithContext(ctx), tea.WithMouseCellMotion())
	_, err := program.Run()
	if err != nil && ctx.Err() == nil {
		return err
	}

	fmt.Print("\033[H\033[2J")
	fmt.Println(renderGoodbyeBanner())
	return nil
}

func renderGoodbyeBanner() string {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("230")).
		Background(lipgloss.Color("24")).
		Padding(1, 2)

	return style.Render("console detached")
}
