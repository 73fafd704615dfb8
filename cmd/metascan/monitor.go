package main

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/metascan/metascan/internal/tui"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch a running scan in a terminal UI",
	RunE:  runMonitor,
}

var monCoord string

func init() {
	monitorCmd.Flags().StringVarP(&monCoord, "coordinator", "c", "localhost:18501", "Coordinator address")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	p := tea.NewProgram(tui.NewModel(monCoord), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("monitor error: %w", err)
	}
	return nil
}
