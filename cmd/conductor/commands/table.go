package commands

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	accentColor = lipgloss.Color("#7C3AED")
	mutedColor  = lipgloss.AdaptiveColor{Light: "#9B9B9B", Dark: "#5C5C5C"}
	errorColor  = lipgloss.AdaptiveColor{Light: "#FF5F56", Dark: "#FF6B6B"}

	headerStyle = lipgloss.NewStyle().Foreground(accentColor).Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	failStyle   = cellStyle.Foreground(errorColor)
)

// renderTable renders rows under headers with a rounded border. Cells in
// column status that read failed or rejected are highlighted; pass -1 to
// disable.
func renderTable(w io.Writer, headers []string, rows [][]string, status int) error {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(mutedColor)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == status && row >= 0 && row < len(rows) {
				switch rows[row][col] {
				case "failed", "rejected":
					return failStyle
				}
			}
			return cellStyle
		})
	_, err := fmt.Fprintln(w, t.Render())
	return err
}
