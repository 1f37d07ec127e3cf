package theme

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/hexmesh/hexmesh/internal/protocol"
)

// Color palette - dark theme inspired by Catppuccin Mocha
var (
	ColorBase     = lipgloss.Color("#1e1e2e")
	ColorSurface0 = lipgloss.Color("#313244")
	ColorSurface1 = lipgloss.Color("#45475a")
	ColorOverlay0 = lipgloss.Color("#6c7086")
	ColorText     = lipgloss.Color("#cdd6f4")
	ColorSubtext0 = lipgloss.Color("#a6adc8")

	ColorRed      = lipgloss.Color("#f38ba8")
	ColorGreen    = lipgloss.Color("#a6e3a1")
	ColorYellow   = lipgloss.Color("#f9e2af")
	ColorBlue     = lipgloss.Color("#89b4fa")
	ColorMauve    = lipgloss.Color("#cba6f7")
	ColorTeal     = lipgloss.Color("#94e2d5")
	ColorPeach    = lipgloss.Color("#fab387")
	ColorLavender = lipgloss.Color("#b4befe")
)

// Shared text styles.
var (
	Header = lipgloss.NewStyle().Foreground(ColorLavender).Bold(true)
	Dim    = lipgloss.NewStyle().Foreground(ColorOverlay0)
	ID     = lipgloss.NewStyle().Foreground(ColorTeal)
)

// Per-status styles for grid and session listings.
var statusStyles = map[protocol.Status]lipgloss.Style{
	protocol.StatusIdle:              lipgloss.NewStyle().Foreground(ColorOverlay0),
	protocol.StatusWorking:           lipgloss.NewStyle().Foreground(ColorYellow).Bold(true),
	protocol.StatusWaitingInput:      lipgloss.NewStyle().Foreground(ColorBlue).Bold(true),
	protocol.StatusWaitingPermission: lipgloss.NewStyle().Foreground(ColorPeach).Bold(true),
	protocol.StatusDone:              lipgloss.NewStyle().Foreground(ColorGreen).Bold(true),
	protocol.StatusStuck:             lipgloss.NewStyle().Foreground(ColorMauve).Bold(true),
	protocol.StatusError:             lipgloss.NewStyle().Foreground(ColorRed).Bold(true),
	protocol.StatusCancelled:         lipgloss.NewStyle().Foreground(ColorOverlay0).Strikethrough(true),
}

// StatusLabel renders a status name in its indicator color.
func StatusLabel(status protocol.Status) string {
	style, ok := statusStyles[status]
	if !ok {
		style = lipgloss.NewStyle().Foreground(ColorText)
	}
	return style.Render(string(status))
}

// CellLabel renders a cell type tag.
func CellLabel(cell protocol.CellType) string {
	switch cell {
	case protocol.CellOrchestrator:
		return lipgloss.NewStyle().Foreground(ColorMauve).Render(string(cell))
	case protocol.CellWorker:
		return lipgloss.NewStyle().Foreground(ColorBlue).Render(string(cell))
	default:
		return lipgloss.NewStyle().Foreground(ColorSubtext0).Render(string(cell))
	}
}
