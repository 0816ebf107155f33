package status

import "github.com/charmbracelet/lipgloss"

// Color Palette
var (
	salmonPink  = lipgloss.Color("#FFB3BA") // primary accent
	mintGreen   = lipgloss.Color("#A8E6CF") // success
	mutedGray   = lipgloss.Color("#6B7280") // secondary text
	brightWhite = lipgloss.Color("#F9FAFB") // primary text
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(salmonPink).
			Bold(true)

	progressStyle = lipgloss.NewStyle().
			Foreground(mutedGray)

	resultStyle = lipgloss.NewStyle().
			Foreground(brightWhite).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(mintGreen).
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(salmonPink)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedGray).
			Italic(true)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(salmonPink).
			Padding(0, 1)
)
