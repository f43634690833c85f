package tui

import "github.com/charmbracelet/lipgloss"

var (
	// headerStyle is the style for the endpoint line at the top
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("170")).
			Bold(true)

	// statusStyle is the style for connection and progress information
	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			MarginLeft(2)

	// promptLineStyle is the style for lines the user entered
	promptLineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39"))

	// outputStyle is the style for server output
	outputStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	// noticeStyle is the style for the greeting and local notices
	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")).
			Italic(true)

	// errorStyle is the style for error messages
	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))
)
