// Package ui provides styled terminal output for the CLI.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	accentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// RenderAccent highlights a key value or heading.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderSuccess marks a completed operation.
func RenderSuccess(s string) string { return successStyle.Render(s) }

// RenderWarn flags something the user should look at.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderError marks a failure.
func RenderError(s string) string { return errorStyle.Render(s) }

// RenderDim de-emphasizes secondary detail.
func RenderDim(s string) string { return dimStyle.Render(s) }
