// Package ui provides shared terminal styling for ledgerdb commands.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
	headStyle   = lipgloss.NewStyle().Bold(true)
)

// RenderPass renders text in the success color.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderFail renders text in the failure color.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderWarn renders text in the warning color.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderAccent renders text in the accent color.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderDim renders text faintly, for secondary detail.
func RenderDim(s string) string { return dimStyle.Render(s) }

// RenderHeading renders a bold section heading.
func RenderHeading(s string) string { return headStyle.Render(s) }
