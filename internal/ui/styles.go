// Package ui holds the terminal styles shared by sam's commands.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#1d4ed8", Dark: "#60a5fa"}).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#15803d", Dark: "#4ade80"})
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#b45309", Dark: "#fbbf24"})
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#b91c1c", Dark: "#f87171"}).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#6b7280", Dark: "#9ca3af"})
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	localStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#7c3aed", Dark: "#c4b5fd"})
	remoteStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#0e7490", Dark: "#67e8f9"})
)

func init() {
	// NO_COLOR and dumb terminals get plain text.
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		DisableColor()
	}
}

// DisableColor turns all styling off, e.g. for --json output or tests.
func DisableColor() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// RenderAccent renders an informational marker or heading.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass renders a success marker.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders a warning marker.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail renders an error marker.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderMuted renders secondary text.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderHeader renders a section header.
func RenderHeader(s string) string { return headerStyle.Render(s) }

// RenderLocal and RenderRemote color values by the side they came from.
func RenderLocal(s string) string  { return localStyle.Render(s) }
func RenderRemote(s string) string { return remoteStyle.Render(s) }
