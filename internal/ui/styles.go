// Package ui provides terminal styling for fcpbot CLI output.
// Uses the Ayu color theme with adaptive light/dark mode support.
package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fcpbot/fcpbot/internal/types"
)

// Ayu theme color palette
// Dark: https://terminalcolors.com/themes/ayu/dark/
// Light: https://terminalcolors.com/themes/ayu/light/
var (
	ColorPass = lipgloss.AdaptiveColor{
		Light: "#86b300", // ayu light bright green
		Dark:  "#c2d94c", // ayu dark bright green
	}
	ColorWarn = lipgloss.AdaptiveColor{
		Light: "#f2ae49", // ayu light bright yellow
		Dark:  "#ffb454", // ayu dark bright yellow
	}
	ColorFail = lipgloss.AdaptiveColor{
		Light: "#f07171", // ayu light bright red
		Dark:  "#f07178", // ayu dark bright red
	}
	ColorMuted = lipgloss.AdaptiveColor{
		Light: "#828c99", // ayu light muted
		Dark:  "#6c7680", // ayu dark muted
	}
	ColorAccent = lipgloss.AdaptiveColor{
		Light: "#399ee6", // ayu light bright blue
		Dark:  "#59c2ff", // ayu dark bright blue
	}
)

// Status styles - consistent across all commands
var (
	PassStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	WarnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle   = lipgloss.NewStyle().Foreground(ColorFail)
	MutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	AccentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
)

// CategoryStyle for section headers - bold with accent color
var CategoryStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)

// Status icons - consistent semantic indicators
const (
	IconPass = "✓"
	IconWarn = "⚠"
	IconFail = "✗"
)

// Renderer applies styles only when color output is enabled
type Renderer struct {
	Color bool
}

// NewRenderer returns a renderer honoring ShouldUseColor
func NewRenderer() Renderer {
	return Renderer{Color: ShouldUseColor()}
}

func (r Renderer) render(style lipgloss.Style, s string) string {
	if !r.Color {
		return s
	}
	return style.Render(s)
}

// Pass renders text with pass (green) styling
func (r Renderer) Pass(s string) string { return r.render(PassStyle, s) }

// Warn renders text with warning (yellow) styling
func (r Renderer) Warn(s string) string { return r.render(WarnStyle, s) }

// Fail renders text with fail (red) styling
func (r Renderer) Fail(s string) string { return r.render(FailStyle, s) }

// Muted renders text with muted (gray) styling
func (r Renderer) Muted(s string) string { return r.render(MutedStyle, s) }

// Category renders a category header in uppercase with accent color
func (r Renderer) Category(s string) string {
	return r.render(CategoryStyle, strings.ToUpper(s))
}

// Status renders a proposal status in the color of its urgency
func (r Renderer) Status(s types.Status) string {
	switch s {
	case types.StatusFcpActive:
		return r.render(AccentStyle, string(s))
	case types.StatusFcpProposed:
		return r.Warn(string(s))
	case types.StatusFcpClosed, types.StatusMerged:
		return r.Pass(string(s))
	case types.StatusPostponed, types.StatusClosed:
		return r.Muted(string(s))
	}
	return string(s)
}
