package tui

import (
	"fmt"
	"strings"

	"github.com/ashureev/forge-terminal/internal/domain"
	"github.com/charmbracelet/lipgloss"
)

type styles struct {
	panel     lipgloss.Style
	resizing  lipgloss.Style
	title     lipgloss.Style
	prompt    lipgloss.Style
	system    lipgloss.Style
	errorText lipgloss.Style
	validated lipgloss.Style
	warning   lipgloss.Style
	code      lipgloss.Style
	help      lipgloss.Style
	success   lipgloss.Style
}

func defaultStyles() styles {
	accent := lipgloss.Color("#7C3AED")
	return styles{
		panel:     lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(accent),
		resizing:  lipgloss.NewStyle().Border(lipgloss.ThickBorder()).BorderForeground(lipgloss.Color("#F59E0B")),
		title:     lipgloss.NewStyle().Bold(true).Foreground(accent),
		prompt:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#22D3EE")),
		system:    lipgloss.NewStyle().Faint(true),
		errorText: lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")),
		validated: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#22C55E")),
		warning:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F59E0B")),
		code:      lipgloss.NewStyle().Foreground(lipgloss.Color("#A1A1AA")).PaddingLeft(2),
		help:      lipgloss.NewStyle().Faint(true),
		success:   lipgloss.NewStyle().Foreground(lipgloss.Color("#22C55E")),
	}
}

// renderTranscript draws every message wrapped to width.
func (s styles) renderTranscript(msgs []domain.Message, width int) string {
	wrap := lipgloss.NewStyle().Width(width)
	parts := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		parts = append(parts, wrap.Render(s.renderMessage(msg)))
	}
	return strings.Join(parts, "\n")
}

func (s styles) renderMessage(msg domain.Message) string {
	switch msg.Kind {
	case domain.MessageInput:
		return s.prompt.Render("> ") + msg.Content
	case domain.MessageError:
		return s.errorText.Render("✗ " + msg.Content)
	case domain.MessageSystem:
		return s.system.Render(msg.Content)
	case domain.MessageValidated:
		return s.renderArtifact(msg, s.validated.Render("✓ "+artifactName(msg)+" validated"+attempts(msg)))
	case domain.MessageValidationError:
		return s.renderArtifact(msg, s.warning.Render("! "+artifactName(msg)+" failed validation"+attempts(msg)))
	default:
		return msg.Content
	}
}

func (s styles) renderArtifact(msg domain.Message, header string) string {
	var b strings.Builder
	b.WriteString(header)
	if msg.Content != "" {
		b.WriteString("\n")
		b.WriteString(msg.Content)
	}
	if msg.Metadata != nil && msg.Metadata.ComponentCode != "" {
		b.WriteString("\n")
		b.WriteString(s.code.Render(msg.Metadata.ComponentCode))
	}
	return b.String()
}

func artifactName(msg domain.Message) string {
	if msg.Metadata != nil && msg.Metadata.ClassName != "" {
		return msg.Metadata.ClassName
	}
	return "Component"
}

func attempts(msg domain.Message) string {
	if msg.Metadata == nil || msg.Metadata.ValidationAttempts <= 1 {
		return ""
	}
	return fmt.Sprintf(" (%d attempts)", msg.Metadata.ValidationAttempts)
}

func progressLabel(p *domain.Progress) string {
	if p == nil || p.Step == "" {
		return "working"
	}
	if p.MaxAttempts > 0 {
		return fmt.Sprintf("%s %d/%d", p.Step, p.Attempt, p.MaxAttempts)
	}
	return p.Step
}
