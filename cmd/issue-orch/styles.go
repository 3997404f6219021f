package main

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/hochfrequenz/claude-issue-orchestrator/internal/domain"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	doneStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	pausedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	cancelledStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))
)

func statusStyle(s domain.TaskStatus) lipgloss.Style {
	switch s {
	case domain.StatusComplete, domain.StatusPRCreated:
		return doneStyle
	case domain.StatusPlanComplete:
		return pausedStyle
	case domain.StatusError:
		return errorStyle
	case domain.StatusCancelled:
		return cancelledStyle
	default:
		return runningStyle
	}
}
