package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"aegis/internal/models"
)

var (
	purple = lipgloss.Color("99")
	green  = lipgloss.Color("76")
	red    = lipgloss.Color("204")
	yellow = lipgloss.Color("214")
	dim    = lipgloss.Color("243")
	faint  = lipgloss.Color("238")

	accentStyle  = lipgloss.NewStyle().Foreground(purple)
	successStyle = lipgloss.NewStyle().Foreground(green)
	errorStyle   = lipgloss.NewStyle().Foreground(red)
	warnStyle    = lipgloss.NewStyle().Foreground(yellow)
	mutedStyle   = lipgloss.NewStyle().Foreground(dim)
	boldStyle    = lipgloss.NewStyle().Bold(true)
)

func statusText(s models.Status) string {
	switch s {
	case models.StatusScanning:
		return warnStyle.Render(string(s))
	case models.StatusError:
		return errorStyle.Render(string(s))
	case models.StatusScanned, models.StatusOnline:
		return successStyle.Render(string(s))
	default:
		return mutedStyle.Render(string(s))
	}
}

func noticeLine(n models.Notice) string {
	switch n.Level {
	case models.NoticeSuccess:
		return successStyle.Render("✓") + " " + n.Message
	case models.NoticeWarning:
		return warnStyle.Render("!") + " " + n.Message
	case models.NoticeError:
		return errorStyle.Render("✗") + " " + n.Message
	default:
		return accentStyle.Render("●") + " " + n.Message
	}
}

func keyValue(key, value string) string {
	return mutedStyle.Render(fmt.Sprintf("%-12s", key+":")) + " " + value
}

// renderTable draws a rounded table with a bold header row.
func renderTable(headers []string, rows [][]string) string {
	headerStyle := lipgloss.NewStyle().Foreground(purple).Bold(true).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(faint)).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case row%2 == 0:
				return cellStyle
			default:
				return cellStyle.Foreground(dim)
			}
		}).
		Headers(headers...).
		Rows(rows...)
	return t.String()
}
