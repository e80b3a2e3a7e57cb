// Package solvedisplay renders recorded solve tapes as terminal tables.
// Pure formatting: no recording logic lives here.
package solvedisplay

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/gosolve/gosolve/solvers"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	failedRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)
)

// Render returns a table with one row per recorded solve: index, method,
// iterations, convergence flags, solve time and termination message. Rows of
// failed solves are highlighted.
func Render(tape *solvers.SolveTape) string {
	failed := make(map[int]bool)
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row < 0:
				return headerRowStyle
			case failed[row]:
				return failedRowStyle
			case row%2 == 0:
				return oddRowStyle
			default:
				return evenRowStyle
			}
		})
	table.Headers("#", "Method", "Iterations", "Converged", "Diverged", "Time", "Message")
	for ii, info := range tape.All() {
		converged, diverged := "?", "?"
		if info.Converged != nil {
			converged = fmt.Sprintf("%v", info.Converged.All())
		}
		if info.Diverged != nil {
			diverged = fmt.Sprintf("%v", info.Diverged.Any())
			if info.Diverged.Any() || converged == "false" {
				failed[ii] = true
			}
		}
		iterations := "?"
		if info.Iterations != nil {
			iterations = info.Iterations.String()
		}
		table.Row(
			fmt.Sprintf("%d", ii),
			info.Method,
			iterations,
			converged,
			diverged,
			formatDuration(info.SolveTime),
			info.Msg,
		)
	}
	return table.Render()
}

// formatDuration pretty-prints solve wall time, switching to humanized
// relative text for long runs.
func formatDuration(d time.Duration) string {
	if d >= time.Second {
		return humanize.RelTime(time.Now().Add(-d), time.Now(), "", "")
	}
	return d.Round(time.Microsecond).String()
}
