package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/stellarlinkco/leasebroker/internal/cron"
	"github.com/stellarlinkco/leasebroker/internal/market"
	"github.com/stellarlinkco/leasebroker/internal/matching"
	"github.com/stellarlinkco/leasebroker/internal/session"
)

const maxCellWidth = 48

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	roleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	cellStyle   = lipgloss.NewStyle().PaddingRight(2)
)

func statusStyle(s session.Status) lipgloss.Style {
	switch s {
	case session.StatusCompleted:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	case session.StatusError:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	case session.StatusCancelled:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
}

// renderTable aligns plain-text cells into columns. Cells are measured
// before styling so ANSI sequences do not skew widths.
func renderTable(headers []string, rows [][]string, styleCell func(col int, value string) string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i := range row {
			row[i] = clip(row[i], maxCellWidth)
			if w := lipgloss.Width(row[i]); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var sb strings.Builder
	for i, h := range headers {
		sb.WriteString(cellStyle.Render(headerStyle.Render(pad(h, widths[i]))))
	}
	for _, row := range rows {
		sb.WriteString("\n")
		for i, v := range row {
			styled := pad(v, widths[i])
			if styleCell != nil {
				styled = styleCell(i, v) + strings.Repeat(" ", widths[i]-lipgloss.Width(v))
			}
			sb.WriteString(cellStyle.Render(styled))
		}
	}
	return strings.TrimRight(sb.String(), " ")
}

func pad(s string, w int) string {
	if n := lipgloss.Width(s); n < w {
		return s + strings.Repeat(" ", w-n)
	}
	return s
}

func clip(s string, w int) string {
	if lipgloss.Width(s) <= w {
		return s
	}
	r := []rune(s)
	if len(r) > w-1 {
		r = r[:w-1]
	}
	return string(r) + "…"
}

func sessionTable(states []session.State) string {
	rows := make([][]string, 0, len(states))
	for _, st := range states {
		rows = append(rows, []string{
			st.ID,
			st.SeekerID,
			st.ListingID,
			string(st.Status),
			st.Reason,
			fmt.Sprintf("%d", st.Len()),
			fmt.Sprintf("%.0f", st.MatchScore),
			st.UpdatedAt.Local().Format(time.DateTime),
		})
	}
	return renderTable(
		[]string{"ID", "SEEKER", "LISTING", "STATUS", "REASON", "MSGS", "SCORE", "UPDATED"},
		rows,
		func(col int, v string) string {
			if col == 3 {
				return statusStyle(session.Status(v)).Render(v)
			}
			return v
		},
	)
}

func matchTable(cat market.Catalog, ranked []matching.Result) string {
	rows := make([][]string, 0, len(ranked))
	for _, r := range ranked {
		title, rent, area := "-", "-", "-"
		if l, err := cat.Listing(r.ListingID); err == nil {
			title = l.Title
			rent = fmt.Sprintf("%.0f", l.Rent)
			area = l.Location.String()
		}
		rows = append(rows, []string{
			r.ListingID,
			title,
			area,
			rent,
			fmt.Sprintf("%.0f", r.Score),
			strings.Join(r.Reasons, "; "),
		})
	}
	return renderTable([]string{"LISTING", "TITLE", "AREA", "RENT", "SCORE", "WHY"}, rows, nil)
}

func jobTable(jobs []cron.CronJob) string {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		action := j.Payload.Action
		if j.Payload.SeekerID != "" {
			action += " " + j.Payload.SeekerID
		}
		last := "-"
		if j.State.LastRunAtMs > 0 {
			last = time.UnixMilli(j.State.LastRunAtMs).Local().Format(time.DateTime) + " " + j.State.LastStatus
		}
		rows = append(rows, []string{
			j.ID,
			j.Name,
			j.Schedule.String(),
			action,
			fmt.Sprintf("%v", j.Enabled),
			last,
		})
	}
	return renderTable([]string{"ID", "NAME", "SCHEDULE", "ACTION", "ENABLED", "LAST RUN"}, rows, nil)
}
