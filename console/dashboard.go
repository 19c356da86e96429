package console

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"dealwatch/models"
	"dealwatch/scheduler"
	"dealwatch/workers"
)

type dashboardDataMsg struct {
	runs     []models.CycleRun
	workers  int
	schedule string
	pending  int
	err      error
}

type Dashboard struct {
	ops             OpsSource
	defaultWorkers  int
	defaultSchedule string
	width, height   int

	runs     []models.CycleRun
	workers  int
	schedule string
	pending  int
	err      error
}

func NewDashboard(ops OpsSource, defaultWorkers int, defaultSchedule string) Dashboard {
	return Dashboard{
		ops:             ops,
		defaultWorkers:  defaultWorkers,
		defaultSchedule: defaultSchedule,
		workers:         defaultWorkers,
		schedule:        defaultSchedule,
	}
}

func (d Dashboard) Init() tea.Cmd {
	return d.Refresh()
}

func (d Dashboard) Refresh() tea.Cmd {
	ops, workersDefault, scheduleDefault := d.ops, d.defaultWorkers, d.defaultSchedule
	return func() tea.Msg {
		msg := dashboardDataMsg{workers: workersDefault, schedule: scheduleDefault}
		var err error
		if msg.runs, err = ops.RecentRuns(10); err != nil {
			msg.err = err
			return msg
		}
		if msg.workers, err = ops.GetIntSetting(workers.SettingWorkers, workersDefault); err != nil {
			msg.err = err
			return msg
		}
		if spec, ok, err := ops.GetSetting(scheduler.SettingKey(scheduler.JobCheck)); err != nil {
			msg.err = err
			return msg
		} else if ok {
			msg.schedule = spec
		}
		pending, err := ops.GetPendingCommands()
		if err != nil {
			msg.err = err
			return msg
		}
		msg.pending = len(pending)
		return msg
	}
}

// Workers is the configured pool size last read from the store.
func (d Dashboard) Workers() int {
	return d.workers
}

func (d Dashboard) SetSize(w, h int) Dashboard {
	d.width = w
	d.height = h
	return d
}

func (d Dashboard) Update(msg tea.Msg) (Dashboard, tea.Cmd) {
	if msg, ok := msg.(dashboardDataMsg); ok {
		d.err = msg.err
		if msg.err == nil {
			d.runs = msg.runs
			d.workers = msg.workers
			d.schedule = msg.schedule
			d.pending = msg.pending
		}
	}
	return d, nil
}

func (d Dashboard) View() string {
	parts := []string{
		titleStyle.Render("Dashboard"),
		d.renderStatCards(),
		"",
		titleStyle.Render("Recent Cycles"),
		d.renderRunsTable(),
	}
	if d.err != nil {
		parts = append(parts, errorStyle.Render("Refresh failed: "+d.err.Error()))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (d Dashboard) renderStatCards() string {
	lastRun := "never"
	if len(d.runs) > 0 {
		lastRun = relativeTime(d.runs[0].StartedAt, time.Now())
	}
	cards := []string{
		renderStatCard("Workers", strconv.Itoa(d.workers)),
		renderStatCard("Schedule", d.schedule),
		renderStatCard("Pending", strconv.Itoa(d.pending)),
		renderStatCard("Last Cycle", lastRun),
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, cards...)
}

func renderStatCard(label, value string) string {
	content := lipgloss.JoinVertical(lipgloss.Center,
		statValueStyle.Render(truncate(value, 14)),
		statLabelStyle.Render(label),
	)
	return cardStyle.Width(16).Render(content)
}

func (d Dashboard) renderRunsTable() string {
	if len(d.runs) == 0 {
		return mutedStyle.Render("No cycles yet")
	}

	header := fmt.Sprintf("%-10s %-10s %-9s %7s %7s %6s %8s %6s",
		"Task", "Status", "Started", "Checked", "Changes", "Deals", "Degraded", "Errors")
	var b strings.Builder
	b.WriteString(tableHeaderStyle.Render(header))
	b.WriteString("\n")

	for _, r := range d.runs {
		status := string(r.Status)
		fmt.Fprintf(&b, "%-10s %s %-9s %7d %7d %6d %8d %6d\n",
			truncate(r.TaskID, 10),
			runStatusStyle(status).Render(fmt.Sprintf("%-10s", status)),
			r.StartedAt.Local().Format("15:04:05"),
			r.Checked,
			r.PriceChanges,
			r.DealsCreated+r.DealsUpdated,
			r.Degraded,
			r.ErrorsCount,
		)
	}
	return b.String()
}

func relativeTime(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
