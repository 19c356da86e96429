package console

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"dealwatch/models"
)

var logLevels = []models.LogLevel{"", models.LogLevelInfo, models.LogLevelWarn, models.LogLevelError}

type logsMsg struct {
	logs []models.CycleLog
	err  error
}

type Logs struct {
	ops           OpsSource
	width, height int
	logs          []models.CycleLog
	levelIndex    int
	scrollOffset  int
	err           error
}

func NewLogs(ops OpsSource) Logs {
	return Logs{ops: ops}
}

func (l Logs) Init() tea.Cmd {
	return l.Refresh()
}

func (l Logs) Refresh() tea.Cmd {
	ops := l.ops
	return func() tea.Msg {
		logs, err := ops.RecentLogs(500)
		return logsMsg{logs: logs, err: err}
	}
}

func (l Logs) SetSize(w, h int) Logs {
	l.width = w
	l.height = h
	return l
}

// Filtered returns the loaded logs at or above the selected level.
func (l Logs) Filtered() []models.CycleLog {
	floor := logLevels[l.levelIndex]
	if floor == "" {
		return l.logs
	}
	var out []models.CycleLog
	for _, entry := range l.logs {
		if levelRank(entry.Level) >= levelRank(floor) {
			out = append(out, entry)
		}
	}
	return out
}

func levelRank(level models.LogLevel) int {
	switch level {
	case models.LogLevelWarn:
		return 2
	case models.LogLevelError:
		return 3
	}
	return 1
}

func (l Logs) Update(msg tea.Msg) (Logs, tea.Cmd) {
	switch msg := msg.(type) {
	case logsMsg:
		l.err = msg.err
		if msg.err == nil {
			l.logs = msg.logs
			l.scrollOffset = min(l.scrollOffset, l.maxScroll())
		}

	case tea.KeyMsg:
		switch msg.String() {
		case "left", "h":
			if l.levelIndex > 0 {
				l.levelIndex--
				l.scrollOffset = 0
			}
		case "right":
			if l.levelIndex < len(logLevels)-1 {
				l.levelIndex++
				l.scrollOffset = 0
			}
		case "up", "k":
			if l.scrollOffset > 0 {
				l.scrollOffset--
			}
		case "down", "j":
			if l.scrollOffset < l.maxScroll() {
				l.scrollOffset++
			}
		case "g":
			l.scrollOffset = 0
		case "G":
			l.scrollOffset = l.maxScroll()
		}
	}
	return l, nil
}

func (l Logs) visibleLines() int {
	if n := l.height - 6; n > 0 {
		return n
	}
	return 10
}

func (l Logs) maxScroll() int {
	return max(len(l.Filtered())-l.visibleLines(), 0)
}

func (l Logs) View() string {
	parts := []string{titleStyle.Render("Logs"), l.renderFilter(), "", l.renderLogs()}
	if l.err != nil {
		parts = append(parts, errorStyle.Render("Refresh failed: "+l.err.Error()))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (l Logs) renderFilter() string {
	var parts []string
	for i, level := range logLevels {
		name := strings.ToUpper(string(level))
		if level == "" {
			name = "ALL"
		}
		if i == l.levelIndex {
			parts = append(parts, tabActiveStyle.Render("["+name+"]"))
		} else {
			parts = append(parts, tabInactiveStyle.Render(name))
		}
	}
	return "Filter: " + strings.Join(parts, " ") + "  (←/→ to change)"
}

func (l Logs) renderLogs() string {
	logs := l.Filtered()
	if len(logs) == 0 {
		return mutedStyle.Render("No logs")
	}

	start := l.scrollOffset
	end := min(start+l.visibleLines(), len(logs))

	lines := make([]string, 0, end-start)
	for i := start; i < end; i++ {
		lines = append(lines, l.formatLog(logs[i]))
	}

	header := mutedStyle.Render(fmt.Sprintf("  [%d-%d of %d]", start+1, end, len(logs)))
	return header + "\n" + strings.Join(lines, "\n")
}

func (l Logs) formatLog(entry models.CycleLog) string {
	ts := entry.Timestamp.Local().Format("15:04:05")
	level := fmt.Sprintf("%-5s", strings.ToUpper(string(entry.Level)))

	var levelStyle lipgloss.Style
	switch entry.Level {
	case models.LogLevelInfo:
		levelStyle = successStyle
	case models.LogLevelWarn:
		levelStyle = pendingStyle
	case models.LogLevelError:
		levelStyle = errorStyle
	default:
		levelStyle = mutedStyle
	}

	source := ""
	if entry.Source != "" {
		source = fmt.Sprintf("[%s] ", entry.Source)
	}

	msg := entry.Message
	if maxLen := l.width - 25; maxLen > 3 && len(msg) > maxLen {
		msg = msg[:maxLen-3] + "..."
	}

	return fmt.Sprintf("%s %s %s%s",
		mutedStyle.Render(ts),
		levelStyle.Render(level),
		mutedStyle.Render(source),
		msg,
	)
}
