// Package console is an operator terminal UI over the operational store.
// It never touches the pool directly; actions are queued as commands for the
// daemon to pick up.
package console

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"dealwatch/models"
)

type tab int

const (
	tabDashboard tab = iota
	tabDeals
	tabLogs
	tabCount
)

var tabNames = []string{"Dashboard", "Deals", "Logs"}

const notifyFor = 2 * time.Second

type tickMsg time.Time
type logTickMsg time.Time

type commandSentMsg struct {
	cmd models.CommandType
	err error
}

type Model struct {
	ops           OpsSource
	activeTab     tab
	width, height int
	notification  string
	notifyErr     bool
	notifyUntil   time.Time
	now           func() time.Time

	dashboard Dashboard
	deals     Deals
	logs      Logs
}

// New builds the console model. deals may be nil when no deal store is
// configured; defaultWorkers and defaultSchedule are shown until the store
// holds overrides.
func New(ops OpsSource, deals DealSource, defaultWorkers int, defaultSchedule string) Model {
	return Model{
		ops:       ops,
		activeTab: tabDashboard,
		now:       time.Now,
		dashboard: NewDashboard(ops, defaultWorkers, defaultSchedule),
		deals:     NewDeals(deals),
		logs:      NewLogs(ops),
	}
}

// Run starts the console in the alternate screen and blocks until the user
// quits.
func Run(m Model) error {
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.dashboard.Init(),
		m.deals.Init(),
		m.logs.Init(),
		tickCmd(),
		logTickCmd(),
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(10*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func logTickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return logTickMsg(t)
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "d":
			m.activeTab = tabDashboard
			return m, nil
		case "a":
			m.activeTab = tabDeals
			return m, nil
		case "l":
			m.activeTab = tabLogs
			return m, nil
		case "tab":
			m.activeTab = (m.activeTab + 1) % tabCount
			return m, nil
		case "r":
			m = m.notify("Refreshed", false)
			return m, m.refreshActive()
		case "n":
			return m, m.send(models.CmdRunNow, nil)
		case "p":
			return m, m.send(models.CmdPause, nil)
		case "u":
			return m, m.send(models.CmdResume, nil)
		case "R":
			return m, m.send(models.CmdRestart, nil)
		case "+", "=":
			return m, m.send(models.CmdScale, &models.CommandParams{Workers: m.dashboard.Workers() + 1})
		case "-":
			if n := m.dashboard.Workers() - 1; n >= 1 {
				return m, m.send(models.CmdScale, &models.CommandParams{Workers: n})
			}
			m = m.notify("Pool needs at least one worker", true)
			return m, nil
		}

	case commandSentMsg:
		if msg.err != nil {
			m = m.notify(fmt.Sprintf("%s failed: %v", msg.cmd, msg.err), true)
		} else {
			m = m.notify(fmt.Sprintf("%s queued", msg.cmd), false)
		}
		return m, m.dashboard.Refresh()

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.dashboard = m.dashboard.SetSize(msg.Width, msg.Height-4)
		m.deals = m.deals.SetSize(msg.Width, msg.Height-4)
		m.logs = m.logs.SetSize(msg.Width, msg.Height-4)
		return m, nil

	case tickMsg:
		cmds = append(cmds, m.dashboard.Refresh(), m.deals.Refresh(), tickCmd())

	case logTickMsg:
		cmds = append(cmds, m.logs.Refresh(), logTickCmd())
	}

	// Keys go to the active tab only, data messages to every view.
	var cmd tea.Cmd
	switch msg.(type) {
	case tea.KeyMsg:
		switch m.activeTab {
		case tabDashboard:
			m.dashboard, cmd = m.dashboard.Update(msg)
		case tabDeals:
			m.deals, cmd = m.deals.Update(msg)
		case tabLogs:
			m.logs, cmd = m.logs.Update(msg)
		}
		cmds = append(cmds, cmd)
	default:
		m.dashboard, cmd = m.dashboard.Update(msg)
		cmds = append(cmds, cmd)
		m.deals, cmd = m.deals.Update(msg)
		cmds = append(cmds, cmd)
		m.logs, cmd = m.logs.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m Model) send(cmd models.CommandType, params *models.CommandParams) tea.Cmd {
	ops := m.ops
	return func() tea.Msg {
		_, err := ops.EnqueueCommand(cmd, params)
		return commandSentMsg{cmd: cmd, err: err}
	}
}

func (m Model) notify(text string, isErr bool) Model {
	m.notification = text
	m.notifyErr = isErr
	m.notifyUntil = m.now().Add(notifyFor)
	return m
}

func (m Model) refreshActive() tea.Cmd {
	switch m.activeTab {
	case tabDashboard:
		return m.dashboard.Refresh()
	case tabDeals:
		return m.deals.Refresh()
	case tabLogs:
		return m.logs.Refresh()
	}
	return nil
}

func (m Model) View() string {
	return lipgloss.JoinVertical(lipgloss.Left, m.renderTabs(), m.renderContent(), m.renderStatusBar())
}

func (m Model) renderTabs() string {
	var rendered []string
	for i, name := range tabNames {
		if tab(i) == m.activeTab {
			rendered = append(rendered, tabActiveStyle.Render(name))
		} else {
			rendered = append(rendered, tabInactiveStyle.Render(name))
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, rendered...) + "\n"
}

func (m Model) renderContent() string {
	switch m.activeTab {
	case tabDashboard:
		return m.dashboard.View()
	case tabDeals:
		return m.deals.View()
	case tabLogs:
		return m.logs.View()
	}
	return ""
}

func (m Model) renderStatusBar() string {
	left := "d Dash  a Deals  l Log  r Refresh  n Run  p Pause  u Resume  +/- Scale  R Restart  q Quit"
	right := ""
	if m.now().Before(m.notifyUntil) {
		if m.notifyErr {
			right = failureStyle.Render(m.notification)
		} else {
			right = notificationStyle.Render(m.notification)
		}
	}

	gap := max(m.width-lipgloss.Width(left)-lipgloss.Width(right)-2, 0)
	return statusBarStyle.Render(left) + lipgloss.NewStyle().Width(gap).Render("") + right
}
