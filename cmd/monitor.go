// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/ventd/internal/daemon"
	"github.com/Thermoquad/ventd/internal/dispatch"
	"github.com/Thermoquad/ventd/internal/fault"
	"github.com/Thermoquad/ventd/internal/registry"
	"github.com/Thermoquad/ventd/internal/supervisor"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

const (
	refreshInterval = time.Second
	dutyStep        = 5
	commandTimeout  = 5 * time.Second
)

var monitorSim bool

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Interactive fan monitor and control",
	Long: `Run the daemon in the foreground with a live table of every port.

Keys:
  up/down   select a port
  +/-       raise or lower the selected port's duty
  enter     type a duty for the selected port
  p         apply the next profile to the selected controller
  r         reconnect the selected controller
  q         quit (ports are left in the shutdown profile)`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&monitorSim, "sim", false, "Use simulated boards")
}

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// portRow is one table row.
type portRow struct {
	addr  registry.Address
	alias string
	state string
	mode  string
	value int
	duty  int
	speed int
}

type monitorModel struct {
	ctx  context.Context
	d    *daemon.Daemon
	disp *dispatch.Dispatcher

	table    table.Model
	rows     []portRow
	input    textinput.Model
	editing  bool
	profiles []string
	profile  int

	health   daemon.HealthStatus
	message  string
	failed   bool
	width    int
	quitting bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type monitorTickMsg time.Time

type refreshMsg struct {
	report daemon.StatusReport
}

type resultMsg struct {
	text string
	err  error
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialMonitorModel(ctx context.Context, d *daemon.Daemon) monitorModel {
	columns := []table.Column{
		{Title: "Controller", Width: 12},
		{Title: "Port", Width: 4},
		{Title: "Alias", Width: 14},
		{Title: "State", Width: 12},
		{Title: "Mode", Width: 5},
		{Title: "Target", Width: 6},
		{Title: "Duty %", Width: 6},
		{Title: "RPM", Width: 6},
	}
	t := table.New(table.WithColumns(columns), table.WithFocused(true), table.WithHeight(12))
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("0")).
		Background(lipgloss.Color("12"))
	t.SetStyles(styles)

	ti := textinput.New()
	ti.Placeholder = "0-100"
	ti.CharLimit = 3
	ti.Width = 6

	profiles := make([]string, 0, len(d.Tables().Profiles))
	for name := range d.Tables().Profiles {
		profiles = append(profiles, name)
	}
	sort.Strings(profiles)

	return monitorModel{
		ctx:      ctx,
		d:        d,
		disp:     d.Dispatcher(),
		table:    t,
		input:    ti,
		profiles: profiles,
		width:    80,
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(m.refreshCmd(), monitorTickCmd())
}

func monitorTickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return monitorTickMsg(t)
	})
}

// refreshCmd polls every connected controller, then snapshots the daemon.
func (m monitorModel) refreshCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, commandTimeout)
		defer cancel()
		for _, c := range m.disp.Controllers() {
			if c.State == supervisor.Connected {
				_, _ = m.disp.ReadAllStatus(ctx, c.ID)
			}
		}
		return refreshMsg{report: m.d.Status()}
	}
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.editing {
			return m.handleInputKey(msg)
		}
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		if h := msg.Height - 8; h > 3 {
			m.table.SetHeight(h)
		}

	case monitorTickMsg:
		return m, tea.Batch(m.refreshCmd(), monitorTickCmd())

	case refreshMsg:
		m.applyReport(msg.report)

	case resultMsg:
		m.failed = msg.err != nil
		if msg.err != nil {
			m.message = fmt.Sprintf("%s failed (%s): %v", msg.text, fault.Category(msg.err), msg.err)
		} else {
			m.message = msg.text
		}
		return m, m.refreshCmd()
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m monitorModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	row, ok := m.selected()
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case "+", "=":
		if ok {
			return m, m.setDutyCmd(row.addr, min(row.duty+dutyStep, 100))
		}
	case "-", "_":
		if ok {
			return m, m.setDutyCmd(row.addr, max(row.duty-dutyStep, 0))
		}
	case "enter":
		if ok {
			m.editing = true
			m.input.SetValue(strconv.Itoa(row.duty))
			m.input.Focus()
			return m, textinput.Blink
		}
	case "p":
		if ok && len(m.profiles) > 0 {
			name := m.profiles[m.profile%len(m.profiles)]
			m.profile++
			return m, m.profileCmd(row.addr.Controller, name)
		}
	case "r":
		if ok {
			id := row.addr.Controller
			return m, func() tea.Msg {
				return resultMsg{text: "reconnect " + id, err: m.disp.Reconnect(id)}
			}
		}
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m monitorModel) handleInputKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.editing = false
		m.input.Blur()
		return m, nil
	case "enter":
		m.editing = false
		m.input.Blur()
		row, ok := m.selected()
		if !ok {
			return m, nil
		}
		duty, err := strconv.Atoi(strings.TrimSpace(m.input.Value()))
		if err != nil {
			m.failed = true
			m.message = fmt.Sprintf("%q is not a number", m.input.Value())
			return m, nil
		}
		return m, m.setDutyCmd(row.addr, duty)
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m monitorModel) setDutyCmd(addr registry.Address, duty int) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, commandTimeout)
		defer cancel()
		_, err := m.disp.SetDuty(ctx, addr, duty)
		return resultMsg{text: fmt.Sprintf("%s duty %d%%", addr, duty), err: err}
	}
}

func (m monitorModel) profileCmd(id, name string) tea.Cmd {
	profile := m.d.Tables().Profiles[name]
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, commandTimeout)
		defer cancel()
		return resultMsg{text: fmt.Sprintf("%s profile %q", id, name), err: m.disp.ApplyProfile(ctx, id, profile)}
	}
}

func (m monitorModel) selected() (portRow, bool) {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.rows) {
		return portRow{}, false
	}
	return m.rows[i], true
}

func (m *monitorModel) applyReport(report daemon.StatusReport) {
	m.health = report.Status
	m.rows = m.rows[:0]
	rows := make([]table.Row, 0, len(m.rows))
	for _, c := range report.Controllers {
		for _, p := range c.Ports {
			r := portRow{
				addr:  registry.Address{Controller: c.ID, Port: p.Port},
				alias: p.Alias,
				state: c.State,
				mode:  p.Mode,
				value: p.Value,
				duty:  p.Duty,
				speed: p.Speed,
			}
			m.rows = append(m.rows, r)
			target := "-"
			if p.Mode != supervisor.ModeUnset.String() {
				target = strconv.Itoa(p.Value)
			}
			rows = append(rows, table.Row{
				c.ID, strconv.Itoa(p.Port), p.Alias, c.State, p.Mode, target,
				strconv.Itoa(p.Duty), strconv.Itoa(p.Speed),
			})
		}
	}
	m.table.SetRows(rows)
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Applying shutdown profile...\n"
	}

	var s strings.Builder

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	okStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	s.WriteString(titleStyle.Render("VENTD MONITOR"))
	s.WriteString(" ")
	health := string(m.health)
	switch m.health {
	case daemon.HealthHealthy:
		health = okStyle.Render(health)
	case daemon.HealthDegraded:
		health = warningStyle.Render(health)
	case daemon.HealthUnhealthy:
		health = errorStyle.Render(health)
	}
	s.WriteString(headerStyle.Render("| ") + health + headerStyle.Render(" | q=quit +/-=duty enter=set p=profile r=reconnect"))
	s.WriteString("\n\n")

	s.WriteString(boxStyle.Render(m.table.View()))
	s.WriteString("\n")

	switch {
	case m.editing:
		s.WriteString(fmt.Sprintf(" Duty for %s: %s (enter to apply, esc to cancel)", m.rows[m.table.Cursor()].addr, m.input.View()))
	case m.message != "" && m.failed:
		s.WriteString(" " + errorStyle.Render(m.message))
	case m.message != "":
		s.WriteString(" " + okStyle.Render(m.message))
	}
	s.WriteString("\n")
	return s.String()
}

//////////////////////////////////////////////////////////////
// Command
//////////////////////////////////////////////////////////////

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(monitorSim)
	if err != nil {
		return err
	}
	password, err := configPassword(cfg)
	if err != nil {
		return err
	}
	if len(cfg.Controllers) == 0 {
		return fmt.Errorf("no controllers: pass --config, --port, --url or --sim")
	}

	// Log lines would tear the alternate screen.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d, err := daemon.New(daemon.Options{
		Config:        cfg,
		Password:      password,
		SkipSSLVerify: wsNoSSLVerify,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	p := tea.NewProgram(initialMonitorModel(ctx, d), tea.WithAltScreen())
	_, runErr := p.Run()
	cancel()
	if err := <-done; err != nil {
		return err
	}
	if runErr != nil {
		return fmt.Errorf("TUI error: %v", runErr)
	}
	return nil
}
