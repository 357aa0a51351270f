package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"

	"quantfolio/internal/util"
	"quantfolio/pkg/quantfolio"
)

// Styles.
var (
	fundStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	fundHlStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("75")).Background(lipgloss.Color("236"))
	runningStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	stoppedStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	pendingStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	gainStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	lossStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	colHeaderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	longStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	shortStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
)

func stateStyle(state string) lipgloss.Style {
	switch state {
	case "Running":
		return runningStyle
	case "Stopped", "DeployError":
		return stoppedStyle
	default:
		return pendingStyle
	}
}

func pnlStyle(v decimal.Decimal) lipgloss.Style {
	switch v.Sign() {
	case 1:
		return gainStyle
	case -1:
		return lossStyle
	default:
		return dimStyle
	}
}

// Messages.
type tickMsg time.Time

type statusMsg quantfolio.Status

type watchErrMsg struct{ err error }

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// waitForStatus delivers the next status from the watch goroutine.
func waitForStatus(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-ch
	}
}

// Model.
type model struct {
	updates <-chan tea.Msg
	cancel  context.CancelFunc
	logger  *slog.Logger
	addr    string

	status   quantfolio.Status
	received int
	lastErr  error
	now      time.Time

	selected      string
	viewport      viewport.Model
	ready         bool
	width, height int
}

func initialModel(addr string, updates <-chan tea.Msg, cancel context.CancelFunc, logger *slog.Logger) model {
	return model{
		updates: updates,
		cancel:  cancel,
		logger:  logger,
		addr:    addr,
		now:     time.Now(),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), waitForStatus(m.updates))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.cancel()
			return m, tea.Quit
		case "up", "down":
			m.moveSelection(msg.String() == "up")
			m.refresh()
			return m, nil
		case "home":
			if m.ready {
				m.viewport.GotoTop()
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vpHeight := m.height - 2
		if vpHeight < 1 {
			vpHeight = 1
		}
		if !m.ready {
			m.viewport = viewport.New(m.width, vpHeight)
			m.viewport.MouseWheelEnabled = true
			m.ready = true
		} else {
			m.viewport.Width = m.width
			m.viewport.Height = vpHeight
		}
		m.refresh()
		return m, nil

	case tickMsg:
		m.now = time.Time(msg)
		return m, tickCmd()

	case statusMsg:
		m.status = quantfolio.Status(msg)
		m.received++
		m.lastErr = nil
		if _, ok := m.status.Fund(m.selected); !ok && len(m.status.Funds) > 0 {
			m.selected = m.status.Funds[0].ID
		}
		m.refresh()
		return m, waitForStatus(m.updates)

	case watchErrMsg:
		m.lastErr = msg.err
		m.logger.Warn("status stream ended", "error", msg.err)
		return m, waitForStatus(m.updates)
	}

	if m.ready {
		m.viewport, cmd = m.viewport.Update(msg)
	}
	return m, cmd
}

func (m *model) moveSelection(up bool) {
	funds := m.status.Funds
	if len(funds) == 0 {
		return
	}
	cur := 0
	for i, f := range funds {
		if f.ID == m.selected {
			cur = i
			break
		}
	}
	if up && cur > 0 {
		cur--
	} else if !up && cur < len(funds)-1 {
		cur++
	}
	m.selected = funds[cur].ID
}

func (m *model) refresh() {
	if m.ready {
		m.viewport.SetContent(renderContent(m.status, m.selected, m.width))
	}
}

func (m model) View() string {
	if !m.ready {
		return "Loading..."
	}

	conn := fmt.Sprintf("updates: %d", m.received)
	if m.lastErr != nil {
		conn = "reconnecting..."
	}
	headerText := fmt.Sprintf(" quantfolio  %s  %s    funds: %d    nlv %s %s    %s ",
		m.addr,
		m.now.Format("15:04:05"),
		len(m.status.Funds),
		m.status.NetLiquidation.StringFixed(2),
		m.status.Currency,
		conn,
	)
	headerBar := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("15")).
		Background(lipgloss.Color("4")).
		Render(padOrTrunc(headerText, m.width))

	pct := m.viewport.ScrollPercent() * 100
	footerLeft := " q quit  up/dn select fund  home top  pgup/dn scroll"
	footerRight := fmt.Sprintf("%.0f%% ", pct)
	gap := m.width - len(footerLeft) - len(footerRight)
	if gap < 0 {
		gap = 0
	}
	footerBar := lipgloss.NewStyle().
		Foreground(lipgloss.Color("15")).
		Background(lipgloss.Color("8")).
		Render(padOrTrunc(footerLeft+strings.Repeat(" ", gap)+footerRight, m.width))

	return headerBar + "\n" + m.viewport.View() + "\n" + footerBar
}

// renderContent draws the fund table followed by the positions and consensus
// of the selected fund.
func renderContent(s quantfolio.Status, selected string, width int) string {
	var b strings.Builder
	if len(s.Funds) == 0 {
		b.WriteString(dimStyle.Render("  Waiting for status..."))
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(colHeaderStyle.Render(fmt.Sprintf("  %-16s %-12s %-4s %14s %14s %12s %10s %8s",
		"FUND", "STATE", "CCY", "NLV", "CASH", "PNL", "ORDERS", "FILLS")))
	b.WriteString("\n")
	for _, f := range s.Funds {
		name := fmt.Sprintf("%-16s", f.ID)
		if f.ID == selected {
			name = fundHlStyle.Render(name)
		} else {
			name = fundStyle.Render(name)
		}
		fmt.Fprintf(&b, "  %s %s %-4s %14s %14s %s %10s %8d\n",
			name,
			stateStyle(f.State).Render(fmt.Sprintf("%-12s", f.State)),
			f.Currency,
			f.NetLiquidation.StringFixed(2),
			f.Cash.StringFixed(2),
			pnlStyle(f.RealizedPnL).Render(fmt.Sprintf("%12s", f.RealizedPnL.StringFixed(2))),
			fmt.Sprintf("%d/%d", f.OpenOrders, f.Submitted),
			f.Fills,
		)
	}

	f, ok := s.Fund(selected)
	if !ok {
		return b.String()
	}
	b.WriteString("\n")
	b.WriteString(fundStyle.Render(fmt.Sprintf("  %s", f.Name)))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  modules: %s  fees: %s  rejected: %d",
		strings.Join(f.Modules, ", "), f.Fees.StringFixed(2), f.Rejected)))
	b.WriteString("\n\n")

	if len(f.Positions) == 0 {
		b.WriteString(dimStyle.Render("  no positions"))
		b.WriteString("\n")
	} else {
		b.WriteString(colHeaderStyle.Render(fmt.Sprintf("  %-16s %12s %12s", "SECURITY", "QTY", "AVG")))
		b.WriteString("\n")
		for _, p := range f.Positions {
			fmt.Fprintf(&b, "  %-16s %12s %12s\n", p.Security, p.Quantity.String(), p.AvgPrice.StringFixed(4))
		}
	}

	if len(f.Consensus) > 0 {
		b.WriteString("\n")
		b.WriteString(colHeaderStyle.Render(fmt.Sprintf("  %-16s %s", "SECURITY", "CONSENSUS")))
		b.WriteString("\n")
		secs := make([]string, 0, len(f.Consensus))
		for sec := range f.Consensus {
			secs = append(secs, sec)
		}
		sort.Strings(secs)
		for _, sec := range secs {
			state := f.Consensus[sec]
			st := longStyle
			if strings.Contains(state, "Short") {
				st = shortStyle
			}
			fmt.Fprintf(&b, "  %-16s %s\n", sec, st.Render(state))
		}
	}
	return b.String()
}

// watch keeps a status stream open, reconnecting after failures, until ctx is
// cancelled.
func watch(ctx context.Context, client *quantfolio.Client, out chan<- tea.Msg, logger *slog.Logger) {
	for ctx.Err() == nil {
		err := client.Watch(ctx, func(s quantfolio.Status) error {
			select {
			case out <- statusMsg(s):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = fmt.Errorf("stream closed by server")
		}
		select {
		case out <- watchErrMsg{err: err}:
		case <-ctx.Done():
			return
		}
		logger.Info("reconnecting status stream", "error", err)
		select {
		case <-time.After(3 * time.Second):
		case <-ctx.Done():
			return
		}
	}
}

func padOrTrunc(s string, width int) string {
	n := len(s)
	if n >= width {
		return s[:width]
	}
	return s + strings.Repeat(" ", width-n)
}

func main() {
	addr := "localhost:50051"
	if a := os.Getenv("QUANTFOLIO_ADDR"); a != "" {
		addr = a
	}

	logPath := fmt.Sprintf("/tmp/quantfolio-console-%s.log", time.Now().Format("2006-01-02"))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()
	logger := util.NewLoggerTo(logFile, "info", "text")

	client, err := quantfolio.Dial(addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan tea.Msg, quantfolio.DefaultWatchBuffer)
	go watch(ctx, client, updates, logger)

	p := tea.NewProgram(initialModel(addr, updates, cancel, logger), tea.WithAltScreen(), tea.WithMouseCellMotion())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
