// Package tui renders the live standings board. It follows the
// bubbletea model/update/view loop: a tick message refreshes the
// standings from the registry, the view is a pure render of the model.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"chained/internal/domain"
	"chained/internal/engine"
)

const boardRefreshInterval = 2 * time.Second

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")).Padding(0, 1)
	frameStyle = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1)
	footStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Padding(0, 1)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Padding(0, 1)

	statusBadges = map[string]lipgloss.Style{
		domain.WorkerHallOfFame:      lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
		domain.WorkerEliminationRisk: lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
		domain.WorkerEliminated:      lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

type refreshMsg struct {
	standings []domain.Standing
	counts    map[string]int
	err       error
}

// Board is the application model.
type Board struct {
	engine  engine.Engine
	table   table.Model
	counts  map[string]int
	loadErr error
	width   int
	height  int
}

// NewBoard builds the board model around an opened engine.
func NewBoard(e engine.Engine) Board {
	columns := []table.Column{
		{Title: "#", Width: 3},
		{Title: "Worker", Width: 24},
		{Title: "Status", Width: 16},
		{Title: "Missions", Width: 8},
		{Title: "Wins", Width: 6},
		{Title: "Rate", Width: 6},
		{Title: "Prot", Width: 4},
	}
	t := table.New(table.WithColumns(columns), table.WithFocused(true), table.WithHeight(12))
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("240"))
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
	t.SetStyles(styles)
	return Board{engine: e, table: t}
}

func (b Board) Init() tea.Cmd {
	return tea.Batch(b.refresh, tick())
}

func tick() tea.Cmd {
	return tea.Tick(boardRefreshInterval, func(time.Time) tea.Msg { return tickMsg{} })
}

type tickMsg struct{}

func (b Board) refresh() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), boardRefreshInterval)
	defer cancel()
	standings, err := b.engine.Registry.Standings(ctx)
	if err != nil {
		return refreshMsg{err: err}
	}
	counts, err := b.engine.Registry.CountTasksByStatus(ctx)
	if err != nil {
		return refreshMsg{err: err}
	}
	return refreshMsg{standings: standings, counts: counts}
}

func (b Board) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return b, tea.Quit
		case "r":
			return b, b.refresh
		}
	case tea.WindowSizeMsg:
		b.width = msg.Width
		b.height = msg.Height
		if h := msg.Height - 8; h > 3 {
			b.table.SetHeight(h)
		}
	case tickMsg:
		return b, tea.Batch(b.refresh, tick())
	case refreshMsg:
		if msg.err != nil {
			b.loadErr = msg.err
			return b, nil
		}
		b.loadErr = nil
		b.counts = msg.counts
		b.table.SetRows(standingRows(msg.standings))
		return b, nil
	}
	var cmd tea.Cmd
	b.table, cmd = b.table.Update(msg)
	return b, cmd
}

func (b Board) View() string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("chained standings"))
	sb.WriteString("\n")
	sb.WriteString(frameStyle.Render(b.table.View()))
	sb.WriteString("\n")
	if b.loadErr != nil {
		sb.WriteString(errStyle.Render("registry: " + b.loadErr.Error()))
		sb.WriteString("\n")
	}
	sb.WriteString(footStyle.Render(taskSummary(b.counts) + "  ·  q quit · r refresh"))
	return sb.String()
}

// standingRows converts standings into table rows, preserving rank order.
func standingRows(standings []domain.Standing) []table.Row {
	rows := make([]table.Row, 0, len(standings))
	for _, s := range standings {
		status := s.Status
		if style, ok := statusBadges[s.Status]; ok {
			status = style.Render(s.Status)
		}
		prot := ""
		if s.Protected {
			prot = "yes"
		}
		rows = append(rows, table.Row{
			fmt.Sprintf("%d", s.Rank),
			s.WorkerID,
			status,
			fmt.Sprintf("%d", s.TotalMissions),
			fmt.Sprintf("%d", s.SuccessfulMissions),
			fmt.Sprintf("%.2f", s.SuccessRate),
			prot,
		})
	}
	return rows
}

// taskSummary renders the task counts footer in a fixed status order.
func taskSummary(counts map[string]int) string {
	if len(counts) == 0 {
		return "no tasks yet"
	}
	order := []string{domain.TaskCreated, domain.TaskMatched, domain.TaskAssigned, domain.TaskCompleted}
	parts := make([]string, 0, len(order))
	for _, status := range order {
		if n, ok := counts[status]; ok {
			parts = append(parts, fmt.Sprintf("%s %d", status, n))
		}
	}
	return "tasks: " + strings.Join(parts, " · ")
}

// Run starts the board in the alternate screen until the user quits.
func Run(e engine.Engine) error {
	_, err := tea.NewProgram(NewBoard(e), tea.WithAltScreen()).Run()
	return err
}
