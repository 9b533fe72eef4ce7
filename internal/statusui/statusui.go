// Package statusui renders a live terminal dashboard of research sessions.
// It drives a bubbletea program that polls the MCP server's research
// sessions endpoint on a tick, matching the polling-then-render pattern
// rather than trying to subscribe to the registry directly (the dashboard
// and the server are typically separate processes).
package statusui

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"agentbrowser-core/internal/config"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const pollInterval = 2 * time.Second

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	runningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	completedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

var columns = []table.Column{
	{Title: "ID", Width: 8},
	{Title: "Query", Width: 30},
	{Title: "Status", Width: 10},
	{Title: "Pages", Width: 6},
	{Title: "Results", Width: 8},
	{Title: "Elapsed", Width: 14},
	{Title: "Progress", Width: 40},
}

// row is one research session as rendered in the dashboard table.
type row struct {
	ID       string
	Query    string
	Status   string
	Pages    int
	Results  int
	Elapsed  string
	Progress string
}

type tickMsg time.Time

type fetchResultMsg struct {
	rows []row
	err  error
}

type model struct {
	sessionsURL string
	client      *http.Client
	table       table.Model
	lastErr     error
	quitting    bool
}

// Run blocks driving the dashboard until the user quits (q/ctrl-c). It
// targets the configured MCP SSE port; in stdio mode there is nothing to
// poll and Run returns an error immediately.
func Run(cfg config.Config) error {
	if cfg.MCP.SSEPort == 0 {
		return fmt.Errorf("statusui: server is configured for stdio transport, no HTTP endpoint to poll")
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(false),
		table.WithHeight(20),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).Foreground(lipgloss.Color("86"))
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("255"))
	t.SetStyles(styles)

	m := &model{
		sessionsURL: fmt.Sprintf("http://localhost:%d/research/sessions", cfg.MCP.SSEPort),
		client:      &http.Client{Timeout: 3 * time.Second},
		table:       t,
	}
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *model) fetch() tea.Cmd {
	return func() tea.Msg {
		resp, err := m.client.Get(m.sessionsURL)
		if err != nil {
			return fetchResultMsg{err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return fetchResultMsg{err: fmt.Errorf("statusui: server returned %d: %s", resp.StatusCode, string(body))}
		}
		rows, err := decodeRows(resp.Body)
		return fetchResultMsg{rows: rows, err: err}
	}
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.table.SetHeight(msg.Height - 6)
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd
	case tickMsg:
		return m, tea.Batch(m.fetch(), tick())
	case fetchResultMsg:
		m.lastErr = msg.err
		if msg.err == nil {
			m.table.SetRows(toTableRows(msg.rows))
		}
		return m, nil
	}
	return m, nil
}

func (m *model) View() string {
	if m.quitting {
		return ""
	}
	header := headerStyle.Render("agentbrowser-core — research sessions")
	sub := dimStyle.Render(fmt.Sprintf("polling %s every %s, press q to quit", m.sessionsURL, pollInterval))

	if m.lastErr != nil {
		return header + "\n" + sub + "\n\n" + errStyle.Render(m.lastErr.Error()) + "\n"
	}
	if len(m.table.Rows()) == 0 {
		return header + "\n" + sub + "\n\n" + dimStyle.Render("no sessions yet") + "\n"
	}
	return header + "\n" + sub + "\n\n" + m.table.View() + "\n"
}

func toTableRows(rows []row) []table.Row {
	sorted := make([]row, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	out := make([]table.Row, 0, len(sorted))
	for _, r := range sorted {
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		out = append(out, table.Row{
			id,
			truncate(r.Query, 30),
			statusGlyph(r.Status),
			fmt.Sprintf("%d", r.Pages),
			fmt.Sprintf("%d", r.Results),
			r.Elapsed,
			truncate(r.Progress, 40),
		})
	}
	return out
}

func statusGlyph(status string) string {
	switch status {
	case "completed":
		return completedStyle.Render("● " + status)
	case "failed", "cancelled":
		return failedStyle.Render("● " + status)
	default:
		return runningStyle.Render("● " + status)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
