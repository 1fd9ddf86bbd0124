// Package tui renders a terminal dashboard over the HTTP API. It polls the
// task list, so it works against a remote daemon and survives WS-less
// deployments.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/nexusd/internal/persistence"
)

const pollInterval = 3 * time.Second

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusStyle = map[persistence.TaskStatus]lipgloss.Style{
		persistence.TaskStatusPending:    lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		persistence.TaskStatusInProgress: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		persistence.TaskStatusCompleted:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		persistence.TaskStatusFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		persistence.TaskStatusCancelled:  lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
)

// MergeTasks folds incoming tasks into existing by id. On conflict the row
// with the newer updated_at wins, so a stale poll can never roll a task
// backwards. The result is ordered newest-created first.
func MergeTasks(existing, incoming []persistence.Task) []persistence.Task {
	byID := make(map[string]persistence.Task, len(existing)+len(incoming))
	for _, t := range existing {
		byID[t.ID] = t
	}
	for _, t := range incoming {
		if prev, ok := byID[t.ID]; ok && prev.UpdatedAt.After(t.UpdatedAt) {
			continue
		}
		byID[t.ID] = t
	}
	merged := make([]persistence.Task, 0, len(byID))
	for _, t := range byID {
		merged = append(merged, t)
	}
	sort.Slice(merged, func(i, j int) bool {
		if !merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].CreatedAt.After(merged[j].CreatedAt)
		}
		return merged[i].ID < merged[j].ID
	})
	return merged
}

type tasksMsg []persistence.Task

type fetchErrMsg struct{ err error }

type pollMsg time.Time

func pollCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return pollMsg(t) })
}

type model struct {
	baseURL string
	client  *http.Client

	tasks    []persistence.Task
	lastErr  string
	fetched  time.Time
	quitting bool
}

func newModel(baseURL string) model {
	return model{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (m model) fetchCmd() tea.Cmd {
	return func() tea.Msg {
		tasks, err := fetchTasks(m.client, m.baseURL)
		if err != nil {
			return fetchErrMsg{err: err}
		}
		return tasksMsg(tasks)
	}
}

func fetchTasks(client *http.Client, baseURL string) ([]persistence.Task, error) {
	resp, err := client.Get(baseURL + "/api/tasks?limit=50")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %s", resp.Status)
	}
	var wrapper struct {
		Data []persistence.Task `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return nil, fmt.Errorf("decode task list: %w", err)
	}
	return wrapper.Data, nil
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.fetchCmd(), pollCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.fetchCmd()
		}
	case pollMsg:
		return m, tea.Batch(m.fetchCmd(), pollCmd())
	case tasksMsg:
		m.tasks = MergeTasks(m.tasks, msg)
		m.lastErr = ""
		m.fetched = time.Now()
	case fetchErrMsg:
		// Keep showing the last good snapshot alongside the error.
		m.lastErr = msg.err.Error()
	}
	return m, nil
}

func (m model) View() string {
	if m.quitting {
		return ""
	}

	var out strings.Builder
	out.WriteString(titleStyle.Render("Nexus Tasks") + "\n\n")

	if len(m.tasks) == 0 {
		out.WriteString(dimStyle.Render("No tasks yet.") + "\n")
	}
	for _, t := range m.tasks {
		style, ok := statusStyle[t.Status]
		if !ok {
			style = dimStyle
		}
		out.WriteString(fmt.Sprintf("%s %s %s %s\n",
			style.Render(fmt.Sprintf("%-11s", t.Status)),
			renderBar(t.Progress),
			dimStyle.Render(shortID(t.ID)),
			truncate(t.UserMessage, 60),
		))
	}

	out.WriteString("\n")
	if m.lastErr != "" {
		out.WriteString(errStyle.Render("Error: "+m.lastErr) + "\n")
	}
	if !m.fetched.IsZero() {
		out.WriteString(dimStyle.Render("Updated "+m.fetched.Format("15:04:05")) + "  ")
	}
	out.WriteString(dimStyle.Render("q quit · r refresh") + "\n")
	return out.String()
}

// renderBar draws a fixed-width progress bar like [████······] 40%.
func renderBar(progress int) string {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	const width = 10
	filled := progress * width / 100
	return fmt.Sprintf("[%s%s] %3d%%",
		strings.Repeat("█", filled),
		strings.Repeat("·", width-filled),
		progress,
	)
}

func shortID(id string) string {
	if len(id) <= 6 {
		return "#" + id
	}
	return "#" + id[len(id)-6:]
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

// Run starts the dashboard against the daemon at baseURL and blocks until
// the user quits or ctx is cancelled.
func Run(ctx context.Context, baseURL string) error {
	defer bestEffortResetTTY()

	p := tea.NewProgram(newModel(baseURL))

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
