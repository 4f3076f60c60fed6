// Package tui is a read-only dashboard over task state files, the
// history index, and task logs. It observes; all mutation goes through
// the CLI commands.
package tui

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/foundermode/drover/internal/history"
	"github.com/foundermode/drover/internal/models"
	"github.com/foundermode/drover/internal/statestore"
	"github.com/foundermode/drover/internal/workspace"
)

type View int

const (
	ViewTaskList View = iota
	ViewTaskDetail
	ViewLog
)

type taskItem struct {
	ID            string
	Status        models.Status
	Iteration     int
	MaxIterations int
	LastUpdatedAt time.Time
	Corrupt       bool
}

type App struct {
	store *statestore.Store
	ws    *workspace.Workspace
	hist  *history.Store

	view        View
	tasks       []taskItem
	selectedIdx int

	detailState *models.ExecutionState
	invocations []*models.Invocation

	spin     spinner.Model
	logView  viewport.Model
	logReady bool

	width  int
	height int
	err    error
}

func NewApp(store *statestore.Store, ws *workspace.Workspace, hist *history.Store) *App {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = statusRunningStyle

	return &App{
		store: store,
		ws:    ws,
		hist:  hist,
		view:  ViewTaskList,
		spin:  sp,
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadTasks, a.tickCmd(), a.spin.Tick)
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) hasRunningTasks() bool {
	for _, t := range a.tasks {
		if t.Status == models.StatusRunning || t.Status == models.StatusPending {
			return true
		}
	}
	return false
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.logView = viewport.New(msg.Width, msg.Height-4)
		a.logReady = true
		return a, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spin, cmd = a.spin.Update(msg)
		return a, cmd

	case tasksLoadedMsg:
		a.tasks = msg.tasks
		a.err = msg.err
		if a.selectedIdx >= len(a.tasks) && a.selectedIdx > 0 {
			a.selectedIdx = len(a.tasks) - 1
		}
		return a, nil

	case tickMsg:
		if a.view == ViewTaskList && a.hasRunningTasks() {
			return a, tea.Batch(a.loadTasks, a.tickCmd())
		}
		return a, a.tickCmd()

	case detailMsg:
		a.detailState = msg.state
		a.invocations = msg.invocations
		a.err = msg.err
		if a.err == nil {
			a.view = ViewTaskDetail
		}
		return a, nil

	case logLoadedMsg:
		if msg.err != nil {
			a.err = msg.err
			return a, nil
		}
		if a.logReady {
			a.logView.SetContent(msg.content)
			a.logView.GotoBottom()
		}
		a.view = ViewLog
		return a, nil
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewTaskList:
		return a.handleTaskListKey(msg)
	case ViewTaskDetail:
		return a.handleDetailKey(msg)
	case ViewLog:
		return a.handleLogKey(msg)
	}
	return a, nil
}

func (a *App) handleTaskListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.tasks)-1 {
			a.selectedIdx++
		}

	case "enter":
		if len(a.tasks) > 0 && a.selectedIdx < len(a.tasks) {
			return a, a.loadDetail(a.tasks[a.selectedIdx].ID)
		}

	case "l":
		if len(a.tasks) > 0 && a.selectedIdx < len(a.tasks) {
			return a, a.loadLog(a.tasks[a.selectedIdx].ID)
		}

	case "r":
		return a, a.loadTasks
	}

	return a, nil
}

func (a *App) handleDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewTaskList
		a.detailState = nil
		a.invocations = nil

	case "ctrl+c":
		return a, tea.Quit

	case "l":
		if a.detailState != nil {
			return a, a.loadLog(a.detailState.ID)
		}
	}

	return a, nil
}

func (a *App) handleLogKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		if a.detailState != nil {
			a.view = ViewTaskDetail
		} else {
			a.view = ViewTaskList
		}
		return a, nil

	case "ctrl+c":
		return a, tea.Quit
	}

	var cmd tea.Cmd
	a.logView, cmd = a.logView.Update(msg)
	return a, cmd
}

func (a *App) View() string {
	switch a.view {
	case ViewTaskList:
		return a.viewTaskList()
	case ViewTaskDetail:
		return a.viewTaskDetail()
	case ViewLog:
		return a.viewLog()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusCompletedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusTimeoutStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) viewTaskList() string {
	s := titleStyle.Render("Drover") + "\n\n"

	if a.err != nil {
		s += fmt.Sprintf("Error: %v\n", a.err)
	}

	if len(a.tasks) == 0 {
		s += "No tasks yet. Start one with `drover run <prompt-file>`.\n"
	} else {
		s += "Tasks\n"
		s += "─────\n"

		for i, t := range a.tasks {
			line := a.formatTaskLine(t)
			isSelected := i == a.selectedIdx
			isActive := t.Status == models.StatusRunning || t.Status == models.StatusPending

			if isSelected {
				line = selectedStyle.Render("▶ " + line)
			} else if !isActive {
				line = "  " + dimStyle.Render(line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] detail  [l] log  [r] refresh  [q] quit")

	return s
}

func (a *App) formatTaskLine(t taskItem) string {
	if t.Corrupt {
		return fmt.Sprintf("%-24s %s", t.ID, statusFailedStyle.Render("⚠ state unreadable"))
	}
	status := a.formatStatus(t.Status)
	progress := fmt.Sprintf("%d/%d", t.Iteration, t.MaxIterations)
	return fmt.Sprintf("%-24s %s  %-6s  %s", t.ID, status, progress, a.formatAge(t.LastUpdatedAt))
}

func (a *App) formatAge(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func (a *App) formatStatus(status models.Status) string {
	switch status {
	case models.StatusRunning:
		return a.spin.View() + statusRunningStyle.Render("running")
	case models.StatusCompleted:
		return statusCompletedStyle.Render("✓ completed")
	case models.StatusFailed:
		return statusFailedStyle.Render("✗ failed")
	case models.StatusTimeout:
		return statusTimeoutStyle.Render("⧖ timeout")
	default:
		return string(status)
	}
}

func (a *App) viewTaskDetail() string {
	if a.detailState == nil {
		return "No task selected"
	}

	state := a.detailState

	header := fmt.Sprintf("Task %s", state.ID)
	s := titleStyle.Render(header) + "  " + a.formatStatus(state.Status) + "\n\n"

	s += labelStyle.Render("Iteration: ") +
		fmt.Sprintf("%d/%d", state.Iteration, state.MaxIterations) + "\n"
	if state.CompletionMarker != "" {
		s += labelStyle.Render("Marker:    ") + state.CompletionMarker + "\n"
	}
	if state.FailureReason != "" {
		s += labelStyle.Render("Reason:    ") + statusFailedStyle.Render(state.FailureReason) + "\n"
	}
	s += labelStyle.Render("Updated:   ") + state.LastUpdatedAt.Local().Format("15:04:05") + "\n\n"

	s += "History\n"
	s += "───────\n"
	if len(state.History) == 0 {
		s += "(no iterations yet)\n"
	} else {
		for _, rec := range state.History {
			mark := statusCompletedStyle.Render("✓")
			if rec.ExitCode != 0 {
				mark = statusFailedStyle.Render(fmt.Sprintf("✗ exit:%d", rec.ExitCode))
			}
			line := fmt.Sprintf("%d. %s  %s", rec.Iteration, mark,
				dimStyle.Render(rec.Timestamp.Local().Format("15:04:05")))
			if rec.RetryReason != "" {
				line += "  " + statusTimeoutStyle.Render(rec.RetryReason)
			}
			s += "  " + line + "\n"
		}
	}

	if len(state.SuggestedNextSteps) > 0 {
		s += "\nSuggested next steps\n"
		s += "────────────────────\n"
		shown := state.SuggestedNextSteps
		if len(shown) > models.MaxDisplayedNextSteps {
			shown = shown[:models.MaxDisplayedNextSteps]
		}
		for _, step := range shown {
			s += "  • " + step + "\n"
		}
	}

	if len(a.invocations) > 0 {
		s += "\nInvocations\n"
		s += "───────────\n"
		for _, inv := range a.invocations {
			s += fmt.Sprintf("  %s  %s  %d iteration(s)  %s\n",
				inv.StartedAt.Local().Format("Jan 2 15:04"),
				a.formatStatus(inv.Status), inv.Iterations,
				dimStyle.Render(shortID(inv.ID)))
		}
	}

	s += "\n" + helpStyle.Render("[l] log  [esc] back  [q] quit")

	return s
}

func (a *App) viewLog() string {
	s := titleStyle.Render("Log") + "\n"
	if a.logReady {
		s += a.logView.View() + "\n"
	}
	s += helpStyle.Render("[↑/↓] scroll  [esc] back  [q] quit")
	return s
}

// Messages

type tasksLoadedMsg struct {
	tasks []taskItem
	err   error
}

type detailMsg struct {
	state       *models.ExecutionState
	invocations []*models.Invocation
	err         error
}

type logLoadedMsg struct {
	content string
	err     error
}

// Commands

func (a *App) loadTasks() tea.Msg {
	ids, err := a.ws.ListTaskIDs()
	if err != nil {
		return tasksLoadedMsg{err: err}
	}

	tasks := make([]taskItem, 0, len(ids))
	for _, id := range ids {
		state, err := a.store.Load(id)
		if errors.Is(err, statestore.ErrNotFound) {
			continue
		}
		if err != nil {
			tasks = append(tasks, taskItem{ID: id, Corrupt: true})
			continue
		}
		tasks = append(tasks, taskItem{
			ID:            state.ID,
			Status:        state.Status,
			Iteration:     state.Iteration,
			MaxIterations: state.MaxIterations,
			LastUpdatedAt: state.LastUpdatedAt,
		})
	}

	return tasksLoadedMsg{tasks: tasks}
}

func (a *App) loadDetail(id string) tea.Cmd {
	return func() tea.Msg {
		state, err := a.store.Load(id)
		if err != nil {
			return detailMsg{err: err}
		}

		var invs []*models.Invocation
		if a.hist != nil {
			invs, _ = a.hist.ListForTask(id)
		}

		return detailMsg{state: state, invocations: invs}
	}
}

func (a *App) loadLog(id string) tea.Cmd {
	return func() tea.Msg {
		data, err := os.ReadFile(a.ws.LogPath(id))
		if err != nil {
			return logLoadedMsg{err: fmt.Errorf("no log for task %s: %w", id, err)}
		}
		content := strings.TrimRight(string(data), "\n")
		if content == "" {
			content = "(log is empty)"
		}
		return logLoadedMsg{content: content}
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
