package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskflow/internal/events"
)

// Task display states.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusBlocked   = "blocked"
	StatusCancelled = "cancelled"
)

const listWidth = 25

// TaskView is what the pane knows about one task.
type TaskView struct {
	TaskID    string
	Name      string
	Status    string
	Log       []string
	StartTime time.Time
	Duration  time.Duration
}

// TaskPaneModel shows the task list and the log of the selected task.
type TaskPaneModel struct {
	tasks       map[string]*TaskView // taskID -> view
	taskOrder   []string             // first-seen order
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
}

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskView),
		viewport: viewport.New(0, 0),
	}
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.taskOrder)-1 {
				m.selectedIdx++
				m.refresh()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.refresh()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskStartedEvent:
		t := m.task(msg.ID)
		t.Name = msg.Name
		t.Status = StatusRunning
		t.StartTime = msg.Timestamp
		t.Log = append(t.Log, fmt.Sprintf("[%s] started", stamp(msg.Timestamp)))
		m.touched(msg.ID)

	case events.TaskRetryingEvent:
		t := m.task(msg.ID)
		t.Log = append(t.Log, fmt.Sprintf("[%s] attempt %d/%d failed: %v (retrying in %v)",
			stamp(msg.Timestamp), msg.Attempt, msg.MaxAttempts, msg.Err, msg.Delay))
		m.touched(msg.ID)

	case events.TaskSucceededEvent:
		t := m.task(msg.ID)
		t.Status = StatusSucceeded
		t.Duration = msg.Duration
		t.Log = append(t.Log, fmt.Sprintf("[%s] succeeded after %d attempt(s) in %v",
			stamp(msg.Timestamp), msg.Attempts, msg.Duration.Round(time.Millisecond)))
		if msg.Value != nil {
			t.Log = append(t.Log, "", fmt.Sprint(msg.Value))
		}
		m.touched(msg.ID)

	case events.TaskFailedEvent:
		t := m.task(msg.ID)
		t.Status = StatusFailed
		t.Duration = msg.Duration
		verb := "failed"
		if msg.TimedOut {
			verb = "timed out"
		}
		t.Log = append(t.Log, fmt.Sprintf("[%s] %s after %d attempt(s): %v",
			stamp(msg.Timestamp), verb, msg.Attempts, msg.Err))
		m.touched(msg.ID)

	case events.TaskBlockedEvent:
		t := m.task(msg.ID)
		t.Status = StatusBlocked
		t.Log = append(t.Log, fmt.Sprintf("[%s] blocked by %s", stamp(msg.Timestamp), msg.BlockedBy))
		m.touched(msg.ID)

	case events.TaskCancelledEvent:
		t := m.task(msg.ID)
		t.Status = StatusCancelled
		t.Log = append(t.Log, fmt.Sprintf("[%s] cancelled", stamp(msg.Timestamp)))
		m.touched(msg.ID)
	}

	return m, cmd
}

// task returns the view for id, creating it on first sight. Blocked and
// cancelled tasks are never started, so any event may be the first one.
func (m *TaskPaneModel) task(id string) *TaskView {
	if t, ok := m.tasks[id]; ok {
		return t
	}
	t := &TaskView{TaskID: id, Name: id}
	m.tasks[id] = t
	m.taskOrder = append(m.taskOrder, id)
	return t
}

func (m *TaskPaneModel) touched(id string) {
	if len(m.taskOrder) == 1 || m.SelectedTaskID() == id {
		m.refresh()
	}
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderList(),
		lipgloss.NewStyle().
			Width(m.width-listWidth-4).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderList() string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(listWidth, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.taskOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.taskOrder {
		t := m.tasks[id]
		name := t.Name
		if len(name) > listWidth-6 {
			name = name[:listWidth-9] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(t.Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(listWidth).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case StatusRunning:
		return StyleStatusRunning.Render("●")
	case StatusSucceeded:
		return StyleStatusComplete.Render("✓")
	case StatusFailed:
		return StyleStatusFailed.Render("✗")
	case StatusBlocked, StatusCancelled:
		return StyleStatusPending.Render("⊘")
	default:
		return StyleStatusPending.Render("○")
	}
}

// SelectedTaskID returns the id of the highlighted task, or "".
func (m TaskPaneModel) SelectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.taskOrder) {
		return m.taskOrder[m.selectedIdx]
	}
	return ""
}

// Task returns the view for id.
func (m TaskPaneModel) Task(id string) (TaskView, bool) {
	t, ok := m.tasks[id]
	if !ok {
		return TaskView{}, false
	}
	return *t, true
}

func (m *TaskPaneModel) refresh() {
	t, ok := m.tasks[m.SelectedTaskID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}
	m.viewport.SetContent(strings.Join(t.Log, "\n"))
	m.viewport.GotoBottom()
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(m.width-listWidth-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

func stamp(t time.Time) string {
	return t.Format("15:04:05")
}
