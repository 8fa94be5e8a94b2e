package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskflow/internal/events"
)

// ProgressPaneModel shows the run-wide counters and a progress bar.
type ProgressPaneModel struct {
	progress events.DAGProgressEvent
	finished *events.RunFinishedEvent
	width    int
	height   int
	focused  bool
}

// NewProgressPaneModel creates an empty progress pane.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{}
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.DAGProgressEvent:
		m.progress = msg
	case events.RunFinishedEvent:
		m.finished = &msg
	}
	return m, nil
}

// Progress returns the last progress snapshot received.
func (m ProgressPaneModel) Progress() events.DAGProgressEvent {
	return m.progress
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	p := m.progress

	title := StyleTitle.Render("Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Total:     %d\n", p.Total)
	fmt.Fprintf(&b, "Succeeded: %s\n", StyleStatusComplete.Render(fmt.Sprint(p.Succeeded)))
	fmt.Fprintf(&b, "Running:   %s\n", StyleStatusRunning.Render(fmt.Sprint(p.Running)))
	fmt.Fprintf(&b, "Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprint(p.Failed)))
	fmt.Fprintf(&b, "Blocked:   %s\n", StyleStatusPending.Render(fmt.Sprint(p.Blocked)))
	fmt.Fprintf(&b, "Cancelled: %s\n", StyleStatusPending.Render(fmt.Sprint(p.Cancelled)))
	fmt.Fprintf(&b, "Pending:   %s\n", StyleStatusPending.Render(fmt.Sprint(p.Pending)))
	b.WriteString("\n")

	if p.Total > 0 {
		barWidth := min(m.width-4, 40)
		okWidth := p.Succeeded * barWidth / p.Total
		failWidth := p.Failed * barWidth / p.Total
		skipWidth := (p.Blocked + p.Cancelled) * barWidth / p.Total
		runWidth := p.Running * barWidth / p.Total
		restWidth := barWidth - okWidth - failWidth - skipWidth - runWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, okWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failWidth)))
		bar += StyleStatusPending.Render(strings.Repeat("x", max(0, skipWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, restWidth)))

		fmt.Fprintf(&b, "[%s]  %d/%d\n", bar, p.Done(), p.Total)
	}

	if f := m.finished; f != nil {
		b.WriteString("\n")
		switch {
		case f.Success:
			b.WriteString(StyleStatusComplete.Render("Run succeeded"))
		case f.Cancelled:
			b.WriteString(StyleStatusFailed.Render("Run cancelled"))
		default:
			b.WriteString(StyleStatusFailed.Render("Run failed"))
		}
		fmt.Fprintf(&b, " in %v\n", f.Duration.Round(time.Millisecond))
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
