package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/taskflow/internal/events"
)

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	model, ok := next.(Model)
	if !ok {
		t.Fatalf("Update returned %T", next)
	}
	return model
}

func TestModelTracksTaskLifecycle(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()

	m := New(bus, "pipeline", nil)
	m = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})

	now := time.Now()
	m = update(t, m, events.TaskStartedEvent{ID: "build", Name: "Build", Timestamp: now})
	m = update(t, m, events.TaskRetryingEvent{ID: "build", Attempt: 1, MaxAttempts: 2, Err: errors.New("flaky"), Timestamp: now})
	m = update(t, m, events.TaskSucceededEvent{ID: "build", Attempts: 2, Value: "artifact.tar", Timestamp: now})
	m = update(t, m, events.TaskBlockedEvent{ID: "deploy", BlockedBy: "test", Timestamp: now})

	build, ok := m.taskPane.Task("build")
	if !ok {
		t.Fatal("build not tracked")
	}
	if build.Status != StatusSucceeded {
		t.Errorf("build status = %q, want %q", build.Status, StatusSucceeded)
	}
	log := strings.Join(build.Log, "\n")
	for _, want := range []string{"attempt 1/2 failed: flaky", "succeeded after 2", "artifact.tar"} {
		if !strings.Contains(log, want) {
			t.Errorf("log missing %q:\n%s", want, log)
		}
	}

	// Blocked tasks never start but still show up.
	deploy, ok := m.taskPane.Task("deploy")
	if !ok || deploy.Status != StatusBlocked {
		t.Errorf("deploy = %+v, %v", deploy, ok)
	}

	view := m.View()
	if !strings.Contains(view, "Build") || !strings.Contains(view, "deploy") {
		t.Errorf("view missing task names:\n%s", view)
	}
}

func TestModelProgressAndFinish(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()

	m := New(bus, "pipeline", nil)
	m = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})
	m = update(t, m, events.DAGProgressEvent{Total: 4, Succeeded: 2, Running: 1, Pending: 1})

	if got := m.progressPane.Progress().Done(); got != 2 {
		t.Errorf("Done() = %d, want 2", got)
	}
	if !strings.Contains(m.View(), "2/4") {
		t.Errorf("view missing progress:\n%s", m.View())
	}

	m = update(t, m, events.RunFinishedEvent{Success: false, Cancelled: true, Duration: time.Second})
	if !m.Finished() {
		t.Fatal("expected finished")
	}
	if !strings.Contains(m.View(), "Run cancelled") {
		t.Errorf("view missing outcome:\n%s", m.View())
	}
}

func TestModelCancelKey(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()

	cancelled := 0
	m := New(bus, "pipeline", func() { cancelled++ })

	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	if cancelled != 1 {
		t.Errorf("cancel called %d times, want 1", cancelled)
	}

	m = update(t, m, events.RunFinishedEvent{Success: true})
	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	if cancelled != 1 {
		t.Errorf("cancel called after finish")
	}

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
	if next.(Model).View() != "" {
		t.Error("expected empty view after quit")
	}
}

func TestWaitForEventReportsClosedBus(t *testing.T) {
	bus := events.NewEventBus()
	sub := bus.SubscribeAll(1)
	bus.Emit(events.TaskCancelledEvent{ID: "a"})
	bus.Close()

	if msg := waitForEvent(sub)(); msg.(events.Event).TaskID() != "a" {
		t.Errorf("unexpected first message %#v", msg)
	}
	if _, ok := waitForEvent(sub)().(busClosedMsg); !ok {
		t.Error("expected busClosedMsg after close")
	}
}

func TestFocusCycles(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()

	m := New(bus, "", nil)
	m = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if m.focusedPane != PaneProgress {
		t.Errorf("focus = %d after tab", m.focusedPane)
	}
	m = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if m.focusedPane != PaneTasks {
		t.Errorf("focus = %d after second tab", m.focusedPane)
	}
	m = update(t, m, tea.KeyMsg{Type: tea.KeyShiftTab})
	if m.focusedPane != PaneProgress {
		t.Errorf("focus = %d after shift+tab", m.focusedPane)
	}
}
