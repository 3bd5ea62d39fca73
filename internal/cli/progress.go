package cli

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/raphaelgruber/cvat-export/internal/service"
)

// maxLogLines bounds the scrollback shown under the task lines.
const maxLogLines = 6

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// eventMsg carries a runner event into the UI loop.
type eventMsg service.Event

// runDoneMsg is sent once the runner has returned.
type runDoneMsg struct {
	summary *service.Summary
	err     error
}

// taskLine is the live state of one in-flight task.
type taskLine struct {
	id     int64
	status string
	bytes  int64
	total  int64
}

// progressModel is the bubbletea model for a batch export.
type progressModel struct {
	total      int
	finished   int
	active     map[int64]*taskLine
	order      []int64
	logs       []string
	progress   progress.Model
	theme      Theme
	cancel     context.CancelFunc
	cancelling bool
	done       bool
	summary    *service.Summary
	err        error
}

func newProgressModel(total int, cancel context.CancelFunc) progressModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return progressModel{
		total:    total,
		active:   make(map[int64]*taskLine),
		progress: prog,
		theme:    defaultTheme,
		cancel:   cancel,
	}
}

func (m progressModel) Init() tea.Cmd {
	return nil
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			// Wait for the runner to unwind before quitting.
			if !m.cancelling && m.cancel != nil {
				m.cancelling = true
				m.cancel()
			}
		}

	case eventMsg:
		m.apply(service.Event(msg))

	case runDoneMsg:
		m.done = true
		m.summary = msg.summary
		m.err = msg.err
		return m, tea.Quit
	}

	return m, nil
}

// apply folds one runner event into the model.
func (m *progressModel) apply(e service.Event) {
	line := m.active[e.TaskID]

	switch e.Kind {
	case service.EventStart:
		m.active[e.TaskID] = &taskLine{id: e.TaskID, status: "starting"}
		m.order = append(m.order, e.TaskID)
	case service.EventQueued:
		if line != nil {
			line.status = "queued"
		}
	case service.EventStatus:
		if line != nil {
			line.status = fmt.Sprintf("%s (progress=%s)", e.Status, e.Progress)
		}
	case service.EventDownloading:
		if line != nil {
			line.status = "downloading"
		}
	case service.EventDownloaded:
		if line != nil {
			line.bytes, line.total = e.Bytes, e.Total
		}
	case service.EventSaved:
		m.finish(e.TaskID, m.theme.completedStyle().Render("✓")+" "+fmt.Sprintf("Task %d saved: %s", e.TaskID, e.Path))
	case service.EventSkipped:
		m.finish(e.TaskID, m.theme.hintStyle().Render(fmt.Sprintf("- Task %d skipped (exists): %s", e.TaskID, e.Path)))
	case service.EventFailed:
		m.finish(e.TaskID, m.theme.errorStyle().Render("✗")+" "+fmt.Sprintf("Task %d failed at %s: %s", e.TaskID, e.Stage, e.Error))
	}
}

func (m *progressModel) finish(id int64, logLine string) {
	m.finished++
	delete(m.active, id)
	m.order = slices.DeleteFunc(m.order, func(x int64) bool { return x == id })
	m.logs = append(m.logs, logLine)
	if len(m.logs) > maxLogLines {
		m.logs = m.logs[len(m.logs)-maxLogLines:]
	}
}

func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m progressModel) renderContent() string {
	if m.done {
		return m.finalView()
	}

	var b strings.Builder

	var pct float64
	if m.total > 0 {
		pct = float64(m.finished) / float64(m.total)
	}
	state := "running"
	if m.cancelling {
		state = "cancelling"
	}
	fmt.Fprintf(&b, "%s %s %d/%d tasks\n",
		m.theme.statusStyle().Render("["+state+"]"), m.progress.ViewAs(pct), m.finished, m.total)

	for _, id := range m.order {
		line := m.active[id]
		fmt.Fprintf(&b, "  Task %d: %s", id, line.status)
		if line.bytes > 0 {
			fmt.Fprintf(&b, " %s", formatBytes(line.bytes, line.total))
		}
		b.WriteString("\n")
	}

	for _, l := range m.logs {
		b.WriteString(l + "\n")
	}

	b.WriteString(m.theme.hintStyle().Render("Press q or Ctrl+C to cancel") + "\n")
	return b.String()
}

func (m progressModel) finalView() string {
	var b strings.Builder
	for _, l := range m.logs {
		b.WriteString(l + "\n")
	}

	if m.summary == nil {
		if m.err != nil {
			b.WriteString(m.theme.errorStyle().Render(fmt.Sprintf("✗ Export failed: %s", m.err)) + "\n")
		}
		return b.String()
	}

	s := m.summary
	if m.err != nil {
		b.WriteString(m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Cancelled: %s", m.err)) + "\n")
	} else {
		b.WriteString("\n" + m.theme.completedStyle().Render("✓ Completed") + "\n")
	}
	fmt.Fprintf(&b, "\n  Saved:   %d\n", s.Saved)
	fmt.Fprintf(&b, "  Skipped: %d\n", s.Skipped)
	fmt.Fprintf(&b, "  Failed:  %d\n", s.Failed)

	if s.HasFailures() {
		b.WriteString(m.theme.errorStyle().Render(fmt.Sprintf("\nFailures (%d):", s.Failed)) + "\n")
		for _, o := range s.Outcomes {
			if o.State == service.OutcomeFailed {
				fmt.Fprintf(&b, "  • task %d (%s): %s\n", o.TaskID, o.Stage, o.Error)
			}
		}
	}
	return b.String()
}

func formatBytes(n, total int64) string {
	if total > 0 {
		return fmt.Sprintf("%.1f/%.1f MB", float64(n)/1e6, float64(total)/1e6)
	}
	return fmt.Sprintf("%.1f MB", float64(n)/1e6)
}

// programSink forwards runner events into a running bubbletea program.
type programSink struct {
	p *tea.Program
}

func (s programSink) Emit(e service.Event) {
	s.p.Send(eventMsg(e))
}

// runWithProgress runs the batch under the interactive progress UI.
// newRunner receives the sink that feeds the UI.
func runWithProgress(ctx context.Context, taskIDs []int64, opts service.Options, newRunner func(service.Sink) *service.Runner) (*service.Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newProgressModel(len(taskIDs), cancel))
	runner := newRunner(programSink{p: p})

	type result struct {
		summary *service.Summary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		summary, err := runner.Run(ctx, taskIDs, opts)
		done <- result{summary, err}
		p.Send(runDoneMsg{summary: summary, err: err})
	}()

	if _, err := p.Run(); err != nil {
		cancel()
		<-done
		return nil, fmt.Errorf("progress UI error: %w", err)
	}

	r := <-done
	return r.summary, r.err
}
