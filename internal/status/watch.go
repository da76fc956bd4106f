package status

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/deeplook/expedition/internal/runfs"
)

// DefaultWatchInterval is the refresh period of the watch view.
const DefaultWatchInterval = 2 * time.Second

// Model is the bubbletea model for the live status view. It polls the run
// root on a timer; it never holds the lease or writes anything.
type Model struct {
	root     *runfs.Root
	interval time.Duration

	snapshot *Snapshot
	err      error
	width    int
	height   int
}

// NewModel creates a watch model for a run root.
func NewModel(root *runfs.Root, interval time.Duration) Model {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	return Model{root: root, interval: interval, width: 80}
}

// snapshotMsg is the result of one poll.
type snapshotMsg struct {
	snapshot *Snapshot
	err      error
}

type tickMsg time.Time

// Init starts the first poll and the refresh timer.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.poll, m.schedule())
}

func (m Model) poll() tea.Msg {
	s, err := Collect(m.root)
	return snapshotMsg{snapshot: s, err: err}
}

func (m Model) schedule() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update handles keys, resizes, and poll results.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.poll
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		return m, tea.Batch(m.poll, m.schedule())

	case snapshotMsg:
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.snapshot = msg.snapshot
			m.err = nil
		}
	}
	return m, nil
}

// View renders the current snapshot.
func (m Model) View() string {
	if m.err != nil {
		return FailStyle.Render("status error: "+m.err.Error()) + "\n"
	}
	if m.snapshot == nil {
		return LabelStyle.Render("loading…") + "\n"
	}
	return Render(m.snapshot, m.width) + "\n" + Clockline(m.snapshot, m.interval)
}

// Watch runs the live status view until the operator quits.
func Watch(root *runfs.Root, interval time.Duration) error {
	p := tea.NewProgram(NewModel(root, interval), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
