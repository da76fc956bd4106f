package status

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/deeplook/expedition/internal/gate"
	"github.com/deeplook/expedition/internal/manifest"
)

// Color palette, Ayu theme.
var (
	colorPrimary = lipgloss.AdaptiveColor{Light: "#399ee6", Dark: "#59c2ff"}
	colorSuccess = lipgloss.AdaptiveColor{Light: "#86b300", Dark: "#aad94c"}
	colorWarning = lipgloss.AdaptiveColor{Light: "#f2ae49", Dark: "#ffb454"}
	colorError   = lipgloss.AdaptiveColor{Light: "#f07171", Dark: "#f07178"}
	colorDim     = lipgloss.AdaptiveColor{Light: "#8a9199", Dark: "#565b66"}
)

// Styles for the status views.
var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPrimary)

	PanelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorDim).
			Padding(0, 1)

	LabelStyle = lipgloss.NewStyle().
			Foreground(colorDim)

	StageStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	PassStyle = lipgloss.NewStyle().
			Foreground(colorSuccess)

	FailStyle = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	PendingStyle = lipgloss.NewStyle().
			Foreground(colorDim)

	WarnStyle = lipgloss.NewStyle().
			Foreground(colorWarning)

	StatusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(colorDim).
			Padding(0, 1)
)

// Gate status symbols.
var gateSymbols = map[gate.Status]string{
	gate.StatusPass:    "✓",
	gate.StatusFail:    "✗",
	gate.StatusPending: "·",
}

// Render produces the one-shot status report at the given width.
func Render(s *Snapshot, width int) string {
	if width <= 0 {
		width = 80
	}

	var b strings.Builder
	m := s.Manifest

	b.WriteString(TitleStyle.Render(fmt.Sprintf("run %s", m.RunID)))
	b.WriteString("\n")
	b.WriteString(renderHeader(m))
	b.WriteString("\n\n")

	b.WriteString(PanelStyle.Width(width - 2).Render(renderStages(s)))
	b.WriteString("\n")
	b.WriteString(PanelStyle.Width(width - 2).Render(renderGates(s.Gates)))

	if len(s.Waves) > 0 {
		b.WriteString("\n")
		b.WriteString(PanelStyle.Width(width - 2).Render(renderWaves(s.Waves)))
	}
	if s.Alert != nil {
		b.WriteString("\n")
		b.WriteString(WarnStyle.Render("⚠ " + s.Alert.Describe()))
	}
	if s.Halt != nil && m.Status == manifest.StatusRunning {
		b.WriteString("\n")
		b.WriteString(renderHalt(s))
	}
	if len(s.PendingRetries) > 0 {
		b.WriteString("\n")
		b.WriteString(WarnStyle.Render(fmt.Sprintf("pending retry directives: %s", strings.Join(s.PendingRetries, ", "))))
	}

	b.WriteString("\n")
	return b.String()
}

func renderHeader(m *manifest.Manifest) string {
	status := string(m.Status)
	switch m.Status {
	case manifest.StatusRunning:
		status = PassStyle.Render(status)
	case manifest.StatusPaused:
		status = WarnStyle.Render(status)
	case manifest.StatusError:
		status = FailStyle.Render(status)
	default:
		status = PendingStyle.Render(status)
	}
	return fmt.Sprintf("%s %s  %s %s  %s %d",
		LabelStyle.Render("stage"), StageStyle.Render(string(m.Stage.Current)),
		LabelStyle.Render("status"), status,
		LabelStyle.Render("revision"), m.Revision)
}

// renderStages draws the lifecycle with the current stage highlighted.
func renderStages(s *Snapshot) string {
	current := s.Manifest.Stage.Current
	parts := make([]string, 0, len(manifest.Stages))
	reached := true
	for _, st := range manifest.Stages {
		name := string(st)
		switch {
		case st == current:
			parts = append(parts, StageStyle.Render("["+name+"]"))
			reached = false
		case reached:
			parts = append(parts, PassStyle.Render(name))
		default:
			parts = append(parts, PendingStyle.Render(name))
		}
	}
	return strings.Join(parts, LabelStyle.Render(" → "))
}

func renderGates(doc gate.Document) string {
	var lines []string
	for _, id := range gate.IDs {
		st, ok := doc[id]
		if !ok {
			st.Status = gate.StatusPending
		}
		sym := gateSymbols[st.Status]
		style := PendingStyle
		switch st.Status {
		case gate.StatusPass:
			style = PassStyle
		case gate.StatusFail:
			style = FailStyle
		}
		line := style.Render(fmt.Sprintf("%s gate %s %s", sym, id, st.Status))
		if len(st.Metrics) > 0 {
			line += "  " + LabelStyle.Render(renderMetrics(st.Metrics))
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func renderMetrics(metrics map[string]any) string {
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, metrics[k])
	}
	return strings.Join(parts, " ")
}

func renderWaves(waves []WaveProgress) string {
	var lines []string
	for _, w := range waves {
		line := fmt.Sprintf("wave %d  %d/%d outputs", w.Wave, w.Done, w.Total)
		if len(w.Missing) > 0 {
			line += LabelStyle.Render("  missing: " + strings.Join(w.Missing, ", "))
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func renderHalt(s *Snapshot) string {
	h := s.Halt
	var b strings.Builder
	b.WriteString(FailStyle.Render(fmt.Sprintf("halted at tick %d: %s → %s", h.Tick, h.From, h.To)))
	if h.Error != nil {
		b.WriteString("\n  " + WarnStyle.Render(h.Error.Error()))
	}
	for _, cmd := range h.NextCommands {
		b.WriteString("\n  " + LabelStyle.Render("next: ") + cmd)
	}
	return b.String()
}

// Clockline renders the watch view's status bar.
func Clockline(s *Snapshot, interval time.Duration) string {
	return StatusBarStyle.Render(fmt.Sprintf("refreshed %s · every %s · q to quit",
		s.CollectedAt.Format("15:04:05"), interval))
}
