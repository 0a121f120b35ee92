package conformance

import (
	"context"
	"fmt"
	"strings"

	"github.com/atotto/clipboard"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/text/width"
)

// caseDoneMsg carries one completed case back to the TUI model; nextIndex
// is how the model knows which case to launch next.
type caseDoneMsg struct {
	result    CaseResult
	nextIndex int
}

type reportDoneMsg struct{}

var (
	passStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	pendStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	titleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	borderRune = "│"
)

// caseRowState tracks one case's live status in the TUI: pending, or its
// final outcome once the case has completed.
type caseRowState struct {
	name string
	done bool
	res  CaseResult
}

// model is the bubbletea program state for a live conformance run: the
// case list with per-row status, and the scratch directory each case
// runs its Harness under.
type model struct {
	ctx         context.Context
	scratchRoot string
	runID       string
	rows        []caseRowState
	width       int
	finished    bool
	report      *Report
	copyStatus  string
}

// NewProgram returns a bubbletea program that drives a conformance run
// live, rendering one row per case as it completes (grounded on the
// embedder's status bar: a bordered, color-coded line list rather than a
// raw log).
func NewProgram(ctx context.Context, scratchRoot, runID string) *tea.Program {
	rows := make([]caseRowState, len(allCases))
	for i, c := range allCases {
		rows[i] = caseRowState{name: c.name}
	}
	m := &model{ctx: ctx, scratchRoot: scratchRoot, runID: runID, rows: rows}
	return tea.NewProgram(m)
}

func (m *model) Init() tea.Cmd {
	return runCaseCmd(m.ctx, m.scratchRoot, 0)
}

func runCaseCmd(ctx context.Context, scratchRoot string, index int) tea.Cmd {
	return func() tea.Msg {
		if index >= len(allCases) {
			return reportDoneMsg{}
		}
		c := allCases[index]
		return caseDoneMsg{result: runCase(ctx, scratchRoot, c.name, c.fn), nextIndex: index + 1}
	}
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case tea.KeyMsg:
		if m.finished && (msg.String() == "q" || msg.String() == "ctrl+c" || msg.String() == "enter") {
			return m, tea.Quit
		}
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if m.finished && msg.String() == "c" {
			if err := clipboard.WriteAll(m.report.Markdown()); err != nil {
				m.copyStatus = "copy failed: " + err.Error()
			} else {
				m.copyStatus = "report copied to clipboard"
			}
			return m, nil
		}
		return m, nil
	case caseDoneMsg:
		for i := range m.rows {
			if m.rows[i].name == msg.result.Name {
				m.rows[i].done = true
				m.rows[i].res = msg.result
			}
		}
		return m, runCaseCmd(m.ctx, m.scratchRoot, msg.nextIndex)
	case reportDoneMsg:
		m.finished = true
		report := &Report{RunID: m.runID}
		for _, row := range m.rows {
			report.Results = append(report.Results, row.res)
		}
		m.report = report
		return m, nil
	}
	return m, nil
}

// nameColumnWidth caps how much of the terminal width the case-name
// column may use, leaving room for the status prefix and border.
func (m *model) nameColumnWidth() int {
	if m.width <= 20 {
		return 40
	}
	return m.width - 12
}

func (m *model) View() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", titleStyle.Render("conformance run "+m.runID))
	nameWidth := m.nameColumnWidth()
	for _, row := range m.rows {
		name := truncateDisplayWidth(row.name, nameWidth)
		b.WriteString(borderRune + " ")
		switch {
		case !row.done:
			b.WriteString(pendStyle.Render("… " + name))
		case row.res.Status == Pass:
			b.WriteString(passStyle.Render("ok  " + name))
		default:
			b.WriteString(failStyle.Render("FAIL " + name))
		}
		b.WriteString("\n")
	}
	if m.finished {
		if m.report.Passed() {
			b.WriteString("\n" + passStyle.Render("all cases passed") + "\n")
		} else {
			fmt.Fprintf(&b, "\n%s\n", failStyle.Render(fmt.Sprintf("%d case(s) failed", m.report.FailureCount())))
		}
		if m.copyStatus != "" {
			b.WriteString(pendStyle.Render(m.copyStatus) + "\n")
		}
		b.WriteString(pendStyle.Render("press c to copy report, q to exit") + "\n")
	}
	return b.String()
}

// truncateDisplayWidth truncates s to at most maxCols terminal columns,
// counting East Asian Wide/Fullwidth runes (case names can come from
// third-party extension manifests) as two columns each rather than
// assuming one column per rune.
func truncateDisplayWidth(s string, maxCols int) string {
	cols := 0
	var b strings.Builder
	for _, r := range s {
		w := 1
		switch width.LookupRune(r).Kind() {
		case width.EastAsianWide, width.EastAsianFullwidth:
			w = 2
		}
		if cols+w > maxCols {
			b.WriteString("…")
			break
		}
		b.WriteRune(r)
		cols += w
	}
	return b.String()
}

// Report returns the assembled report once the program has finished
// running (the caller should call this after program.Run() returns).
func (m *model) Report() *Report { return m.report }
