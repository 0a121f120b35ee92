package conformance

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
)

// Markdown renders the report as a Markdown document: a summary table
// followed by one section per failing case with its captured detail.
// Passing cases are listed by name only, to keep a clean run's report
// short.
func (r *Report) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Conformance run `%s`\n\n", r.RunID)
	fmt.Fprintf(&b, "Started: %s  \nFinished: %s  \nDuration: %s\n\n",
		r.StartedAt.Format("2006-01-02 15:04:05"), r.FinishedAt.Format("2006-01-02 15:04:05"), r.FinishedAt.Sub(r.StartedAt))

	if r.Passed() {
		fmt.Fprintf(&b, "**All %d cases passed.**\n\n", len(r.Results))
	} else {
		fmt.Fprintf(&b, "**%d of %d cases failed.**\n\n", r.FailureCount(), len(r.Results))
	}

	b.WriteString("| Case | Status | Duration |\n|---|---|---|\n")
	for _, c := range r.Results {
		fmt.Fprintf(&b, "| %s | %s | %s |\n", c.Name, statusGlyph(c.Status), c.Duration.Round(1_000_000))
	}
	b.WriteString("\n")

	for _, c := range r.Results {
		if c.Status == Pass {
			continue
		}
		fmt.Fprintf(&b, "## FAILED: %s\n\n%s\n\n", c.Name, c.Detail)
	}

	return b.String()
}

func statusGlyph(s Status) string {
	if s == Pass {
		return "pass"
	}
	return "FAIL"
}

// RenderTerminal renders the report's Markdown through glamour for
// display in a terminal, falling back to the raw Markdown if rendering
// fails (a narrow terminal width or an unsupported style should never
// prevent the report from being shown).
func (r *Report) RenderTerminal(width int) string {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width),
		glamour.WithPreservedNewLines(),
	)
	if err != nil {
		return r.Markdown()
	}
	out, err := renderer.Render(r.Markdown())
	if err != nil {
		return r.Markdown()
	}
	return out
}
