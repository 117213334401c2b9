package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/fresh-milkshake/searcher-agent/internal/domain"
)

var (
	accentColor = lipgloss.Color("#5FAFAF")
	subtleColor = lipgloss.Color("#666666")

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(accentColor).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	labelStyle  = lipgloss.NewStyle().Foreground(subtleColor).Width(12)
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(accentColor)
)

func renderTasks(tasks []domain.Task) string {
	if len(tasks) == 0 {
		return "No tasks."
	}
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, []string{
			t.ID,
			string(t.Status),
			fmt.Sprintf("%d/%d", t.CyclesCompleted, t.CyclesLimit),
			t.CreatedAt.Format("2006-01-02 15:04"),
			t.Title,
		})
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(subtleColor)).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("ID", "STATUS", "CYCLES", "CREATED", "TITLE").
		Rows(rows...).
		String()
}

func renderStatus(r domain.StatusReport) string {
	line := func(label, value string) string {
		return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
	}
	lines := []string{
		titleStyle.Render("Task " + r.TaskID),
		line("status", string(r.Status)),
		line("cycles", fmt.Sprintf("%d of %d", r.CyclesCompleted, r.CyclesLimit)),
		line("findings", fmt.Sprintf("%d", r.Findings)),
	}
	if r.LastError != "" {
		lines = append(lines, line("last error", r.LastError))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// reportMarkdown lays out a task's findings, best first.
func reportMarkdown(task domain.Task, findings []domain.Finding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", task.Title)
	fmt.Fprintf(&b, "Status: **%s**, %d of %d cycles, %d findings.\n\n", task.Status, task.CyclesCompleted, task.CyclesLimit, len(findings))
	if len(findings) == 0 {
		b.WriteString("No findings yet.\n")
		return b.String()
	}
	for i, f := range findings {
		c := f.Candidate
		fmt.Fprintf(&b, "## %d. %s\n\n", i+1, c.Title)
		fmt.Fprintf(&b, "- Relevance: %.0f%%\n", f.Score)
		fmt.Fprintf(&b, "- Source: %s\n", c.Source)
		if len(c.Authors) > 0 {
			fmt.Fprintf(&b, "- Authors: %s\n", strings.Join(c.Authors, ", "))
		}
		if !c.PublishedAt.IsZero() {
			fmt.Fprintf(&b, "- Published: %s\n", c.PublishedAt.Format("2006-01-02"))
		}
		if c.URL != "" {
			fmt.Fprintf(&b, "- Link: <%s>\n", c.URL)
		}
		if f.Rationale != "" {
			fmt.Fprintf(&b, "\n%s\n", f.Rationale)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func renderMarkdown(md string) (string, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return "", fmt.Errorf("markdown renderer: %w", err)
	}
	out, err := r.Render(md)
	if err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return out, nil
}
