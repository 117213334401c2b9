package notify

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/fresh-milkshake/searcher-agent/internal/domain"
)

// MaxMessageLen is Telegram's limit for one message text.
const MaxMessageLen = 4000

const maxRationale = 400

func esc(s string) string {
	return html.EscapeString(strings.TrimSpace(s))
}

func clip(s string, max int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

func findingBlock(n int, f domain.Finding) string {
	var b strings.Builder
	if n > 0 {
		fmt.Fprintf(&b, "%d. ", n)
	}
	fmt.Fprintf(&b, "<b>%s</b> (score %.0f)", esc(f.Candidate.Title), f.Score)
	if len(f.Candidate.Authors) > 0 {
		authors := f.Candidate.Authors
		if len(authors) > 3 {
			authors = append(authors[:3:3], "et al.")
		}
		fmt.Fprintf(&b, "\n<i>%s</i>", esc(strings.Join(authors, ", ")))
	}
	if r := clip(f.Rationale, maxRationale); r != "" {
		fmt.Fprintf(&b, "\nWhy useful for this task: %s", esc(r))
	}
	if f.Candidate.URL != "" {
		fmt.Fprintf(&b, "\nLink: %s", esc(f.Candidate.URL))
	}
	return b.String()
}

// InstantMessage announces one high-scoring finding.
func InstantMessage(task domain.Task, f domain.Finding) string {
	return fmt.Sprintf("<b>New finding</b> for your task \"%s\"\n\n%s", esc(task.Title), findingBlock(0, f))
}

// DigestMessage lists a period's findings for one task.
func DigestMessage(trigger domain.Trigger, task domain.Task, periodStart time.Time, findings []domain.Finding) string {
	label := "Daily digest"
	if trigger == domain.TriggerWeekly {
		label = "Weekly digest"
	}
	parts := []string{fmt.Sprintf("<b>%s</b> for \"%s\" (%s): %d findings",
		label, esc(task.Title), periodStart.UTC().Format("2006-01-02"), len(findings))}
	for i, f := range findings {
		parts = append(parts, findingBlock(i+1, f))
	}
	return strings.Join(parts, "\n\n")
}

// CycleLimitMessage reports a task that used up its cycles. total selects the
// results or no-results variant.
func CycleLimitMessage(task domain.Task, total int) string {
	if total == 0 {
		return fmt.Sprintf("Task \"%s\" finished all %d research cycles without relevant results. "+
			"Try a broader description or a lower relevance threshold.",
			esc(task.Title), task.CyclesLimit)
	}
	return fmt.Sprintf("Task \"%s\" finished all %d research cycles with %d findings. "+
		"Ask for the report to see them.",
		esc(task.Title), task.CyclesLimit, total)
}

// FailedMessage reports a task that stopped on an error.
func FailedMessage(task domain.Task) string {
	reason := task.LastError
	if reason == "" {
		reason = "unknown error"
	}
	return fmt.Sprintf("Task \"%s\" stopped after %d of %d cycles: %s",
		esc(task.Title), task.CyclesCompleted, task.CyclesLimit, esc(clip(reason, maxRationale)))
}

// Split cuts a message into chunks of at most limit runes, preferring
// paragraph and then line boundaries.
func Split(msg string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageLen
	}
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return nil
	}
	if runeLen(msg) <= limit {
		return []string{msg}
	}

	var (
		out     []string
		current string
	)
	flush := func() {
		if current != "" {
			out = append(out, current)
			current = ""
		}
	}
	for _, para := range strings.Split(msg, "\n\n") {
		for _, piece := range fit(para, limit) {
			switch {
			case current == "":
				current = piece
			case runeLen(current)+2+runeLen(piece) <= limit:
				current += "\n\n" + piece
			default:
				flush()
				current = piece
			}
		}
	}
	flush()
	return out
}

// fit breaks one paragraph into pieces no longer than limit, on line breaks
// where possible and hard rune cuts otherwise.
func fit(para string, limit int) []string {
	if runeLen(para) <= limit {
		return []string{para}
	}
	var (
		out     []string
		current string
	)
	for _, line := range strings.Split(para, "\n") {
		for runeLen(line) > limit {
			if current != "" {
				out = append(out, current)
				current = ""
			}
			r := []rune(line)
			out = append(out, string(r[:limit]))
			line = string(r[limit:])
		}
		switch {
		case current == "":
			current = line
		case runeLen(current)+1+runeLen(line) <= limit:
			current += "\n" + line
		default:
			out = append(out, current)
			current = line
		}
	}
	if current != "" {
		out = append(out, current)
	}
	return out
}

func runeLen(s string) int {
	return len([]rune(s))
}
