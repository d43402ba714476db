// Package prompt manages the on-disk prompt workspace: a mutable working
// prompt per topic and the write-once handoff artifacts produced by a
// freeze.
package prompt

import (
	"fmt"
	"strings"
	"time"
)

// WorkingPrompt is the in-memory form of a topic's working.md.
type WorkingPrompt struct {
	Title        string
	Intent       string
	Requirements []string
	Constraints  []string
	Context      string
	UpdatedAt    time.Time
}

// NewWorkingPrompt returns an empty prompt with the given title.
func NewWorkingPrompt(title string) *WorkingPrompt {
	if title == "" {
		title = "Untitled Task"
	}
	return &WorkingPrompt{Title: title, UpdatedAt: time.Now().UTC()}
}

// Update carries a partial edit to a working prompt. Nil slices and empty
// strings leave the corresponding section untouched.
type Update struct {
	Title        string
	Intent       string
	Requirements []string
	Constraints  []string
	Context      string
}

// Merge folds an update into the prompt. List sections merge with
// de-duplication, context appends, scalars replace.
func (p *WorkingPrompt) Merge(u Update) {
	if u.Title != "" {
		p.Title = u.Title
	}
	if u.Intent != "" {
		p.Intent = u.Intent
	}
	p.Requirements = mergeUnique(p.Requirements, u.Requirements)
	p.Constraints = mergeUnique(p.Constraints, u.Constraints)
	if u.Context != "" {
		if p.Context != "" {
			p.Context += "\n\n" + u.Context
		} else {
			p.Context = u.Context
		}
	}
	p.UpdatedAt = time.Now().UTC()
}

func mergeUnique(existing, extra []string) []string {
	if len(extra) == 0 {
		return existing
	}
	seen := make(map[string]bool, len(existing))
	for _, s := range existing {
		seen[s] = true
	}
	for _, s := range extra {
		if s != "" && !seen[s] {
			existing = append(existing, s)
			seen[s] = true
		}
	}
	return existing
}

// Markdown renders the prompt into working.md form. ParseWorking reverses
// it.
func (p *WorkingPrompt) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", p.Title)

	b.WriteString("## Intent\n")
	if p.Intent != "" {
		b.WriteString(p.Intent)
	} else {
		b.WriteString("_Not yet defined_")
	}
	b.WriteString("\n\n")

	b.WriteString("## Requirements\n")
	writeItems(&b, p.Requirements)

	b.WriteString("## Constraints\n")
	writeItems(&b, p.Constraints)

	if p.Context != "" {
		b.WriteString("## Context\n")
		b.WriteString(p.Context)
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "_Last updated: %s_\n", p.UpdatedAt.Format(time.RFC3339))
	return b.String()
}

func writeItems(b *strings.Builder, items []string) {
	if len(items) == 0 {
		b.WriteString("_None specified yet_\n\n")
		return
	}
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
	b.WriteString("\n")
}

// ParseWorking parses working.md content back into a WorkingPrompt.
// Placeholder bodies (lines starting with "_") are treated as empty.
func ParseWorking(content string) *WorkingPrompt {
	p := &WorkingPrompt{Title: "Untitled Task", UpdatedAt: time.Now().UTC()}

	lines := strings.Split(content, "\n")
	section := ""
	var body []string

	flush := func() {
		text := strings.TrimSpace(strings.Join(body, "\n"))
		switch section {
		case "intent":
			if text != "" && !strings.HasPrefix(text, "_") {
				p.Intent = text
			}
		case "requirements":
			p.Requirements = parseItems(body)
		case "constraints":
			p.Constraints = parseItems(body)
		case "context":
			text = strings.TrimSpace(stripTrailer(text))
			if text != "" && !strings.HasPrefix(text, "_") {
				p.Context = text
			}
		}
		body = body[:0]
	}

	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "# ") && p.Title == "Untitled Task" && section == "":
			p.Title = strings.TrimSpace(strings.TrimPrefix(line, "# "))
		case strings.HasPrefix(line, "## "):
			flush()
			section = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, "## ")))
		default:
			body = append(body, line)
		}
	}
	flush()

	if ts := parseTrailer(content); !ts.IsZero() {
		p.UpdatedAt = ts
	}
	return p
}

func parseItems(lines []string) []string {
	var items []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "- ") {
			items = append(items, strings.TrimSpace(line[2:]))
		}
	}
	return items
}

const trailerPrefix = "_Last updated: "

func stripTrailer(text string) string {
	if idx := strings.LastIndex(text, trailerPrefix); idx >= 0 {
		return text[:idx]
	}
	return text
}

func parseTrailer(content string) time.Time {
	idx := strings.LastIndex(content, trailerPrefix)
	if idx < 0 {
		return time.Time{}
	}
	rest := content[idx+len(trailerPrefix):]
	end := strings.IndexByte(rest, '_')
	if end < 0 {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(rest[:end]))
	if err != nil {
		return time.Time{}
	}
	return ts
}
