package executor

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	maxClaudeText = 300
	maxBashText   = 200
)

// streamEvent is one line of the agent's stream-json output. Only the fields
// the supervisor reads are declared.
type streamEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`
	Message   *struct {
		Content []contentBlock `json:"content"`
	} `json:"message,omitempty"`
	Summary      string   `json:"summary,omitempty"`
	Result       string   `json:"result,omitempty"`
	IsError      bool     `json:"is_error,omitempty"`
	NumTurns     int      `json:"num_turns,omitempty"`
	TotalCostUSD *float64 `json:"total_cost_usd,omitempty"`
	CostUSD      *float64 `json:"cost_usd,omitempty"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type toolInput struct {
	FilePath    string            `json:"file_path"`
	Command     string            `json:"command"`
	Pattern     string            `json:"pattern"`
	Path        string            `json:"path"`
	Description string            `json:"description"`
	Todos       []json.RawMessage `json:"todos"`
	URL         string            `json:"url"`
	Query       string            `json:"query"`
}

// cost returns total_cost_usd, falling back to cost_usd
func (e *streamEvent) cost() float64 {
	if e.TotalCostUSD != nil {
		return *e.TotalCostUSD
	}
	if e.CostUSD != nil {
		return *e.CostUSD
	}
	return 0
}

// failed reports whether a result event describes an unsuccessful run
func (e *streamEvent) failed() bool {
	return e.IsError || strings.HasPrefix(e.Subtype, "error")
}

// eventFormatters maps event kinds to progress lines. Kinds not listed
// produce no output.
var eventFormatters = map[string]func(*streamEvent) []string{
	"system":    formatSystem,
	"assistant": formatAssistant,
	"summary":   formatSummary,
	"result":    formatResult,
}

// toolFormatters maps tool names to progress lines. Tools not listed
// produce no output.
var toolFormatters = map[string]func(toolInput) string{
	"Read":      func(in toolInput) string { return "[read] " + in.FilePath },
	"Edit":      func(in toolInput) string { return "[edit] " + in.FilePath },
	"MultiEdit": func(in toolInput) string { return "[edit] " + in.FilePath },
	"Write":     func(in toolInput) string { return "[write] " + in.FilePath },
	"Bash":      func(in toolInput) string { return "[bash] " + truncate(in.Command, maxBashText) },
	"Glob":      func(in toolInput) string { return "[glob] " + withPath(in.Pattern, in.Path) },
	"Grep":      func(in toolInput) string { return "[grep] " + withPath(in.Pattern, in.Path) },
	"Task":      func(in toolInput) string { return "[task] " + oneLine(in.Description) },
	"TodoWrite": func(in toolInput) string { return fmt.Sprintf("[todo] %d items", len(in.Todos)) },
	"WebFetch":  func(in toolInput) string { return "[fetch] " + in.URL },
	"WebSearch": func(in toolInput) string { return "[search] " + oneLine(in.Query) },
}

// FormatEvent turns one stream-json line into zero or more progress lines
func FormatEvent(line []byte) []string {
	var ev streamEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil
	}
	return formatEvent(&ev)
}

func formatEvent(ev *streamEvent) []string {
	format, ok := eventFormatters[ev.Type]
	if !ok {
		return nil
	}
	return format(ev)
}

func formatSystem(ev *streamEvent) []string {
	if ev.Subtype != "init" {
		return nil
	}
	line := "[init] session " + ev.SessionID
	if ev.Model != "" {
		line += " (model " + ev.Model + ")"
	}
	return []string{line}
}

func formatAssistant(ev *streamEvent) []string {
	if ev.Message == nil {
		return nil
	}
	var lines []string
	for _, block := range ev.Message.Content {
		switch block.Type {
		case "text":
			if text := truncate(block.Text, maxClaudeText); text != "" {
				lines = append(lines, "[claude] "+text)
			}
		case "tool_use":
			format, ok := toolFormatters[block.Name]
			if !ok {
				continue
			}
			var in toolInput
			if len(block.Input) > 0 {
				_ = json.Unmarshal(block.Input, &in)
			}
			lines = append(lines, format(in))
		}
	}
	return lines
}

func formatSummary(ev *streamEvent) []string {
	if ev.Summary == "" {
		return nil
	}
	return []string{"[summary] " + oneLine(ev.Summary)}
}

func formatResult(ev *streamEvent) []string {
	subtype := ev.Subtype
	if subtype == "" {
		subtype = "done"
	}
	return []string{fmt.Sprintf("[result] %s (cost: $%.4f, turns: %d)", subtype, ev.cost(), ev.NumTurns)}
}

func withPath(pattern, path string) string {
	if path == "" {
		return pattern
	}
	return pattern + " in " + path
}

// oneLine collapses all whitespace runs to single spaces
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncate returns s on one line, cut to max runes with "..." appended
func truncate(s string, max int) string {
	s = oneLine(s)
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
