package codeinterpreter

import (
	"fmt"
	"strings"
)

// ChartType is the kind of chart extracted from a plot.
type ChartType string

const (
	ChartLine          ChartType = "line"
	ChartScatter       ChartType = "scatter"
	ChartBar           ChartType = "bar"
	ChartPie           ChartType = "pie"
	ChartBoxAndWhisker ChartType = "box_and_whisker"
	ChartSuperchart    ChartType = "superchart"
	ChartUnknown       ChartType = "unknown"
)

// Chart is the structured form of a matplotlib figure.
type Chart struct {
	Type     ChartType        `json:"type"`
	Title    string           `json:"title"`
	XLabel   string           `json:"x_label,omitempty"`
	YLabel   string           `json:"y_label,omitempty"`
	XUnit    string           `json:"x_unit,omitempty"`
	YUnit    string           `json:"y_unit,omitempty"`
	Elements []map[string]any `json:"elements,omitempty"`
}

// Result is one rich output of an execution. A result can carry several
// representations of the same value.
type Result struct {
	Text         string         `json:"text,omitempty"`
	HTML         string         `json:"html,omitempty"`
	Markdown     string         `json:"markdown,omitempty"`
	SVG          string         `json:"svg,omitempty"`
	PNG          string         `json:"png,omitempty"`
	JPEG         string         `json:"jpeg,omitempty"`
	PDF          string         `json:"pdf,omitempty"`
	LaTeX        string         `json:"latex,omitempty"`
	JSON         map[string]any `json:"json,omitempty"`
	JavaScript   string         `json:"javascript,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	Chart        *Chart         `json:"chart,omitempty"`
	IsMainResult bool           `json:"is_main_result"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// Formats lists the representations present in the result.
func (r *Result) Formats() []string {
	var out []string
	add := func(name string, present bool) {
		if present {
			out = append(out, name)
		}
	}
	add("text", r.Text != "")
	add("html", r.HTML != "")
	add("markdown", r.Markdown != "")
	add("svg", r.SVG != "")
	add("png", r.PNG != "")
	add("jpeg", r.JPEG != "")
	add("pdf", r.PDF != "")
	add("latex", r.LaTeX != "")
	add("json", len(r.JSON) > 0)
	add("javascript", r.JavaScript != "")
	add("data", len(r.Data) > 0)
	add("chart", r.Chart != nil)
	for k := range r.Extra {
		out = append(out, k)
	}
	return out
}

// Logs holds the stdout and stderr chunks of an execution.
type Logs struct {
	Stdout []string
	Stderr []string
}

func (l Logs) String() string {
	return fmt.Sprintf("Logs(stdout: %q, stderr: %q)", l.Stdout, l.Stderr)
}

// ExecutionError is a runtime error raised by the executed code.
type ExecutionError struct {
	Name      string `json:"name"`
	Value     string `json:"value"`
	Traceback string `json:"traceback"`
}

func (e *ExecutionError) Error() string {
	return e.Name + ": " + e.Value
}

// Execution is the outcome of RunCode.
type Execution struct {
	Results        []Result
	Logs           Logs
	Error          *ExecutionError
	ExecutionCount int
}

// Text returns the text of the main result, if any.
func (e *Execution) Text() string {
	for _, r := range e.Results {
		if r.IsMainResult {
			return r.Text
		}
	}
	return ""
}

// Stdout joins all stdout chunks.
func (e *Execution) Stdout() string { return strings.Join(e.Logs.Stdout, "") }

// Stderr joins all stderr chunks.
func (e *Execution) Stderr() string { return strings.Join(e.Logs.Stderr, "") }

// Context is an isolated interpreter state.
type Context struct {
	ID       string `json:"id"`
	Language string `json:"language"`
	Cwd      string `json:"cwd"`
}
